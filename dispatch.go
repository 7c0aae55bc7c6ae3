package realtime

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// inbound frames arrive in two legacy shapes on the same channel:
// a flat `{"msg": <kind>, "body": <payload>}` for session/payment events and
// a nested `{"action", "message", "chatMessage"}` for chat/ticket/build flows.
// both decode at the boundary into a closed set of variants. unrecognized
// kinds are logged and dropped, never propagated - adding a server event kind
// must never break a deployed client.

type EventKind string

const (
	EventUserConnect    EventKind = "user_connect"
	EventKeysendSuccess EventKind = "keysend_success"
	EventKeysendPending EventKind = "keysend_pending"
	EventKeysendError   EventKind = "keysend_error"
	EventKeysendFailed  EventKind = "keysend_failed"
	EventInvoiceSuccess EventKind = "invoice_success"
	EventPaymentSuccess EventKind = "payment_success"
	EventAssignSuccess  EventKind = "assign_success"
	EventLnauthSuccess  EventKind = "lnauth_success"
	EventBudgetSuccess  EventKind = "budget_success"
)

func (self EventKind) Known() bool {
	switch self {
	case EventUserConnect,
		EventKeysendSuccess, EventKeysendPending, EventKeysendError, EventKeysendFailed,
		EventInvoiceSuccess, EventPaymentSuccess, EventAssignSuccess,
		EventLnauthSuccess, EventBudgetSuccess:
		return true
	default:
		return false
	}
}

type ActionKind string

const (
	ActionMessage ActionKind = "message"
	ActionProcess ActionKind = "process"
	ActionSwrun   ActionKind = "swrun"
)

type Event struct {
	Kind EventKind
	Body json.RawMessage
}

// BodyString decodes the body when the server sent it as a bare JSON string.
// `payment_success` frames often arrive with no body at all.
func (self *Event) BodyString() string {
	if len(self.Body) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(self.Body, &s); err == nil {
		return s
	}
	return string(self.Body)
}

type ActionEvent struct {
	Action      ActionKind
	Message     string
	ChatMessage json.RawMessage
}

type UnknownEvent struct {
	Kind string
	Raw  []byte
}

type wireEnvelope struct {
	Msg         string          `json:"msg,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Action      string          `json:"action,omitempty"`
	Message     string          `json:"message,omitempty"`
	ChatMessage json.RawMessage `json:"chatMessage,omitempty"`
}

// DecodeFrame classifies one inbound frame as *Event, *ActionEvent or
// *UnknownEvent. An error means the frame was not a JSON object at all.
func DecodeFrame(frame []byte) (any, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	if envelope.Msg != "" {
		kind := EventKind(envelope.Msg)
		if !kind.Known() {
			return &UnknownEvent{
				Kind: envelope.Msg,
				Raw:  frame,
			}, nil
		}
		return &Event{
			Kind: kind,
			Body: envelope.Body,
		}, nil
	}

	if envelope.Action != "" {
		return &ActionEvent{
			Action:      ActionKind(envelope.Action),
			Message:     envelope.Message,
			ChatMessage: envelope.ChatMessage,
		}, nil
	}

	return &UnknownEvent{
		Raw: frame,
	}, nil
}

type EventFunction = func(event *Event)
type ActionFunction = func(event *ActionEvent)
type SessionFunction = func(sessionId string)

// Dispatcher routes decoded frames to subscriber sets. It performs routing
// only and never owns subscriber lifecycle; every Subscribe returns an
// unsubscribe function the owner must call on teardown.
type Dispatcher struct {
	stateLock sync.Mutex

	sessionId string

	eventCallbacks   map[EventKind]*CallbackList[EventFunction]
	actionCallbacks  *CallbackList[ActionFunction]
	sessionCallbacks *CallbackList[SessionFunction]
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		eventCallbacks:   map[EventKind]*CallbackList[EventFunction]{},
		actionCallbacks:  NewCallbackList[ActionFunction](),
		sessionCallbacks: NewCallbackList[SessionFunction](),
	}
}

func (self *Dispatcher) Subscribe(kind EventKind, callback EventFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[kind]
	if !ok {
		callbacks = NewCallbackList[EventFunction]()
		self.eventCallbacks[kind] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *Dispatcher) SubscribeAction(callback ActionFunction) func() {
	callbackId := self.actionCallbacks.Add(callback)
	return func() {
		self.actionCallbacks.Remove(callbackId)
	}
}

// SubscribeSession delivers the server-confirmed session id from
// `user_connect`. If a session id was already captured the callback fires
// immediately, so late subscribers do not miss the bootstrap.
func (self *Dispatcher) SubscribeSession(callback SessionFunction) func() {
	var sessionId string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		sessionId = self.sessionId
	}()
	if sessionId != "" {
		HandleError(func() {
			callback(sessionId)
		})
	}

	callbackId := self.sessionCallbacks.Add(callback)
	return func() {
		self.sessionCallbacks.Remove(callbackId)
	}
}

// SubscribedKinds lists the event kinds with at least one subscriber.
func (self *Dispatcher) SubscribedKinds() []EventKind {
	self.stateLock.Lock()
	kinds := maps.Keys(self.eventCallbacks)
	self.stateLock.Unlock()
	slices.Sort(kinds)
	return kinds
}

// SessionId returns the captured session id, if any `user_connect` arrived.
func (self *Dispatcher) SessionId() (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionId, self.sessionId != ""
}

func (self *Dispatcher) Dispatch(frame []byte) {
	decoded, err := DecodeFrame(frame)
	if err != nil {
		glog.Infof("[d]drop frame = %s\n", err)
		return
	}

	switch event := decoded.(type) {
	case *Event:
		glog.V(2).Infof("[d]%s<-\n", event.Kind)
		if event.Kind == EventUserConnect {
			self.captureSession(event)
		}
		self.dispatchEvent(event)
	case *ActionEvent:
		glog.V(2).Infof("[d]action %s<-\n", event.Action)
		for _, callback := range self.actionCallbacks.Get() {
			func(callback ActionFunction) {
				HandleError(func() {
					callback(event)
				})
			}(callback)
		}
	case *UnknownEvent:
		glog.Infof("[d]unknown kind=%q\n", event.Kind)
	}
}

func (self *Dispatcher) dispatchEvent(event *Event) {
	self.stateLock.Lock()
	callbacks := self.eventCallbacks[event.Kind]
	self.stateLock.Unlock()

	if callbacks == nil {
		return
	}
	for _, callback := range callbacks.Get() {
		func(callback EventFunction) {
			HandleError(func() {
				callback(event)
			})
		}(callback)
	}
}

func (self *Dispatcher) captureSession(event *Event) {
	var sessionId string
	if err := json.Unmarshal(event.Body, &sessionId); err != nil {
		// some servers wrap the id in an object
		var body struct {
			Id string `json:"id"`
		}
		if err := json.Unmarshal(event.Body, &body); err == nil {
			sessionId = body.Id
		}
	}
	if sessionId == "" {
		glog.Infof("[d]user_connect with empty body\n")
		return
	}

	self.stateLock.Lock()
	self.sessionId = sessionId
	self.stateLock.Unlock()

	for _, callback := range self.sessionCallbacks.Get() {
		func(callback SessionFunction) {
			HandleError(func() {
				callback(sessionId)
			})
		}(callback)
	}
}
