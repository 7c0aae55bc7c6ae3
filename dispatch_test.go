package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDecodeFrameShapes(t *testing.T) {
	decoded, err := DecodeFrame([]byte(`{"msg":"invoice_success","body":"lnbc1..."}`))
	assert.Equal(t, nil, err)
	event, ok := decoded.(*Event)
	assert.Equal(t, true, ok)
	assert.Equal(t, EventInvoiceSuccess, event.Kind)
	assert.Equal(t, "lnbc1...", event.BodyString())

	decoded, err = DecodeFrame([]byte(`{"action":"swrun","message":"step 1","chatMessage":{"id":"m1"}}`))
	assert.Equal(t, nil, err)
	action, ok := decoded.(*ActionEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, ActionSwrun, action.Action)
	assert.Equal(t, "step 1", action.Message)

	// payment_success frames can arrive with no body at all
	decoded, err = DecodeFrame([]byte(`{"msg":"payment_success"}`))
	assert.Equal(t, nil, err)
	event, ok = decoded.(*Event)
	assert.Equal(t, true, ok)
	assert.Equal(t, EventPaymentSuccess, event.Kind)
	assert.Equal(t, "", event.BodyString())
}

func TestDecodeFrameUnknownKind(t *testing.T) {
	decoded, err := DecodeFrame([]byte(`{"msg":"brand_new_kind","body":{"x":1}}`))
	assert.Equal(t, nil, err)
	unknown, ok := decoded.(*UnknownEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, "brand_new_kind", unknown.Kind)

	_, err = DecodeFrame([]byte(`not json`))
	assert.NotEqual(t, nil, err)
}

func TestDispatcherRouting(t *testing.T) {
	dispatcher := NewDispatcher()

	invoiceEvents := []string{}
	keysendEvents := []string{}
	dispatcher.Subscribe(EventInvoiceSuccess, func(event *Event) {
		invoiceEvents = append(invoiceEvents, event.BodyString())
	})
	dispatcher.Subscribe(EventKeysendSuccess, func(event *Event) {
		keysendEvents = append(keysendEvents, event.BodyString())
	})

	dispatcher.Dispatch([]byte(`{"msg":"invoice_success","body":"a"}`))
	dispatcher.Dispatch([]byte(`{"msg":"invoice_success","body":"b"}`))
	dispatcher.Dispatch([]byte(`{"msg":"keysend_success","body":"c"}`))
	// unknown kinds and garbage must never throw past the dispatcher
	dispatcher.Dispatch([]byte(`{"msg":"mystery_kind"}`))
	dispatcher.Dispatch([]byte(`garbage`))

	assert.Equal(t, []string{"a", "b"}, invoiceEvents)
	assert.Equal(t, []string{"c"}, keysendEvents)
}

func TestDispatcherUnsubscribe(t *testing.T) {
	dispatcher := NewDispatcher()

	count := 0
	unsub := dispatcher.Subscribe(EventBudgetSuccess, func(event *Event) {
		count += 1
	})

	dispatcher.Dispatch([]byte(`{"msg":"budget_success"}`))
	unsub()
	dispatcher.Dispatch([]byte(`{"msg":"budget_success"}`))

	assert.Equal(t, 1, count)
}

func TestDispatcherSessionCapture(t *testing.T) {
	dispatcher := NewDispatcher()

	_, ok := dispatcher.SessionId()
	assert.Equal(t, false, ok)

	sessions := []string{}
	dispatcher.SubscribeSession(func(sessionId string) {
		sessions = append(sessions, sessionId)
	})

	dispatcher.Dispatch([]byte(`{"msg":"user_connect","body":"session-1"}`))

	sessionId, ok := dispatcher.SessionId()
	assert.Equal(t, true, ok)
	assert.Equal(t, "session-1", sessionId)
	assert.Equal(t, []string{"session-1"}, sessions)

	// a late subscriber gets the bootstrap immediately
	lateSessions := []string{}
	dispatcher.SubscribeSession(func(sessionId string) {
		lateSessions = append(lateSessions, sessionId)
	})
	assert.Equal(t, []string{"session-1"}, lateSessions)
}

func TestDispatcherSessionCaptureObjectBody(t *testing.T) {
	dispatcher := NewDispatcher()

	dispatcher.Dispatch([]byte(`{"msg":"user_connect","body":{"id":"session-9"}}`))

	sessionId, ok := dispatcher.SessionId()
	assert.Equal(t, true, ok)
	assert.Equal(t, "session-9", sessionId)
}

func TestDispatcherActionFanout(t *testing.T) {
	dispatcher := NewDispatcher()

	actions := []ActionKind{}
	dispatcher.SubscribeAction(func(event *ActionEvent) {
		actions = append(actions, event.Action)
	})

	dispatcher.Dispatch([]byte(`{"action":"message","chatMessage":{"id":"m1"}}`))
	dispatcher.Dispatch([]byte(`{"action":"process","message":"building"}`))

	assert.Equal(t, []ActionKind{ActionMessage, ActionProcess}, actions)
}

func TestDispatcherPanicIsolation(t *testing.T) {
	dispatcher := NewDispatcher()

	delivered := false
	dispatcher.Subscribe(EventPaymentSuccess, func(event *Event) {
		panic("bad subscriber")
	})
	dispatcher.Subscribe(EventPaymentSuccess, func(event *Event) {
		delivered = true
	})

	dispatcher.Dispatch([]byte(`{"msg":"payment_success"}`))

	assert.Equal(t, true, delivered)
}

func TestDispatcherSubscribedKinds(t *testing.T) {
	dispatcher := NewDispatcher()
	dispatcher.Subscribe(EventPaymentSuccess, func(event *Event) {})
	dispatcher.Subscribe(EventBudgetSuccess, func(event *Event) {})

	kinds := dispatcher.SubscribedKinds()
	assert.Equal(t, []EventKind{EventBudgetSuccess, EventPaymentSuccess}, kinds)
}
