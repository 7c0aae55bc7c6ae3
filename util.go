package realtime

import (
	"math/rand"
	"sync"
	"time"
)

// makes a copy of the list on update so that callers can iterate a snapshot
// without holding the lock
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []int
	callbacks   map[int]T
	nextId      int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	for i, existingId := range self.callbackIds {
		if existingId == callbackId {
			self.callbackIds = append(self.callbackIds[0:i], self.callbackIds[i+1:]...)
			break
		}
	}
}

func DefaultReconnectSettings() *ReconnectSettings {
	return &ReconnectSettings{
		MinTimeout:  1 * time.Second,
		MaxTimeout:  32 * time.Second,
		MaxAttempts: 16,
	}
}

type ReconnectSettings struct {
	// timeout before the first delayed attempt. doubles per attempt up to `MaxTimeout`
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// attempts before the owner parks in a disconnected state. 0 means no cap
	MaxAttempts int
}

// successive backoff for one connect session.
// a clean open resets the attempt count via `Reset`.
type Reconnect struct {
	settings *ReconnectSettings
	attempt  int
}

func NewReconnect(settings *ReconnectSettings) *Reconnect {
	return &Reconnect{
		settings: settings,
	}
}

// After returns a channel that fires when the next attempt should run.
// The first call fires immediately, matching the immediate retry on a
// clean close.
func (self *Reconnect) After() <-chan time.Time {
	attempt := self.attempt
	self.attempt += 1
	if attempt == 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	timeout := self.settings.MinTimeout << (attempt - 1)
	if self.settings.MaxTimeout < timeout || timeout <= 0 {
		timeout = self.settings.MaxTimeout
	}
	// jitter to avoid thundering herd on a shared endpoint
	timeout += time.Duration(rand.Int63n(int64(timeout)/4 + 1))
	return time.After(timeout)
}

// AfterError is `After` without the immediate first attempt,
// used when the transport errored rather than closed cleanly.
func (self *Reconnect) AfterError() <-chan time.Time {
	if self.attempt == 0 {
		self.attempt = 1
	}
	return self.After()
}

func (self *Reconnect) Attempt() int {
	return self.attempt
}

func (self *Reconnect) Exhausted() bool {
	return 0 < self.settings.MaxAttempts && self.settings.MaxAttempts <= self.attempt
}

func (self *Reconnect) Reset() {
	self.attempt = 0
}
