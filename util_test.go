package realtime

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	aCount := 0
	bCount := 0
	aId := callbacks.Add(func() { aCount += 1 })
	callbacks.Add(func() { bCount += 1 })

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, 1, aCount)
	assert.Equal(t, 1, bCount)

	callbacks.Remove(aId)
	// removing twice is a no-op
	callbacks.Remove(aId)

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, 1, aCount)
	assert.Equal(t, 2, bCount)
}

func TestReconnectBackoff(t *testing.T) {
	reconnect := NewReconnect(&ReconnectSettings{
		MinTimeout:  10 * time.Millisecond,
		MaxTimeout:  40 * time.Millisecond,
		MaxAttempts: 3,
	})

	// first attempt fires immediately
	start := time.Now()
	<-reconnect.After()
	assert.Equal(t, true, time.Since(start) < 10*time.Millisecond)

	// later attempts wait
	start = time.Now()
	<-reconnect.After()
	assert.Equal(t, true, 10*time.Millisecond <= time.Since(start))

	<-reconnect.After()
	assert.Equal(t, true, reconnect.Exhausted())

	reconnect.Reset()
	assert.Equal(t, false, reconnect.Exhausted())
	assert.Equal(t, 0, reconnect.Attempt())
}

func TestReconnectAfterError(t *testing.T) {
	reconnect := NewReconnect(DefaultReconnectSettings())

	// an error skips the immediate first attempt
	c := reconnect.AfterError()
	select {
	case <-c:
		t.Fatal("error retry fired immediately")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2, reconnect.Attempt())
}
