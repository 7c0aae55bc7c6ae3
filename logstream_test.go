package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// a minimal cable endpoint: reads the subscribe command, then streams step
// lines tagged with the subscribed id until the connection closes
func newCableServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var command cableCommand
		if err := json.Unmarshal(message, &command); err != nil {
			return
		}
		assert.Equal(t, "subscribe", command.Command)
		var identifier struct {
			Channel string `json:"channel"`
			Id      string `json:"id"`
		}
		if err := json.Unmarshal([]byte(command.Identifier), &identifier); err != nil {
			return
		}
		assert.Equal(t, logChannelName, identifier.Channel)

		if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
			return
		}
		for i := 0; ; i += 1 {
			kind := "on_step_start"
			if i%2 == 1 {
				kind = "on_step_complete"
			}
			frame := fmt.Sprintf(
				`{"message":{"type":%q,"message":"step %d of %s"}}`,
				kind, i, identifier.Id,
			)
			if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
}

func newTestLogStream(t *testing.T, server *httptest.Server) *LogStream {
	settings := DefaultLogStreamSettings()
	settings.Url = wsUrl(server)
	settings.ReconnectSettings = testReconnectSettings()
	stream := NewLogStream(context.Background(), settings)
	t.Cleanup(stream.Close)
	return stream
}

func TestLogStreamAppendsEntries(t *testing.T) {
	server := newCableServer(t)
	defer server.Close()

	stream := newTestLogStream(t, server)
	stream.SetProject("proj-a", "chat-1")

	waitFor(t, 5*time.Second, func() bool {
		return 2 <= len(stream.Entries())
	})

	entries := stream.Entries()
	assert.Equal(t, "proj-a", entries[0].ProjectId)
	assert.Equal(t, "chat-1", entries[0].ChatId)
	assert.Equal(t, "step 0 of proj-a", entries[0].Message)

	last, ok := stream.LastLine()
	assert.Equal(t, true, ok)
	assert.Equal(t, "proj-a", last.ProjectId)
}

func TestLogStreamProjectSwitch(t *testing.T) {
	server := newCableServer(t)
	defer server.Close()

	stream := newTestLogStream(t, server)
	stream.SetProject("proj-a", "chat-1")

	waitFor(t, 5*time.Second, func() bool {
		return 1 <= len(stream.Entries())
	})

	stream.SetProject("proj-b", "chat-1")

	countA := func() int {
		count := 0
		for _, entry := range stream.Entries() {
			if entry.ProjectId == "proj-a" {
				count += 1
			}
		}
		return count
	}

	// no entry from the old project may land after the switch
	aCount := countA()
	waitFor(t, 5*time.Second, func() bool {
		last, ok := stream.LastLine()
		return ok && last.ProjectId == "proj-b"
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, aCount, countA())
}

func TestLogStreamRepeatedProjectIsNoop(t *testing.T) {
	server := newCableServer(t)
	defer server.Close()

	stream := newTestLogStream(t, server)
	stream.SetProject("proj-a", "chat-1")

	waitFor(t, 5*time.Second, func() bool {
		return 1 <= len(stream.Entries())
	})
	before := len(stream.Entries())

	// same id keeps the same transport and buffer
	stream.SetProject("proj-a", "chat-1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, true, before <= len(stream.Entries()))
}

func TestLogStreamEntryCallback(t *testing.T) {
	server := newCableServer(t)
	defer server.Close()

	stream := newTestLogStream(t, server)

	entryC := make(chan LogEntry, 16)
	stream.AddEntryCallback(func(entry LogEntry) {
		select {
		case entryC <- entry:
		default:
		}
	})

	stream.SetProject("proj-c", "")

	select {
	case entry := <-entryC:
		assert.Equal(t, "proj-c", entry.ProjectId)
	case <-time.After(5 * time.Second):
		t.Fatal("no entry delivered")
	}
}

func TestLogStreamCloseStopsAppends(t *testing.T) {
	server := newCableServer(t)
	defer server.Close()

	stream := newTestLogStream(t, server)
	stream.SetProject("proj-a", "")

	waitFor(t, 5*time.Second, func() bool {
		return 1 <= len(stream.Entries())
	})

	stream.Close()
	count := len(stream.Entries())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, len(stream.Entries()))
}
