package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// secondary duplex channel for build progress lines. Independently negotiated
// against a fixed logging endpoint; shares nothing with the primary socket
// except the identifier convention. Errors here degrade silently to "no live
// progress", they never block the owning chat flow.

const logChannelName = "ProjectLogChannel"

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ProjectId string    `json:"projectId"`
	ChatId    string    `json:"chatId"`
	Message   string    `json:"message"`
}

type LogEntryFunction = func(entry LogEntry)

func DefaultLogStreamSettings() *LogStreamSettings {
	return &LogStreamSettings{
		WsHandshakeTimeout: 10 * time.Second,
		ReadTimeout:        60 * time.Second,
		MaxBufferedLines:   512,
		ReconnectSettings:  DefaultReconnectSettings(),
	}
}

type LogStreamSettings struct {
	// fixed logging endpoint, e.g. wss://logs.example.com/cable
	Url string

	WsHandshakeTimeout time.Duration
	ReadTimeout        time.Duration
	MaxBufferedLines   int
	ReconnectSettings  *ReconnectSettings
}

// LogStream subscribes to the build log channel of one project at a time.
// Changing the project closes the previous transport and opens a new one;
// a stale subscription can never append to the buffer after the switch.
type LogStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *LogStreamSettings

	stateLock     sync.Mutex
	generation    int
	sessionCancel context.CancelFunc
	projectId     string
	chatId        string
	entries       []LogEntry

	entryCallbacks *CallbackList[LogEntryFunction]
}

func NewLogStreamWithDefaults(ctx context.Context, url string) *LogStream {
	settings := DefaultLogStreamSettings()
	settings.Url = url
	return NewLogStream(ctx, settings)
}

func NewLogStream(ctx context.Context, settings *LogStreamSettings) *LogStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LogStream{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		entryCallbacks: NewCallbackList[LogEntryFunction](),
	}
}

func (self *LogStream) AddEntryCallback(entryCallback LogEntryFunction) func() {
	callbackId := self.entryCallbacks.Add(entryCallback)
	return func() {
		self.entryCallbacks.Remove(callbackId)
	}
}

// SetProject switches the subscription to a new project id. The previous
// transport closes before the new one opens. A repeated id is a no-op.
func (self *LogStream) SetProject(projectId string, chatId string) {
	self.stateLock.Lock()
	if self.projectId == projectId {
		self.stateLock.Unlock()
		return
	}
	if self.sessionCancel != nil {
		self.sessionCancel()
		self.sessionCancel = nil
	}
	self.generation += 1
	self.projectId = projectId
	self.chatId = chatId
	generation := self.generation
	if projectId == "" {
		self.stateLock.Unlock()
		return
	}
	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	self.sessionCancel = sessionCancel
	self.stateLock.Unlock()

	go self.run(sessionCtx, generation, projectId, chatId)
}

func (self *LogStream) ProjectId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.projectId
}

// Entries returns a snapshot of the buffered lines.
func (self *LogStream) Entries() []LogEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entries := make([]LogEntry, len(self.entries))
	copy(entries, self.entries)
	return entries
}

// LastLine returns the most recent buffered line, which the UI renders.
func (self *LogStream) LastLine() (LogEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.entries) == 0 {
		return LogEntry{}, false
	}
	return self.entries[len(self.entries)-1], true
}

func (self *LogStream) Close() {
	self.stateLock.Lock()
	if self.sessionCancel != nil {
		self.sessionCancel()
		self.sessionCancel = nil
	}
	self.generation += 1
	self.projectId = ""
	self.stateLock.Unlock()
	self.cancel()
}

type cableCommand struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
}

type cableFrame struct {
	Type    string          `json:"type,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

type cableMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func subscribeCommand(projectId string) ([]byte, error) {
	identifierBytes, err := json.Marshal(map[string]string{
		"channel": logChannelName,
		"id":      projectId,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(&cableCommand{
		Command:    "subscribe",
		Identifier: string(identifierBytes),
	})
}

func (self *LogStream) run(sessionCtx context.Context, generation int, projectId string, chatId string) {
	subscribeBytes, err := subscribeCommand(projectId)
	if err != nil {
		glog.Infof("[ls]subscribe encode error = %s\n", err)
		return
	}

	reconnect := NewReconnect(self.settings.ReconnectSettings)
	for {
		select {
		case <-sessionCtx.Done():
			return
		default:
		}

		if reconnect.Exhausted() {
			glog.Infof("[ls]reconnect exhausted %s\n", projectId)
			return
		}

		dialer := websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(sessionCtx, self.settings.Url, nil)
		if err != nil {
			glog.Infof("[ls]dial error %s = %s\n", projectId, err)
			select {
			case <-sessionCtx.Done():
				return
			case <-reconnect.AfterError():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			go func() {
				<-sessionCtx.Done()
				ws.Close()
			}()

			if err := ws.WriteMessage(websocket.TextMessage, subscribeBytes); err != nil {
				glog.Infof("[ls]subscribe error %s = %s\n", projectId, err)
				return
			}

			for {
				select {
				case <-sessionCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				_, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[ls]%s<- error = %s\n", projectId, err)
					return
				}

				var frame cableFrame
				if err := json.Unmarshal(message, &frame); err != nil {
					glog.V(2).Infof("[ls]drop %s<-\n", projectId)
					continue
				}
				if frame.Type == "ping" || len(frame.Message) == 0 {
					continue
				}

				var cable cableMessage
				if err := json.Unmarshal(frame.Message, &cable); err != nil {
					glog.V(2).Infof("[ls]drop %s<-\n", projectId)
					continue
				}

				switch cable.Type {
				case "on_step_start", "on_step_complete":
					self.append(generation, LogEntry{
						Timestamp: time.Now(),
						ProjectId: projectId,
						ChatId:    chatId,
						Message:   cable.Message,
					})
				default:
					glog.V(2).Infof("[ls]other=%s %s<-\n", cable.Type, projectId)
				}
			}
		}
		c()

		select {
		case <-sessionCtx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *LogStream) append(generation int, entry LogEntry) {
	self.stateLock.Lock()
	if generation != self.generation {
		// a stale session must not append after the owner moved on
		self.stateLock.Unlock()
		return
	}
	self.entries = append(self.entries, entry)
	if 0 < self.settings.MaxBufferedLines && self.settings.MaxBufferedLines < len(self.entries) {
		self.entries = self.entries[len(self.entries)-self.settings.MaxBufferedLines:]
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[ls]%s<- %s\n", entry.ProjectId, entry.Message)
	for _, callback := range self.entryCallbacks.Get() {
		func(callback LogEntryFunction) {
			HandleError(func() {
				callback(entry)
			})
		}(callback)
	}
}
