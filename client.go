package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const ClientBufferSize = 32

// ErrNotInitialized is returned by GetConnection before any EnsureConnection.
var ErrNotInitialized = errors.New("connection not initialized")

type ConnectionState string

// connection state machine is:
// ConnectionStateClosed
//
//	-> ConnectionStateConnecting
//	  -> ConnectionStateOpen
//	  -> ConnectionStateClosed
//	-> ConnectionStateDisconnected (terminal, reconnect attempts exhausted)
const (
	ConnectionStateClosed       ConnectionState = "Closed"
	ConnectionStateConnecting   ConnectionState = "Connecting"
	ConnectionStateOpen         ConnectionState = "Open"
	ConnectionStateDisconnected ConnectionState = "Disconnected"
)

func (self ConnectionState) IsTerminal() bool {
	switch self {
	case ConnectionStateDisconnected:
		return true
	default:
		return false
	}
}

type ConnectionStateFunction = func(state ConnectionState)

// SocketUrl derives the duplex endpoint from a platform host.
// wss everywhere except local development.
func SocketUrl(host string) string {
	scheme := "wss"
	if strings.HasPrefix(host, "localhost") ||
		strings.HasPrefix(host, "127.0.0.1") ||
		strings.HasPrefix(host, "[::1]") {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/websocket", scheme, host)
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 10 * time.Second,
		PingTimeout:        30 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		ReconnectSettings:  DefaultReconnectSettings(),
	}
}

type ClientSettings struct {
	// full endpoint without the query, e.g. wss://host/websocket. See `SocketUrl`
	SocketUrl string

	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	ReconnectSettings  *ReconnectSettings
}

// Client owns the one duplex socket of the process and its correlation id.
// It reconnects with backoff, feeds every inbound frame to the dispatcher,
// and exposes connection state as an observable. Create one per process via
// `EnsureConnection` (or directly with `NewClient` for tests) and inject it
// into coordinators; there is no ambient global besides the default instance.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      *ClientStore
	dispatcher *Dispatcher
	settings   *ClientSettings

	stateLock      sync.Mutex
	state          ConnectionState
	send           chan []byte
	uniqueId       string
	connectStarted bool

	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewClientWithDefaults(ctx context.Context, store *ClientStore, socketUrl string) *Client {
	settings := DefaultClientSettings()
	settings.SocketUrl = socketUrl
	return NewClient(ctx, store, settings)
}

func NewClient(ctx context.Context, store *ClientStore, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		store:          store,
		dispatcher:     NewDispatcher(),
		settings:       settings,
		state:          ConnectionStateClosed,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
}

func (self *Client) Dispatcher() *Dispatcher {
	return self.dispatcher
}

// UniqueId reads or creates the persisted correlation id.
// The same id is attached to every (re)connection as `?uniqueId=`.
func (self *Client) UniqueId() (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.uniqueIdLocked()
}

func (self *Client) uniqueIdLocked() (string, error) {
	if self.uniqueId != "" {
		return self.uniqueId, nil
	}
	uniqueId, err := self.store.UniqueId(self.ctx)
	if err != nil {
		return "", err
	}
	self.uniqueId = uniqueId
	return uniqueId, nil
}

func (self *Client) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Client) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Client) setState(state ConnectionState) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state != state {
			self.state = state
			changed = true
		}
	}()
	if !changed {
		return
	}
	for _, callback := range self.stateCallbacks.Get() {
		func(callback ConnectionStateFunction) {
			HandleError(func() {
				callback(state)
			})
		}(callback)
	}
}

// Connect starts the connect/reconnect loop. Safe to call more than once;
// only the first call starts the loop.
func (self *Client) Connect() error {
	self.stateLock.Lock()
	if self.connectStarted {
		self.stateLock.Unlock()
		return nil
	}
	uniqueId, err := self.uniqueIdLocked()
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.connectStarted = true
	self.stateLock.Unlock()

	// cache the session bootstrap so a restarted process can issue
	// session-scoped calls before the first user_connect arrives
	self.dispatcher.SubscribeSession(func(sessionId string) {
		if err := self.store.SetSessionId(self.ctx, sessionId); err != nil {
			glog.Infof("[c]session cache error = %s\n", err)
		}
	})

	go self.run(uniqueId)
	return nil
}

func (self *Client) run(uniqueId string) {
	defer self.cancel()

	connectUrl := fmt.Sprintf("%s?uniqueId=%s", self.settings.SocketUrl, uniqueId)

	reconnect := NewReconnect(self.settings.ReconnectSettings)
	for {
		select {
		case <-self.ctx.Done():
			self.setState(ConnectionStateClosed)
			return
		default:
		}

		if reconnect.Exhausted() {
			glog.Infof("[c]reconnect exhausted after %d attempts\n", reconnect.Attempt())
			self.setState(ConnectionStateDisconnected)
			return
		}

		self.setState(ConnectionStateConnecting)

		connect := func() (*websocket.Conn, error) {
			dialer := websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, connectUrl, nil)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", uniqueId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[c]dial error %s = %s\n", uniqueId, err)
			self.setState(ConnectionStateClosed)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.AfterError():
				continue
			}
		}

		openTime := time.Now()

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			send := make(chan []byte, ClientBufferSize)

			self.stateLock.Lock()
			self.send = send
			self.stateLock.Unlock()

			// open only after the send channel is installed so that
			// `State() == Open` implies `Send` reaches the socket
			self.setState(ConnectionStateOpen)

			defer func() {
				self.stateLock.Lock()
				if self.send == send {
					self.send = nil
				}
				self.stateLock.Unlock()
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[cs]%s-> error = %s\n", uniqueId, err)
							return
						}
						glog.V(2).Infof("[cs]%s->\n", uniqueId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.PingMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[cr]%s<- error = %s\n", uniqueId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage, websocket.BinaryMessage:
						if 0 == len(message) {
							// keep alive
							glog.V(2).Infof("[cr]ping %s<-\n", uniqueId)
							continue
						}
						glog.V(2).Infof("[cr]%s<-\n", uniqueId)
						self.dispatcher.Dispatch(message)
					default:
						glog.V(2).Infof("[cr]other=%d %s<-\n", messageType, uniqueId)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		if glog.V(2) {
			Trace(fmt.Sprintf("[c]connect run %s", uniqueId), c)
		} else {
			c()
		}

		self.setState(ConnectionStateClosed)

		// only a connection that held for a while earns a fresh backoff,
		// otherwise an accept-then-drop server turns into a fast spin
		if self.settings.ReconnectSettings.MinTimeout <= time.Since(openTime) {
			reconnect.Reset()
		}

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// Send queues one outbound JSON frame on the active connection.
func (self *Client) Send(message []byte) error {
	self.stateLock.Lock()
	send := self.send
	self.stateLock.Unlock()

	if send == nil {
		return errors.New("connection not open")
	}
	select {
	case send <- message:
		return nil
	case <-self.ctx.Done():
		return errors.New("connection closed")
	case <-time.After(self.settings.WriteTimeout):
		return errors.New("send backpressure timeout")
	}
}

func (self *Client) Close() {
	self.cancel()
}

// process-wide default instance, explicit init and shutdown

var defaultLock sync.Mutex
var defaultInstance *Client

// EnsureConnection returns the process-wide client, creating and connecting
// it on the first call.
func EnsureConnection(ctx context.Context, store *ClientStore, settings *ClientSettings) (*Client, error) {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultInstance != nil {
		return defaultInstance, nil
	}

	client := NewClient(ctx, store, settings)
	if err := client.Connect(); err != nil {
		client.Close()
		return nil, err
	}
	defaultInstance = client
	return client, nil
}

// GetConnection returns the process-wide client.
// Fails with ErrNotInitialized before any EnsureConnection.
func GetConnection() (*Client, error) {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultInstance == nil {
		return nil, ErrNotInitialized
	}
	return defaultInstance, nil
}

// ShutdownConnection closes and clears the process-wide client.
func ShutdownConnection() {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultInstance != nil {
		defaultInstance.Close()
		defaultInstance = nil
	}
}
