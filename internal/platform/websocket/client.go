package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Emit while the connection is down.
var ErrNotConnected = errors.New("websocket: not connected")

// Listener receives the raw payload of an inbound event.
type Listener func(data json.RawMessage)

// ClientConnConfig configures a ClientConn.
type ClientConnConfig struct {
	URL        string
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     zerolog.Logger
}

// ClientConn is a reconnecting client connection to an appointment hub. It
// dispatches inbound frames to listeners by event name and synthesises
// connect, disconnect and reconnect events around the connection lifecycle.
type ClientConn struct {
	cfg    ClientConnConfig
	dialer *gorillawebsocket.Dialer
	logger zerolog.Logger

	mu        sync.RWMutex
	conn      *gorillawebsocket.Conn
	listeners map[string]map[uint64]Listener
	nextID    uint64
	connected bool

	writeMu sync.Mutex
}

// NewClientConn creates a connection that is not yet dialled; call Run.
func NewClientConn(cfg ClientConnConfig) *ClientConn {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &ClientConn{
		cfg:       cfg,
		dialer:    gorillawebsocket.DefaultDialer,
		logger:    cfg.Logger.With().Str("component", "ws-client").Logger(),
		listeners: make(map[string]map[uint64]Listener),
	}
}

// Connected reports whether the connection is currently up.
func (c *ClientConn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// On registers a listener for event and returns a function that removes it.
func (c *ClientConn) On(event string, fn Listener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[uint64]Listener)
	}
	c.listeners[event][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners[event], id)
			if len(c.listeners[event]) == 0 {
				delete(c.listeners, event)
			}
		})
	}
}

// ListenerCount returns the number of listeners registered for event.
func (c *ClientConn) ListenerCount(event string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners[event])
}

// Emit sends an event frame. It returns ErrNotConnected while disconnected.
func (c *ClientConn) Emit(event string, payload interface{}) error {
	data, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillawebsocket.TextMessage, data)
}

// Run dials the hub and keeps the connection alive until ctx is cancelled,
// reconnecting with exponential backoff.
func (c *ClientConn) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	everConnected := false

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err == nil {
			backoff = c.cfg.MinBackoff
			c.setConn(conn)
			if everConnected {
				c.dispatch(EventReconnect, nil)
			} else {
				c.dispatch(EventConnect, nil)
			}
			everConnected = true

			c.readLoop(ctx, conn)

			c.setConn(nil)
			c.dispatch(EventDisconnect, nil)
		} else {
			c.logger.Debug().Err(err).Dur("backoff", backoff).Msg("dial failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *ClientConn) setConn(conn *gorillawebsocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connected = conn != nil
}

func (c *ClientConn) readLoop(ctx context.Context, conn *gorillawebsocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		c.dispatch(frame.Event, frame.Data)
	}
}

func (c *ClientConn) dispatch(event string, data json.RawMessage) {
	c.mu.RLock()
	fns := make([]Listener, 0, len(c.listeners[event]))
	for _, fn := range c.listeners[event] {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
}
