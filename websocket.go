package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
)

// Max time between received pongs. If this timeout elapses, we consider the client to be dead.
const DefaultPongTimeout = 60 * time.Second

// Max time for message writes to the client. If this timeout elapses, we consider the client to be dead.
const DefaultWriteTimeout = 10 * time.Second

// Time between pings sent to the client. Must be less than the pong timeout to give the client a chance to respond.
const DefaultPingInterval = 30 * time.Second

// Max inbound frame size. Encrypted payloads are capped separately by the
// dispatcher on their decoded length.
const DefaultReadLimit int64 = 30 << 20

// Outbound frames queued per connection before delivery becomes lossy.
const sendBufferSize = 64

type WebsocketOptions struct {
	ReadLimit    int64
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func DefaultWebsocketOptions() *WebsocketOptions {
	return &WebsocketOptions{
		ReadLimit:    DefaultReadLimit,
		PongTimeout:  DefaultPongTimeout,
		WriteTimeout: DefaultWriteTimeout,
		PingInterval: DefaultPingInterval,
	}
}

// outFrame is an outbound event before serialization.
type outFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// WebsocketHandler upgrades inbound connections and ties each one to a pair
// of read/write goroutines for its lifetime.
type WebsocketHandler struct {
	Conns      *ConnRegistry
	Dispatcher *Dispatcher
	Sessions   SessionRegistry
	Upgrader   websocket.Upgrader
	Opts       *WebsocketOptions
	Log        zerolog.Logger
}

func (wh *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wh.Upgrader.Upgrade(w, r, nil)

	if err != nil {
		wh.Log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &ClientConn{
		id:           ksuid.New().String(),
		conn:         conn,
		send:         make(chan outFrame, sendBufferSize),
		done:         make(chan struct{}),
		writeTimeout: wh.Opts.WriteTimeout,
	}

	wh.Conns.Register(client.id, client)
	openConnections.Inc()

	wh.Log.Info().Str("connection", client.id).Msg("connection open")

	go wh.writeLoop(client)
	go wh.readLoop(client)
}

// The request context dies with ServeHTTP on a hijacked connection, so the
// loops run against the background context for the socket's lifetime.
func (wh *WebsocketHandler) readLoop(client *ClientConn) {
	// The cascade must run exactly once per connection, whatever killed the
	// read loop.
	defer func() {
		wh.Dispatcher.Disconnect(context.Background(), client)
		wh.Conns.Unregister(client.id)
		client.shutdown()
		openConnections.Dec()
		wh.Log.Info().Str("connection", client.id).Msg("connection closed")
	}()

	client.conn.SetReadLimit(wh.Opts.ReadLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(wh.Opts.PongTimeout))

	// Pongs keep both the socket and the session alive.
	client.conn.SetPongHandler(func(string) error {
		err := client.conn.SetReadDeadline(time.Now().Add(wh.Opts.PongTimeout))

		if err == nil {
			if sessionID := client.SessionID(); sessionID != "" {
				_ = wh.Sessions.TouchSession(context.Background(), sessionID)
			}
		}

		return err
	})

	for {
		_, message, err := client.conn.ReadMessage()

		if err != nil {
			if !isSocketCloseError(err) {
				wh.Log.Debug().Err(err).Str("connection", client.id).Msg("read error")
			}
			return
		}

		var frame Frame

		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			_ = client.Deliver(EventError, ErrorPayload{Message: "Malformed event."})
			continue
		}

		wh.Dispatcher.Dispatch(context.Background(), client, frame)
	}
}

func (wh *WebsocketHandler) writeLoop(client *ClientConn) {
	ticker := time.NewTicker(wh.Opts.PingInterval)

	defer func() {
		ticker.Stop()
		client.shutdown()
	}()

	for {
		select {
		case <-client.done:
			return
		case <-ticker.C:
			err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wh.Opts.WriteTimeout))

			if err != nil {
				return
			}
		case frame := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wh.Opts.WriteTimeout))

			if err := client.conn.WriteJSON(frame); err != nil {
				if !isSocketCloseError(err) {
					wh.Log.Debug().Err(err).Str("connection", client.id).Msg("write error")
				}
				return
			}
		}
	}
}

// ClientConn is one live websocket attachment. The session binding is set by
// the join handler and cleared on takeover so that a force-closed connection
// does not clean up a session it no longer owns.
type ClientConn struct {
	id           string
	conn         *websocket.Conn
	send         chan outFrame
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration

	mu        sync.Mutex
	sessionID string
}

func (c *ClientConn) ID() string {
	return c.id
}

func (c *ClientConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessionID
}

func (c *ClientConn) BindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID = sessionID
}

func (c *ClientConn) Detach() {
	c.BindSession("")
}

// Deliver queues an event for the write loop. A connection with a full
// outbound queue drops the frame; delivery is best-effort.
func (c *ClientConn) Deliver(event string, data interface{}) error {
	frame := outFrame{Event: event, Data: data}

	select {
	case <-c.done:
		return nil
	case c.send <- frame:
		return nil
	default:
		return nil
	}
}

// Kill closes the connection, which in turn stops both loops and triggers
// the disconnect cascade (unless the connection was detached first).
func (c *ClientConn) Kill(reason string) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(c.writeTimeout))
	c.shutdown()
}

func (c *ClientConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func isSocketCloseError(err error) bool {
	if err == websocket.ErrReadLimit {
		return true
	}

	if _, ok := err.(*websocket.CloseError); ok {
		return true
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived, websocket.CloseGoingAway) {
		return true
	}

	// There doesn't seem to be a better way to detect this error from Go's TCP library. Their own
	// HTTP/2 code does this exact string comparison when checking for a socket close, too.
	return strings.Contains(err.Error(), "use of closed network connection")
}
