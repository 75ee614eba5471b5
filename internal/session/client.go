package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lucashmsilva/quemsoueu/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send while no connection is live.
	ErrNotConnected = errors.New("session: not connected")
	// ErrSendBufferFull is returned when the outbound queue is saturated.
	ErrSendBufferFull = errors.New("session: send buffer full")
)

// Listener receives connection lifecycle transitions. Transitions are not
// buffered: a listener subscribed after a transition never sees it, so all
// subscription must happen before the first Connect.
type Listener interface {
	Connected(identity string)
	Disconnected()
}

// MessageHandler receives every inbound message after the identity
// handshake. It is invoked from the read pump goroutine.
type MessageHandler func(protocol.Message)

// Config holds connection tuning for a Client.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	SendBuffer       int
}

// DefaultConfig returns client defaults for the given server URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   4096,
		SendBuffer:       64,
	}
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// Client owns exactly one logical websocket connection. It tracks the
// server-assigned identity for the life of that connection and surfaces
// lifecycle transitions to subscribers. Reconnecting yields a fresh
// identity; the old one must be treated as unknown.
type Client struct {
	config Config

	mu       sync.Mutex
	state    connState
	conn     *websocket.Conn
	identity string
	send     chan []byte
	done     chan struct{}
	gen      int

	listeners []Listener
	onMessage MessageHandler
}

// NewClient creates a disconnected client.
func NewClient(config Config) *Client {
	return &Client{config: config}
}

// Subscribe registers a lifecycle listener. Must be called before Connect;
// missed transitions are not replayed.
func (c *Client) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// OnMessage registers the inbound message handler. Must be called before
// Connect.
func (c *Client) OnMessage(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

// Identity returns the server-assigned identity of the live connection,
// or empty while disconnected.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect dials the server and performs the identity handshake. It is
// idempotent: a call while a connection attempt is in progress or live is
// a no-op. On success the client transitions to Connected and notifies
// subscribers with the new identity.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	identity, err := readHandshake(conn, c.config.HandshakeTimeout)
	if err != nil {
		conn.Close()
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.state = stateConnected
	c.conn = conn
	c.identity = identity
	c.send = make(chan []byte, c.config.SendBuffer)
	c.done = make(chan struct{})
	send := c.send
	done := c.done
	handler := c.onMessage
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	teardown := c.teardownFunc(gen, conn, done)

	go c.writePump(conn, send, done, teardown)
	go c.readPump(conn, handler, teardown)

	log.Info().Str("identity", identity).Str("url", c.config.URL).Msg("session connected")

	for _, l := range listeners {
		l.Connected(identity)
	}
	return nil
}

// Disconnect releases the connection and clears the identity. Safe to call
// in any state, including repeatedly; subscribers observe exactly one
// Disconnected per live connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	gen := c.gen
	done := c.done
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.teardownFunc(gen, conn, done)()
}

// Send queues a message on the live connection.
func (c *Client) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	send := c.send
	c.mu.Unlock()

	select {
	case send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// teardownFunc builds the single teardown path for one connection
// generation. Every exit (explicit Disconnect, read error, write error)
// funnels through it, so the resource is released and the identity cleared
// exactly once regardless of which side failed first.
func (c *Client) teardownFunc(gen int, conn *websocket.Conn, done chan struct{}) func() {
	return func() {
		conn.Close()

		c.mu.Lock()
		if c.gen != gen || c.state != stateConnected {
			// A newer connection already replaced this one, or this
			// generation was already torn down.
			c.mu.Unlock()
			return
		}
		close(done)
		c.state = stateDisconnected
		c.conn = nil
		c.identity = ""
		c.send = nil
		c.done = nil
		listeners := append([]Listener(nil), c.listeners...)
		c.mu.Unlock()

		log.Info().Msg("session disconnected")
		for _, l := range listeners {
			l.Disconnected()
		}
	}
}

func readHandshake(conn *websocket.Conn, timeout time.Duration) (string, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("read handshake: %w", err)
	}
	if msg.Type != protocol.EventConnected {
		return "", fmt.Errorf("unexpected handshake event %q", msg.Type)
	}
	var payload protocol.ConnectedPayload
	if err := protocol.DecodePayload(msg, &payload); err != nil {
		return "", err
	}
	if payload.ID == "" {
		return "", errors.New("handshake carried no identity")
	}
	return payload.ID, nil
}

// writePump owns all writes to the socket, including keepalive pings.
func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}, teardown func()) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		teardown()
	}()

	for {
		select {
		case <-done:
			return
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Msg("session write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("session ping failed")
				return
			}
		}
	}
}

// readPump delivers inbound messages to the registered handler until the
// connection dies.
func (c *Client) readPump(conn *websocket.Conn, handler MessageHandler, teardown func()) {
	defer teardown()

	conn.SetReadLimit(c.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("session read failed")
			}
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		if handler != nil {
			handler(msg)
		}
		conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	}
}
