// Package server implements the room server half of the synchronization
// contract. For every client-initiated action the room snapshot is
// broadcast before the per-requester confirmation is sent, so the two may
// be observed in either order by independent consumers; the client's
// synchronizer is built to converge on both.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lucashmsilva/quemsoueu/internal/protocol"
)

// Config holds tuning for the websocket hub.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	IdleRoomTimeout time.Duration
	SweepInterval   time.Duration
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      64,
		IdleRoomTimeout: 60 * time.Minute,
		SweepInterval:   time.Minute,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Server accepts websocket connections, assigns each a fresh identity and
// routes room events between clients and the registry.
type Server struct {
	registry *Registry
	config   Config
	upgrader websocket.Upgrader
	clock    clockwork.Clock

	mu        sync.RWMutex
	roomConns map[string]map[*conn]bool
}

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	srv  *Server
	once sync.Once
}

// New creates a Server around a registry.
func New(registry *Registry, config Config, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Server{
		registry: registry,
		config:   config,
		clock:    clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		roomConns: make(map[string]map[*conn]bool),
	}
}

// RegisterRoutes attaches the websocket endpoint and a health probe.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleConnection)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

// HandleConnection upgrades an HTTP request, performs the identity
// handshake and starts the connection pumps.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, s.config.SendBuffer),
		done: make(chan struct{}),
		srv:  s,
	}

	// The identity handshake must be the first frame the client sees;
	// enqueue it before the write pump starts draining.
	c.enqueue(protocol.NewConnected(c.id))

	go c.writePump()
	go c.readPump()

	log.Info().Str("identity", c.id).Str("remote", r.RemoteAddr).Msg("client connected")
}

// RunSweeper evicts idle rooms on a fixed interval until ctx is
// cancelled. Clients still attached to an evicted room receive an error
// push, which their synchronizer surfaces as an eviction.
func (s *Server) RunSweeper(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, code := range s.registry.SweepIdle(s.config.IdleRoomTimeout) {
				s.evictRoom(code, "room no longer exists")
			}
		}
	}
}

func (s *Server) evictRoom(code, reason string) {
	s.mu.Lock()
	conns := s.roomConns[code]
	delete(s.roomConns, code)
	s.mu.Unlock()

	for c := range conns {
		c.enqueue(protocol.NewError(reason))
	}
}

// broadcast fans a message out to every connection attached to a room.
func (s *Server) broadcast(code string, msg protocol.Message) {
	s.mu.RLock()
	targets := make([]*conn, 0, len(s.roomConns[code]))
	for c := range s.roomConns[code] {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}

func (s *Server) attach(c *conn, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomConns[code] == nil {
		s.roomConns[code] = make(map[*conn]bool)
	}
	s.roomConns[code][c] = true
}

func (s *Server) detach(c *conn, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(c, code)
}

func (s *Server) detachLocked(c *conn, code string) {
	if conns, ok := s.roomConns[code]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(s.roomConns, code)
		}
	}
}

func (s *Server) detachEverywhere(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code := range s.roomConns {
		s.detachLocked(c, code)
	}
}

// enqueue serializes msg onto the connection's send channel. A saturated
// channel marks a slow or dead consumer; the connection is closed rather
// than blocking the caller.
func (c *conn) enqueue(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("event", string(msg.Type)).Msg("marshal outbound message")
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("identity", c.id).Msg("send buffer full, dropping connection")
		c.ws.Close()
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(c.srv.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("identity", c.id).Msg("read failed")
			}
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("identity", c.id).Msg("dropping malformed message")
			continue
		}
		c.srv.handleMessage(c, msg)
		c.ws.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
	}
}

// teardown treats a dropped socket as an implicit leave: the player is
// removed from any room they occupied and the survivors are notified.
func (c *conn) teardown() {
	c.once.Do(func() {
		c.srv.detachEverywhere(c)
		close(c.done)
		c.ws.Close()
		for _, snap := range c.srv.registry.RemovePlayer(c.id) {
			c.srv.broadcast(snap.RoomID, protocol.NewUpdateGame(snap))
		}
		log.Info().Str("identity", c.id).Msg("client disconnected")
	})
}
