package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucashmsilva/quemsoueu/internal/protocol"
)

type recordingListener struct {
	connected    chan string
	disconnected chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connected:    make(chan string, 8),
		disconnected: make(chan struct{}, 8),
	}
}

func (l *recordingListener) Connected(identity string) { l.connected <- identity }
func (l *recordingListener) Disconnected()             { l.disconnected <- struct{}{} }

func (l *recordingListener) waitConnected(t *testing.T) string {
	t.Helper()
	select {
	case id := <-l.connected:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected")
		return ""
	}
}

func (l *recordingListener) waitDisconnected(t *testing.T) {
	t.Helper()
	select {
	case <-l.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Disconnected")
	}
}

// testServer upgrades connections, performs the identity handshake and
// holds the socket open until closed from either side.
type testServer struct {
	*httptest.Server
	upgrades atomic.Int32
	conns    chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}

	var seq atomic.Int32
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := seq.Add(1)
		ts.upgrades.Add(1)
		if err := ws.WriteJSON(protocol.NewConnected(fmt.Sprintf("conn-%d", n))); err != nil {
			ws.Close()
			return
		}
		ts.conns <- ws
		// Hold the read side open so the server notices client closes.
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					ws.Close()
					return
				}
			}
		}()
	}))
	t.Cleanup(ts.Server.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestClient(ts *testServer) *Client {
	cfg := DefaultConfig(ts.wsURL())
	cfg.HandshakeTimeout = 2 * time.Second
	return NewClient(cfg)
}

func TestConnectHandshake(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)
	l := newRecordingListener()
	c.Subscribe(l)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	id := l.waitConnected(t)
	if id != "conn-1" {
		t.Fatalf("listener identity = %q, want conn-1", id)
	}
	if got := c.Identity(); got != "conn-1" {
		t.Fatalf("Identity() = %q, want conn-1", got)
	}
}

func TestConnectIdempotent(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	// Connect while live must be a no-op, not a second dial.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := ts.upgrades.Load(); got != 1 {
		t.Fatalf("server saw %d upgrades, want 1", got)
	}
}

func TestDisconnectClearsIdentity(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)
	l := newRecordingListener()
	c.Subscribe(l)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	l.waitConnected(t)

	c.Disconnect()
	l.waitDisconnected(t)

	if got := c.Identity(); got != "" {
		t.Fatalf("Identity() after disconnect = %q, want empty", got)
	}
	if err := c.Send(protocol.NewLeaveGame("AB12CD")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after disconnect = %v, want ErrNotConnected", err)
	}

	// Disconnect is safe to repeat and reports exactly once.
	c.Disconnect()
	select {
	case <-l.disconnected:
		t.Fatal("second Disconnected notification for one connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerCloseSurfacesDisconnected(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)
	l := newRecordingListener()
	c.Subscribe(l)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	l.waitConnected(t)

	ws := <-ts.conns
	ws.Close()

	l.waitDisconnected(t)
	if got := c.Identity(); got != "" {
		t.Fatalf("Identity() after server close = %q, want empty", got)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c := NewClient(DefaultConfig("ws://localhost:1/ws"))
	if err := c.Send(protocol.NewCreateRoom("Ana")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before connect = %v, want ErrNotConnected", err)
	}
}

func TestInboundMessageDelivery(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	received := make(chan protocol.Message, 8)
	c.OnMessage(func(msg protocol.Message) { received <- msg })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	ws := <-ts.conns
	push := protocol.NewUpdateGame(protocol.RoomSnapshot{
		RoomID: "AB12CD",
		Status: protocol.StatusWaiting,
		Players: []protocol.Player{
			{ID: "p1", Nickname: "Ana", Score: 1000},
		},
	})
	if err := ws.WriteJSON(push); err != nil {
		t.Fatalf("server push: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != protocol.EventUpdateGame {
			t.Fatalf("received %s, want update_game", msg.Type)
		}
		var snap protocol.RoomSnapshot
		if err := protocol.DecodePayload(msg, &snap); err != nil {
			t.Fatal(err)
		}
		if snap.RoomID != "AB12CD" {
			t.Fatalf("snapshot room = %q", snap.RoomID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed message")
	}
}

func TestReconnectAssignsNewIdentity(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)
	l := newRecordingListener()
	c.Subscribe(l)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := l.waitConnected(t)

	c.Disconnect()
	l.waitDisconnected(t)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer c.Disconnect()
	second := l.waitConnected(t)

	if first == second {
		t.Fatalf("identity %q survived a reconnect; must be fresh per connection", first)
	}
	if got := c.Identity(); got != second {
		t.Fatalf("Identity() = %q, want %q", got, second)
	}
}

func TestConnectFailure(t *testing.T) {
	cfg := DefaultConfig("ws://127.0.0.1:1/ws")
	cfg.HandshakeTimeout = 500 * time.Millisecond
	c := NewClient(cfg)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial failure")
	}
	// Failure returns the client to Disconnected; a retry is allowed.
	if got := c.Identity(); got != "" {
		t.Fatalf("Identity() after failed connect = %q, want empty", got)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected second dial failure")
	}
}
