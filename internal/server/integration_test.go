package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lucashmsilva/quemsoueu/internal/protocol"
	"github.com/lucashmsilva/quemsoueu/internal/roomsync"
	"github.com/lucashmsilva/quemsoueu/internal/session"
)

// stack is one full client: a websocket session feeding a room
// synchronizer, the way the terminal client wires them.
type stack struct {
	client *session.Client
	syncer *roomsync.Synchronizer
	views  chan roomsync.View
}

func newStack(t *testing.T, ts *httptest.Server, roomID string) *stack {
	t.Helper()

	st := &stack{
		client: session.NewClient(session.DefaultConfig("ws" + strings.TrimPrefix(ts.URL, "http") + "/ws")),
		views:  make(chan roomsync.View, 256),
	}
	onView := func(v roomsync.View) { st.views <- v }

	var err error
	if roomID == "" {
		st.syncer = roomsync.New(st.client, onView, roomsync.DefaultConfig())
	} else {
		st.syncer, err = roomsync.NewPinned(st.client, roomID, onView, roomsync.DefaultConfig())
		if err != nil {
			t.Fatalf("NewPinned: %v", err)
		}
	}

	st.client.Subscribe(st.syncer)
	st.client.OnMessage(st.syncer.HandleMessage)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go st.syncer.Run(ctx)

	if err := st.client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(st.client.Disconnect)

	// The handshake has landed once the identity shows in the view.
	st.waitFor(t, "identity", func(v roomsync.View) bool { return v.You != "" })
	return st
}

func (st *stack) waitFor(t *testing.T, what string, pred func(roomsync.View) bool) roomsync.View {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case v := <-st.views:
			if pred(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (st *stack) waitSynchronized(t *testing.T) roomsync.View {
	t.Helper()
	return st.waitFor(t, "synchronized view", func(v roomsync.View) bool {
		return v.State == roomsync.StateSynchronized
	})
}

func TestEndToEndCreateJoinLeave(t *testing.T) {
	_, ts := startServer(t, nil)

	owner := newStack(t, ts, "")
	if err := owner.syncer.CreateRoom("Ana"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	created := owner.waitSynchronized(t)
	if created.RoomID == "" || created.Status != protocol.StatusWaiting || len(created.Players) != 1 {
		t.Fatalf("owner view after create = %+v", created)
	}

	joiner := newStack(t, ts, "")
	if err := joiner.syncer.JoinRoom("Bia", created.RoomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	joined := joiner.waitSynchronized(t)
	if joined.RoomID != created.RoomID || joined.Status != protocol.StatusPlaying || len(joined.Players) != 2 {
		t.Fatalf("joiner view = %+v", joined)
	}

	// The owner converges on the same snapshot through the broadcast.
	ownerPlaying := owner.waitFor(t, "playing broadcast", func(v roomsync.View) bool {
		return v.Status == protocol.StatusPlaying && len(v.Players) == 2
	})
	if ownerPlaying.State != roomsync.StateSynchronized {
		t.Fatalf("owner state = %s", ownerPlaying.State)
	}

	if err := joiner.syncer.LeaveRoom(); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	left := joiner.waitFor(t, "left view", func(v roomsync.View) bool {
		return v.State == roomsync.StateLeft
	})
	if left.Evicted {
		t.Fatal("voluntary leave reported as eviction")
	}

	survivor := owner.waitFor(t, "waiting broadcast", func(v roomsync.View) bool {
		return v.Status == protocol.StatusWaiting && len(v.Players) == 1
	})
	if survivor.Players[0].Nickname != "Ana" {
		t.Fatalf("survivor view = %+v", survivor)
	}
}

func TestEndToEndColdEntry(t *testing.T) {
	_, ts := startServer(t, nil)

	owner := newStack(t, ts, "")
	if err := owner.syncer.CreateRoom("Ana"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	created := owner.waitSynchronized(t)

	// A second client entering with only the room identifier reconciles
	// through an explicit state request.
	observer := newStack(t, ts, created.RoomID)
	view := observer.waitSynchronized(t)
	if view.RoomID != created.RoomID || len(view.Players) != 1 {
		t.Fatalf("cold entry view = %+v", view)
	}
	if view.Players[0].Nickname != "Ana" {
		t.Fatalf("cold entry players = %+v", view.Players)
	}
}

func TestEndToEndJoinMissingRoom(t *testing.T) {
	_, ts := startServer(t, nil)

	st := newStack(t, ts, "")
	if err := st.syncer.JoinRoom("Bia", "ZZZZZZ"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	view := st.waitFor(t, "rejection view", func(v roomsync.View) bool {
		return v.State == roomsync.StateNoRoom && v.Err != ""
	})
	if view.Err != protocol.MsgRoomNotFound {
		t.Fatalf("err = %q, want %q", view.Err, protocol.MsgRoomNotFound)
	}
}
