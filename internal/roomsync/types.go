package roomsync

import (
	"errors"

	"github.com/lucashmsilva/quemsoueu/internal/protocol"
)

// State is the synchronizer's position in the room lifecycle.
type State int

const (
	// StateNoRoom means no room is targeted; create and join intents are
	// accepted.
	StateNoRoom State = iota
	// StateAwaitingCreateOrJoin means a create or join intent is in
	// flight.
	StateAwaitingCreateOrJoin
	// StateReconciling means a known room is being resynchronized after a
	// cold entry or refresh.
	StateReconciling
	// StateSynchronized means an authoritative view of the room is held.
	StateSynchronized
	// StateLeft is terminal for this synchronizer instance. A fresh
	// instance is required to create or join again.
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateNoRoom:
		return "no_room"
	case StateAwaitingCreateOrJoin:
		return "awaiting_create_or_join"
	case StateReconciling:
		return "reconciling"
	case StateSynchronized:
		return "synchronized"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

var (
	// ErrIntentPending rejects a second create/join while one is already
	// in flight. The rejected intent never reaches the server.
	ErrIntentPending = errors.New("roomsync: an intent is already pending")
	// ErrAlreadyInRoom rejects create/join while synchronized to a room.
	ErrAlreadyInRoom = errors.New("roomsync: already in a room")
	// ErrNotInRoom rejects leave outside a synchronized room.
	ErrNotInRoom = errors.New("roomsync: not in a room")
	// ErrTerminated rejects intents after the synchronizer reached Left.
	ErrTerminated = errors.New("roomsync: synchronizer terminated")
	// ErrNotConnected rejects intents while the session is down.
	ErrNotConnected = errors.New("roomsync: session not connected")
)

// View is the stable projection consumed by rendering. It is a pure
// function of the machine state, emitted after every transition.
type View struct {
	State   State
	RoomID  string
	Status  protocol.RoomStatus
	Players []protocol.Player
	// You is the server-assigned identity of this connection, used to
	// mark the local player among Players. Empty while disconnected.
	You string
	// Err is the most recent surfaced failure message, cleared by the
	// next accepted intent.
	Err string
	// Evicted distinguishes an involuntary Left (room invalidated by the
	// server) from a voluntary leave.
	Evicted bool
}

// Sender dispatches an intent over the live connection.
// *session.Client satisfies it.
type Sender interface {
	Send(msg protocol.Message) error
}

type actionKind int

const (
	actionCreate actionKind = iota
	actionJoin
	actionResync
	actionLeave
)

func (k actionKind) String() string {
	switch k {
	case actionCreate:
		return "create"
	case actionJoin:
		return "join"
	case actionResync:
		return "resync"
	default:
		return "leave"
	}
}

// Internal event queue entries. Every input to the machine is one of
// these, processed serially by the Run loop.

type cmdIntent struct {
	kind     actionKind
	nickname string
	roomID   string
	reply    chan error
}

type serverEvent struct {
	msg protocol.Message
}

type lifecycleEvent struct {
	connected bool
	identity  string
}

type deadlineEvent struct {
	seq uint64
}
