package server

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lucashmsilva/quemsoueu/internal/protocol"
)

// InitialScore is the score every player starts a room with.
const InitialScore = 1000

// MaxPlayers bounds a room to two players.
const MaxPlayers = 2

var (
	// ErrRoomNotFound means the requested room does not exist.
	ErrRoomNotFound = errors.New(protocol.MsgRoomNotFound)
	// ErrRoomFull means the room already holds two players.
	ErrRoomFull = errors.New(protocol.MsgRoomFull)
)

type player struct {
	id       string
	nickname string
	score    int
}

type room struct {
	code       string
	status     protocol.RoomStatus
	owner      string
	players    []*player // insertion order = join order
	lastActive time.Time
}

func (r *room) snapshot() protocol.RoomSnapshot {
	snap := protocol.RoomSnapshot{
		RoomID:  r.code,
		Status:  r.status,
		Players: make([]protocol.Player, 0, len(r.players)),
	}
	for _, p := range r.players {
		snap.Players = append(snap.Players, protocol.Player{
			ID:       p.id,
			Nickname: p.nickname,
			Score:    p.score,
		})
	}
	return snap
}

func (r *room) removePlayer(id string) bool {
	for i, p := range r.players {
		if p.id == id {
			r.players = append(r.players[:i], r.players[i+1:]...)
			return true
		}
	}
	return false
}

// Registry owns all live rooms. Rooms are ephemeral: they exist only in
// memory and die with their last player or after sitting idle too long.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	clock clockwork.Clock
}

// NewRegistry creates an empty room registry.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		rooms: make(map[string]*room),
		clock: clock,
	}
}

// CreateRoom allocates a room with a unique code and seats the creator.
func (reg *Registry) CreateRoom(ownerID, nickname string) protocol.RoomSnapshot {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	code := reg.generateCode()
	r := &room{
		code:       code,
		status:     protocol.StatusWaiting,
		owner:      ownerID,
		lastActive: reg.clock.Now(),
	}
	r.players = append(r.players, &player{id: ownerID, nickname: nickname, score: InitialScore})
	reg.rooms[code] = r

	log.Info().Str("room_id", code).Str("nickname", nickname).Msg("room created")
	return r.snapshot()
}

// Join seats a player in an existing room. The room transitions to
// playing when the second seat fills.
func (reg *Registry) Join(code, id, nickname string) (protocol.RoomSnapshot, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return protocol.RoomSnapshot{}, ErrRoomNotFound
	}
	if len(r.players) >= MaxPlayers {
		return protocol.RoomSnapshot{}, ErrRoomFull
	}

	r.players = append(r.players, &player{id: id, nickname: nickname, score: InitialScore})
	if len(r.players) == MaxPlayers {
		r.status = protocol.StatusPlaying
		log.Info().Str("room_id", code).Msg("room full, game started")
	}
	r.lastActive = reg.clock.Now()

	log.Info().Str("room_id", code).Str("nickname", nickname).Msg("player joined")
	return r.snapshot(), nil
}

// Leave removes a player from a room. The returned snapshot is nil when
// the room emptied and was deleted.
func (reg *Registry) Leave(code, id string) (*protocol.RoomSnapshot, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !r.removePlayer(id) {
		return nil, ErrRoomNotFound
	}
	return reg.afterDepartureLocked(r), nil
}

// RemovePlayer evicts a player from every room they occupy, used on
// socket disconnect. It returns the snapshots of rooms that survived and
// need a broadcast.
func (reg *Registry) RemovePlayer(id string) []protocol.RoomSnapshot {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var updated []protocol.RoomSnapshot
	for _, r := range reg.rooms {
		if r.removePlayer(id) {
			if snap := reg.afterDepartureLocked(r); snap != nil {
				updated = append(updated, *snap)
			}
		}
	}
	return updated
}

func (reg *Registry) afterDepartureLocked(r *room) *protocol.RoomSnapshot {
	if len(r.players) == 0 {
		delete(reg.rooms, r.code)
		log.Info().Str("room_id", r.code).Msg("room removed (empty)")
		return nil
	}
	r.status = protocol.StatusWaiting
	r.lastActive = reg.clock.Now()
	snap := r.snapshot()
	return &snap
}

// Snapshot returns the current state of a room.
func (reg *Registry) Snapshot(code string) (protocol.RoomSnapshot, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return protocol.RoomSnapshot{}, ErrRoomNotFound
	}
	return r.snapshot(), nil
}

// Len reports how many rooms are live.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// SweepIdle removes rooms untouched for longer than maxIdle and returns
// their codes so connected clients can be told.
func (reg *Registry) SweepIdle(maxIdle time.Duration) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	cutoff := reg.clock.Now().Add(-maxIdle)
	var expired []string
	for code, r := range reg.rooms {
		if r.lastActive.Before(cutoff) {
			delete(reg.rooms, code)
			expired = append(expired, code)
			log.Info().Str("room_id", code).Msg("room removed (idle)")
		}
	}
	return expired
}

// Touch refreshes a room's idle clock.
func (reg *Registry) Touch(code string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[code]; ok {
		r.lastActive = reg.clock.Now()
	}
}

// generateCode draws unique 6-character codes until one is free. Must be
// called with the lock held.
func (reg *Registry) generateCode() string {
	buf := make([]byte, protocol.RoomCodeLength)
	for {
		for i := range buf {
			buf[i] = protocol.RoomCodeCharset[rand.IntN(len(protocol.RoomCodeCharset))]
		}
		code := string(buf)
		if _, taken := reg.rooms[code]; !taken {
			return code
		}
	}
}
