package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType tags every message exchanged between client and server.
type EventType string

// Client -> server events.
const (
	EventCreateRoom   EventType = "create_room"
	EventJoinGame     EventType = "join_game"
	EventLeaveGame    EventType = "leave_game"
	EventGetGameState EventType = "get_game_state"
)

// Server -> client events.
const (
	EventConnected    EventType = "connected"
	EventRoomCreated  EventType = "room_created"
	EventJoinSuccess  EventType = "join_success"
	EventLeaveSuccess EventType = "leave_success"
	EventUpdateGame   EventType = "update_game"
	EventError        EventType = "error"
)

// Message is the wire envelope. The payload shape depends on Type.
type Message struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomStatus is the lifecycle phase of a room.
type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting"
	StatusPlaying RoomStatus = "playing"
)

// Player is the server-owned view of one participant. Clients hold
// read-only copies delivered inside snapshots.
type Player struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
}

// RoomSnapshot is the full authoritative state of a room at a point in
// time. It is replaced wholesale on the client, never merged.
type RoomSnapshot struct {
	RoomID  string     `json:"roomId"`
	Status  RoomStatus `json:"status"`
	Players []Player   `json:"players"`
}

// ConnectedPayload carries the per-connection identity assigned by the
// server immediately after the websocket upgrade.
type ConnectedPayload struct {
	ID string `json:"id"`
}

// CreateRoomPayload requests a new room.
type CreateRoomPayload struct {
	Nickname string `json:"nickname"`
}

// JoinGamePayload requests to join an existing room.
type JoinGamePayload struct {
	Nickname string `json:"nickname"`
	RoomID   string `json:"roomId"`
}

// LeaveGamePayload requests to leave a room.
type LeaveGamePayload struct {
	RoomID string `json:"roomId"`
}

// GetGameStatePayload asks the server to re-send the current snapshot.
type GetGameStatePayload struct {
	RoomID string `json:"roomId"`
}

// RoomCreatedPayload confirms a create_room request.
type RoomCreatedPayload struct {
	RoomCode string `json:"roomCode"`
}

// JoinSuccessPayload confirms a join_game request. It is sent only after
// the server has committed and broadcast the snapshot reflecting the join.
type JoinSuccessPayload struct {
	RoomID string `json:"roomId"`
}

// LeaveSuccessPayload confirms a leave_game request.
type LeaveSuccessPayload struct {
	RoomID string `json:"roomId"`
}

// ErrorPayload carries a server-side rejection or fatal room error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Error messages with client-side routing significance.
const (
	MsgRoomNotFound = "room not found"
	MsgRoomFull     = "room full"
)

func newMessage(t EventType, payload any) Message {
	data, err := json.Marshal(payload)
	if err != nil {
		// All payload types are plain structs of strings and ints;
		// marshal cannot fail on them.
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
	}
	return Message{Type: t, Payload: data}
}

// NewCreateRoom builds a create_room request.
func NewCreateRoom(nickname string) Message {
	return newMessage(EventCreateRoom, CreateRoomPayload{Nickname: nickname})
}

// NewJoinGame builds a join_game request.
func NewJoinGame(nickname, roomID string) Message {
	return newMessage(EventJoinGame, JoinGamePayload{Nickname: nickname, RoomID: roomID})
}

// NewLeaveGame builds a leave_game request.
func NewLeaveGame(roomID string) Message {
	return newMessage(EventLeaveGame, LeaveGamePayload{RoomID: roomID})
}

// NewGetGameState builds an explicit resync request.
func NewGetGameState(roomID string) Message {
	return newMessage(EventGetGameState, GetGameStatePayload{RoomID: roomID})
}

// NewConnected builds the identity handshake frame.
func NewConnected(id string) Message {
	return newMessage(EventConnected, ConnectedPayload{ID: id})
}

// NewRoomCreated builds a create confirmation.
func NewRoomCreated(roomCode string) Message {
	return newMessage(EventRoomCreated, RoomCreatedPayload{RoomCode: roomCode})
}

// NewJoinSuccess builds a join confirmation.
func NewJoinSuccess(roomID string) Message {
	return newMessage(EventJoinSuccess, JoinSuccessPayload{RoomID: roomID})
}

// NewLeaveSuccess builds a leave confirmation.
func NewLeaveSuccess(roomID string) Message {
	return newMessage(EventLeaveSuccess, LeaveSuccessPayload{RoomID: roomID})
}

// NewUpdateGame builds an authoritative state push.
func NewUpdateGame(snapshot RoomSnapshot) Message {
	return newMessage(EventUpdateGame, snapshot)
}

// NewError builds an error event.
func NewError(message string) Message {
	return newMessage(EventError, ErrorPayload{Message: message})
}

// DecodePayload unmarshals a message payload into dst.
func DecodePayload(msg Message, dst any) error {
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}
