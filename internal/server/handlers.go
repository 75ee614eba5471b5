package server

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/lucashmsilva/quemsoueu/internal/protocol"
)

// handleMessage dispatches one inbound client event. It runs on the
// connection's read pump, so per-connection ordering of replies follows
// request order.
func (s *Server) handleMessage(c *conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.EventCreateRoom:
		var p protocol.CreateRoomPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Warn().Err(err).Str("identity", c.id).Msg("bad create_room payload")
			return
		}
		s.handleCreateRoom(c, p)
	case protocol.EventJoinGame:
		var p protocol.JoinGamePayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Warn().Err(err).Str("identity", c.id).Msg("bad join_game payload")
			return
		}
		s.handleJoinGame(c, p)
	case protocol.EventLeaveGame:
		var p protocol.LeaveGamePayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Warn().Err(err).Str("identity", c.id).Msg("bad leave_game payload")
			return
		}
		s.handleLeaveGame(c, p)
	case protocol.EventGetGameState:
		var p protocol.GetGameStatePayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Warn().Err(err).Str("identity", c.id).Msg("bad get_game_state payload")
			return
		}
		s.handleGetGameState(c, p)
	default:
		log.Debug().Str("event", string(msg.Type)).Str("identity", c.id).Msg("ignoring unknown event")
	}
}

func (s *Server) handleCreateRoom(c *conn, p protocol.CreateRoomPayload) {
	if err := protocol.ValidateNickname(p.Nickname); err != nil {
		c.enqueue(protocol.NewError(err.Error()))
		return
	}

	snap := s.registry.CreateRoom(c.id, p.Nickname)
	s.attach(c, snap.RoomID)

	// Snapshot first, confirmation second. The client must be able to
	// converge on either observed order, but sending state ahead of the
	// acknowledgment means a well-behaved connection renders without a
	// follow-up round trip.
	s.broadcast(snap.RoomID, protocol.NewUpdateGame(snap))
	c.enqueue(protocol.NewRoomCreated(snap.RoomID))
}

func (s *Server) handleJoinGame(c *conn, p protocol.JoinGamePayload) {
	if err := protocol.ValidateNickname(p.Nickname); err != nil {
		c.enqueue(protocol.NewError(err.Error()))
		return
	}
	code, err := protocol.NormalizeRoomCode(p.RoomID)
	if err != nil {
		c.enqueue(protocol.NewError(protocol.MsgRoomNotFound))
		return
	}

	snap, err := s.registry.Join(code, c.id, p.Nickname)
	if err != nil {
		switch {
		case errors.Is(err, ErrRoomNotFound):
			c.enqueue(protocol.NewError(protocol.MsgRoomNotFound))
		case errors.Is(err, ErrRoomFull):
			c.enqueue(protocol.NewError(protocol.MsgRoomFull))
		default:
			c.enqueue(protocol.NewError(err.Error()))
		}
		return
	}

	s.attach(c, code)
	s.broadcast(code, protocol.NewUpdateGame(snap))
	c.enqueue(protocol.NewJoinSuccess(code))
}

func (s *Server) handleLeaveGame(c *conn, p protocol.LeaveGamePayload) {
	code, err := protocol.NormalizeRoomCode(p.RoomID)
	if err != nil {
		return
	}

	snap, err := s.registry.Leave(code, c.id)
	if err != nil {
		// Room or membership already gone; nothing to confirm.
		log.Debug().Str("room_id", code).Str("identity", c.id).Msg("leave for unknown room")
		return
	}

	s.detach(c, code)
	if snap != nil {
		s.broadcast(code, protocol.NewUpdateGame(*snap))
	}
	c.enqueue(protocol.NewLeaveSuccess(code))
}

func (s *Server) handleGetGameState(c *conn, p protocol.GetGameStatePayload) {
	code, err := protocol.NormalizeRoomCode(p.RoomID)
	if err != nil {
		c.enqueue(protocol.NewError(protocol.MsgRoomNotFound))
		return
	}

	snap, err := s.registry.Snapshot(code)
	if err != nil {
		c.enqueue(protocol.NewError(protocol.MsgRoomNotFound))
		return
	}

	// A resync after refresh means the requester's socket may not be
	// attached to the room's broadcast set yet.
	s.attach(c, code)
	s.registry.Touch(code)
	c.enqueue(protocol.NewUpdateGame(snap))
}
