// Package roomsync reconciles authoritative server snapshots against
// optimistic client intents for one room instance.
//
// All inputs (intents, server events, connection lifecycle, deadline
// firings) are serialized onto a single event queue and processed by one
// goroutine, so the machine's fields need no locking. The confirmation for
// a client action and the snapshot reflecting its effect may arrive in
// either order across the two event channels; the machine converges to the
// same Synchronized state regardless.
package roomsync

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lucashmsilva/quemsoueu/internal/protocol"
)

// DefaultReconcileDeadline bounds how long a pending action may wait for
// its confirmation/snapshot pair before the fail-open policy applies.
const DefaultReconcileDeadline = 1000 * time.Millisecond

// Config tunes a Synchronizer.
type Config struct {
	ReconcileDeadline time.Duration
	Clock             clockwork.Clock
	QueueSize         int
}

// DefaultConfig returns production defaults (real clock, 1s deadline).
func DefaultConfig() Config {
	return Config{
		ReconcileDeadline: DefaultReconcileDeadline,
		Clock:             clockwork.NewRealClock(),
		QueueSize:         64,
	}
}

type pendingAction struct {
	kind      actionKind
	roomID    string
	startedAt time.Time
	seq       uint64
	cancel    chan struct{}
	armed     bool
}

// Synchronizer is the per-room state machine. Construct with New (room
// selection flow) or NewPinned (cold entry to a known room), wire it to a
// session.Client via Subscribe/OnMessage, then start Run before issuing
// intents.
type Synchronizer struct {
	config Config
	sender Sender
	onView func(View)

	events chan any
	done   chan struct{}

	// Fields below are owned by the Run goroutine.
	state         State
	identity      string
	connected     bool
	pending       *pendingAction
	seq           uint64
	roomCodeKnown string
	roomID        string
	snapshot      *protocol.RoomSnapshot
	buffered      map[string]protocol.RoomSnapshot
	resyncSent    bool
	lastErr       string
	evicted       bool
}

// New creates a synchronizer in NoRoom, ready for create/join intents.
// onView receives the stable projection after every transition; it is
// invoked from the Run goroutine and must not block.
func New(sender Sender, onView func(View), config Config) *Synchronizer {
	return newSynchronizer(sender, onView, config, StateNoRoom, "")
}

// NewPinned creates a synchronizer already pinned to roomID (cold entry or
// refresh, the identifier obtained externally). It starts in Reconciling:
// a resync request is issued as soon as the connection is up, unless a
// snapshot for the room arrives first.
func NewPinned(sender Sender, roomID string, onView func(View), config Config) (*Synchronizer, error) {
	code, err := protocol.NormalizeRoomCode(roomID)
	if err != nil {
		return nil, err
	}
	s := newSynchronizer(sender, onView, config, StateReconciling, code)
	return s, nil
}

func newSynchronizer(sender Sender, onView func(View), config Config, state State, roomID string) *Synchronizer {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.ReconcileDeadline <= 0 {
		config.ReconcileDeadline = DefaultReconcileDeadline
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	return &Synchronizer{
		config:   config,
		sender:   sender,
		onView:   onView,
		events:   make(chan any, config.QueueSize),
		done:     make(chan struct{}),
		state:    state,
		roomID:   roomID,
		buffered: make(map[string]protocol.RoomSnapshot),
	}
}

// Run processes the event queue until ctx is cancelled. It must be running
// before any intent is issued.
func (s *Synchronizer) Run(ctx context.Context) {
	defer close(s.done)

	if s.state == StateReconciling {
		s.startPending(actionResync, s.roomID)
	}
	s.emit()

	for {
		select {
		case <-ctx.Done():
			s.clearPending()
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// CreateRoom issues a create intent. The returned error covers only local
// admission (validation, duplicate intent, connection state); completion
// arrives asynchronously through the view.
func (s *Synchronizer) CreateRoom(nickname string) error {
	if err := protocol.ValidateNickname(nickname); err != nil {
		return err
	}
	return s.intent(cmdIntent{kind: actionCreate, nickname: nickname, reply: make(chan error, 1)})
}

// JoinRoom issues a join intent for roomID. The code is normalized before
// sending.
func (s *Synchronizer) JoinRoom(nickname, roomID string) error {
	if err := protocol.ValidateNickname(nickname); err != nil {
		return err
	}
	code, err := protocol.NormalizeRoomCode(roomID)
	if err != nil {
		return err
	}
	return s.intent(cmdIntent{kind: actionJoin, nickname: nickname, roomID: code, reply: make(chan error, 1)})
}

// LeaveRoom issues a leave intent for the synchronized room.
func (s *Synchronizer) LeaveRoom() error {
	return s.intent(cmdIntent{kind: actionLeave, reply: make(chan error, 1)})
}

func (s *Synchronizer) intent(cmd cmdIntent) error {
	select {
	case s.events <- cmd:
	case <-s.done:
		return ErrTerminated
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrTerminated
	}
}

// HandleMessage feeds a server event into the queue. Register it as the
// session client's message handler.
func (s *Synchronizer) HandleMessage(msg protocol.Message) {
	s.post(serverEvent{msg: msg})
}

// Connected implements session.Listener.
func (s *Synchronizer) Connected(identity string) {
	s.post(lifecycleEvent{connected: true, identity: identity})
}

// Disconnected implements session.Listener.
func (s *Synchronizer) Disconnected() {
	s.post(lifecycleEvent{connected: false})
}

func (s *Synchronizer) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Synchronizer) dispatch(ev any) {
	switch ev := ev.(type) {
	case cmdIntent:
		ev.reply <- s.handleIntent(ev)
	case serverEvent:
		s.handleServerEvent(ev.msg)
	case lifecycleEvent:
		s.handleLifecycle(ev)
	case deadlineEvent:
		s.handleDeadline(ev.seq)
	}
}

func (s *Synchronizer) handleIntent(cmd cmdIntent) error {
	if cmd.kind == actionLeave {
		return s.handleLeaveIntent()
	}

	switch {
	case s.state == StateLeft:
		return ErrTerminated
	case s.state == StateSynchronized:
		return ErrAlreadyInRoom
	case s.pending != nil:
		return ErrIntentPending
	case s.state != StateNoRoom:
		return ErrIntentPending
	case !s.connected:
		return ErrNotConnected
	}

	var msg protocol.Message
	if cmd.kind == actionCreate {
		msg = protocol.NewCreateRoom(cmd.nickname)
	} else {
		msg = protocol.NewJoinGame(cmd.nickname, cmd.roomID)
	}
	if err := s.sender.Send(msg); err != nil {
		return err
	}

	s.lastErr = ""
	s.startPending(cmd.kind, cmd.roomID)
	s.state = StateAwaitingCreateOrJoin
	log.Debug().Str("intent", cmd.kind.String()).Str("room_id", cmd.roomID).Msg("intent pending")
	s.emit()
	return nil
}

func (s *Synchronizer) handleLeaveIntent() error {
	switch s.state {
	case StateLeft:
		return ErrTerminated
	case StateSynchronized:
	default:
		return ErrNotInRoom
	}
	if s.pending != nil {
		return ErrIntentPending
	}
	if !s.connected {
		return ErrNotConnected
	}
	if err := s.sender.Send(protocol.NewLeaveGame(s.roomID)); err != nil {
		return err
	}
	s.startPending(actionLeave, s.roomID)
	log.Debug().Str("room_id", s.roomID).Msg("leave pending")
	return nil
}

func (s *Synchronizer) handleServerEvent(msg protocol.Message) {
	switch msg.Type {
	case protocol.EventRoomCreated:
		var p protocol.RoomCreatedPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Warn().Err(err).Msg("dropping malformed room_created")
			return
		}
		s.handleRoomCreated(p.RoomCode)
	case protocol.EventJoinSuccess:
		var p protocol.JoinSuccessPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Warn().Err(err).Msg("dropping malformed join_success")
			return
		}
		s.handleJoinSuccess(p.RoomID)
	case protocol.EventLeaveSuccess:
		var p protocol.LeaveSuccessPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Warn().Err(err).Msg("dropping malformed leave_success")
			return
		}
		s.handleLeaveSuccess(p.RoomID)
	case protocol.EventUpdateGame:
		var snap protocol.RoomSnapshot
		if err := protocol.DecodePayload(msg, &snap); err != nil {
			log.Warn().Err(err).Msg("dropping malformed update_game")
			return
		}
		s.handleSnapshot(snap)
	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Warn().Err(err).Msg("dropping malformed error event")
			return
		}
		s.handleError(p.Message)
	default:
		log.Debug().Str("event", string(msg.Type)).Msg("ignoring unhandled server event")
	}
}

// handleRoomCreated records the assigned room code. The machine does not
// synchronize yet: the snapshot carries the authoritative player data the
// confirmation lacks, so rendering waits for it unless the deadline's
// fail-open policy kicks in first.
func (s *Synchronizer) handleRoomCreated(roomCode string) {
	if s.pending == nil || s.pending.kind != actionCreate {
		log.Debug().Str("room_id", roomCode).Msg("ignoring late room_created")
		return
	}
	s.roomCodeKnown = roomCode
	if snap, ok := s.buffered[roomCode]; ok {
		// Snapshot won the race and was buffered; complete now.
		s.synchronize(roomCode, &snap)
		return
	}
	log.Debug().Str("room_id", roomCode).Msg("room code known, awaiting snapshot")
}

// handleJoinSuccess completes a pending join. No snapshot gating: the
// server sends join_success only after committing and broadcasting its own
// snapshot, so the confirmation alone is authoritative.
func (s *Synchronizer) handleJoinSuccess(roomID string) {
	if s.pending == nil || s.pending.kind != actionJoin || s.pending.roomID != roomID {
		log.Debug().Str("room_id", roomID).Msg("ignoring late join_success")
		return
	}
	if snap, ok := s.buffered[roomID]; ok {
		s.synchronize(roomID, &snap)
		return
	}
	s.synchronize(roomID, nil)
}

func (s *Synchronizer) handleLeaveSuccess(roomID string) {
	if s.pending == nil || s.pending.kind != actionLeave || roomID != s.roomID {
		log.Debug().Str("room_id", roomID).Msg("ignoring late leave_success")
		return
	}
	s.clearPending()
	s.terminate(false, "")
}

func (s *Synchronizer) handleSnapshot(snap protocol.RoomSnapshot) {
	if s.state == StateSynchronized {
		if snap.RoomID != s.roomID {
			log.Debug().Str("room_id", snap.RoomID).Msg("ignoring snapshot for another room")
			return
		}
		// Wholesale replacement; idempotent re-application keeps the
		// synchronized view stable with no loading flicker.
		s.snapshot = &snap
		s.emit()
		return
	}

	if s.pending == nil {
		return
	}

	switch s.pending.kind {
	case actionCreate:
		if s.roomCodeKnown != "" && snap.RoomID == s.roomCodeKnown {
			s.synchronize(snap.RoomID, &snap)
			return
		}
		// Confirmation has not arrived yet. Legitimate under
		// at-least-once, unordered delivery across the two channels:
		// hold the snapshot until the room code is known.
		s.buffered[snap.RoomID] = snap
	case actionJoin:
		if snap.RoomID == s.pending.roomID {
			s.buffered[snap.RoomID] = snap
		}
	case actionResync:
		if snap.RoomID == s.pending.roomID {
			s.synchronize(snap.RoomID, &snap)
		}
	case actionLeave:
		if snap.RoomID == s.roomID {
			s.snapshot = &snap
			s.emit()
		}
	}
}

func (s *Synchronizer) handleError(message string) {
	if s.pending != nil {
		kind := s.pending.kind
		s.clearPending()
		switch kind {
		case actionCreate, actionJoin:
			// Domain rejection: route back to room selection with the
			// server's message surfaced verbatim.
			s.state = StateNoRoom
			s.roomCodeKnown = ""
			s.lastErr = message
			log.Debug().Str("intent", kind.String()).Str("reason", message).Msg("intent rejected")
			s.emit()
		case actionResync:
			// The pinned room is gone; route back to room selection
			// like any other domain rejection.
			s.state = StateNoRoom
			s.roomID = ""
			s.lastErr = message
			s.emit()
		case actionLeave:
			// The room vanished before the leave landed; the outcome is
			// the same as a confirmed leave.
			s.terminate(false, "")
		}
		return
	}

	switch s.state {
	case StateSynchronized:
		// Server-pushed fatal error for the current room: eviction,
		// distinct from a voluntary leave.
		s.terminate(true, message)
	default:
		log.Debug().Str("reason", message).Msg("ignoring unsolicited error event")
	}
}

func (s *Synchronizer) handleLifecycle(ev lifecycleEvent) {
	if ev.connected {
		s.connected = true
		s.identity = ev.identity
		if s.state == StateReconciling {
			if s.pending == nil {
				// Reconnect after the previous attempt was abandoned.
				s.startPending(actionResync, s.roomID)
			} else {
				s.armPending()
			}
			s.sendResync()
		}
		s.emit()
		return
	}

	s.connected = false
	s.identity = ""
	if s.pending != nil {
		// Transport loss abandons the in-flight action; nothing is
		// retried automatically.
		kind := s.pending.kind
		s.clearPending()
		switch kind {
		case actionCreate, actionJoin:
			s.state = StateNoRoom
			s.roomCodeKnown = ""
			s.lastErr = "connection lost"
		case actionResync:
			s.resyncSent = false
		case actionLeave:
			s.terminate(false, "")
			return
		}
		log.Debug().Str("intent", kind.String()).Msg("pending action abandoned on disconnect")
	}
	s.emit()
}

// handleDeadline applies the fail-open policy when the reconciliation
// deadline fires. A stale seq means the action it guarded has already been
// resolved; the firing has no observable effect.
func (s *Synchronizer) handleDeadline(seq uint64) {
	if s.pending == nil || s.pending.seq != seq {
		log.Debug().Uint64("seq", seq).Msg("ignoring stale deadline")
		return
	}
	kind := s.pending.kind
	roomID := s.pending.roomID
	resyncSent := s.resyncSent
	s.clearPending()

	switch kind {
	case actionCreate:
		if s.roomCodeKnown == "" {
			// Neither confirmation nor snapshot in time.
			s.state = StateNoRoom
			s.lastErr = "timed out creating room"
			s.emit()
			return
		}
		// Fail open: render with whatever is known and ask the server
		// for the full state once. A later push corrects the view.
		code := s.roomCodeKnown
		log.Info().Str("room_id", code).Msg("deadline elapsed, synchronizing fail-open")
		s.requestState(code)
		s.synchronize(code, nil)
	case actionJoin:
		s.state = StateNoRoom
		s.lastErr = "timed out joining room"
		s.emit()
	case actionResync:
		log.Info().Str("room_id", roomID).Msg("deadline elapsed, synchronizing fail-open")
		if !resyncSent && s.connected {
			s.requestState(roomID)
		}
		s.synchronize(roomID, nil)
	case actionLeave:
		// Do not strand the user in a room the server may already have
		// dismantled.
		s.terminate(false, "")
	}
}

// synchronize is the single entry into Synchronized. It resolves the
// pending action, cancels its deadline and publishes the view.
func (s *Synchronizer) synchronize(roomID string, snap *protocol.RoomSnapshot) {
	s.clearPending()
	s.state = StateSynchronized
	s.roomID = roomID
	s.roomCodeKnown = ""
	s.snapshot = snap
	s.lastErr = ""
	log.Info().Str("room_id", roomID).Msg("synchronized")
	s.emit()
}

func (s *Synchronizer) terminate(evicted bool, reason string) {
	s.clearPending()
	s.state = StateLeft
	s.evicted = evicted
	s.lastErr = reason
	if evicted {
		log.Info().Str("room_id", s.roomID).Str("reason", reason).Msg("evicted from room")
	} else {
		log.Info().Str("room_id", s.roomID).Msg("left room")
	}
	s.emit()
}

func (s *Synchronizer) startPending(kind actionKind, roomID string) {
	s.seq++
	p := &pendingAction{
		kind:      kind,
		roomID:    roomID,
		startedAt: s.config.Clock.Now(),
		seq:       s.seq,
		cancel:    make(chan struct{}),
	}
	s.pending = p
	// The deadline measures the server's time to answer, so it only
	// starts counting against a live connection. A pinned machine whose
	// Run starts before the dial completes arms it on Connected instead.
	if s.connected {
		s.armPending()
	}
}

func (s *Synchronizer) armPending() {
	if s.pending == nil || s.pending.armed {
		return
	}
	s.armDeadline(s.pending.seq, s.pending.cancel)
	s.pending.armed = true
}

// armDeadline schedules the bounded reconciliation deadline for a pending
// action. The firing is delivered through the event queue like every other
// input; resolution of the action closes cancel, which stops and drains
// the timer so a stale firing can never race a replacement action.
func (s *Synchronizer) armDeadline(seq uint64, cancel <-chan struct{}) {
	t := s.config.Clock.NewTimer(s.config.ReconcileDeadline)
	go func() {
		select {
		case <-t.Chan():
			s.post(deadlineEvent{seq: seq})
		case <-cancel:
			stopAndDrainTimer(t)
		case <-s.done:
			stopAndDrainTimer(t)
		}
	}()
}

// clearPending resolves the in-flight action: its deadline is cancelled
// and any snapshots buffered on its behalf are discarded, so a later
// action for the same room cannot complete against outdated state.
func (s *Synchronizer) clearPending() {
	if s.pending == nil {
		return
	}
	close(s.pending.cancel)
	s.pending = nil
	s.resyncSent = false
	clear(s.buffered)
}

// stopAndDrainTimer stops a timer and drains its channel so a concurrent
// fire cannot leak, per the time.Timer.Stop documentation.
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

// sendResync issues the explicit state request for a pending resync if it
// has not gone out yet. It is suppressed entirely when a snapshot already
// satisfied the resync first.
func (s *Synchronizer) sendResync() {
	if s.pending == nil || s.pending.kind != actionResync || s.resyncSent {
		return
	}
	s.requestState(s.pending.roomID)
	s.resyncSent = true
}

func (s *Synchronizer) requestState(roomID string) {
	if err := s.sender.Send(protocol.NewGetGameState(roomID)); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("state request failed")
	}
}

func (s *Synchronizer) emit() {
	if s.onView == nil {
		return
	}
	s.onView(s.view())
}

// view projects the machine state into the stable rendering value.
func (s *Synchronizer) view() View {
	v := View{
		State:   s.state,
		RoomID:  s.roomID,
		You:     s.identity,
		Err:     s.lastErr,
		Evicted: s.evicted,
	}
	if s.snapshot != nil {
		v.Status = s.snapshot.Status
		v.Players = append([]protocol.Player(nil), s.snapshot.Players...)
	} else if s.state == StateSynchronized {
		v.Status = protocol.StatusWaiting
	}
	return v
}
