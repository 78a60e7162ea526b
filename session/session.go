// Package session drives the per-connection state machine: a connection
// authenticates, joins at most one board room, and only then may chat, move
// tasks, or signal presence. Requests arriving in the wrong state are
// answered with an error envelope and never tear the connection down.
package session

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"collab-api/domain"
	"collab-api/presence"
)

// Auth verifies a client credential and resolves the identity behind it.
type Auth interface {
	VerifyCredential(token string) (userID, displayName string, err error)
}

// Boards applies structural mutations and returns canonical state.
type Boards interface {
	CreateTask(ctx context.Context, boardID, columnID string, attrs domain.TaskAttrs) (domain.Task, error)
	MoveTask(ctx context.Context, boardID, taskID, targetColumn string, targetIndex int) (domain.Task, []domain.PositionChange, error)
	UpdateTask(ctx context.Context, boardID string, patch domain.TaskUpdatePayload) (domain.Task, error)
	DeleteTask(ctx context.Context, boardID, taskID string) ([]domain.PositionChange, error)
}

// Roster answers board membership for authorization checks.
type Roster interface {
	LoadBoardMembership(ctx context.Context, boardID string) (map[string]struct{}, error)
}

// History stores the bounded recent chat window of a board.
type History interface {
	Append(ctx context.Context, boardID string, msg domain.ChatMessage) error
	Recent(ctx context.Context, boardID string) ([]domain.ChatMessage, error)
}

// Deduper suppresses replays of structural mutations after reconnects.
type Deduper interface {
	Add(ctx context.Context, scope, key string) (bool, error)
	Remove(ctx context.Context, scope, key string) error
}

// Publisher fans an envelope out to a room, optionally excluding the origin
// connection.
type Publisher interface {
	Publish(roomID string, env domain.Envelope, origin string)
}

// Feed receives committed structural events for downstream consumers.
type Feed interface {
	Publish(boardID string, events ...domain.Envelope)
}

// Conn is the session's own transport endpoint.
type Conn interface {
	Enqueue(frame []byte) bool
	Close() error
}

// Deps bundles the collaborators a session needs. History, Deduper and Feed
// are optional.
type Deps struct {
	Auth     Auth
	Presence *presence.Directory
	Rooms    Publisher
	Boards   Boards
	Roster   Roster
	History  History
	Deduper  Deduper
	Feed     Feed
}

// Config tunes per-session behavior.
type Config struct {
	// OpTimeout bounds authenticate/join/storage operations so an
	// unavailable collaborator reports an error instead of hanging.
	OpTimeout time.Duration
}

const (
	stateConnected = iota
	stateAuthenticated
	stateInRoom
	stateDisconnected
)

// Session is the state machine for one connection. All methods are called
// from the connection's reader goroutine; the zero concurrency inside the
// session itself is deliberate.
type Session struct {
	id   string
	conn Conn
	deps Deps
	cfg  Config
	log  *log.Logger

	state       int
	userID      string
	displayName string
	room        string
}

// New creates a session in the connected (unauthenticated) state.
func New(id string, conn Conn, deps Deps, cfg Config, logger *log.Logger) *Session {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	return &Session{id: id, conn: conn, deps: deps, cfg: cfg, log: logger}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated identity, if any.
func (s *Session) UserID() string { return s.userID }

// Room returns the currently joined room, if any.
func (s *Session) Room() string { return s.room }

// Handle dispatches one inbound envelope according to the current state.
func (s *Session) Handle(ctx context.Context, env domain.Envelope) {
	if s.state == stateDisconnected {
		return
	}
	s.deps.Presence.Touch(s.id)

	switch env.Type {
	case domain.EventAuthenticate:
		s.handleAuthenticate(ctx, env)
	case domain.EventJoinRoom:
		s.handleJoin(ctx, env)
	case domain.EventLeaveRoom:
		s.handleLeave(env)
	case domain.EventSendChat:
		s.handleChat(ctx, env)
	case domain.EventTypingStart, domain.EventTypingStop:
		s.handleTyping(env)
	case domain.EventCursorPosition:
		s.handleCursor(env)
	case domain.EventTaskCreated:
		s.handleTaskCreate(ctx, env)
	case domain.EventTaskMoved:
		s.handleTaskMove(ctx, env)
	case domain.EventTaskUpdated:
		s.handleTaskUpdate(ctx, env)
	case domain.EventTaskDeleted:
		s.handleTaskDelete(ctx, env)
	default:
		s.sendErrorMessage("unknown-event", "unknown event type: "+env.Type)
	}
}

// Disconnect tears the session down. It is idempotent: the presence
// directory removes the entry exactly once, so the offline notice is
// published at most once even when called repeatedly.
func (s *Session) Disconnect() {
	room, member, ok := s.deps.Presence.Disconnect(s.id)
	s.state = stateDisconnected
	if !ok {
		return
	}
	if room != "" {
		s.publish(room, domain.EventUserOffline, domain.PresencePayload{
			UserID:      member.UserID,
			DisplayName: member.DisplayName,
		}, s.id)
	}
	s.log.WithFields(log.Fields{"conn": s.id, "user": member.UserID, "room": room}).Debug("session closed")
}

func (s *Session) handleAuthenticate(ctx context.Context, env domain.Envelope) {
	if s.state != stateConnected {
		s.sendErrorMessage("already-authenticated", "connection already authenticated")
		return
	}
	var payload domain.AuthenticatePayload
	if err := env.Decode(&payload); err != nil {
		s.sendErrorMessage("bad-payload", "invalid authenticate payload")
		return
	}

	type result struct {
		userID, displayName string
		err                 error
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	resCh := make(chan result, 1)
	go func() {
		uid, name, err := s.deps.Auth.VerifyCredential(payload.Token)
		resCh <- result{uid, name, err}
	}()
	select {
	case <-ctx.Done():
		s.sendError(domain.ErrStorageUnavailable)
		return
	case res := <-resCh:
		if res.err != nil {
			s.sendErrorMessage("auth-failed", "authentication failed")
			return
		}
		s.userID = res.userID
		s.displayName = res.displayName
		s.deps.Presence.Authenticate(s.id, res.userID, res.displayName)
		s.state = stateAuthenticated
		s.log.WithFields(log.Fields{"conn": s.id, "user": res.userID}).Debug("authenticated")
	}
}

func (s *Session) handleJoin(ctx context.Context, env domain.Envelope) {
	if s.state < stateAuthenticated {
		s.sendError(domain.ErrAuthenticationRequired)
		return
	}
	var payload domain.JoinRoomPayload
	if err := env.Decode(&payload); err != nil || payload.RoomID == "" {
		s.sendErrorMessage("bad-payload", "invalid join payload")
		return
	}
	roomID := payload.RoomID

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	members, err := s.deps.Roster.LoadBoardMembership(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.sendError(domain.ErrNotFound)
		} else {
			s.sendError(domain.ErrStorageUnavailable)
		}
		return
	}
	if _, ok := members[s.userID]; !ok {
		s.sendError(domain.ErrAccessDenied)
		return
	}

	prev, ok := s.deps.Presence.Join(s.id, roomID)
	if !ok {
		s.sendError(domain.ErrAuthenticationRequired)
		return
	}
	if prev != "" && prev != roomID {
		s.publish(prev, domain.EventUserLeft, domain.PresencePayload{
			UserID:      s.userID,
			DisplayName: s.displayName,
			Message:     s.displayName + " left the board",
		}, s.id)
	}
	s.room = roomID
	s.state = stateInRoom

	s.sendRecentMessages(ctx, roomID)
	s.sendOnlineUsers(roomID)

	s.publish(roomID, domain.EventUserJoined, domain.PresencePayload{
		UserID:      s.userID,
		DisplayName: s.displayName,
		Message:     s.displayName + " joined the board",
	}, s.id)
	s.publish(roomID, domain.EventUserOnline, domain.PresencePayload{
		UserID:      s.userID,
		DisplayName: s.displayName,
	}, s.id)
}

func (s *Session) handleLeave(env domain.Envelope) {
	if s.state != stateInRoom {
		s.sendError(domain.ErrNotInRoom)
		return
	}
	var payload domain.LeaveRoomPayload
	if err := env.Decode(&payload); err != nil {
		s.sendErrorMessage("bad-payload", "invalid leave payload")
		return
	}
	roomID := s.room
	s.deps.Presence.Leave(s.id, roomID)
	s.room = ""
	s.state = stateAuthenticated
	s.publish(roomID, domain.EventUserLeft, domain.PresencePayload{
		UserID:      s.userID,
		DisplayName: s.displayName,
		Message:     s.displayName + " left the board",
	}, s.id)
}

func (s *Session) handleChat(ctx context.Context, env domain.Envelope) {
	if !s.requireRoom() {
		return
	}
	var payload domain.ChatPayload
	if err := env.Decode(&payload); err != nil || payload.Content == "" {
		s.sendErrorMessage("bad-payload", "invalid chat payload")
		return
	}
	msg := domain.ChatMessage{
		SenderID:  s.userID,
		Sender:    s.displayName,
		Content:   payload.Content,
		Timestamp: time.Now().UnixMilli(),
	}
	if s.deps.History != nil {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		err := s.deps.History.Append(ctx, s.room, msg)
		cancel()
		if err != nil {
			s.log.WithFields(log.Fields{"room": s.room}).Errorf("append chat history: %v", err)
			s.sendError(domain.ErrStorageUnavailable)
			return
		}
	}
	// everyone in the room sees the message, the sender included
	s.publish(s.room, domain.EventChatMessage, msg, "")
}

func (s *Session) handleTyping(env domain.Envelope) {
	if !s.requireRoom() {
		return
	}
	out := domain.EventUserTyping
	if env.Type == domain.EventTypingStop {
		out = domain.EventUserStopTyping
	}
	s.publish(s.room, out, domain.TypingPayload{UserID: s.userID, DisplayName: s.displayName}, s.id)
}

func (s *Session) handleCursor(env domain.Envelope) {
	if !s.requireRoom() {
		return
	}
	var payload domain.CursorPayload
	if err := env.Decode(&payload); err != nil {
		s.sendErrorMessage("bad-payload", "invalid cursor payload")
		return
	}
	s.publish(s.room, domain.EventUserCursor, domain.UserCursorPayload{
		UserID:      s.userID,
		DisplayName: s.displayName,
		Position:    payload.Position,
	}, s.id)
}

func (s *Session) handleTaskCreate(ctx context.Context, env domain.Envelope) {
	if !s.requireRoom() {
		return
	}
	var payload domain.TaskCreatePayload
	if err := env.Decode(&payload); err != nil || payload.Title == "" || payload.ColumnID == "" {
		s.sendErrorMessage("bad-payload", "invalid task payload")
		return
	}
	if !s.claimKey(ctx, payload.IdempotencyKey) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	task, err := s.deps.Boards.CreateTask(ctx, s.room, payload.ColumnID, domain.TaskAttrs{
		Title:       payload.Title,
		Description: payload.Description,
		CreatedBy:   s.userID,
	})
	if err != nil {
		s.releaseKey(payload.IdempotencyKey)
		s.sendError(err)
		return
	}
	// the server assigns the id and position, so the origin needs the
	// canonical record too
	s.publishTask(domain.EventTaskCreated, domain.TaskEvent{Task: task, Actor: s.displayName}, "")
}

func (s *Session) handleTaskMove(ctx context.Context, env domain.Envelope) {
	if !s.requireRoom() {
		return
	}
	var payload domain.TaskMovePayload
	if err := env.Decode(&payload); err != nil || payload.TaskID == "" || payload.ColumnID == "" {
		s.sendErrorMessage("bad-payload", "invalid move payload")
		return
	}
	if !s.claimKey(ctx, payload.IdempotencyKey) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	task, affected, err := s.deps.Boards.MoveTask(ctx, s.room, payload.TaskID, payload.ColumnID, payload.Position)
	if err != nil {
		s.releaseKey(payload.IdempotencyKey)
		s.sendError(err)
		return
	}
	s.publishTask(domain.EventTaskMoved, domain.TaskEvent{Task: task, Affected: affected, Actor: s.displayName}, s.id)
}

func (s *Session) handleTaskUpdate(ctx context.Context, env domain.Envelope) {
	if !s.requireRoom() {
		return
	}
	var payload domain.TaskUpdatePayload
	if err := env.Decode(&payload); err != nil || payload.TaskID == "" {
		s.sendErrorMessage("bad-payload", "invalid update payload")
		return
	}
	if !s.claimKey(ctx, payload.IdempotencyKey) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	task, err := s.deps.Boards.UpdateTask(ctx, s.room, payload)
	if err != nil {
		s.releaseKey(payload.IdempotencyKey)
		s.sendError(err)
		return
	}
	s.publishTask(domain.EventTaskUpdated, domain.TaskEvent{Task: task, Actor: s.displayName}, s.id)
}

func (s *Session) handleTaskDelete(ctx context.Context, env domain.Envelope) {
	if !s.requireRoom() {
		return
	}
	var payload domain.TaskDeletePayload
	if err := env.Decode(&payload); err != nil || payload.TaskID == "" {
		s.sendErrorMessage("bad-payload", "invalid delete payload")
		return
	}
	if !s.claimKey(ctx, payload.IdempotencyKey) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	affected, err := s.deps.Boards.DeleteTask(ctx, s.room, payload.TaskID)
	if err != nil {
		s.releaseKey(payload.IdempotencyKey)
		s.sendError(err)
		return
	}
	s.publishTask(domain.EventTaskDeleted, domain.TaskDeletedEvent{TaskID: payload.TaskID, Affected: affected, Actor: s.displayName}, s.id)
}

func (s *Session) requireRoom() bool {
	switch s.state {
	case stateInRoom:
		return true
	case stateConnected:
		s.sendError(domain.ErrAuthenticationRequired)
	default:
		s.sendError(domain.ErrNotInRoom)
	}
	return false
}

// claimKey records the idempotency key; a replayed key drops the request
// silently. Dedupe store failures do not block the mutation.
func (s *Session) claimKey(ctx context.Context, key string) bool {
	if s.deps.Deduper == nil || key == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	added, err := s.deps.Deduper.Add(ctx, s.room, key)
	if err != nil {
		s.log.WithFields(log.Fields{"room": s.room}).Warnf("dedupe add failed: %v", err)
		return true
	}
	return added
}

func (s *Session) releaseKey(key string) {
	if s.deps.Deduper == nil || key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()
	if err := s.deps.Deduper.Remove(ctx, s.room, key); err != nil {
		s.log.WithFields(log.Fields{"room": s.room}).Errorf("dedupe rollback failed: %v", err)
	}
}

func (s *Session) sendRecentMessages(ctx context.Context, roomID string) {
	if s.deps.History == nil {
		return
	}
	msgs, err := s.deps.History.Recent(ctx, roomID)
	if err != nil {
		s.log.WithFields(log.Fields{"room": roomID}).Errorf("load chat history: %v", err)
		return
	}
	s.sendEnvelope(domain.EventBoardMessages, domain.BoardMessagesPayload{Messages: msgs})
}

func (s *Session) sendOnlineUsers(roomID string) {
	members := s.deps.Presence.MembersOf(roomID)
	users := make([]domain.Member, 0, len(members))
	for _, m := range members {
		users = append(users, domain.Member{UserID: m.UserID, DisplayName: m.DisplayName})
	}
	s.sendEnvelope(domain.EventOnlineUsers, domain.OnlineUsersPayload{Users: users})
}

func (s *Session) publish(roomID, eventType string, payload any, origin string) {
	env, err := domain.NewEnvelope(eventType, payload)
	if err != nil {
		s.log.Errorf("build %s envelope: %v", eventType, err)
		return
	}
	s.deps.Rooms.Publish(roomID, env, origin)
}

// publishTask fans a committed structural event out and feeds it to the
// committed-event queue.
func (s *Session) publishTask(eventType string, payload any, origin string) {
	env, err := domain.NewEnvelope(eventType, payload)
	if err != nil {
		s.log.Errorf("build %s envelope: %v", eventType, err)
		return
	}
	s.deps.Rooms.Publish(s.room, env, origin)
	if s.deps.Feed != nil {
		s.deps.Feed.Publish(s.room, env)
	}
}

func (s *Session) sendError(err error) {
	s.sendEnvelope(domain.EventError, domain.ErrorPayload{Code: domain.ErrorCode(err), Message: err.Error()})
}

func (s *Session) sendErrorMessage(code, message string) {
	s.sendEnvelope(domain.EventError, domain.ErrorPayload{Code: code, Message: message})
}

// sendEnvelope writes to this connection only.
func (s *Session) sendEnvelope(eventType string, payload any) {
	env, err := domain.NewEnvelope(eventType, payload)
	if err != nil {
		s.log.Errorf("build %s envelope: %v", eventType, err)
		return
	}
	frame, err := env.Marshal()
	if err != nil {
		s.log.Errorf("marshal %s envelope: %v", eventType, err)
		return
	}
	if !s.conn.Enqueue(frame) {
		s.log.WithFields(log.Fields{"conn": s.id}).Warn("send buffer full on direct reply")
	}
}
