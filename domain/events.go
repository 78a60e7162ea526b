package domain

import "github.com/bytedance/sonic"

// Wire event types. One frame carries exactly one envelope.
const (
	// client -> server
	EventAuthenticate   = "authenticate"
	EventJoinRoom       = "join-room"
	EventLeaveRoom      = "leave-room"
	EventSendChat       = "send-chat"
	EventTypingStart    = "typing-start"
	EventTypingStop     = "typing-stop"
	EventCursorPosition = "cursor-position"

	// client -> server (mutation requests), server -> room (canonical results)
	EventTaskCreated = "task-created"
	EventTaskUpdated = "task-updated"
	EventTaskMoved   = "task-moved"
	EventTaskDeleted = "task-deleted"

	// server -> client
	EventChatMessage    = "chat-message"
	EventBoardMessages  = "board-messages"
	EventOnlineUsers    = "online-users"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventUserOnline     = "user-online"
	EventUserOffline    = "user-offline"
	EventUserTyping     = "user-typing"
	EventUserStopTyping = "user-stop-typing"
	EventUserCursor     = "user-cursor"
	EventError          = "error"
)

// Envelope is the tagged unit every connection and the broadcast core
// exchange. Data holds the variant payload; it is never mutated after the
// envelope is handed off.
type Envelope struct {
	Type string                 `json:"type"`
	Data sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope of the given type around the payload.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Data: data}, nil
}

// Marshal renders the envelope as a single wire frame.
func (e Envelope) Marshal() ([]byte, error) {
	return sonic.Marshal(e)
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return sonic.Unmarshal(e.Data, v)
}

// AuthenticatePayload carries the credential verified by the auth collaborator.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// JoinRoomPayload / LeaveRoomPayload address a board room.
type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

// ChatPayload is the inbound chat request.
type ChatPayload struct {
	Content string `json:"content"`
}

// ChatMessage is the broadcast (and history) form of a chat line.
type ChatMessage struct {
	SenderID  string `json:"senderId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// BoardMessagesPayload replays the bounded recent chat window to a joiner,
// oldest first.
type BoardMessagesPayload struct {
	Messages []ChatMessage `json:"messages"`
}

// TaskCreatePayload is the inbound task creation request.
type TaskCreatePayload struct {
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	ColumnID       string `json:"columnId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// TaskMovePayload requests relocation of a task to a column and index.
type TaskMovePayload struct {
	TaskID         string `json:"taskId"`
	ColumnID       string `json:"columnId"`
	Position       int    `json:"position"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// TaskUpdatePayload patches task attributes; nil fields are left untouched.
type TaskUpdatePayload struct {
	TaskID         string  `json:"taskId"`
	Title          *string `json:"title"`
	Description    *string `json:"description"`
	Status         *string `json:"status"`
	IdempotencyKey string  `json:"idempotencyKey,omitempty"`
}

// TaskDeletePayload requests removal of a task.
type TaskDeletePayload struct {
	TaskID         string `json:"taskId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// TaskEvent is the canonical outbound form of a committed task mutation.
// Affected lists sibling tasks whose position changed alongside it.
type TaskEvent struct {
	Task     Task             `json:"task"`
	Affected []PositionChange `json:"affected,omitempty"`
	Actor    string           `json:"actor"`
}

// TaskDeletedEvent is the outbound form of a committed deletion.
type TaskDeletedEvent struct {
	TaskID   string           `json:"taskId"`
	Affected []PositionChange `json:"affected,omitempty"`
	Actor    string           `json:"actor"`
}

// PresencePayload announces a user going online or offline within a room.
type PresencePayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Message     string `json:"message,omitempty"`
}

// OnlineUsersPayload snapshots current room membership for a joiner.
type OnlineUsersPayload struct {
	Users []Member `json:"users"`
}

// TypingPayload identifies who is typing.
type TypingPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// CursorPayload relays an opaque cursor position between clients.
type CursorPayload struct {
	Position sonic.NoCopyRawMessage `json:"position"`
}

// UserCursorPayload is the outbound cursor relay with the actor attached.
type UserCursorPayload struct {
	UserID      string                 `json:"userId"`
	DisplayName string                 `json:"displayName"`
	Position    sonic.NoCopyRawMessage `json:"position"`
}

// ErrorPayload reports a request failure to the originating connection only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
