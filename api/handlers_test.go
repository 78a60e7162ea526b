package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"collab-api/domain"
	"collab-api/presence"
	"collab-api/room"
	"collab-api/session"
)

type fakeRoster struct {
	members map[string]struct{}
}

func (f *fakeRoster) LoadBoardMembership(ctx context.Context, boardID string) (map[string]struct{}, error) {
	if len(f.members) == 0 {
		return nil, domain.ErrNotFound
	}
	return f.members, nil
}

type fakeBoards struct{}

func (fakeBoards) CreateTask(ctx context.Context, boardID, columnID string, attrs domain.TaskAttrs) (domain.Task, error) {
	return domain.Task{ID: "task-1", BoardID: boardID, ColumnID: columnID, Title: attrs.Title, CreatedBy: attrs.CreatedBy}, nil
}

func (fakeBoards) MoveTask(ctx context.Context, boardID, taskID, targetColumn string, targetIndex int) (domain.Task, []domain.PositionChange, error) {
	return domain.Task{ID: taskID, BoardID: boardID, ColumnID: targetColumn, Position: targetIndex}, nil, nil
}

func (fakeBoards) UpdateTask(ctx context.Context, boardID string, patch domain.TaskUpdatePayload) (domain.Task, error) {
	return domain.Task{ID: patch.TaskID, BoardID: boardID}, nil
}

func (fakeBoards) DeleteTask(ctx context.Context, boardID, taskID string) ([]domain.PositionChange, error) {
	return nil, nil
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func testServer(t *testing.T, roster Roster) (*httptest.Server, *Auth) {
	t.Helper()
	auth := testAuth(t)
	logger := quietLogger()
	directory := presence.NewDirectory()
	broadcaster := room.NewBroadcaster(directory, nil, logger)
	deps := session.Deps{
		Auth:     auth,
		Presence: directory,
		Rooms:    broadcaster,
		Boards:   fakeBoards{},
		Roster:   roster,
	}

	e := echo.New()
	Register(e, auth, roster, directory, broadcaster, deps, session.Config{OpTimeout: 2 * time.Second}, logger)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, auth
}

func memberToken(t *testing.T, sub, name string) string {
	t.Helper()
	return signToken(t, "test-secret", jwt.MapClaims{
		"sub":  sub,
		"name": name,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, &fakeRoster{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestPresenceEndpointAuthz(t *testing.T) {
	srv, _ := testServer(t, &fakeRoster{members: map[string]struct{}{"u1": {}}})

	resp, err := http.Get(srv.URL + "/api/boards/board-1/presence")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/boards/board-1/presence", nil)
	req.Header.Set("Authorization", "Bearer "+memberToken(t, "outsider", "Eve"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-member, got %d", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer "+memberToken(t, "u1", "Alice"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for a member, got %d", resp.StatusCode)
	}
	var body presenceResponse
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Users) != 0 {
		t.Fatalf("nobody is connected yet, got %+v", body.Users)
	}
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialWS(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(eventType string, payload any) {
	c.t.Helper()
	env, err := domain.NewEnvelope(eventType, payload)
	if err != nil {
		c.t.Fatalf("build envelope: %v", err)
	}
	frame, err := env.Marshal()
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next reads the next frame whatever its type.
func (c *wsClient) next() domain.Envelope {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var env domain.Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		c.t.Fatalf("unmarshal: %v", err)
	}
	return env
}

// recv reads frames until one of the wanted type arrives.
func (c *wsClient) recv(wantType string) domain.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.ws.SetReadDeadline(deadline)
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("read waiting for %s: %v", wantType, err)
		}
		var env domain.Envelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == wantType {
			return env
		}
	}
}

func TestSocketJoinAndChatFlow(t *testing.T) {
	roster := &fakeRoster{members: map[string]struct{}{"u1": {}, "u2": {}}}
	srv, _ := testServer(t, roster)

	alice := dialWS(t, srv)
	alice.send(domain.EventAuthenticate, domain.AuthenticatePayload{Token: memberToken(t, "u1", "Alice")})
	alice.send(domain.EventJoinRoom, domain.JoinRoomPayload{RoomID: "board-1"})
	alice.recv(domain.EventOnlineUsers)

	bob := dialWS(t, srv)
	bob.send(domain.EventAuthenticate, domain.AuthenticatePayload{Token: memberToken(t, "u2", "Bob")})
	bob.send(domain.EventJoinRoom, domain.JoinRoomPayload{RoomID: "board-1"})

	var roster2 domain.OnlineUsersPayload
	if err := bob.recv(domain.EventOnlineUsers).Decode(&roster2); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster2.Users) != 2 {
		t.Fatalf("expected both users online, got %+v", roster2.Users)
	}

	var joined domain.PresencePayload
	if err := alice.recv(domain.EventUserJoined).Decode(&joined); err != nil {
		t.Fatalf("decode user-joined: %v", err)
	}
	if joined.UserID != "u2" {
		t.Fatalf("expected u2 to join, got %+v", joined)
	}

	bob.send(domain.EventSendChat, domain.ChatPayload{Content: "hello"})

	var fromBob domain.ChatMessage
	if err := alice.recv(domain.EventChatMessage).Decode(&fromBob); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if fromBob.SenderID != "u2" || fromBob.Content != "hello" {
		t.Fatalf("unexpected chat %+v", fromBob)
	}
	// chat echoes back to the sender too
	var echoMsg domain.ChatMessage
	if err := bob.recv(domain.EventChatMessage).Decode(&echoMsg); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echoMsg.Content != "hello" {
		t.Fatalf("unexpected echo %+v", echoMsg)
	}
}

func TestSocketRejectsUnauthenticatedJoin(t *testing.T) {
	srv, _ := testServer(t, &fakeRoster{members: map[string]struct{}{"u1": {}}})

	client := dialWS(t, srv)
	client.send(domain.EventJoinRoom, domain.JoinRoomPayload{RoomID: "board-1"})

	var payload domain.ErrorPayload
	if err := client.recv(domain.EventError).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Code != "auth-required" {
		t.Fatalf("expected auth-required, got %q", payload.Code)
	}
}

func TestSocketMoveRebroadcastExcludesOrigin(t *testing.T) {
	roster := &fakeRoster{members: map[string]struct{}{"u1": {}, "u2": {}}}
	srv, _ := testServer(t, roster)

	alice := dialWS(t, srv)
	alice.send(domain.EventAuthenticate, domain.AuthenticatePayload{Token: memberToken(t, "u1", "Alice")})
	alice.send(domain.EventJoinRoom, domain.JoinRoomPayload{RoomID: "board-1"})
	alice.recv(domain.EventOnlineUsers)

	bob := dialWS(t, srv)
	bob.send(domain.EventAuthenticate, domain.AuthenticatePayload{Token: memberToken(t, "u2", "Bob")})
	bob.send(domain.EventJoinRoom, domain.JoinRoomPayload{RoomID: "board-1"})
	bob.recv(domain.EventOnlineUsers)
	alice.recv(domain.EventUserOnline)

	alice.send(domain.EventTaskMoved, domain.TaskMovePayload{TaskID: "T1", ColumnID: "done", Position: 0})

	var event domain.TaskEvent
	if err := bob.recv(domain.EventTaskMoved).Decode(&event); err != nil {
		t.Fatalf("decode task event: %v", err)
	}
	if event.Task.ID != "T1" || event.Actor != "Alice" {
		t.Fatalf("unexpected event %+v", event)
	}

	// the origin applied the move locally; it must not receive the
	// rebroadcast. A follow-up chat is the fence: if the move frame were
	// coming, it would arrive first.
	bob.send(domain.EventSendChat, domain.ChatPayload{Content: "fence"})
	if env := alice.next(); env.Type != domain.EventChatMessage {
		t.Fatalf("expected the fence chat, got %s", env.Type)
	}
}

func TestSocketMalformedFrameGetsErrorEnvelope(t *testing.T) {
	srv, _ := testServer(t, &fakeRoster{})

	client := dialWS(t, srv)
	if err := client.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var payload domain.ErrorPayload
	if err := client.recv(domain.EventError).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Code != "bad-frame" {
		t.Fatalf("expected bad-frame, got %q", payload.Code)
	}
}
