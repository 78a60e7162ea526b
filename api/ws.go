package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"collab-api/domain"
	"collab-api/room"
	"collab-api/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Origin checks are delegated to the CORS layer in front of the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts one websocket to the connection contract the session and the
// broadcaster share: a non-blocking Enqueue feeding a buffered send channel
// drained by the write pump.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Enqueue reports false when the send buffer is full or the connection is
// already closing; it never blocks the publisher.
func (c *wsConn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func serveWS(broadcaster *room.Broadcaster, deps session.Deps, cfg session.Config, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		conn := newWSConn(ws)
		sess := session.New(conn.id, conn, deps, cfg, logger)
		broadcaster.Register(conn)

		go conn.writePump(logger)
		conn.readPump(c.Request().Context(), sess, broadcaster, logger)
		return nil
	}
}

func (c *wsConn) readPump(ctx context.Context, sess *session.Session, broadcaster *room.Broadcaster, logger *log.Logger) {
	metrics := newSessionMetrics(logger, c.id)
	defer func() {
		sess.Disconnect()
		broadcaster.Unregister(c.id)
		_ = c.Close()
		_ = c.ws.Close()
		metrics.Log(sess.UserID(), sess.Room())
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithFields(log.Fields{"conn": c.id}).Debugf("socket read: %v", err)
			}
			return
		}
		var env domain.Envelope
		if err := sonic.Unmarshal(data, &env); err != nil || env.Type == "" {
			metrics.ObserveMalformed()
			c.sendError(logger, "bad-frame", "malformed frame")
			continue
		}
		metrics.ObserveFrame(env.Type)
		sess.Handle(ctx, env)
	}
}

func (c *wsConn) sendError(logger *log.Logger, code, message string) {
	env, err := domain.NewEnvelope(domain.EventError, domain.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	frame, err := env.Marshal()
	if err != nil {
		return
	}
	if !c.Enqueue(frame) {
		logger.WithFields(log.Fields{"conn": c.id}).Warn("send buffer full on error reply")
	}
}

func (c *wsConn) writePump(logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.WithFields(log.Fields{"conn": c.id}).Debugf("socket write: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
