package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/chat"
	sessionsvc "github.com/zhouzirui/pneumoscan/backend/internal/service/session"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type textPayload struct {
	Text *string `json:"text"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg outgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
}

func (c *wsConn) sendError(sessionID, message string) {
	if err := c.send(outgoingMessage{Type: "error", SessionID: sessionID, Data: map[string]string{"error": message}}); err != nil {
		log.Debug().Err(err).Msg("websocket error frame not delivered")
	}
}

// handleWebSocket 处理会话的WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID()).Msg("websocket upgrade failed")
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	logger := log.With().Str("component", "websocket").Str("session_id", sess.ID()).Logger()
	logger.Info().Msg("connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := conn.send(outgoingMessage{Type: "snapshot", SessionID: sess.ID(), Data: sess.Snapshot()}); err != nil {
		return
	}

	go h.pushLoop(ctx, cancel, conn, events)
	go pingLoop(ctx, conn)

	for {
		var msg inboundMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))

		h.handleMessage(ctx, conn, sess, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn *wsConn, sess *sessionsvc.Session, msg *inboundMessage) {
	switch msg.Type {
	case "welcome":
		if _, err := h.sessions.WelcomeComplete(ctx, sess.ID()); err != nil {
			conn.sendError(sess.ID(), err.Error())
		}
	case "draft":
		var payload textPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Text == nil {
			conn.sendError(sess.ID(), "invalid draft payload")
			return
		}
		sess.SetDraft(*payload.Text)
	case "send":
		var payload textPayload
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				conn.sendError(sess.ID(), "invalid send payload")
				return
			}
		}
		// The reply arrives through the event stream; only rejections are reported here.
		go func() {
			var err error
			if payload.Text == nil {
				err = h.chats.SendDraft(ctx, sess)
			} else {
				err = h.chats.Send(ctx, sess, *payload.Text)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				conn.sendError(sess.ID(), err.Error())
			}
		}()
	default:
		conn.sendError(sess.ID(), "unsupported message type: "+msg.Type)
	}
}

func (h *Handler) pushLoop(ctx context.Context, cancel context.CancelFunc, conn *wsConn, events <-chan chat.Event) {
	defer conn.conn.Close()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				_ = conn.send(outgoingMessage{Type: "closed"})
				return
			}
			if err := conn.send(outgoingMessage{Type: string(event.Type), SessionID: event.SessionID, Data: event}); err != nil {
				return
			}
		}
	}
}

func pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
