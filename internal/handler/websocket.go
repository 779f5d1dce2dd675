package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/middleware"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/pkg/metrics"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 512
)

// Origins are enforced by the CORS middleware and callers authenticate with a bearer token,
// not a cookie.
var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEnvelope frames every WebSocket message.
type wsEnvelope struct {
	Type model.EventType `json:"type"`
	Data any             `json:"data"`
}

// ConversationsWS handles GET /api/v1/conversations/ws
func (h *StreamHandler) ConversationsWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := h.gateway.SubscribeConversations(ctx, sess.Key)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to subscribe to conversations")
		return
	}

	serveWS(h, w, r, cancel, "conversations", ch, func(list []model.ConversationSummary) wsEnvelope {
		return wsEnvelope{Type: model.EventTypeConversations, Data: &model.ConversationsSnapshotEvent{Conversations: list}}
	})
}

// MessagesWS handles GET /api/v1/conversations/:id/ws
func (h *StreamHandler) MessagesWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := h.gateway.SubscribeMessages(ctx, sess.Key, conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to subscribe to messages")
		return
	}

	serveWS(h, w, r, cancel, "messages", ch, func(msgs []model.MessageRecord) wsEnvelope {
		return wsEnvelope{Type: model.EventTypeMessages, Data: &model.MessagesSnapshotEvent{ConversationID: conversationID, Messages: msgs}}
	})
}

// serveWS upgrades the connection and writes every snapshot from ch. The feed is one-way;
// inbound frames are read only to process control messages and notice the peer leaving,
// which cancels the subscription.
func serveWS[T any](h *StreamHandler, w http.ResponseWriter, r *http.Request, cancel context.CancelFunc, feed string, ch <-chan T, frame func(T) wsEnvelope) {
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("problem initiating websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.IncrementSubscriptions("websocket", feed)
	defer metrics.DecrementSubscriptions("websocket", feed)

	pongWait := 2 * h.heartbeat
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case snapshot, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame(snapshot)); err != nil {
				h.logger.Debug("websocket write failed", zap.String("feed", feed), zap.Error(err))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
