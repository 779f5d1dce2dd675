package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/middleware"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/service"
	"github.com/messenger-platform/messaging-service/pkg/logger"
	"github.com/messenger-platform/messaging-service/pkg/metrics"
)

// StreamHandler serves live snapshots over SSE and WebSocket.
type StreamHandler struct {
	gateway   *service.Gateway
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(gateway *service.Gateway, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		gateway:   gateway,
		heartbeat: heartbeat,
		logger:    log,
	}
}

// Conversations handles GET /api/v1/conversations/stream
func (h *StreamHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, err := h.gateway.SubscribeConversations(r.Context(), sess.Key)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to subscribe to conversations")
		return
	}

	serveSSE(h, w, r, flusher, "conversations", ch, func(list []model.ConversationSummary) (model.EventType, any) {
		return model.EventTypeConversations, &model.ConversationsSnapshotEvent{Conversations: list}
	})
}

// Messages handles GET /api/v1/conversations/:id/stream
func (h *StreamHandler) Messages(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, err := h.gateway.SubscribeMessages(r.Context(), sess.Key, conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to subscribe to messages")
		return
	}

	serveSSE(h, w, r, flusher, "messages", ch, func(msgs []model.MessageRecord) (model.EventType, any) {
		return model.EventTypeMessages, &model.MessagesSnapshotEvent{ConversationID: conversationID, Messages: msgs}
	})
}

// serveSSE writes every snapshot from ch as an event until the client goes away.
func serveSSE[T any](h *StreamHandler, w http.ResponseWriter, r *http.Request, flusher http.Flusher, feed string, ch <-chan T, event func(T) (model.EventType, any)) {
	ctx := r.Context()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSubscriptions("sse", feed)
	defer metrics.DecrementSubscriptions("sse", feed)

	sendSSEEvent(w, flusher, model.EventTypeConnected, map[string]string{"feed": feed})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("feed", feed))
			return

		case snapshot, ok := <-ch:
			if !ok {
				return
			}
			typ, data := event(snapshot)
			if err := sendSSEEvent(w, flusher, typ, data); err != nil {
				h.logger.Warn("failed to write SSE event", zap.String("feed", feed), zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, model.EventTypeHeartbeat, &model.HeartbeatEvent{
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event model.EventType, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
