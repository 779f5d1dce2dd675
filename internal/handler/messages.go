package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/messenger-platform/messaging-service/internal/middleware"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/service"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.MessageService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// Send handles POST /api/v1/messages
//
// A send whose fan-out stopped midway is answered with 202 and partial set; the outbox
// finishes it later.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Send(r.Context(), sess, &req)
	if err != nil && !errors.Is(err, service.ErrPartialFailure) {
		writeServiceError(w, r, h.logger, err, "failed to send message")
		return
	}

	resp := &model.SendMessageResponse{
		Message:         &res.Message,
		ConversationID:  res.ConversationID,
		NewConversation: res.NewConversation,
	}
	if err != nil {
		resp.Partial = true
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// List handles GET /api/v1/conversations/:id/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.service.List(r.Context(), sess.Key, conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list messages")
		return
	}

	resp := &model.ListMessagesResponse{Messages: msgs}
	if n := len(msgs); n > 0 {
		resp.LastSequence = msgs[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, resp)
}
