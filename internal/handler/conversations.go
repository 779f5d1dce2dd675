package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/messenger-platform/messaging-service/internal/identity"
	"github.com/messenger-platform/messaging-service/internal/middleware"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/service"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}

	list, err := h.service.List(r.Context(), sess.Key)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: list,
		Total:         len(list),
	})
}

// Lookup handles GET /api/v1/conversations/lookup?email=
func (h *ConversationHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}

	counterparty, err := identity.Normalize(r.URL.Query().Get("email"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "invalid email")
		return
	}

	id, found, err := h.service.Lookup(r.Context(), sess.Key, counterparty)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to look up conversation")
		return
	}

	writeJSON(w, http.StatusOK, &model.LookupConversationResponse{ConversationID: id, Found: found})
}

// Delete handles DELETE /api/v1/conversations/:id
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := h.service.Delete(r.Context(), sess.Key, conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to delete conversation")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /api/v1/conversations/:id/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.MarkRead(r.Context(), sess.Key, conversationID); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to mark conversation read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
