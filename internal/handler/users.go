package handler

import (
	"net/http"

	"github.com/messenger-platform/messaging-service/internal/middleware"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/service"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

// UserHandler handles directory endpoints.
type UserHandler struct {
	service *service.DirectoryService
	logger  *logger.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(svc *service.DirectoryService, log *logger.Logger) *UserHandler {
	return &UserHandler{
		service: svc,
		logger:  log,
	}
}

// Register handles POST /api/v1/users
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}

	var req model.RegisterUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.service.Register(r.Context(), sess.Email, req.FirstName, req.LastName)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// Search handles GET /api/v1/users?q=
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}

	term := r.URL.Query().Get("q")
	if err := middleware.ValidateSearchTerm(term); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	users, err := h.service.Search(r.Context(), sess.Key, term)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to search users")
		return
	}

	writeJSON(w, http.StatusOK, &model.SearchUsersResponse{Users: users})
}

// Exists handles GET /api/v1/users/exists?email=
func (h *UserHandler) Exists(w http.ResponseWriter, r *http.Request) {
	exists, err := h.service.Exists(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to look up user")
		return
	}

	writeJSON(w, http.StatusOK, &model.ExistsResponse{Exists: exists})
}
