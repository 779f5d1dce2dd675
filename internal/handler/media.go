package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/messenger-platform/messaging-service/internal/media"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

// MediaHandler handles uploads.
type MediaHandler struct {
	service *media.Service
	maxSize int64
	logger  *logger.Logger
}

// NewMediaHandler creates a new media handler. A nil service disables uploads.
func NewMediaHandler(svc *media.Service, maxSize int64, log *logger.Logger) *MediaHandler {
	return &MediaHandler{
		service: svc,
		maxSize: maxSize,
		logger:  log,
	}
}

// Upload handles POST /api/v1/media/:kind with a multipart "file" part.
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	if h.service == nil {
		writeError(w, http.StatusServiceUnavailable, "media uploads are not configured")
		return
	}

	kind, err := media.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer file.Close()

	url, err := h.service.Upload(r.Context(), sess.Key, kind, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to upload media")
		return
	}

	writeJSON(w, http.StatusCreated, &model.UploadResponse{URL: url})
}
