// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/identity"
	"github.com/messenger-platform/messaging-service/internal/media"
	"github.com/messenger-platform/messaging-service/internal/middleware"
	"github.com/messenger-platform/messaging-service/internal/service"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

const maxBodyBytes = 64 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps service and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrEmailMismatch):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrWriteConflict):
		return http.StatusConflict
	case errors.Is(err, identity.ErrInvalidIdentifier), errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrUnsupportedKind), errors.Is(err, media.ErrUnsupportedType):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Internal errors are logged and their
// detail is withheld from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		var userKey string
		if sess, ok := identity.FromContext(r.Context()); ok {
			userKey = string(sess.Key)
		}
		log.WithContext(middleware.GetCorrelationID(r.Context()), userKey).Error(msg, zap.Error(err))
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// session returns the authenticated caller. Routes are mounted behind middleware.Auth, so a
// missing session is answered with 401 rather than trusted.
func session(w http.ResponseWriter, r *http.Request) (identity.Session, bool) {
	sess, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return sess, ok
}
