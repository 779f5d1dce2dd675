// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/messenger-platform/messaging-service/internal/identity"
)

// ContextKey is a type for context keys.
type ContextKey string

// Claims represents JWT claims. The principal's email is taken from the email claim and falls
// back to the subject.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Principal returns the authenticated email.
func (c *Claims) Principal() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// Auth creates JWT authentication middleware. Browsers cannot set headers on EventSource or
// WebSocket requests, so the token may also arrive in the access_token query parameter.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing or malformed authorization")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}

			sess, err := identity.NewSession(claims.Principal(), claims.Name)
			if err != nil {
				unauthorized(w, "token does not identify a user")
				return
			}

			setRequestUser(r.Context(), string(sess.Key))
			next.ServeHTTP(w, r.WithContext(identity.WithSession(r.Context(), sess)))
		})
	}
}

// VerifyOwner rejects sessions whose key is registered to another email. verify is called
// once per request after Auth has stored the session.
func VerifyOwner(verify func(context.Context, identity.Session) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := identity.FromContext(r.Context())
			if !ok {
				unauthorized(w, "unauthenticated")
				return
			}
			if err := verify(r.Context(), sess); err != nil {
				if errors.Is(err, identity.ErrEmailMismatch) {
					writeAuthError(w, http.StatusForbidden, "account belongs to a different email")
					return
				}
				writeAuthError(w, http.StatusInternalServerError, "failed to verify user")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	return "", false
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeAuthError(w, http.StatusUnauthorized, msg)
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
