// Package identity maps externally authenticated principals to canonical user keys.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/messenger-platform/messaging-service/internal/model"
)

var (
	// ErrInvalidIdentifier is returned for identifiers that cannot be normalized.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrEmailMismatch is returned when a key is registered to a different email that
	// normalizes to the same key, such as a.b@x.com and a-b@x.com.
	ErrEmailMismatch = errors.New("key is registered to a different email")
)

var keyReplacer = strings.NewReplacer(".", "-", "@", "-")

// Normalize derives the storage-safe key for a raw email. Already-normalized keys map to
// themselves.
func Normalize(raw string) (model.UserKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidIdentifier
	}
	if strings.ContainsAny(raw, " \t\r\n/*>") {
		return "", ErrInvalidIdentifier
	}
	if !strings.Contains(raw, "@") && !strings.Contains(raw, "-") {
		return "", ErrInvalidIdentifier
	}
	return model.UserKey(keyReplacer.Replace(raw)), nil
}

// Session identifies the caller of an operation.
type Session struct {
	Key   model.UserKey
	Email string
	Name  string
}

// NewSession builds a session for an authenticated email.
func NewSession(email, name string) (Session, error) {
	key, err := Normalize(email)
	if err != nil {
		return Session{}, err
	}
	return Session{Key: key, Email: strings.TrimSpace(email), Name: name}, nil
}

// Owns reports whether rec was registered with the session's email. Keys are not unique per
// email, so the key alone does not prove ownership.
func (s Session) Owns(rec *model.UserRecord) bool {
	return rec.Key == s.Key && rec.Email == s.Email
}

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored in ctx.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}
