package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messenger-platform/messaging-service/internal/identity"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func sessionEcho(t *testing.T) (http.Handler, *identity.Session) {
	var got identity.Session
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := identity.FromContext(r.Context())
		require.True(t, ok)
		got = sess
		w.WriteHeader(http.StatusNoContent)
	}), &got
}

func TestAuth(t *testing.T) {
	valid := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Email:            "alice@example.com",
		Name:             "Alice Smith",
	})
	subjectOnly := signToken(t, testSecret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "bob@example.com"}})
	expired := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
		Email:            "alice@example.com",
	})
	wrongKey := signToken(t, "other-secret", Claims{Email: "alice@example.com"})
	noIdentity := signToken(t, testSecret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "12345"}})

	tests := []struct {
		name    string
		header  string
		query   string
		status  int
		wantKey string
	}{
		{"email claim", "Bearer " + valid, "", http.StatusNoContent, "alice-example-com"},
		{"subject fallback", "Bearer " + subjectOnly, "", http.StatusNoContent, "bob-example-com"},
		{"query token", "", "?access_token=" + valid, http.StatusNoContent, "alice-example-com"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + valid, "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + wrongKey, "", http.StatusUnauthorized, ""},
		{"no identity", "Bearer " + noIdentity, "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, got := sessionEcho(t)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			Auth(testSecret)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.wantKey != "" {
				assert.Equal(t, tt.wantKey, string(got.Key))
			}
		})
	}
}

func TestAuthCarriesName(t *testing.T) {
	token := signToken(t, testSecret, Claims{Email: "alice@example.com", Name: "Alice Smith"})
	next, got := sessionEcho(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	Auth(testSecret)(next).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "Alice Smith", got.Name)
	assert.Equal(t, "alice@example.com", got.Email)
}

func TestLoggingCorrelationID(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(Logging(logger.NewNop()))
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))
}

func TestLoggingWrapperFlushes(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
		w.(http.Flusher).Flush()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, rec.Flushed)
}

func TestUserRateLimit(t *testing.T) {
	token := signToken(t, testSecret, Claims{Email: "alice@example.com"})
	other := signToken(t, testSecret, Claims{Email: "bob@example.com"})

	h := Auth(testSecret)(UserRateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	do := func(tok string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do(token))
	assert.Equal(t, http.StatusOK, do(token))
	assert.Equal(t, http.StatusTooManyRequests, do(token))
	assert.Equal(t, http.StatusOK, do(other))
}

func TestVerifyOwner(t *testing.T) {
	errLookup := errors.New("lookup failed")
	verify := func(_ context.Context, sess identity.Session) error {
		switch sess.Email {
		case "a-b@example.com":
			return identity.ErrEmailMismatch
		case "broken@example.com":
			return errLookup
		}
		return nil
	}
	h := Auth(testSecret)(VerifyOwner(verify)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		email  string
		status int
	}{
		{"a.b@example.com", http.StatusNoContent},
		{"a-b@example.com", http.StatusForbidden},
		{"broken@example.com", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, Claims{Email: tt.email}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	VerifyOwner(verify)(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidateConversationID(t *testing.T) {
	assert.NoError(t, ValidateConversationID("conversation_bob-example-com_alice-example-com_May_01_2024_2_30_15"))
	assert.Error(t, ValidateConversationID(""))
	assert.Error(t, ValidateConversationID("a/b"))
	assert.Error(t, ValidateConversationID("chat.msg.>"))
}

func TestValidateSearchTerm(t *testing.T) {
	assert.NoError(t, ValidateSearchTerm(""))
	assert.NoError(t, ValidateSearchTerm("Al"))
	assert.Error(t, ValidateSearchTerm(string(make([]rune, 200))))
}
