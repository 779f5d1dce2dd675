package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("RECONCILE_INTERVAL", "")

	cfg := Load()
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, "8080", cfg.ServerPort)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", BackendPebble)
	t.Setenv("RATE_LIMIT_REQUESTS", "7")
	t.Setenv("RECONCILE_INTERVAL", "5s")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, BackendPebble, cfg.StoreBackend)
	assert.Equal(t, 7, cfg.RateLimitRequests)
	assert.Equal(t, 5*time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.TracingEnabled)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS", "many")
	t.Setenv("RATE_LIMIT_WINDOW", "soon")

	cfg := Load()
	assert.Equal(t, 120, cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
}

func TestLoadCORSOrigins(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://app.example.com, ,https://admin.example.com ")

	cfg := Load()
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)

	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	assert.Equal(t, []string{"https://*", "http://*"}, Load().CORSAllowedOrigins)
}
