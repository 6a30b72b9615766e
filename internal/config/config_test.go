package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("GOVBOOK_SUBMIT_TIMEOUT", "")
	t.Setenv("GOVBOOK_RECONNECT_ATTEMPTS", "")
	t.Setenv("GOVBOOK_COLD_START", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("GOVBOOK_STATUS_ADDR", "")
	cfg := Load()
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level, got %s", cfg.LogLevel)
	}
	if cfg.SubmitTimeout != 30*time.Second {
		t.Fatalf("expected default submit timeout, got %s", cfg.SubmitTimeout)
	}
	if cfg.ReconnectAttempts != 3 {
		t.Fatalf("expected default reconnect attempts, got %d", cfg.ReconnectAttempts)
	}
	if !cfg.ColdStartSlots {
		t.Fatalf("expected cold start slots enabled by default")
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("expected redis disabled by default, got %s", cfg.RedisAddr)
	}
	if cfg.StatusAddr != "" {
		t.Fatalf("expected status endpoint disabled by default, got %s", cfg.StatusAddr)
	}
	if cfg.TokenKey != "govbook:token" {
		t.Fatalf("expected default token key, got %s", cfg.TokenKey)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GOVBOOK_API_URL", "https://api.example.lk/api/")
	t.Setenv("GOVBOOK_SOCKET_URL", "wss://rt.example.lk/ws")
	t.Setenv("GOVBOOK_SUBMIT_TIMEOUT", "45s")
	t.Setenv("GOVBOOK_RECONNECT_ATTEMPTS", "0")
	t.Setenv("GOVBOOK_RECONNECT_BACKOFF", "250ms")
	t.Setenv("GOVBOOK_COLD_START", "false")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("GOVBOOK_STATUS_ADDR", ":9091")
	t.Setenv("GOVBOOK_TOKEN", "tok-env")
	t.Setenv("GOVBOOK_STATUS_ORIGINS", "http://localhost:3000, ,https://dash.example")
	cfg := Load()
	if cfg.Env != "production" {
		t.Fatalf("expected env override, got %s", cfg.Env)
	}
	if cfg.APIBaseURL != "https://api.example.lk/api" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.APIBaseURL)
	}
	if cfg.SocketURL != "wss://rt.example.lk/ws" {
		t.Fatalf("expected socket url override, got %s", cfg.SocketURL)
	}
	if cfg.SubmitTimeout != 45*time.Second {
		t.Fatalf("expected submit timeout override, got %s", cfg.SubmitTimeout)
	}
	if cfg.ReconnectAttempts != 0 {
		t.Fatalf("expected reconnect attempts override, got %d", cfg.ReconnectAttempts)
	}
	if cfg.ReconnectBackoff != 250*time.Millisecond {
		t.Fatalf("expected reconnect backoff override, got %s", cfg.ReconnectBackoff)
	}
	if cfg.ColdStartSlots {
		t.Fatalf("expected cold start disabled")
	}
	if cfg.RedisAddr != "localhost:6379" || !cfg.RedisTLS {
		t.Fatalf("expected redis overrides, got %s tls=%v", cfg.RedisAddr, cfg.RedisTLS)
	}
	if cfg.StatusAddr != ":9091" {
		t.Fatalf("expected status addr override, got %s", cfg.StatusAddr)
	}
	if len(cfg.StatusOrigins) != 2 || cfg.StatusOrigins[1] != "https://dash.example" {
		t.Fatalf("expected status origins parsed, got %v", cfg.StatusOrigins)
	}
	if cfg.Token != "tok-env" {
		t.Fatalf("expected token override, got %s", cfg.Token)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("GOVBOOK_SUBMIT_TIMEOUT", "soon")
	t.Setenv("GOVBOOK_RECONNECT_ATTEMPTS", "many")
	t.Setenv("REDIS_TLS", "maybe")
	cfg := Load()
	if cfg.SubmitTimeout != 30*time.Second {
		t.Fatalf("expected default submit timeout on bad input, got %s", cfg.SubmitTimeout)
	}
	if cfg.ReconnectAttempts != 3 {
		t.Fatalf("expected default reconnect attempts on bad input, got %d", cfg.ReconnectAttempts)
	}
	if cfg.RedisTLS {
		t.Fatalf("expected redis tls default on bad input")
	}
}
