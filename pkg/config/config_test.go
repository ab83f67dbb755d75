package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Port != 8080 {
		t.Errorf("Port = %d, want 8080", config.Port)
	}
	if config.Cache.Type != "memory" {
		t.Errorf("Cache.Type = %q, want memory", config.Cache.Type)
	}
	if config.History.MaxEntries != 1000 {
		t.Errorf("History.MaxEntries = %d, want 1000", config.History.MaxEntries)
	}
	if config.History.RotateSchedule != "@hourly" {
		t.Errorf("History.RotateSchedule = %q", config.History.RotateSchedule)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"port": 9090,
		"cache": {"type": "redis", "redis_addr": "localhost:6379"},
		"upstream": {
			"base_url": "https://graph.example.com/v1.0",
			"notification_url": "https://relay.example.com/api/notifications"
		},
		"auth": {"secret": "file-secret", "issuer": "https://issuer.example.com"}
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Port != 9090 {
		t.Errorf("Port = %d, want 9090", config.Port)
	}
	if config.Cache.Type != "redis" || config.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("Cache = %+v", config.Cache)
	}
	if config.Upstream.BaseURL != "https://graph.example.com/v1.0" {
		t.Errorf("Upstream.BaseURL = %q", config.Upstream.BaseURL)
	}
	if config.Auth.Issuer != "https://issuer.example.com" {
		t.Errorf("Auth.Issuer = %q", config.Auth.Issuer)
	}
	// Defaults still apply to omitted sections
	if config.History.MaxEntries != 1000 {
		t.Errorf("History.MaxEntries = %d, want 1000", config.History.MaxEntries)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHANGERELAY_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("CHANGERELAY_AUTH_SECRET", "env-secret")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"auth": {"secret": "file-secret"}}`), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Cache.Type != "redis" || config.Cache.RedisAddr != "redis.internal:6379" {
		t.Errorf("Cache = %+v", config.Cache)
	}
	if config.Auth.Secret != "env-secret" {
		t.Errorf("Auth.Secret = %q, want env override", config.Auth.Secret)
	}
}
