package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  admin_user_ids:
    - 11
    - 22
  poll_timeout: "15s"
logging:
  level: "DEBUG"
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: "sqlite"
  path: "./test.db"
broadcast:
  batch_size: 50
  batch_pause: "250ms"
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token mismatch: %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 || cfg.Telegram.AdminUserIDs[1] != 22 {
		t.Fatalf("admin ids mismatch: %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging mismatch: %+v", cfg.Logging)
	}
	if cfg.Broadcast.BatchSize != 50 || cfg.Broadcast.BatchPause != "250ms" {
		t.Fatalf("broadcast mismatch: %+v", cfg.Broadcast)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get should return the committed config")
	}
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "telegram": {"token": "123:abc", "admin_user_ids": [7]},
  "logging": {"level": "INFO", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "sqlite", "path": "./test.db"}
}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.AdminUserIDs) != 1 {
		t.Fatalf("unexpected config: %+v", cfg.Telegram)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  owner_ids: [1]
logging:
  level: "INFO"
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: "sqlite"
  path: "./test.db"
`)

	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram":{"token":"t"},"logging":{"level":"INFO","console":true,"file":{"enabled":false,"path":""}},"storage":{"driver":"sqlite","path":"x"}}{"extra":1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected trailing data to be rejected")
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)

	select {
	case got := <-ch:
		if got != cfg {
			t.Fatalf("published pointer mismatch")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for publish")
	}

	// A full buffer drops the stale item, keeps the newest.
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	select {
	case got := <-ch:
		if got != second {
			t.Fatalf("expected newest config after overflow")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for publish")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(cfg)
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 150ms "); err != nil || d != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %v err=%v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("expected zero for empty, got %v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatalf("expected error for junk duration")
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("expected error for negative duration")
	}
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("expected default, got %v err=%v", d, err)
	}
}

func TestHashConfigDetectsChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	b := &Config{Telegram: TelegramConfig{Token: "b"}}
	if hashConfig(a) == hashConfig(b) {
		t.Fatalf("different configs should hash differently")
	}
	if hashConfig(a) != hashConfig(&Config{Telegram: TelegramConfig{Token: "a"}}) {
		t.Fatalf("equal configs should hash equally")
	}
}
