package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsWhenNoFile(t *testing.T) {
	cfg := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.ListenAddr != "127.0.0.1:8443" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("unexpected session ttl %v", cfg.SessionTTL)
	}
	if cfg.Attachments.MaxSize != 100<<20 {
		t.Fatalf("unexpected attachment cap %d", cfg.Attachments.MaxSize)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := "listenAddr: 0.0.0.0:9000\nsessionTTL: 1h\nturn:\n  urls: [\"turn:turn.example.org:3478\"]\n  sharedSecret: abc\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadFromPath(path)
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("file listen addr not applied: %q", cfg.ListenAddr)
	}
	if cfg.SessionTTL != time.Hour {
		t.Fatalf("file session ttl not applied: %v", cfg.SessionTTL)
	}
	if len(cfg.Turn.URLs) != 1 || cfg.Turn.SharedSecret != "abc" {
		t.Fatalf("turn config not applied: %+v", cfg.Turn)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Fatalf("unset field lost its default: %v", cfg.PingInterval)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("listenAddr: 0.0.0.0:9000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WSP_LISTEN_ADDR", "127.0.0.1:7777")
	t.Setenv("WSP_TURN_URLS", "turn:a.example:3478, turn:b.example:3478")
	t.Setenv("WSP_SESSION_TTL", "90m")

	cfg := LoadFromPath(path)
	if cfg.ListenAddr != "127.0.0.1:7777" {
		t.Fatalf("env listen addr not applied: %q", cfg.ListenAddr)
	}
	if len(cfg.Turn.URLs) != 2 || cfg.Turn.URLs[1] != "turn:b.example:3478" {
		t.Fatalf("env turn urls not parsed: %v", cfg.Turn.URLs)
	}
	if cfg.SessionTTL != 90*time.Minute {
		t.Fatalf("env ttl not applied: %v", cfg.SessionTTL)
	}
}

func TestMalformedEnvIgnored(t *testing.T) {
	t.Setenv("WSP_FRAME_RPS", "not-a-number")
	t.Setenv("WSP_SESSION_TTL", "soon")

	cfg := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.FrameRPS != 20 {
		t.Fatalf("bad env clobbered frame rps: %v", cfg.FrameRPS)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("bad env clobbered session ttl: %v", cfg.SessionTTL)
	}
}
