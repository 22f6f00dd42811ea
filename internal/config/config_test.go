package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("machine_name: alpha\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Session.IdleTimeoutMin != 30 {
		t.Errorf("idle timeout = %d, want 30", cfg.Session.IdleTimeoutMin)
	}
	if cfg.Session.CustomerSweepHrs != 72 {
		t.Errorf("customer sweep = %d, want 72", cfg.Session.CustomerSweepHrs)
	}
	if cfg.Session.StickyCap != 5 {
		t.Errorf("sticky cap = %d, want 5", cfg.Session.StickyCap)
	}
	if cfg.Mesh.HeartbeatSec != 10 || cfg.Mesh.TTLMultiplier != 3 {
		t.Errorf("mesh defaults = %d/%d, want 10/3", cfg.Mesh.HeartbeatSec, cfg.Mesh.TTLMultiplier)
	}
	if cfg.Mesh.StreamMaxLen != 10000 {
		t.Errorf("stream maxlen = %d, want 10000", cfg.Mesh.StreamMaxLen)
	}
	if cfg.APISocket != "/tmp/teleclaude-api.sock" {
		t.Errorf("api socket = %q", cfg.APISocket)
	}
	if !strings.HasSuffix(cfg.DBPath, "teleclaude.db") {
		t.Errorf("db path = %q", cfg.DBPath)
	}
}

func TestParse_DiscordRequiresAdminChannel(t *testing.T) {
	_, err := Parse([]byte("machine_name: alpha\nadapters:\n  discord: true\n"))
	if err == nil {
		t.Fatal("expected validation error for discord without admin channel")
	}
	if !strings.Contains(err.Error(), "admin_channel_id") {
		t.Errorf("error = %v, want admin_channel_id mention", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("machine_name: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("machine_name: alpha\ndb_path: /a/teleclaude.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TELECLAUDE_DB_PATH", "/b/teleclaude.db")
	t.Setenv("TELECLAUDE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/b/teleclaude.db" {
		t.Errorf("db path = %q, want env override", cfg.DBPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadSecrets_Missing(t *testing.T) {
	s, err := LoadSecrets(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing secrets should not error: %v", err)
	}
	if s.DiscordToken != "" {
		t.Errorf("expected empty secrets")
	}
}

func TestLoadSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yaml")
	if err := os.WriteFile(path, []byte("discord_token: abc\ntelegram_token: def\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSecrets(path)
	if err != nil {
		t.Fatalf("load secrets: %v", err)
	}
	if s.DiscordToken != "abc" || s.TelegramToken != "def" {
		t.Errorf("secrets = %+v", s)
	}
}
