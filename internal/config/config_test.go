package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultSession: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultSession != "" || cfg.LogLevel != "" {
		t.Errorf("Load() = %+v, want zero config", cfg)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_session = "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for malformed file")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	for _, name := range []string{"main", "work"} {
		if err := Save(path, &Config{DefaultSession: name, LogLevel: "debug"}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only config.toml", len(entries))
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "work" || cfg.LogLevel != "debug" {
		t.Errorf("Load() = %+v", cfg)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadSessionDefaults(t *testing.T) {
	cfg, err := LoadSession(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.Driver != RelayMemory || cfg.Call.Media != MediaSynthetic {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Presence.Interval.Std() != 2*time.Minute {
		t.Errorf("presence interval = %v", cfg.Presence.Interval.Std())
	}
}

func TestLoadSessionFile(t *testing.T) {
	dir := t.TempDir()
	body := `
[user]
username = "alice"

[relay]
driver = "redis"
redis_addr = "10.0.0.1:6379"
max_frame = "64KiB"

[presence]
interval = "30s"

[messaging]
typing_interval = 1.5

[call]
media = "capture"
stun_servers = ["stun:stun.example.org:3478"]
`
	if err := os.WriteFile(filepath.Join(dir, "session.toml"), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadSession(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.User.Username != "alice" || cfg.Relay.Driver != RelayRedis || cfg.Relay.RedisAddr != "10.0.0.1:6379" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Relay.MaxFrame.Int64() != 64*1024 {
		t.Errorf("max_frame = %d", cfg.Relay.MaxFrame)
	}
	if cfg.Presence.Interval.Std() != 30*time.Second {
		t.Errorf("interval = %v", cfg.Presence.Interval.Std())
	}
	if cfg.Messaging.TypingInterval.Std() != 1500*time.Millisecond {
		t.Errorf("typing interval = %v", cfg.Messaging.TypingInterval.Std())
	}
	if len(cfg.Call.STUNServers) != 1 {
		t.Errorf("stun = %v", cfg.Call.STUNServers)
	}
	// Unset sections keep their defaults.
	if cfg.Responder.BotName != "Gemini" {
		t.Errorf("bot name = %q", cfg.Responder.BotName)
	}
}

func TestLoadSessionEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	env := "RTCHAT_RESPONDER_KEY=from-dotenv\nRTCHAT_REDIS_PASSWORD=from-dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvRedisPassword, "from-process")

	cfg, err := LoadSession(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Responder.APIKey != "from-dotenv" {
		t.Errorf("api key = %q", cfg.Responder.APIKey)
	}
	if cfg.Relay.RedisPassword != "from-process" {
		t.Errorf("redis password = %q, process env should win", cfg.Relay.RedisPassword)
	}
}

func TestLoadSessionRejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "session.toml"), []byte("[relay]\ndriver = \"carrier-pigeon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSession(dir); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSaveSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultSession()
	cfg.User.Username = "bob"
	cfg.Relay.MaxFrame = 2 << 20
	if err := SaveSession(dir, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadSession(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.User.Username != "bob" || loaded.Relay.MaxFrame != cfg.Relay.MaxFrame || loaded.Presence.Interval != cfg.Presence.Interval {
		t.Errorf("loaded = %+v", loaded)
	}
}
