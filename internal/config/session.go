package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Relay drivers.
const (
	RelayMemory    = "memory"
	RelayRedis     = "redis"
	RelayWebSocket = "websocket"
)

// Media sources.
const (
	MediaCapture   = "capture"
	MediaSynthetic = "synthetic"
)

// Environment variables that override session.toml. They may also be set in
// a .env file next to it.
const (
	EnvRelayURL      = "RTCHAT_RELAY_URL"
	EnvRedisAddr     = "RTCHAT_REDIS_ADDR"
	EnvRedisPassword = "RTCHAT_REDIS_PASSWORD"
	EnvResponderURL  = "RTCHAT_RESPONDER_URL"
	EnvResponderKey  = "RTCHAT_RESPONDER_KEY"
	EnvMetricsListen = "RTCHAT_METRICS_LISTEN"
)

const sessionFile = "session.toml"

// Session is the per-session session.toml.
type Session struct {
	User      UserConfig      `toml:"user"`
	Log       LogConfig       `toml:"log"`
	Relay     RelayConfig     `toml:"relay"`
	Store     StoreConfig     `toml:"store"`
	Presence  PresenceConfig  `toml:"presence"`
	Messaging MessagingConfig `toml:"messaging"`
	Call      CallConfig      `toml:"call"`
	Responder ResponderConfig `toml:"responder"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type UserConfig struct {
	Username string `toml:"username"`
	Avatar   string `toml:"avatar"`
}

type LogConfig struct {
	// Level is a zap level name: debug, info, warn or error. Empty falls
	// back to the global log_level, then info.
	Level string `toml:"level"`
}

type RelayConfig struct {
	Driver string `toml:"driver"`
	// URL is the rtchat-relay endpoint of the websocket driver.
	URL           string    `toml:"url"`
	RedisAddr     string    `toml:"redis_addr"`
	RedisPassword string    `toml:"redis_password"`
	RedisDB       int       `toml:"redis_db"`
	MaxFrame      SizeBytes `toml:"max_frame"`
}

type StoreConfig struct {
	// Path of the shared database. Empty uses the session directory.
	Path      string `toml:"path"`
	MachineID uint16 `toml:"machine_id"`
}

type PresenceConfig struct {
	Interval Duration `toml:"interval"`
}

type MessagingConfig struct {
	TypingInterval Duration `toml:"typing_interval"`
}

type CallConfig struct {
	Media       string   `toml:"media"`
	STUNServers []string `toml:"stun_servers"`
}

type ResponderConfig struct {
	BotName    string   `toml:"bot_name"`
	Endpoint   string   `toml:"endpoint"`
	APIKey     string   `toml:"api_key"`
	Timeout    Duration `toml:"timeout"`
	ThinkDelay Duration `toml:"think_delay"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint. Empty disables it.
	Listen string `toml:"listen"`
}

// DefaultSession returns the settings used for anything session.toml omits.
func DefaultSession() Session {
	return Session{
		Relay: RelayConfig{
			Driver:    RelayMemory,
			URL:       "ws://127.0.0.1:7420/relay",
			RedisAddr: "127.0.0.1:6379",
			MaxFrame:  1 << 20,
		},
		Store:     StoreConfig{MachineID: 1},
		Presence:  PresenceConfig{Interval: Duration(2 * time.Minute)},
		Messaging: MessagingConfig{TypingInterval: Duration(2 * time.Second)},
		Call:      CallConfig{Media: MediaSynthetic},
		Responder: ResponderConfig{
			BotName:    "Gemini",
			Timeout:    Duration(20 * time.Second),
			ThinkDelay: Duration(1500 * time.Millisecond),
		},
	}
}

// LoadSession reads dir/session.toml over the defaults and applies
// environment overrides from dir/.env and the process environment, the
// latter winning. A missing session.toml is not an error.
func LoadSession(dir string) (Session, error) {
	cfg := DefaultSession()
	path := filepath.Join(dir, sessionFile)
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Session{}, fmt.Errorf("read %s: %w", path, err)
	}

	env, err := godotenv.Read(filepath.Join(dir, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Session{}, fmt.Errorf("read .env: %w", err)
	}
	if env == nil {
		env = map[string]string{}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}
	cfg.applyEnv(lookup)

	if err := cfg.Validate(); err != nil {
		return Session{}, err
	}
	return cfg, nil
}

func (s *Session) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key string
		dst *string
	}{
		{EnvRelayURL, &s.Relay.URL},
		{EnvRedisAddr, &s.Relay.RedisAddr},
		{EnvRedisPassword, &s.Relay.RedisPassword},
		{EnvResponderURL, &s.Responder.Endpoint},
		{EnvResponderKey, &s.Responder.APIKey},
		{EnvMetricsListen, &s.Metrics.Listen},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok {
			*o.dst = v
		}
	}
}

// Validate checks enumerated settings.
func (s Session) Validate() error {
	if !slices.Contains([]string{RelayMemory, RelayRedis, RelayWebSocket}, s.Relay.Driver) {
		return fmt.Errorf("relay.driver %q: must be memory, redis or websocket", s.Relay.Driver)
	}
	if !slices.Contains([]string{MediaCapture, MediaSynthetic}, s.Call.Media) {
		return fmt.Errorf("call.media %q: must be capture or synthetic", s.Call.Media)
	}
	if s.Store.MachineID == 0 {
		return errors.New("store.machine_id must be positive")
	}
	return nil
}

// SaveSession writes dir/session.toml.
func SaveSession(dir string, s Session) error {
	return writeTOML(filepath.Join(dir, sessionFile), s)
}
