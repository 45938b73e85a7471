package session

import (
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/rtchat/internal/config"
)

// DefaultSessionName is used when nothing else names a session.
const DefaultSessionName = "main"

// EnvSession selects the session when no --session flag is given.
const EnvSession = "RTCHAT_SESSION"

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name is usable as a directory and socket name.
// Names start with a letter or digit so they cannot be mistaken for flags.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use up to 64 of a-z, 0-9, '-' and '_', starting with a letter or digit", name)
	}
	return nil
}

// Resolve determines the active session name. The first non-empty source
// wins: flagOverride, $RTCHAT_SESSION, default_session in config.toml,
// then DefaultSessionName.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(EnvSession); name != "" {
		return name
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
