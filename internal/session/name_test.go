package session

import (
	"path/filepath"
	"testing"

	"github.com/matheus3301/rtchat/internal/config"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"main", false},
		{"work123", false},
		{"my-session", false},
		{"my_session", false},
		{"a", false},
		{"0day", false},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"", true},
		{"-main", true},
		{"_main", true},
		{"Main", true},
		{"my session", true},
		{"my.session", true},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("RTCHAT_HOME", t.TempDir())
	t.Setenv(EnvSession, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() with nothing set = %q", got)
	}

	if err := config.Save(filepath.Join(BaseDir(), "config.toml"), &config.Config{DefaultSession: "fromconfig"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "fromconfig" {
		t.Errorf("Resolve() with config = %q", got)
	}

	t.Setenv(EnvSession, "fromenv")
	if got := Resolve(""); got != "fromenv" {
		t.Errorf("Resolve() with env = %q", got)
	}
	if got := Resolve("fromflag"); got != "fromflag" {
		t.Errorf("Resolve(flag) = %q", got)
	}
}
