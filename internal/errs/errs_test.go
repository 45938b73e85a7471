package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsThroughWrapping(t *testing.T) {
	base := E(PermissionDenied, "call.start", errors.New("no microphone"))
	wrapped := fmt.Errorf("start call: %w", base)

	if !Is(wrapped, PermissionDenied) {
		t.Error("Is(wrapped, PermissionDenied) = false, want true")
	}
	if Is(wrapped, Conflict) {
		t.Error("Is(wrapped, Conflict) = true, want false")
	}
	if KindOf(wrapped) != PermissionDenied {
		t.Errorf("KindOf = %q, want %q", KindOf(wrapped), PermissionDenied)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf(plain) should be empty")
	}
}

func TestErrorString(t *testing.T) {
	if got := E(Conflict, "call.accept", nil).Error(); got != "call.accept: conflict" {
		t.Errorf("Error() = %q", got)
	}
	if got := E(NotFound, "messaging.upsert", errors.New("c1")).Error(); got != "messaging.upsert: not_found: c1" {
		t.Errorf("Error() = %q", got)
	}
}
