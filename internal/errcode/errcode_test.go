package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestOfWrappedError(t *testing.T) {
	base := New(UnknownVoice, "voice T9 is not registered")
	wrapped := fmt.Errorf("dispatch: %w", base)

	if got := Of(wrapped); got != UnknownVoice {
		t.Fatalf("expected UnknownVoice, got %s", got)
	}
	if !errors.Is(wrapped, New(UnknownVoice, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if errors.Is(wrapped, New(DuplicateToken, "")) {
		t.Fatalf("expected different codes not to match")
	}
}

func TestOfPlainError(t *testing.T) {
	if got := Of(errors.New("boom")); got != Internal {
		t.Fatalf("expected Internal, got %s", got)
	}
	if got := Of(nil); got != "" {
		t.Fatalf("expected empty code for nil, got %s", got)
	}
}

func TestMessageIncludesCause(t *testing.T) {
	err := Wrap(BackendInitError, errors.New("dial refused"), "start backend")
	if got := Message(err); got != "start backend: dial refused" {
		t.Fatalf("unexpected message %q", got)
	}
}
