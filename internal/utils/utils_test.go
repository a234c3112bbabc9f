package utils

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestWrapError(t *testing.T) {
	originalErr := errors.New("original error")
	context := map[string]any{
		"key1": "value1",
		"key2": 123,
	}

	wrappedErr := WrapError(originalErr, "wrapped message", context)

	if !errors.Is(wrappedErr, originalErr) {
		t.Errorf("Wrapped error should contain the original error")
	}

	errorMsg := wrappedErr.Error()
	if errorMsg != "wrapped message: original error" {
		t.Errorf("Expected error message to be 'wrapped message: original error', got '%s'", errorMsg)
	}

	var wrappedError *WrappedError
	if !errors.As(wrappedErr, &wrappedError) {
		t.Errorf("Should be able to assert as WrappedError")
	}

	if !errors.Is(wrappedError.Err, originalErr) {
		t.Errorf("WrappedError.Err should be the original error")
	}

	if wrappedError.Message != "wrapped message" {
		t.Errorf("Expected message 'wrapped message', got '%s'", wrappedError.Message)
	}

	if len(wrappedError.Context) != 2 {
		t.Errorf("Expected 2 context items, got %d", len(wrappedError.Context))
	}
}

func TestWrappedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		message  string
		expected string
	}{
		{
			name:     "with message",
			err:      errors.New("test error"),
			message:  "wrapper message",
			expected: "wrapper message: test error",
		},
		{
			name:     "without message",
			err:      errors.New("test error"),
			message:  "",
			expected: "test error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := &WrappedError{
				Err:     tt.err,
				Message: tt.message,
			}

			if wrapped.Error() != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, wrapped.Error())
			}
		})
	}
}

func TestWrapError_SentinelThroughFmt(t *testing.T) {
	err := fmt.Errorf("start: %w", WrapError(ErrEngineRejected, "add failed", map[string]any{"locator": "magnet:?"}))
	if !errors.Is(err, ErrEngineRejected) {
		t.Fatalf("errors.Is(%v, ErrEngineRejected) = false", err)
	}
	if RootError(err) != ErrEngineRejected {
		t.Errorf("RootError = %v, want ErrEngineRejected", RootError(err))
	}
}

func TestErrorContext_OuterWins(t *testing.T) {
	inner := WrapError(ErrProviderFailure, "inner", map[string]any{"status": 500, "provider": "inner"})
	outer := WrapError(inner, "outer", map[string]any{"provider": "outer"})

	ctx := ErrorContext(outer)
	if ctx["provider"] != "outer" {
		t.Errorf("provider = %v, want outer", ctx["provider"])
	}
	if ctx["status"] != 500 {
		t.Errorf("status = %v, want 500", ctx["status"])
	}
	if len(ErrorContext(errors.New("plain"))) != 0 {
		t.Error("plain error should have empty context")
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("disk full"), "disk full"},
		{"invalid magnet", WrapError(ErrEngineRejected, "invalid magnet: bad hash", nil),
			"Invalid magnet link: hash must be 32 (base32) or 40 (hex) characters."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveSavePath(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "media")
	tests := []struct {
		name string
		hint string
		want string
	}{
		{"empty hint", "", base},
		{"subdir", "movies", filepath.Join(base, "movies")},
		{"nested", "shows/Some Show/S01", filepath.Join(base, "shows", "Some Show", "S01")},
		{"parent escape", "../../etc", filepath.Join(base, "etc")},
		{"absolute", "/var/lib", filepath.Join(base, "var", "lib")},
		{"whitespace", "   ", base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveSavePath(base, tt.hint); got != tt.want {
				t.Errorf("ResolveSavePath(%q) = %q, want %q", tt.hint, got, tt.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	if got := FormatBytes(-5); got != "0 B" {
		t.Errorf("FormatBytes(-5) = %q, want 0 B", got)
	}
	if got := FormatBytes(1536); got != "1.5 KiB" {
		t.Errorf("FormatBytes(1536) = %q, want 1.5 KiB", got)
	}
	if got := FormatRate(1024); got != "1.0 KiB/s" {
		t.Errorf("FormatRate(1024) = %q, want 1.0 KiB/s", got)
	}
}

func TestHasEnoughSpace(t *testing.T) {
	dir := t.TempDir()
	if !HasEnoughSpace(dir, 0) {
		t.Error("zero bytes should always fit")
	}
	if !HasEnoughSpace(dir, 1) {
		t.Error("one byte should fit in a temp dir")
	}
	if HasEnoughSpace(dir, 1<<62) {
		t.Error("4 EiB should not fit")
	}
}
