package cacheerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestSentinelMatching verifies wrapped errors compare equal to the
// sentinel of the same code.
func TestSentinelMatching(t *testing.T) {
	cause := errors.New("disk went away")
	err := Wrap(CodeStorageUnavailable, "fs.get", cause)

	if !errors.Is(err, ErrStorageUnavailable) {
		t.Error("wrapped error does not match its sentinel")
	}
	if errors.Is(err, ErrCorruptEntry) {
		t.Error("wrapped error matches a different code's sentinel")
	}
	if !errors.Is(err, cause) {
		t.Error("cause lost through wrapping")
	}

	// Another layer of wrapping must not break code matching.
	outer := fmt.Errorf("cold tier: %w", err)
	if !errors.Is(outer, ErrStorageUnavailable) {
		t.Error("fmt-wrapped error does not match its sentinel")
	}
}

// TestErrorString verifies the operation, code, and cause all surface.
func TestErrorString(t *testing.T) {
	err := Wrap(CodeCorruptEntry, "cold.get", errors.New("bad checksum"))
	msg := err.Error()

	for _, want := range []string{"cold.get", "CORRUPT_ENTRY", "bad checksum"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error string %q missing %q", msg, want)
		}
	}

	bare := New(CodeInvalidConfig, "", "hot budget is zero")
	if !strings.Contains(bare.Error(), "hot budget is zero") {
		t.Errorf("error string %q missing message", bare.Error())
	}
}

// TestRetryable verifies terminal codes never retry and transport faults
// do.
func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"corrupt entry", ErrCorruptEntry, false},
		{"not found", ErrNotFound, false},
		{"too large", ErrEntryTooLarge, false},
		{"closed", ErrClosed, false},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"wrapped unavailable", Wrap(CodeStorageUnavailable, "s3.put", errors.New("timeout")), true},
		{"plain error", errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
