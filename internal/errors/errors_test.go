package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppErrorMessage(t *testing.T) {
	err := New(CodeParse, "malformed timestamp line")
	if !strings.Contains(err.Error(), "PARSE") {
		t.Errorf("Error() = %q, want code name included", err.Error())
	}
	if !strings.Contains(err.Error(), "malformed timestamp line") {
		t.Errorf("Error() = %q, want message included", err.Error())
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, CodeUnavailable, "cleanup call failed")

	if !errors.Is(err, cause) {
		t.Error("wrapped error should match cause via errors.Is")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() = %q, want cause included", err.Error())
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{New(CodeAccumulation, "duplicate sequence"), CodeAccumulation},
		{Wrap(fmt.Errorf("x"), CodeSchema, "bad shape"), CodeSchema},
		{fmt.Errorf("plain"), CodeUnknown},
		{fmt.Errorf("wrapped: %w", New(CodeTimeout, "slow")), CodeTimeout},
	}

	for _, tt := range tests {
		if got := GetCode(tt.err); got != tt.want {
			t.Errorf("GetCode(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeUnavailable, true},
		{CodeTimeout, true},
		{CodeRateLimited, true},
		{CodeSchema, false},
		{CodeAccumulation, false},
		{CodeCaptureCrashed, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(New(tt.code, "test")); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestWithMetadata(t *testing.T) {
	err := New(CodeCaptureCrashed, "subprocess exited").
		WithMetadata("channel", "primary-voice").
		WithMetadata("exit_code", "1")

	if err.Metadata["channel"] != "primary-voice" {
		t.Errorf("Metadata[channel] = %q, want primary-voice", err.Metadata["channel"])
	}
	if !strings.Contains(err.Error(), "exit_code") {
		t.Errorf("Error() = %q, want metadata included", err.Error())
	}
}
