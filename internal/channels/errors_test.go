package channels

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorRetryability(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want bool
	}{
		{"send rate limited", ErrRateLimited(OpSend, "slow down", nil), true},
		{"moderate rate limited", ErrRateLimited(OpModerate, "slow down", nil), true},
		{"send target unreachable", ErrTargetUnreachable(OpSend, "no such group", nil), false},
		{"send rejected", ErrRejected(OpSend, "muted", nil), false},
		{"connect unreachable", ErrUnreachable("dial failed", nil), true},
		{"connect auth", ErrAuthRejected("bad token", nil), false},
		{"decode malformed", ErrMalformed("bad json", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.IsRetryable(); got != tt.want {
				t.Fatalf("IsRetryable() = %v, want %v", got, tt.want)
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if got := IsRetryable(wrapped); got != tt.want {
				t.Fatalf("IsRetryable(wrapped) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesCodeAndOp(t *testing.T) {
	err := fmt.Errorf("send failed: %w", ErrRateLimited(OpSend, "busy", nil))

	if !errors.Is(err, &Error{Code: ErrCodeRateLimited}) {
		t.Fatalf("expected code match")
	}
	if !errors.Is(err, &Error{Op: OpSend, Code: ErrCodeRateLimited}) {
		t.Fatalf("expected code+op match")
	}
	if errors.Is(err, &Error{Op: OpModerate, Code: ErrCodeRateLimited}) {
		t.Fatalf("unexpected match on different op")
	}
	if got := GetErrorCode(err); got != ErrCodeRateLimited {
		t.Fatalf("GetErrorCode() = %q, want %q", got, ErrCodeRateLimited)
	}
	if got := GetErrorCode(errors.New("plain")); got != "" {
		t.Fatalf("GetErrorCode(plain) = %q, want empty", got)
	}
}

func TestErrorMessage(t *testing.T) {
	err := ErrRejected(OpSend, "bot is muted", errors.New("retcode 100"))
	want := "[send REJECTED] bot is muted: retcode 100"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, err.Err) {
		t.Fatalf("expected Unwrap to expose cause")
	}
	err.WithContext("endpoint", "send_group_msg")
	if err.Context["endpoint"] != "send_group_msg" {
		t.Fatalf("context not recorded")
	}
}
