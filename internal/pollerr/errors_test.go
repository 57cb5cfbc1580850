package pollerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"plain error", errors.New("boom"), Unknown},
		{"network", Network("vote", context.DeadlineExceeded), NetworkFailure},
		{"rejected", Rejection("delete", 403, "invalid token"), Rejected},
		{"decode", Decode("push", errors.New("bad json")), DecodeFailure},
		{"validation", Validation("create", "need 2 options"), ValidationFailure},
		{"wrapped", fmt.Errorf("outer: %w", Rejection("like", 404, "")), Rejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	err := Network("vote", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected network error to unwrap to context.DeadlineExceeded")
	}
}

func TestError_Message(t *testing.T) {
	err := Rejection("delete", 403, "invalid token")
	want := "delete: rejected (status 403): invalid token"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if StatusOf(fmt.Errorf("x: %w", err)) != 403 {
		t.Error("expected StatusOf to find wrapped status")
	}
}
