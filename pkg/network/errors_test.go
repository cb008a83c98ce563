// Copyright 2024-2026 Aiku AI

package network

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		permanent bool
		transient bool
		reason    ReasonCode
	}{
		{"nil", nil, false, false, ReasonUnknown},
		{"plain error", base, false, true, ReasonUnknown},
		{"transient", Transient("send", base), false, true, ReasonUnknown},
		{"permanent", Permanent(ReasonPermissionDenied, base), true, false, ReasonPermissionDenied},
		{"wrapped permanent", fmt.Errorf("failed to send: %w", Permanent(ReasonTargetDeleted, base)), true, false, ReasonTargetDeleted},
		{"deadline", context.DeadlineExceeded, false, true, ReasonUnknown},
		{"wrapped deadline", fmt.Errorf("failed to send: %w", context.DeadlineExceeded), false, true, ReasonUnknown},
		{"canceled", context.Canceled, false, false, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent: got %v, want %v", got, tt.permanent)
			}
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient: got %v, want %v", got, tt.transient)
			}
			if got := ReasonOf(tt.err); got != tt.reason {
				t.Errorf("ReasonOf: got %q, want %q", got, tt.reason)
			}
		})
	}
}

func TestTransientNilPassthrough(t *testing.T) {
	t.Parallel()
	if Transient("op", nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if Permanent(ReasonBadRequest, nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestRetryAfterOf(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrapped: %w", &TransientNetworkError{Op: "post", RetryAfter: 3 * time.Second, Err: errors.New("429")})
	if got := RetryAfterOf(err); got != 3*time.Second {
		t.Errorf("RetryAfterOf: got %v, want 3s", got)
	}
	if got := RetryAfterOf(errors.New("x")); got != 0 {
		t.Errorf("RetryAfterOf plain: got %v, want 0", got)
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if SideHome.Opposite() != SideRemote {
		t.Errorf("home opposite: got %q", SideHome.Opposite())
	}
	if SideRemote.Opposite() != SideHome {
		t.Errorf("remote opposite: got %q", SideRemote.Opposite())
	}
}
