// Xraycp is a control plane for XRAY (VLESS+REALITY) relays.
// Copyright (C) 2026 Xraycp Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package sshexec

import (
	"context"
	"testing"
	"time"

	"xraycp/internal/metrics"
	"xraycp/pkg/relay"
)

var fastDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

func TestRetryableKinds(t *testing.T) {
	tests := []struct {
		kind relay.ErrorKind
		want bool
	}{
		{relay.ErrHostUnreachable, true},
		{relay.ErrTimeout, true},
		{relay.ErrAuthFailed, false},
		{relay.ErrCommandFailed, false},
		{relay.ErrJobCancelled, false},
	}
	for _, tt := range tests {
		err := relay.NewAppError(tt.kind, "x")
		if got := Retryable(err); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestRunWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	metrics.Reset()
	attempts := 0
	res, err := RunWithRetry(context.Background(), fastDelays, nil, func(ctx context.Context) (*Result, error) {
		attempts++
		if attempts < 3 {
			return nil, relay.NewAppError(relay.ErrHostUnreachable, "refused")
		}
		return &Result{Stdout: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if res.Stdout != "ok" {
		t.Errorf("stdout = %q, want ok", res.Stdout)
	}
}

func TestRunWithRetryStopsOnAuthFailure(t *testing.T) {
	metrics.Reset()
	attempts := 0
	_, err := RunWithRetry(context.Background(), fastDelays, nil, func(ctx context.Context) (*Result, error) {
		attempts++
		return nil, relay.NewAppError(relay.ErrAuthFailed, "bad credentials")
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (auth failures must not retry)", attempts)
	}
	if !relay.IsKind(err, relay.ErrAuthFailed) {
		t.Errorf("error kind = %v, want AUTH_FAILED", relay.KindOf(err))
	}
}

func TestRunWithRetryExhaustsSchedule(t *testing.T) {
	metrics.Reset()
	attempts := 0
	_, err := RunWithRetry(context.Background(), fastDelays, nil, func(ctx context.Context) (*Result, error) {
		attempts++
		return nil, relay.NewAppError(relay.ErrTimeout, "slow host")
	})
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4 (1 + 3 retries)", attempts)
	}
	if !relay.IsKind(err, relay.ErrTimeout) {
		t.Errorf("error kind = %v, want TIMEOUT (last error)", relay.KindOf(err))
	}
}

func TestRunWithRetryCancellationBetweenAttempts(t *testing.T) {
	metrics.Reset()
	attempts := 0
	cancelled := func(ctx context.Context) (bool, error) {
		// Cancel lands after the first failed attempt.
		return attempts >= 1, nil
	}
	_, err := RunWithRetry(context.Background(), fastDelays, cancelled, func(ctx context.Context) (*Result, error) {
		attempts++
		return nil, relay.NewAppError(relay.ErrHostUnreachable, "refused")
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (cancel checked before sleeping)", attempts)
	}
	if !relay.IsKind(err, relay.ErrJobCancelled) {
		t.Errorf("error kind = %v, want JOB_CANCELLED", relay.KindOf(err))
	}
}

func TestRunWithRetryCommandFailureReturnsResult(t *testing.T) {
	metrics.Reset()
	res, err := RunWithRetry(context.Background(), fastDelays, nil, func(ctx context.Context) (*Result, error) {
		return &Result{Stderr: "boom", ExitCode: 2},
			relay.NewAppError(relay.ErrCommandFailed, "SSH command failed")
	})
	if !relay.IsKind(err, relay.ErrCommandFailed) {
		t.Fatalf("error kind = %v, want COMMAND_FAILED", relay.KindOf(err))
	}
	if res == nil || res.ExitCode != 2 {
		t.Error("command failure must surface the populated result to probe callers")
	}
}
