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
	"time"

	"xraycp/internal/metrics"
	"xraycp/pkg/relay"
)

// DefaultRetryDelays is the geometric backoff schedule between
// attempts: a failed first attempt waits 1s, then 2s, then 4s, for a
// maximum of four attempts total.
var DefaultRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// CancelCheck reports whether cancellation has been requested for the
// surrounding job. It is consulted before every sleep and again after
// waking, so a cancel lands between attempts rather than mid-command.
type CancelCheck func(ctx context.Context) (bool, error)

// Retryable reports whether an error is worth another attempt. Only
// transient transport failures qualify; auth failures and command
// failures are deterministic and retried never.
func Retryable(err error) bool {
	kind := relay.KindOf(err)
	return kind == relay.ErrHostUnreachable || kind == relay.ErrTimeout
}

// RunWithRetry executes fn under the backoff schedule. The first
// non-retryable error is returned as-is; exhausting the schedule
// returns the last error. A nil cancelled check disables cancellation.
func RunWithRetry(ctx context.Context, delays []time.Duration, cancelled CancelCheck, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	if delays == nil {
		delays = DefaultRetryDelays
	}

	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		if attempt > 0 {
			if err := waitOrCancel(ctx, delays[attempt-1], cancelled); err != nil {
				return nil, err
			}
			metrics.IncSSHRetry(string(relay.KindOf(lastErr)))
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if !Retryable(err) {
			return res, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func waitOrCancel(ctx context.Context, delay time.Duration, cancelled CancelCheck) error {
	if err := checkCancelled(ctx, cancelled); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return relay.NewAppError(relay.ErrJobCancelled, "job context cancelled during retry backoff")
	case <-time.After(delay):
	}

	return checkCancelled(ctx, cancelled)
}

func checkCancelled(ctx context.Context, cancelled CancelCheck) error {
	if cancelled == nil {
		return nil
	}
	c, err := cancelled(ctx)
	if err != nil {
		// A broken cancel channel must not kill a healthy retry loop.
		return nil
	}
	if c {
		return relay.NewAppError(relay.ErrJobCancelled, "cancellation requested during retry backoff")
	}
	return nil
}
