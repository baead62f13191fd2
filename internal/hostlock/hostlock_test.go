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

package hostlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"xraycp/pkg/relay"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithTTL(rdb, DefaultLockTTL, DefaultCancelTTL), mr
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	if err := l.Acquire(ctx, "srv-1", "job-a"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	owner, err := l.Owner(ctx, "srv-1")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != "job-a" {
		t.Errorf("owner = %q, want job-a", owner)
	}

	if err := l.Release(ctx, "srv-1", "job-a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	owner, err = l.Owner(ctx, "srv-1")
	if err != nil {
		t.Fatalf("owner after release: %v", err)
	}
	if owner != "" {
		t.Errorf("owner after release = %q, want empty", owner)
	}
}

func TestAcquireBusy(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	if err := l.Acquire(ctx, "srv-1", "job-a"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	err := l.Acquire(ctx, "srv-1", "job-b")
	if err == nil {
		t.Fatal("expected second acquire to fail")
	}
	if !relay.IsKind(err, relay.ErrServerBusy) {
		t.Errorf("error kind = %v, want SERVER_BUSY", relay.KindOf(err))
	}

	// A different host is not affected.
	if err := l.Acquire(ctx, "srv-2", "job-b"); err != nil {
		t.Errorf("acquire on other host failed: %v", err)
	}
}

func TestReleaseWrongTokenIsNoop(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	if err := l.Acquire(ctx, "srv-1", "job-a"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := l.Release(ctx, "srv-1", "job-b"); err != nil {
		t.Fatalf("release with wrong token errored: %v", err)
	}

	owner, err := l.Owner(ctx, "srv-1")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != "job-a" {
		t.Errorf("owner = %q, want job-a (wrong-token release must not free the lock)", owner)
	}
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewWithTTL(rdb, 100*time.Millisecond, DefaultCancelTTL)

	if err := l.Acquire(ctx, "srv-1", "job-a"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	mr.FastForward(time.Second)

	if err := l.Acquire(ctx, "srv-1", "job-b"); err != nil {
		t.Errorf("acquire after expiry failed: %v", err)
	}
}

func TestCancelFlag(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	cancelled, err := l.IsCancelled(ctx, "job-a")
	if err != nil {
		t.Fatalf("is cancelled: %v", err)
	}
	if cancelled {
		t.Error("fresh job reported cancelled")
	}

	if err := l.RequestCancel(ctx, "job-a"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	cancelled, err = l.IsCancelled(ctx, "job-a")
	if err != nil {
		t.Fatalf("is cancelled: %v", err)
	}
	if !cancelled {
		t.Error("cancel flag not visible after RequestCancel")
	}

	if err := l.ClearCancel(ctx, "job-a"); err != nil {
		t.Fatalf("clear cancel: %v", err)
	}
	cancelled, err = l.IsCancelled(ctx, "job-a")
	if err != nil {
		t.Fatalf("is cancelled: %v", err)
	}
	if cancelled {
		t.Error("cancel flag still set after ClearCancel")
	}
}
