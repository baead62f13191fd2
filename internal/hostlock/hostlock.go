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

// Package hostlock coordinates per-host mutual exclusion and cancel
// flags through Redis. At most one job runs against a host at a time;
// the lock value is the owning job id so release is token-compared.
package hostlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"xraycp/pkg/relay"
)

const (
	// DefaultLockTTL bounds how long a crashed worker can wedge a host.
	DefaultLockTTL = 15 * time.Minute

	// DefaultCancelTTL keeps cancel flags from accumulating forever.
	DefaultCancelTTL = 24 * time.Hour
)

// releaseScript deletes the lock only when the stored token matches,
// so a job that outlived its TTL cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker provides per-host locks and per-job cancel flags.
type Locker struct {
	rdb       *redis.Client
	lockTTL   time.Duration
	cancelTTL time.Duration
}

// New creates a Locker on an existing Redis client.
func New(rdb *redis.Client) *Locker {
	return &Locker{
		rdb:       rdb,
		lockTTL:   DefaultLockTTL,
		cancelTTL: DefaultCancelTTL,
	}
}

// NewWithTTL creates a Locker with explicit TTLs, used by tests.
func NewWithTTL(rdb *redis.Client, lockTTL, cancelTTL time.Duration) *Locker {
	return &Locker{rdb: rdb, lockTTL: lockTTL, cancelTTL: cancelTTL}
}

func lockKey(serverID string) string {
	return "lock:server:" + serverID
}

func cancelKey(jobID string) string {
	return "job:cancel:" + jobID
}

// Acquire takes the host lock for a job. It returns a SERVER_BUSY
// AppError when another job already holds the lock.
func (l *Locker) Acquire(ctx context.Context, serverID, jobID string) error {
	ok, err := l.rdb.SetNX(ctx, lockKey(serverID), jobID, l.lockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire host lock: %w", err)
	}
	if !ok {
		return relay.NewAppError(relay.ErrServerBusy,
			fmt.Sprintf("another job is already running for server %s", serverID))
	}
	return nil
}

// Release frees the host lock if jobID still owns it. Releasing a lock
// held by another job is a no-op.
func (l *Locker) Release(ctx context.Context, serverID, jobID string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{lockKey(serverID)}, jobID).Err(); err != nil {
		return fmt.Errorf("release host lock: %w", err)
	}
	return nil
}

// Owner reports the job currently holding the host lock, or "" when the
// host is free.
func (l *Locker) Owner(ctx context.Context, serverID string) (string, error) {
	val, err := l.rdb.Get(ctx, lockKey(serverID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read host lock: %w", err)
	}
	return val, nil
}

// RequestCancel sets the cancel flag for a job. Running workflows poll
// the flag at step boundaries and between retry attempts.
func (l *Locker) RequestCancel(ctx context.Context, jobID string) error {
	if err := l.rdb.Set(ctx, cancelKey(jobID), "1", l.cancelTTL).Err(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

// IsCancelled reports whether cancellation has been requested for a job.
func (l *Locker) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	_, err := l.rdb.Get(ctx, cancelKey(jobID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return true, nil
}

// ClearCancel removes a job's cancel flag, called when the job reaches
// a terminal state.
func (l *Locker) ClearCancel(ctx context.Context, jobID string) error {
	if err := l.rdb.Del(ctx, cancelKey(jobID)).Err(); err != nil {
		return fmt.Errorf("clear cancel flag: %w", err)
	}
	return nil
}
