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

package jobs

import (
	"context"
	"log"
	"math"
	"time"

	"xraycp/pkg/relay"
)

// jobContext adapts one job's persistence and cancel channel to the
// workflow side. Log and progress writes are best effort: a failed
// write must never fail the job itself.
type jobContext struct {
	jobID  string
	store  Store
	locker Locker
	logger *log.Logger
}

func newJobContext(jobID string, st Store, locker Locker, logger *log.Logger) *jobContext {
	return &jobContext{jobID: jobID, store: st, locker: locker, logger: logger}
}

// SetProgress persists a clamped, rounded progress value. Non-finite
// input collapses to 0.
func (c *jobContext) SetProgress(ctx context.Context, n float64) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		n = 0
	}
	p := int(math.Round(n))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if err := c.store.SetJobProgress(ctx, c.jobID, p); err != nil && c.logger != nil {
		c.logger.Printf("[jobs] failed to set progress for %s: %v", c.jobID, err)
	}
}

func (c *jobContext) AppendLog(ctx context.Context, level relay.LogLevel, message string) {
	err := c.store.AppendJobLog(ctx, relay.JobLogLine{
		JobID:   c.jobID,
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
	})
	if err != nil && c.logger != nil {
		c.logger.Printf("[jobs] failed to append log for %s: %v", c.jobID, err)
	}
}

func (c *jobContext) IsCancelled(ctx context.Context) (bool, error) {
	return c.locker.IsCancelled(ctx, c.jobID)
}
