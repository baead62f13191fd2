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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"xraycp/internal/metrics"
	"xraycp/internal/store"
	"xraycp/pkg/relay"
)

// Retention and polling defaults for the worker loop.
const (
	DefaultPollInterval  = time.Second
	DefaultPruneInterval = 10 * time.Minute
	DefaultCompletedTTL  = time.Hour
	DefaultFailedTTL     = 24 * time.Hour
	DefaultKeepJobs      = 500
)

// cancelledResult is the job result recorded for a cancelled job.
// Cancellation is a completed outcome, not a failure.
type cancelledResult struct {
	Canceled bool   `json:"canceled"`
	Reason   string `json:"reason"`
}

// Worker drains the queue: one job at a time per worker, host
// exclusivity guaranteed by the lock taken at enqueue.
type Worker struct {
	store     Store
	locker    Locker
	processor *Processor
	logger    *log.Logger

	workerID      string
	pollInterval  time.Duration
	pruneInterval time.Duration
}

// NewWorker wires a worker loop. workerID distinguishes concurrent
// workers in the jobs table.
func NewWorker(st Store, locker Locker, processor *Processor, workerID string, logger *log.Logger) *Worker {
	return &Worker{
		store:         st,
		locker:        locker,
		processor:     processor,
		logger:        logger,
		workerID:      workerID,
		pollInterval:  DefaultPollInterval,
		pruneInterval: DefaultPruneInterval,
	}
}

// WithIntervals overrides the poll and prune cadence, mainly for tests.
func (w *Worker) WithIntervals(poll, prune time.Duration) *Worker {
	if poll > 0 {
		w.pollInterval = poll
	}
	if prune > 0 {
		w.pruneInterval = prune
	}
	return w
}

// Run polls until ctx is cancelled. Startup first sweeps state left by
// a crashed worker so hosts do not stay INSTALLING forever.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.recoverStale(ctx); err != nil {
		w.logf("stale recovery failed: %v", err)
	}

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	prune := time.NewTicker(w.pruneInterval)
	defer prune.Stop()

	w.logf("worker %s started, polling every %s", w.workerID, w.pollInterval)
	for {
		select {
		case <-ctx.Done():
			w.logf("worker %s stopping", w.workerID)
			return ctx.Err()
		case <-prune.C:
			if err := w.store.PruneJobs(ctx, DefaultCompletedTTL, DefaultFailedTTL, DefaultKeepJobs); err != nil {
				w.logf("job pruning failed: %v", err)
			}
		case <-poll.C:
			w.drain(ctx)
		}
	}
}

// drain claims and runs queued jobs until the queue is empty.
func (w *Worker) drain(ctx context.Context) {
	for {
		job, err := w.store.AcquireQueuedJob(ctx, w.workerID)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			w.logf("failed to acquire job: %v", err)
			return
		}
		w.runJob(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// RunOnce claims at most one queued job and runs it. Used by tests and
// by a dry-run CLI invocation.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.AcquireQueuedJob(ctx, w.workerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.runJob(ctx, job)
	return true, nil
}

func (w *Worker) runJob(ctx context.Context, job *relay.Job) {
	start := time.Now()
	jctx := newJobContext(job.ID, w.store, w.locker, w.logger)

	// The host lock lives for the whole job, taken at enqueue and
	// released here regardless of outcome. The cancel flag dies with
	// the job too.
	defer func() {
		if err := w.locker.Release(ctx, job.ServerID, job.ID); err != nil {
			w.logf("failed to release lock for %s: %v", job.ServerID, err)
		}
		if err := w.locker.ClearCancel(ctx, job.ID); err != nil {
			w.logf("failed to clear cancel flag for %s: %v", job.ID, err)
		}
	}()

	// A cancel that lands while the job is still queued skips execution
	// entirely.
	if cancelled, err := w.locker.IsCancelled(ctx, job.ID); err == nil && cancelled {
		jctx.AppendLog(ctx, relay.LogLevelWarn, "Job cancelled before execution")
		w.complete(ctx, job, cancelledResult{
			Canceled: true,
			Reason:   "Cancellation requested before execution",
		})
		metrics.ObserveJob(job.Type.String(), "cancelled", time.Since(start))
		return
	}

	result, err := w.processor.Process(ctx, jctx, job)
	switch {
	case err == nil:
		w.complete(ctx, job, result)
		metrics.ObserveJob(job.Type.String(), "completed", time.Since(start))
		w.logf("job %s (%s) completed in %s", job.ID, job.Type, time.Since(start).Round(time.Millisecond))

	case relay.IsKind(err, relay.ErrJobCancelled):
		reason := "cancellation requested"
		if ae, ok := relay.AsAppError(err); ok && ae.Message != "" {
			reason = ae.Message
		}
		jctx.AppendLog(ctx, relay.LogLevelWarn, "Job cancelled: "+reason)
		w.complete(ctx, job, cancelledResult{Canceled: true, Reason: reason})
		metrics.ObserveJob(job.Type.String(), "cancelled", time.Since(start))
		w.logf("job %s (%s) cancelled", job.ID, job.Type)

	default:
		msg := err.Error()
		if ae, ok := relay.AsAppError(err); ok {
			msg = ae.Message
		}
		jctx.AppendLog(ctx, relay.LogLevelError, "Job failed: "+msg)
		if ferr := w.store.FailJob(ctx, job.ID, msg); ferr != nil {
			w.logf("failed to mark job %s failed: %v", job.ID, ferr)
		}
		metrics.ObserveJob(job.Type.String(), "failed", time.Since(start))
		w.logf("job %s (%s) failed: %s", job.ID, job.Type, msg)
	}
}

func (w *Worker) complete(ctx context.Context, job *relay.Job, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		w.logf("failed to marshal result for %s: %v", job.ID, err)
		payload = []byte(`{}`)
	}
	if err := w.store.CompleteJob(ctx, job.ID, payload); err != nil {
		w.logf("failed to mark job %s completed: %v", job.ID, err)
	}
}

// recoverStale repairs state abandoned by a crashed worker: active
// jobs whose host lock is gone are failed, and INSTALLING hosts with
// no lock holder are marked ERROR. Their next repair converges them.
func (w *Worker) recoverStale(ctx context.Context) error {
	active, err := w.store.ListJobsByStatus(ctx, relay.JobStatusActive)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range active {
		owner, err := w.locker.Owner(ctx, job.ServerID)
		if err != nil {
			w.logf("owner check for %s failed: %v", job.ServerID, err)
			continue
		}
		if owner == job.ID {
			continue
		}
		w.logf("recovering orphaned job %s for %s", job.ID, job.ServerID)
		if err := w.store.FailJob(ctx, job.ID, "worker crashed during execution"); err != nil {
			w.logf("failed to fail orphaned job %s: %v", job.ID, err)
		}
	}

	installing, err := w.store.ListHostsByStatus(ctx, relay.HostStatusInstalling)
	if err != nil {
		return fmt.Errorf("list installing hosts: %w", err)
	}
	for _, host := range installing {
		owner, err := w.locker.Owner(ctx, host.ID)
		if err != nil {
			w.logf("owner check for %s failed: %v", host.ID, err)
			continue
		}
		if owner != "" {
			continue
		}
		msg := "worker crashed mid-install"
		w.logf("marking abandoned host %s as errored", host.ID)
		if err := w.store.SetHostStatus(ctx, host.ID, relay.HostStatusError, &msg); err != nil {
			w.logf("failed to mark host %s errored: %v", host.ID, err)
		}
	}
	return nil
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker] "+format, args...)
	}
}
