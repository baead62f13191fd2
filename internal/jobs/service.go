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

// Package jobs is the job registry and worker: enqueue with host-lock
// acquisition, dispatch into the workflows, cancellation, job logs,
// and retention. The host lock, not the queue, is the correctness
// boundary for per-host mutual exclusion.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"xraycp/internal/installlog"
	"xraycp/internal/store"
	"xraycp/pkg/relay"
)

// Store is the persistence subset the job layer uses.
type Store interface {
	GetHost(ctx context.Context, id string) (*relay.Host, error)
	SetHostStatus(ctx context.Context, id string, status relay.HostStatus, lastError *string) error
	ListHostsByStatus(ctx context.Context, status relay.HostStatus) ([]*relay.Host, error)

	InsertJob(ctx context.Context, job *relay.Job) error
	GetJobByID(ctx context.Context, id string) (*relay.Job, error)
	AcquireQueuedJob(ctx context.Context, workerID string) (*relay.Job, error)
	SetJobProgress(ctx context.Context, id string, progress int) error
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	FailJob(ctx context.Context, id string, errMsg string) error
	ListJobsByStatus(ctx context.Context, status relay.JobStatus) ([]*relay.Job, error)
	PruneJobs(ctx context.Context, completedTTL, failedTTL time.Duration, keep int) error

	AppendJobLog(ctx context.Context, line relay.JobLogLine) error
	TailJobLogs(ctx context.Context, jobID string, tail int) ([]relay.JobLogLine, error)
}

// Locker is the coordination subset the job layer uses.
type Locker interface {
	Acquire(ctx context.Context, serverID, jobID string) error
	Release(ctx context.Context, serverID, jobID string) error
	Owner(ctx context.Context, serverID string) (string, error)
	RequestCancel(ctx context.Context, jobID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	ClearCancel(ctx context.Context, jobID string) error
}

// Tail bounds for job log reads.
const (
	DefaultLogTail = 200
	MaxLogTail     = 1000
)

// Service is the API-facing job registry. All operations return
// promptly; none block on remote work.
type Service struct {
	store  Store
	locker Locker
	ilog   *installlog.Sink
	logger *log.Logger
}

// NewService wires a job service.
func NewService(st Store, locker Locker, ilog *installlog.Sink, logger *log.Logger) *Service {
	return &Service{store: st, locker: locker, ilog: ilog, logger: logger}
}

// EnqueueInstall queues an install job for a host, taking the host
// lock synchronously. A contended host fails fast with SERVER_BUSY.
func (s *Service) EnqueueInstall(ctx context.Context, serverID string) (*relay.Job, error) {
	return s.enqueue(ctx, serverID, relay.JobTypeInstall)
}

// EnqueueRepair queues a repair job for a host, same protocol as
// install.
func (s *Service) EnqueueRepair(ctx context.Context, serverID string) (*relay.Job, error) {
	return s.enqueue(ctx, serverID, relay.JobTypeRepair)
}

func (s *Service) enqueue(ctx context.Context, serverID string, jobType relay.JobType) (*relay.Job, error) {
	if _, err := s.store.GetHost(ctx, serverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, relay.NewAppError(relay.ErrServerNotFound,
				fmt.Sprintf("server %s not found", serverID))
		}
		return nil, err
	}

	jobID := uuid.NewString()

	// Lock first: an insert under a lost lock race would allow two
	// concurrent workflows on the same host.
	if err := s.locker.Acquire(ctx, serverID, jobID); err != nil {
		return nil, err
	}

	job := relay.NewJob(jobID, serverID, jobType)
	if err := s.store.InsertJob(ctx, &job); err != nil {
		if relErr := s.locker.Release(ctx, serverID, jobID); relErr != nil {
			s.logf("failed to release lock after insert failure for %s: %v", serverID, relErr)
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	s.appendLog(ctx, jobID, relay.LogLevelInfo,
		fmt.Sprintf("Job queued: type=%s serverId=%s", jobType, serverID))
	s.logf("enqueued %s job %s for %s", jobType, jobID, serverID)
	return &job, nil
}

// GetJob returns a job by id or JOB_NOT_FOUND.
func (s *Service) GetJob(ctx context.Context, jobID string) (*relay.Job, error) {
	job, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, relay.NewAppError(relay.ErrJobNotFound,
				fmt.Sprintf("job %s not found", jobID))
		}
		return nil, err
	}
	return job, nil
}

// GetLogs returns the most recent tail lines in ascending time order.
// tail is clamped to [1, MaxLogTail]; tail <= 0 selects the default.
func (s *Service) GetLogs(ctx context.Context, jobID string, tail int) ([]relay.JobLogLine, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}
	if tail > MaxLogTail {
		tail = MaxLogTail
	}
	return s.store.TailJobLogs(ctx, jobID, tail)
}

// CancelResponse reports the state of a job after a cancel request.
type CancelResponse struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	CancelRequested bool   `json:"cancelRequested"`
}

// Cancel requests cooperative cancellation: it sets the cancel flag
// and returns immediately. An in-flight SSH command is not
// interrupted; the workflow observes the flag at the next boundary.
func (s *Service) Cancel(ctx context.Context, jobID string) (*CancelResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.Status.IsTerminal() {
		if err := s.locker.RequestCancel(ctx, jobID); err != nil {
			return nil, err
		}
		s.appendLog(ctx, jobID, relay.LogLevelWarn, "Cancellation requested")
	}

	return &CancelResponse{
		JobID:           job.ID,
		Status:          job.Status.Public(),
		CancelRequested: true,
	}, nil
}

// Close releases service resources. The store and locker are owned by
// the caller; nothing is held here.
func (s *Service) Close() error {
	return nil
}

func (s *Service) appendLog(ctx context.Context, jobID string, level relay.LogLevel, message string) {
	err := s.store.AppendJobLog(ctx, relay.JobLogLine{
		JobID:   jobID,
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
	})
	if err != nil {
		s.logf("failed to append job log for %s: %v", jobID, err)
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[jobs] "+format, args...)
	}
}
