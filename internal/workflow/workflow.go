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

// Package workflow implements the install and repair state machines
// that drive a host from NEW to READY. Both are ordered step lists
// with stable labels; cancellation is polled at every step boundary
// and an in-flight SSH command is never interrupted.
package workflow

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"xraycp/internal/installlog"
	"xraycp/internal/metrics"
	"xraycp/internal/sshexec"
	"xraycp/pkg/relay"
)

// Store is the persistence subset the workflows mutate.
type Store interface {
	GetHost(ctx context.Context, id string) (*relay.Host, error)
	SetHostStatus(ctx context.Context, id string, status relay.HostStatus, lastError *string) error
	ListEnabledUsers(ctx context.Context, serverID string) ([]*relay.User, error)
	LatestInstanceByServer(ctx context.Context, serverID string) (*relay.XRAYInstance, error)
	UpsertInstance(ctx context.Context, inst *relay.XRAYInstance) error
}

// JobContext is the slice of the job registry a workflow can touch:
// progress, the job's ordered log stream, and the cancellation flag.
type JobContext interface {
	SetProgress(ctx context.Context, n float64)
	AppendLog(ctx context.Context, level relay.LogLevel, message string)
	IsCancelled(ctx context.Context) (bool, error)
}

// Defaults holds the disguise parameters assigned to newly generated
// XRAY instances. Existing instances keep their own values.
type Defaults struct {
	ListenPort  int
	ServerName  string
	Dest        string
	Fingerprint string
}

// StandardDefaults mirror a plain REALITY deployment fronting a large
// CDN-backed site.
func StandardDefaults() Defaults {
	return Defaults{
		ListenPort:  443,
		ServerName:  "www.microsoft.com",
		Dest:        "www.microsoft.com:443",
		Fingerprint: "chrome",
	}
}

// Runner executes install and repair workflows.
type Runner struct {
	store       Store
	exec        sshexec.Executor
	ilog        *installlog.Sink
	logger      *log.Logger
	defaults    Defaults
	retryDelays []time.Duration
}

// NewRunner wires a workflow runner.
func NewRunner(store Store, exec sshexec.Executor, ilog *installlog.Sink, logger *log.Logger, defaults Defaults) *Runner {
	if defaults.ListenPort == 0 {
		defaults = StandardDefaults()
	}
	return &Runner{
		store:       store,
		exec:        exec,
		ilog:        ilog,
		logger:      logger,
		defaults:    defaults,
		retryDelays: sshexec.DefaultRetryDelays,
	}
}

// WithRetryDelays overrides the backoff schedule, used by tests.
func (r *Runner) WithRetryDelays(delays []time.Duration) *Runner {
	r.retryDelays = delays
	return r
}

// maxStepStderr bounds the stderr carried in COMMAND_FAILED details.
const maxStepStderr = 500

// executeChecked runs one labelled step: the script goes through
// bash -lc with sudo for non-root users, transient failures retry
// under the backoff schedule, and a nonzero exit becomes a
// COMMAND_FAILED carrying the step label. Steps whose stderr may hold
// key material set includeStderr=false.
func (r *Runner) executeChecked(ctx context.Context, jctx JobContext, host *relay.Host, label, script string, includeStderr bool) (*sshexec.Result, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveWorkflowStep(label, time.Since(start))
	}()

	jctx.AppendLog(ctx, relay.LogLevelInfo, label)
	r.installLog(host.ID, label)

	cancelled := func(ctx context.Context) (bool, error) {
		return jctx.IsCancelled(ctx)
	}

	cmd := sshexec.BuildCommand(script, host.SSHUser)
	res, err := sshexec.RunWithRetry(ctx, r.retryDelays, cancelled, func(ctx context.Context) (*sshexec.Result, error) {
		return r.exec.Run(ctx, host.ID, cmd)
	})
	if err != nil {
		if ae, ok := relay.AsAppError(err); ok && ae.Kind == relay.ErrCommandFailed {
			details := map[string]any{
				"command": label,
			}
			if res != nil {
				details["exitCode"] = res.ExitCode
				if includeStderr {
					details["stderr"] = truncate(res.Stderr, maxStepStderr)
				}
			}
			return res, relay.NewAppError(relay.ErrCommandFailed, "SSH command failed").WithDetails(details)
		}
		return res, err
	}
	return res, nil
}

// executeProbe runs a step where a nonzero exit is an answer, not a
// failure. Transport errors still propagate.
func (r *Runner) executeProbe(ctx context.Context, jctx JobContext, host *relay.Host, script string) (*sshexec.Result, bool, error) {
	cancelled := func(ctx context.Context) (bool, error) {
		return jctx.IsCancelled(ctx)
	}
	cmd := sshexec.BuildCommand(script, host.SSHUser)
	res, err := sshexec.RunWithRetry(ctx, r.retryDelays, cancelled, func(ctx context.Context) (*sshexec.Result, error) {
		return r.exec.Run(ctx, host.ID, cmd)
	})
	if err != nil {
		if relay.IsKind(err, relay.ErrCommandFailed) {
			return res, false, nil
		}
		return nil, false, err
	}
	return res, true, nil
}

// checkCancelled enforces the stage boundary: a requested cancel
// surfaces as JOB_CANCELLED before the next side-effecting command.
func (r *Runner) checkCancelled(ctx context.Context, jctx JobContext) error {
	c, err := jctx.IsCancelled(ctx)
	if err != nil {
		return nil
	}
	if c {
		return relay.NewAppError(relay.ErrJobCancelled, "cancellation requested")
	}
	return nil
}

func (r *Runner) installLog(hostID, message string) {
	if r.ilog == nil {
		return
	}
	if err := r.ilog.Append(hostID, message); err != nil && r.logger != nil {
		r.logger.Printf("[workflow] install log append failed for %s: %v", hostID, err)
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf("[workflow] "+format, args...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func trimOutput(res *sshexec.Result) string {
	if res == nil {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// loadHost resolves the host row, mapping a miss onto the closed error
// set.
func (r *Runner) loadHost(ctx context.Context, serverID string) (*relay.Host, error) {
	host, err := r.store.GetHost(ctx, serverID)
	if err != nil {
		return nil, relay.NewAppError(relay.ErrServerNotFound,
			fmt.Sprintf("server %s not found", serverID))
	}
	return host, nil
}
