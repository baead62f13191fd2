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
	"fmt"

	"xraycp/internal/workflow"
	"xraycp/internal/xrayusers"
	"xraycp/pkg/relay"
)

// Processor maps a job row to the workflow that fulfills it.
type Processor struct {
	store   Store
	runner  *workflow.Runner
	clients xrayusers.ClientStore
	dryRun  bool
}

// NewProcessor wires a processor. dryRun is surfaced in job logs so a
// reader can tell a rehearsal from a real run.
func NewProcessor(st Store, runner *workflow.Runner, dryRun bool) *Processor {
	return &Processor{store: st, runner: runner, dryRun: dryRun}
}

// WithClientStore attaches the client store that is synced after each
// successful workflow, pushing the enabled-user set onto the relay.
func (p *Processor) WithClientStore(clients xrayusers.ClientStore) *Processor {
	p.clients = clients
	return p
}

// installAlreadyResult is the result payload when an install lands on a
// host that is already READY and converges via repair instead.
type installAlreadyResult struct {
	Type             string   `json:"type"`
	ServerID         string   `json:"serverId"`
	AlreadyInstalled bool     `json:"alreadyInstalled"`
	Actions          []string `json:"actions"`
}

// Process runs one job to completion and returns its result payload.
// Cancellation surfaces as a JOB_CANCELLED error; the worker decides
// how to record it.
func (p *Processor) Process(ctx context.Context, jctx workflow.JobContext, job *relay.Job) (any, error) {
	jctx.AppendLog(ctx, relay.LogLevelInfo,
		fmt.Sprintf("Job started: type=%s serverId=%s dryRun=%t", job.Type, job.ServerID, p.dryRun))
	jctx.SetProgress(ctx, 5)

	var (
		result any
		err    error
	)
	switch job.Type {
	case relay.JobTypeInstall:
		result, err = p.install(ctx, jctx, job.ServerID)
	case relay.JobTypeRepair:
		result, err = p.runner.Repair(ctx, jctx, job.ServerID)
	default:
		err = relay.NewAppError(relay.ErrJobFailed,
			fmt.Sprintf("unknown job type: %s", job.Type))
	}
	if err != nil {
		return nil, err
	}

	// The host just converged; push the enabled-user set so a live
	// relay and the rendered config agree. A sync failure does not
	// undo the converged host, so it is logged, not fatal.
	if p.clients != nil {
		if serr := p.clients.Sync(ctx, job.ServerID); serr != nil {
			jctx.AppendLog(ctx, relay.LogLevelWarn, "User sync after workflow failed: "+serr.Error())
		}
	}

	jctx.SetProgress(ctx, 100)
	return result, nil
}

// install routes a READY host through repair instead of reprovisioning
// it. Re-running install must not rotate keys or disrupt a working
// relay.
func (p *Processor) install(ctx context.Context, jctx workflow.JobContext, serverID string) (any, error) {
	host, err := p.store.GetHost(ctx, serverID)
	if err != nil {
		return nil, relay.NewAppError(relay.ErrServerNotFound,
			fmt.Sprintf("server %s not found", serverID))
	}

	if host.Status == relay.HostStatusReady {
		jctx.AppendLog(ctx, relay.LogLevelInfo, "Host already installed, converging instead")
		rep, err := p.runner.Repair(ctx, jctx, serverID)
		if err != nil {
			return nil, err
		}
		return &installAlreadyResult{
			Type:             "install",
			ServerID:         serverID,
			AlreadyInstalled: true,
			Actions:          rep.Actions,
		}, nil
	}

	return p.runner.Install(ctx, jctx, serverID)
}
