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

package workflow

import (
	"context"
	"fmt"
	"strings"

	"xraycp/internal/render"
	"xraycp/pkg/relay"
)

// Repair action strings. Like install labels, these are frozen: they
// appear verbatim in job results and tests.
const (
	actionRecreateCompose  = "Recreate docker-compose.yml"
	actionRegenerateConfig = "Regenerate config.json to match users"
	actionRestartForConfig = "Restart xray container to apply configuration"
	actionRestartForPort   = "Restart xray container because port is not listening"
	actionProbeSkipped     = "External reachability probe skipped"
	actionProbeFailed      = "External reachability probe failed"
	actionNoneRequired     = "No repair actions required"
)

const dockerProbeScript = "command -v docker >/dev/null 2>&1 && docker compose version"

const containerProbeScript = `docker inspect -f '{{.State.Status}}' xray`

func portProbeScript(port int) string {
	return fmt.Sprintf("ss -lntp | grep ':%d'", port)
}

func restartXrayScript() string {
	return "docker compose -f " + render.ComposePath + " restart xray"
}

func forceRecreateScript() string {
	return "docker compose -f " + render.ComposePath + " up -d --force-recreate xray"
}

func reachabilityProbeScript(host string, port int) string {
	return fmt.Sprintf(`if ! command -v nc >/dev/null 2>&1; then echo SKIP; elif nc -z -w 3 %s %d; then echo YES; else echo NO; fi`, host, port)
}

func hashProbeScript(path string) string {
	return fmt.Sprintf(`if [ -f %[1]s ]; then
  if command -v sha256sum >/dev/null 2>&1; then sha256sum %[1]s
  elif command -v openssl >/dev/null 2>&1; then openssl dgst -sha256 %[1]s
  else echo UNAVAILABLE
  fi
else
  echo MISSING
fi`, path)
}

// RepairResult is the job result payload of a successful repair.
type RepairResult struct {
	Type         string   `json:"type"`
	ServerID     string   `json:"serverId"`
	Actions      []string `json:"actions"`
	StatusBefore string   `json:"statusBefore"`
	StatusAfter  string   `json:"statusAfter"`
}

// Repair converges a host toward the declared configuration. It never
// rotates an existing REALITY keypair, restarts XRAY only when
// required, and is safe to run repeatedly.
func (r *Runner) Repair(ctx context.Context, jctx JobContext, serverID string) (*RepairResult, error) {
	host, err := r.loadHost(ctx, serverID)
	if err != nil {
		return nil, err
	}
	prevStatus := host.Status
	prevError := host.LastError

	if err := r.store.SetHostStatus(ctx, host.ID, relay.HostStatusInstalling, prevError); err != nil {
		return nil, fmt.Errorf("mark host installing: %w", err)
	}

	actions, err := r.repairSteps(ctx, jctx, host)
	if err != nil {
		if relay.IsKind(err, relay.ErrJobCancelled) {
			r.installLog(host.ID, "REPAIR cancelled")
			if revertErr := r.store.SetHostStatus(ctx, host.ID, prevStatus, prevError); revertErr != nil {
				r.logf("failed to revert host %s after cancel: %v", host.ID, revertErr)
			}
			return nil, err
		}
		nerr := relay.Normalize(err, relay.ErrRepairFailed)
		msg := nerr.Message
		r.installLog(host.ID, "REPAIR failed: "+msg)
		if failErr := r.store.SetHostStatus(ctx, host.ID, relay.HostStatusError, &msg); failErr != nil {
			r.logf("failed to mark host %s errored: %v", host.ID, failErr)
		}
		return nil, nerr
	}

	if err := r.store.SetHostStatus(ctx, host.ID, relay.HostStatusReady, nil); err != nil {
		return nil, fmt.Errorf("mark host ready: %w", err)
	}
	r.installLog(host.ID, "REPAIR completed")

	if len(actions) == 0 {
		actions = append(actions, actionNoneRequired)
	}
	return &RepairResult{
		Type:         "repair",
		ServerID:     host.ID,
		Actions:      actions,
		StatusBefore: prevStatus.String(),
		StatusAfter:  relay.HostStatusReady.String(),
	}, nil
}

func (r *Runner) repairSteps(ctx context.Context, jctx JobContext, host *relay.Host) ([]string, error) {
	var actions []string

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	res, err := r.executeChecked(ctx, jctx, host, labelDetectOS, detectOSScript, true)
	if err != nil {
		return nil, err
	}
	osID := trimOutput(res)
	if osID != "ubuntu" && osID != "debian" {
		return nil, relay.NewAppError(relay.ErrCommandFailed,
			fmt.Sprintf("Unsupported OS: %s", osID)).
			WithDetails(map[string]any{"command": labelDetectOS})
	}

	// Docker is only installed when the probe says it is missing.
	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	_, dockerPresent, err := r.executeProbe(ctx, jctx, host, dockerProbeScript)
	if err != nil {
		return nil, err
	}
	if !dockerPresent {
		if _, err := r.executeChecked(ctx, jctx, host, labelInstallDocker, dockerInstallScript(osID), true); err != nil {
			return nil, err
		}
		actions = append(actions, labelInstallDocker)
	}

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	if _, err := r.executeChecked(ctx, jctx, host, labelPrepareDirs, prepareDirsScript, true); err != nil {
		return nil, err
	}
	jctx.SetProgress(ctx, 15)

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	inst, err := r.ensureRuntime(ctx, jctx, host)
	if err != nil {
		return nil, err
	}

	compose, config, err := r.renderExpected(ctx, host, inst)
	if err != nil {
		return nil, err
	}

	rewritten := false

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	composeStale, err := r.fileNeedsUpdate(ctx, jctx, host, render.ComposePath, compose)
	if err != nil {
		return nil, err
	}
	if composeStale {
		if err := r.uploadFile(ctx, jctx, host, actionRecreateCompose, render.ComposePath, compose, "0644", true); err != nil {
			return nil, err
		}
		actions = append(actions, actionRecreateCompose)
		rewritten = true
	}

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	configStale, err := r.fileNeedsUpdate(ctx, jctx, host, render.ConfigPath, config)
	if err != nil {
		return nil, err
	}
	if configStale {
		if err := r.uploadFile(ctx, jctx, host, actionRegenerateConfig, render.ConfigPath, config, "0600", false); err != nil {
			return nil, err
		}
		actions = append(actions, actionRegenerateConfig)
		rewritten = true
	}

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	probeRes, probeOK, err := r.executeProbe(ctx, jctx, host, containerProbeScript)
	if err != nil {
		return nil, err
	}
	running := probeOK && trimOutput(probeRes) == "running"
	switch {
	case !running:
		if _, err := r.executeChecked(ctx, jctx, host, labelStartXray, startXrayScript(), true); err != nil {
			return nil, err
		}
		actions = append(actions, labelStartXray)
	case rewritten:
		if _, err := r.executeChecked(ctx, jctx, host, actionRestartForConfig, forceRecreateScript(), true); err != nil {
			return nil, err
		}
		actions = append(actions, actionRestartForConfig)
	}

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	listening, err := r.portListening(ctx, jctx, host, inst.ListenPort)
	if err != nil {
		return nil, err
	}
	if !listening {
		if _, err := r.executeChecked(ctx, jctx, host, actionRestartForPort, restartXrayScript(), true); err != nil {
			return nil, err
		}
		actions = append(actions, actionRestartForPort)

		listening, err = r.portListening(ctx, jctx, host, inst.ListenPort)
		if err != nil {
			return nil, err
		}
		if !listening {
			return nil, relay.NewAppError(relay.ErrRepairFailed, "XRAY port is not listening after repair")
		}
	}

	// Informational only; a relay behind an external firewall still
	// counts as repaired.
	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	reachRes, reachOK, err := r.executeProbe(ctx, jctx, host, reachabilityProbeScript(host.Host, inst.ListenPort))
	if err != nil {
		return nil, err
	}
	switch {
	case !reachOK, strings.Contains(trimOutput(reachRes), "SKIP"):
		actions = append(actions, actionProbeSkipped)
	case strings.Contains(trimOutput(reachRes), "NO"):
		actions = append(actions, actionProbeFailed)
	}

	if err := r.store.UpsertInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("persist instance for %s: %w", host.ID, err)
	}
	return actions, nil
}

// fileNeedsUpdate compares the remote hash of path against the
// expected payload. MISSING and UNAVAILABLE probes normalize to
// needs-update.
func (r *Runner) fileNeedsUpdate(ctx context.Context, jctx JobContext, host *relay.Host, path string, expected []byte) (bool, error) {
	res, _, err := r.executeProbe(ctx, jctx, host, hashProbeScript(path))
	if err != nil {
		return false, err
	}
	remote := parseRemoteHash(trimOutput(res))
	if remote == "" {
		return true, nil
	}
	return remote != render.Hash(expected), nil
}

// parseRemoteHash extracts a lowercase hex digest from sha256sum or
// openssl dgst output; MISSING/UNAVAILABLE (or anything unparsable)
// yields "".
func parseRemoteHash(out string) string {
	switch out {
	case "", "MISSING", "UNAVAILABLE":
		return ""
	}
	// openssl: "SHA256(path)= <hex>"; sha256sum: "<hex>  path".
	fields := strings.Fields(out)
	for i := len(fields) - 1; i >= 0; i-- {
		f := strings.ToLower(fields[i])
		if len(f) == 64 && isHex(f) {
			return f
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func (r *Runner) portListening(ctx context.Context, jctx JobContext, host *relay.Host, port int) (bool, error) {
	res, ok, err := r.executeProbe(ctx, jctx, host, portProbeScript(port))
	if err != nil {
		return false, err
	}
	return ok && trimOutput(res) != "", nil
}
