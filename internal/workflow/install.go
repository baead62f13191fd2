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

	"xraycp/internal/render"
	"xraycp/internal/sshexec"
	"xraycp/pkg/relay"
)

// Install step labels. They appear verbatim in job logs and install
// logs; tests assert on them, so treat them as frozen strings.
const (
	labelDetectOS      = "Detect OS"
	labelInstallDocker = "Install Docker and Compose plugin"
	labelPrepareDirs   = "Prepare directories"
	labelUploadCompose = "Upload docker-compose.yml"
	labelUploadConfig  = "Upload config.json"
	labelStartXray     = "Start xray container"
	labelOpenFirewall  = "Open firewall port"
)

const detectOSScript = `source /etc/os-release && printf "%s" "$ID"`

const prepareDirsScript = "mkdir -p " + render.RemoteDir + " " + render.RemoteLogDir

// dockerInstallScript is idempotent: re-running on a host that already
// has Docker only refreshes the package set.
func dockerInstallScript(osID string) string {
	return fmt.Sprintf(`set -e
export DEBIAN_FRONTEND=noninteractive
apt-get update -y
apt-get install -y ca-certificates curl gnupg
install -m 0755 -d /etc/apt/keyrings
if [ ! -f /etc/apt/keyrings/docker.gpg ]; then
  curl -fsSL https://download.docker.com/linux/%[1]s/gpg | gpg --dearmor -o /etc/apt/keyrings/docker.gpg
  chmod a+r /etc/apt/keyrings/docker.gpg
fi
echo "deb [arch=$(dpkg --print-architecture) signed-by=/etc/apt/keyrings/docker.gpg] https://download.docker.com/linux/%[1]s $(. /etc/os-release && echo "$VERSION_CODENAME") stable" > /etc/apt/sources.list.d/docker.list
apt-get update -y
apt-get install -y docker-ce docker-ce-cli containerd.io docker-buildx-plugin docker-compose-plugin
systemctl enable --now docker`, osID)
}

func startXrayScript() string {
	return "docker compose -f " + render.ComposePath + " up -d"
}

// firewallScript opens the listen port with ufw when present, else an
// insert-if-absent iptables rule.
func firewallScript(port int) string {
	return fmt.Sprintf(`if command -v ufw >/dev/null 2>&1; then
  ufw allow %[1]d/tcp
else
  iptables -C INPUT -p tcp --dport %[1]d -j ACCEPT 2>/dev/null || iptables -I INPUT -p tcp --dport %[1]d -j ACCEPT
fi`, port)
}

// InstallResult is the job result payload of a successful install.
type InstallResult struct {
	Type             string `json:"type"`
	ServerID         string `json:"serverId"`
	AlreadyInstalled bool   `json:"alreadyInstalled,omitempty"`
	ListenPort       int    `json:"listenPort"`
	PublicKey        string `json:"publicKey"`
}

// Install drives a host NEW → INSTALLING → READY. On cancellation the
// host reverts to its pre-install status; on failure it lands in ERROR
// with lastError set.
func (r *Runner) Install(ctx context.Context, jctx JobContext, serverID string) (*InstallResult, error) {
	host, err := r.loadHost(ctx, serverID)
	if err != nil {
		return nil, err
	}
	prevStatus := host.Status
	prevError := host.LastError

	if err := r.store.SetHostStatus(ctx, host.ID, relay.HostStatusInstalling, prevError); err != nil {
		return nil, fmt.Errorf("mark host installing: %w", err)
	}

	inst, err := r.installSteps(ctx, jctx, host)
	if err != nil {
		if relay.IsKind(err, relay.ErrJobCancelled) {
			r.installLog(host.ID, "INSTALL cancelled")
			if revertErr := r.store.SetHostStatus(ctx, host.ID, prevStatus, prevError); revertErr != nil {
				r.logf("failed to revert host %s after cancel: %v", host.ID, revertErr)
			}
			return nil, err
		}
		msg := err.Error()
		if ae, ok := relay.AsAppError(err); ok {
			msg = ae.Message
		}
		r.installLog(host.ID, "INSTALL failed: "+msg)
		if failErr := r.store.SetHostStatus(ctx, host.ID, relay.HostStatusError, &msg); failErr != nil {
			r.logf("failed to mark host %s errored: %v", host.ID, failErr)
		}
		return nil, err
	}

	if err := r.store.SetHostStatus(ctx, host.ID, relay.HostStatusReady, nil); err != nil {
		return nil, fmt.Errorf("mark host ready: %w", err)
	}
	r.installLog(host.ID, "INSTALL completed")

	return &InstallResult{
		Type:       "install",
		ServerID:   host.ID,
		ListenPort: inst.ListenPort,
		PublicKey:  inst.RealityPublicKey,
	}, nil
}

func (r *Runner) installSteps(ctx context.Context, jctx JobContext, host *relay.Host) (*relay.XRAYInstance, error) {
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

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	if _, err := r.executeChecked(ctx, jctx, host, labelInstallDocker, dockerInstallScript(osID), true); err != nil {
		return nil, err
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

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	if err := r.uploadFile(ctx, jctx, host, labelUploadCompose, render.ComposePath, compose, "0644", true); err != nil {
		return nil, err
	}

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	if err := r.uploadFile(ctx, jctx, host, labelUploadConfig, render.ConfigPath, config, "0600", false); err != nil {
		return nil, err
	}

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	if _, err := r.executeChecked(ctx, jctx, host, labelStartXray, startXrayScript(), true); err != nil {
		return nil, err
	}

	if err := r.checkCancelled(ctx, jctx); err != nil {
		return nil, err
	}
	if _, err := r.executeChecked(ctx, jctx, host, labelOpenFirewall, firewallScript(inst.ListenPort), true); err != nil {
		return nil, err
	}

	if err := r.store.UpsertInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("persist instance for %s: %w", host.ID, err)
	}
	return inst, nil
}

// uploadFile pushes a payload through the heredoc builder. Steps with
// includeStderr=false keep remote stderr out of error details because
// it can echo key material.
func (r *Runner) uploadFile(ctx context.Context, jctx JobContext, host *relay.Host, label, path string, payload []byte, mode string, includeStderr bool) error {
	script, err := sshexec.BuildUpload(path, string(payload), mode)
	if err != nil {
		return err
	}
	_, err = r.executeChecked(ctx, jctx, host, label, script, includeStderr)
	return err
}
