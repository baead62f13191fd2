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
	"crypto/rand"
	"encoding/base64"
	"io"
	"log"
	"strings"
	"sync"
)

// DryRunExecutor satisfies Executor without opening any connection.
// It answers each command with a plausible canned output so the
// workflows walk their full step sequence end to end. Used when
// PROVISION_DRY_RUN is set and by workflow tests.
type DryRunExecutor struct {
	logger *log.Logger

	mu       sync.Mutex
	commands []string
}

// NewDryRunExecutor creates a dry-run executor.
func NewDryRunExecutor(logger *log.Logger) *DryRunExecutor {
	return &DryRunExecutor{logger: logger}
}

// Run records the command and returns a canned result matched on the
// command content.
func (d *DryRunExecutor) Run(ctx context.Context, serverID, command string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.commands = append(d.commands, command)
	d.mu.Unlock()

	if d.logger != nil {
		first := command
		if idx := strings.IndexByte(first, '\n'); idx >= 0 {
			first = first[:idx]
		}
		d.logger.Printf("[dry-run] %s: %s", serverID, first)
	}

	return cannedResult(command), nil
}

// Commands returns a copy of every command seen so far, in order.
func (d *DryRunExecutor) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

func cannedResult(command string) *Result {
	switch {
	case strings.Contains(command, "x25519"):
		return &Result{Stdout: "Private key: " + randomKey() + "\nPublic key: " + randomKey() + "\n"}
	case strings.Contains(command, "sha256sum"), strings.Contains(command, "openssl dgst"):
		// Remote files never exist in a dry run.
		return &Result{Stdout: "MISSING\n"}
	case strings.Contains(command, "os-release"):
		return &Result{Stdout: "ubuntu\n"}
	case strings.Contains(command, "docker compose version"):
		return &Result{Stdout: "Docker Compose version v2.27.0\n"}
	case strings.Contains(command, "docker --version"):
		return &Result{Stdout: "Docker version 27.0.3, build 7d4bcd8\n"}
	case strings.Contains(command, "docker inspect"):
		return &Result{Stdout: "running\n"}
	case strings.Contains(command, "ss -"), strings.Contains(command, "netstat"):
		return &Result{Stdout: "LISTEN\n"}
	default:
		return &Result{}
	}
}

func randomKey() string {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return strings.Repeat("A", 43)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
