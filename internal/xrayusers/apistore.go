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

package xrayusers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"xraycp/internal/render"
	"xraycp/internal/sshexec"
)

const (
	apiServer  = "127.0.0.1:10085"
	inboundTag = "vless-in"
)

// APIStore mutates the live XRAY user set through the localhost API
// inbound, driving the xray CLI inside the container over SSH. No
// restart is needed, so user flips are invisible to other clients.
type APIStore struct {
	store  DataStore
	exec   sshexec.Executor
	logger *log.Logger
}

// NewAPIStore creates the live provider.
func NewAPIStore(store DataStore, exec sshexec.Executor, logger *log.Logger) *APIStore {
	return &APIStore{store: store, exec: exec, logger: logger}
}

func (a *APIStore) xray(args string) string {
	return fmt.Sprintf("docker exec xray xray api %s --server=%s", args, apiServer)
}

// Healthy probes the API inbound; a nonzero exit means the live path
// is unusable and callers should fall back to the file provider.
func (a *APIStore) Healthy(ctx context.Context, serverID string) bool {
	host, err := a.store.GetHost(ctx, serverID)
	if err != nil {
		return false
	}
	cmd := a.xray(fmt.Sprintf("inboundusercount -tag=%s", inboundTag))
	_, err = a.exec.Run(ctx, serverID, sshexec.BuildCommand(cmd, host.SSHUser))
	return err == nil
}

// AddUser adds a single client to the running inbound.
func (a *APIStore) AddUser(ctx context.Context, serverID, uuid string) error {
	host, err := a.store.GetHost(ctx, serverID)
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", serverID, err)
	}

	payload, err := json.Marshal(map[string]any{
		"inbounds": []map[string]any{{
			"tag":      inboundTag,
			"protocol": "vless",
			"settings": map[string]any{
				"clients": []render.Client{
					{ID: uuid, Email: render.ClientEmail(uuid), Flow: render.VisionFlow},
				},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal adu payload: %w", err)
	}

	cmd := a.xray("adu") + " " + sshexec.ShellQuote(string(payload))
	if _, err := a.exec.Run(ctx, serverID, sshexec.BuildCommand(cmd, host.SSHUser)); err != nil {
		return fmt.Errorf("adu on %s: %w", serverID, err)
	}
	return nil
}

// RemoveUser removes a single client from the running inbound.
func (a *APIStore) RemoveUser(ctx context.Context, serverID, uuid string) error {
	host, err := a.store.GetHost(ctx, serverID)
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", serverID, err)
	}

	cmd := a.xray(fmt.Sprintf("rmu -tag=%s -email=%s", inboundTag, render.ClientEmail(uuid)))
	if _, err := a.exec.Run(ctx, serverID, sshexec.BuildCommand(cmd, host.SSHUser)); err != nil {
		return fmt.Errorf("rmu on %s: %w", serverID, err)
	}
	return nil
}

// Sync diff-applies: it lists the live inbound users and computes add
// and remove sets against the enabled users in the control plane.
func (a *APIStore) Sync(ctx context.Context, serverID string) error {
	host, err := a.store.GetHost(ctx, serverID)
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", serverID, err)
	}
	users, err := a.store.ListEnabledUsers(ctx, serverID)
	if err != nil {
		return fmt.Errorf("list enabled users for %s: %w", serverID, err)
	}

	want := make(map[string]bool, len(users))
	for _, u := range users {
		want[u.UUID] = true
	}

	listCmd := a.xray(fmt.Sprintf("inbounduser -tag=%s", inboundTag))
	res, err := a.exec.Run(ctx, serverID, sshexec.BuildCommand(listCmd, host.SSHUser))
	if err != nil {
		return fmt.Errorf("inbounduser on %s: %w", serverID, err)
	}
	live := parseLiveUsers(res.Stdout)

	added, removed := 0, 0
	for uuid := range want {
		if !live[uuid] {
			if err := a.AddUser(ctx, serverID, uuid); err != nil {
				return err
			}
			added++
		}
	}
	for uuid := range live {
		if !want[uuid] {
			if err := a.RemoveUser(ctx, serverID, uuid); err != nil {
				return err
			}
			removed++
		}
	}

	if a.logger != nil {
		a.logger.Printf("[xrayusers] api store synced %s: +%d -%d", serverID, added, removed)
	}
	return nil
}

// parseLiveUsers extracts client uuids from xray api inbounduser
// output. The CLI prints JSON; emails follow the <uuid>@xray-cp
// convention so the uuid is recoverable from either field.
func parseLiveUsers(out string) map[string]bool {
	live := make(map[string]bool)

	var parsed struct {
		Users []struct {
			Email string `json:"email"`
			ID    string `json:"id"`
		} `json:"users"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err == nil && len(parsed.Users) > 0 {
		for _, u := range parsed.Users {
			switch {
			case u.ID != "":
				live[u.ID] = true
			case u.Email != "":
				live[strings.TrimSuffix(u.Email, "@xray-cp")] = true
			}
		}
		return live
	}

	// Fall back to scanning for email tokens line by line.
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if idx := strings.Index(line, "@xray-cp"); idx > 0 {
			start := strings.LastIndexAny(line[:idx], "\"' ") + 1
			live[line[start:idx]] = true
		}
	}
	return live
}
