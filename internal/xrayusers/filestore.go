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
	"fmt"
	"log"

	"xraycp/internal/render"
	"xraycp/internal/sshexec"
)

// FileStore rewrites config.json from the control plane's state and
// restarts the container. Always safe; incurs a restart.
type FileStore struct {
	store  DataStore
	exec   sshexec.Executor
	logger *log.Logger
}

// NewFileStore creates the file provider.
func NewFileStore(store DataStore, exec sshexec.Executor, logger *log.Logger) *FileStore {
	return &FileStore{store: store, exec: exec, logger: logger}
}

// Sync rewrites the remote config with the current enabled users and
// restarts xray.
func (f *FileStore) Sync(ctx context.Context, serverID string) error {
	return f.rewrite(ctx, serverID)
}

// AddUser is a full rewrite; membership comes from the store, so the
// uuid argument only needs to already be persisted there.
func (f *FileStore) AddUser(ctx context.Context, serverID, uuid string) error {
	return f.rewrite(ctx, serverID)
}

// RemoveUser is a full rewrite, same as AddUser.
func (f *FileStore) RemoveUser(ctx context.Context, serverID, uuid string) error {
	return f.rewrite(ctx, serverID)
}

func (f *FileStore) rewrite(ctx context.Context, serverID string) error {
	host, err := f.store.GetHost(ctx, serverID)
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", serverID, err)
	}
	inst, err := f.store.LatestInstanceByServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("resolve instance for %s: %w", serverID, err)
	}
	users, err := f.store.ListEnabledUsers(ctx, serverID)
	if err != nil {
		return fmt.Errorf("list enabled users for %s: %w", serverID, err)
	}

	uuids := make([]string, 0, len(users))
	for _, u := range users {
		uuids = append(uuids, u.UUID)
	}

	cfg, err := render.Config(render.Input{
		ListenPort:        inst.ListenPort,
		RealityPrivateKey: inst.RealityPrivateKey,
		ServerName:        inst.ServerName,
		Dest:              inst.Dest,
		ShortIDs:          inst.ShortIDs,
		Clients:           render.ClientsFromUUIDs(uuids),
	})
	if err != nil {
		return fmt.Errorf("render config for %s: %w", serverID, err)
	}

	upload, err := sshexec.BuildUpload(render.ConfigPath, string(cfg), "0600")
	if err != nil {
		return err
	}
	if _, err := f.exec.Run(ctx, serverID, sshexec.BuildCommand(upload, host.SSHUser)); err != nil {
		return fmt.Errorf("upload config to %s: %w", serverID, err)
	}

	restart := fmt.Sprintf("docker compose -f %s restart xray", render.ComposePath)
	if _, err := f.exec.Run(ctx, serverID, sshexec.BuildCommand(restart, host.SSHUser)); err != nil {
		return fmt.Errorf("restart xray on %s: %w", serverID, err)
	}

	if f.logger != nil {
		f.logger.Printf("[xrayusers] file store synced %d users on %s", len(uuids), serverID)
	}
	return nil
}
