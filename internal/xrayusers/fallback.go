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
	"log"

	"xraycp/internal/sshexec"
	"xraycp/pkg/relay"
)

// Fallback wraps the live API store and degrades to the file store
// when the live path fails. Only COMMAND_FAILED triggers fallback;
// transport errors mean the host is unreachable for both providers.
type Fallback struct {
	api    *APIStore
	file   *FileStore
	logger *log.Logger
}

// NewFallback composes the two providers.
func NewFallback(api *APIStore, file *FileStore, logger *log.Logger) *Fallback {
	return &Fallback{api: api, file: file, logger: logger}
}

// NewClientStore builds the provider selected by mode.
func NewClientStore(mode Mode, store DataStore, exec sshexec.Executor, logger *log.Logger) ClientStore {
	file := NewFileStore(store, exec, logger)
	if mode == ModeGRPC {
		return NewFallback(NewAPIStore(store, exec, logger), file, logger)
	}
	return file
}

func (f *Fallback) run(ctx context.Context, serverID, op string, apiFn, fileFn func() error) error {
	if !f.api.Healthy(ctx, serverID) {
		f.logf("api inbound unhealthy on %s, using file store for %s", serverID, op)
		return fileFn()
	}
	err := apiFn()
	if err == nil {
		return nil
	}
	if relay.IsKind(err, relay.ErrCommandFailed) {
		f.logf("api %s failed on %s, falling back to file store", op, serverID)
		return fileFn()
	}
	return err
}

// Sync applies the live diff, falling back to a full rewrite.
func (f *Fallback) Sync(ctx context.Context, serverID string) error {
	return f.run(ctx, serverID, "sync",
		func() error { return f.api.Sync(ctx, serverID) },
		func() error { return f.file.Sync(ctx, serverID) })
}

// AddUser adds via the live API, falling back to a full rewrite.
func (f *Fallback) AddUser(ctx context.Context, serverID, uuid string) error {
	return f.run(ctx, serverID, "adduser",
		func() error { return f.api.AddUser(ctx, serverID, uuid) },
		func() error { return f.file.AddUser(ctx, serverID, uuid) })
}

// RemoveUser removes via the live API, falling back to a full rewrite.
func (f *Fallback) RemoveUser(ctx context.Context, serverID, uuid string) error {
	return f.run(ctx, serverID, "removeuser",
		func() error { return f.api.RemoveUser(ctx, serverID, uuid) },
		func() error { return f.file.RemoveUser(ctx, serverID, uuid) })
}

func (f *Fallback) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf("[xrayusers] "+format, args...)
	}
}
