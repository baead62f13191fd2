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

// Package xrayusers applies the enabled-user list onto a running XRAY
// instance. Two providers exist: a file provider that rewrites
// config.json and restarts the container, and a live provider that
// drives the xray API inbound. The fallback decorator composes them.
package xrayusers

import (
	"context"

	"xraycp/pkg/relay"
)

// ClientStore applies user membership changes to a host's running XRAY
// instance. All operations are idempotent.
type ClientStore interface {
	// Sync makes the remote user set equal to the enabled users in the
	// control plane.
	Sync(ctx context.Context, serverID string) error

	// AddUser makes a single uuid active on the host.
	AddUser(ctx context.Context, serverID, uuid string) error

	// RemoveUser deactivates a single uuid on the host.
	RemoveUser(ctx context.Context, serverID, uuid string) error
}

// DataStore is the persistence subset the providers need.
type DataStore interface {
	GetHost(ctx context.Context, id string) (*relay.Host, error)
	ListEnabledUsers(ctx context.Context, serverID string) ([]*relay.User, error)
	LatestInstanceByServer(ctx context.Context, serverID string) (*relay.XRAYInstance, error)
}

// Mode selects the client store provider.
type Mode string

const (
	ModeFile Mode = "file"
	ModeGRPC Mode = "grpc"
)
