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
	"strings"
	"testing"

	"xraycp/internal/sshexec"
	"xraycp/pkg/relay"
)

type fakeStore struct {
	host  *relay.Host
	inst  *relay.XRAYInstance
	users []*relay.User
}

func (f *fakeStore) GetHost(ctx context.Context, id string) (*relay.Host, error) {
	return f.host, nil
}

func (f *fakeStore) ListEnabledUsers(ctx context.Context, serverID string) ([]*relay.User, error) {
	return f.users, nil
}

func (f *fakeStore) LatestInstanceByServer(ctx context.Context, serverID string) (*relay.XRAYInstance, error) {
	return f.inst, nil
}

type fakeExec struct {
	commands []string
	handler  func(command string) (*sshexec.Result, error)
}

func (f *fakeExec) Run(ctx context.Context, serverID, command string) (*sshexec.Result, error) {
	f.commands = append(f.commands, command)
	if f.handler != nil {
		return f.handler(command)
	}
	return &sshexec.Result{}, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		host: &relay.Host{ID: "srv-1", Host: "203.0.113.10", SSHUser: "deploy", SSHSecretID: "sec-1", Status: relay.HostStatusReady},
		inst: &relay.XRAYInstance{
			ID: "inst-1", ServerID: "srv-1", ListenPort: 443,
			RealityPrivateKey: "priv", RealityPublicKey: "pub",
			ServerName: "www.microsoft.com", Dest: "www.microsoft.com:443",
			ShortIDs: []string{"aabbccdd"},
		},
		users: []*relay.User{
			{ID: "u-1", ServerID: "srv-1", UUID: "aaaa-1111", Enabled: true},
			{ID: "u-2", ServerID: "srv-1", UUID: "bbbb-2222", Enabled: true},
		},
	}
}

func TestFileStoreSyncUploadsAndRestarts(t *testing.T) {
	exec := &fakeExec{}
	fs := NewFileStore(newFakeStore(), exec, nil)

	if err := fs.Sync(context.Background(), "srv-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(exec.commands) != 2 {
		t.Fatalf("commands = %d, want 2 (upload + restart)", len(exec.commands))
	}

	upload := exec.commands[0]
	if !strings.Contains(upload, "/opt/xray-cp/config.json") || !strings.Contains(upload, "chmod 0600") {
		t.Errorf("upload command wrong: %q", upload)
	}
	if !strings.Contains(upload, "aaaa-1111") || !strings.Contains(upload, "bbbb-2222") {
		t.Error("upload payload missing enabled users")
	}
	if !strings.HasPrefix(upload, "sudo ") {
		t.Error("non-root ssh user must get a sudo prefix")
	}

	restart := exec.commands[1]
	if !strings.Contains(restart, "docker compose -f /opt/xray-cp/docker-compose.yml restart xray") {
		t.Errorf("restart command wrong: %q", restart)
	}
}

func TestAPIStoreSyncDiff(t *testing.T) {
	// Live inbound has aaaa-1111 (kept) and cccc-3333 (stale).
	exec := &fakeExec{handler: func(command string) (*sshexec.Result, error) {
		if strings.Contains(command, "inbounduser") {
			return &sshexec.Result{Stdout: `{"users":[{"email":"aaaa-1111@xray-cp"},{"email":"cccc-3333@xray-cp"}]}`}, nil
		}
		return &sshexec.Result{}, nil
	}}
	api := NewAPIStore(newFakeStore(), exec, nil)

	if err := api.Sync(context.Background(), "srv-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var adu, rmu []string
	for _, c := range exec.commands {
		if strings.Contains(c, " adu ") || strings.Contains(c, " adu'") {
			adu = append(adu, c)
		}
		if strings.Contains(c, " rmu ") {
			rmu = append(rmu, c)
		}
	}
	if len(adu) != 1 || !strings.Contains(adu[0], "bbbb-2222") {
		t.Errorf("adu calls = %v, want one for bbbb-2222", adu)
	}
	if len(rmu) != 1 || !strings.Contains(rmu[0], "cccc-3333") {
		t.Errorf("rmu calls = %v, want one for cccc-3333", rmu)
	}
}

func TestFallbackUsesFileStoreOnCommandFailure(t *testing.T) {
	exec := &fakeExec{handler: func(command string) (*sshexec.Result, error) {
		// Health probe passes, adu fails, file-store rewrite succeeds.
		if strings.Contains(command, " adu") {
			return &sshexec.Result{ExitCode: 1},
				relay.NewAppError(relay.ErrCommandFailed, "SSH command failed")
		}
		return &sshexec.Result{}, nil
	}}
	store := newFakeStore()
	fb := NewFallback(NewAPIStore(store, exec, nil), NewFileStore(store, exec, nil), nil)

	if err := fb.AddUser(context.Background(), "srv-1", "aaaa-1111"); err != nil {
		t.Fatalf("adduser with fallback: %v", err)
	}

	joined := strings.Join(exec.commands, "\n")
	if !strings.Contains(joined, "restart xray") {
		t.Error("file store fallback did not run (no restart command seen)")
	}
}

func TestFallbackPropagatesTransportErrors(t *testing.T) {
	calls := 0
	exec := &fakeExec{handler: func(command string) (*sshexec.Result, error) {
		calls++
		if calls == 1 {
			// Health probe succeeds.
			return &sshexec.Result{}, nil
		}
		return nil, relay.NewAppError(relay.ErrHostUnreachable, "refused")
	}}
	store := newFakeStore()
	fb := NewFallback(NewAPIStore(store, exec, nil), NewFileStore(store, exec, nil), nil)

	err := fb.RemoveUser(context.Background(), "srv-1", "aaaa-1111")
	if !relay.IsKind(err, relay.ErrHostUnreachable) {
		t.Errorf("error kind = %v, want HOST_UNREACHABLE (no fallback on transport errors)", relay.KindOf(err))
	}
}

func TestNewClientStoreModes(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExec{}

	if _, ok := NewClientStore(ModeFile, store, exec, nil).(*FileStore); !ok {
		t.Error("file mode should build a FileStore")
	}
	if _, ok := NewClientStore(ModeGRPC, store, exec, nil).(*Fallback); !ok {
		t.Error("grpc mode should build a Fallback over the api store")
	}
}
