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
	"reflect"
	"strings"
	"testing"
	"time"

	"xraycp/internal/render"
	"xraycp/internal/sshexec"
	"xraycp/internal/store"
	"xraycp/pkg/relay"
)

// detectOSMatch singles out the detect step; the docker install script
// also mentions os-release.
const detectOSMatch = "source /etc/os-release"

var testDelays = []time.Duration{time.Millisecond}

type fakeWFStore struct {
	host  *relay.Host
	inst  *relay.XRAYInstance
	users []*relay.User

	statusLog []relay.HostStatus
	upserts   int
}

func (f *fakeWFStore) GetHost(ctx context.Context, id string) (*relay.Host, error) {
	if f.host == nil || f.host.ID != id {
		return nil, store.ErrNotFound
	}
	h := *f.host
	return &h, nil
}

func (f *fakeWFStore) SetHostStatus(ctx context.Context, id string, status relay.HostStatus, lastError *string) error {
	f.host.Status = status
	f.host.LastError = lastError
	f.statusLog = append(f.statusLog, status)
	return nil
}

func (f *fakeWFStore) ListEnabledUsers(ctx context.Context, serverID string) ([]*relay.User, error) {
	return f.users, nil
}

func (f *fakeWFStore) LatestInstanceByServer(ctx context.Context, serverID string) (*relay.XRAYInstance, error) {
	if f.inst == nil {
		return nil, store.ErrNotFound
	}
	i := *f.inst
	return &i, nil
}

func (f *fakeWFStore) UpsertInstance(ctx context.Context, inst *relay.XRAYInstance) error {
	i := *inst
	f.inst = &i
	f.upserts++
	return nil
}

type fakeJobCtx struct {
	progress  []float64
	logs      []string
	cancelled bool
	// cancelAfterLogs flips the flag once this many log lines exist.
	cancelAfterLogs int
}

func (f *fakeJobCtx) SetProgress(ctx context.Context, n float64) {
	f.progress = append(f.progress, n)
}

func (f *fakeJobCtx) AppendLog(ctx context.Context, level relay.LogLevel, message string) {
	f.logs = append(f.logs, message)
	if f.cancelAfterLogs > 0 && len(f.logs) >= f.cancelAfterLogs {
		f.cancelled = true
	}
}

func (f *fakeJobCtx) IsCancelled(ctx context.Context) (bool, error) {
	return f.cancelled, nil
}

// scriptedExec answers commands by first matching substring.
type scriptedExec struct {
	commands []string
	rules    []execRule
}

type execRule struct {
	match string
	fn    func() (*sshexec.Result, error)
}

func (s *scriptedExec) on(match string, fn func() (*sshexec.Result, error)) {
	s.rules = append(s.rules, execRule{match: match, fn: fn})
}

func (s *scriptedExec) Run(ctx context.Context, serverID, command string) (*sshexec.Result, error) {
	s.commands = append(s.commands, command)
	for _, r := range s.rules {
		if strings.Contains(command, r.match) {
			return r.fn()
		}
	}
	return &sshexec.Result{}, nil
}

func ok(stdout string) func() (*sshexec.Result, error) {
	return func() (*sshexec.Result, error) {
		return &sshexec.Result{Stdout: stdout}, nil
	}
}

func cmdFail(stderr string) func() (*sshexec.Result, error) {
	return func() (*sshexec.Result, error) {
		return &sshexec.Result{Stderr: stderr, ExitCode: 1},
			relay.NewAppError(relay.ErrCommandFailed, "SSH command failed")
	}
}

func newHost(status relay.HostStatus) *relay.Host {
	return &relay.Host{ID: "srv-1", Host: "203.0.113.10", SSHUser: "root", SSHSecretID: "sec-1", Status: status}
}

func existingInstance() *relay.XRAYInstance {
	return &relay.XRAYInstance{
		ID: "inst-1", ServerID: "srv-1", ListenPort: 443,
		RealityPrivateKey: "existing-priv", RealityPublicKey: "existing-pub",
		ServerName: "www.microsoft.com", Dest: "www.microsoft.com:443",
		Fingerprint: "chrome", ShortIDs: []string{"deadbeef"},
	}
}

func newRunner(st *fakeWFStore, exec sshexec.Executor) *Runner {
	return NewRunner(st, exec, nil, nil, StandardDefaults()).WithRetryDelays(testDelays)
}

func TestInstallFromNew(t *testing.T) {
	st := &fakeWFStore{
		host:  newHost(relay.HostStatusNew),
		users: []*relay.User{{UUID: "e7f8e06d-2942-4cb9-bca5-6d511244f6d7", Enabled: true}},
	}
	exec := &scriptedExec{}
	exec.on(detectOSMatch, ok("ubuntu"))
	exec.on("x25519", ok("Private key: genpriv\nPublic key: genpub\n"))

	res, err := newRunner(st, exec).Install(context.Background(), &fakeJobCtx{}, "srv-1")
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	if st.host.Status != relay.HostStatusReady {
		t.Errorf("host status = %s, want READY", st.host.Status)
	}
	if st.host.LastError != nil {
		t.Errorf("lastError = %v, want nil", *st.host.LastError)
	}
	if st.inst == nil || st.inst.RealityPrivateKey != "genpriv" {
		t.Fatalf("instance not persisted: %+v", st.inst)
	}
	if len(st.inst.ShortIDs) != 4 {
		t.Errorf("short ids = %d, want 4", len(st.inst.ShortIDs))
	}
	for _, id := range st.inst.ShortIDs {
		if len(id) < 8 || len(id) > 16 {
			t.Errorf("short id %q length out of range", id)
		}
	}
	if res.PublicKey != "genpub" || res.ListenPort != 443 {
		t.Errorf("unexpected result: %+v", res)
	}

	// Status walked NEW → INSTALLING → READY.
	want := []relay.HostStatus{relay.HostStatusInstalling, relay.HostStatusReady}
	if !reflect.DeepEqual(st.statusLog, want) {
		t.Errorf("status transitions = %v, want %v", st.statusLog, want)
	}

	// The rendered config with the enabled user was uploaded 0600.
	joined := strings.Join(exec.commands, "\n---\n")
	if !strings.Contains(joined, "e7f8e06d-2942-4cb9-bca5-6d511244f6d7") {
		t.Error("enabled user uuid missing from uploaded config")
	}
	if !strings.Contains(joined, "chmod 0600 '/opt/xray-cp/config.json'") {
		t.Error("config not uploaded with mode 0600")
	}
	if !strings.Contains(joined, "chmod 0644 '/opt/xray-cp/docker-compose.yml'") {
		t.Error("compose not uploaded with mode 0644")
	}
}

func TestInstallFailureMarksHostError(t *testing.T) {
	st := &fakeWFStore{host: newHost(relay.HostStatusNew)}
	exec := &scriptedExec{}
	exec.on(detectOSMatch, ok("ubuntu"))
	exec.on("docker-ce", cmdFail("apt failed"))

	_, err := newRunner(st, exec).Install(context.Background(), &fakeJobCtx{}, "srv-1")
	if !relay.IsKind(err, relay.ErrCommandFailed) {
		t.Fatalf("error kind = %v, want COMMAND_FAILED", relay.KindOf(err))
	}
	ae, _ := relay.AsAppError(err)
	if ae.Message != "SSH command failed" {
		t.Errorf("message = %q, want %q", ae.Message, "SSH command failed")
	}
	if ae.Details["command"] != labelInstallDocker {
		t.Errorf("details.command = %v, want %q", ae.Details["command"], labelInstallDocker)
	}

	if st.host.Status != relay.HostStatusError {
		t.Errorf("host status = %s, want ERROR", st.host.Status)
	}
	if st.host.LastError == nil || *st.host.LastError != "SSH command failed" {
		t.Errorf("lastError = %v, want %q", st.host.LastError, "SSH command failed")
	}
}

func TestInstallRejectsUnsupportedOS(t *testing.T) {
	st := &fakeWFStore{host: newHost(relay.HostStatusNew)}
	exec := &scriptedExec{}
	exec.on(detectOSMatch, ok("centos"))

	_, err := newRunner(st, exec).Install(context.Background(), &fakeJobCtx{}, "srv-1")
	if !relay.IsKind(err, relay.ErrCommandFailed) {
		t.Fatalf("error kind = %v, want COMMAND_FAILED", relay.KindOf(err))
	}
	ae, _ := relay.AsAppError(err)
	if !strings.Contains(ae.Message, "Unsupported OS: centos") {
		t.Errorf("message = %q, want unsupported os", ae.Message)
	}
}

func TestInstallPreservesExistingKeypair(t *testing.T) {
	st := &fakeWFStore{host: newHost(relay.HostStatusError), inst: existingInstance()}
	exec := &scriptedExec{}
	exec.on(detectOSMatch, ok("ubuntu"))

	_, err := newRunner(st, exec).Install(context.Background(), &fakeJobCtx{}, "srv-1")
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	if st.inst.RealityPrivateKey != "existing-priv" || st.inst.RealityPublicKey != "existing-pub" {
		t.Error("existing keypair was rotated")
	}
	if !reflect.DeepEqual(st.inst.ShortIDs, []string{"deadbeef"}) {
		t.Errorf("short ids changed: %v", st.inst.ShortIDs)
	}
	if st.inst.ID != "inst-1" {
		t.Errorf("instance id changed: %s", st.inst.ID)
	}
	for _, c := range exec.commands {
		if strings.Contains(c, "x25519") {
			t.Error("keygen must not run when an instance exists")
		}
	}
}

func TestInstallCancellationRevertsStatus(t *testing.T) {
	st := &fakeWFStore{host: newHost(relay.HostStatusNew)}
	exec := &scriptedExec{}
	exec.on(detectOSMatch, ok("ubuntu"))

	jctx := &fakeJobCtx{cancelAfterLogs: 2}
	_, err := newRunner(st, exec).Install(context.Background(), jctx, "srv-1")
	if !relay.IsKind(err, relay.ErrJobCancelled) {
		t.Fatalf("error kind = %v, want JOB_CANCELLED", relay.KindOf(err))
	}
	if st.host.Status != relay.HostStatusNew {
		t.Errorf("host status = %s, want reverted to NEW", st.host.Status)
	}
}

// Scenario: full convergence on a NEW host with an existing instance.
func TestRepairFullConvergence(t *testing.T) {
	st := &fakeWFStore{
		host:  newHost(relay.HostStatusNew),
		inst:  existingInstance(),
		users: []*relay.User{{UUID: "aaaa-1111", Enabled: true}},
	}

	portUp := false
	exec := &scriptedExec{}
	exec.on(detectOSMatch, ok("ubuntu"))
	exec.on("command -v docker", cmdFail(""))
	exec.on("sha256sum", ok("MISSING"))
	exec.on("docker inspect", cmdFail("No such object: xray"))
	exec.on("restart xray", func() (*sshexec.Result, error) {
		portUp = true
		return &sshexec.Result{}, nil
	})
	exec.on("ss -lntp", func() (*sshexec.Result, error) {
		if portUp {
			return &sshexec.Result{Stdout: "LISTEN 0 4096 0.0.0.0:443"}, nil
		}
		return &sshexec.Result{ExitCode: 1},
			relay.NewAppError(relay.ErrCommandFailed, "SSH command failed")
	})
	exec.on("command -v nc", ok("SKIP"))

	res, err := newRunner(st, exec).Repair(context.Background(), &fakeJobCtx{}, "srv-1")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}

	wantActions := []string{
		"Install Docker and Compose plugin",
		"Recreate docker-compose.yml",
		"Regenerate config.json to match users",
		"Start xray container",
		"Restart xray container because port is not listening",
		"External reachability probe skipped",
	}
	if !reflect.DeepEqual(res.Actions, wantActions) {
		t.Errorf("actions = %v\nwant %v", res.Actions, wantActions)
	}
	if res.StatusBefore != "NEW" || res.StatusAfter != "READY" {
		t.Errorf("status = %s → %s, want NEW → READY", res.StatusBefore, res.StatusAfter)
	}
	if st.inst.RealityPrivateKey != "existing-priv" || !reflect.DeepEqual(st.inst.ShortIDs, []string{"deadbeef"}) {
		t.Error("repair rotated preserved key material")
	}
}

func TestRepairFailsWhenPortNeverOpens(t *testing.T) {
	st := &fakeWFStore{host: newHost(relay.HostStatusNew), inst: existingInstance()}
	exec := &scriptedExec{}
	exec.on(detectOSMatch, ok("ubuntu"))
	exec.on("command -v docker", cmdFail(""))
	exec.on("sha256sum", ok("MISSING"))
	exec.on("docker inspect", cmdFail(""))
	exec.on("ss -lntp", cmdFail(""))

	_, err := newRunner(st, exec).Repair(context.Background(), &fakeJobCtx{}, "srv-1")
	if !relay.IsKind(err, relay.ErrRepairFailed) {
		t.Fatalf("error kind = %v, want REPAIR_FAILED", relay.KindOf(err))
	}
	ae, _ := relay.AsAppError(err)
	if ae.Message != "XRAY port is not listening after repair" {
		t.Errorf("message = %q", ae.Message)
	}
	if st.host.Status != relay.HostStatusError {
		t.Errorf("host status = %s, want ERROR", st.host.Status)
	}
}

func TestRepairNoActionsRequired(t *testing.T) {
	st := &fakeWFStore{
		host:  newHost(relay.HostStatusReady),
		inst:  existingInstance(),
		users: []*relay.User{{UUID: "aaaa-1111", Enabled: true}},
	}

	// Compute the expected hashes the way repair does, then report
	// them from the fake host.
	runner := newRunner(st, &scriptedExec{})
	host, _ := st.GetHost(context.Background(), "srv-1")
	compose, config, err := runner.renderExpected(context.Background(), host, st.inst)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	exec := &scriptedExec{}
	exec.on(detectOSMatch, ok("ubuntu"))
	exec.on("docker-compose.yml ]", ok(hashLine(compose, "/opt/xray-cp/docker-compose.yml")))
	exec.on("config.json ]", ok(hashLine(config, "/opt/xray-cp/config.json")))
	exec.on("docker inspect", ok("running"))
	exec.on("ss -lntp", ok("LISTEN 0 4096 0.0.0.0:443"))
	exec.on("command -v nc", ok("YES"))

	res, err := newRunner(st, exec).Repair(context.Background(), &fakeJobCtx{}, "srv-1")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	want := []string{"No repair actions required"}
	if !reflect.DeepEqual(res.Actions, want) {
		t.Errorf("actions = %v, want %v", res.Actions, want)
	}

	// A converged host sees no docker compose mutations.
	for _, c := range exec.commands {
		if strings.Contains(c, "up -d") || strings.Contains(c, "restart xray") {
			t.Errorf("unexpected mutation on converged host: %q", c)
		}
	}
}

func TestParseKeypair(t *testing.T) {
	priv, pub, err := parseKeypair("Private key: abc123\nPublic key: def456\n", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if priv != "abc123" || pub != "def456" {
		t.Errorf("got %q/%q", priv, pub)
	}

	// Some builds print to stderr.
	priv, pub, err = parseKeypair("", "Private key: x\nPublic key: y")
	if err != nil || priv != "x" || pub != "y" {
		t.Errorf("stderr parse failed: %q/%q err=%v", priv, pub, err)
	}

	if _, _, err := parseKeypair("garbage", ""); !relay.IsKind(err, relay.ErrCommandFailed) {
		t.Errorf("unparsable output must be COMMAND_FAILED, got %v", err)
	}
}

func TestGenerateShortIDs(t *testing.T) {
	ids, err := generateShortIDs(4)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("got %d ids, want 4", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if len(id) < 8 || len(id) > 16 {
			t.Errorf("id %q length %d out of [8,16]", id, len(id))
		}
		if !isHex(id) {
			t.Errorf("id %q not hex", id)
		}
		if seen[id] {
			t.Errorf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestParseRemoteHash(t *testing.T) {
	h := strings.Repeat("a1", 32)
	tests := []struct {
		in   string
		want string
	}{
		{h + "  /opt/xray-cp/config.json", h},
		{"SHA256(/opt/xray-cp/config.json)= " + strings.ToUpper(h), h},
		{"MISSING", ""},
		{"UNAVAILABLE", ""},
		{"", ""},
		{"not a hash", ""},
	}
	for _, tt := range tests {
		if got := parseRemoteHash(tt.in); got != tt.want {
			t.Errorf("parseRemoteHash(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func hashLine(payload []byte, path string) string {
	return render.Hash(payload) + "  " + path
}
