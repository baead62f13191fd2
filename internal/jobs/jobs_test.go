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
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"xraycp/internal/hostlock"
	"xraycp/internal/metrics"
	"xraycp/internal/sshexec"
	"xraycp/internal/store"
	"xraycp/internal/workflow"
	"xraycp/pkg/relay"
)

// memStore backs both the job layer and the workflows in tests.
type memStore struct {
	mu        sync.Mutex
	hosts     map[string]*relay.Host
	instances map[string]*relay.XRAYInstance // keyed by server id
	users     map[string][]*relay.User
	jobs      []*relay.Job
	logs      []relay.JobLogLine
}

func newMemStore() *memStore {
	return &memStore{
		hosts:     make(map[string]*relay.Host),
		instances: make(map[string]*relay.XRAYInstance),
		users:     make(map[string][]*relay.User),
	}
}

func (m *memStore) GetHost(ctx context.Context, id string) (*relay.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *memStore) SetHostStatus(ctx context.Context, id string, status relay.HostStatus, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return store.ErrNotFound
	}
	h.Status = status
	h.LastError = lastError
	return nil
}

func (m *memStore) ListHostsByStatus(ctx context.Context, status relay.HostStatus) ([]*relay.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*relay.Host
	for _, h := range m.hosts {
		if h.Status == status {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListEnabledUsers(ctx context.Context, serverID string) ([]*relay.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[serverID], nil
}

func (m *memStore) LatestInstanceByServer(ctx context.Context, serverID string) (*relay.XRAYInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[serverID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *memStore) UpsertInstance(ctx context.Context, inst *relay.XRAYInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.instances[inst.ServerID] = &cp
	return nil
}

func (m *memStore) InsertJob(ctx context.Context, job *relay.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs = append(m.jobs, &cp)
	return nil
}

func (m *memStore) GetJobByID(ctx context.Context, id string) (*relay.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) AcquireQueuedJob(ctx context.Context, workerID string) (*relay.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Status == relay.JobStatusQueued {
			now := time.Now().UTC()
			j.Status = relay.JobStatusActive
			j.WorkerID = &workerID
			j.PickedAt = &now
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) SetJobProgress(ctx context.Context, id string, progress int) error {
	return m.mutateJob(id, func(j *relay.Job) { j.Progress = progress })
}

func (m *memStore) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	return m.mutateJob(id, func(j *relay.Job) {
		j.Status = relay.JobStatusCompleted
		j.Progress = 100
		j.Result = result
	})
}

func (m *memStore) FailJob(ctx context.Context, id string, errMsg string) error {
	return m.mutateJob(id, func(j *relay.Job) {
		j.Status = relay.JobStatusFailed
		j.Error = &errMsg
	})
}

func (m *memStore) mutateJob(id string, fn func(*relay.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			fn(j)
			j.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) ListJobsByStatus(ctx context.Context, status relay.JobStatus) ([]*relay.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*relay.Job
	for _, j := range m.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) PruneJobs(ctx context.Context, completedTTL, failedTTL time.Duration, keep int) error {
	return nil
}

func (m *memStore) AppendJobLog(ctx context.Context, line relay.JobLogLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	line.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, line)
	return nil
}

func (m *memStore) TailJobLogs(ctx context.Context, jobID string, tail int) ([]relay.JobLogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []relay.JobLogLine
	for _, l := range m.logs {
		if l.JobID == jobID {
			out = append(out, l)
		}
	}
	if len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out, nil
}

type harness struct {
	store  *memStore
	locker *hostlock.Locker
	svc    *Service
	worker *Worker
	exec   *sshexec.DryRunExecutor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	metrics.Reset()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := hostlock.New(rdb)

	st := newMemStore()
	exec := sshexec.NewDryRunExecutor(nil)
	runner := workflow.NewRunner(st, exec, nil, nil, workflow.StandardDefaults()).
		WithRetryDelays([]time.Duration{time.Millisecond})
	proc := NewProcessor(st, runner, true)

	return &harness{
		store:  st,
		locker: locker,
		svc:    NewService(st, locker, nil, nil),
		worker: NewWorker(st, locker, proc, "worker-test", nil),
		exec:   exec,
	}
}

func (h *harness) addHost(id string, status relay.HostStatus) {
	h.store.hosts[id] = &relay.Host{
		ID:          id,
		Host:        "198.51.100.10",
		SSHUser:     "root",
		SSHSecretID: "sec-1",
		Status:      status,
	}
}

func TestEnqueueUnknownServer(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.EnqueueInstall(context.Background(), "srv-missing")
	if !relay.IsKind(err, relay.ErrServerNotFound) {
		t.Fatalf("expected SERVER_NOT_FOUND, got %v", err)
	}
}

func TestEnqueueConflictsOnSameHost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addHost("srv-1", relay.HostStatusNew)

	if _, err := h.svc.EnqueueInstall(ctx, "srv-1"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := h.svc.EnqueueRepair(ctx, "srv-1")
	if !relay.IsKind(err, relay.ErrServerBusy) {
		t.Fatalf("expected SERVER_BUSY, got %v", err)
	}

	// A different host is not affected by the lock.
	h.addHost("srv-2", relay.HostStatusNew)
	if _, err := h.svc.EnqueueRepair(ctx, "srv-2"); err != nil {
		t.Fatalf("enqueue on other host: %v", err)
	}
}

func TestWorkerRunsInstallEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addHost("srv-1", relay.HostStatusNew)

	job, err := h.svc.EnqueueInstall(ctx, "srv-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ran, err := h.worker.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("RunOnce: ran=%v err=%v", ran, err)
	}

	got, err := h.svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != relay.JobStatusCompleted {
		t.Fatalf("job status = %s, want completed (error=%v)", got.Status, got.Error)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	if !strings.Contains(string(got.Result), `"type":"install"`) {
		t.Fatalf("result = %s", got.Result)
	}

	host, _ := h.store.GetHost(ctx, "srv-1")
	if host.Status != relay.HostStatusReady {
		t.Fatalf("host status = %s, want READY", host.Status)
	}

	logs, err := h.svc.GetLogs(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	var joined strings.Builder
	for _, l := range logs {
		joined.WriteString(l.Message)
		joined.WriteString("\n")
	}
	for _, want := range []string{
		"Job queued: type=install serverId=srv-1",
		"Job started: type=install serverId=srv-1 dryRun=true",
		"Detect OS",
		"Start xray container",
	} {
		if !strings.Contains(joined.String(), want) {
			t.Fatalf("logs missing %q:\n%s", want, joined.String())
		}
	}

	// The lock must be released so the host can be worked on again.
	owner, err := h.locker.Owner(ctx, "srv-1")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != "" {
		t.Fatalf("lock still held by %q after job end", owner)
	}
}

func TestCancelBeforeExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addHost("srv-1", relay.HostStatusNew)

	job, err := h.svc.EnqueueInstall(ctx, "srv-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp, err := h.svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !resp.CancelRequested || resp.Status != "QUEUED" {
		t.Fatalf("cancel response = %+v", resp)
	}

	if _, err := h.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := h.svc.GetJob(ctx, job.ID)
	if got.Status != relay.JobStatusCompleted {
		t.Fatalf("cancelled job status = %s, want completed", got.Status)
	}
	if !strings.Contains(string(got.Result), `"canceled":true`) {
		t.Fatalf("result = %s", got.Result)
	}
	if !strings.Contains(string(got.Result), "Cancellation requested before execution") {
		t.Fatalf("result = %s", got.Result)
	}

	// No SSH work should have happened.
	if cmds := h.exec.Commands(); len(cmds) != 0 {
		t.Fatalf("expected no commands, got %d", len(cmds))
	}
	// Host untouched.
	host, _ := h.store.GetHost(ctx, "srv-1")
	if host.Status != relay.HostStatusNew {
		t.Fatalf("host status = %s, want NEW", host.Status)
	}
	// Cancel flag must not leak into the next job.
	cancelled, err := h.locker.IsCancelled(ctx, job.ID)
	if err != nil {
		t.Fatalf("is cancelled: %v", err)
	}
	if cancelled {
		t.Fatal("cancel flag not cleared after job end")
	}
}

func TestInstallOnReadyHostConverges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addHost("srv-1", relay.HostStatusReady)
	h.store.instances["srv-1"] = &relay.XRAYInstance{
		ID:                "inst-1",
		ServerID:          "srv-1",
		ListenPort:        443,
		RealityPrivateKey: "existing-priv",
		RealityPublicKey:  "existing-pub",
		ServerName:        "www.microsoft.com",
		Dest:              "www.microsoft.com:443",
		Fingerprint:       "chrome",
		ShortIDs:          []string{"deadbeef"},
	}

	job, err := h.svc.EnqueueInstall(ctx, "srv-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := h.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := h.svc.GetJob(ctx, job.ID)
	if got.Status != relay.JobStatusCompleted {
		t.Fatalf("job status = %s (error=%v)", got.Status, got.Error)
	}
	if !strings.Contains(string(got.Result), `"alreadyInstalled":true`) {
		t.Fatalf("result = %s", got.Result)
	}

	// Convergence must not rotate key material.
	inst, _ := h.store.LatestInstanceByServer(ctx, "srv-1")
	if inst.RealityPrivateKey != "existing-priv" || inst.ID != "inst-1" {
		t.Fatalf("instance changed: %+v", inst)
	}
}

func TestGetJobAndLogsUnknownJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.GetJob(ctx, "nope"); !relay.IsKind(err, relay.ErrJobNotFound) {
		t.Fatalf("expected JOB_NOT_FOUND, got %v", err)
	}
	if _, err := h.svc.GetLogs(ctx, "nope", 50); !relay.IsKind(err, relay.ErrJobNotFound) {
		t.Fatalf("expected JOB_NOT_FOUND, got %v", err)
	}
	if _, err := h.svc.Cancel(ctx, "nope"); !relay.IsKind(err, relay.ErrJobNotFound) {
		t.Fatalf("expected JOB_NOT_FOUND, got %v", err)
	}
}

func TestRecoverStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// An active job whose lock is gone, and an INSTALLING host with no
	// lock holder: both left behind by a crashed worker.
	h.addHost("srv-1", relay.HostStatusInstalling)
	orphan := relay.NewJob("job-orphan", "srv-1", relay.JobTypeInstall)
	orphan.Status = relay.JobStatusActive
	if err := h.store.InsertJob(ctx, &orphan); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := h.worker.recoverStale(ctx); err != nil {
		t.Fatalf("recoverStale: %v", err)
	}

	job, _ := h.svc.GetJob(ctx, "job-orphan")
	if job.Status != relay.JobStatusFailed {
		t.Fatalf("orphan job status = %s, want failed", job.Status)
	}
	host, _ := h.store.GetHost(ctx, "srv-1")
	if host.Status != relay.HostStatusError {
		t.Fatalf("host status = %s, want ERROR", host.Status)
	}
	if host.LastError == nil || *host.LastError != "worker crashed mid-install" {
		t.Fatalf("lastError = %v", host.LastError)
	}
}

func TestRecoverStaleLeavesHeldLocksAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addHost("srv-1", relay.HostStatusInstalling)
	active := relay.NewJob("job-live", "srv-1", relay.JobTypeInstall)
	active.Status = relay.JobStatusActive
	if err := h.store.InsertJob(ctx, &active); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := h.locker.Acquire(ctx, "srv-1", "job-live"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := h.worker.recoverStale(ctx); err != nil {
		t.Fatalf("recoverStale: %v", err)
	}

	job, _ := h.svc.GetJob(ctx, "job-live")
	if job.Status != relay.JobStatusActive {
		t.Fatalf("live job status = %s, want active", job.Status)
	}
	host, _ := h.store.GetHost(ctx, "srv-1")
	if host.Status != relay.HostStatusInstalling {
		t.Fatalf("host status = %s, want INSTALLING", host.Status)
	}
}
