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

// Package store provides the SQLite-backed persistence layer for the
// control plane: hosts, SSH secrets, users, derived XRAY instances,
// jobs, and job log lines, including schema migrations and the
// queued-job acquisition used by the worker.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"xraycp/pkg/relay"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
  id            TEXT PRIMARY KEY,
  host          TEXT NOT NULL,
  ssh_user      TEXT NOT NULL,
  ssh_secret_id TEXT NOT NULL,
  status        TEXT NOT NULL CHECK (status IN ('NEW','INSTALLING','READY','ERROR')),
  last_error    TEXT NULL,
  created_at    TIMESTAMP NOT NULL,
  updated_at    TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS secrets (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL CHECK (kind IN ('password','private_key')),
  ciphertext TEXT NOT NULL,
  created_at TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS users (
  id         TEXT PRIMARY KEY,
  server_id  TEXT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
  uuid       TEXT NOT NULL,
  enabled    INTEGER NOT NULL DEFAULT 1,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_users_server ON users(server_id);`,
		`CREATE TABLE IF NOT EXISTS xray_instances (
  id                  TEXT PRIMARY KEY,
  server_id           TEXT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
  listen_port         INTEGER NOT NULL,
  reality_private_key TEXT NOT NULL,
  reality_public_key  TEXT NOT NULL,
  server_name         TEXT NOT NULL,
  dest                TEXT NOT NULL,
  fingerprint         TEXT NOT NULL,
  short_ids           TEXT NOT NULL,
  created_at          TIMESTAMP NOT NULL,
  updated_at          TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_xray_instances_server ON xray_instances(server_id);`,
		`CREATE TABLE IF NOT EXISTS jobs (
  id          TEXT PRIMARY KEY,
  server_id   TEXT NOT NULL REFERENCES hosts(id) ON DELETE RESTRICT,
  type        TEXT NOT NULL CHECK (type IN ('install','repair')),
  status      TEXT NOT NULL CHECK (status IN ('queued','active','completed','failed')),
  progress    INTEGER NOT NULL DEFAULT 0,
  result_json TEXT NULL,
  error       TEXT NULL,
  lock_token  TEXT NOT NULL,
  created_at  TIMESTAMP NOT NULL,
  updated_at  TIMESTAMP NOT NULL,
  picked_at   TIMESTAMP NULL,
  worker_id   TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_server ON jobs(server_id);`,
		`CREATE TABLE IF NOT EXISTS job_logs (
  id      INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id  TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  time    TIMESTAMP NOT NULL,
  level   TEXT NOT NULL CHECK (level IN ('INFO','WARN','ERROR')),
  message TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job_time ON job_logs(job_id, time);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Hosts ---------------

// CreateHost inserts a new host row.
func (s *Store) CreateHost(ctx context.Context, h *relay.Host) error {
	const ins = `
INSERT INTO hosts(id, host, ssh_user, ssh_secret_id, status, last_error, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);`
	now := time.Now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	var lastErr any
	if h.LastError != nil {
		lastErr = *h.LastError
	}
	_, err := s.db.ExecContext(ctx, ins,
		h.ID, h.Host, h.SSHUser, h.SSHSecretID, h.Status.String(), lastErr, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert host: %w", err)
	}
	return nil
}

// GetHost retrieves a host by id or returns ErrNotFound.
func (s *Store) GetHost(ctx context.Context, id string) (*relay.Host, error) {
	const q = `SELECT id, host, ssh_user, ssh_secret_id, status, last_error, created_at, updated_at FROM hosts WHERE id=?`
	var row struct {
		id, host, user, secretID, status string
		lastError                        sql.NullString
		createdAt, updatedAt             time.Time
	}
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&row.id, &row.host, &row.user, &row.secretID, &row.status, &row.lastError, &row.createdAt, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	return &relay.Host{
		ID:          row.id,
		Host:        row.host,
		SSHUser:     row.user,
		SSHSecretID: row.secretID,
		Status:      relay.HostStatus(row.status),
		LastError:   fromNullStringPtr(row.lastError),
		CreatedAt:   row.createdAt.UTC(),
		UpdatedAt:   row.updatedAt.UTC(),
	}, nil
}

// SetHostStatus transitions a host's status, replacing last_error.
// Passing a nil lastError clears the column.
func (s *Store) SetHostStatus(ctx context.Context, id string, status relay.HostStatus, lastError *string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid host status: %s", status)
	}
	const upd = `UPDATE hosts SET status=?, last_error=?, updated_at=? WHERE id=?`
	var le any
	if lastError != nil {
		le = *lastError
	}
	res, err := s.db.ExecContext(ctx, upd, status.String(), le, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set host status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListHostsByStatus returns hosts in the given status ordered by id.
func (s *Store) ListHostsByStatus(ctx context.Context, status relay.HostStatus) ([]*relay.Host, error) {
	const q = `SELECT id, host, ssh_user, ssh_secret_id, status, last_error, created_at, updated_at FROM hosts WHERE status=? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, status.String())
	if err != nil {
		return nil, fmt.Errorf("list hosts by status: %w", err)
	}
	defer rows.Close()

	var out []*relay.Host
	for rows.Next() {
		var row struct {
			id, host, user, secretID, st string
			lastError                    sql.NullString
			createdAt, updatedAt         time.Time
		}
		if err := rows.Scan(&row.id, &row.host, &row.user, &row.secretID, &row.st, &row.lastError, &row.createdAt, &row.updatedAt); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		out = append(out, &relay.Host{
			ID:          row.id,
			Host:        row.host,
			SSHUser:     row.user,
			SSHSecretID: row.secretID,
			Status:      relay.HostStatus(row.st),
			LastError:   fromNullStringPtr(row.lastError),
			CreatedAt:   row.createdAt.UTC(),
			UpdatedAt:   row.updatedAt.UTC(),
		})
	}
	return out, rows.Err()
}

// --------------- Secrets ---------------

// CreateSecret inserts a new secret row. Ciphertext is stored as given;
// encryption is the caller's responsibility (pkg/crypto.Encryptor).
func (s *Store) CreateSecret(ctx context.Context, sec *relay.Secret) error {
	const ins = `INSERT INTO secrets(id, kind, ciphertext, created_at) VALUES(?, ?, ?, ?);`
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, ins, sec.ID, string(sec.Kind), sec.Ciphertext, sec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

// GetSecret retrieves a secret by id or returns ErrNotFound.
func (s *Store) GetSecret(ctx context.Context, id string) (*relay.Secret, error) {
	const q = `SELECT id, kind, ciphertext, created_at FROM secrets WHERE id=?`
	var row struct {
		id, kind, ciphertext string
		createdAt            time.Time
	}
	err := s.db.QueryRowContext(ctx, q, id).Scan(&row.id, &row.kind, &row.ciphertext, &row.createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return &relay.Secret{
		ID:         row.id,
		Kind:       relay.SecretKind(row.kind),
		Ciphertext: row.ciphertext,
		CreatedAt:  row.createdAt.UTC(),
	}, nil
}

// --------------- Users ---------------

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, u *relay.User) error {
	const ins = `INSERT INTO users(id, server_id, uuid, enabled, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?);`
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, ins, u.ID, u.ServerID, u.UUID, boolToInt(u.Enabled), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// SetUserEnabled flips a user's enabled flag.
func (s *Store) SetUserEnabled(ctx context.Context, id string, enabled bool) error {
	const upd = `UPDATE users SET enabled=?, updated_at=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, boolToInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set user enabled: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEnabledUsers returns the enabled users for a host sorted by uuid
// ascending. The sort order is load-bearing: it keeps the rendered
// config bytes, and therefore the expected hash, stable.
func (s *Store) ListEnabledUsers(ctx context.Context, serverID string) ([]*relay.User, error) {
	const q = `SELECT id, server_id, uuid, enabled, created_at, updated_at FROM users WHERE server_id=? AND enabled=1 ORDER BY uuid ASC`
	rows, err := s.db.QueryContext(ctx, q, serverID)
	if err != nil {
		return nil, fmt.Errorf("list enabled users: %w", err)
	}
	defer rows.Close()

	var out []*relay.User
	for rows.Next() {
		var row struct {
			id, serverID, uuid   string
			enabled              int
			createdAt, updatedAt time.Time
		}
		if err := rows.Scan(&row.id, &row.serverID, &row.uuid, &row.enabled, &row.createdAt, &row.updatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, &relay.User{
			ID:        row.id,
			ServerID:  row.serverID,
			UUID:      row.uuid,
			Enabled:   row.enabled != 0,
			CreatedAt: row.createdAt.UTC(),
			UpdatedAt: row.updatedAt.UTC(),
		})
	}
	return out, rows.Err()
}

// --------------- XRAY instances ---------------

// LatestInstanceByServer returns the most recent XRAY instance for a
// host, ordered by updated_at desc then created_at desc, or ErrNotFound.
func (s *Store) LatestInstanceByServer(ctx context.Context, serverID string) (*relay.XRAYInstance, error) {
	const q = `SELECT id, server_id, listen_port, reality_private_key, reality_public_key, server_name, dest, fingerprint, short_ids, created_at, updated_at
FROM xray_instances WHERE server_id=? ORDER BY updated_at DESC, created_at DESC LIMIT 1`
	return s.scanInstanceRow(s.db.QueryRowContext(ctx, q, serverID))
}

// UpsertInstance persists the derived runtime descriptor: if the host
// already has an instance the latest row is updated in place (the id
// and created_at are preserved), otherwise a new row is inserted.
func (s *Store) UpsertInstance(ctx context.Context, inst *relay.XRAYInstance) error {
	shortIDs, err := json.Marshal(inst.ShortIDs)
	if err != nil {
		return fmt.Errorf("marshal short ids: %w", err)
	}
	now := time.Now().UTC()

	existing, err := s.LatestInstanceByServer(ctx, inst.ServerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if existing != nil {
		const upd = `UPDATE xray_instances
SET listen_port=?, reality_private_key=?, reality_public_key=?, server_name=?, dest=?, fingerprint=?, short_ids=?, updated_at=?
WHERE id=?`
		_, err := s.db.ExecContext(ctx, upd,
			inst.ListenPort, inst.RealityPrivateKey, inst.RealityPublicKey,
			inst.ServerName, inst.Dest, inst.Fingerprint, string(shortIDs), now, existing.ID)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		inst.ID = existing.ID
		inst.CreatedAt = existing.CreatedAt
		inst.UpdatedAt = now
		return nil
	}

	const ins = `INSERT INTO xray_instances(id, server_id, listen_port, reality_private_key, reality_public_key, server_name, dest, fingerprint, short_ids, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, ins,
		inst.ID, inst.ServerID, inst.ListenPort, inst.RealityPrivateKey, inst.RealityPublicKey,
		inst.ServerName, inst.Dest, inst.Fingerprint, string(shortIDs), inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (s *Store) scanInstanceRow(r *sql.Row) (*relay.XRAYInstance, error) {
	var row struct {
		id, serverID, priv, pub, serverName, dest, fingerprint, shortIDs string
		listenPort                                                       int
		createdAt, updatedAt                                             time.Time
	}
	err := r.Scan(&row.id, &row.serverID, &row.listenPort, &row.priv, &row.pub,
		&row.serverName, &row.dest, &row.fingerprint, &row.shortIDs, &row.createdAt, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	var shortIDs []string
	if err := json.Unmarshal([]byte(row.shortIDs), &shortIDs); err != nil {
		return nil, fmt.Errorf("unmarshal short ids: %w", err)
	}
	return &relay.XRAYInstance{
		ID:                row.id,
		ServerID:          row.serverID,
		ListenPort:        row.listenPort,
		RealityPrivateKey: row.priv,
		RealityPublicKey:  row.pub,
		ServerName:        row.serverName,
		Dest:              row.dest,
		Fingerprint:       row.fingerprint,
		ShortIDs:          shortIDs,
		CreatedAt:         row.createdAt.UTC(),
		UpdatedAt:         row.updatedAt.UTC(),
	}, nil
}

// --------------- Jobs ---------------

// InsertJob inserts a new queued job. The caller must set Job.ID; the
// lock token always equals the job id.
func (s *Store) InsertJob(ctx context.Context, job *relay.Job) error {
	const ins = `
INSERT INTO jobs (id, server_id, type, status, progress, result_json, error, lock_token, created_at, updated_at, picked_at, worker_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	var result, jobErr, pickedAt, workerID any
	if len(job.Result) > 0 {
		result = string(job.Result)
	}
	if job.Error != nil {
		jobErr = *job.Error
	}
	if job.PickedAt != nil {
		pickedAt = job.PickedAt.UTC()
	}
	if job.WorkerID != nil {
		workerID = *job.WorkerID
	}

	_, err := s.db.ExecContext(ctx, ins,
		job.ID, job.ServerID, job.Type.String(), job.Status.String(), job.Progress,
		result, jobErr, job.LockToken, job.CreatedAt.UTC(), job.UpdatedAt.UTC(), pickedAt, workerID)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJobByID retrieves a job by id or returns ErrNotFound.
func (s *Store) GetJobByID(ctx context.Context, id string) (*relay.Job, error) {
	const q = `SELECT id, server_id, type, status, progress, result_json, error, lock_token, created_at, updated_at, picked_at, worker_id
FROM jobs WHERE id=?`
	return s.scanJobRow(s.db.QueryRowContext(ctx, q, id))
}

// AcquireQueuedJob atomically transitions the oldest queued job to
// active and assigns the worker. Returns ErrNotFound when the queue is
// empty.
func (s *Store) AcquireQueuedJob(ctx context.Context, workerID string) (*relay.Job, error) {
	now := time.Now().UTC()

	var acquired *relay.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs WHERE status='queued' ORDER BY created_at ASC LIMIT 1`
		var id string
		err := tx.QueryRowContext(ctx, sel).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select queued job: %w", err)
		}

		const upd = `UPDATE jobs SET status='active', worker_id=?, picked_at=?, updated_at=? WHERE id=? AND status='queued'`
		res, err := tx.ExecContext(ctx, upd, workerID, now, now, id)
		if err != nil {
			return fmt.Errorf("acquire queued job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		const q = `SELECT id, server_id, type, status, progress, result_json, error, lock_token, created_at, updated_at, picked_at, worker_id
FROM jobs WHERE id=?`
		j, err := s.scanJobRow(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		acquired = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// SetJobProgress updates the progress column (already clamped by the
// job context).
func (s *Store) SetJobProgress(ctx context.Context, id string, progress int) error {
	const upd = `UPDATE jobs SET progress=?, updated_at=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, progress, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	return nil
}

// CompleteJob marks a job completed and stores its result payload.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	const upd = `UPDATE jobs SET status='completed', result_json=?, error=NULL, updated_at=? WHERE id=?`
	var res any
	if len(result) > 0 {
		res = string(result)
	}
	_, err := s.db.ExecContext(ctx, upd, res, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob marks a job failed with a terminal error message.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	const upd = `UPDATE jobs SET status='failed', error=?, updated_at=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// ListJobsByStatus returns jobs matching the status ordered by creation time.
func (s *Store) ListJobsByStatus(ctx context.Context, status relay.JobStatus) ([]*relay.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	const q = `SELECT id, server_id, type, status, progress, result_json, error, lock_token, created_at, updated_at, picked_at, worker_id
FROM jobs WHERE status=? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, status.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*relay.Job
	for rows.Next() {
		j, err := scanJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PruneJobs applies the retention policy: terminal jobs older than the
// given TTL are removed, always keeping the most recent keep rows per
// terminal status.
func (s *Store) PruneJobs(ctx context.Context, completedTTL, failedTTL time.Duration, keep int) error {
	now := time.Now().UTC()
	const del = `DELETE FROM jobs WHERE status=? AND updated_at < ? AND id NOT IN (
  SELECT id FROM jobs WHERE status=? ORDER BY updated_at DESC LIMIT ?)`

	if _, err := s.db.ExecContext(ctx, del, "completed", now.Add(-completedTTL), "completed", keep); err != nil {
		return fmt.Errorf("prune completed jobs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, del, "failed", now.Add(-failedTTL), "failed", keep); err != nil {
		return fmt.Errorf("prune failed jobs: %w", err)
	}
	return nil
}

func (s *Store) scanJobRow(r *sql.Row) (*relay.Job, error) {
	var row struct {
		id, serverID, typ, status, lockToken string
		progress                             int
		result, errMsg                       sql.NullString
		createdAt, updatedAt                 time.Time
		pickedAt                             sql.NullTime
		workerID                             sql.NullString
	}
	err := r.Scan(&row.id, &row.serverID, &row.typ, &row.status, &row.progress,
		&row.result, &row.errMsg, &row.lockToken, &row.createdAt, &row.updatedAt, &row.pickedAt, &row.workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return jobFromRow(row.id, row.serverID, row.typ, row.status, row.lockToken, row.progress,
		row.result, row.errMsg, row.createdAt, row.updatedAt, row.pickedAt, row.workerID), nil
}

func scanJobFromRows(rows *sql.Rows) (*relay.Job, error) {
	var row struct {
		id, serverID, typ, status, lockToken string
		progress                             int
		result, errMsg                       sql.NullString
		createdAt, updatedAt                 time.Time
		pickedAt                             sql.NullTime
		workerID                             sql.NullString
	}
	if err := rows.Scan(&row.id, &row.serverID, &row.typ, &row.status, &row.progress,
		&row.result, &row.errMsg, &row.lockToken, &row.createdAt, &row.updatedAt, &row.pickedAt, &row.workerID); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return jobFromRow(row.id, row.serverID, row.typ, row.status, row.lockToken, row.progress,
		row.result, row.errMsg, row.createdAt, row.updatedAt, row.pickedAt, row.workerID), nil
}

func jobFromRow(id, serverID, typ, status, lockToken string, progress int,
	result, errMsg sql.NullString, createdAt, updatedAt time.Time,
	pickedAt sql.NullTime, workerID sql.NullString) *relay.Job {
	j := &relay.Job{
		ID:        id,
		ServerID:  serverID,
		Type:      relay.JobType(typ),
		Status:    relay.JobStatus(status),
		Progress:  progress,
		Error:     fromNullStringPtr(errMsg),
		LockToken: lockToken,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
		PickedAt:  fromNullTimePtr(pickedAt),
		WorkerID:  fromNullStringPtr(workerID),
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		j.Result = json.RawMessage(result.String)
	}
	return j
}

// --------------- Job logs ---------------

// AppendJobLog inserts a new log line for a job.
func (s *Store) AppendJobLog(ctx context.Context, line relay.JobLogLine) error {
	const ins = `INSERT INTO job_logs(job_id, time, level, message) VALUES(?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins, line.JobID, line.Time.UTC(), line.Level.String(), line.Message)
	if err != nil {
		return fmt.Errorf("insert job log: %w", err)
	}
	return nil
}

// TailJobLogs returns the most recent tail lines for a job in ascending
// time order. tail must be positive.
func (s *Store) TailJobLogs(ctx context.Context, jobID string, tail int) ([]relay.JobLogLine, error) {
	if tail <= 0 {
		return nil, fmt.Errorf("invalid tail: %d", tail)
	}
	const q = `SELECT id, job_id, time, level, message FROM job_logs WHERE job_id=? ORDER BY time DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, jobID, tail)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()

	var out []relay.JobLogLine
	for rows.Next() {
		var (
			id       int64
			rowJobID string
			t        time.Time
			level    string
			msg      string
		)
		if err := rows.Scan(&id, &rowJobID, &t, &level, &msg); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		out = append(out, relay.JobLogLine{
			ID:      id,
			JobID:   rowJobID,
			Time:    t.UTC(),
			Level:   relay.LogLevel(level),
			Message: msg,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job logs: %w", err)
	}

	// Reverse into ascending time order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
