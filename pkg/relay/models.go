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

// Package relay contains the shared data models used by the API layer,
// the worker, and the persistence store: hosts, secrets, users, derived
// XRAY instances, jobs, and job log lines.
package relay

import (
	"encoding/json"
	"time"
)

// HostStatus is the lifecycle state of a managed host.
// Transitions are driven only by the install/repair workflows:
// NEW → INSTALLING → {READY|ERROR}.
type HostStatus string

const (
	HostStatusNew        HostStatus = "NEW"
	HostStatusInstalling HostStatus = "INSTALLING"
	HostStatusReady      HostStatus = "READY"
	HostStatusError      HostStatus = "ERROR"
)

// Valid reports whether the status is one of the allowed states.
func (s HostStatus) Valid() bool {
	switch s {
	case HostStatusNew, HostStatusInstalling, HostStatusReady, HostStatusError:
		return true
	default:
		return false
	}
}

// String returns the string value of the HostStatus.
func (s HostStatus) String() string { return string(s) }

// JobType selects which workflow a job runs.
type JobType string

const (
	JobTypeInstall JobType = "install"
	JobTypeRepair  JobType = "repair"
)

// Valid reports whether the job type is known.
func (t JobType) Valid() bool {
	return t == JobTypeInstall || t == JobTypeRepair
}

// String returns the string value of the JobType.
func (t JobType) String() string { return string(t) }

// JobStatus is the lifecycle state of a queued job:
// queued → active → {completed|failed}.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusActive, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is completed or failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// Public returns the API-facing spelling of the status
// (QUEUED, ACTIVE, COMPLETED, FAILED).
func (s JobStatus) Public() string {
	switch s {
	case JobStatusQueued:
		return "QUEUED"
	case JobStatusActive:
		return "ACTIVE"
	case JobStatusCompleted:
		return "COMPLETED"
	case JobStatusFailed:
		return "FAILED"
	default:
		return string(s)
	}
}

// LogLevel is the severity of a job log line.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// String returns the string value of the LogLevel.
func (l LogLevel) String() string { return string(l) }

// SecretKind tags the plaintext payload of a secret.
type SecretKind string

const (
	SecretKindPassword   SecretKind = "password"
	SecretKindPrivateKey SecretKind = "private_key"
)

// Host is a remote Linux machine onto which XRAY is installed.
type Host struct {
	ID          string     `json:"id" db:"id"`
	Host        string     `json:"host" db:"host"`
	SSHUser     string     `json:"ssh_user" db:"ssh_user"`
	SSHSecretID string     `json:"ssh_secret_id" db:"ssh_secret_id"`
	Status      HostStatus `json:"status" db:"status"`
	LastError   *string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Secret is an opaque ciphertext addressed by id. The plaintext is only
// materialized by the SSH executor at connect time and must never be
// logged or persisted in the clear.
type Secret struct {
	ID         string     `json:"id" db:"id"`
	Kind       SecretKind `json:"kind" db:"kind"`
	Ciphertext string     `json:"-" db:"ciphertext"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// XRAYInstance is the derived runtime descriptor owned 1:1 by a host.
// Once created, the REALITY key pair and the short ids are preserved
// across all subsequent install/repair passes; this is what makes
// install idempotent.
type XRAYInstance struct {
	ID                string    `json:"id" db:"id"`
	ServerID          string    `json:"server_id" db:"server_id"`
	ListenPort        int       `json:"listen_port" db:"listen_port"`
	RealityPrivateKey string    `json:"-" db:"reality_private_key"`
	RealityPublicKey  string    `json:"reality_public_key" db:"reality_public_key"`
	ServerName        string    `json:"server_name" db:"server_name"`
	Dest              string    `json:"dest" db:"dest"`
	Fingerprint       string    `json:"fingerprint" db:"fingerprint"`
	ShortIDs          []string  `json:"short_ids" db:"short_ids"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// User is a VLESS client on a host. Enabled users are projected into the
// rendered config; disabled users disappear after the next convergence.
type User struct {
	ID        string    `json:"id" db:"id"`
	ServerID  string    `json:"server_id" db:"server_id"`
	UUID      string    `json:"uuid" db:"uuid"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Job represents a single install or repair request and its lifecycle.
// LockToken equals the job id; it is the value held by the host lock for
// the duration of the workflow.
type Job struct {
	ID        string          `json:"job_id" db:"id"`
	ServerID  string          `json:"server_id" db:"server_id"`
	Type      JobType         `json:"type" db:"type"`
	Status    JobStatus       `json:"status" db:"status"`
	Progress  int             `json:"progress" db:"progress"`
	Result    json.RawMessage `json:"result,omitempty" db:"result_json"`
	Error     *string         `json:"error,omitempty" db:"error"`
	LockToken string          `json:"-" db:"lock_token"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
	PickedAt  *time.Time      `json:"picked_at,omitempty" db:"picked_at"`
	WorkerID  *string         `json:"worker_id,omitempty" db:"worker_id"`
}

// JobLogLine is one entry of a job's ordered, append-only log stream.
type JobLogLine struct {
	ID      int64     `json:"id" db:"id"`
	JobID   string    `json:"job_id" db:"job_id"`
	Time    time.Time `json:"ts" db:"time"`
	Level   LogLevel  `json:"level" db:"level"`
	Message string    `json:"message" db:"message"`
}

// NewJob constructs a queued Job for a host. The caller assigns the id
// (a uuid) before persistence; the lock token always equals the id.
func NewJob(id string, serverID string, jobType JobType) Job {
	now := time.Now().UTC()
	return Job{
		ID:        id,
		ServerID:  serverID,
		Type:      jobType,
		Status:    JobStatusQueued,
		Progress:  0,
		LockToken: id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
