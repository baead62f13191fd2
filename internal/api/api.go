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

// Package api exposes the control plane over HTTP: enqueue install and
// repair, job status, job logs, cancellation, install-log tails, and
// share-token minting. It is a thin layer; all semantics live below.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"xraycp/internal/installlog"
	"xraycp/internal/jobs"
	"xraycp/internal/metrics"
	"xraycp/pkg/crypto"
	"xraycp/pkg/relay"
)

// JobService is the job registry surface the handler needs.
type JobService interface {
	EnqueueInstall(ctx context.Context, serverID string) (*relay.Job, error)
	EnqueueRepair(ctx context.Context, serverID string) (*relay.Job, error)
	GetJob(ctx context.Context, jobID string) (*relay.Job, error)
	GetLogs(ctx context.Context, jobID string, tail int) ([]relay.JobLogLine, error)
	Cancel(ctx context.Context, jobID string) (*jobs.CancelResponse, error)
}

// HostReader is the store surface the handler needs.
type HostReader interface {
	GetHost(ctx context.Context, id string) (*relay.Host, error)
}

// Handler implements the HTTP API endpoints.
type Handler struct {
	jobs      JobService
	hosts     HostReader
	ilog      *installlog.Sink
	tokenSalt string
}

// New creates the API handler and wires all routes onto a mux.
func New(jobSvc JobService, hosts HostReader, ilog *installlog.Sink, tokenSalt string) http.Handler {
	h := &Handler{jobs: jobSvc, hosts: hosts, ilog: ilog, tokenSalt: tokenSalt}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/", h.handleAPI)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// handleAPI routes everything under /api/v1 by path segments.
func (h *Handler) handleAPI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	segments := strings.Split(strings.Trim(path, "/"), "/")

	slog.Debug("Handling API request", "method", r.Method, "path", r.URL.Path)

	switch {
	case len(segments) >= 2 && segments[0] == "servers":
		h.handleServers(w, r, segments[1:])
	case len(segments) >= 2 && segments[0] == "jobs":
		h.handleJobs(w, r, segments[1:])
	default:
		writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "Unknown resource")
	}
}

// handleServers covers /servers/{id}/install|repair|install-log|share-token.
func (h *Handler) handleServers(w http.ResponseWriter, r *http.Request, segments []string) {
	serverID := segments[0]
	if len(segments) != 2 || serverID == "" {
		writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "Unknown resource")
		return
	}

	switch segments[1] {
	case "install", "repair":
		if r.Method != http.MethodPost {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		h.handleEnqueue(w, r, serverID, segments[1])
	case "install-log":
		if r.Method != http.MethodGet {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		h.handleInstallLog(w, r, serverID)
	case "share-token":
		if r.Method != http.MethodPost {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		h.handleShareToken(w, r, serverID)
	default:
		writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "Unknown resource")
	}
}

// handleJobs covers /jobs/{id}, /jobs/{id}/logs and /jobs/{id}/cancel.
func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request, segments []string) {
	jobID := segments[0]
	if jobID == "" {
		writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "Unknown resource")
		return
	}

	switch {
	case len(segments) == 1:
		if r.Method != http.MethodGet {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		h.handleGetJob(w, r, jobID)
	case len(segments) == 2 && segments[1] == "logs":
		if r.Method != http.MethodGet {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		h.handleJobLogs(w, r, jobID)
	case len(segments) == 2 && segments[1] == "cancel":
		if r.Method != http.MethodPost {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		h.handleCancel(w, r, jobID)
	default:
		writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "Unknown resource")
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request, serverID, kind string) {
	var (
		job *relay.Job
		err error
	)
	if kind == "install" {
		job, err = h.jobs.EnqueueInstall(r.Context(), serverID)
	} else {
		job, err = h.jobs.EnqueueRepair(r.Context(), serverID)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]any{
		"jobId":    job.ID,
		"serverId": job.ServerID,
		"type":     job.Type,
		"status":   job.Status.Public(),
	})
}

// jobResponse is the wire shape of a job.
type jobResponse struct {
	JobID     string  `json:"jobId"`
	ServerID  string  `json:"serverId"`
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Result    any     `json:"result,omitempty"`
	Error     *string `json:"error,omitempty"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
}

func toJobResponse(job *relay.Job) jobResponse {
	resp := jobResponse{
		JobID:     job.ID,
		ServerID:  job.ServerID,
		Type:      job.Type.String(),
		Status:    job.Status.Public(),
		Progress:  job.Progress,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: job.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if len(job.Result) > 0 {
		resp.Result = job.Result
	}
	return resp
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) handleJobLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	tail := parseTail(r)
	lines, err := h.jobs.GetLogs(r.Context(), jobID, tail)
	if err != nil {
		writeAppError(w, err)
		return
	}

	type logLine struct {
		Time    string `json:"time"`
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	out := make([]logLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, logLine{
			Time:    l.Time.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Level:   l.Level.String(),
			Message: l.Message,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"jobId": jobID, "lines": out})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	resp, err := h.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"jobId":           resp.JobID,
		"status":          resp.Status,
		"cancelRequested": resp.CancelRequested,
	})
}

// handleInstallLog tails the per-host install log. Lines come back
// redacted; the sink never returns raw key material.
func (h *Handler) handleInstallLog(w http.ResponseWriter, r *http.Request, serverID string) {
	if _, err := h.hosts.GetHost(r.Context(), serverID); err != nil {
		writeErrorResponse(w, http.StatusNotFound, string(relay.ErrServerNotFound), "server "+serverID+" not found")
		return
	}
	if h.ilog == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"serverId": serverID, "lines": []string{}})
		return
	}

	lines, err := h.ilog.Tail(serverID, parseTail(r))
	if err != nil {
		slog.Error("Failed to tail install log", "server", serverID, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL", "Failed to read install log")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"serverId": serverID, "lines": lines})
}

// handleShareToken mints a one-time token for a READY host. Only the
// salted hash is returned alongside the token; the caller persists the
// hash, the token itself is never stored.
func (h *Handler) handleShareToken(w http.ResponseWriter, r *http.Request, serverID string) {
	host, err := h.hosts.GetHost(r.Context(), serverID)
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, string(relay.ErrServerNotFound), "server "+serverID+" not found")
		return
	}
	if host.Status != relay.HostStatusReady {
		writeErrorResponse(w, http.StatusConflict, "SERVER_NOT_READY",
			"share tokens can only be minted for READY servers")
		return
	}

	token, err := crypto.NewShareToken()
	if err != nil {
		slog.Error("Failed to mint share token", "server", serverID, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL", "Failed to mint token")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"serverId":  serverID,
		"token":     token,
		"tokenHash": crypto.HashShareToken(token, h.tokenSalt),
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseTail(r *http.Request) int {
	raw := r.URL.Query().Get("tail")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
