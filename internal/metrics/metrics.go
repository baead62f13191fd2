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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	sshCommands        *prometheus.CounterVec
	sshCommandDuration *prometheus.HistogramVec
	sshRetries         *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	jobsProcessed      *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveSSHCommand records a completed SSH command attempt. outcome is
// "ok" or the error kind string (AUTH_FAILED, TIMEOUT, ...).
func ObserveSSHCommand(outcome string, duration time.Duration) {
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if sshCommands != nil {
		sshCommands.WithLabelValues(labelOutcome).Inc()
	}
	if sshCommandDuration != nil {
		sshCommandDuration.WithLabelValues(labelOutcome).Observe(durationSeconds(duration))
	}
}

// IncSSHRetry increments the retry counter for a given error kind.
func IncSSHRetry(kind string) {
	labelKind := sanitizeLabel(kind, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if sshRetries != nil {
		sshRetries.WithLabelValues(labelKind).Inc()
	}
}

// ObserveWorkflowStep records the duration of an install or repair step.
func ObserveWorkflowStep(step string, duration time.Duration) {
	labelStep := sanitizeLabel(step, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if stepDuration != nil {
		stepDuration.WithLabelValues(labelStep).Observe(durationSeconds(duration))
	}
}

// ObserveJob records a finished job by type and terminal status.
func ObserveJob(jobType, status string, duration time.Duration) {
	labelType := sanitizeLabel(jobType, "unknown")
	labelStatus := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsProcessed != nil {
		jobsProcessed.WithLabelValues(labelType, labelStatus).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(labelType, labelStatus).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	cmdTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xraycp",
		Subsystem: "worker",
		Name:      "ssh_commands_total",
		Help:      "Total SSH command executions grouped by outcome.",
	}, []string{"outcome"})

	cmdDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "xraycp",
		Subsystem: "worker",
		Name:      "ssh_command_duration_seconds",
		Help:      "Duration of SSH command executions by outcome.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xraycp",
		Subsystem: "worker",
		Name:      "ssh_retries_total",
		Help:      "Total number of SSH retries by error kind.",
	}, []string{"kind"})

	stepHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "xraycp",
		Subsystem: "worker",
		Name:      "workflow_step_duration_seconds",
		Help:      "Duration of install and repair workflow steps.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"step"})

	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xraycp",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Total jobs processed grouped by type and terminal status.",
	}, []string{"type", "status"})

	jobHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "xraycp",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "End to end duration of jobs by type and terminal status.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"type", "status"})

	registry.MustRegister(cmdTotal, cmdDuration, retries, stepHist, jobsTotal, jobHist)

	reg = registry
	sshCommands = cmdTotal
	sshCommandDuration = cmdDuration
	sshRetries = retries
	stepDuration = stepHist
	jobsProcessed = jobsTotal
	jobDuration = jobHist
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
