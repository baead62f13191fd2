package main

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

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"xraycp/internal/config"
	"xraycp/internal/hostlock"
	"xraycp/internal/installlog"
	"xraycp/internal/jobs"
	"xraycp/internal/logging"
	"xraycp/internal/metrics"
	"xraycp/internal/sshexec"
	"xraycp/internal/store"
	"xraycp/internal/workflow"
	"xraycp/internal/xrayusers"
	"xraycp/pkg/crypto"
)

func main() {
	cfg := config.Parse()

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	cfg.Log("xraycp-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	locker := hostlock.New(rdb)

	sink, err := installlog.NewSink(cfg.InstallLogDir)
	if err != nil {
		slog.Error("Failed to create install log sink", "error", err)
		os.Exit(1)
	}

	var exec sshexec.Executor
	if cfg.DryRun {
		slog.Warn("Dry run enabled: no SSH connections will be made")
		exec = sshexec.NewDryRunExecutor(log.Default())
	} else {
		if cfg.MasterKey == "" {
			slog.Error("MASTER_KEY is required outside dry-run mode")
			os.Exit(1)
		}
		enc, err := crypto.NewEncryptor(cfg.MasterKey)
		if err != nil {
			slog.Error("Failed to build secret encryptor", "error", err)
			os.Exit(1)
		}
		exec = sshexec.NewSSHExecutor(st, enc, log.Default()).
			WithTimeouts(cfg.ConnectTimeout, cfg.CommandTimeout)
	}

	runner := workflow.NewRunner(st, exec, sink, log.Default(), workflow.StandardDefaults())
	clients := xrayusers.NewClientStore(xrayusers.Mode(cfg.StoreMode), st, exec, log.Default())
	processor := jobs.NewProcessor(st, runner, cfg.DryRun).WithClientStore(clients)

	worker := jobs.NewWorker(st, locker, processor, workerID(), log.Default()).
		WithIntervals(cfg.PollInterval, 0)

	// Worker metrics and liveness on a separate listener.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:        cfg.MetricsAddr,
		Handler:     metricsMux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting worker metrics listener", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics listener failed", "error", err)
		}
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Worker stopped", "error", err)
	}

	slog.Info("Shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics listener forced to shutdown", "error", err)
	}
	slog.Info("Worker exited")
}

// workerID names this worker in the jobs table: hostname plus a random
// suffix so two workers on one machine stay distinguishable.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return host
	}
	return host + "-" + hex.EncodeToString(buf)
}
