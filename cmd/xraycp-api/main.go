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
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"xraycp/internal/api"
	"xraycp/internal/config"
	"xraycp/internal/hostlock"
	"xraycp/internal/installlog"
	"xraycp/internal/jobs"
	"xraycp/internal/logging"
	"xraycp/internal/store"
)

func main() {
	cfg := config.Parse()

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	cfg.Log("xraycp-api")

	if cfg.TokenSalt == "" {
		slog.Warn("No token salt provided. Share-token hashes will use an empty salt. Use --token-salt or TOKEN_SALT environment variable.")
	}

	ctx := context.Background()

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

	jobSvc := jobs.NewService(st, locker, sink, log.Default())
	defer func() { _ = jobSvc.Close() }()

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.New(jobSvc, st, sink, cfg.TokenSalt),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Starting control plane API", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	slog.Info("Server exited")
}
