// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Extraction API service
//
// Entry point for the extraction retrieval service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Ensures the audit log and extraction tables exist
//  4. Serves GET /api/extractions behind session authentication
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailextract/internal/access"
	"github.com/bcem/mailextract/internal/api"
	"github.com/bcem/mailextract/internal/auditlog"
	"github.com/bcem/mailextract/internal/config"
	"github.com/bcem/mailextract/internal/extraction"
	"github.com/bcem/mailextract/internal/lock"
	"github.com/bcem/mailextract/internal/threads"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting extraction API service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.RequireServer(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	locker := lock.NewLocker(rdb, cfg.ClaimTTL)
	if err := locker.Ping(ctx); err != nil {
		// Retrieval does not need Redis; /health reports it.
		slog.Warn("Redis unavailable", "error", err)
	} else {
		slog.Info("connected to Redis")
	}

	// --- Stores ---
	// The audit table is created before extractions reference it.
	if _, err := auditlog.NewStore(ctx, pgPool); err != nil {
		slog.Error("failed to initialise audit log store", "error", err)
		os.Exit(1)
	}
	extractions, err := extraction.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise extraction store", "error", err)
		os.Exit(1)
	}
	threadStore := threads.NewStore(pgPool)

	gateway := access.NewGateway(extractions, threadStore)
	handler := api.NewHandler(gateway, cfg.JWTSecret, map[string]api.Pinger{
		"postgres": extractions,
		"redis":    locker,
	})

	ready, err := api.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	slog.Info("extraction API service stopped")
}
