// cmd/server — HTTP surface for the Meeting Orchestrator: wires the
// Runtime Binder (internal/runtime) to a gin server (internal/httpapi).
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/multi-agent/go-meeting-orchestrator/internal/config"
	"github.com/multi-agent/go-meeting-orchestrator/internal/database"
	"github.com/multi-agent/go-meeting-orchestrator/internal/httpapi"
	"github.com/multi-agent/go-meeting-orchestrator/internal/runtime"
	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.AppEnv)

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("server: database init failed", logger.FieldError, err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, "./migrations"); err != nil {
		logger.Fatal("server: migration failed", logger.FieldError, err)
	}

	st := store.NewStore(pool)
	rt := runtime.New(cfg, st)
	srv := httpapi.NewServer(rt, cfg)

	logger.Infow("server: starting", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
		logger.Fatal("server: listen failed", logger.FieldError, err)
	}
	logger.Info("server: shut down")
}
