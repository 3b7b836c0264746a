// cmd/migrate applies migrations/*.sql against POSTGRES_CONNECTION_STRING,
// tracking applied versions in the schema_version table.
package main

import (
	"context"

	"github.com/multi-agent/go-meeting-orchestrator/internal/config"
	"github.com/multi-agent/go-meeting-orchestrator/internal/database"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.AppEnv)

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("migrate: connect failed", logger.FieldError, err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, "migrations"); err != nil {
		logger.Fatal("migrate: failed", logger.FieldError, err)
	}
	logger.Info("migrate: complete")
}
