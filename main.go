package main

import (
	"context"
	"log/slog"
	"os"

	"geofy/apps/imagery/internal/app"
	"geofy/apps/imagery/internal/config"
	"geofy/apps/imagery/internal/logger"
)

func main() {
	handler := logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(context.Background(), cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := app.Bootstrap(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := app.New(cfg, db)
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
