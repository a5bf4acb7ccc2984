// next-day loads the next day of orders into the forecast table. The first run
// against an empty table loads all history before the cursor's day instead.
//
// Usage:
//
//	go run ./cmd/next-day
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bagforecast/internal/config"
	"bagforecast/internal/domain"
	"bagforecast/internal/pipeline"
	"bagforecast/internal/util"
)

func main() {
	cfgPath := "config/bagforecast.yaml"
	if p := os.Getenv("BAGFORECAST_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := pipeline.NewRuntime(ctx, cfg, logger, true)
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	loader, err := rt.Loader(domain.Day)
	if err != nil {
		rt.Close()
		log.Fatalf("error: %v", err)
	}
	res, runErr := loader.Run(ctx)
	if err := rt.Close(); err != nil {
		slog.Warn("shutdown", "error", err)
	}
	if runErr != nil {
		log.Fatalf("next-day failed in state %s: %v", loader.State(), runErr)
	}

	slog.Info("next-day complete",
		"mode", res.Mode,
		"rows", res.Rows(),
		"skipped", res.Skipped,
		"cursor", res.NextCursor,
	)
}
