// bagforecast runs one batch step of the bag forecasting pipeline.
//
// Usage:
//
//	bagforecast <step>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bagforecast/internal/config"
	"bagforecast/internal/pipeline"
	"bagforecast/internal/util"
)

const version = "0.1.0"

// step runs against an opened runtime. needsStore selects whether the order
// store is opened first.
type step struct {
	needsStore bool
	help       string
	run        func(ctx context.Context, s *pipeline.Steps) error
}

var steps = map[string]step{
	"upload": {true, "Recreate the table and load the source CSV", func(ctx context.Context, s *pipeline.Steps) error {
		n, err := s.Upload(ctx)
		slog.Info("upload complete", "rows", n)
		return err
	}},
	"download": {true, "Export the table to the snapshot CSV", func(ctx context.Context, s *pipeline.Steps) error {
		n, err := s.Download(ctx)
		slog.Info("download complete", "rows", n)
		return err
	}},
	"ingest": {false, "Add calendar features and write the parquet snapshot", func(_ context.Context, s *pipeline.Steps) error {
		n, err := s.Ingest()
		slog.Info("ingest complete", "rows", n)
		return err
	}},
	"transform": {false, "Filter outliers into the training snapshot", func(_ context.Context, s *pipeline.Steps) error {
		res, err := s.Transform()
		slog.Info("transform complete", "input", res.Input, "kept", res.Kept, "dropped", res.Dropped)
		return err
	}},
	"train": {false, "Fit one model per target and hub", func(_ context.Context, s *pipeline.Steps) error {
		res, err := s.Train()
		slog.Info("train complete", "models", len(res))
		return err
	}},
	"predict": {true, "Write forecasts for orders missing them", func(ctx context.Context, s *pipeline.Steps) error {
		res, err := s.Predict(ctx)
		slog.Info("predict complete", "candidates", res.Candidates, "predicted", res.Predicted,
			"updated", res.Updated, "missing_models", len(res.Missing))
		return err
	}},
	"validate": {false, "Write the data drift report", func(_ context.Context, s *pipeline.Steps) error {
		rep, err := s.Validate()
		if err != nil {
			return err
		}
		slog.Info("validate complete", "drifted_columns", rep.DriftedColumns,
			"share_drifted", rep.ShareDrifted, "dataset_drift", rep.DatasetDrift)
		return nil
	}},
	"delete-all": {true, "Delete every row of the table", func(ctx context.Context, s *pipeline.Steps) error {
		n, err := s.DeleteAll(ctx)
		slog.Info("delete-all complete", "rows", n)
		return err
	}},
}

var order = []string{"upload", "download", "ingest", "transform", "train", "predict", "validate", "delete-all"}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bagforecast <step>\n\n")
		fmt.Fprintf(os.Stderr, "Steps:\n")
		for _, name := range order {
			fmt.Fprintf(os.Stderr, "  %-11s%s\n", name, steps[name].help)
		}
		fmt.Fprintf(os.Stderr, "  %-11s%s\n", "version", "Print the version")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	if os.Args[1] == "version" {
		fmt.Printf("bagforecast %s\n", version)
		return
	}
	st, ok := steps[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown step: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}

	cfgPath := "config/bagforecast.yaml"
	if p := os.Getenv("BAGFORECAST_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format).With("step", os.Args[1])
	util.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := pipeline.NewRuntime(ctx, cfg, logger, st.needsStore)
	if err != nil {
		log.Fatalf("error: %v", err)
	}
	runErr := rt.RunStep(ctx, st.run)
	if err := rt.Close(); err != nil {
		slog.Warn("shutdown", "error", err)
	}
	if runErr != nil {
		log.Fatalf("%s failed: %v", os.Args[1], runErr)
	}
}
