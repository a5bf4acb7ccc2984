package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"bagforecast/internal/config"
	"bagforecast/internal/dataset"
	"bagforecast/internal/domain"
	"bagforecast/internal/drift"
	"bagforecast/internal/metrics"
	"bagforecast/internal/model"
	"bagforecast/internal/notify"
	"bagforecast/internal/schema"
	"bagforecast/internal/store"
)

// Steps runs the batch steps around the incremental loaders. Paths are taken
// from Config.Storage. Store may be nil for steps that only touch files.
type Steps struct {
	Config    *config.Config
	Store     store.OrderStore
	Metrics   *metrics.Metrics // optional
	Publisher notify.Publisher // optional
	Logger    *slog.Logger     // optional
}

func (s *Steps) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Steps) path(p string) string { return s.Config.Storage.Path(p) }

func (s *Steps) requireStore(step string) error {
	if s.Store == nil {
		return fmt.Errorf("%s: no order store configured", step)
	}
	return nil
}

// Upload recreates the table and loads the source CSV into it, optionally
// sampling a deterministic fraction of the rows.
func (s *Steps) Upload(ctx context.Context) (int, error) {
	if err := s.requireStore("upload"); err != nil {
		return 0, err
	}
	src := s.path(s.Config.Storage.SourceCSV)
	orders, err := dataset.ReadCSVFile(src)
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	orders = Sample(orders, s.Config.Upload.SampleFraction, s.Config.Upload.Seed)

	if err := s.Store.ResetTable(ctx); err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	n, err := s.Store.UpsertOrders(ctx, orders)
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.RowsUpserted.WithLabelValues("upload").Add(float64(n))
	}
	s.logger().Info("table uploaded", "source", src, "rows", n)
	return n, nil
}

// Sample returns round(len(orders)*fraction) orders chosen with a PCG source
// seeded by seed, in input order. A fraction of 0 or at least 1 returns
// orders unchanged.
func Sample(orders []domain.Order, fraction float64, seed int64) []domain.Order {
	if fraction <= 0 || fraction >= 1 {
		return orders
	}
	k := int(math.Round(float64(len(orders)) * fraction))
	r := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	idx := r.Perm(len(orders))[:k]
	sort.Ints(idx)

	out := make([]domain.Order, k)
	for i, j := range idx {
		out[i] = orders[j]
	}
	return out
}

// Download writes every stored order to the snapshot CSV.
func (s *Steps) Download(ctx context.Context) (int, error) {
	if err := s.requireStore("download"); err != nil {
		return 0, err
	}
	orders, err := s.Store.ReadOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	dst := s.path(s.Config.Storage.SnapshotCSV)
	if err := dataset.WriteCSVFile(dst, orders); err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	s.logger().Info("snapshot downloaded", "path", dst, "rows", len(orders))
	return len(orders), nil
}

// Ingest reads the snapshot CSV, derives the calendar features and writes
// the parquet snapshot.
func (s *Steps) Ingest() (int, error) {
	src := s.path(s.Config.Storage.SnapshotCSV)
	orders, err := dataset.ReadCSVFile(src)
	if err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}
	dataset.AddCalendarFeatures(orders)

	log := s.logger()
	if first, last, ok := dataset.TimeRange(orders); ok {
		log.Info("delivery time range",
			"first", first.DeliveryTime, "first_order", first.ID,
			"last", last.DeliveryTime, "last_order", last.ID)
	}

	dst := s.path(s.Config.Storage.SnapshotParquet)
	if err := dataset.WriteSnapshot(dst, orders); err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}
	log.Info("snapshot ingested", "path", dst, "rows", len(orders))
	return len(orders), nil
}

// OutlierFilter converts the transform thresholds of cfg.
func OutlierFilter(cfg config.Transform) dataset.OutlierFilter {
	return dataset.OutlierFilter{
		BagsUsedMax:           cfg.BagsUsedMax,
		BagsUsedMin:           cfg.BagsUsedMin,
		BagsUsedMinInclusive:  cfg.BagsUsedMinInclusive,
		ColdBagsUsedMin:       cfg.ColdBagsUsedMin,
		DeepFrozenBagsUsedMin: cfg.DeepFrozenBagsUsedMin,
		TotalWeightMax:        cfg.TotalWeightMax,
	}
}

// TransformResult reports the rows kept and dropped by Transform.
type TransformResult struct {
	Input   int
	Kept    int
	Dropped int
}

// Transform filters outliers from the parquet snapshot, fills the remaining
// nulls with 0 and writes the training snapshot.
func (s *Steps) Transform() (TransformResult, error) {
	orders, err := dataset.ReadSnapshot(s.path(s.Config.Storage.SnapshotParquet))
	if err != nil {
		return TransformResult{}, fmt.Errorf("transform: %w", err)
	}
	kept := OutlierFilter(s.Config.Transform).Apply(orders)
	dataset.FillNulls(kept)

	dst := s.path(s.Config.Storage.TrainingParquet)
	if err := dataset.WriteSnapshot(dst, kept); err != nil {
		return TransformResult{}, fmt.Errorf("transform: %w", err)
	}
	res := TransformResult{Input: len(orders), Kept: len(kept), Dropped: len(orders) - len(kept)}
	s.logger().Info("snapshot transformed", "path", dst, "input", res.Input, "kept", res.Kept, "dropped", res.Dropped)
	return res, nil
}

// TrainResult describes one trained (target, hub) model.
type TrainResult struct {
	Target       string
	HubID        int64
	Path         string
	TrainRows    int
	TestRMSE     float64
	BaselineRMSE float64
}

// Train fits one model per target and hub on the training snapshot. Groups
// with too few labelled rows are logged and skipped.
func (s *Steps) Train() ([]TrainResult, error) {
	orders, err := dataset.ReadSnapshot(s.path(s.Config.Storage.TrainingParquet))
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("train: %w", ErrEmptyDataset)
	}

	tc := s.Config.Train
	opts := model.Options{Ridge: tc.Ridge, TestFraction: tc.TestFraction, Seed: tc.Seed, MinRows: tc.MinRows}
	features := schema.TrainingFeatures(schema.Names())
	dir := s.path(s.Config.Storage.ModelDir)
	log := s.logger()

	var results []TrainResult
	hubs, groups := dataset.GroupByHub(orders)
	for _, target := range schema.Targets() {
		for _, hub := range hubs {
			m, eval, err := model.Train(groups[hub], target, hub, features, opts)
			if errors.Is(err, model.ErrInsufficientData) {
				log.Warn("skipping model", "target", target, "hub", hub, "error", err)
				continue
			}
			if err != nil {
				return results, fmt.Errorf("train: %w", err)
			}
			path, err := m.Save(dir)
			if err != nil {
				return results, fmt.Errorf("train: %w", err)
			}
			log.Info("model trained", "target", target, "hub", hub, "rows", m.TrainRows,
				"test_rmse", eval.TestRMSE, "stored_forecast_rmse", eval.BaselineRMSE)
			results = append(results, TrainResult{
				Target:       target,
				HubID:        hub,
				Path:         path,
				TrainRows:    m.TrainRows,
				TestRMSE:     eval.TestRMSE,
				BaselineRMSE: eval.BaselineRMSE,
			})
		}
	}
	return results, nil
}

// PredictResult summarizes a Predict run.
type PredictResult struct {
	Candidates int // orders with at least one null forecast
	Predicted  int // forecasts written
	Updated    int // rows updated in the store
	// Missing lists the {target}_{hub} pairs without a model artifact.
	Missing []string
}

// Predict computes forecasts for the orders of the parquet snapshot that
// lack at least one forecast and writes them to the store. A missing model
// artifact is reported for its (target, hub) pair and does not block the
// others.
func (s *Steps) Predict(ctx context.Context) (PredictResult, error) {
	if err := s.requireStore("predict"); err != nil {
		return PredictResult{}, err
	}
	orders, err := dataset.ReadSnapshot(s.path(s.Config.Storage.SnapshotParquet))
	if err != nil {
		return PredictResult{}, fmt.Errorf("predict: %w", err)
	}

	var candidates []domain.Order
	for _, o := range orders {
		if needsForecast(o) {
			candidates = append(candidates, o)
		}
	}
	res := PredictResult{Candidates: len(candidates)}
	log := s.logger()
	log.Info("prepared rows for prediction", "rows", len(candidates))
	if len(candidates) == 0 {
		return res, nil
	}

	dir := s.path(s.Config.Storage.ModelDir)
	values := make(map[int64]map[string]float64)
	var ids []int64
	hubs, groups := dataset.GroupByHub(candidates)
	for _, hub := range hubs {
		for _, target := range schema.Targets() {
			m, err := model.Load(dir, target, hub)
			if errors.Is(err, model.ErrNotFound) {
				log.Warn("no model for hub", "target", target, "hub", hub, "error", err)
				res.Missing = append(res.Missing, fmt.Sprintf("%s_%d", target, hub))
				if s.Metrics != nil {
					s.Metrics.PredictionFailures.WithLabelValues(target).Inc()
				}
				continue
			}
			if err != nil {
				return res, fmt.Errorf("predict: %w", err)
			}

			col := schema.ForecastColumn(target)
			for _, o := range groups[hub] {
				v, ok := values[o.ID]
				if !ok {
					v = make(map[string]float64, len(schema.Targets()))
					values[o.ID] = v
					ids = append(ids, o.ID)
				}
				v[col] = m.PredictOrder(o)
				res.Predicted++
			}
			if s.Metrics != nil {
				s.Metrics.Predictions.WithLabelValues(target).Add(float64(len(groups[hub])))
			}
		}
	}

	forecasts := make([]domain.Forecast, len(ids))
	for i, id := range ids {
		forecasts[i] = domain.Forecast{OrderID: id, Values: values[id]}
	}
	res.Updated, err = s.Store.UpdateForecasts(ctx, forecasts)
	if err != nil {
		return res, fmt.Errorf("predict: %w", err)
	}
	log.Info("forecasts written", "predicted", res.Predicted, "updated", res.Updated, "missing_models", len(res.Missing))

	if s.Publisher != nil {
		ev := notify.Event{Step: "predict", Rows: res.Updated, Counts: map[string]int{
			"candidates":     res.Candidates,
			"predicted":      res.Predicted,
			"missing_models": len(res.Missing),
		}}
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			log.Warn("publishing predict event failed", "error", err)
		}
	}
	return res, nil
}

func needsForecast(o domain.Order) bool {
	for _, c := range schema.ForecastColumns() {
		if _, ok := o.Value(c); !ok {
			return true
		}
	}
	return false
}

// Validate writes the drift report comparing the reference window with the
// orders delivered after it.
func (s *Steps) Validate() (*drift.Report, error) {
	orders, err := dataset.ReadSnapshot(s.path(s.Config.Storage.SnapshotParquet))
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	start, end, err := s.Config.Drift.ReferenceWindow()
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	report, err := drift.Compute(orders, start, end, s.Config.Drift.DriftThreshold)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	dst := s.path(s.Config.Storage.DriftReport)
	if err := report.WriteFile(dst); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	s.logger().Info("drift report written", "path", dst,
		"reference_rows", report.ReferenceRows, "current_rows", report.CurrentRows,
		"drifted_columns", report.DriftedColumns, "dataset_drift", report.DatasetDrift)
	return report, nil
}

// DeleteAll removes every row from the store.
func (s *Steps) DeleteAll(ctx context.Context) (int64, error) {
	if err := s.requireStore("delete-all"); err != nil {
		return 0, err
	}
	n, err := s.Store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete-all: %w", err)
	}
	s.logger().Info("rows deleted", "rows", n)
	return n, nil
}
