// Package pipeline runs the steps of the bag forecasting pipeline: the
// incremental windowed loaders and the upload, download, ingest, transform,
// train, predict, validate and delete-all steps.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"bagforecast/internal/config"
	"bagforecast/internal/cursor"
	"bagforecast/internal/dataset"
	"bagforecast/internal/domain"
	"bagforecast/internal/metrics"
	"bagforecast/internal/notify"
	"bagforecast/internal/store"
	"bagforecast/internal/window"
)

// State is the position of a Loader in its run.
type State string

const (
	StateIdle            State = "IDLE"
	StateCursorLoaded    State = "CURSOR_LOADED"
	StateDataLoaded      State = "DATA_LOADED"
	StatePartitioned     State = "PARTITIONED"
	StateBootstrapLoad   State = "BOOTSTRAP_LOAD"
	StateIncrementalLoad State = "INCREMENTAL_LOAD"
	StateCursorAdvanced  State = "CURSOR_ADVANCED"
	StateDone            State = "DONE"
)

// Modes of a completed run.
const (
	ModeBootstrap   = "bootstrap"
	ModeIncremental = "incremental"
	// ModeSkipped is reported when the dataset holds no orders. Nothing is
	// written and the cursor stays where it is.
	ModeSkipped = "skipped"
)

// Cursor loads and saves the boundary between loaded and pending data.
type Cursor interface {
	Load() (time.Time, error)
	Save(time.Time) error
}

// Source reads the full order dataset.
type Source interface {
	Orders() ([]domain.Order, error)
}

// CSVSource reads orders from a CSV file laid out as the column schema.
type CSVSource struct {
	Path string
}

func (s CSVSource) Orders() ([]domain.Order, error) {
	return dataset.ReadCSVFile(s.Path)
}

// WindowLoad reports the rows written for one window.
type WindowLoad struct {
	Name     string
	Window   domain.Window
	Rows     int
	Redacted bool
}

// Result summarizes a loader run.
type Result struct {
	Mode       string
	Cursor     time.Time // cursor read at the start of the run
	NextCursor time.Time // cursor saved at the end of the run
	Loads      []WindowLoad
	// Skipped counts orders in the past window or outside the partition.
	Skipped int
}

// Rows returns the total number of rows written.
func (r Result) Rows() int {
	n := 0
	for _, l := range r.Loads {
		n += l.Rows
	}
	return n
}

// Loader moves one period of orders from the source into the store per run.
// On the first run against an empty store it loads all history before the
// cursor's period instead and leaves the cursor where it is.
type Loader struct {
	Granularity domain.Granularity
	Cursor      Cursor
	Source      Source
	Store       store.OrderStore
	Metrics     *metrics.Metrics // optional
	Publisher   notify.Publisher // optional
	Logger      *slog.Logger     // optional

	state State
}

// State returns the state the last run reached.
func (l *Loader) State() State {
	if l.state == "" {
		return StateIdle
	}
	return l.state
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Run executes one load. The cursor is saved only after every upsert of the
// run has committed; any error leaves it untouched.
func (l *Loader) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	res, err := l.run(ctx)
	if l.Metrics != nil {
		l.Metrics.ObserveRun(err, time.Since(start).Seconds())
	}
	if err != nil {
		return res, err
	}
	l.publish(ctx, res)
	return res, nil
}

func (l *Loader) run(ctx context.Context) (Result, error) {
	log := l.logger().With("granularity", string(l.Granularity))
	l.state = StateIdle

	cur, err := l.Cursor.Load()
	if err != nil {
		return Result{}, &StageError{Stage: StageCursor, Err: err}
	}
	l.state = StateCursorLoaded
	res := Result{Cursor: cur}
	log.Info("cursor loaded", "cursor", cur)

	orders, err := l.Source.Orders()
	if err != nil {
		return res, &StageError{Stage: StageDataset, Err: err}
	}
	l.state = StateDataLoaded
	if len(orders) == 0 {
		log.Warn("skipping load", "error", &StageError{Stage: StagePartition, Err: ErrEmptyDataset})
		res.Mode = ModeSkipped
		res.NextCursor = cur
		l.state = StateDone
		return res, nil
	}
	log.Info("dataset loaded", "rows", len(orders))

	empty, err := l.Store.IsEmpty(ctx)
	if err != nil {
		return res, &StageError{Stage: StageInspect, Err: err}
	}

	var next time.Time
	if empty {
		slice := window.Bootstrap(orders, cur, l.Granularity)
		l.state = StatePartitioned
		res.Mode = ModeBootstrap
		res.Skipped = len(orders) - len(slice.Orders)

		l.state = StateBootstrapLoad
		load, err := l.upsert(ctx, log, "bootstrap", StageBootstrap, slice, false)
		if err != nil {
			return res, err
		}
		res.Loads = append(res.Loads, load)
		// The bootstrap slice ends where the cursor's period starts; that
		// period is loaded by the next run.
		next = cur
	} else {
		p := window.Split(orders, cur, l.Granularity)
		l.state = StatePartitioned
		res.Mode = ModeIncremental
		res.Skipped = len(p.Past.Orders) + p.Outside
		log.Info("dataset partitioned",
			"past", len(p.Past.Orders), "current", len(p.Current.Orders),
			"future", len(p.Future.Orders), "outside", p.Outside)

		l.state = StateIncrementalLoad
		load, err := l.upsert(ctx, log, "current", StageCurrent, p.Current, false)
		if err != nil {
			return res, err
		}
		res.Loads = append(res.Loads, load)

		future := window.Slice{Window: p.Future.Window, Orders: window.Redact(p.Future.Orders)}
		load, err = l.upsert(ctx, log, "future", StageFuture, future, true)
		if err != nil {
			return res, err
		}
		res.Loads = append(res.Loads, load)
		next = cursor.Advance(cur, l.Granularity)
	}

	if err := l.Cursor.Save(next); err != nil {
		return res, &StageError{Stage: StageAdvance, Err: err}
	}
	l.state = StateCursorAdvanced
	res.NextCursor = next
	log.Info("cursor saved", "previous", cur, "cursor", next, "mode", res.Mode)

	l.state = StateDone
	return res, nil
}

// upsert writes one window. An empty window is logged and skipped.
func (l *Loader) upsert(ctx context.Context, log *slog.Logger, name string, stage Stage, s window.Slice, redacted bool) (WindowLoad, error) {
	load := WindowLoad{Name: name, Window: s.Window, Redacted: redacted}
	log = log.With("window", name, "window_start", s.Window.Start, "window_end", s.Window.End)
	if len(s.Orders) == 0 {
		log.Info("window is empty, skipping")
		return load, nil
	}

	n, err := l.Store.UpsertOrders(ctx, s.Orders)
	if err != nil {
		return load, &StageError{Stage: stage, Window: s.Window, Err: err}
	}
	load.Rows = n
	if l.Metrics != nil {
		l.Metrics.RowsUpserted.WithLabelValues(name).Add(float64(n))
	}
	log.Info("window upserted", "rows", n, "redacted", redacted)
	return load, nil
}

func (l *Loader) publish(ctx context.Context, res Result) {
	if l.Publisher == nil || res.Mode == ModeSkipped {
		return
	}
	counts := make(map[string]int, len(res.Loads))
	for _, ld := range res.Loads {
		counts[ld.Name] = ld.Rows
	}
	next := res.NextCursor
	ev := notify.Event{
		Step:        "next-" + string(l.Granularity),
		Granularity: string(l.Granularity),
		Rows:        res.Rows(),
		Counts:      counts,
		Cursor:      &next,
	}
	if len(res.Loads) > 0 {
		first, last := res.Loads[0].Window, res.Loads[len(res.Loads)-1].Window
		ev.WindowStart, ev.WindowEnd = &first.Start, &last.End
	}
	if err := l.Publisher.Publish(ctx, ev); err != nil {
		l.logger().Warn("publishing load event failed", "error", err)
	}
}

// NewLoader builds a loader for granularity g from cfg: the cursor file of g
// and the source CSV, both resolved against the data directory.
func NewLoader(cfg *config.Config, g domain.Granularity, st store.OrderStore) (*Loader, error) {
	path, err := cfg.Storage.CursorPath(string(g))
	if err != nil {
		return nil, err
	}
	return &Loader{
		Granularity: g,
		Cursor:      cursor.NewFile(path),
		Source:      CSVSource{Path: cfg.Storage.Path(cfg.Storage.SourceCSV)},
		Store:       st,
	}, nil
}
