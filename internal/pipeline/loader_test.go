package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"bagforecast/internal/config"
	"bagforecast/internal/cursor"
	"bagforecast/internal/dataset"
	"bagforecast/internal/domain"
	"bagforecast/internal/metrics"
	"bagforecast/internal/notify"
	"bagforecast/internal/schema"
)

var (
	mar12 = time.Date(2022, 3, 12, 0, 0, 0, 0, time.UTC)
	mar14 = time.Date(2022, 3, 14, 0, 0, 0, 0, time.UTC)
	mar15 = time.Date(2022, 3, 15, 0, 0, 0, 0, time.UTC)
	mar16 = time.Date(2022, 3, 16, 0, 0, 0, 0, time.UTC)
	mar18 = time.Date(2022, 3, 18, 0, 0, 0, 0, time.UTC)
)

type recordingPublisher struct{ events []notify.Event }

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestLoaderDailyBootstrap(t *testing.T) {
	st := openStore(t)
	cur := newCursor(t, mar14)
	orders := hourlyOrders(1, mar12, mar16, 6*time.Hour) // 16 orders, 8 before Mar 14

	l := &Loader{Granularity: domain.Day, Cursor: cur, Source: sliceSource(orders), Store: st}
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Mode != ModeBootstrap || l.State() != StateDone {
		t.Errorf("mode = %s, state = %s", res.Mode, l.State())
	}

	got := stored(t, st)
	if len(got) != 8 {
		t.Fatalf("stored %d rows, want 8", len(got))
	}
	for _, o := range got {
		if !o.DeliveryTime.Before(mar14) {
			t.Errorf("order %d at %v loaded by bootstrap", o.ID, o.DeliveryTime)
		}
		if !hasActuals(o) {
			t.Errorf("bootstrap order %d lost its actuals", o.ID)
		}
	}
	if at := loadCursor(t, cur); !at.Equal(mar14) {
		t.Errorf("cursor = %v, want unchanged %v", at, mar14)
	}
	if res.Skipped != 8 {
		t.Errorf("skipped = %d, want 8", res.Skipped)
	}
}

func TestLoaderDailyIncrementRedactsFuture(t *testing.T) {
	st := openStore(t)
	orders := hourlyOrders(1, mar12, mar18, 6*time.Hour)
	if _, err := st.UpsertOrders(context.Background(), orders[:1]); err != nil {
		t.Fatal(err)
	}
	cur := newCursor(t, mar14)
	m := metrics.New()
	pub := &recordingPublisher{}

	l := &Loader{Granularity: domain.Day, Cursor: cur, Source: sliceSource(orders), Store: st, Metrics: m, Publisher: pub}
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Mode != ModeIncremental {
		t.Errorf("mode = %s, want incremental", res.Mode)
	}

	got := stored(t, st)
	// 1 pre-existing + 4 current + 4 future.
	if len(got) != 9 {
		t.Fatalf("stored %d rows, want 9", len(got))
	}
	for _, o := range orders {
		row, ok := got[o.ID]
		t0 := o.DeliveryTime
		switch {
		case !t0.Before(mar14) && t0.Before(mar15):
			if !ok || !hasActuals(row) {
				t.Errorf("current order %d missing or without actuals", o.ID)
			}
		case !t0.Before(mar15) && t0.Before(mar16):
			if !ok {
				t.Errorf("future order %d not loaded", o.ID)
			} else if hasActuals(row) {
				t.Errorf("future order %d carries actuals", o.ID)
			} else if row.Values[schema.TotalWeight] != o.Values[schema.TotalWeight] {
				t.Errorf("future order %d lost features", o.ID)
			}
		case o.ID != 1 && ok:
			t.Errorf("order %d at %v should not be loaded", o.ID, t0)
		}
	}

	if at := loadCursor(t, cur); !at.Equal(mar15) {
		t.Errorf("cursor = %v, want %v", at, mar15)
	}
	if got := testutil.ToFloat64(m.RowsUpserted.WithLabelValues("future")); got != 4 {
		t.Errorf("future rows metric = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(metrics.ResultSuccess)); got != 1 {
		t.Errorf("success runs = %v", got)
	}
	if len(pub.events) != 1 || pub.events[0].Rows != 8 || !pub.events[0].Cursor.Equal(mar15) {
		t.Errorf("events = %+v", pub.events)
	}
}

func TestLoaderNextRunFillsRedactedActuals(t *testing.T) {
	st := openStore(t)
	orders := hourlyOrders(1, mar12, mar18, 6*time.Hour)
	if _, err := st.UpsertOrders(context.Background(), orders[:1]); err != nil {
		t.Fatal(err)
	}
	cur := newCursor(t, mar14)
	l := &Loader{Granularity: domain.Day, Cursor: cur, Source: sliceSource(orders), Store: st}

	for i := 0; i < 2; i++ {
		if _, err := l.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	got := stored(t, st)
	for _, o := range orders {
		if o.DeliveryTime.Before(mar15) || !o.DeliveryTime.Before(mar16) {
			continue
		}
		// Mar 15 was future in run 1 and current in run 2.
		if row := got[o.ID]; !hasActuals(row) {
			t.Errorf("order %d still redacted after its day became current", o.ID)
		}
	}
	if at := loadCursor(t, cur); !at.Equal(mar16) {
		t.Errorf("cursor = %v, want %v", at, mar16)
	}
}

func TestLoaderWeeklyBoundaryAlignment(t *testing.T) {
	st := openStore(t)
	mar07 := time.Date(2022, 3, 7, 0, 0, 0, 0, time.UTC)
	mar21 := time.Date(2022, 3, 21, 0, 0, 0, 0, time.UTC)
	mar28 := time.Date(2022, 3, 28, 0, 0, 0, 0, time.UTC)
	apr04 := time.Date(2022, 4, 4, 0, 0, 0, 0, time.UTC)
	orders := hourlyOrders(1, mar07, apr04, 12*time.Hour)
	if _, err := st.UpsertOrders(context.Background(), orders[:1]); err != nil {
		t.Fatal(err)
	}

	wednesday := time.Date(2022, 3, 16, 9, 30, 0, 0, time.UTC)
	cur := newCursor(t, wednesday)
	l := &Loader{Granularity: domain.Week, Cursor: cur, Source: sliceSource(orders), Store: st}
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Loads) != 2 {
		t.Fatalf("loads = %+v", res.Loads)
	}
	current, future := res.Loads[0], res.Loads[1]
	if !current.Window.Start.Equal(mar14) || !current.Window.End.Equal(mar21) {
		t.Errorf("current window = %s, want [Mar 14, Mar 21)", current.Window)
	}
	if !future.Window.Start.Equal(mar21) || !future.Window.End.Equal(mar28) || !future.Redacted {
		t.Errorf("future window = %s redacted=%v", future.Window, future.Redacted)
	}
	if current.Rows != 14 || future.Rows != 14 {
		t.Errorf("rows = %d/%d, want 14/14", current.Rows, future.Rows)
	}

	got := stored(t, st)
	for id, o := range got {
		if id == 1 {
			continue
		}
		if o.DeliveryTime.Before(mar14) || !o.DeliveryTime.Before(mar28) {
			t.Errorf("order %d at %v outside the two loaded weeks", id, o.DeliveryTime)
		}
		if wantActuals := o.DeliveryTime.Before(mar21); hasActuals(o) != wantActuals {
			t.Errorf("order %d at %v: actuals present = %v", id, o.DeliveryTime, hasActuals(o))
		}
	}
	if at := loadCursor(t, cur); !at.Equal(wednesday.AddDate(0, 0, 7)) {
		t.Errorf("cursor = %v, want one week later", at)
	}
}

func TestLoaderFailureLeavesCursor(t *testing.T) {
	for _, tc := range []struct {
		name   string
		failOn int
	}{
		{"current window", 1},
		{"future window", 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			base := openStore(t)
			orders := hourlyOrders(1, mar12, mar18, 6*time.Hour)
			if _, err := base.UpsertOrders(context.Background(), orders[:1]); err != nil {
				t.Fatal(err)
			}
			cur := newCursor(t, mar14)
			m := metrics.New()
			st := &failingStore{OrderStore: base, failOn: tc.failOn}

			l := &Loader{Granularity: domain.Day, Cursor: cur, Source: sliceSource(orders), Store: st, Metrics: m}
			_, err := l.Run(context.Background())
			if !errors.Is(err, errInjected) {
				t.Fatalf("err = %v, want injected failure", err)
			}
			var se *StageError
			if !errors.As(err, &se) || se.Window.Start.IsZero() {
				t.Errorf("error lacks stage/window context: %v", err)
			}
			if l.State() != StateIncrementalLoad {
				t.Errorf("state = %s, want %s", l.State(), StateIncrementalLoad)
			}
			if at := loadCursor(t, cur); !at.Equal(mar14) {
				t.Errorf("cursor moved to %v after failure", at)
			}
			if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(metrics.ResultFailure)); got != 1 {
				t.Errorf("failure runs = %v", got)
			}
		})
	}
}

func TestLoaderEmptyDataset(t *testing.T) {
	st := openStore(t)
	cur := newCursor(t, mar14)
	m := metrics.New()
	pub := &recordingPublisher{}
	l := &Loader{Granularity: domain.Day, Cursor: cur, Source: sliceSource(nil), Store: st, Metrics: m, Publisher: pub}

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v, want a skipped run", err)
	}
	if res.Mode != ModeSkipped || res.Rows() != 0 || l.State() != StateDone {
		t.Errorf("result = %+v, state %s", res, l.State())
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(metrics.ResultSuccess)); got != 1 {
		t.Errorf("successful runs = %v, want 1", got)
	}
	if len(pub.events) != 0 {
		t.Errorf("published %d events for a skipped run", len(pub.events))
	}
	if empty, _ := st.IsEmpty(context.Background()); !empty {
		t.Error("store mutated")
	}
	if at := loadCursor(t, cur); !at.Equal(mar14) {
		t.Errorf("cursor moved to %v", at)
	}
}

func TestLoaderCursorAndSourceErrors(t *testing.T) {
	st := openStore(t)
	missing := cursor.NewFile(t.TempDir() + "/absent.json")
	l := &Loader{Granularity: domain.Day, Cursor: missing, Source: sliceSource(nil), Store: st}
	if _, err := l.Run(context.Background()); !errors.Is(err, cursor.ErrMissing) {
		t.Errorf("missing cursor: err = %v", err)
	}

	readErr := errors.New("header mismatch")
	l = &Loader{Granularity: domain.Day, Cursor: newCursor(t, mar14), Source: failingSource{readErr}, Store: st}
	_, err := l.Run(context.Background())
	var se *StageError
	if !errors.Is(err, readErr) || !errors.As(err, &se) || se.Stage != StageDataset {
		t.Errorf("source error: err = %v", err)
	}
}

func TestLoaderDuplicateIDLastWins(t *testing.T) {
	st := openStore(t)
	if _, err := st.UpsertOrders(context.Background(), []domain.Order{makeOrder(1, mar12, 1)}); err != nil {
		t.Fatal(err)
	}
	first := makeOrder(500, mar14.Add(time.Hour), 1)
	first.Values[schema.BagsUsed] = 1
	second := makeOrder(500, mar14.Add(2*time.Hour), 1)
	second.Values[schema.BagsUsed] = 7

	l := &Loader{Granularity: domain.Day, Cursor: newCursor(t, mar14), Source: sliceSource{first, second}, Store: st}
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Loads[0].Rows != 1 {
		t.Errorf("current rows = %d, want 1", res.Loads[0].Rows)
	}
	if got := stored(t, st)[500]; got.Values[schema.BagsUsed] != 7 {
		t.Errorf("bags_used = %v, want last occurrence 7", got.Values[schema.BagsUsed])
	}
}

// A bootstrap at cursor C followed by n daily runs leaves every row before
// C+n days exactly as a bootstrap at C+n days would.
func TestBootstrapSteadyStateEquivalence(t *testing.T) {
	orders := hourlyOrders(1, mar12.AddDate(0, 0, -3), mar18.AddDate(0, 0, 3), 5*time.Hour)
	const n = 4

	incremental := openStore(t)
	cur := newCursor(t, mar14)
	l := &Loader{Granularity: domain.Day, Cursor: cur, Source: sliceSource(orders), Store: incremental}
	for i := 0; i <= n; i++ {
		if _, err := l.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	end := mar14.AddDate(0, 0, n)
	if at := loadCursor(t, cur); !at.Equal(end) {
		t.Fatalf("cursor = %v, want %v", at, end)
	}

	direct := openStore(t)
	l = &Loader{Granularity: domain.Day, Cursor: newCursor(t, end), Source: sliceSource(orders), Store: direct}
	if _, err := l.Run(context.Background()); err != nil {
		t.Fatalf("direct bootstrap: %v", err)
	}

	a, b := stored(t, incremental), stored(t, direct)
	compared := 0
	for id, want := range b {
		got, ok := a[id]
		if !ok || !sameRow(got, want) {
			t.Errorf("order %d differs: incremental=%v direct=%v", id, got.Values[schema.BagsUsed], want.Values[schema.BagsUsed])
		}
		compared++
	}
	for id, o := range a {
		if _, ok := b[id]; !ok && o.DeliveryTime.Before(end) {
			t.Errorf("order %d before %v only in incremental store", id, end)
		}
	}
	if compared == 0 {
		t.Fatal("nothing compared")
	}
}

func TestNewLoaderFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	st := openStore(t)

	orders := hourlyOrders(1, mar12, mar16, 6*time.Hour)
	if err := dataset.WriteCSVFile(cfg.Storage.Path(cfg.Storage.SourceCSV), orders); err != nil {
		t.Fatal(err)
	}
	cur := cursor.NewFile(filepath.Join(cfg.Storage.DataDir, "next_month.json"))
	if err := cur.Save(time.Date(2022, 3, 20, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(cfg, domain.Month, st)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Every order lies in March, after the bootstrap boundary of Mar 1.
	if res.Mode != ModeBootstrap || res.Rows() != 0 {
		t.Errorf("result = %+v", res)
	}
	if at := loadCursor(t, cur); !at.Equal(time.Date(2022, 3, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("cursor = %v", at)
	}
}
