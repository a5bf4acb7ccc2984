package pipeline

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"bagforecast/internal/cursor"
	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
	"bagforecast/internal/store"
)

// makeOrder returns an order with every schema column set. bags_used and
// total_weight follow id so rows are distinguishable; forecasts are null.
func makeOrder(id int64, t time.Time, hub int64) domain.Order {
	o := domain.Order{ID: id, DeliveryTime: t, Values: make(map[string]float64)}
	for _, c := range schema.Columns() {
		switch {
		case c.Name == schema.OrderID || c.Name == schema.DeliveryTime:
		case schema.IsForecast(c.Name):
			o.Values[c.Name] = math.NaN()
		default:
			o.Values[c.Name] = float64(id % 3)
		}
	}
	o.Values[schema.HubID] = float64(hub)
	o.Values[schema.TotalWeight] = float64(1000 + id%50*100)
	o.Values[schema.BagsUsed] = float64(1 + id%5)
	return o
}

// hourlyOrders returns one order per interval in [from, to), with ids
// starting at firstID.
func hourlyOrders(firstID int64, from, to time.Time, every time.Duration) []domain.Order {
	var out []domain.Order
	id := firstID
	for t := from; t.Before(to); t = t.Add(every) {
		out = append(out, makeOrder(id, t, 1+id%2))
		id++
	}
	return out
}

type sliceSource []domain.Order

func (s sliceSource) Orders() ([]domain.Order, error) { return s, nil }

type failingSource struct{ err error }

func (s failingSource) Orders() ([]domain.Order, error) { return nil, s.err }

// failingStore wraps a store and fails the upsert call number failOn
// (1-based) without writing.
type failingStore struct {
	store.OrderStore
	calls  int
	failOn int
}

var errInjected = errors.New("injected upsert failure")

func (f *failingStore) UpsertOrders(ctx context.Context, orders []domain.Order) (int, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, errInjected
	}
	return f.OrderStore.UpsertOrders(ctx, orders)
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "orders.db"), "")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newCursor(t *testing.T, at time.Time) *cursor.File {
	t.Helper()
	c := cursor.NewFile(filepath.Join(t.TempDir(), "next.json"))
	if err := c.Save(at); err != nil {
		t.Fatalf("saving cursor: %v", err)
	}
	return c
}

func loadCursor(t *testing.T, c *cursor.File) time.Time {
	t.Helper()
	at, err := c.Load()
	if err != nil {
		t.Fatalf("loading cursor: %v", err)
	}
	return at
}

func stored(t *testing.T, s store.OrderStore) map[int64]domain.Order {
	t.Helper()
	orders, err := s.ReadOrders(context.Background())
	if err != nil {
		t.Fatalf("ReadOrders: %v", err)
	}
	m := make(map[int64]domain.Order, len(orders))
	for _, o := range orders {
		m[o.ID] = o
	}
	return m
}

func hasActuals(o domain.Order) bool {
	for _, c := range schema.ActualColumns() {
		if _, ok := o.Value(c); ok {
			return true
		}
	}
	return false
}

// sameRow compares two stored rows column by column, treating nulls as
// equal.
func sameRow(a, b domain.Order) bool {
	if a.ID != b.ID || !a.DeliveryTime.Equal(b.DeliveryTime) {
		return false
	}
	for _, c := range schema.Names() {
		if c == schema.OrderID || c == schema.DeliveryTime {
			continue
		}
		va, oka := a.Value(c)
		vb, okb := b.Value(c)
		if oka != okb || (oka && va != vb) {
			return false
		}
	}
	return true
}
