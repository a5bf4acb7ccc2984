// Package store persists order rows in the bags_forecast table. Every
// backend implements the same upsert contract: duplicates in a batch resolve
// to the last occurrence, nulls bind as NULL, a conflicting order_id only has
// its actuals updated, and one call commits or rolls back as a unit.
package store

import (
	"context"

	"bagforecast/internal/domain"
)

// DefaultTable is the name of the orders table.
const DefaultTable = "bags_forecast"

// OrderStore persists and retrieves order rows.
type OrderStore interface {
	// EnsureTable creates the table if it does not exist.
	EnsureTable(ctx context.Context) error

	// ResetTable drops and recreates the table.
	ResetTable(ctx context.Context) error

	// IsEmpty reports whether the table holds no rows.
	IsEmpty(ctx context.Context) (bool, error)

	// UpsertOrders inserts orders, updating only the actuals columns of
	// rows whose order_id already exists. The batch is atomic. It returns
	// the number of distinct orders written.
	UpsertOrders(ctx context.Context, orders []domain.Order) (int, error)

	// ReadOrders returns every row ordered by order_id.
	ReadOrders(ctx context.Context) ([]domain.Order, error)

	// UpdateForecasts writes forecast columns for existing orders and
	// returns the number of rows updated.
	UpdateForecasts(ctx context.Context, forecasts []domain.Forecast) (int, error)

	// DeleteAll removes every row and returns the number removed.
	DeleteAll(ctx context.Context) (int64, error)

	// Close releases the underlying connection.
	Close() error
}

// Dedupe removes orders with a repeated ID, keeping the last occurrence of
// each ID at the position of that last occurrence.
func Dedupe(orders []domain.Order) []domain.Order {
	seen := make(map[int64]struct{}, len(orders))
	keep := make([]bool, len(orders))
	unique := 0
	for i := len(orders) - 1; i >= 0; i-- {
		if _, ok := seen[orders[i].ID]; ok {
			continue
		}
		seen[orders[i].ID] = struct{}{}
		keep[i] = true
		unique++
	}
	if unique == len(orders) {
		return orders
	}

	out := make([]domain.Order, 0, unique)
	for i, o := range orders {
		if keep[i] {
			out = append(out, o)
		}
	}
	return out
}
