package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bagforecast/internal/domain"
	"bagforecast/internal/schema"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OrderStore = (*SQLiteStore)(nil)

// SQLiteStore implements OrderStore backed by a SQLite database file. It is
// used for local runs and tests.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// table if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath, table string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if table == "" {
		table = DefaultTable
	}
	s := &SQLiteStore{db: db, table: table}
	if err := s.EnsureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureTable creates the orders table if it does not exist.
func (s *SQLiteStore) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema.CreateTableSQL(s.table)); err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	return nil
}

// ResetTable drops and recreates the orders table.
func (s *SQLiteStore) ResetTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.table); err != nil {
		return fmt.Errorf("dropping table %s: %w", s.table, err)
	}
	return s.EnsureTable(ctx)
}

// IsEmpty reports whether the table holds no rows.
func (s *SQLiteStore) IsEmpty(ctx context.Context) (bool, error) {
	var exists bool
	q := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s LIMIT 1)", s.table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking %s for rows: %w", s.table, err)
	}
	return !exists, nil
}

// UpsertOrders writes orders in a single transaction.
func (s *SQLiteStore) UpsertOrders(ctx context.Context, orders []domain.Order) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}
	orders = Dedupe(orders)
	cols := upsertColumns(orders)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertSQL(s.table, cols, questionPlaceholder))
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer stmt.Close()

		for _, o := range orders {
			if _, err := stmt.ExecContext(ctx, sqliteArgs(upsertArgs(o, cols))...); err != nil {
				return fmt.Errorf("upserting order %d: %w", o.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(orders), nil
}

// ReadOrders returns every row ordered by order_id.
func (s *SQLiteStore) ReadOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, selectSQL(s.table))
	if err != nil {
		return nil, fmt.Errorf("selecting from %s: %w", s.table, err)
	}
	defer rows.Close()

	n := len(schema.Names())
	var orders []domain.Order
	for rows.Next() {
		vals := make([]any, n)
		ptrs := make([]any, n)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		o, err := orderFromRow(vals)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateForecasts writes forecast columns in a single transaction.
func (s *SQLiteStore) UpdateForecasts(ctx context.Context, forecasts []domain.Forecast) (int, error) {
	updated := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, f := range forecasts {
			cols, args := forecastColumns(f)
			if len(cols) == 0 {
				continue
			}
			res, err := tx.ExecContext(ctx, updateForecastSQL(s.table, cols, questionPlaceholder), args...)
			if err != nil {
				return fmt.Errorf("updating forecasts of order %d: %w", f.OrderID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			updated += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// DeleteAll removes every row.
func (s *SQLiteStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.table)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", s.table, err)
	}
	return res.RowsAffected()
}

// inTx runs fn in a transaction, committing on success and rolling back on
// any error.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// sqliteArgs renders timestamps as RFC 3339 text so stored values sort and
// parse consistently.
func sqliteArgs(args []any) []any {
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			args[i] = t.UTC().Format(time.RFC3339Nano)
		}
	}
	return args
}
