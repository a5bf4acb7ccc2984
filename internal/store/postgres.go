package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

var _ OrderStore = (*PostgresStore)(nil)

// postgresBatchSize bounds the number of queued statements per round trip.
const postgresBatchSize = 500

// PostgresStore implements OrderStore on a PostgreSQL connection pool.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore connects to dsn, verifies the connection and creates the
// table if needed.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if table == "" {
		table = DefaultTable
	}
	s := &PostgresStore{pool: pool, table: table}
	if err := s.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes every connection in the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema.CreateTableSQL(s.table)); err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) ResetTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.table); err != nil {
		return fmt.Errorf("dropping table %s: %w", s.table, err)
	}
	return s.EnsureTable(ctx)
}

func (s *PostgresStore) IsEmpty(ctx context.Context) (bool, error) {
	var exists bool
	q := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s LIMIT 1)", s.table)
	if err := s.pool.QueryRow(ctx, q).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking %s for rows: %w", s.table, err)
	}
	return !exists, nil
}

// UpsertOrders sends the batch in chunks of queued statements inside one
// transaction.
func (s *PostgresStore) UpsertOrders(ctx context.Context, orders []domain.Order) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}
	orders = Dedupe(orders)
	cols := upsertColumns(orders)
	query := upsertSQL(s.table, cols, dollarPlaceholder)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for start := 0; start < len(orders); start += postgresBatchSize {
			end := min(start+postgresBatchSize, len(orders))

			batch := &pgx.Batch{}
			for _, o := range orders[start:end] {
				batch.Queue(query, upsertArgs(o, cols)...)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("upserting orders %d-%d: %w", start, end, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(orders), nil
}

func (s *PostgresStore) ReadOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, selectSQL(s.table))
	if err != nil {
		return nil, fmt.Errorf("selecting from %s: %w", s.table, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		o, err := orderFromRow(vals)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) UpdateForecasts(ctx context.Context, forecasts []domain.Forecast) (int, error) {
	updated := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, f := range forecasts {
			cols, args := forecastColumns(f)
			if len(cols) == 0 {
				continue
			}
			batch.Queue(updateForecastSQL(s.table, cols, dollarPlaceholder), args...)
		}
		if batch.Len() == 0 {
			return nil
		}

		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("updating forecasts: %w", err)
			}
			updated += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM "+s.table)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", s.table, err)
	}
	return tag.RowsAffected(), nil
}
