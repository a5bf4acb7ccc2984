package store

import (
	"context"
	"fmt"
	"time"

	"bagforecast/internal/config"
	"bagforecast/internal/util"
)

// Open returns the OrderStore selected by cfg.Database.Driver. Connection
// establishment is retried with exponential backoff.
func Open(ctx context.Context, cfg *config.Config) (OrderStore, error) {
	var s OrderStore
	op := fmt.Sprintf("opening %s store", cfg.Database.Driver)
	err := util.Retry(ctx, op, cfg.Database.ConnectAttempts, time.Second, func(ctx context.Context) error {
		var err error
		s, err = open(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func open(ctx context.Context, cfg *config.Config) (OrderStore, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.Database.DSN(), cfg.Database.Table)
	case config.DriverSQLite:
		return NewSQLiteStore(ctx, cfg.Storage.Path(cfg.Storage.SQLitePath), cfg.Database.Table)
	case config.DriverDynamoDB:
		s, err := OpenDynamoDBStore(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Endpoint, cfg.DynamoDB.Table)
		if err != nil {
			return nil, err
		}
		return s.WithRateLimit(util.NewRateLimiter(cfg.DynamoDB.WritesPerSecond, 25)), nil
	default:
		return nil, util.Permanent(fmt.Errorf("unknown database driver %q", cfg.Database.Driver))
	}
}
