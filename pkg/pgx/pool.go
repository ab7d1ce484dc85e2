package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolOptions configures Connect.
type PoolOptions struct {
	ConnString string
	Config     *pgxpool.Config // Takes precedence over ConnString
	// MaxElapsedTime bounds the retries; zero uses 30 seconds.
	MaxElapsedTime time.Duration
	Logger         *zap.Logger
}

// Connect creates a pool and pings it, retrying with exponential backoff
// until the database answers or MaxElapsedTime passes.
func Connect(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var pool *pgxpool.Pool
	operation := func() error {
		p, err := createPool(ctx, opts)
		if err != nil {
			logger.Warn("database not ready", zap.Error(err))
			return err
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = opts.MaxElapsedTime
	if b.MaxElapsedTime == 0 {
		b.MaxElapsedTime = 30 * time.Second
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("pgx: %w", err)
	}
	return pool, nil
}

func createPool(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error

	switch {
	case opts.Config != nil:
		pool, err = pgxpool.NewWithConfig(ctx, opts.Config)
	case opts.ConnString != "":
		pool, err = pgxpool.New(ctx, opts.ConnString)
	default:
		return nil, backoff.Permanent(errors.New("either Config or ConnString must be provided"))
	}

	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating pool: %w", err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}

	return pool, nil
}
