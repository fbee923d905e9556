package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInvalidDatabaseURL = errors.New("failed to parse database url")
	ErrDatabaseNotReady   = errors.New("database is not ready")
)

// Connect opens a pool and pings it, backing off linearly between attempts.
func Connect(ctx context.Context, url string, attempts int, interval time.Duration) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errors.Join(ErrInvalidDatabaseURL, err)
	}
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := range attempts {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrDatabaseNotReady, ctx.Err())
		case <-time.After(time.Duration(i+1) * interval):
		}
	}
	return nil, errors.Join(ErrDatabaseNotReady, lastErr)
}
