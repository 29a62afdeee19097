package utils

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresPoolConfig sizes the database/sql pool. Zero fields take defaults
// sized for one instance: call sessions write a few rows each, so the pool
// stays small and idle connections are recycled quickly.
type PostgresPoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

const (
	defaultPGMaxOpen     = 20
	defaultPGMaxIdle     = 5
	defaultPGLifetime    = 30 * time.Minute
	defaultPGIdleTime    = 2 * time.Minute
	defaultPGPingTimeout = 5 * time.Second
)

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func (c PostgresPoolConfig) withDefaults() PostgresPoolConfig {
	c.MaxOpenConns = orInt(c.MaxOpenConns, defaultPGMaxOpen)
	c.MaxIdleConns = min(orInt(c.MaxIdleConns, defaultPGMaxIdle), c.MaxOpenConns)
	c.ConnMaxLifetime = orDuration(c.ConnMaxLifetime, defaultPGLifetime)
	c.ConnMaxIdleTime = orDuration(c.ConnMaxIdleTime, defaultPGIdleTime)
	c.PingTimeout = orDuration(c.PingTimeout, defaultPGPingTimeout)
	return c
}

func (c PostgresPoolConfig) apply(db *sql.DB) {
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// OpenPostgres opens and pings a pool. driverName is "pgx" in production.
// The dsn carries credentials and is never logged.
func OpenPostgres(ctx context.Context, driverName, dsn string, pool PostgresPoolConfig) (*sql.DB, error) {
	pool = pool.withDefaults()
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("utils: open %s: %w", driverName, err)
	}
	pool.apply(db)

	if err := HealthCheck(ctx, db, pool.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// HealthCheck pings db, giving up after timeout.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, orDuration(timeout, defaultPGPingTimeout))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("utils: db ping: %w", err)
	}
	return nil
}

// TxFunc is the work done inside WithTx.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx commits when fn succeeds. An error or panic from fn rolls back, and
// the error or panic is passed on to the caller.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("utils: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(ctx, tx)
}
