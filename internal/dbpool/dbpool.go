// Package dbpool owns the pgx-backed *sql.DB connection pool the listener
// processes messages through, plus a gobreaker-protected wrapper for
// ad-hoc queries that should fail fast rather than pile up against a
// database that is already struggling.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/flowcatalyst/pg-outbox-listener/internal/metrics"
)

// Pool wraps a *sql.DB with a circuit breaker guarding ad-hoc queries.
// Only calls made through Guarded pass the breaker. The listener is
// handed DB() and runs everything on it unguarded: transactional message
// processing, the polling fetch and the cleanup delete.
type Pool struct {
	db      *sql.DB
	table   string
	breaker *gobreaker.CircuitBreaker
}

// Config controls pool sizing and circuit breaker sensitivity.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	BreakerEnabled     bool
	BreakerMinRequests uint32
	BreakerFailRatio   float64
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig returns sane pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:       20,
		MaxIdleConns:       5,
		ConnMaxLifetime:    30 * time.Minute,
		BreakerEnabled:     true,
		BreakerMinRequests: 10,
		BreakerFailRatio:   0.5,
		BreakerInterval:    60 * time.Second,
		BreakerTimeout:     5 * time.Second,
	}
}

// Open establishes a pgx-backed connection pool and verifies connectivity
// with a ping.
func Open(ctx context.Context, dsn, table string, cfg Config) (*Pool, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbpool: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbpool: ping: %w", err)
	}

	p := &Pool{db: db, table: table}

	if cfg.BreakerEnabled {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("dbpool-%s", table),
			MaxRequests: 1,
			Interval:    cfg.BreakerInterval,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.BreakerMinRequests {
					return false
				}
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.BreakerFailRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info().Str("name", name).Str("from", from.String()).Str("to", to.String()).
					Msg("database circuit breaker state changed")
				var stateValue float64
				switch to {
				case gobreaker.StateOpen:
					stateValue = 1
				case gobreaker.StateHalfOpen:
					stateValue = 0.5
				case gobreaker.StateClosed:
					stateValue = 0
				}
				metrics.CircuitBreakerState.WithLabelValues(table).Set(stateValue)
			},
		})
	}

	return p, nil
}

// DB returns the underlying connection pool for transactional message
// processing — not gated by the circuit breaker.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Guarded runs fn through the circuit breaker if one is configured,
// calling it directly otherwise.
func (p *Pool) Guarded(fn func() (any, error)) (any, error) {
	if p.breaker == nil {
		return fn()
	}
	return p.breaker.Execute(fn)
}

// Ping verifies the pool is reachable — used as a readiness check.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close shuts down the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}
