// Copyright 2025 The WarDragon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage persists fleet observations in time-partitioned PostgreSQL
// tables and answers the range and pattern queries the API serves. All writes
// are keyed upserts, so retried and overlapping polls converge instead of
// duplicating.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrUnavailable marks failures where the database could not be reached at
// all, as opposed to a query the server rejected. API readers translate it
// into 503.
var ErrUnavailable = errors.New("storage unavailable")

const (
	defaultMinConns        = 10
	defaultMaxConns        = 30
	defaultConnLifetime    = time.Hour
	defaultConnectRetries  = 10
	defaultConnectInterval = 3 * time.Second
)

// Options configures the connection pool. Zero fields take the defaults
// above.
type Options struct {
	// DatabaseURL is a libpq-style connection string or URL.
	DatabaseURL string
	// MinConns are held open permanently; MaxConns bounds bursts.
	MinConns int32
	MaxConns int32
	// MaxConnLifetime recycles connections so server-side restarts and
	// failovers drain within one lifetime.
	MaxConnLifetime time.Duration
	// ConnectRetries and ConnectInterval bound the startup ping loop.
	// Startup fails hard once they are exhausted.
	ConnectRetries  uint64
	ConnectInterval time.Duration
}

func (o *Options) fillDefaults() {
	if o.MinConns == 0 {
		o.MinConns = defaultMinConns
	}
	if o.MaxConns == 0 {
		o.MaxConns = defaultMaxConns
	}
	if o.MaxConnLifetime == 0 {
		o.MaxConnLifetime = defaultConnLifetime
	}
	if o.ConnectRetries == 0 {
		o.ConnectRetries = defaultConnectRetries
	}
	if o.ConnectInterval == 0 {
		o.ConnectInterval = defaultConnectInterval
	}
}

type metrics struct {
	rowsWritten      *prometheus.CounterVec
	batchWriteErrors *prometheus.CounterVec
	rowsSkipped      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardragon_rows_written_total",
			Help: "Observation rows upserted, by table.",
		}, []string{"table"}),
		batchWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardragon_batch_write_errors_total",
			Help: "Whole-batch write failures, by table.",
		}, []string{"table"}),
		rowsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardragon_rows_skipped_total",
			Help: "Rows the database rejected individually, by table.",
		}, []string{"table"}),
	}
	if reg != nil {
		reg.MustRegister(m.rowsWritten, m.batchWriteErrors, m.rowsSkipped)
	}
	return m
}

// Store wraps the pgx pool plus the write and maintenance paths.
type Store struct {
	logger  log.Logger
	pool    *pgxpool.Pool
	metrics *metrics
}

// Open parses opts, builds the pool and pings it with a bounded retry loop.
// A database that stays down past the retry budget fails startup; transient
// unavailability later is absorbed by the pool.
func Open(ctx context.Context, logger log.Logger, opts Options, reg prometheus.Registerer) (*Store, error) {
	opts.fillDefaults()
	if opts.DatabaseURL == "" {
		return nil, errors.New("database URL must not be empty")
	}

	cfg, err := pgxpool.ParseConfig(opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.MinConns = opts.MinConns
	cfg.MaxConns = opts.MaxConns
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	// Pre-ping on acquire so a connection killed by a server restart is
	// replaced instead of handed to a writer.
	cfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			_ = level.Warn(logger).Log("msg", "database not ready", "err", err)
			return err
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.ConnectInterval), opts.ConnectRetries), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &Store{logger: logger, pool: pool, metrics: newMetrics(reg)}, nil
}

// Ping reports whether the database currently answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the pool. Safe to call once in-flight writers have drained.
func (s *Store) Close() {
	s.pool.Close()
}

// classify separates "the server rejected this" from "the server is gone".
// Context errors pass through untouched so cancellation stays clean.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// isRowError reports whether err is scoped to a single statement (bad data,
// constraint violation) rather than to the connection.
func isRowError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23": // data exception, integrity constraint violation
		return true
	}
	return false
}
