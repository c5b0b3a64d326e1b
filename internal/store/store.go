// Package store implements the Store Adapter: typed
// query/exec against the columnar analytics store, atomic batch inserts, a
// lazy streaming query cursor, DDL bootstrap, and a circuit breaker keyed by
// store endpoint.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/duskwatch/siemcore/internal/apperr"
)

// ErrorCategory is the closed set of store error categories.
type ErrorCategory int

const (
	CategoryUnavailable ErrorCategory = iota
	CategoryTimeout
	CategorySyntax
	CategoryIntegrityViolation
)

// Categorize classifies a driver error into one of the categories above.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return CategoryUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch {
		case pgErr.Code == "23505" || pgErr.Code[:2] == "23":
			return CategoryIntegrityViolation
		case pgErr.Code[:2] == "42":
			return CategorySyntax
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return CategoryUnavailable
	}
	return CategoryUnavailable
}

// Store is the capability interface production and test code program
// against.
type Store interface {
	Execute(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	ExecuteRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) error
	InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error
	StreamQuery(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Bootstrap(ctx context.Context, migrationsDir string) error
	Ping(ctx context.Context) error
}

// Adapter is the production Store backed by a pgx connection pool, guarded
// by a per-endpoint circuit breaker.
type Adapter struct {
	pool *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
	dsn string
}

// New creates a Store Adapter. dsn is used only to label the breaker;
// migration bootstrap acquires its connection from pool.
func New(pool *pgxpool.Pool, dsn string, openAfter int, openWindow time.Duration, cooldown time.Duration) *Adapter {
	settings := gobreaker.Settings{
		Name: "store:" + endpointLabel(dsn),
		MaxRequests: 1,
		Interval: openWindow,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(openAfter)
		},
	}
	return &Adapter{
		pool: pool,
		breaker: gobreaker.NewCircuitBreaker(settings),
		dsn: dsn,
	}
}

func endpointLabel(dsn string) string {
	if len(dsn) > 40 {
		return dsn[:40]
	}
	return dsn
}

// State returns the breaker's current state.
func (a *Adapter) State() gobreaker.State {
	return a.breaker.State()
}

// execute runs fn through the circuit breaker, translating a breaker-open
// rejection and retryable categories into UPSTREAM_DOWN/UPSTREAM_TIMEOUT.
func (a *Adapter) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	result, err := a.breaker.Execute(fn)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperr.Wrap(apperr.KindUpstreamDown, "store circuit breaker open", err)
	}
	switch Categorize(err) {
	case CategoryTimeout:
		return nil, apperr.Wrap(apperr.KindUpstreamTimeout, "store call timed out", err)
	case CategoryUnavailable:
		return nil, apperr.Wrap(apperr.KindUpstreamDown, "store unavailable", err)
	case CategorySyntax:
		return nil, apperr.Wrap(apperr.KindInternal, "store query syntax error", err)
	case CategoryIntegrityViolation:
		return nil, apperr.Wrap(apperr.KindConflict, "store integrity violation", err)
	default:
		return nil, apperr.Wrap(apperr.KindInternal, "store error", err)
	}
}

// Execute runs a query and returns its rows.
func (a *Adapter) Execute(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	v, err := a.execute(ctx, func() (any, error) {
		return a.pool.Query(ctx, sql, args...)
	})
	if err != nil {
		return nil, err
	}
	return v.(pgx.Rows), nil
}

// ExecuteRow runs a query expected to return at most one row.
func (a *Adapter) ExecuteRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.pool.QueryRow(ctx, sql, args...)
}

// Exec runs a statement that returns no rows.
func (a *Adapter) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := a.execute(ctx, func() (any, error) {
		_, err := a.pool.Exec(ctx, sql, args...)
		return nil, err
	})
	return err
}

// InsertBatch inserts rows atomically: requires that a failed
// batch never partially commits from the adapter's perspective. pgx's
// CopyFrom streams the batch inside an implicit single statement, which
// satisfies that contract without an explicit transaction wrapper.
func (a *Adapter) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := a.execute(ctx, func() (any, error) {
		n, err := a.pool.CopyFrom(ctx,
			pgx.Identifier{table},
			columns,
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return nil, err
		}
		if int(n) != len(rows) {
			return nil, fmt.Errorf("partial batch insert: wrote %d of %d rows", n, len(rows))
		}
		return nil, nil
	})
	return err
}

// StreamQuery returns a lazy, single-pass cursor over query results.
// The breaker still guards the initial dispatch; iteration errors surface
// through rows.Err.
func (a *Adapter) StreamQuery(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.Execute(ctx, sql, args...)
}

// Ping probes store reachability for /health. It calls the pool directly
// and does not pass through the circuit breaker.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}
