// Package storetest provides an in-memory store.Store fake for unit tests
// of components that depend on the Store Adapter without a live database.
package storetest

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/duskwatch/siemcore/internal/apperr"
)

// Fake is a minimal, programmable store.Store. ExecFunc and ExecuteRowFunc
// let tests intercept specific calls; InsertedBatches records every
// InsertBatch call for assertions.
type Fake struct {
	ExecFunc func(ctx context.Context, sql string, args ...any) error
	ExecuteFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	ExecuteRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	PingErr error

	InsertedBatches []Batch
}

// Batch records one InsertBatch invocation.
type Batch struct {
	Table string
	Columns []string
	Rows [][]any
}

func (f *Fake) Execute(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, sql, args...)
	}
	return nil, apperr.New(apperr.KindInternal, "storetest.Fake: ExecuteFunc not set")
}

func (f *Fake) ExecuteRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.ExecuteRowFunc != nil {
		return f.ExecuteRowFunc(ctx, sql, args...)
	}
	return nil
}

func (f *Fake) Exec(ctx context.Context, sql string, args ...any) error {
	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, sql, args...)
	}
	return nil
}

func (f *Fake) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	f.InsertedBatches = append(f.InsertedBatches, Batch{Table: table, Columns: columns, Rows: rows})
	return nil
}

func (f *Fake) StreamQuery(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return f.Execute(ctx, sql, args...)
}

func (f *Fake) Bootstrap(ctx context.Context, migrationsDir string) error {
	return nil
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.PingErr
}
