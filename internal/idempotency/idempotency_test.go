package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/duskwatch/siemcore/internal/store/storetest"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func TestHashBody(t *testing.T) {
	a := HashBody([]byte(`{"a":1}`))
	b := HashBody([]byte(`{"a":1}`))
	c := HashBody([]byte(`{"a":2}`))
	if a != b {
		t.Error("HashBody should be deterministic for identical bodies")
	}
	if a == c {
		t.Error("HashBody should differ for different bodies")
	}
}

func TestCheck_New(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	r := New(fake, time.Hour)

	outcome, body, err := r.Check(context.Background(), "POST /ingest", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if outcome != OutcomeNew || body != nil {
		t.Errorf("Check() = %v, %v, want OutcomeNew, nil", outcome, body)
	}
}

func TestCheck_Replay(t *testing.T) {
	var incremented bool
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = "hash-1"
				*dest[1].(*[]byte) = []byte(`{"ok":true}`)
				*dest[2].(*time.Time) = time.Now().Add(time.Hour)
				return nil
			}}
		},
		ExecFunc: func(ctx context.Context, sql string, args ...any) error {
			incremented = true
			return nil
		},
	}
	r := New(fake, time.Hour)

	outcome, body, err := r.Check(context.Background(), "POST /ingest", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if outcome != OutcomeReplay || string(body) != `{"ok":true}` {
		t.Errorf("Check() = %v, %q, want OutcomeReplay, cached body", outcome, body)
	}
	if !incremented {
		t.Error("Check() should increment attempts on replay")
	}
}

func TestCheck_Conflict(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = "hash-1"
				*dest[1].(*[]byte) = []byte(`{"ok":true}`)
				*dest[2].(*time.Time) = time.Now().Add(time.Hour)
				return nil
			}}
		},
	}
	r := New(fake, time.Hour)

	outcome, _, err := r.Check(context.Background(), "POST /ingest", "key-1", "different-hash")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if outcome != OutcomeConflict {
		t.Errorf("Check() = %v, want OutcomeConflict", outcome)
	}
}

func TestCheck_Expired(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = "hash-1"
				*dest[1].(*[]byte) = []byte(`{"ok":true}`)
				*dest[2].(*time.Time) = time.Now().Add(-time.Hour)
				return nil
			}}
		},
	}
	r := New(fake, time.Hour)

	outcome, _, err := r.Check(context.Background(), "POST /ingest", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if outcome != OutcomeNew {
		t.Errorf("Check() = %v, want OutcomeNew for expired record", outcome)
	}
}
