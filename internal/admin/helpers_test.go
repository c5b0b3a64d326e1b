package admin

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duskwatch/siemcore/internal/apikey"
	"github.com/duskwatch/siemcore/internal/audit"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/parser"
	"github.com/duskwatch/siemcore/internal/store/storetest"
	"github.com/duskwatch/siemcore/internal/tenantlimits"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeRows is a minimal pgx.Rows whose Scan is backed by a real per-row
// function, unlike a Values()-only fake, since this package scans columns
// directly rather than reading FieldDescriptions/Values.
type fakeRows struct {
	n      int
	idx    int
	scanFn func(row int, dest ...any) error
}

func (f *fakeRows) Close()                       {}
func (f *fakeRows) Err() error                    { return nil }
func (f *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (f *fakeRows) RawValues() [][]byte           { return nil }
func (f *fakeRows) Conn() *pgx.Conn               { return nil }
func (f *fakeRows) Values() ([]any, error)        { return nil, nil }
func (f *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (f *fakeRows) Next() bool {
	if f.idx >= f.n {
		return false
	}
	f.idx++
	return true
}

func (f *fakeRows) Scan(dest ...any) error { return f.scanFn(f.idx-1, dest...) }

type stubObjectStore struct {
	location string
	err      error
}

func (s *stubObjectStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.location != "" {
		return s.location, nil
	}
	return "file:///tmp/" + key, nil
}

func newTestHandlers(store *storetest.Fake) *Handlers {
	keys := apikey.New(store)
	limits := tenantlimits.New(store, 0)
	return New(store, keys, parser.New(store), limits, nil, audit.NewWriter(store, testLogger()), &stubObjectStore{})
}

func newAdminRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func withAdminKey(r *http.Request, key models.APIKey) *http.Request {
	ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
	return r.WithContext(ctx)
}
