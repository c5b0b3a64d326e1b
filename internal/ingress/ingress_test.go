package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/duskwatch/siemcore/internal/apikey"
	"github.com/duskwatch/siemcore/internal/coordinator"
	"github.com/duskwatch/siemcore/internal/idempotency"
	"github.com/duskwatch/siemcore/internal/ingest"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/ratelimit"
	"github.com/duskwatch/siemcore/internal/store/storetest"
	"github.com/duskwatch/siemcore/internal/telemetry"
	"github.com/duskwatch/siemcore/internal/tenantlimits"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// validKeyStore fakes the api_keys lookup for a single enabled ingest key
// belonging to tenantID, and answers any other ExecuteRow (e.g. tenant
// limits) with ErrNoRows so defaults apply.
func validKeyStore(tenantID, rawKey string) *storetest.Fake {
	hash := apikey.Hash(rawKey)
	return &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if len(args) == 1 {
				// api_keys lookup, by token_hash only.
				return fakeRow{scan: func(dest ...any) error {
					*dest[0].(*string) = "key-1"
					*dest[1].(*string) = tenantID
					*dest[2].(*string) = "ingest key"
					*dest[3].(*[]string) = []string{string(models.ScopeIngest)}
					*dest[4].(*string) = hash
					*dest[5].(*bool) = true
					*dest[6].(*time.Time) = time.Now().UTC()
					return nil
				}}
			}
			// idempotency_keys lookup, by (route, key): none recorded yet.
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
		ExecuteFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return nil, pgx.ErrNoRows
		},
	}
}

type fakeCoordinator struct {
	coordinator.Coordinator
	tokenBucketFunc func(ctx context.Context, key string, rate, burst float64, cost int) (coordinator.TokenBucketResult, error)
	publishFunc     func(ctx context.Context, topic, payload string) error
}

func (f *fakeCoordinator) TokenBucket(ctx context.Context, key string, rate, burst float64, cost int) (coordinator.TokenBucketResult, error) {
	if f.tokenBucketFunc != nil {
		return f.tokenBucketFunc(ctx, key, rate, burst, cost)
	}
	return coordinator.TokenBucketResult{Allowed: true}, nil
}

func (f *fakeCoordinator) Publish(ctx context.Context, topic, payload string) error {
	if f.publishFunc != nil {
		return f.publishFunc(ctx, topic, payload)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandlers(t *testing.T, fake *storetest.Fake, coord *fakeCoordinator, idem *idempotency.Registry) *Handlers {
	t.Helper()
	keys := apikey.New(fake)
	limiter := ratelimit.New(coord, tenantlimits.New(fake, time.Hour), telemetry.New())
	pipeline := ingest.New(fake, coord, nil, nil, nil, tenantlimits.New(fake, time.Hour), telemetry.New(), testLogger(), ingest.Config{})
	return New(pipeline, keys, limiter, idem, 1<<20)
}

func newRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func TestHandleNDJSON_MissingAPIKey(t *testing.T) {
	fake := &storetest.Fake{}
	h := newTestHandlers(t, fake, &fakeCoordinator{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest/ndjson?tenant=acme", bytes.NewReader([]byte(`{"tenant_id":"acme","source_id":"fw","event_timestamp":1700000000}`)))
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleNDJSON_TenantMismatch(t *testing.T) {
	fake := validKeyStore("acme", "siem_valid")
	h := newTestHandlers(t, fake, &fakeCoordinator{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest/ndjson?tenant=other-tenant", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-API-Key", "siem_valid")
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleNDJSON_RateLimited(t *testing.T) {
	fake := validKeyStore("acme", "siem_valid")
	coord := &fakeCoordinator{tokenBucketFunc: func(ctx context.Context, key string, rate, burst float64, cost int) (coordinator.TokenBucketResult, error) {
		return coordinator.TokenBucketResult{Allowed: false, RetryAfterMs: 1500}, nil
	}}
	h := newTestHandlers(t, fake, coord, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest/ndjson?tenant=acme", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-API-Key", "siem_valid")
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want rounded-up 2", rec.Header().Get("Retry-After"))
	}
}

func TestHandleNDJSON_PartialSuccess(t *testing.T) {
	fake := validKeyStore("acme", "siem_valid")
	h := newTestHandlers(t, fake, &fakeCoordinator{}, nil)

	body := `{"tenant_id":"acme","source_id":"fw","event_timestamp":1700000000}
not json at all
{"tenant_id":"acme","source_id":"fw","event_timestamp":1700000001}
`
	req := httptest.NewRequest(http.MethodPost, "/ingest/ndjson?tenant=acme", bytes.NewReader([]byte(body)))
	req.Header.Set("X-API-Key", "siem_valid")
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", result.Accepted)
	}
	if result.DLQ != 1 || result.Reasons["MALFORMED_JSON"] != 1 {
		t.Errorf("result = %+v, want 1 DLQ with MALFORMED_JSON reason", result)
	}
}

func TestHandleBulk_PartialSuccess(t *testing.T) {
	fake := validKeyStore("acme", "siem_valid")
	h := newTestHandlers(t, fake, &fakeCoordinator{}, nil)

	body, _ := json.Marshal(ingestBulkRequest{Logs: []json.RawMessage{
		[]byte(`{"tenant_id":"acme","source_id":"fw","event_timestamp":1700000000}`),
		[]byte(`{"tenant_id":"acme","source_id":"fw"}`),
	}})
	req := httptest.NewRequest(http.MethodPost, "/ingest/bulk", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "siem_valid")
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Accepted != 1 || result.Quarantined != 1 {
		t.Errorf("result = %+v, want 1 accepted, 1 quarantined (missing event_timestamp)", result)
	}
}

// idempotentKeyStore is validKeyStore plus an in-memory idempotency_keys
// table, needed to exercise replay/conflict across sequential requests.
type idempotentKeyStore struct {
	*storetest.Fake
	responseHash, responseBody string
	recorded                   bool
}

func newIdempotentKeyStore(tenantID, rawKey string) *idempotentKeyStore {
	s := &idempotentKeyStore{Fake: validKeyStore(tenantID, rawKey)}
	base := s.Fake.ExecuteRowFunc
	s.Fake.ExecuteRowFunc = func(ctx context.Context, sql string, args ...any) pgx.Row {
		if len(args) == 2 && s.recorded {
			respHash, respBody := s.responseHash, s.responseBody
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = respHash
				*dest[1].(*[]byte) = []byte(respBody)
				*dest[2].(*time.Time) = time.Now().Add(time.Hour)
				return nil
			}}
		}
		return base(ctx, sql, args...)
	}
	return s
}

func TestHandleNDJSON_IdempotentReplay(t *testing.T) {
	store := newIdempotentKeyStore("acme", "siem_valid")
	store.Fake.ExecFunc = func(ctx context.Context, sql string, args ...any) error {
		// idempotency.Record: (route, key, first_seen_at, bodyHash, responseBody, expiresAt)
		if len(args) == 6 {
			store.responseHash = args[3].(string)
			store.responseBody = string(args[4].([]byte))
			store.recorded = true
		}
		return nil
	}
	fake := store.Fake
	idem := idempotency.New(store, time.Hour)
	h := newTestHandlers(t, fake, &fakeCoordinator{}, idem)

	body := []byte(`{"tenant_id":"acme","source_id":"fw","event_timestamp":1700000000}` + "\n")

	req1 := httptest.NewRequest(http.MethodPost, "/ingest/ndjson?tenant=acme", bytes.NewReader(body))
	req1.Header.Set("X-API-Key", "siem_valid")
	req1.Header.Set("Idempotency-Key", "k-1")
	rec1 := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, body = %s", rec1.Code, rec1.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodPost, "/ingest/ndjson?tenant=acme", bytes.NewReader(body))
	req2.Header.Set("X-API-Key", "siem_valid")
	req2.Header.Set("Idempotency-Key", "k-1")
	rec2 := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("replay status = %d, body = %s", rec2.Code, rec2.Body.String())
	}
	var replayed map[string]any
	if err := json.Unmarshal(rec2.Body.Bytes(), &replayed); err != nil {
		t.Fatalf("decoding replay response: %v", err)
	}
	if replayed["replayed"] != true {
		t.Errorf("replay response = %+v, want replayed=true", replayed)
	}

	req3 := httptest.NewRequest(http.MethodPost, "/ingest/ndjson?tenant=acme", bytes.NewReader([]byte(`{"tenant_id":"acme","source_id":"fw","event_timestamp":1700000099}`+"\n")))
	req3.Header.Set("X-API-Key", "siem_valid")
	req3.Header.Set("Idempotency-Key", "k-1")
	rec3 := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusConflict {
		t.Fatalf("conflicting body status = %d, want 409, body = %s", rec3.Code, rec3.Body.String())
	}
}
