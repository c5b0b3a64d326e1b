package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/duskwatch/siemcore/internal/apikey"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store/storetest"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func newRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func TestHandleEnroll_Success(t *testing.T) {
	secretHash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}

	var insertedArgs []any
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = string(secretHash)
				return nil
			}}
		},
		ExecFunc: func(ctx context.Context, sql string, args ...any) error {
			insertedArgs = args
			return nil
		},
	}
	keys := apikey.New(fake)
	h := New(fake, keys, nil, "https://siem.example.com")

	body, _ := json.Marshal(enrollRequest{TenantID: "acme", Name: "collector-1", EnrollmentSecret: "s3cret"})
	req := httptest.NewRequest(http.MethodPost, "/agents/enroll", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp enrollResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.AgentID == "" || resp.APIKey == "" || resp.SourceID == "" {
		t.Errorf("enrollResponse missing fields: %+v", resp)
	}
	if resp.ConfigURL != "https://siem.example.com/agents/"+resp.AgentID+"/config" {
		t.Errorf("config_url = %q", resp.ConfigURL)
	}
	if insertedArgs == nil {
		t.Error("expected an agents row to be inserted")
	}
}

func TestHandleEnroll_WrongSecret(t *testing.T) {
	secretHash, _ := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = string(secretHash)
				return nil
			}}
		},
	}
	h := New(fake, apikey.New(fake), nil, "")

	body, _ := json.Marshal(enrollRequest{TenantID: "acme", Name: "collector-1", EnrollmentSecret: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/agents/enroll", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleEnroll_UnknownTenant(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	h := New(fake, apikey.New(fake), nil, "")

	body, _ := json.Marshal(enrollRequest{TenantID: "ghost", Name: "collector-1", EnrollmentSecret: "s3cret"})
	req := httptest.NewRequest(http.MethodPost, "/agents/enroll", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleEnroll_MissingFields(t *testing.T) {
	fake := &storetest.Fake{}
	h := New(fake, apikey.New(fake), nil, "")

	body, _ := json.Marshal(enrollRequest{TenantID: "acme"})
	req := httptest.NewRequest(http.MethodPost, "/agents/enroll", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHeartbeat_UpdatesAgentAndReturnsNoContent(t *testing.T) {
	var gotArgs []any
	fake := &storetest.Fake{
		ExecFunc: func(ctx context.Context, sql string, args ...any) error {
			gotArgs = args
			return nil
		},
	}
	h := New(fake, apikey.New(fake), nil, "")

	body, _ := json.Marshal(heartbeatRequest{Version: "1.2.3", EPS: 42.5, QueueDepth: 3, LastOK: true})
	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(gotArgs) == 0 || gotArgs[0] != "agent-1" {
		t.Errorf("heartbeat update args = %+v", gotArgs)
	}
}

func TestHandleIngest_MissingAPIKey(t *testing.T) {
	fake := &storetest.Fake{}
	h := New(fake, apikey.New(fake), nil, "")

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/ingest", bytes.NewReader([]byte("{}\n")))
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleIngest_InvalidAPIKey(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	h := New(fake, apikey.New(fake), nil, "")

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/ingest", bytes.NewReader([]byte("{}\n")))
	req.Header.Set("X-API-Key", "siem_bogus")
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleIngest_AgentNotInTenant(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if len(args) == 1 {
				// api_keys lookup, by token_hash only.
				return fakeRow{scan: func(dest ...any) error {
					*dest[0].(*string) = "key-1"
					*dest[1].(*string) = "acme"
					*dest[2].(*string) = "agent:collector-1"
					*dest[3].(*[]string) = []string{string(models.ScopeIngest)}
					*dest[4].(*string) = apikey.Hash("siem_validkey")
					*dest[5].(*bool) = true
					*dest[6].(*time.Time) = time.Now().UTC()
					return nil
				}}
			}
			// agents lookup, by agent_id and tenant_id: not found under this tenant.
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	h := New(fake, apikey.New(fake), nil, "")

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/ingest", bytes.NewReader([]byte("{}\n")))
	req.Header.Set("X-API-Key", "siem_validkey")
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden && rec.Code != http.StatusConflict && rec.Code != http.StatusNotFound && rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected a rejection status for cross-tenant agent access, got %d body = %s", rec.Code, rec.Body.String())
	}
}
