package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store/storetest"
)

func TestHandleCreateSource_Success(t *testing.T) {
	var insertedArgs []any
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeAdmin}, Enabled: true}, "")
		},
		ExecFunc: func(ctx context.Context, sql string, args ...any) error {
			insertedArgs = args
			return nil
		},
	}
	h := newTestHandlers(fake)

	body, _ := json.Marshal(sourceRequest{SourceID: "src-1", TenantID: "acme", Name: "firewall", Enabled: true})
	req := adminKeyReq(http.MethodPost, "/sources", body)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if len(insertedArgs) == 0 {
		t.Fatal("expected an INSERT against log_sources_admin")
	}
	if insertedArgs[3] != nil {
		t.Errorf("parser_id arg = %v, want nil when ParserID is empty", insertedArgs[3])
	}
}

func TestHandleListSources_Empty(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeAdmin}, Enabled: true}, "")
		},
		ExecuteFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return &fakeRows{n: 0}, nil
		},
	}
	h := newTestHandlers(fake)

	req := adminKeyReq(http.MethodGet, "/sources", nil)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var out []logSource
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("len(out) = %d, want 0", len(out))
	}
}

func TestHandleDeleteSource_NoContent(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeAdmin}, Enabled: true}, "")
		},
		ExecFunc: func(ctx context.Context, sql string, args ...any) error { return nil },
	}
	h := newTestHandlers(fake)

	req := adminKeyReq(http.MethodDelete, "/sources/src-1", nil)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body = %s", rec.Code, rec.Body.String())
	}
}
