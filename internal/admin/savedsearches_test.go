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

func TestHandleCreateSavedSearch_MissingQuery(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeAdmin}, Enabled: true}, "")
		},
	}
	h := newTestHandlers(fake)

	body, _ := json.Marshal(savedSearchRequest{TenantID: "acme", Name: "no query"})
	req := adminKeyReq(http.MethodPost, "/searches", body)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCreateSavedSearch_Success(t *testing.T) {
	var inserted bool
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeAdmin}, Enabled: true}, "")
		},
		ExecFunc: func(ctx context.Context, sql string, args ...any) error {
			inserted = true
			return nil
		},
	}
	h := newTestHandlers(fake)

	body, _ := json.Marshal(savedSearchRequest{TenantID: "acme", Name: "failed logins", Query: json.RawMessage(`{"dsl":"event_action:login_failed"}`)})
	req := adminKeyReq(http.MethodPost, "/searches", body)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if !inserted {
		t.Error("expected an INSERT against saved_searches")
	}
}

func TestHandleListSavedSearches_RequiresTenant(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeAdmin}, Enabled: true}, "")
		},
	}
	h := newTestHandlers(fake)

	req := adminKeyReq(http.MethodGet, "/searches", nil)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDeleteSavedSearch_NoContent(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeAdmin}, Enabled: true}, "")
		},
		ExecFunc: func(ctx context.Context, sql string, args ...any) error { return nil },
	}
	h := newTestHandlers(fake)

	req := adminKeyReq(http.MethodDelete, "/searches/search-1", nil)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body = %s", rec.Code, rec.Body.String())
	}
}
