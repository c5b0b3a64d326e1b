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

func searchKeyReq(method, path string, body []byte) *http.Request {
	req := adminKeyReq(method, path, body)
	return req
}

func TestHandleSearchExecute_ReturnsRows(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeSearch}, Enabled: true}, "")
		},
		ExecuteFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return &fakeRows{
				n: 1,
				scanFn: func(row int, dest ...any) error {
					*dest[0].(*string) = "11111111-1111-1111-1111-111111111111"
					*dest[1].(*string) = "acme"
					*dest[2].(*string) = "src-1"
					*dest[3].(*string) = "firewall"
					*dest[4].(*int64) = 1700000000
					*dest[5].(*string) = "network"
					*dest[6].(*string) = "deny"
					*dest[7].(*string) = "failure"
					*dest[8].(*string) = "10.0.0.1"
					*dest[9].(*string) = "10.0.0.2"
					*dest[10].(*string) = "alice"
					*dest[11].(*string) = "high"
					*dest[12].(*string) = "blocked connection"
					return nil
				},
			}, nil
		},
	}
	h := newTestHandlers(fake)

	body, _ := json.Marshal(searchExecuteRequest{
		TenantID: "acme",
		Time:     timeRange{From: 1699999000, To: 1700001000},
		Limit:    10,
	})
	req := searchKeyReq(http.MethodPost, "/search/execute", body)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var resp searchExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Data.Rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(resp.Data.Rows))
	}
	if resp.Data.Rows[0].UserName != "alice" {
		t.Errorf("UserName = %q, want alice", resp.Data.Rows[0].UserName)
	}
}

func TestHandleSearchExecute_RejectsMissingTenant(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeSearch}, Enabled: true}, "")
		},
	}
	h := newTestHandlers(fake)

	body, _ := json.Marshal(searchExecuteRequest{Time: timeRange{From: 1, To: 2}})
	req := searchKeyReq(http.MethodPost, "/search/execute", body)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCompileDSL_SimpleFieldValue(t *testing.T) {
	sql, err := compileDSL("user_name:alice severity:high")
	if err != nil {
		t.Fatalf("compileDSL() error = %v", err)
	}
	want := "user_name = 'alice' AND severity = 'high'"
	if sql != want {
		t.Errorf("compileDSL() = %q, want %q", sql, want)
	}
}

func TestCompileDSL_RejectsUnknownField(t *testing.T) {
	if _, err := compileDSL("bogus_field:alice"); err == nil {
		t.Fatal("compileDSL() should reject an unknown field")
	}
}

func TestCompileDSL_RejectsMalformedToken(t *testing.T) {
	if _, err := compileDSL("not-a-kv-pair"); err == nil {
		t.Fatal("compileDSL() should reject a token without a field:value split")
	}
}

func TestHandleSearchFacets_RejectsUnknownField(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeSearch}, Enabled: true}, "")
		},
	}
	h := newTestHandlers(fake)

	body, _ := json.Marshal(facetRequest{TenantID: "acme", Field: "not_a_real_field"})
	req := searchKeyReq(http.MethodPost, "/search/facets", body)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSearchEstimate_ReturnsCount(t *testing.T) {
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if len(args) >= 3 {
				return fakeRow{scan: func(dest ...any) error {
					*dest[0].(*int64) = 42
					return nil
				}}
			}
			return apiKeyLookupRow(models.APIKey{KeyID: "key-1", TenantID: "acme", Scopes: []models.APIKeyScope{models.ScopeSearch}, Enabled: true}, "")
		},
	}
	h := newTestHandlers(fake)

	body, _ := json.Marshal(searchExecuteRequest{TenantID: "acme", Time: timeRange{From: 1, To: 2}})
	req := searchKeyReq(http.MethodPost, "/search/estimate", body)
	rec := httptest.NewRecorder()
	newAdminRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var resp estimateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.EstimatedRows != 42 {
		t.Errorf("EstimatedRows = %d, want 42", resp.EstimatedRows)
	}
}
