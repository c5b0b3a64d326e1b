package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/httpserver"
)

type savedSearch struct {
	SearchID string `json:"search_id"`
	TenantID string `json:"tenant_id"`
	Name string `json:"name"`
	Query json.RawMessage `json:"query"`
	CreatedAt time.Time `json:"created_at"`
}

type savedSearchRequest struct {
	TenantID string `json:"tenant_id"`
	Name string `json:"name"`
	Query json.RawMessage `json:"query"`
}

// handleCreateSavedSearch implements POST /searches.
func (h *Handlers) handleCreateSavedSearch(w http.ResponseWriter, r *http.Request) {
	var req savedSearchRequest
	if appErr := httpserver.Decode(r, maxAdminBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	if req.TenantID == "" || req.Name == "" || len(req.Query) == 0 {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "tenant_id, name, and query are required"))
		return
	}

	search := savedSearch{SearchID: uuid.New().String(), TenantID: req.TenantID, Name: req.Name, Query: req.Query, CreatedAt: time.Now().UTC()}
	err := h.store.Exec(r.Context(), `
		INSERT INTO saved_searches (search_id, tenant_id, name, query, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, search.SearchID, search.TenantID, search.Name, []byte(search.Query), search.CreatedAt)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "creating saved search", err))
		return
	}
	h.audit(r, search.TenantID, "create", "search:"+search.SearchID, search)
	httpserver.Respond(w, http.StatusOK, search)
}

// handleListSavedSearches implements GET /searches?tenant_id=.
func (h *Handlers) handleListSavedSearches(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "tenant_id query parameter is required"))
		return
	}

	rows, err := h.store.Execute(r.Context(), `
		SELECT search_id, tenant_id, name, query, created_at
		FROM saved_searches WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "listing saved searches", err))
		return
	}
	defer rows.Close()

	var out []savedSearch
	for rows.Next() {
		var s savedSearch
		if err := rows.Scan(&s.SearchID, &s.TenantID, &s.Name, &s.Query, &s.CreatedAt); err != nil {
			httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "scanning saved search row", err))
			return
		}
		out = append(out, s)
	}
	httpserver.Respond(w, http.StatusOK, out)
}

// handleDeleteSavedSearch implements DELETE /searches/{id}.
func (h *Handlers) handleDeleteSavedSearch(w http.ResponseWriter, r *http.Request) {
	searchID := chi.URLParam(r, "id")
	if err := h.store.Exec(r.Context(), `DELETE FROM saved_searches WHERE search_id = $1`, searchID); err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "deleting saved search", err))
		return
	}
	h.audit(r, keyFromContext(r.Context()).TenantID, "delete", "search:"+searchID, nil)
	w.WriteHeader(http.StatusNoContent)
}
