package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/httpserver"
)

type logSource struct {
	SourceID string `json:"source_id"`
	TenantID string `json:"tenant_id"`
	Name string `json:"name"`
	ParserID string `json:"parser_id,omitempty"`
	Enabled bool `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

type sourceRequest struct {
	SourceID string `json:"source_id"`
	TenantID string `json:"tenant_id"`
	Name string `json:"name"`
	ParserID string `json:"parser_id"`
	Enabled bool `json:"enabled"`
}

// handleCreateSource implements POST /sources: registers a log source and
// the parser it is bound to.
func (h *Handlers) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if appErr := httpserver.Decode(r, maxAdminBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	if req.SourceID == "" || req.TenantID == "" || req.Name == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "source_id, tenant_id, and name are required"))
		return
	}

	src := logSource{SourceID: req.SourceID, TenantID: req.TenantID, Name: req.Name, ParserID: req.ParserID, Enabled: req.Enabled, UpdatedAt: time.Now().UTC()}
	var parserID any
	if src.ParserID != "" {
		parserID = src.ParserID
	}
	err := h.store.Exec(r.Context(), `
		INSERT INTO log_sources_admin (source_id, tenant_id, name, parser_id, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, src.SourceID, src.TenantID, src.Name, parserID, src.Enabled, src.UpdatedAt)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "creating log source", err))
		return
	}
	h.audit(r, src.TenantID, "create", "source:"+src.SourceID, src)
	httpserver.Respond(w, http.StatusOK, src)
}

// handleListSources implements GET /sources.
func (h *Handlers) handleListSources(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.Execute(r.Context(), `
		SELECT source_id, tenant_id, name, COALESCE(parser_id::text, ''), enabled, updated_at
		FROM log_sources_admin ORDER BY updated_at DESC
	`)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "listing sources", err))
		return
	}
	defer rows.Close()

	var out []logSource
	for rows.Next() {
		var src logSource
		if err := rows.Scan(&src.SourceID, &src.TenantID, &src.Name, &src.ParserID, &src.Enabled, &src.UpdatedAt); err != nil {
			httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "scanning source row", err))
			return
		}
		out = append(out, src)
	}
	httpserver.Respond(w, http.StatusOK, out)
}

// handleUpdateSource implements PUT /sources/{id}.
func (h *Handlers) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")
	var req sourceRequest
	if appErr := httpserver.Decode(r, maxAdminBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}

	var parserID any
	if req.ParserID != "" {
		parserID = req.ParserID
	}
	now := time.Now().UTC()
	err := h.store.Exec(r.Context(), `
		UPDATE log_sources_admin SET name = $2, parser_id = $3, enabled = $4, updated_at = $5
		WHERE source_id = $1
	`, sourceID, req.Name, parserID, req.Enabled, now)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "updating source", err))
		return
	}
	h.audit(r, req.TenantID, "update", "source:"+sourceID, req)
	httpserver.Respond(w, http.StatusOK, logSource{SourceID: sourceID, TenantID: req.TenantID, Name: req.Name, ParserID: req.ParserID, Enabled: req.Enabled, UpdatedAt: now})
}

// handleDeleteSource implements DELETE /sources/{id}.
func (h *Handlers) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")
	if err := h.store.Exec(r.Context(), `DELETE FROM log_sources_admin WHERE source_id = $1`, sourceID); err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "deleting source", err))
		return
	}
	h.audit(r, keyFromContext(r.Context()).TenantID, "delete", "source:"+sourceID, nil)
	w.WriteHeader(http.StatusNoContent)
}
