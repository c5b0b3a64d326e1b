package admin

import (
	"net/http"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/httpserver"
)

type quarantineCount struct {
	Reason string `json:"reason"`
	Count int64 `json:"count"`
}

type quarantineSummary struct {
	Quarantine []quarantineCount `json:"quarantine"`
	DLQ []quarantineCount `json:"dlq"`
}

// handleListQuarantine implements GET /quarantine: returns quarantine and
// DLQ reasons and counts, scoped to a tenant, so operators can see what's
// being rejected without reading raw table rows.
func (h *Handlers) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "tenant_id query parameter is required"))
		return
	}

	quarantine, err := countByReason(r, h, `
		SELECT reason, COUNT(*) FROM events_quarantine WHERE tenant_id = $1 GROUP BY reason ORDER BY COUNT(*) DESC
	`, tenantID)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "listing quarantine counts", err))
		return
	}
	dlq, err := countByReason(r, h, `
		SELECT reason, COUNT(*) FROM ingest_dlq WHERE tenant_id = $1 GROUP BY reason ORDER BY COUNT(*) DESC
	`, tenantID)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "listing dlq counts", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, quarantineSummary{Quarantine: quarantine, DLQ: dlq})
}

func countByReason(r *http.Request, h *Handlers, sql, tenantID string) ([]quarantineCount, error) {
	rows, err := h.store.Execute(r.Context(), sql, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quarantineCount
	for rows.Next() {
		var c quarantineCount
		if err := rows.Scan(&c.Reason, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
