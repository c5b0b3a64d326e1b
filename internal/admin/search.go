package admin

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/httpserver"
	"github.com/duskwatch/siemcore/internal/models"
)

// timeRange is the inclusive [From, To] bound every search request carries.
type timeRange struct {
	From int64 `json:"from"`
	To int64 `json:"to"`
}

type searchExecuteRequest struct {
	TenantID string `json:"tenant_id"`
	Time timeRange `json:"time"`
	QCompiled string `json:"q_compiled"`
	Select []string `json:"select"`
	Sort string `json:"sort"`
	Limit int `json:"limit"`
	Cursor string `json:"cursor"`
}

type searchMeta struct {
	ScannedRows int `json:"scanned_rows"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

type searchExecuteResponse struct {
	Data struct {
		Rows []models.Event `json:"rows"`
		Meta searchMeta `json:"meta"`
		Cursor *string `json:"cursor,omitempty"`
	} `json:"data"`
}

// eventSelectColumns enumerates the event columns that search field names
// may refer to. handleSearchExecute always returns every one of them; the
// request's select list is not applied.
var eventSelectColumns = []string{
	"event_id", "tenant_id", "source_id", "source_type", "event_timestamp",
	"event_category", "event_action", "event_outcome", "source_ip",
	"destination_ip", "user_name", "severity", "message",
}

// handleSearchExecute implements POST /search/execute:
// q_compiled is a boolean SQL predicate already produced by the external
// query compiler; this endpoint only adds the tenant/time bounds, sort,
// limit, and cursor bookkeeping around it.
func (h *Handlers) handleSearchExecute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req searchExecuteRequest
	if appErr := httpserver.Decode(r, maxSearchBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	if req.TenantID == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "tenant_id is required"))
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > httpserver.MaxPageSize {
		limit = httpserver.DefaultPageSize
	}

	where := []string{"tenant_id = $1", "event_timestamp >= $2", "event_timestamp <= $3"}
	args := []any{req.TenantID, req.Time.From, req.Time.To}
	if strings.TrimSpace(req.QCompiled) != "" {
		where = append(where, "("+req.QCompiled+")")
	}

	var after *httpserver.Cursor
	if req.Cursor != "" {
		c, err := httpserver.DecodeCursor(req.Cursor)
		if err != nil {
			httpserver.RespondAppError(w, apperr.Wrap(apperr.KindValidation, "invalid cursor", err))
			return
		}
		after = &c
	}
	if after != nil {
		args = append(args, after.CreatedAt.Unix(), after.ID.String())
		where = append(where, fmt.Sprintf("(event_timestamp, event_id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	order := "event_timestamp DESC, event_id DESC"
	if req.Sort == "asc" {
		order = "event_timestamp ASC, event_id ASC"
	}

	sql := fmt.Sprintf(`
		SELECT event_id, tenant_id, source_id, source_type, event_timestamp, event_category,
		 event_action, event_outcome, source_ip, destination_ip, user_name, severity, message
		FROM events WHERE %s ORDER BY %s LIMIT %d
	`, strings.Join(where, " AND "), order, limit+1)

	rows, err := h.store.Execute(r.Context(), sql, args...)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "executing search", err))
		return
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.EventID, &ev.TenantID, &ev.SourceID, &ev.SourceType, &ev.EventTimestamp,
			&ev.EventCategory, &ev.EventAction, &ev.EventOutcome, &ev.SourceIP, &ev.DestinationIP,
			&ev.UserName, &ev.Severity, &ev.Message); err != nil {
			httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "scanning search result row", err))
			return
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "iterating search results", err))
		return
	}

	page := httpserver.NewCursorPage(events, limit, func(ev models.Event) httpserver.Cursor {
		id, _ := uuid.Parse(ev.EventID)
		return httpserver.Cursor{CreatedAt: time.Unix(ev.EventTimestamp, 0).UTC(), ID: id}
	})

	var resp searchExecuteResponse
	resp.Data.Rows = page.Items
	resp.Data.Cursor = page.NextCursor
	resp.Data.Meta = searchMeta{ScannedRows: len(page.Items), ElapsedMS: time.Since(start).Milliseconds()}
	httpserver.Respond(w, http.StatusOK, resp)
}

type searchCompileRequest struct {
	DSL string `json:"dsl"`
}

type searchCompileResponse struct {
	SQL string `json:"sql"`
}

// handleSearchCompile implements POST /search/compile: a
// passthrough translation of a simple `field:value` token DSL, ANDed
// together, into a SQL boolean predicate consumable as search/execute's
// q_compiled. Multi-value/range/negation DSL syntax is out of scope here.
func (h *Handlers) handleSearchCompile(w http.ResponseWriter, r *http.Request) {
	var req searchCompileRequest
	if appErr := httpserver.Decode(r, maxSearchBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	sql, err := compileDSL(req.DSL)
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, searchCompileResponse{SQL: sql})
}

// compileDSL turns `field:value` tokens separated by whitespace into an
// ANDed SQL predicate, quoting values to guard against naive injection via
// this narrow grammar.
func compileDSL(dsl string) (string, *apperr.Error) {
	tokens := strings.Fields(dsl)
	if len(tokens) == 0 {
		return "TRUE", nil
	}
	clauses := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		parts := strings.SplitN(tok, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return "", apperr.New(apperr.KindValidation, "malformed query token: "+tok).
				WithDetails(map[string]any{"token": tok})
		}
		field, value := parts[0], parts[1]
		if !isIdentifier(field) {
			return "", apperr.New(apperr.KindValidation, "unknown field: "+field)
		}
		escaped := strings.ReplaceAll(value, "'", "''")
		clauses = append(clauses, fmt.Sprintf("%s = '%s'", field, escaped))
	}
	return strings.Join(clauses, " AND "), nil
}

func isIdentifier(field string) bool {
	for _, col := range eventSelectColumns {
		if col == field {
			return true
		}
	}
	return false
}

type facetRequest struct {
	TenantID string `json:"tenant_id"`
	Time timeRange `json:"time"`
	Field string `json:"field"`
	Limit int `json:"limit"`
}

type facetValue struct {
	Value string `json:"value"`
	Count int64 `json:"count"`
}

// handleSearchFacets implements POST /search/facets: top-N value counts for
// one event field within a time range, served by parameterized SQL.
func (h *Handlers) handleSearchFacets(w http.ResponseWriter, r *http.Request) {
	var req facetRequest
	if appErr := httpserver.Decode(r, maxSearchBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	if !isIdentifier(req.Field) {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "unknown facet field: "+req.Field))
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	sql := fmt.Sprintf(`
		SELECT %s AS value, COUNT(*) AS cnt
		FROM events WHERE tenant_id = $1 AND event_timestamp >= $2 AND event_timestamp <= $3
		GROUP BY %s ORDER BY cnt DESC LIMIT %d
	`, req.Field, req.Field, limit)

	rows, err := h.store.Execute(r.Context(), sql, req.TenantID, req.Time.From, req.Time.To)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "computing facets", err))
		return
	}
	defer rows.Close()

	var out []facetValue
	for rows.Next() {
		var fv facetValue
		if err := rows.Scan(&fv.Value, &fv.Count); err != nil {
			httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "scanning facet row", err))
			return
		}
		out = append(out, fv)
	}
	httpserver.Respond(w, http.StatusOK, out)
}

type timelineRequest struct {
	TenantID string `json:"tenant_id"`
	Time timeRange `json:"time"`
	BucketSecs int `json:"bucket_seconds"`
}

type timelineBucket struct {
	BucketStart int64 `json:"bucket_start"`
	Count int64 `json:"count"`
}

// handleSearchTimeline implements POST /search/timeline: a fixed-width
// histogram of event counts across the requested time range.
func (h *Handlers) handleSearchTimeline(w http.ResponseWriter, r *http.Request) {
	var req timelineRequest
	if appErr := httpserver.Decode(r, maxSearchBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	bucket := req.BucketSecs
	if bucket <= 0 {
		bucket = 60
	}

	rows, err := h.store.Execute(r.Context(), `
		SELECT (event_timestamp / $4) * $4 AS bucket_start, COUNT(*) AS cnt
		FROM events WHERE tenant_id = $1 AND event_timestamp >= $2 AND event_timestamp <= $3
		GROUP BY bucket_start ORDER BY bucket_start ASC
	`, req.TenantID, req.Time.From, req.Time.To, bucket)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "computing timeline", err))
		return
	}
	defer rows.Close()

	var out []timelineBucket
	for rows.Next() {
		var b timelineBucket
		if err := rows.Scan(&b.BucketStart, &b.Count); err != nil {
			httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "scanning timeline row", err))
			return
		}
		out = append(out, b)
	}
	httpserver.Respond(w, http.StatusOK, out)
}

type estimateResponse struct {
	EstimatedRows int64 `json:"estimated_rows"`
}

// handleSearchEstimate implements POST /search/estimate: a cheap count of
// matching rows without fetching them, for query-cost feedback in a search UI.
func (h *Handlers) handleSearchEstimate(w http.ResponseWriter, r *http.Request) {
	var req searchExecuteRequest
	if appErr := httpserver.Decode(r, maxSearchBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	where := []string{"tenant_id = $1", "event_timestamp >= $2", "event_timestamp <= $3"}
	args := []any{req.TenantID, req.Time.From, req.Time.To}
	if strings.TrimSpace(req.QCompiled) != "" {
		where = append(where, "("+req.QCompiled+")")
	}

	row := h.store.ExecuteRow(r.Context(), fmt.Sprintf(`
		SELECT COUNT(*) FROM events WHERE %s
	`, strings.Join(where, " AND ")), args...)
	var count int64
	if err := row.Scan(&count); err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "estimating search result count", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, estimateResponse{EstimatedRows: count})
}

type autocompleteRequest struct {
	TenantID string `json:"tenant_id"`
	Field string `json:"field"`
	Prefix string `json:"prefix"`
	Limit int `json:"limit"`
}

// handleSearchAutocomplete implements POST /search/autocomplete: distinct
// values of one field matching a prefix, for search-bar suggestions.
func (h *Handlers) handleSearchAutocomplete(w http.ResponseWriter, r *http.Request) {
	var req autocompleteRequest
	if appErr := httpserver.Decode(r, maxSearchBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	if !isIdentifier(req.Field) {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "unknown field: "+req.Field))
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	sql := fmt.Sprintf(`
		SELECT DISTINCT %s FROM events
		WHERE tenant_id = $1 AND %s LIKE $2
		LIMIT %d
	`, req.Field, req.Field, limit)

	rows, err := h.store.Execute(r.Context(), sql, req.TenantID, req.Prefix+"%")
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "computing autocomplete", err))
		return
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "scanning autocomplete row", err))
			return
		}
		out = append(out, v)
	}
	httpserver.Respond(w, http.StatusOK, out)
}
