package admin

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/httpserver"
)

// ObjectStore is the narrow interface the object store used for artifact
// exports is accessed through.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (location string, err error)
}

// localObjectStore snapshots exports to a local temp directory. It stands
// in for a real object store client in deployments that don't inject one.
type localObjectStore struct {
	dir string
}

func newLocalObjectStore() *localObjectStore {
	dir := filepath.Join(os.TempDir(), "siemcore-exports")
	_ = os.MkdirAll(dir, 0o755)
	return &localObjectStore{dir: dir}
}

func (o *localObjectStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path := filepath.Join(o.dir, key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing export artifact: %w", err)
	}
	return "file://" + path, nil
}

const exportTTL = 24 * time.Hour

// ErrUnsupportedFormat is returned for an export format this repo doesn't
// implement. Parquet is accepted as a named format but not implemented;
// only CSV and JSON are.
var ErrUnsupportedFormat = apperr.New(apperr.KindValidation, "unsupported export format: parquet is not implemented")

type exportRequest struct {
	TenantID string `json:"tenant_id"`
	Format string `json:"format"`
	Time timeRange `json:"time"`
	QCompiled string `json:"q_compiled"`
}

type exportRecord struct {
	ExportID string `json:"export_id"`
	TenantID string `json:"tenant_id"`
	Format string `json:"format"`
	Status string `json:"status"`
	Location string `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleCreateExport implements POST /search/export. The export runs synchronously and is snapshotted to
// the object store before the row is written as already completed.
func (h *Handlers) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if appErr := httpserver.Decode(r, maxSearchBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	if req.TenantID == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "tenant_id is required"))
		return
	}
	format := strings.ToLower(req.Format)
	if format != "csv" && format != "json" {
		httpserver.RespondAppError(w, ErrUnsupportedFormat)
		return
	}

	where := []string{"tenant_id = $1", "event_timestamp >= $2", "event_timestamp <= $3"}
	args := []any{req.TenantID, req.Time.From, req.Time.To}
	if strings.TrimSpace(req.QCompiled) != "" {
		where = append(where, "("+req.QCompiled+")")
	}
	sql := fmt.Sprintf(`
		SELECT event_id, tenant_id, source_id, source_type, event_timestamp, event_category,
		 event_action, event_outcome, source_ip, destination_ip, user_name, severity, message
		FROM events WHERE %s ORDER BY event_timestamp ASC
	`, strings.Join(where, " AND "))

	rows, err := h.store.Execute(r.Context(), sql, args...)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "querying export rows", err))
		return
	}
	defer rows.Close()

	data, err := renderExport(rows, format)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "rendering export", err))
		return
	}

	now := time.Now().UTC()
	rec := exportRecord{
		ExportID: uuid.New().String(),
		TenantID: req.TenantID,
		Format: format,
		Status: "completed",
		CreatedAt: now,
		ExpiresAt: now.Add(exportTTL),
	}

	location, err := h.objects.Put(r.Context(), rec.ExportID+"."+format, data, contentTypeFor(format))
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "storing export artifact", err))
		return
	}
	rec.Location = location

	err = h.store.Exec(r.Context(), `
		INSERT INTO search_exports (export_id, tenant_id, format, status, location, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ExportID, rec.TenantID, rec.Format, rec.Status, rec.Location, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "recording export", err))
		return
	}
	h.audit(r, rec.TenantID, "create", "export:"+rec.ExportID, rec)
	httpserver.Respond(w, http.StatusOK, rec)
}

func contentTypeFor(format string) string {
	if format == "json" {
		return "application/json"
	}
	return "text/csv"
}

// executeRows is the subset of pgx.Rows renderExport consumes.
type executeRows interface {
	Next() bool
	Scan(dest ...any) error
}

func renderExport(rows executeRows, format string) ([]byte, error) {
	type row struct {
		EventID, TenantID, SourceID, SourceType string
		EventTimestamp int64
		EventCategory, EventAction, EventOutcome string
		SourceIP, DestinationIP, UserName, Severity, Message string
	}
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.EventID, &r.TenantID, &r.SourceID, &r.SourceType, &r.EventTimestamp,
			&r.EventCategory, &r.EventAction, &r.EventOutcome, &r.SourceIP, &r.DestinationIP,
			&r.UserName, &r.Severity, &r.Message); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	if format == "json" {
		return json.Marshal(out)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	header := []string{"event_id", "tenant_id", "source_id", "source_type", "event_timestamp",
		"event_category", "event_action", "event_outcome", "source_ip", "destination_ip",
		"user_name", "severity", "message"}
	if err := writer.Write(header); err != nil {
		return nil, err
	}
	for _, r := range out {
		record := []string{r.EventID, r.TenantID, r.SourceID, r.SourceType, strconv.FormatInt(r.EventTimestamp, 10),
			r.EventCategory, r.EventAction, r.EventOutcome, r.SourceIP, r.DestinationIP,
			r.UserName, r.Severity, r.Message}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// handleGetExport implements GET /search/export/{id}.
func (h *Handlers) handleGetExport(w http.ResponseWriter, r *http.Request) {
	exportID := chi.URLParam(r, "id")
	row := h.store.ExecuteRow(r.Context(), `
		SELECT export_id, tenant_id, format, status, COALESCE(location, ''), created_at, expires_at
		FROM search_exports WHERE export_id = $1
	`, exportID)

	var rec exportRecord
	if err := row.Scan(&rec.ExportID, &rec.TenantID, &rec.Format, &rec.Status, &rec.Location, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.KindNotFound, "export not found"))
		return
	}
	httpserver.Respond(w, http.StatusOK, rec)
}
