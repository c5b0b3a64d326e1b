// Package ingest implements the Ingest Pipeline: per-record
// transport validation, tenant gating, parser selection, schema validation,
// enrichment, ledger accounting, and a batched atomic flush to the Store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/coordinator"
	"github.com/duskwatch/siemcore/internal/enrichment"
	"github.com/duskwatch/siemcore/internal/ledger"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/parser"
	"github.com/duskwatch/siemcore/internal/store"
	"github.com/duskwatch/siemcore/internal/telemetry"
	"github.com/duskwatch/siemcore/internal/tenantlimits"
)

// ErrTenantMismatch aborts an entire ingest request: a
// record carries a tenant_id that disagrees with the authenticated tenant.
var ErrTenantMismatch = apperr.New(apperr.KindTenantMismatch, "record tenant_id does not match authenticated tenant")

// ErrBackpressure is returned when a buffer is above its high-water mark
// and the caller should respond 503.
var ErrBackpressure = apperr.New(apperr.KindUpstreamDown, "ingest buffer above high-water mark")

// validate is a package-level, concurrency-safe validator instance.
var validate = validator.New(validator.WithRequiredStructEnabled)

// schemaCheck carries the fields calls invariant on a normalized
// Event: non-empty tenant_id/source_id, a positive event_timestamp.
type schemaCheck struct {
	TenantID string `validate:"required"`
	SourceID string `validate:"required"`
	EventTimestamp int64 `validate:"required,gt=0"`
}

// Config bounds the batch buffer and flush cadence.
type Config struct {
	BatchMax int
	FlushInterval time.Duration
	HighWaterMark int
	DefaultRetentionDays uint16
}

// Result is the partial-success accounting returned to bulk/NDJSON callers.
type Result struct {
	Accepted int `json:"accepted"`
	Quarantined int `json:"quarantined"`
	DLQ int `json:"dlq"`
	Reasons map[string]int `json:"reasons"`
}

func (r *Result) addReason(reason string) {
	if r.Reasons == nil {
		r.Reasons = make(map[string]int)
	}
	r.Reasons[reason]++
}

// tableBuffer accumulates rows for one destination table until flushed.
type tableBuffer struct {
	mu sync.Mutex
	columns []string
	rows [][]any
	openSince time.Time
}

// Pipeline runs the full per-record pipeline and owns the batch buffers that
// flush atomically to the Store.
type Pipeline struct {
	store store.Store
	coord coordinator.Coordinator
	parsers *parser.Registry
	enricher *enrichment.Enricher
	ledger *ledger.Ledger
	limits *tenantlimits.Cache
	metrics *telemetry.Metrics
	logger *slog.Logger
	cfg Config

	mu sync.Mutex
	buffers map[string]*tableBuffer
}

// New constructs a Pipeline. Call Start to run the background flusher.
func New(s store.Store, coord coordinator.Coordinator, parsers *parser.Registry, enricher *enrichment.Enricher, l *ledger.Ledger, limits *tenantlimits.Cache, metrics *telemetry.Metrics, logger *slog.Logger, cfg Config) *Pipeline {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = cfg.BatchMax * 10
	}
	if cfg.DefaultRetentionDays == 0 {
		cfg.DefaultRetentionDays = 90
	}
	return &Pipeline{
		store: s, coord: coord, parsers: parsers, enricher: enricher,
		ledger: l, limits: limits, metrics: metrics, logger: logger, cfg: cfg,
		buffers: make(map[string]*tableBuffer),
	}
}

// Start runs the age-based flush loop until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.flushAll(context.Background())
			return
		case <-ticker.C:
			p.flushAged(ctx)
		}
	}
}

// ProcessBatch runs every raw NDJSON/bulk line through the pipeline. It
// returns ErrTenantMismatch (abort the whole request with 403) or
// ErrBackpressure (abort with 503) if either is hit; otherwise it always
// returns a Result, even when every record was quarantined or DLQ'd.
func (p *Pipeline) ProcessBatch(ctx context.Context, authTenantID, defaultSourceID string, lines [][]byte) (Result, error) {
	var res Result
	for _, raw := range lines {
		outcome, reason, err := p.processRecord(ctx, authTenantID, defaultSourceID, raw)
		if err != nil {
			if errors.Is(err, ErrBackpressure) {
				return res, err
			}
			if ae := apperr.As(err); ae.Kind == apperr.KindTenantMismatch {
				return res, err
			}
			return res, err
		}
		switch outcome {
		case outcomeAccepted:
			res.Accepted++
		case outcomeQuarantined:
			res.Quarantined++
			res.addReason(string(reason))
		case outcomeDLQ:
			res.DLQ++
			res.addReason(string(reason))
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeQuarantined
	outcomeDLQ
)

// processRecord runs the eight-step pipeline for one raw record.
func (p *Pipeline) processRecord(ctx context.Context, authTenantID, defaultSourceID string, raw []byte) (outcome, models.QuarantineReason, error) {
	now := time.Now().UTC()

	// Step 1: transport validation.
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		p.enqueueDLQ(authTenantID, defaultSourceID, raw, models.ReasonMalformedJSON, now)
		p.metrics.IngestDLQTotal.WithLabelValues(authTenantID, string(models.ReasonMalformedJSON)).Inc()
		return outcomeDLQ, models.ReasonMalformedJSON, nil
	}

	// Step 2: tenant gate.
	if tid, ok := fields["tenant_id"].(string); ok && tid != "" && tid != authTenantID {
		return outcomeDLQ, "", ErrTenantMismatch
	}

	sourceID := defaultSourceID
	if sid, ok := fields["source_id"].(string); ok && sid != "" {
		sourceID = sid
	}

	// Step 3: parser selection.
	if p.parsers != nil {
		if pr, ok := p.parsers.ActiveForSource(ctx, sourceID); ok {
			parsed, err := pr.Parse(raw)
			if err != nil {
				p.enqueueQuarantine(authTenantID, sourceID, fields, raw, models.ReasonParseFail, now)
				p.metrics.IngestQuarantinedTotal.WithLabelValues(authTenantID, string(models.ReasonParseFail)).Inc()
				return outcomeQuarantined, models.ReasonParseFail, nil
			}
			for k, v := range parsed {
				fields[k] = v
			}
		}
	}

	// Step 4: schema validation.
	check := schemaCheck{
		TenantID: authTenantID,
		SourceID: sourceID,
		EventTimestamp: asInt64(fields["event_timestamp"]),
	}
	if err := validate.Struct(check); err != nil {
		p.enqueueQuarantine(authTenantID, sourceID, fields, raw, models.ReasonSchemaFail, now)
		p.metrics.IngestQuarantinedTotal.WithLabelValues(authTenantID, string(models.ReasonSchemaFail)).Inc()
		return outcomeQuarantined, models.ReasonSchemaFail, nil
	}

	ev := p.buildEvent(authTenantID, sourceID, fields, raw, now)

	// Step 5: enrichment.
	if p.enricher != nil {
		p.enricher.Enrich(&ev)
	}

	// Step 6: ledger write, only if source_seq present.
	if ev.SourceSeq != nil && p.ledger != nil {
		if err := p.ledger.Append(ctx, ledger.NewRow(ev.TenantID, ev.SourceID, *ev.SourceSeq, models.LedgerAccepted)); err != nil {
			p.logger.Error("ledger append failed", "tenant_id", ev.TenantID, "source_id", ev.SourceID, "error", err)
		}
	}

	// Step 7: batch buffer.
	if err := p.enqueueEvent(ev); err != nil {
		return outcomeAccepted, "", err
	}
	p.metrics.IngestAcceptedTotal.WithLabelValues(authTenantID, sourceID).Inc()

	// Step 8: publish for streaming consumers.
	if p.coord != nil {
		payload, _ := json.Marshal(ev)
		if err := p.coord.Publish(ctx, "events."+authTenantID, string(payload)); err != nil {
			p.logger.Warn("event publish failed", "tenant_id", authTenantID, "error", err)
		}
	}

	return outcomeAccepted, "", nil
}

func (p *Pipeline) buildEvent(tenantID, sourceID string, fields map[string]any, raw []byte, now time.Time) models.Event {
	ev := models.Event{
		EventID: uuid.New().String(),
		TenantID: tenantID,
		SourceID: sourceID,
		SourceType: asString(fields["source_type"]),
		EventTimestamp: asInt64(fields["event_timestamp"]),
		IngestionTimestamp: now.Unix(),
		EventCategory: asString(fields["event_category"]),
		EventAction: asString(fields["event_action"]),
		EventOutcome: asString(fields["event_outcome"]),
		SourceIP: asString(fields["source_ip"]),
		DestinationIP: asString(fields["destination_ip"]),
		UserName: asString(fields["user_name"]),
		Severity: asString(fields["severity"]),
		Message: asString(fields["message"]),
		RawEvent: append(json.RawMessage(nil), raw...),
		RetentionDays: p.retentionDays(tenantID, sourceID),
	}
	if seq, ok := fields["source_seq"]; ok {
		v := asInt64(seq)
		ev.SourceSeq = &v
	}
	if meta, ok := fields["metadata"]; ok {
		if b, err := json.Marshal(meta); err == nil {
			ev.Metadata = b
		}
	}
	return ev
}

func (p *Pipeline) retentionDays(tenantID, sourceID string) uint16 {
	if p.limits == nil {
		return p.cfg.DefaultRetentionDays
	}
	limits, ok, err := p.limits.Get(context.Background(), tenantID, sourceID)
	if err != nil || !ok || limits.RetentionDays == 0 {
		return p.cfg.DefaultRetentionDays
	}
	return limits.RetentionDays
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func (p *Pipeline) enqueueEvent(ev models.Event) error {
	row := []any{
		ev.EventID, ev.TenantID, ev.SourceID, ev.SourceType, ev.SourceSeq,
		ev.EventTimestamp, time.Unix(ev.IngestionTimestamp, 0).UTC(),
		ev.EventCategory, ev.EventAction, ev.EventOutcome,
		ev.SourceIP, ev.DestinationIP, ev.UserName, ev.Severity, ev.Message,
		ev.RawEvent, ev.Metadata, ev.RetentionDays, ev.TIMatch, ev.TIHits, ev.GeoCountry, ev.GeoASN,
	}
	columns := []string{
		"event_id", "tenant_id", "source_id", "source_type", "source_seq",
		"event_timestamp", "ingestion_timestamp",
		"event_category", "event_action", "event_outcome",
		"source_ip", "destination_ip", "user_name", "severity", "message",
		"raw_event", "metadata", "retention_days", "ti_match", "ti_hits", "geo_country", "geo_asn",
	}
	return p.enqueue("events", columns, row)
}

func (p *Pipeline) enqueueQuarantine(tenantID, sourceID string, fields map[string]any, raw []byte, reason models.QuarantineReason, now time.Time) {
	row := []any{
		uuid.New().String(), tenantID, sourceID, asString(fields["source_type"]),
		nullableSeq(fields), asInt64(fields["event_timestamp"]), now,
		append(json.RawMessage(nil), raw...), nil, string(reason), now,
	}
	columns := []string{
		"event_id", "tenant_id", "source_id", "source_type", "source_seq",
		"event_timestamp", "ingestion_timestamp", "raw_event", "metadata", "reason", "received_at",
	}
	if err := p.enqueue("events_quarantine", columns, row); err != nil {
		p.logger.Error("quarantine enqueue failed", "tenant_id", tenantID, "error", err)
	}
	if seq, ok := fields["source_seq"]; ok && p.ledger != nil {
		v := asInt64(seq)
		if err := p.ledger.Append(context.Background(), ledger.NewRow(tenantID, sourceID, v, models.LedgerQuarantine)); err != nil {
			p.logger.Error("ledger append (quarantine) failed", "tenant_id", tenantID, "error", err)
		}
	}
}

func nullableSeq(fields map[string]any) any {
	if seq, ok := fields["source_seq"]; ok {
		return asInt64(seq)
	}
	return nil
}

func (p *Pipeline) enqueueDLQ(tenantID, sourceID string, raw []byte, reason models.QuarantineReason, now time.Time) {
	row := []any{
		uuid.New().String(), tenantID, sourceID,
		append(json.RawMessage(nil), raw...), string(reason), "ingest", now,
	}
	columns := []string{"event_id", "tenant_id", "source_id", "raw_event", "reason", "source", "received_at"}
	if err := p.enqueue("ingest_dlq", columns, row); err != nil {
		p.logger.Error("dlq enqueue failed", "tenant_id", tenantID, "error", err)
	}
}

// enqueue appends row to table's buffer, flushing immediately if the buffer
// is at or above BatchMax, and rejecting with ErrBackpressure if the buffer
// is already at the high-water mark.
func (p *Pipeline) enqueue(table string, columns []string, row []any) error {
	buf := p.bufferFor(table, columns)

	buf.mu.Lock()
	if len(buf.rows) >= p.cfg.HighWaterMark {
		buf.mu.Unlock()
		if p.metrics != nil {
			p.metrics.IngestBackpressureTotal.WithLabelValues(table).Inc()
		}
		return ErrBackpressure
	}
	if len(buf.rows) == 0 {
		buf.openSince = time.Now()
	}
	buf.rows = append(buf.rows, row)
	shouldFlush := len(buf.rows) >= p.cfg.BatchMax
	buf.mu.Unlock()

	if shouldFlush {
		p.flushTable(context.Background(), table)
	}
	return nil
}

func (p *Pipeline) bufferFor(table string, columns []string) *tableBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.buffers[table]
	if !ok {
		buf = &tableBuffer{columns: columns}
		p.buffers[table] = buf
	}
	return buf
}

// flushAged flushes every buffer whose oldest row has sat longer than
// FlushInterval.
func (p *Pipeline) flushAged(ctx context.Context) {
	p.mu.Lock()
	tables := make([]string, 0, len(p.buffers))
	for name, buf := range p.buffers {
		buf.mu.Lock()
		stale := len(buf.rows) > 0 && time.Since(buf.openSince) >= p.cfg.FlushInterval
		buf.mu.Unlock()
		if stale {
			tables = append(tables, name)
		}
	}
	p.mu.Unlock()

	for _, t := range tables {
		p.flushTable(ctx, t)
	}
}

func (p *Pipeline) flushAll(ctx context.Context) {
	p.mu.Lock()
	tables := make([]string, 0, len(p.buffers))
	for name := range p.buffers {
		tables = append(tables, name)
	}
	p.mu.Unlock()
	for _, t := range tables {
		p.flushTable(ctx, t)
	}
}

// flushTable atomically inserts table's buffered rows via the Store and
// clears the buffer.
func (p *Pipeline) flushTable(ctx context.Context, table string) {
	buf := p.bufferFor(table, nil)

	buf.mu.Lock()
	if len(buf.rows) == 0 {
		buf.mu.Unlock()
		return
	}
	rows := buf.rows
	columns := buf.columns
	buf.rows = nil
	buf.mu.Unlock()

	if err := p.store.InsertBatch(ctx, table, columns, rows); err != nil {
		p.logger.Error("batch flush failed", "table", table, "rows", len(rows), "error", err)
		return
	}
	p.logger.Debug("batch flushed", "table", table, "rows", len(rows))
}
