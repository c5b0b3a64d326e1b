// Package ingress implements the generic ingest HTTP surface of the Ingest
// Pipeline: POST /ingest/ndjson and POST
// /ingest/bulk. It is the point where API-key auth, per-tenant rate
// limiting (C4), and idempotency (C5) wrap ingest.Pipeline.ProcessBatch
// before any record reaches the pipeline.
package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/duskwatch/siemcore/internal/apikey"
	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/httpserver"
	"github.com/duskwatch/siemcore/internal/idempotency"
	"github.com/duskwatch/siemcore/internal/ingest"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/ratelimit"
)

// defaultSource labels rate-limit and ledger accounting for ingest requests
// that don't name a more specific logical source, mirroring the agent
// ingress's per-agent source_id.
const defaultSource = "http"

// Handlers wires the generic (non-agent) ingest endpoints.
type Handlers struct {
	pipeline *ingest.Pipeline
	keys *apikey.Service
	limiter *ratelimit.Limiter
	idempotency *idempotency.Registry
	maxBodyBytes int64
}

// New constructs Handlers. idem may be nil, in which case requests without
// an Idempotency-Key header are still served normally but no replay/conflict
// semantics are available.
func New(pipeline *ingest.Pipeline, keys *apikey.Service, limiter *ratelimit.Limiter, idem *idempotency.Registry, maxBodyBytes int64) *Handlers {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20
	}
	return &Handlers{pipeline: pipeline, keys: keys, limiter: limiter, idempotency: idem, maxBodyBytes: maxBodyBytes}
}

// Mount registers the generic ingest routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Post("/ingest/ndjson", h.handleNDJSON)
	r.Post("/ingest/bulk", h.handleBulk)
}

// handleNDJSON implements POST /ingest/ndjson?tenant={id}.
func (h *Handlers) handleNDJSON(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	key, ok := h.authenticate(w, r, tenantID)
	if !ok {
		return
	}

	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if h.replayIfPresent(w, r, "POST /ingest/ndjson", idemKey, raw) {
		return
	}

	lines, appErr := ingest.ReadNDJSON(bytes.NewReader(raw))
	if appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}

	h.process(w, r, key.TenantID, defaultSource, lines, "POST /ingest/ndjson", idemKey, raw)
}

type ingestBulkRequest struct {
	Logs []json.RawMessage `json:"logs"`
}

// handleBulk implements POST /ingest/bulk: body {logs: [...]}.
func (h *Handlers) handleBulk(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	key, ok := h.authenticate(w, r, tenantID)
	if !ok {
		return
	}

	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if h.replayIfPresent(w, r, "POST /ingest/bulk", idemKey, raw) {
		return
	}

	var body ingestBulkRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindValidation, "invalid bulk ingest body", err))
		return
	}

	lines := make([][]byte, len(body.Logs))
	for i, l := range body.Logs {
		lines[i] = []byte(l)
	}

	h.process(w, r, key.TenantID, defaultSource, lines, "POST /ingest/bulk", idemKey, raw)
}

// authenticate validates X-API-Key and, when the caller named a tenant
// explicitly (the ndjson route's query parameter), checks it against the
// key's own tenant before any record is read.
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request, claimedTenant string) (models.APIKey, bool) {
	rawKey := r.Header.Get("X-API-Key")
	if rawKey == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.KindAuthMissing, "X-API-Key header is required"))
		return models.APIKey{}, false
	}
	key, err := h.keys.Verify(r.Context(), rawKey, models.ScopeIngest)
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return models.APIKey{}, false
	}
	if claimedTenant != "" && claimedTenant != key.TenantID {
		httpserver.RespondAppError(w, apperr.New(apperr.KindTenantMismatch, "tenant query parameter does not match the authenticated api key"))
		return models.APIKey{}, false
	}

	decision, err := h.limiter.Allow(r.Context(), key.TenantID, defaultSource, 1)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "checking rate limit", err))
		return models.APIKey{}, false
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", httpserver.RetryAfterSeconds(decision.RetryAfter))
		httpserver.RespondAppError(w, apperr.New(apperr.KindRateLimited, "tenant ingest rate limit exceeded"))
		return models.APIKey{}, false
	}
	return key, true
}

// readBody enforces the body size cap, responding 413 on overflow.
func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limited := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	raw, err := io.ReadAll(limited)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			httpserver.RespondError(w, http.StatusRequestEntityTooLarge, string(apperr.KindValidation), "ingest payload too large")
			return nil, false
		}
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindValidation, "reading ingest request body", err))
		return nil, false
	}
	return raw, true
}

// replayIfPresent serves a cached idempotent response when idemKey is set
// and already recorded, writing the response and returning true if so. It
// writes nothing and returns false on OutcomeNew.
func (h *Handlers) replayIfPresent(w http.ResponseWriter, r *http.Request, route, idemKey string, body []byte) bool {
	if idemKey == "" || h.idempotency == nil {
		return false
	}
	bodyHash := idempotency.HashBody(body)
	outcome, cached, err := h.idempotency.Check(r.Context(), route, idemKey, bodyHash)
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return true
	}
	switch outcome {
	case idempotency.OutcomeReplay:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(withReplayedFlag(cached))
		return true
	case idempotency.OutcomeConflict:
		httpserver.RespondAppError(w, apperr.New(apperr.KindIdempotencyConflict, "idempotency key reused with a different request body"))
		return true
	default:
		return false
	}
}

// withReplayedFlag merges {"replayed": true} into a cached JSON object
// response body for a replayed request.
func withReplayedFlag(cached []byte) []byte {
	var obj map[string]any
	if err := json.Unmarshal(cached, &obj); err != nil {
		return cached
	}
	obj["replayed"] = true
	out, err := json.Marshal(obj)
	if err != nil {
		return cached
	}
	return out
}

// process runs the pipeline over lines, maps pipeline-level aborts to their
// HTTP status, and records the idempotency response on first success.
func (h *Handlers) process(w http.ResponseWriter, r *http.Request, tenantID, sourceID string, lines [][]byte, route, idemKey string, rawBody []byte) {
	result, err := h.pipeline.ProcessBatch(r.Context(), tenantID, sourceID, lines)
	if err != nil {
		ae := apperr.As(err)
		if ae.Kind == apperr.KindUpstreamDown {
			// Back-pressure: the batch buffer is above its
			// high-water mark.
			w.Header().Set("Retry-After", "1")
		}
		httpserver.RespondAppError(w, ae)
		return
	}

	respBody, encErr := json.Marshal(result)
	if encErr != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "encoding ingest response", encErr))
		return
	}

	if idemKey != "" && h.idempotency != nil {
		// Recording failure does not invalidate the response already
		// computed; a retried request simply reprocesses.
		_ = h.idempotency.Record(r.Context(), route, idemKey, idempotency.HashBody(rawBody), respBody)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}
