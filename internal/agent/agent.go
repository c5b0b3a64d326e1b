// Package agent implements the Agent/Collector Ingress:
// tenant-scoped enrollment, heartbeats, and NDJSON ingest for collector
// agents authenticated by API key.
package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/duskwatch/siemcore/internal/apikey"
	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/httpserver"
	"github.com/duskwatch/siemcore/internal/ingest"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store"
)

const maxEnrollBodyBytes = 8 << 10
const maxHeartbeatBodyBytes = 4 << 10
const maxIngestBodyBytes = 64 << 20

// Handlers wires the Agent/Collector Ingress HTTP surface.
type Handlers struct {
	store store.Store
	keys *apikey.Service
	pipeline *ingest.Pipeline
	configURLBase string
}

// New constructs Handlers. configURLBase is prefixed to an agent_id to form
// config_url in the enrollment response.
func New(s store.Store, keys *apikey.Service, pipeline *ingest.Pipeline, configURLBase string) *Handlers {
	return &Handlers{store: s, keys: keys, pipeline: pipeline, configURLBase: configURLBase}
}

// Mount registers routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Post("/agents/enroll", h.handleEnroll)
	r.Post("/agents/{id}/heartbeat", h.handleHeartbeat)
	r.Post("/agents/{id}/ingest", h.handleIngest)
}

type enrollRequest struct {
	TenantID string `json:"tenant_id"`
	Name string `json:"name"`
	EnrollmentSecret string `json:"enrollment_secret"`
}

type enrollResponse struct {
	AgentID string `json:"agent_id"`
	APIKey string `json:"api_key"`
	SourceID string `json:"source_id"`
	ConfigURL string `json:"config_url"`
}

// handleEnroll implements POST /agents/enroll: verifies
// the tenant-scoped enrollment secret, creates an Agent row and a scoped
// API key, and returns the plaintext key exactly once.
func (h *Handlers) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if appErr := httpserver.Decode(r, maxEnrollBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	if req.TenantID == "" || req.Name == "" || req.EnrollmentSecret == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "tenant_id, name, and enrollment_secret are required"))
		return
	}

	ctx := r.Context()
	secretHash, err := h.loadEnrollmentSecretHash(ctx, req.TenantID)
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(req.EnrollmentSecret)) != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.KindAuthInvalid, "invalid enrollment secret"))
		return
	}

	agentID := uuid.New().String()
	sourceID := "agent-" + agentID
	now := time.Now().UTC()

	key, raw, err := h.keys.Create(ctx, req.TenantID, "agent:"+req.Name, []models.APIKeyScope{models.ScopeIngest})
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return
	}

	if err := h.store.Exec(ctx, `
		INSERT INTO agents (agent_id, tenant_id, source_id, name, api_key_hash, version, eps_last, queue_depth_last, last_seen_at, enrolled_at)
		VALUES ($1, $2, $3, $4, $5, '', 0, 0, $6, $6)
	`, agentID, req.TenantID, sourceID, req.Name, key.TokenHash, now); err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "creating agent", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, enrollResponse{
		AgentID: agentID,
		APIKey: raw,
		SourceID: sourceID,
		ConfigURL: h.configURLBase + "/agents/" + agentID + "/config",
	})
}

// loadEnrollmentSecretHash looks up the bcrypt hash of tenantID's
// enrollment secret, a narrow lookup distinct from the api_keys table.
func (h *Handlers) loadEnrollmentSecretHash(ctx context.Context, tenantID string) (string, error) {
	row := h.store.ExecuteRow(ctx, `SELECT enrollment_secret_hash FROM tenant_enrollment_secrets WHERE tenant_id = $1`, tenantID)
	var hash string
	if err := row.Scan(&hash); err != nil {
		return "", apperr.New(apperr.KindNotFound, "unknown tenant")
	}
	return hash, nil
}

type heartbeatRequest struct {
	Version string `json:"version"`
	EPS float64 `json:"eps"`
	QueueDepth int `json:"queue_depth"`
	LastOK bool `json:"last_ok"`
}

// handleHeartbeat implements POST /agents/{id}/heartbeat.
func (h *Handlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	var req heartbeatRequest
	if appErr := httpserver.Decode(r, maxHeartbeatBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}

	err := h.store.Exec(r.Context(), `
		UPDATE agents SET version = $2, eps_last = $3, queue_depth_last = $4, last_seen_at = $5
		WHERE agent_id = $1
	`, agentID, req.Version, req.EPS, req.QueueDepth, time.Now().UTC())
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "recording heartbeat", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIngest implements the agent-authenticated NDJSON ingest path,
// sharing ingest.Pipeline.ProcessBatch with the generic ingress endpoints.
func (h *Handlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	rawKey := r.Header.Get("X-API-Key")
	if rawKey == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.KindAuthMissing, "X-API-Key header is required"))
		return
	}

	key, err := h.keys.Verify(r.Context(), rawKey, models.ScopeIngest)
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return
	}

	sourceID, err := h.loadAgentSource(r.Context(), agentID, key.TenantID)
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)
	lines, appErr := ingest.ReadNDJSON(body)
	if appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}

	result, procErr := h.pipeline.ProcessBatch(r.Context(), key.TenantID, sourceID, lines)
	if procErr != nil {
		httpserver.RespondAppError(w, apperr.As(procErr))
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handlers) loadAgentSource(ctx context.Context, agentID, tenantID string) (string, error) {
	row := h.store.ExecuteRow(ctx, `SELECT source_id FROM agents WHERE agent_id = $1 AND tenant_id = $2`, agentID, tenantID)
	var sourceID string
	if err := row.Scan(&sourceID); err != nil {
		return "", apperr.New(apperr.KindTenantMismatch, "agent does not belong to the authenticated tenant")
	}
	return sourceID, nil
}
