package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/httpserver"
	"github.com/duskwatch/siemcore/internal/models"
)

type ruleRequest struct {
	TenantScope string `json:"tenant_scope"`
	Name string `json:"name"`
	Severity string `json:"severity"`
	Enabled bool `json:"enabled"`
	Mode string `json:"mode"`
	ScheduleSec int `json:"schedule_sec"`
	StreamWindowSec int `json:"stream_window_sec"`
	ThrottleSeconds int `json:"throttle_seconds"`
	DedupKey []string `json:"dedup_key"`
	EntityKeys []string `json:"entity_keys"`
	DSL string `json:"dsl"`
	CompiledSQL string `json:"compiled_sql"`
	GroupBy string `json:"group_by"`
	Threshold int `json:"threshold"`
}

func (req ruleRequest) toRule(ruleID string) models.Rule {
	return models.Rule{
		RuleID: ruleID,
		TenantScope: req.TenantScope,
		Name: req.Name,
		Severity: req.Severity,
		Enabled: req.Enabled,
		Mode: models.RuleMode(req.Mode),
		ScheduleSec: req.ScheduleSec,
		StreamWindowSec: req.StreamWindowSec,
		ThrottleSeconds: req.ThrottleSeconds,
		DedupKey: req.DedupKey,
		EntityKeys: req.EntityKeys,
		DSL: req.DSL,
		CompiledSQL: req.CompiledSQL,
		GroupBy: req.GroupBy,
		Threshold: req.Threshold,
	}
}

// handleCreateRule implements POST /rules.
func (h *Handlers) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if appErr := httpserver.Decode(r, maxAdminBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}
	if req.TenantScope == "" || req.Name == "" || (req.Mode != string(models.RuleModeBatch) && req.Mode != string(models.RuleModeStream)) {
		httpserver.RespondAppError(w, apperr.New(apperr.KindValidation, "tenant_scope, name, and a valid mode are required"))
		return
	}

	rule := req.toRule(uuid.New().String())
	rule.UpdatedAt = time.Now().UTC()

	if err := h.insertRule(r.Context(), rule); err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return
	}
	h.audit(r, rule.TenantScope, "create", "rule:"+rule.RuleID, rule)
	httpserver.Respond(w, http.StatusOK, rule)
}

func (h *Handlers) insertRule(ctx context.Context, rule models.Rule) error {
	dedupKey, _ := json.Marshal(rule.DedupKey)
	entityKeys, _ := json.Marshal(rule.EntityKeys)
	var groupBy []string
	if rule.GroupBy != "" {
		groupBy = strings.Split(rule.GroupBy, ",")
	}
	groupByJSON, _ := json.Marshal(groupBy)

	return h.store.Exec(ctx, `
		INSERT INTO alert_rules (rule_id, tenant_scope, name, severity, enabled, mode, schedule_sec,
		 stream_window_sec, throttle_seconds, dedup_key, entity_keys, dsl,
		 compiled_sql, group_by, threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, rule.RuleID, rule.TenantScope, rule.Name, rule.Severity, rule.Enabled, rule.Mode, rule.ScheduleSec,
		rule.StreamWindowSec, rule.ThrottleSeconds, dedupKey, entityKeys, rule.DSL, rule.CompiledSQL,
		groupByJSON, rule.Threshold, rule.UpdatedAt)
}

// handleListRules implements GET /rules.
func (h *Handlers) handleListRules(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.Execute(r.Context(), `
		SELECT rule_id, tenant_scope, name, severity, enabled, mode, schedule_sec,
		 stream_window_sec, throttle_seconds, dedup_key, entity_keys,
		 dsl, compiled_sql, group_by, threshold, updated_at
		FROM alert_rules ORDER BY updated_at DESC
	`)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindUpstreamDown, "listing rules", err))
		return
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		rule, err := scanRuleRow(rows)
		if err != nil {
			httpserver.RespondAppError(w, apperr.As(err))
			return
		}
		rules = append(rules, rule)
	}
	httpserver.Respond(w, http.StatusOK, rules)
}

// rowScanner is the subset of pgx.Rows/pgx.Row this package scans from.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleRow(row rowScanner) (models.Rule, error) {
	var rule models.Rule
	var dedupKey, entityKeys, groupBy []byte
	if err := row.Scan(&rule.RuleID, &rule.TenantScope, &rule.Name, &rule.Severity, &rule.Enabled, &rule.Mode,
		&rule.ScheduleSec, &rule.StreamWindowSec, &rule.ThrottleSeconds, &dedupKey, &entityKeys,
		&rule.DSL, &rule.CompiledSQL, &groupBy, &rule.Threshold, &rule.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.Rule{}, apperr.New(apperr.KindNotFound, "rule not found")
		}
		return models.Rule{}, apperr.Wrap(apperr.KindInternal, "scanning rule row", err)
	}
	_ = json.Unmarshal(dedupKey, &rule.DedupKey)
	_ = json.Unmarshal(entityKeys, &rule.EntityKeys)
	var groupByList []string
	_ = json.Unmarshal(groupBy, &groupByList)
	rule.GroupBy = strings.Join(groupByList, ",")
	return rule, nil
}

// handleGetRule implements GET /rules/{id}.
func (h *Handlers) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	row := h.store.ExecuteRow(r.Context(), `
		SELECT rule_id, tenant_scope, name, severity, enabled, mode, schedule_sec,
		 stream_window_sec, throttle_seconds, dedup_key, entity_keys,
		 dsl, compiled_sql, group_by, threshold, updated_at
		FROM alert_rules WHERE rule_id = $1
	`, ruleID)
	rule, err := scanRuleRow(row)
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return
	}
	httpserver.Respond(w, http.StatusOK, rule)
}

// handleUpdateRule implements PUT /rules/{id}: updated_at strictly advances
// past the stored value.
func (h *Handlers) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	var req ruleRequest
	if appErr := httpserver.Decode(r, maxAdminBodyBytes, &req); appErr != nil {
		httpserver.RespondAppError(w, appErr)
		return
	}

	rule := req.toRule(ruleID)

	existing := h.store.ExecuteRow(r.Context(), `SELECT updated_at FROM alert_rules WHERE rule_id = $1`, ruleID)
	var prevUpdatedAt time.Time
	if err := existing.Scan(&prevUpdatedAt); err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.KindNotFound, "rule not found"))
		return
	}
	rule.UpdatedAt = time.Now().UTC()
	if !rule.UpdatedAt.After(prevUpdatedAt) {
		rule.UpdatedAt = prevUpdatedAt.Add(time.Nanosecond)
	}

	dedupKey, _ := json.Marshal(rule.DedupKey)
	entityKeys, _ := json.Marshal(rule.EntityKeys)
	var groupBy []string
	if rule.GroupBy != "" {
		groupBy = strings.Split(rule.GroupBy, ",")
	}
	groupByJSON, _ := json.Marshal(groupBy)

	err := h.store.Exec(r.Context(), `
		UPDATE alert_rules SET tenant_scope = $2, name = $3, severity = $4, enabled = $5, mode = $6,
		 schedule_sec = $7, stream_window_sec = $8, throttle_seconds = $9, dedup_key = $10,
		 entity_keys = $11, dsl = $12, compiled_sql = $13, group_by = $14, threshold = $15, updated_at = $16
		WHERE rule_id = $1
	`, ruleID, rule.TenantScope, rule.Name, rule.Severity, rule.Enabled, rule.Mode, rule.ScheduleSec,
		rule.StreamWindowSec, rule.ThrottleSeconds, dedupKey, entityKeys, rule.DSL, rule.CompiledSQL,
		groupByJSON, rule.Threshold, rule.UpdatedAt)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "updating rule", err))
		return
	}
	h.audit(r, rule.TenantScope, "update", "rule:"+ruleID, rule)
	httpserver.Respond(w, http.StatusOK, rule)
}

// handleDeleteRule implements DELETE /rules/{id}.
func (h *Handlers) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if err := h.store.Exec(r.Context(), `DELETE FROM alert_rules WHERE rule_id = $1`, ruleID); err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.KindInternal, "deleting rule", err))
		return
	}
	h.audit(r, keyFromContext(r.Context()).TenantID, "delete", "rule:"+ruleID, nil)
	w.WriteHeader(http.StatusNoContent)
}

type runNowResponse struct {
	InsertedAlerts int `json:"inserted_alerts"`
}

// handleRunNowRule implements POST /rules/{id}/run-now.
func (h *Handlers) handleRunNowRule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.KindUpstreamDown, "scheduler is not available on this instance"))
		return
	}
	ruleID := chi.URLParam(r, "id")
	inserted, err := h.scheduler.RunNow(r.Context(), ruleID)
	if err != nil {
		httpserver.RespondAppError(w, apperr.As(err))
		return
	}
	h.audit(r, keyFromContext(r.Context()).TenantID, "run-now", "rule:"+ruleID, nil)
	httpserver.Respond(w, http.StatusOK, runNowResponse{InsertedAlerts: inserted})
}
