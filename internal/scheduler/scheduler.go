// Package scheduler implements the Batch Rule Scheduler: a
// ticker loop that, for each enabled batch rule, computes a watermark
// window, executes the rule's compiled SQL under a distributed lock, and
// emits deduplicated Alerts.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/coordinator"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store"
	"github.com/duskwatch/siemcore/internal/telemetry"
)

// safetyLag is the exclusive upper bound offset applied to "now" so a rule
// never scans events that might still be in flight.
const defaultSafetyLag = 120 * time.Second

// defaultMaxLookback bounds how far behind a cold-started rule's watermark
// can pull "from", so a long-disabled rule doesn't scan its entire history
// the moment it's re-enabled.
const defaultMaxLookback = 24 * time.Hour

// maxEventRefs bounds the event_refs list carried on one Alert, mirroring
// the stream rule runner's maxBufferedRefs.
const maxEventRefs = 50

// Scheduler runs the batch rule loop. One Scheduler instance competes with
// every other running instance for each rule's lock.
type Scheduler struct {
	store store.Store
	coord coordinator.Coordinator
	metrics *telemetry.Metrics
	logger *slog.Logger

	instanceID string
	tick time.Duration
	safetyLag time.Duration
	maxLookback time.Duration
}

// New constructs a Scheduler. instanceID identifies this process as a lock
// owner; it must be stable for the process lifetime and unique across the
// fleet.
func New(s store.Store, coord coordinator.Coordinator, metrics *telemetry.Metrics, logger *slog.Logger, tick time.Duration, safetyLag time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if safetyLag <= 0 {
		safetyLag = defaultSafetyLag
	}
	return &Scheduler{
		store: s, coord: coord, metrics: metrics, logger: logger,
		instanceID: uuid.New().String(),
		tick: tick,
		safetyLag: safetyLag,
		maxLookback: defaultMaxLookback,
	}
}

// Run loops at the configured tick rate until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "instance_id", s.instanceID, "tick", s.tick)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce evaluates every enabled batch rule once. A failing rule never
// blocks the others.
func (s *Scheduler) runOnce(ctx context.Context) {
	rules, err := s.loadBatchRules(ctx)
	if err != nil {
		s.logger.Error("loading batch rules", "error", err)
		return
	}
	for _, rule := range rules {
		runCtx, cancel := context.WithTimeout(ctx, wallClockBudget(rule.ScheduleSec))
		outcome := s.runRule(runCtx, rule)
		cancel()
		s.metrics.RulesRunTotal.WithLabelValues(rule.RuleID, outcome).Inc()
	}
}

// wallClockBudget is the scheduler run's hard wall-clock limit.
func wallClockBudget(scheduleSec int) time.Duration {
	budget := time.Duration(2*scheduleSec) * time.Second
	if budget > 60*time.Second || budget <= 0 {
		budget = 60 * time.Second
	}
	return budget
}

func (s *Scheduler) loadBatchRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := s.store.Execute(ctx, `
		SELECT rule_id, tenant_scope, name, severity, enabled, mode, schedule_sec,
		 stream_window_sec, throttle_seconds, dedup_key, entity_keys,
		 dsl, compiled_sql, group_by, threshold, updated_at
		FROM alert_rules
		WHERE enabled = TRUE AND mode = 'batch'
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamDown, "loading batch rules", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		var r models.Rule
		var dedupKey, entityKeys, groupBy []byte
		if err := rows.Scan(&r.RuleID, &r.TenantScope, &r.Name, &r.Severity, &r.Enabled, &r.Mode,
			&r.ScheduleSec, &r.StreamWindowSec, &r.ThrottleSeconds, &dedupKey, &entityKeys,
			&r.DSL, &r.CompiledSQL, &groupBy, &r.Threshold, &r.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scanning alert rule row", err)
		}
		_ = json.Unmarshal(dedupKey, &r.DedupKey)
		_ = json.Unmarshal(entityKeys, &r.EntityKeys)
		var groupByList []string
		_ = json.Unmarshal(groupBy, &groupByList)
		r.GroupBy = strings.Join(groupByList, ",")
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// runRule runs the seven-step algorithm for one rule, returning
// "ok" or "error" for the rules_run_total metric.
func (s *Scheduler) runRule(ctx context.Context, rule models.Rule) string {
	tenantID := rule.TenantScope

	state, err := s.loadRuleState(ctx, rule.RuleID, tenantID)
	if err != nil {
		s.logger.Error("loading rule state", "rule_id", rule.RuleID, "error", err)
		return "error"
	}

	now := time.Now().UTC()
	from := state.WatermarkTS
	if from.Before(now.Add(-s.maxLookback)) {
		from = now.Add(-s.maxLookback)
	}
	to := now.Add(-s.safetyLag)
	if !to.After(from) {
		return "ok" // nothing new to scan yet
	}

	owner := s.instanceID
	lockName := "rule:" + rule.RuleID
	ttl := time.Duration(5*rule.ScheduleSec) * time.Second
	acquired, err := s.coord.TryLock(ctx, lockName, owner, ttl)
	if err != nil || !acquired {
		return "ok" // another instance holds the lock, or the coordinator is unavailable: skip silently
	}
	defer func() {
		if err := s.coord.ReleaseLock(ctx, lockName, owner); err != nil {
			s.logger.Warn("releasing rule lock", "rule_id", rule.RuleID, "error", err)
		}
	}()

	inserted, newestDedupHash, err := s.evaluateAndEmit(ctx, rule, tenantID, from, to)
	if err != nil {
		s.recordFailure(ctx, rule.RuleID, tenantID, err)
		return "error"
	}

	if err := s.commitWatermark(ctx, rule.RuleID, tenantID, to, newestDedupHash); err != nil {
		s.logger.Error("committing watermark", "rule_id", rule.RuleID, "error", err)
		return "error"
	}
	s.metrics.AlertsWrittenTotal.WithLabelValues(rule.RuleID).Add(float64(inserted))
	return "ok"
}

// RunNow executes one rule immediately, bypassing its schedule_sec cadence,
// for the admin "run-now" action.
// It still honors the distributed lock and watermark bookkeeping, so a
// concurrent scheduled tick for the same rule cannot double-insert alerts.
func (s *Scheduler) RunNow(ctx context.Context, ruleID string) (int, error) {
	rule, err := s.loadRuleByID(ctx, ruleID)
	if err != nil {
		return 0, err
	}

	tenantID := rule.TenantScope
	state, err := s.loadRuleState(ctx, rule.RuleID, tenantID)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "loading rule state", err)
	}

	now := time.Now().UTC()
	from := state.WatermarkTS
	if from.Before(now.Add(-s.maxLookback)) {
		from = now.Add(-s.maxLookback)
	}
	to := now.Add(-s.safetyLag)
	if !to.After(from) {
		return 0, nil
	}

	owner := s.instanceID
	lockName := "rule:" + rule.RuleID
	ttl := time.Duration(5*rule.ScheduleSec) * time.Second
	acquired, err := s.coord.TryLock(ctx, lockName, owner, ttl)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindUpstreamDown, "acquiring rule lock", err)
	}
	if !acquired {
		return 0, apperr.New(apperr.KindConflict, "rule is already running on another instance")
	}
	defer func() {
		if err := s.coord.ReleaseLock(ctx, lockName, owner); err != nil {
			s.logger.Warn("releasing rule lock", "rule_id", rule.RuleID, "error", err)
		}
	}()

	inserted, newestDedupHash, err := s.evaluateAndEmit(ctx, rule, tenantID, from, to)
	if err != nil {
		s.recordFailure(ctx, rule.RuleID, tenantID, err)
		return inserted, err
	}
	if err := s.commitWatermark(ctx, rule.RuleID, tenantID, to, newestDedupHash); err != nil {
		return inserted, apperr.Wrap(apperr.KindInternal, "committing watermark", err)
	}
	s.metrics.AlertsWrittenTotal.WithLabelValues(rule.RuleID).Add(float64(inserted))
	s.metrics.RulesRunTotal.WithLabelValues(rule.RuleID, "ok").Inc()
	return inserted, nil
}

func (s *Scheduler) loadRuleByID(ctx context.Context, ruleID string) (models.Rule, error) {
	row := s.store.ExecuteRow(ctx, `
		SELECT rule_id, tenant_scope, name, severity, enabled, mode, schedule_sec,
		 stream_window_sec, throttle_seconds, dedup_key, entity_keys,
		 dsl, compiled_sql, group_by, threshold, updated_at
		FROM alert_rules WHERE rule_id = $1
	`, ruleID)
	var r models.Rule
	var dedupKey, entityKeys, groupBy []byte
	if err := row.Scan(&r.RuleID, &r.TenantScope, &r.Name, &r.Severity, &r.Enabled, &r.Mode,
		&r.ScheduleSec, &r.StreamWindowSec, &r.ThrottleSeconds, &dedupKey, &entityKeys,
		&r.DSL, &r.CompiledSQL, &groupBy, &r.Threshold, &r.UpdatedAt); err != nil {
		return models.Rule{}, apperr.New(apperr.KindNotFound, "rule not found")
	}
	_ = json.Unmarshal(dedupKey, &r.DedupKey)
	_ = json.Unmarshal(entityKeys, &r.EntityKeys)
	var groupByList []string
	_ = json.Unmarshal(groupBy, &groupByList)
	r.GroupBy = strings.Join(groupByList, ",")
	return r, nil
}

func (s *Scheduler) loadRuleState(ctx context.Context, ruleID, tenantID string) (models.RuleState, error) {
	row := s.store.ExecuteRow(ctx, `
		SELECT watermark_ts, last_error, dedup_hash
		FROM rule_state WHERE rule_id = $1 AND tenant_id = $2
	`, ruleID, tenantID)

	var state models.RuleState
	var watermark *time.Time
	var lastError, dedupHash *string
	if err := row.Scan(&watermark, &lastError, &dedupHash); err != nil {
		// No row yet: a never-run rule starts with a zero watermark.
		return models.RuleState{RuleID: ruleID, TenantID: tenantID}, nil
	}
	state.RuleID, state.TenantID = ruleID, tenantID
	if watermark != nil {
		state.WatermarkTS = *watermark
	}
	if lastError != nil {
		state.LastError = *lastError
	}
	if dedupHash != nil {
		state.DedupHash = *dedupHash
	}
	return state, nil
}

// candidateRow is one row returned by a rule's compiled_sql: the dedup key
// values used to compute dedup_hash, plus the matched event ids.
type candidateRow struct {
	dedupValues []string
	entityKey string
	eventRefs []string
	title string
}

// evaluateAndEmit substitutes {from,to} into the rule's compiled SQL,
// executes it, anti-joins candidates against recent alerts sharing a
// dedup_hash, and inserts the remainder as new Alerts. It returns the
// dedup_hash of the last candidate evaluated (the "newest" one, since
// compiled_sql results are expected in chronological order), persisted on
// rule_state for diagnostic/replay purposes.
func (s *Scheduler) evaluateAndEmit(ctx context.Context, rule models.Rule, tenantID string, from, to time.Time) (int, string, error) {
	sql := substituteWindow(rule.CompiledSQL, from, to)
	rows, err := s.store.Execute(ctx, sql)
	if err != nil {
		return 0, "", apperr.Wrap(apperr.KindUpstreamDown, "executing rule compiled_sql", err)
	}
	defer rows.Close()

	var candidates []candidateRow
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return 0, "", apperr.Wrap(apperr.KindInternal, "scanning rule candidate row", err)
		}
		named := make(map[string]any, len(vals))
		for i, fd := range rows.FieldDescriptions() {
			named[string(fd.Name)] = vals[i]
		}
		candidates = append(candidates, rowToCandidate(named, rule))
	}
	if err := rows.Err(); err != nil {
		return 0, "", apperr.Wrap(apperr.KindInternal, "iterating rule candidates", err)
	}

	bucket := bucketOf(to, time.Duration(rule.ScheduleSec)*time.Second)
	inserted := 0
	var newestDedupHash string
	for _, c := range candidates {
		dedupHash := DedupHash(rule.RuleID, c.dedupValues, bucket)
		newestDedupHash = dedupHash
		dup, err := s.recentDuplicate(ctx, rule.RuleID, dedupHash, rule.ThrottleSeconds)
		if err != nil {
			return inserted, newestDedupHash, err
		}
		if dup {
			s.metrics.AlertsDedupedTotal.WithLabelValues(rule.RuleID).Inc()
			continue
		}
		if err := s.insertAlert(ctx, rule, tenantID, c, dedupHash, to); err != nil {
			return inserted, newestDedupHash, err
		}
		inserted++
	}
	return inserted, newestDedupHash, nil
}

// rowToCandidate builds a candidateRow from a compiled_sql result row, read
// by column name: one value per rule.DedupKey entry, the matched event ids
// (an "event_ids" array column for volume/aggregation rules, or a single
// "event_id" column for one-row-per-match rules), and an optional "title"
// column (falling back to the rule name).
func rowToCandidate(named map[string]any, rule models.Rule) candidateRow {
	dedupValues := make([]string, len(rule.DedupKey))
	for i, key := range rule.DedupKey {
		dedupValues[i] = fmt.Sprint(named[key])
	}

	entityParts := make([]string, 0, len(rule.EntityKeyFields()))
	for _, key := range rule.EntityKeyFields() {
		entityParts = append(entityParts, fmt.Sprint(named[key]))
	}

	var eventRefs []string
	if v, ok := named["event_ids"]; ok && v != nil {
		eventRefs = toStringSlice(v)
	}
	if len(eventRefs) == 0 {
		if v, ok := named["event_id"]; ok && v != nil {
			eventRefs = []string{fmt.Sprint(v)}
		}
	}
	if len(eventRefs) > maxEventRefs {
		eventRefs = eventRefs[:maxEventRefs]
	}

	title := ""
	if v, ok := named["title"]; ok && v != nil {
		title = fmt.Sprint(v)
	}

	return candidateRow{
		dedupValues: dedupValues,
		entityKey: strings.Join(entityParts, "|"),
		eventRefs: eventRefs,
		title: title,
	}
}

// toStringSlice normalizes an "event_ids" column value into a string slice,
// regardless of whether the driver decoded it as a Postgres text array, a
// jsonb array, or a raw JSON-encoded string/bytes.
func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, len(vv))
		for i, e := range vv {
			out[i] = fmt.Sprint(e)
		}
		return out
	case string:
		var out []string
		if err := json.Unmarshal([]byte(vv), &out); err == nil {
			return out
		}
		return []string{vv}
	case []byte:
		var out []string
		if err := json.Unmarshal(vv, &out); err == nil {
			return out
		}
		return nil
	default:
		return nil
	}
}

func (s *Scheduler) recentDuplicate(ctx context.Context, ruleID, dedupHash string, throttleSeconds int) (bool, error) {
	row := s.store.ExecuteRow(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE rule_id = $1 AND dedup_hash = $2 AND alert_timestamp >= $3
	`, ruleID, dedupHash, time.Now().UTC().Add(-time.Duration(throttleSeconds)*time.Second))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "checking alert dedup anti-join", err)
	}
	return count > 0, nil
}

func (s *Scheduler) insertAlert(ctx context.Context, rule models.Rule, tenantID string, c candidateRow, dedupHash string, alertTS time.Time) error {
	refs, _ := json.Marshal(c.eventRefs)
	now := time.Now().UTC()
	title := c.title
	if title == "" {
		title = rule.Name
	}
	return s.store.Exec(ctx, `
		INSERT INTO alerts (alert_id, tenant_id, rule_id, alert_title, alert_description, event_refs, severity, status, alert_timestamp, dedup_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'OPEN', $8, $9, $10, $10)
	`, uuid.New().String(), tenantID, rule.RuleID, title, rule.DSL, refs, rule.Severity, alertTS, dedupHash, now)
}

// commitWatermark advances watermark_ts to to and records newestDedupHash as
// rule_state.dedup_hash (the dedup_hash of the most recent candidate this run
// evaluated, or unchanged if the run produced no candidates).
func (s *Scheduler) commitWatermark(ctx context.Context, ruleID, tenantID string, to time.Time, newestDedupHash string) error {
	now := time.Now().UTC()
	return s.store.Exec(ctx, `
		INSERT INTO rule_state (rule_id, tenant_id, last_run_ts, last_success_ts, watermark_ts, last_error, dedup_hash, updated_at)
		VALUES ($1, $2, $3, $3, $4, '', $5, $3)
		ON CONFLICT (rule_id, tenant_id) DO UPDATE SET
			last_run_ts = EXCLUDED.last_run_ts,
			last_success_ts = EXCLUDED.last_success_ts,
			watermark_ts = EXCLUDED.watermark_ts,
			last_error = '',
			dedup_hash = CASE WHEN EXCLUDED.dedup_hash = '' THEN rule_state.dedup_hash ELSE EXCLUDED.dedup_hash END,
			updated_at = EXCLUDED.updated_at
	`, ruleID, tenantID, now, to, newestDedupHash)
}

func (s *Scheduler) recordFailure(ctx context.Context, ruleID, tenantID string, cause error) {
	now := time.Now().UTC()
	if err := s.store.Exec(ctx, `
		INSERT INTO rule_state (rule_id, tenant_id, last_run_ts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $3)
		ON CONFLICT (rule_id, tenant_id) DO UPDATE SET
			last_run_ts = EXCLUDED.last_run_ts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, ruleID, tenantID, now, cause.Error()); err != nil {
		s.logger.Error("recording rule failure", "rule_id", ruleID, "error", err)
	}
}

// substituteWindow replaces the {from} and {to} placeholders in a rule's
// compiled_sql with RFC3339 timestamp literals.
func substituteWindow(sql string, from, to time.Time) string {
	r := strings.NewReplacer(
		"{from}", "'"+from.UTC().Format(time.RFC3339Nano)+"'",
		"{to}", "'"+to.UTC().Format(time.RFC3339Nano)+"'",
	)
	return r.Replace(sql)
}

// bucketOf floors t to the nearest multiple of window from the epoch.
func bucketOf(t time.Time, window time.Duration) int64 {
	if window <= 0 {
		window = time.Second
	}
	secs := int64(window.Seconds())
	return t.Unix() / secs * secs
}

// DedupHash computes rule_id ∥ dedup_key_values ∥ bucket,
// shared by the Batch Rule Scheduler and the Stream Rule Runner.
func DedupHash(ruleID string, dedupValues []string, bucket int64) string {
	h := sha256.New()
	h.Write([]byte(ruleID))
	for _, v := range dedupValues {
		h.Write([]byte{0})
		h.Write([]byte(v))
	}
	fmt.Fprintf(h, ":%d", bucket)
	return hex.EncodeToString(h.Sum(nil))
}
