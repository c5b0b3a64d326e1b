// Package streamrule implements the Stream Rule Runner:
// a subscriber over normalized events that evaluates streaming rules in
// real time and raises Alerts when a per-group counter crosses threshold.
package streamrule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/coordinator"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/scheduler"
	"github.com/duskwatch/siemcore/internal/store"
	"github.com/duskwatch/siemcore/internal/telemetry"
)

// maxBufferedRefs bounds the event_id list carried on a threshold-crossing
// alert.
const maxBufferedRefs = 50

// ruleReloadInterval controls how often the runner re-reads enabled stream
// rules and re-subscribes to any newly referenced tenant topics.
const ruleReloadInterval = 30 * time.Second

// compiledRule pairs a Rule with its compiled gojq boolean predicate.
type compiledRule struct {
	rule models.Rule
	match *gojq.Code
}

// Runner evaluates stream-mode rules against the events.{tenant} pub/sub
// feed and emits Alerts on threshold crossing, sharing C9's dedup surface.
type Runner struct {
	store store.Store
	coord coordinator.Coordinator
	metrics *telemetry.Metrics
	logger *slog.Logger

	mu sync.RWMutex
	rules []compiledRule
	subscribed map[string]func() error // tenant -> unsubscribe
}

// New constructs a Runner.
func New(s store.Store, coord coordinator.Coordinator, metrics *telemetry.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		store: s,
		coord: coord,
		metrics: metrics,
		logger: logger,
		subscribed: make(map[string]func() error),
	}
}

// Run reloads enabled stream rules periodically and keeps topic
// subscriptions in sync until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		r.logger.Error("loading stream rules", "error", err)
	}
	ticker := time.NewTicker(ruleReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			for _, unsub := range r.subscribed {
				_ = unsub()
			}
			r.mu.Unlock()
			return nil
		case <-ticker.C:
			if err := r.reload(ctx); err != nil {
				r.logger.Error("reloading stream rules", "error", err)
			}
		}
	}
}

func (r *Runner) reload(ctx context.Context) error {
	rows, err := r.store.Execute(ctx, `
		SELECT rule_id, tenant_scope, name, severity, enabled, mode, schedule_sec,
		 stream_window_sec, throttle_seconds, dedup_key, entity_keys,
		 dsl, compiled_sql, group_by, threshold, updated_at
		FROM alert_rules
		WHERE enabled = TRUE AND mode = 'stream'
	`)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamDown, "loading stream rules", err)
	}
	defer rows.Close()

	var compiled []compiledRule
	for rows.Next() {
		var rule models.Rule
		var dedupKey, entityKeys, groupBy []byte
		if err := rows.Scan(&rule.RuleID, &rule.TenantScope, &rule.Name, &rule.Severity, &rule.Enabled, &rule.Mode,
			&rule.ScheduleSec, &rule.StreamWindowSec, &rule.ThrottleSeconds, &dedupKey, &entityKeys,
			&rule.DSL, &rule.CompiledSQL, &groupBy, &rule.Threshold, &rule.UpdatedAt); err != nil {
			return apperr.Wrap(apperr.KindInternal, "scanning stream rule row", err)
		}
		_ = json.Unmarshal(dedupKey, &rule.DedupKey)
		_ = json.Unmarshal(entityKeys, &rule.EntityKeys)
		var groupByList []string
		_ = json.Unmarshal(groupBy, &groupByList)
		rule.GroupBy = strings.Join(groupByList, ",")

		query, err := gojq.Parse(rule.DSL)
		if err != nil {
			r.logger.Warn("stream rule DSL failed to parse", "rule_id", rule.RuleID, "error", err)
			continue
		}
		code, err := gojq.Compile(query)
		if err != nil {
			r.logger.Warn("stream rule DSL failed to compile", "rule_id", rule.RuleID, "error", err)
			continue
		}
		compiled = append(compiled, compiledRule{rule: rule, match: code})
	}
	if err := rows.Err(); err != nil {
		return apperr.Wrap(apperr.KindInternal, "iterating stream rules", err)
	}

	r.mu.Lock()
	r.rules = compiled
	tenants := make(map[string]bool)
	for _, c := range compiled {
		tenants[c.rule.TenantScope] = true
	}
	for tenant := range tenants {
		if _, ok := r.subscribed[tenant]; !ok {
			r.subscribeLocked(tenant)
		}
	}
	r.mu.Unlock()
	return nil
}

// subscribeLocked starts a goroutine consuming events.{tenant}; caller must
// hold r.mu.
func (r *Runner) subscribeLocked(tenant string) {
	ctx := context.Background()
	ch, unsub := r.coord.Subscribe(ctx, "events."+tenant)
	r.subscribed[tenant] = unsub
	go func() {
		for payload := range ch {
			r.handleEvent(ctx, tenant, payload)
		}
	}()
}

// handleEvent evaluates every stream rule scoped to tenant against one
// published event payload.
func (r *Runner) handleEvent(ctx context.Context, tenant string, payload string) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return
	}

	r.mu.RLock()
	rules := make([]compiledRule, 0, len(r.rules))
	for _, c := range r.rules {
		if c.rule.TenantScope == tenant {
			rules = append(rules, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range rules {
		matched := r.evaluate(c, fields)
		r.metrics.StreamEventsTotal.WithLabelValues(c.rule.RuleID, boolLabel(matched)).Inc()
		if !matched {
			continue
		}
		if err := r.countAndMaybeAlert(ctx, c.rule, fields); err != nil {
			r.logger.Error("evaluating stream rule", "rule_id", c.rule.RuleID, "error", err)
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (r *Runner) evaluate(c compiledRule, fields map[string]any) bool {
	iter := c.match.Run(fields)
	v, ok := iter.Next()
	if !ok {
		return false
	}
	if _, isErr := v.(error); isErr {
		return false
	}
	matched, _ := v.(bool)
	return matched
}

// countAndMaybeAlert increments the per-(rule, window, group) counter and,
// on threshold crossing, emits an Alert through the shared dedup surface.
func (r *Runner) countAndMaybeAlert(ctx context.Context, rule models.Rule, fields map[string]any) error {
	window := time.Duration(rule.StreamWindowSec) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	bucket := floorBucket(time.Now().UTC(), window)
	groupValues := fieldValues(fields, splitGroupBy(rule.GroupBy))
	groupKey := strings.Join(groupValues, "|")

	counterKey := fmt.Sprintf("streamrule:%s:%d:%s", rule.RuleID, bucket, groupKey)
	count, err := r.coord.IncrWithTTL(ctx, counterKey, window+time.Minute)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamDown, "incrementing stream rule counter", err)
	}

	eventRef := fmt.Sprint(fields["event_id"])
	refsKey := "refs:" + counterKey
	bufferedRefs, err := r.coord.BufferAppend(ctx, refsKey, eventRef, maxBufferedRefs, window+time.Minute)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamDown, "buffering stream rule event refs", err)
	}

	if int(count) != rule.Threshold {
		return nil // only fire once per window, on the crossing increment
	}

	dedupValues := fieldValues(fields, rule.DedupKey)
	dedupHash := scheduler.DedupHash(rule.RuleID, dedupValues, bucket)

	dup, err := r.recentDuplicate(ctx, rule.RuleID, dedupHash, rule.ThrottleSeconds)
	if err != nil {
		return err
	}
	if dup {
		r.metrics.AlertsDedupedTotal.WithLabelValues(rule.RuleID).Inc()
		return nil
	}

	if err := r.insertAlert(ctx, rule, dedupHash, bufferedRefs); err != nil {
		return err
	}
	r.metrics.AlertsWrittenTotal.WithLabelValues(rule.RuleID).Inc()
	return nil
}

func splitGroupBy(groupBy string) []string {
	if groupBy == "" {
		return nil
	}
	return strings.Split(groupBy, ",")
}

func fieldValues(fields map[string]any, keys []string) []string {
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = fmt.Sprint(fields[k])
	}
	return values
}

func floorBucket(t time.Time, window time.Duration) int64 {
	return t.Unix() / int64(window.Seconds())
}

func (r *Runner) recentDuplicate(ctx context.Context, ruleID, dedupHash string, throttleSeconds int) (bool, error) {
	row := r.store.ExecuteRow(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE rule_id = $1 AND dedup_hash = $2 AND alert_timestamp >= $3
	`, ruleID, dedupHash, time.Now().UTC().Add(-time.Duration(throttleSeconds)*time.Second))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "checking alert dedup anti-join", err)
	}
	return count > 0, nil
}

func (r *Runner) insertAlert(ctx context.Context, rule models.Rule, dedupHash string, eventRefs []string) error {
	refs, _ := json.Marshal(eventRefs)
	now := time.Now().UTC()
	return r.store.Exec(ctx, `
		INSERT INTO alerts (alert_id, tenant_id, rule_id, alert_title, alert_description, event_refs, severity, status, alert_timestamp, dedup_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'OPEN', $8, $9, $10, $10)
	`, uuid.New().String(), rule.TenantScope, rule.RuleID, rule.Name, rule.DSL, refs, rule.Severity, now, dedupHash, now)
}
