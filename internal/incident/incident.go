// Package incident implements the Incident Aggregator: a
// periodic task that groups newly created Alerts by (rule_id, entity_key)
// into open Incidents, closing them once every member alert is CLOSED.
package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store"
	"github.com/duskwatch/siemcore/internal/telemetry"
)

// Aggregator runs the periodic alert-to-incident grouping task.
type Aggregator struct {
	store store.Store
	metrics *telemetry.Metrics
	logger *slog.Logger
	notifier *SlackNotifier

	interval time.Duration
	lastRun time.Time
}

// New constructs an Aggregator. notifier may be a disabled SlackNotifier
// (SLACK_BOT_TOKEN unset); its PostIncident becomes a no-op in that case.
func New(s store.Store, metrics *telemetry.Metrics, logger *slog.Logger, notifier *SlackNotifier, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Aggregator{store: s, metrics: metrics, logger: logger, notifier: notifier, interval: interval, lastRun: time.Now().UTC().Add(-interval)}
}

// Run ticks at the configured interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.runOnce(ctx); err != nil {
				a.logger.Error("incident aggregation failed", "error", err)
			}
		}
	}
}

// alertRow is the subset of an Alert's fields the aggregator needs, plus
// its rule's dedup/entity key fields for entity_key derivation.
type alertRow struct {
	alertID string
	tenantID string
	ruleID string
	title string
	severity string
	status models.AlertStatus
	createdAt time.Time
	entityKey string
}

func (a *Aggregator) runOnce(ctx context.Context) error {
	since := a.lastRun
	now := time.Now().UTC()

	alerts, err := a.loadAlertsSince(ctx, since)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamDown, "loading alerts for incident aggregation", err)
	}

	groups := make(map[string][]alertRow)
	for _, al := range alerts {
		key := al.tenantID + "|" + al.ruleID + "|" + al.entityKey
		groups[key] = append(groups[key], al)
	}

	for _, members := range groups {
		if err := a.upsertIncident(ctx, members); err != nil {
			a.logger.Error("upserting incident", "error", err)
			continue
		}
	}

	if err := a.closeResolvedIncidents(ctx); err != nil {
		a.logger.Error("closing resolved incidents", "error", err)
	}

	a.lastRun = now
	return nil
}

// loadAlertsSince joins alerts against their rule's dedup_key/entity_keys to
// compute entity_key in application code.
func (a *Aggregator) loadAlertsSince(ctx context.Context, since time.Time) ([]alertRow, error) {
	rows, err := a.store.Execute(ctx, `
		SELECT a.alert_id, a.tenant_id, a.rule_id, a.alert_title, a.severity, a.status, a.created_at,
		 r.dedup_key, r.entity_keys, a.alert_description
		FROM alerts a
		JOIN alert_rules r ON r.rule_id = a.rule_id
		WHERE a.created_at >= $1
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alertRow
	for rows.Next() {
		var al alertRow
		var dedupKey, entityKeys, description []byte
		if err := rows.Scan(&al.alertID, &al.tenantID, &al.ruleID, &al.title, &al.severity, &al.status, &al.createdAt,
			&dedupKey, &entityKeys, &description); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scanning alert row for aggregation", err)
		}
		var dedup, entity []string
		_ = json.Unmarshal(dedupKey, &dedup)
		_ = json.Unmarshal(entityKeys, &entity)
		keys := entity
		if len(keys) == 0 {
			keys = dedup
		}
		al.entityKey = strings.Join(keys, "|")
		if al.entityKey == "" {
			al.entityKey = al.alertID // no configured key: each alert is its own entity
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

func (a *Aggregator) upsertIncident(ctx context.Context, members []alertRow) error {
	if len(members) == 0 {
		return nil
	}
	first := members[0]

	existingID, firstSeen, alertIDs, opened, err := a.loadOpenIncident(ctx, first.tenantID, first.ruleID, first.entityKey)
	if err != nil {
		return err
	}

	newIDs := make([]string, 0, len(members))
	newIDs = append(newIDs, alertIDs...)
	seen := make(map[string]bool, len(alertIDs))
	for _, id := range alertIDs {
		seen[id] = true
	}
	for _, m := range members {
		if !seen[m.alertID] {
			newIDs = append(newIDs, m.alertID)
			seen[m.alertID] = true
		}
	}

	now := time.Now().UTC()
	idsJSON, _ := json.Marshal(newIDs)

	if !opened {
		incidentID := uuid.New().String()
		if err := a.store.Exec(ctx, `
			INSERT INTO incidents (incident_id, tenant_id, rule_id, entity_key, title, first_seen, last_seen, alert_count, alert_ids, status)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, 'OPEN')
		`, incidentID, first.tenantID, first.ruleID, first.entityKey, first.title, now, len(newIDs), idsJSON); err != nil {
			return apperr.Wrap(apperr.KindInternal, "creating incident", err)
		}
		a.metrics.IncidentsOpenTotal.WithLabelValues(first.ruleID).Inc()
		a.notifyOpened(ctx, incidentID, first, len(newIDs))
		return nil
	}

	if err := a.store.Exec(ctx, `
		UPDATE incidents SET last_seen = $2, alert_count = $3, alert_ids = $4
		WHERE incident_id = $1
	`, existingID, now, len(newIDs), idsJSON); err != nil {
		return apperr.Wrap(apperr.KindInternal, "updating incident", err)
	}
	_ = firstSeen
	return nil
}

func (a *Aggregator) loadOpenIncident(ctx context.Context, tenantID, ruleID, entityKey string) (id string, firstSeen time.Time, alertIDs []string, found bool, err error) {
	row := a.store.ExecuteRow(ctx, `
		SELECT incident_id, first_seen, alert_ids FROM incidents
		WHERE tenant_id = $1 AND rule_id = $2 AND entity_key = $3 AND status != 'CLOSED'
	`, tenantID, ruleID, entityKey)
	var idsJSON []byte
	if scanErr := row.Scan(&id, &firstSeen, &idsJSON); scanErr != nil {
		return "", time.Time{}, nil, false, nil
	}
	_ = json.Unmarshal(idsJSON, &alertIDs)
	return id, firstSeen, alertIDs, true, nil
}

// closeResolvedIncidents closes every open incident whose member alerts are
// all CLOSED.
func (a *Aggregator) closeResolvedIncidents(ctx context.Context) error {
	rows, err := a.store.Execute(ctx, `
		SELECT i.incident_id, i.rule_id
		FROM incidents i
		WHERE i.status != 'CLOSED'
		 AND NOT EXISTS (
		 SELECT 1 FROM alerts a
		 WHERE a.alert_id IN (SELECT jsonb_array_elements_text(i.alert_ids))
		 AND a.status != 'CLOSED'
		 )
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type target struct{ incidentID, ruleID string }
	var targets []target
	for rows.Next() {
		var tgt target
		if err := rows.Scan(&tgt.incidentID, &tgt.ruleID); err != nil {
			return apperr.Wrap(apperr.KindInternal, "scanning closeable incident row", err)
		}
		targets = append(targets, tgt)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, tgt := range targets {
		if err := a.store.Exec(ctx, `UPDATE incidents SET status = 'CLOSED' WHERE incident_id = $1`, tgt.incidentID); err != nil {
			a.logger.Error("closing incident", "incident_id", tgt.incidentID, "error", err)
			continue
		}
		a.metrics.IncidentsClosedTotal.WithLabelValues(tgt.ruleID).Inc()
	}
	return nil
}

func (a *Aggregator) notifyOpened(ctx context.Context, incidentID string, first alertRow, count int) {
	if a.notifier == nil || !a.notifier.IsEnabled() {
		return
	}
	text := fmt.Sprintf("Incident opened: %s (%d alerts, severity=%s)", first.title, count, first.severity)
	if err := a.notifier.PostIncident(ctx, text); err != nil {
		a.logger.Warn("posting incident to slack", "incident_id", incidentID, "error", err)
	}
}
