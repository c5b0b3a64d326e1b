// Package ledger implements the Ledger: an append-only
// record of (tenant, source, seq) observations used to detect ingestion
// gaps. Gap detection is audit-time only, never on the hot ingest path.
package ledger

import (
	"context"
	"time"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store"
)

// Ledger appends observations and serves audit queries over them.
type Ledger struct {
	store store.Store
}

// New constructs a Ledger over the given Store.
func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Append inserts one ledger row. Duplicate (tenant_id, source_id, seq) keys
// are idempotent: ON CONFLICT DO NOTHING makes the second write a no-op,
//
func (l *Ledger) Append(ctx context.Context, row models.LedgerRow) error {
	err := l.store.Exec(ctx, `
		INSERT INTO agent_ingest_ledger (tenant_id, source_id, seq, status, first_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, source_id, seq) DO NOTHING
	`, row.TenantID, row.SourceID, row.Seq, row.Status, row.FirstSeen)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "appending ledger row", err)
	}
	return nil
}

// Stats summarizes a (tenant, source)'s ledger rows.
type Stats struct {
	MaxSeq int64
	AcceptedCount int64
	QuarantineCount int64
	DLQCount int64
}

// MaxSeqAndCounts returns max_seq and counts_by_status for (tenant, source),
// backed by the ledger_stats_mv view.
func (l *Ledger) MaxSeqAndCounts(ctx context.Context, tenantID, sourceID string) (Stats, error) {
	row := l.store.ExecuteRow(ctx, `
		SELECT max_seq, accepted_count, quarantine_count, dlq_count
		FROM ledger_stats_mv
		WHERE tenant_id = $1 AND source_id = $2
	`, tenantID, sourceID)

	var s Stats
	if err := row.Scan(&s.MaxSeq, &s.AcceptedCount, &s.QuarantineCount, &s.DLQCount); err != nil {
		return Stats{}, apperr.Wrap(apperr.KindInternal, "reading ledger stats", err)
	}
	return s, nil
}

// Missing yields the gap intervals for (tenant, source): the complement of
// observed sequences within [min_seq..max_seq], collapsed into contiguous
// runs. This runs against ledger_missing, an on-demand view — never called
// from the ingest path.
func (l *Ledger) Missing(ctx context.Context, tenantID, sourceID string) ([]models.GapInterval, error) {
	rows, err := l.store.Execute(ctx, `
		SELECT seq FROM ledger_missing
		WHERE tenant_id = $1 AND source_id = $2
		ORDER BY seq
	`, tenantID, sourceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "querying ledger gaps", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scanning ledger gap row", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "iterating ledger gaps", err)
	}
	return CollapseGaps(seqs), nil
}

// CollapseGaps folds a sorted, ascending list of missing sequence numbers
// into contiguous (start, end) intervals.
func CollapseGaps(seqs []int64) []models.GapInterval {
	var gaps []models.GapInterval
	var cur *models.GapInterval
	for _, seq := range seqs {
		if cur != nil && seq == cur.End+1 {
			cur.End = seq
			continue
		}
		if cur != nil {
			gaps = append(gaps, *cur)
		}
		c := models.GapInterval{Start: seq, End: seq}
		cur = &c
	}
	if cur != nil {
		gaps = append(gaps, *cur)
	}
	return gaps
}

// NewRow builds a LedgerRow observed now.
func NewRow(tenantID, sourceID string, seq int64, status models.LedgerStatus) models.LedgerRow {
	return models.LedgerRow{
		TenantID: tenantID,
		SourceID: sourceID,
		Seq: seq,
		Status: status,
		FirstSeen: time.Now().UTC(),
	}
}
