// Package enrichment implements the Enrichment stage:
// in-process threat-intel set membership, refreshed periodically from the
// Store, and GeoIP range lookup over ranges supplied via LoadGeoRanges.
package enrichment

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store"
)

// GeoRange is one CIDR-keyed GeoIP entry.
type GeoRange struct {
	Network *net.IPNet
	Country string
	ASN string
}

// Enricher applies threat intel and GeoIP lookups, and lowercases category
// fields, against an in-process snapshot refreshed on Refresh.
type Enricher struct {
	store store.Store

	mu sync.RWMutex
	intel map[string][]string // indicator -> list of indicator ids/descriptions that matched
	geo []GeoRange
	loadedAt time.Time
}

// New constructs an Enricher. Call Refresh (directly, or via Start) before
// enriching events; an unrefreshed Enricher finds no threat-intel matches.
func New(s store.Store) *Enricher {
	return &Enricher{store: s, intel: make(map[string][]string)}
}

// Start refreshes on the given interval until ctx is cancelled.
func (e *Enricher) Start(ctx context.Context, interval time.Duration) {
	// A failed first load just means the first batch of events enriches
	// with zero hits; the next tick retries.
	_ = e.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = e.Refresh(ctx)
		}
	}
}

// Refresh reloads the intel indicator set from the store. GeoIP ranges are
// not store-backed in this deployment; operators load them via LoadGeoRanges at startup.
func (e *Enricher) Refresh(ctx context.Context) error {
	rows, err := e.store.Execute(ctx, `SELECT indicator, kind, description FROM intel_indicators`)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamDown, "loading threat intel indicators", err)
	}
	defer rows.Close()

	next := make(map[string][]string)
	for rows.Next() {
		var indicator, kind, description string
		if err := rows.Scan(&indicator, &kind, &description); err != nil {
			return apperr.Wrap(apperr.KindInternal, "scanning intel indicator row", err)
		}
		label := kind
		if description != "" {
			label = kind + ":" + description
		}
		next[strings.ToLower(indicator)] = append(next[strings.ToLower(indicator)], label)
	}
	if err := rows.Err(); err != nil {
		return apperr.Wrap(apperr.KindInternal, "iterating intel indicators", err)
	}

	e.mu.Lock()
	e.intel = next
	e.loadedAt = time.Now()
	e.mu.Unlock()
	return nil
}

// LoadGeoRanges replaces the in-process GeoIP ranges table.
func (e *Enricher) LoadGeoRanges(ranges []GeoRange) {
	e.mu.Lock()
	e.geo = ranges
	e.mu.Unlock()
}

// Enrich mutates ev in place: threat-intel match flags, GeoIP country/ASN,
// and lowercased category fields.
func (e *Enricher) Enrich(ev *models.Event) {
	ev.EventCategory = strings.ToLower(ev.EventCategory)
	ev.EventAction = strings.ToLower(ev.EventAction)
	ev.EventOutcome = strings.ToLower(ev.EventOutcome)

	e.mu.RLock()
	defer e.mu.RUnlock()

	var hits []string
	if h, ok := e.intel[strings.ToLower(ev.SourceIP)]; ok {
		hits = append(hits, h...)
	}
	if h, ok := e.intel[strings.ToLower(ev.DestinationIP)]; ok {
		hits = append(hits, h...)
	}
	if len(hits) > 0 {
		ev.TIMatch = true
		ev.TIHits = hits
	}

	if ip := net.ParseIP(ev.SourceIP); ip != nil {
		for _, r := range e.geo {
			if r.Network.Contains(ip) {
				ev.GeoCountry = r.Country
				ev.GeoASN = r.ASN
				break
			}
		}
	}
}
