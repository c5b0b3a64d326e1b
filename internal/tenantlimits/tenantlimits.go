// Package tenantlimits maintains a read-mostly, periodically refreshed
// in-process cache of Tenant Limits.
package tenantlimits

import (
	"context"
	"sync"
	"time"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store"
)

// Cache serves Tenant Limits lookups from memory, refreshed from the Store
// on a TTL or on explicit Invalidate after an admin mutation.
type Cache struct {
	store store.Store
	ttl time.Duration

	mu sync.RWMutex
	limits map[string]models.TenantLimits // keyed by tenant_id+"/"+source
	loadedAt time.Time
}

// New constructs a Cache with the given refresh TTL.
func New(s store.Store, ttl time.Duration) *Cache {
	return &Cache{store: s, ttl: ttl, limits: make(map[string]models.TenantLimits)}
}

func cacheKey(tenantID, source string) string {
	return tenantID + "/" + source
}

// Get returns the limits for (tenantID, source), refreshing the whole cache
// first if it is stale. Callers needing strict freshness after an admin
// mutation should call Invalidate instead of relying on TTL expiry.
func (c *Cache) Get(ctx context.Context, tenantID, source string) (models.TenantLimits, bool, error) {
	c.mu.RLock()
	stale := time.Since(c.loadedAt) > c.ttl
	limits, ok := c.limits[cacheKey(tenantID, source)]
	c.mu.RUnlock()

	if !stale {
		return limits, ok, nil
	}
	if err := c.refresh(ctx); err != nil {
		// Stale-but-present data is preferable to failing the caller outright;
		// callers read rate-limit parameters and retention days from it.
		if ok {
			return limits, true, nil
		}
		return models.TenantLimits{}, false, err
	}

	c.mu.RLock()
	limits, ok = c.limits[cacheKey(tenantID, source)]
	c.mu.RUnlock()
	return limits, ok, nil
}

// Invalidate forces the next Get to reload from the Store.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context) error {
	rows, err := c.store.Execute(ctx, `
		SELECT tenant_id, source, limit_eps, burst, enabled, retention_days
		FROM tenants_eps
	`)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamDown, "loading tenant limits", err)
	}
	defer rows.Close()

	next := make(map[string]models.TenantLimits)
	for rows.Next() {
		var tl models.TenantLimits
		if err := rows.Scan(&tl.TenantID, &tl.Source, &tl.LimitEPS, &tl.Burst, &tl.Enabled, &tl.RetentionDays); err != nil {
			return apperr.Wrap(apperr.KindInternal, "scanning tenant limits row", err)
		}
		next[cacheKey(tl.TenantID, tl.Source)] = tl
	}
	if err := rows.Err(); err != nil {
		return apperr.Wrap(apperr.KindInternal, "iterating tenant limits", err)
	}

	c.mu.Lock()
	c.limits = next
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}
