// Package idempotency implements the Idempotency Registry:
// a route-scoped key to response-hash registry with TTL, serving replay and
// conflict semantics for retried requests.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store"
)

// Outcome is the result of checking a (route, key) against a candidate body.
type Outcome int

const (
	// OutcomeNew means the caller should process the request and then call
	// Record with the resulting response.
	OutcomeNew Outcome = iota
	// OutcomeReplay means an identical request was already processed; the
	// cached response should be returned with {replayed: true}.
	OutcomeReplay
	// OutcomeConflict means the same key was used with a different body;
	// the caller should respond 409.
	OutcomeConflict
)

// Registry checks and records idempotency keys against the Store.
type Registry struct {
	store store.Store
	ttl time.Duration
}

// New constructs a Registry with the given advisory TTL.
func New(s store.Store, ttl time.Duration) *Registry {
	return &Registry{store: s, ttl: ttl}
}

// HashBody computes the response_hash comparison key for a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Check looks up (route, key) and compares it against bodyHash. It returns
// the cached response body when the outcome is OutcomeReplay.
func (r *Registry) Check(ctx context.Context, route, key, bodyHash string) (Outcome, []byte, error) {
	row := r.store.ExecuteRow(ctx, `
		SELECT response_hash, response_body, expires_at
		FROM idempotency_keys
		WHERE route = $1 AND key = $2
	`, route, key)

	var rec models.IdempotencyRecord
	err := row.Scan(&rec.ResponseHash, &rec.ResponseBody, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OutcomeNew, nil, nil
		}
		return OutcomeNew, nil, apperr.Wrap(apperr.KindInternal, "checking idempotency key", err)
	}

	if time.Now().After(rec.ExpiresAt) {
		// Expiry is advisory: treat an expired record as absent.
		return OutcomeNew, nil, nil
	}
	if rec.ResponseHash != bodyHash {
		return OutcomeConflict, nil, nil
	}
	if err := r.store.Exec(ctx, `
		UPDATE idempotency_keys SET attempts = attempts + 1
		WHERE route = $1 AND key = $2
	`, route, key); err != nil {
		return OutcomeNew, nil, apperr.Wrap(apperr.KindInternal, "incrementing idempotency attempts", err)
	}
	return OutcomeReplay, rec.ResponseBody, nil
}

// Record stores the response for (route, key) on first observation.
func (r *Registry) Record(ctx context.Context, route, key, bodyHash string, responseBody []byte) error {
	now := time.Now().UTC()
	err := r.store.Exec(ctx, `
		INSERT INTO idempotency_keys (route, key, first_seen_at, attempts, response_hash, response_body, expires_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6)
		ON CONFLICT (route, key) DO NOTHING
	`, route, key, now, bodyHash, responseBody, now.Add(r.ttl))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "recording idempotency key", err)
	}
	return nil
}
