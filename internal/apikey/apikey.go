// Package apikey implements API Key CRUD and scope checks used by the
// Admin/Search API and the Agent/Collector Ingress.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duskwatch/siemcore/internal/apperr"
	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store"
)

// keyPrefix identifies keys minted by this system in logs and UIs without
// exposing the secret.
const keyPrefix = "siem_"

// Generate creates a random API key. raw is returned to the caller exactly
// once; only the SHA-256 digest of the whole raw key is persisted.
func Generate() (raw, hash string) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	raw = fmt.Sprintf("%s%x", keyPrefix, b)
	sum := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(sum[:])
	return raw, hash
}

// Hash computes the persisted hash for a presented raw key, for lookup at
// request time.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Service is the CRUD and verification surface over API Keys.
type Service struct {
	store store.Store
}

// New constructs a Service.
func New(s store.Store) *Service {
	return &Service{store: s}
}

// Create mints a new API key for tenantID with the given scopes. The raw
// key is returned once and never persisted in plaintext.
func (s *Service) Create(ctx context.Context, tenantID, name string, scopes []models.APIKeyScope) (models.APIKey, string, error) {
	raw, hash := Generate()
	key := models.APIKey{
		KeyID: uuid.New().String(),
		TenantID: tenantID,
		Name: name,
		Scopes: scopes,
		TokenHash: hash,
		Enabled: true,
		CreatedAt: time.Now().UTC(),
	}

	scopeVals := make([]string, len(scopes))
	for i, sc := range scopes {
		scopeVals[i] = string(sc)
	}

	err := s.store.Exec(ctx, `
		INSERT INTO api_keys (key_id, tenant_id, name, scopes, token_hash, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.KeyID, key.TenantID, key.Name, scopeVals, key.TokenHash, key.Enabled, key.CreatedAt)
	if err != nil {
		return models.APIKey{}, "", apperr.Wrap(apperr.KindInternal, "creating api key", err)
	}
	return key, raw, nil
}

// Verify looks up the key matching raw's hash; it must be enabled and carry
// requiredScope.
func (s *Service) Verify(ctx context.Context, raw string, requiredScope models.APIKeyScope) (models.APIKey, error) {
	hash := Hash(raw)
	row := s.store.ExecuteRow(ctx, `
		SELECT key_id, tenant_id, name, scopes, token_hash, enabled, created_at
		FROM api_keys
		WHERE token_hash = $1
	`, hash)

	var key models.APIKey
	var scopeVals []string
	if err := row.Scan(&key.KeyID, &key.TenantID, &key.Name, &scopeVals, &key.TokenHash, &key.Enabled, &key.CreatedAt); err != nil {
		return models.APIKey{}, apperr.New(apperr.KindAuthInvalid, "unknown or revoked api key")
	}
	key.Scopes = make([]models.APIKeyScope, len(scopeVals))
	for i, v := range scopeVals {
		key.Scopes[i] = models.APIKeyScope(v)
	}

	if !key.Enabled {
		return models.APIKey{}, apperr.New(apperr.KindAuthInvalid, "api key disabled")
	}
	if !key.HasScope(requiredScope) {
		return models.APIKey{}, apperr.New(apperr.KindAuthInvalid, "api key missing required scope")
	}
	return key, nil
}

// Revoke disables a key so Verify rejects it from the next call onward.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	err := s.store.Exec(ctx, `UPDATE api_keys SET enabled = FALSE WHERE key_id = $1`, keyID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "revoking api key", err)
	}
	return nil
}
