package apikey

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store/storetest"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func TestGenerateAndHash(t *testing.T) {
	raw, hash := Generate()
	if raw == "" || hash == "" {
		t.Fatal("Generate() returned empty raw or hash")
	}
	if Hash(raw) != hash {
		t.Errorf("Hash(raw) = %q, want %q", Hash(raw), hash)
	}
	raw2, hash2 := Generate()
	if raw == raw2 || hash == hash2 {
		t.Error("Generate() should produce distinct keys across calls")
	}
}

func rowReturning(id, tenantID, name string, scopes []string, hash string, enabled bool) pgx.Row {
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*string) = tenantID
		*dest[2].(*string) = name
		*dest[3].(*[]string) = scopes
		*dest[4].(*string) = hash
		*dest[5].(*bool) = enabled
		return nil
	}}
}

func TestVerify_Success(t *testing.T) {
	raw, hash := Generate()
	id := uuid.New().String()
	svc := New(&storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return rowReturning(id, "acme", "collector-a", []string{"ingest"}, hash, true)
		},
	})

	key, err := svc.Verify(context.Background(), raw, models.ScopeIngest)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if key.KeyID != id || key.TenantID != "acme" {
		t.Errorf("Verify() = %+v, want key_id=%v tenant=acme", key, id)
	}
}

func TestVerify_UnknownKey(t *testing.T) {
	svc := New(&storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	})
	if _, err := svc.Verify(context.Background(), "unknown-key", models.ScopeIngest); err == nil {
		t.Error("Verify() with unknown key should error")
	}
}

func TestVerify_Disabled(t *testing.T) {
	_, hash := Generate()
	svc := New(&storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return rowReturning(uuid.New().String(), "acme", "collector-a", []string{"ingest"}, hash, false)
		},
	})
	if _, err := svc.Verify(context.Background(), "whatever", models.ScopeIngest); err == nil {
		t.Error("Verify() with disabled key should error")
	}
}

func TestVerify_MissingScope(t *testing.T) {
	_, hash := Generate()
	svc := New(&storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return rowReturning(uuid.New().String(), "acme", "collector-a", []string{"search"}, hash, true)
		},
	})
	if _, err := svc.Verify(context.Background(), "whatever", models.ScopeIngest); err == nil {
		t.Error("Verify() without required scope should error")
	}
}
