package incident

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store/storetest"
	"github.com/duskwatch/siemcore/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func TestUpsertIncident_CreatesNewIncident(t *testing.T) {
	var inserted bool
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
		ExecFunc: func(ctx context.Context, sql string, args ...any) error {
			inserted = true
			return nil
		},
	}
	a := New(fake, telemetry.New(), testLogger(), nil, time.Minute)

	members := []alertRow{{
		alertID: "alert-1", tenantID: "acme", ruleID: "rule-1",
		title: "Repeated failed logins", severity: "high", status: models.AlertOpen,
		createdAt: time.Now().UTC(), entityKey: "alice",
	}}

	if err := a.upsertIncident(context.Background(), members); err != nil {
		t.Fatalf("upsertIncident() error = %v", err)
	}
	if !inserted {
		t.Error("upsertIncident() should insert a new incident when none is open")
	}
}

func TestUpsertIncident_UpdatesExistingIncident(t *testing.T) {
	var updated bool
	existingIDs, _ := json.Marshal([]string{"alert-0"})
	fake := &storetest.Fake{
		ExecuteRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = "incident-1"
				*dest[1].(*time.Time) = time.Now().UTC().Add(-time.Hour)
				*dest[2].(*[]byte) = existingIDs
				return nil
			}}
		},
		ExecFunc: func(ctx context.Context, sql string, args ...any) error {
			updated = true
			return nil
		},
	}
	a := New(fake, telemetry.New(), testLogger(), nil, time.Minute)

	members := []alertRow{{
		alertID: "alert-1", tenantID: "acme", ruleID: "rule-1",
		title: "Repeated failed logins", severity: "high", status: models.AlertOpen,
		createdAt: time.Now().UTC(), entityKey: "alice",
	}}

	if err := a.upsertIncident(context.Background(), members); err != nil {
		t.Fatalf("upsertIncident() error = %v", err)
	}
	if !updated {
		t.Error("upsertIncident() should update the existing open incident")
	}
}

func TestSlackNotifier_DisabledWithoutToken(t *testing.T) {
	n := NewSlackNotifier("", "#alerts", testLogger())
	if n.IsEnabled() {
		t.Error("SlackNotifier should be disabled without a bot token")
	}
	if err := n.PostIncident(context.Background(), "test"); err != nil {
		t.Errorf("PostIncident() on a disabled notifier should no-op, got error = %v", err)
	}
}
