package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	pgx5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/duskwatch/siemcore/internal/apperr"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Bootstrap applies the store's DDL migrations. If
// migrationsDir is empty, the migrations embedded at build time are used;
// otherwise the on-disk directory takes precedence, which lets operators
// override migrations without a rebuild.
func (a *Adapter) Bootstrap(ctx context.Context, migrationsDir string) error {
	src, err := a.migrationSource(migrationsDir)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "opening migration source", err)
	}

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamDown, "acquiring bootstrap connection", err)
	}
	defer conn.Release()

	dbDriver, err := pgx5.WithInstance(conn.Conn, &pgx5.Config{})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "wrapping store connection for migration", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "siemcore", dbDriver)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "constructing migrator", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperr.Wrap(apperr.KindInternal, "running migrations", err)
	}
	return nil
}

func (a *Adapter) migrationSource(migrationsDir string) (source.Driver, error) {
	if migrationsDir != "" {
		return (&file.File{}).Open(fmt.Sprintf("file://%s", migrationsDir))
	}
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, err
	}
	return iofs.New(sub, ".")
}
