// Package migrations embeds the versioned schema for every supported driver.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/census-portal-api/pkg/config"
)

//go:embed postgres/*.sql sqlserver/*.sql
var files embed.FS

const postgresLedger = `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(255) PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`

const sqlserverLedger = `IF OBJECT_ID(N'schema_migrations', N'U') IS NULL
CREATE TABLE schema_migrations (version NVARCHAR(255) NOT NULL PRIMARY KEY, applied_at DATETIMEOFFSET NOT NULL)`

// Migrator applies embedded schema files in lexical order and records each
// applied version in schema_migrations.
type Migrator struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewMigrator constructs a Migrator.
func NewMigrator(db *sqlx.DB, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, logger: logger, now: time.Now}
}

// Versions lists the embedded migration versions for a driver.
func Versions(driver string) ([]string, error) {
	dir, err := dirFor(driver)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		versions = append(versions, entry.Name())
	}
	sort.Strings(versions)
	return versions, nil
}

// Up applies every pending migration and returns the versions it applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	driver := m.db.DriverName()
	dir, err := dirFor(driver)
	if err != nil {
		return nil, err
	}
	ledger := postgresLedger
	if driver == config.DriverSQLServer {
		ledger = sqlserverLedger
	}
	if _, err := m.db.ExecContext(ctx, ledger); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	var applied []string
	if err := m.db.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	done := make(map[string]struct{}, len(applied))
	for _, v := range applied {
		done[v] = struct{}{}
	}

	versions, err := Versions(driver)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, version := range versions {
		if _, ok := done[version]; ok {
			continue
		}
		body, err := fs.ReadFile(files, path.Join(dir, version))
		if err != nil {
			return ran, fmt.Errorf("read migration %s: %w", version, err)
		}
		if err := m.apply(ctx, version, string(body)); err != nil {
			return ran, err
		}
		m.logger.Info("migration applied", zap.String("version", version), zap.String("driver", driver))
		ran = append(ran, version)
	}
	return ran, nil
}

func (m *Migrator) apply(ctx context.Context, version, body string) (err error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), version, m.now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func dirFor(driver string) (string, error) {
	switch driver {
	case config.DriverSQLServer:
		return "sqlserver", nil
	case config.DriverPostgres, "sqlmock":
		return "postgres", nil
	default:
		return "", fmt.Errorf("no migrations for driver %q", driver)
	}
}
