package business

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/pressly/goose/v3"
	"github.com/samber/oops"

	// pgx database/sql driver used by goose
	_ "github.com/jackc/pgx/v5/stdlib"

	slogctx "github.com/veqryn/slog-context"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/openkcm/vault-gateway/internal/config"
	migrations "github.com/openkcm/vault-gateway/sql"
)

// MigrateMain brings the provisioning ledger schema up to date.
func MigrateMain(ctx context.Context, cfg *config.Config) error {
	db, closeDB, err := openMigrationDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("loading ledger migrations: %w", err)
	}

	results, err := provider.Up(ctx)
	for _, r := range results {
		slogctx.Info(ctx, "Applied ledger migration",
			"version", r.Source.Version,
			"file", r.Source.Path,
			"duration", r.Duration,
		)
	}
	if err != nil {
		return fmt.Errorf("migrating the provisioning ledger: %w", err)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading ledger schema version: %w", err)
	}
	slogctx.Info(ctx, "Provisioning ledger is up to date", "version", version, "applied", len(results))

	return nil
}

// openMigrationDB opens a traced database/sql handle, which goose requires
// instead of the pgx pool the API server uses.
func openMigrationDB(ctx context.Context, dbCfg config.Database) (*sql.DB, func(), error) {
	connStr, err := config.MakeConnStr(dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building database connection string: %w", err)
	}

	attrs := otelsql.WithAttributes(semconv.DBSystemNamePostgreSQL)

	db, err := otelsql.Open("pgx", connStr, attrs)
	if err != nil {
		return nil, nil, oops.In("migrate").Wrapf(err, "opening the ledger database")
	}

	reg, err := otelsql.RegisterDBStatsMetrics(db, attrs)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("registering ledger database metrics: %w", err)
	}

	return db, func() {
		if err := reg.Unregister(); err != nil {
			slogctx.Warn(ctx, "Could not unregister ledger database metrics", "error", err)
		}
		if err := db.Close(); err != nil {
			slogctx.Warn(ctx, "Could not close the ledger database", "error", err)
		}
	}, nil
}
