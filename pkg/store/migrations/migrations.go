// Package migrations holds the Postgres schema of the entity graph and
// applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/barokg/backend/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed sql/*.sql
var schemaFS embed.FS

const migrationsTable = "graph_schema_migrations"

type runner struct {
	m  *migrate.Migrate
	db *sql.DB
}

func (r *runner) Close() {
	r.m.Close()
	r.db.Close()
}

func newMigrate(databaseURL string) (*runner, error) {
	src, err := iofs.New(schemaFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration connection: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init migrations: %w", err)
	}
	return &runner{m: m, db: db}, nil
}

// Up applies every pending migration. databaseURL uses the postgres:// scheme.
func Up(databaseURL string) error {
	r, err := newMigrate(databaseURL)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("[Migrations] Schema up to date")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, _ := r.m.Version()
	logger.Info("[Migrations] Schema migrated", "version", version, "dirty", dirty)
	return nil
}

// Down rolls back every migration.
func Down(databaseURL string) error {
	r, err := newMigrate(databaseURL)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}
