// Package store provides the shared PostgreSQL access layer for the
// activity and messaging subsystem: connection pooling, embedded schema
// migrations, and a dialect/sql-based query layer used by Message Box,
// the Activity Aggregator, and Invitations.
//
// It deliberately does not use ent's generated client. The entities here
// (messages, stream entries, aggregates, invitations) have no ent/schema/*.go
// definitions of their own, and generating one is a build step this package
// cannot take. Instead it drives entgo.io/ent/dialect/sql's fluent builder
// directly against a *sql.DB opened with the pgx driver, the same pairing
// the rest of this module's lineage uses for hand-written queries that sit
// alongside generated ent code.
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations
var migrationsFS embed.FS

// dialectName is passed to entsql.Dialect when building fluent queries; the
// store only ever targets PostgreSQL.
const dialectName = dialect.Postgres

// Config holds PostgreSQL connection and pool settings. It mirrors
// config.DatabaseConfig field-for-field so callers can pass that struct's
// values straight through.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store wraps a pooled database connection and the ent SQL driver built on
// top of it. All query packages (messagebox, aggregator, invitations) take
// a *Store and build queries against Driver().
type Store struct {
	db  *stdsql.DB
	drv *entsql.Driver
}

// DB returns the underlying *sql.DB, for health checks and transactions.
func (s *Store) DB() *stdsql.DB { return s.db }

// Driver returns the ent dialect/sql driver for building fluent queries.
func (s *Store) Driver() *entsql.Driver { return s.drv }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Open connects to PostgreSQL, applies pending embedded migrations, and
// returns a ready-to-use Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	drv := entsql.OpenDB(dialect.Postgres, db)

	if err := runMigrations(db, cfg.Database, ""); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, drv: drv}, nil
}

// OpenFromDB wraps an already-open *sql.DB (e.g. a testcontainers-provisioned
// connection) without running migrations, for callers that manage schema
// setup themselves.
func OpenFromDB(db *stdsql.DB) *Store {
	return &Store{db: db, drv: entsql.OpenDB(dialect.Postgres, db)}
}

// OpenFromDBWithMigrations wraps an already-open *sql.DB and applies the
// embedded migrations into schemaName (or the connection's default search
// path schema if schemaName is empty). Used by storetest for per-test schema
// isolation.
func OpenFromDBWithMigrations(_ context.Context, db *stdsql.DB, schemaName string) (*Store, error) {
	if err := runMigrations(db, "activity_core", schemaName); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db, drv: entsql.OpenDB(dialect.Postgres, db)}, nil
}

func runMigrations(db *stdsql.DB, databaseName, schemaName string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found")
	}

	pgCfg := &postgres.Config{}
	if schemaName != "" {
		pgCfg.SchemaName = schemaName
	}
	driver, err := postgres.WithInstance(db, pgCfg)
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Only close the source driver. Calling m.Close() would also close the
	// database driver, which closes the shared *sql.DB passed into
	// postgres.WithInstance — breaking the caller's connection pool.
	return sourceDriver.Close()
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && len(name) > 4 && name[len(name)-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
