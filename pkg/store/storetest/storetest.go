// Package storetest provides a shared PostgreSQL testcontainer and
// per-test schema isolation for packages exercising pkg/store against a
// real database.
package storetest

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/oaeproject/activity-core/pkg/store"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// NewStore starts (or reuses) a shared PostgreSQL testcontainer, creates a
// schema unique to this test, applies migrations into it, and returns a
// ready *store.Store. The schema is dropped on test cleanup.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	connStr := sharedDatabase(t)
	schemaName := schemaNameFor(t)

	admin, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = admin.Close()

	db, err := stdsql.Open("pgx", addSearchPath(connStr, schemaName))
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	s, err := store.OpenFromDBWithMigrations(ctx, db, schemaName)
	require.NoError(t, err)

	t.Cleanup(func() {
		cleanupDB, cleanupErr := stdsql.Open("pgx", connStr)
		if cleanupErr == nil {
			_, _ = cleanupDB.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			_ = cleanupDB.Close()
		}
		_ = s.Close()
	})

	return s
}

func sharedDatabase(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("activity_core_test"),
			postgres.WithUsername("activity"),
			postgres.WithPassword("activity"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})
	require.NoError(t, containerErr, "failed to start shared postgres test container")
	return sharedConnStr
}

func schemaNameFor(t *testing.T) string {
	t.Helper()
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	return fmt.Sprintf("test_%s_%d", name, time.Now().UnixNano())
}

func addSearchPath(connStr, schemaName string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, sep, schemaName)
}
