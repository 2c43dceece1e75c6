package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
)

const (
	testDatabase = "premieres_test"
	testUser     = "test"
	testPassword = "test"
)

// TestDatabase represents a test database instance.
type TestDatabase struct {
	Pool      *pgxpool.Pool
	Container *postgres.PostgresContainer
	ConnStr   string
}

// SetupTestDatabase creates a PostgreSQL container, runs migrations, and returns a connection pool.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.MigrateUp(connStr, MigrationsDir(t, 3)))

	pool, err := db.NewPoolFromURL(ctx, connStr, nil)
	require.NoError(t, err)

	require.NoError(t, pool.Ping(ctx))

	return &TestDatabase{
		Pool:      pool,
		Container: pgContainer,
		ConnStr:   connStr,
	}
}

// Cleanup closes the pool and terminates the container.
func (td *TestDatabase) Cleanup(t *testing.T) {
	ctx := context.Background()

	if td.Pool != nil {
		td.Pool.Close()
	}

	if td.Container != nil {
		err := td.Container.Terminate(ctx)
		require.NoError(t, err)
	}
}

// TruncateTables truncates all tables in the database for test isolation.
func (td *TestDatabase) TruncateTables(t *testing.T) {
	ctx := context.Background()

	_, err := td.Pool.Exec(ctx, `TRUNCATE TABLE transcode_jobs, push_subscriptions, premieres CASCADE`)
	require.NoError(t, err)
}

// MigrationsDir resolves the repository's migrations directory relative to a package
// directory nested depth levels below the module root.
func MigrationsDir(t *testing.T, depth int) string {
	rel := "migrations"
	for i := 0; i < depth; i++ {
		rel = filepath.Join("..", rel)
	}
	path, err := filepath.Abs(rel)
	require.NoError(t, err)
	return path
}
