//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// startPostgres launches a PostgreSQL 16 container and returns its config.
func startPostgres(t *testing.T) PostgresConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "nl2sql_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return PostgresConfig{
		Host:     host,
		Port:     port.Int(),
		Database: "nl2sql_test",
		Username: "test",
		Password: "test",
	}
}

func TestIntegration_MigrateAndStoreRun(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()
	log := logging.NewNopLogger()

	migrator := NewMigrator(cfg, log)
	require.NoError(t, migrator.Up(ctx))
	require.NoError(t, migrator.Up(ctx))

	version, dirty, err := migrator.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	conn, err := NewConnection(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.HealthCheck(ctx))

	repo := NewPredictionRepository(conn, log)
	batch := &nl2sql.PredictionBatch{
		RunID:     "0b1c5e0e-57d2-4e55-9a55-0a0b8a7d5b11",
		Stage:     nl2sql.StageConditions,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Records: []nl2sql.SQLRecord{
			{Sel: []int{0}, Agg: []int{4}, Conds: []nl2sql.CondRecord{{Column: 1, Op: 2, Value: nl2sql.StringPtr("北京")}}},
			nl2sql.FromStructuredQuery(nl2sql.StructuredQuery{}),
		},
	}
	require.NoError(t, repo.WriteBatch(ctx, batch))
	assert.Error(t, repo.WriteBatch(ctx, batch), "run ids are unique")

	got, err := repo.GetRun(ctx, batch.RunID)
	require.NoError(t, err)
	assert.Equal(t, batch.Records, got.Records)
	assert.True(t, batch.CreatedAt.Equal(got.CreatedAt))

	runs, err := repo.ListRuns(ctx, nl2sql.StageConditions, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].RecordCount)

	require.NoError(t, migrator.Rollback(ctx, 1))
	version, _, err = migrator.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
}
