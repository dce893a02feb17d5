package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitializeDefaultsWhenNoFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, DefaultActivityConfig(), cfg.Activity)
	require.Equal(t, DefaultDatabaseConfig(), cfg.Database)
	require.Equal(t, DefaultRedisConfig(), cfg.Redis)
}

func TestInitializeMergesUserOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
activity:
  number_of_processing_buckets: 8
  process_activity_jobs: false
database:
  host: db.internal
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "activity.yaml"), []byte(yaml), 0o644))

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Activity.NumberOfProcessingBuckets)
	require.False(t, cfg.Activity.ProcessActivityJobs)
	require.Equal(t, "db.internal", cfg.Database.Host)
	// Unset fields still carry the built-in default.
	require.Equal(t, DefaultDatabaseConfig().Port, cfg.Database.Port)
}

func TestInitializeRejectsInvalidBucketCount(t *testing.T) {
	dir := t.TempDir()
	yaml := "activity:\n  number_of_processing_buckets: -1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "activity.yaml"), []byte(yaml), 0o644))

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
}
