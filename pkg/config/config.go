package config

// Config is the umbrella configuration object returned by Initialize and
// threaded through the rest of the application: the activity/aggregation
// tunables (spec.md §6), the Postgres datastore, the Redis-backed locking
// and queue store, the push-delivery socket settings, and the resource
// signing key.
type Config struct {
	configDir string

	Activity *ActivityConfig
	Database *DatabaseConfig
	Redis    *RedisConfig
	Push     *PushConfig
	Signing  *SigningConfig
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ConfigStats summarizes the loaded configuration for startup logging.
type ConfigStats struct {
	NumberOfProcessingBuckets int
	MaxConcurrentCollections  int
	ProcessActivityJobs       bool
}

// Stats returns a summary of the activity configuration.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		NumberOfProcessingBuckets: c.Activity.NumberOfProcessingBuckets,
		MaxConcurrentCollections:  c.Activity.MaxConcurrentCollections,
		ProcessActivityJobs:       c.Activity.ProcessActivityJobs,
	}
}
