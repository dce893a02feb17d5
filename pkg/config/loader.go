package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// activityYAMLConfig represents the complete activity.yaml file structure.
type activityYAMLConfig struct {
	Activity *ActivityConfig `yaml:"activity"`
	Database *DatabaseConfig `yaml:"database"`
	Redis    *RedisConfig    `yaml:"redis"`
	Push     *PushConfig     `yaml:"push"`
	Signing  *signingYAML    `yaml:"signing"`
}

type signingYAML struct {
	// KeyHex is the hex-encoded HMAC key. Kept out of SigningConfig's own
	// yaml tags (it carries a raw []byte there) so the decoded form never
	// round-trips back through yaml.Marshal by accident.
	KeyHex string `yaml:"key_hex"`
}

// Initialize loads, merges, and validates configuration from configDir,
// returning a Config ready for use. Missing activity.yaml is not an error —
// the built-in defaults apply (suitable for local development).
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing activity core configuration")

	raw, err := loadActivityYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	activityCfg := DefaultActivityConfig()
	if raw.Activity != nil {
		// loadActivityYAML decodes over DefaultActivityConfig(), so raw.Activity
		// already holds the default for every omitted key and keeps explicit
		// zero values such as process_activity_jobs: false.
		activityCfg = raw.Activity
	}

	dbCfg := DefaultDatabaseConfig()
	if raw.Database != nil {
		if err := mergo.Merge(dbCfg, raw.Database, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge database config: %w", err)
		}
	}

	redisCfg := DefaultRedisConfig()
	if raw.Redis != nil {
		if err := mergo.Merge(redisCfg, raw.Redis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge redis config: %w", err)
		}
	}

	pushCfg := DefaultPushConfig()
	if raw.Push != nil {
		if err := mergo.Merge(pushCfg, raw.Push, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge push config: %w", err)
		}
	}

	signingCfg, err := resolveSigningConfig(raw.Signing)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signing config: %w", err)
	}

	cfg := &Config{
		configDir: configDir,
		Activity:  activityCfg,
		Database:  dbCfg,
		Redis:     redisCfg,
		Push:      pushCfg,
		Signing:   signingCfg,
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"number_of_processing_buckets", cfg.Activity.NumberOfProcessingBuckets,
		"max_concurrent_collections", cfg.Activity.MaxConcurrentCollections,
		"process_activity_jobs", cfg.Activity.ProcessActivityJobs)

	return cfg, nil
}

func loadActivityYAML(configDir string) (*activityYAMLConfig, error) {
	cfg := activityYAMLConfig{Activity: DefaultActivityConfig()}

	path := filepath.Join(configDir, "activity.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No file — all-defaults config, resolved by the caller's merge step.
			return &cfg, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &cfg, nil
}

// resolveSigningConfig decodes the signing key from YAML (signing.key_hex)
// or, failing that, from the SIGNING_KEY environment variable. A missing key
// yields an empty SigningConfig; validate() does not check the key.
func resolveSigningConfig(raw *signingYAML) (*SigningConfig, error) {
	hexKey := os.Getenv("SIGNING_KEY")
	if raw != nil && raw.KeyHex != "" {
		hexKey = raw.KeyHex
	}
	if hexKey == "" {
		return &SigningConfig{}, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signing key is not valid hex: %w", err)
	}
	return &SigningConfig{Key: key}, nil
}

// validate performs cross-field sanity checks that defaults and YAML merging
// cannot catch on their own.
func validate(cfg *Config) error {
	if cfg.Activity.NumberOfProcessingBuckets < 1 {
		return NewValidationError("activity", "number_of_processing_buckets",
			"", fmt.Errorf("must be >= 1, got %d", cfg.Activity.NumberOfProcessingBuckets))
	}
	if cfg.Activity.MaxConcurrentCollections < 1 {
		return NewValidationError("activity", "max_concurrent_collections",
			"", fmt.Errorf("must be >= 1, got %d", cfg.Activity.MaxConcurrentCollections))
	}
	if cfg.Activity.CollectionBatchSize < 1 {
		return NewValidationError("activity", "collection_batch_size",
			"", fmt.Errorf("must be >= 1, got %d", cfg.Activity.CollectionBatchSize))
	}
	return nil
}
