package config

import "time"

// ActivityConfig contains the authoritative set of configuration keys
// consumed by the Router, Aggregator, and Collection Scheduler (spec.md §6).
type ActivityConfig struct {
	// ActivityTTL is how long a materialized StreamEntry row is retained.
	ActivityTTL time.Duration `yaml:"activity_ttl"`

	// AggregateIdleExpiry bounds how long an aggregate may sit idle before
	// the next matching activity starts a fresh aggregate instead of merging.
	AggregateIdleExpiry time.Duration `yaml:"aggregate_idle_expiry"`

	// AggregateMaxExpiry bounds the total age of an aggregate regardless of
	// idle time.
	AggregateMaxExpiry time.Duration `yaml:"aggregate_max_expiry"`

	// NumberOfProcessingBuckets is the hash-partition count used to
	// parallelize collection.
	NumberOfProcessingBuckets int `yaml:"number_of_processing_buckets"`

	// CollectionExpiry is the TTL of a bucket lock held during one
	// collection cycle.
	CollectionExpiry time.Duration `yaml:"collection_expiry"`

	// MaxConcurrentCollections bounds how many collection cycles may run in
	// parallel within one process.
	MaxConcurrentCollections int `yaml:"max_concurrent_collections"`

	// CollectionPollingFrequency is the tick interval of the scheduler.
	// A value of -1 disables polling entirely.
	CollectionPollingFrequency time.Duration `yaml:"collection_polling_frequency"`

	// CollectionBatchSize bounds how many pending entries are drained from
	// a bucket per cycle.
	CollectionBatchSize int `yaml:"collection_batch_size"`

	// ProcessActivityJobs gates whether this process runs collectors at all
	// (set false on API-only replicas).
	ProcessActivityJobs bool `yaml:"process_activity_jobs"`

	// MQPrefetchCount is the per-queue prefetch count for the message queue
	// adapter (mq.prefetchCount).
	MQPrefetchCount int `yaml:"mq_prefetch_count"`
}

// PollingDisabled reports whether CollectionPollingFrequency disables the
// scheduler (the -1 sentinel from spec.md §6).
func (c *ActivityConfig) PollingDisabled() bool {
	return c.CollectionPollingFrequency < 0
}

// DefaultActivityConfig returns the built-in defaults from spec.md §6.
func DefaultActivityConfig() *ActivityConfig {
	return &ActivityConfig{
		ActivityTTL:                14 * 24 * time.Hour,
		AggregateIdleExpiry:        3 * time.Hour,
		AggregateMaxExpiry:         24 * time.Hour,
		NumberOfProcessingBuckets:  5,
		CollectionExpiry:           60 * time.Second,
		MaxConcurrentCollections:   3,
		CollectionPollingFrequency: 5 * time.Second,
		CollectionBatchSize:        500,
		ProcessActivityJobs:        true,
		MQPrefetchCount:            15,
	}
}
