// Package scheduler implements the Collection Scheduler (spec.md §4.4,
// scheduling half): one background collector per processing bucket, each
// polling on its own ticker, acquiring the bucket's lock, draining pending
// router output, and delegating to the Aggregator. It generalizes the
// teacher's pkg/queue WorkerPool/Worker shape (one goroutine per worker,
// a poll loop, graceful Stop via a close-once channel) from per-session
// claims over FOR UPDATE SKIP LOCKED to per-bucket claims over
// pkg/locking's cluster-visible locks.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/oaeproject/activity-core/pkg/apperrors"
	"github.com/oaeproject/activity-core/pkg/locking"
	"github.com/oaeproject/activity-core/pkg/router"
)

// Entry is one router-expanded route waiting in a bucket's pending queue,
// carrying enough of the originating seed for the Aggregator to compute
// grouping keys (spec §4.5 step 1) without re-resolving the route.
type Entry struct {
	RecipientID  string
	StreamType   string
	Format       string
	ActivityID   string
	ActivityType string
	Verb         string
	Published    int64
	ActorID      string
	ObjectID     string
	TargetID     string
}

// BucketQueue is the pending-entry store the scheduler drains from. The
// Activity Router appends to it (spec §4.4 step 4); the scheduler drains it
// (step 2).
type BucketQueue interface {
	Append(ctx context.Context, bucket int, e Entry) error
	Drain(ctx context.Context, bucket int, limit int) ([]Entry, error)
}

// Collector is delegated a drained batch for aggregation (implemented by
// pkg/aggregator).
type Collector interface {
	Collect(ctx context.Context, entries []Entry) error
}

// Config holds the scheduler's tunables, sourced from
// config.ActivityConfig's NumberOfProcessingBuckets, CollectionExpiry,
// MaxConcurrentCollections, CollectionPollingFrequency, and
// CollectionBatchSize.
type Config struct {
	NumBuckets               int
	CollectionExpiry         time.Duration
	MaxConcurrentCollections int
	PollingFrequency         time.Duration
	BatchSize                int

	// MaxCyclesPerSecond caps how often, across all buckets combined, a
	// new collection cycle may begin — smoothing the thundering-herd case
	// where every bucket's ticker fires in the same instant. Zero means
	// unlimited.
	MaxCyclesPerSecond float64
}

// Scheduler runs one collector goroutine per bucket.
type Scheduler struct {
	cfg       Config
	locks     *locking.Service
	queue     BucketQueue
	collector Collector
	sem       chan struct{}
	pacer     *rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Scheduler. A PollingFrequency < 0 disables polling
// entirely (spec §6's -1 sentinel); Start becomes a no-op in that case.
func New(cfg Config, locks *locking.Service, queue BucketQueue, collector Collector) *Scheduler {
	if cfg.NumBuckets <= 0 {
		cfg.NumBuckets = 5
	}
	if cfg.MaxConcurrentCollections <= 0 {
		cfg.MaxConcurrentCollections = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Scheduler{
		cfg:       cfg,
		locks:     locks,
		queue:     queue,
		collector: collector,
		sem:       make(chan struct{}, cfg.MaxConcurrentCollections),
		pacer:     newPacer(cfg.MaxCyclesPerSecond),
		stopCh:    make(chan struct{}),
	}
}

// PollingDisabled reports whether the configured frequency disables the
// scheduler.
func (s *Scheduler) PollingDisabled() bool {
	return s.cfg.PollingFrequency < 0
}

// Start spawns one collector goroutine per bucket. It is a no-op if polling
// is disabled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.PollingDisabled() {
		slog.Info("collection scheduler disabled by negative polling frequency")
		return
	}
	for bucket := 0; bucket < s.cfg.NumBuckets; bucket++ {
		s.wg.Add(1)
		go s.runBucket(ctx, bucket)
	}
}

// Stop signals every collector goroutine to finish its current cycle and
// exit, then waits for them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) runBucket(ctx context.Context, bucket int) {
	defer s.wg.Done()

	log := slog.With("bucket", bucket)
	ticker := time.NewTicker(s.cfg.PollingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("collector stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runCycle(ctx, bucket); err != nil {
				log.Error("collection cycle failed", "error", err)
			}
		}
	}
}

// runCycle implements spec §4.4's four scheduler steps for one bucket.
func (s *Scheduler) runCycle(ctx context.Context, bucket int) error {
	if err := s.pacer.Wait(ctx); err != nil {
		return err
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	start := time.Now()
	lock, ok, err := s.locks.TryAcquire(ctx, bucketLockName(bucket), s.cfg.CollectionExpiry)
	if err != nil {
		collectionErrors.WithLabelValues("lock").Inc()
		return err
	}
	if !ok {
		// Another collector (in this process or another) already holds the
		// bucket; spec §4.4 step 1 says to skip.
		return nil
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := lock.Release(ctx); err != nil && !apperrors.IsNotFound(err) {
			slog.Warn("failed to release bucket lock, relying on TTL", "bucket", bucket, "error", err)
		}
	}
	defer release()

	entries, err := s.queue.Drain(ctx, bucket, s.cfg.BatchSize)
	if err != nil {
		collectionErrors.WithLabelValues("drain").Inc()
		return err
	}
	if len(entries) == 0 {
		collectionCycles.WithLabelValues("empty").Inc()
		return nil
	}

	if err := s.collector.Collect(ctx, entries); err != nil {
		collectionErrors.WithLabelValues("collect").Inc()
		return err
	}

	collectionCycles.WithLabelValues("ok").Inc()
	collectionBatchSize.Observe(float64(len(entries)))
	collectionDuration.Observe(time.Since(start).Seconds())
	return nil
}

func bucketLockName(bucket int) string {
	return "activity:bucket:" + strconv.Itoa(bucket)
}

// newPacer builds the limiter runCycle waits on before each cycle. One
// limiter is shared by every bucket's collector, so it caps cycle starts
// across all buckets combined; a non-positive rate means no cap.
func newPacer(eventsPerSecond float64) *rate.Limiter {
	if eventsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(eventsPerSecond), 1)
}

var (
	collectionCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_collection_cycles_total",
			Help: "Total collection cycles run by the scheduler, by outcome.",
		},
		[]string{"outcome"},
	)

	collectionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_collection_errors_total",
			Help: "Total collection cycle errors, by stage.",
		},
		[]string{"stage"},
	)

	collectionBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "activity_collection_batch_size",
			Help:    "Number of entries drained per collection cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	collectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "activity_collection_duration_seconds",
			Help:    "Collection cycle duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(collectionCycles, collectionErrors, collectionBatchSize, collectionDuration)
}

// PostSeed expands seed through the router and appends each resulting
// route to its bucket's pending queue (spec §4.4 steps 1-4: this is the
// router/scheduler handoff triggered whenever an activity is posted).
func PostSeed(ctx context.Context, r *router.Router, queue BucketQueue, seed router.Seed, activityID, verb string, published int64) error {
	routes, err := r.Expand(ctx, seed)
	if err != nil {
		return err
	}
	for _, route := range routes {
		if err := queue.Append(ctx, route.Bucket, routeToEntry(route, seed, activityID, verb, published)); err != nil {
			return err
		}
	}
	return nil
}

// routeToEntry adapts a router.Route plus the seed's activity metadata into
// a bucket entry.
func routeToEntry(route router.Route, seed router.Seed, activityID, verb string, published int64) Entry {
	e := Entry{
		RecipientID:  route.RecipientID,
		StreamType:   route.StreamType,
		Format:       route.Format,
		ActivityID:   activityID,
		ActivityType: seed.ActivityType,
		Verb:         verb,
		Published:    published,
	}
	if seed.Actor != nil {
		e.ActorID = seed.Actor.ResourceID
	}
	if seed.Object != nil {
		e.ObjectID = seed.Object.ResourceID
	}
	if seed.Target != nil {
		e.TargetID = seed.Target.ResourceID
	}
	return e
}
