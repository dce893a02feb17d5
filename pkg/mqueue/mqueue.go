// Package mqueue provides a durable, at-least-once task queue abstraction
// over Redis, generalizing the teacher's single-table, FOR UPDATE SKIP
// LOCKED worker pool (pkg/queue) into named topics — spec.md §2 requires
// one topic per collection bucket plus dedicated topics for preview
// regeneration and invitation-accept fan-out, which a single Postgres table
// cannot express without per-topic schemas.
package mqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"
)

// Adapter publishes and consumes tasks on named topics. Delivery is
// at-least-once: a dequeued task is moved to a per-topic "processing" list
// until the consumer explicitly Acks or Nacks it; an unacked task becomes
// visible again after visibilityTimeout elapses (reaper-swept, mirroring
// the teacher's orphan-session recovery in pkg/queue/orphan.go).
type Adapter struct {
	client            *redislib.Client
	visibilityTimeout time.Duration
	prefetchCount     int
}

// Config configures an Adapter.
type Config struct {
	Addr              string
	Password          string
	DB                int
	VisibilityTimeout time.Duration
	PrefetchCount     int
}

// New dials Redis and returns a ready Adapter.
func New(cfg Config) *Adapter {
	client := redislib.NewClient(&redislib.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newAdapter(client, cfg)
}

// NewFromClient wraps an already-configured *redis.Client.
func NewFromClient(client *redislib.Client, cfg Config) *Adapter {
	return newAdapter(client, cfg)
}

func newAdapter(client *redislib.Client, cfg Config) *Adapter {
	vt := cfg.VisibilityTimeout
	if vt <= 0 {
		vt = 30 * time.Second
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 15
	}
	return &Adapter{client: client, visibilityTimeout: vt, prefetchCount: prefetch}
}

// Close releases the underlying Redis connection.
func (a *Adapter) Close() error { return a.client.Close() }

// Task is one unit of work on a topic.
type Task struct {
	ID          string
	Topic       string
	Payload     []byte
	EnqueuedAt  int64
	DeliveryTag string
}

// Publish enqueues payload on topic, at-least-once.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte) (*Task, error) {
	task := Task{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	encoded, err := encodeTask(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	if err := a.client.LPush(ctx, pendingKey(topic), encoded).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish task on topic %q: %w", topic, err)
	}
	return &task, nil
}

// Consume blocks (up to timeout) for the next task on topic, moving it
// atomically to the topic's processing list via BRPOPLPUSH so a crashed
// consumer's claim is recoverable by the reaper rather than lost.
func (a *Adapter) Consume(ctx context.Context, topic string, timeout time.Duration) (*Task, error) {
	raw, err := a.client.BRPopLPush(ctx, pendingKey(topic), processingKey(topic), timeout).Result()
	if errors.Is(err, redislib.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume from topic %q: %w", topic, err)
	}

	task, err := decodeTask([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	task.DeliveryTag = raw

	deadline := time.Now().Add(a.visibilityTimeout).UnixMilli()
	if err := a.client.ZAdd(ctx, deadlinesKey(topic), redislib.Z{
		Score: float64(deadline), Member: raw,
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to track visibility deadline: %w", err)
	}

	return &task, nil
}

// Ack removes a successfully processed task from the processing list.
func (a *Adapter) Ack(ctx context.Context, topic string, task *Task) error {
	pipe := a.client.TxPipeline()
	pipe.LRem(ctx, processingKey(topic), 1, task.DeliveryTag)
	pipe.ZRem(ctx, deadlinesKey(topic), task.DeliveryTag)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack task %s on topic %q: %w", task.ID, topic, err)
	}
	return nil
}

// Nack returns a task to the pending list immediately for redelivery,
// without waiting for the visibility timeout.
func (a *Adapter) Nack(ctx context.Context, topic string, task *Task) error {
	pipe := a.client.TxPipeline()
	pipe.LRem(ctx, processingKey(topic), 1, task.DeliveryTag)
	pipe.ZRem(ctx, deadlinesKey(topic), task.DeliveryTag)
	pipe.LPush(ctx, pendingKey(topic), task.DeliveryTag)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack task %s on topic %q: %w", task.ID, topic, err)
	}
	return nil
}

// ReapExpired requeues every task whose visibility deadline has elapsed,
// returning how many were recovered. Intended to run periodically alongside
// the Collection Scheduler's polling tick.
func (a *Adapter) ReapExpired(ctx context.Context, topic string) (int, error) {
	now := float64(time.Now().UnixMilli())
	expired, err := a.client.ZRangeByScore(ctx, deadlinesKey(topic), &redislib.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired tasks on topic %q: %w", topic, err)
	}

	recovered := 0
	for _, raw := range expired {
		pipe := a.client.TxPipeline()
		pipe.LRem(ctx, processingKey(topic), 1, raw)
		pipe.ZRem(ctx, deadlinesKey(topic), raw)
		pipe.LPush(ctx, pendingKey(topic), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("failed to requeue expired task on topic %q: %w", topic, err)
		}
		recovered++
	}
	return recovered, nil
}

// PrefetchCount returns the configured per-consumer prefetch bound
// (activity.mqPrefetchCount / mq.prefetchCount, spec §6), informational for
// callers that choose to run several Consume loops concurrently per topic.
func (a *Adapter) PrefetchCount() int { return a.prefetchCount }

func pendingKey(topic string) string    { return "mqueue:" + topic + ":pending" }
func processingKey(topic string) string { return "mqueue:" + topic + ":processing" }
func deadlinesKey(topic string) string  { return "mqueue:" + topic + ":deadlines" }
