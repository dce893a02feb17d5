package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/oaeproject/activity-core/pkg/mqueue"
)

// drainPollTimeout bounds each Consume call Drain issues while filling a
// batch. It must be short but non-zero: the adapter's Consume forwards it
// straight to Redis's BRPOPLPUSH, where a zero timeout means block forever
// rather than return immediately.
const drainPollTimeout = 20 * time.Millisecond

// MQueueBucketQueue adapts the Message Queue Adapter (spec.md §2) into a
// BucketQueue, giving each processing bucket its own topic
// ("activity-bucket-N", matching spec.md §6's "one topic per collection bucket").
// Drain acks every consumed task immediately: the scheduler only calls
// Drain while holding the bucket's lock, so a crash between Drain and the
// Aggregator's commit is recovered the same way any other mid-cycle crash
// is — the bucket lock's TTL expires and a later cycle picks the work back
// up from Redis's processing list via the adapter's reaper, not from this
// queue.
type MQueueBucketQueue struct {
	adapter *mqueue.Adapter
}

// NewMQueueBucketQueue wraps an already-constructed *mqueue.Adapter.
func NewMQueueBucketQueue(adapter *mqueue.Adapter) *MQueueBucketQueue {
	return &MQueueBucketQueue{adapter: adapter}
}

func (q *MQueueBucketQueue) Append(ctx context.Context, bucket int, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode bucket entry: %w", err)
	}
	if _, err := q.adapter.Publish(ctx, bucketTopic(bucket), payload); err != nil {
		return fmt.Errorf("failed to publish bucket entry: %w", err)
	}
	return nil
}

func (q *MQueueBucketQueue) Drain(ctx context.Context, bucket int, limit int) ([]Entry, error) {
	topic := bucketTopic(bucket)
	var entries []Entry
	for len(entries) < limit {
		task, err := q.adapter.Consume(ctx, topic, drainPollTimeout)
		if err != nil {
			return entries, fmt.Errorf("failed to drain bucket %d: %w", bucket, err)
		}
		if task == nil {
			break
		}
		var e Entry
		if err := json.Unmarshal(task.Payload, &e); err != nil {
			_ = q.adapter.Ack(ctx, topic, task)
			continue
		}
		if err := q.adapter.Ack(ctx, topic, task); err != nil {
			return entries, fmt.Errorf("failed to ack drained entry on bucket %d: %w", bucket, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReapStalledEntries recovers entries whose visibility timeout elapsed
// without an ack (a collector crashed mid-cycle), returning them to the
// topic's pending list. Intended to run periodically alongside the
// scheduler's own polling, per bucket.
func (q *MQueueBucketQueue) ReapStalledEntries(ctx context.Context, bucket int) (int, error) {
	return q.adapter.ReapExpired(ctx, bucketTopic(bucket))
}

func bucketTopic(bucket int) string {
	return "activity-bucket-" + strconv.Itoa(bucket)
}
