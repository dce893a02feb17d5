package mqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oaeproject/activity-core/pkg/locking/lockingtest"
	"github.com/oaeproject/activity-core/pkg/mqueue"
)

func newAdapter(t *testing.T, visibilityTimeout time.Duration) *mqueue.Adapter {
	t.Helper()
	client := lockingtest.NewClient(t)
	a := mqueue.NewFromClient(client, mqueue.Config{VisibilityTimeout: visibilityTimeout, PrefetchCount: 5})
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPublishAndConsumeRoundTrips(t *testing.T) {
	a := newAdapter(t, time.Second)
	ctx := context.Background()

	published, err := a.Publish(ctx, "bucket-0", []byte(`{"seed":"s1"}`))
	require.NoError(t, err)

	task, err := a.Consume(ctx, "bucket-0", time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, published.ID, task.ID)
	require.Equal(t, []byte(`{"seed":"s1"}`), task.Payload)

	require.NoError(t, a.Ack(ctx, "bucket-0", task))
}

func TestConsumeReturnsNilOnEmptyTopic(t *testing.T) {
	a := newAdapter(t, time.Second)
	task, err := a.Consume(context.Background(), "empty-topic", 100*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestNackRedeliversImmediately(t *testing.T) {
	a := newAdapter(t, time.Minute)
	ctx := context.Background()

	_, err := a.Publish(ctx, "invite-accept", []byte("payload"))
	require.NoError(t, err)

	task, err := a.Consume(ctx, "invite-accept", time.Second)
	require.NoError(t, err)
	require.NoError(t, a.Nack(ctx, "invite-accept", task))

	redelivered, err := a.Consume(ctx, "invite-accept", time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, task.ID, redelivered.ID)
}

func TestReapExpiredRecoversUnackedTasks(t *testing.T) {
	a := newAdapter(t, 100*time.Millisecond)
	ctx := context.Background()

	_, err := a.Publish(ctx, "preview-regen", []byte("payload"))
	require.NoError(t, err)

	task, err := a.Consume(ctx, "preview-regen", time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)

	lockingtest.WaitFor(t, 2*time.Second, func() bool {
		recovered, err := a.ReapExpired(ctx, "preview-regen")
		return err == nil && recovered == 1
	})

	redelivered, err := a.Consume(ctx, "preview-regen", time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
}

func TestPrefetchCountDefaultsAndOverrides(t *testing.T) {
	client := lockingtest.NewClient(t)
	defaulted := mqueue.NewFromClient(client, mqueue.Config{})
	require.Equal(t, 15, defaulted.PrefetchCount())

	overridden := mqueue.NewFromClient(client, mqueue.Config{PrefetchCount: 7})
	require.Equal(t, 7, overridden.PrefetchCount())
}
