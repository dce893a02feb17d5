// Package lockingtest provides a shared Redis testcontainer for tests
// exercising pkg/locking and pkg/mqueue against a real Redis instance.
package lockingtest

import (
	"context"
	"sync"
	"testing"
	"time"

	redislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	sharedAddr    string
	containerOnce sync.Once
	containerErr  error
)

// NewClient starts (or reuses) a shared Redis testcontainer and returns a
// client connected to it. Every client uses the container's default
// logical DB and runs FLUSHDB on cleanup, so one test's keys do not leak
// into the tests that run after it.
func NewClient(t *testing.T) *redislib.Client {
	t.Helper()
	addr := sharedRedis(t)

	client := redislib.NewClient(&redislib.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func sharedRedis(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			containerErr = err
			return
		}
		addr, err := container.ConnectionString(ctx)
		if err != nil {
			containerErr = err
			return
		}
		sharedAddr = stripScheme(addr)
	})
	require.NoError(t, containerErr, "failed to start shared redis test container")
	return sharedAddr
}

func stripScheme(addr string) string {
	const prefix = "redis://"
	if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
		return addr[len(prefix):]
	}
	return addr
}

// WaitFor polls until cond returns true or the timeout elapses, failing the
// test otherwise. Useful for asserting eventual lock-expiry behavior without
// sleeping the full TTL up front.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}
