package emitter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOnHandlersRunInRegistrationOrder(t *testing.T) {
	e := New()
	var mu sync.Mutex
	var order []int

	e.On("activity.created", func(_ context.Context, _ ...any) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	e.On("activity.created", func(_ context.Context, _ ...any) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	e.Emit(context.Background(), "activity.created")

	require.Equal(t, []int{1, 2}, order)
}

func TestEmitPassesArgsToHandlers(t *testing.T) {
	e := New()
	var got any
	e.On("message.created", func(_ context.Context, args ...any) {
		if len(args) > 0 {
			got = args[0]
		}
	})

	e.Emit(context.Background(), "message.created", "hello")

	require.Equal(t, "hello", got)
}

func TestWhenHandlersAllRunConcurrentlyAndAreAwaited(t *testing.T) {
	e := New()
	var count int64

	for i := 0; i < 5; i++ {
		e.When("invitation.accepted", func(_ context.Context, _ ...any) error {
			atomic.AddInt64(&count, 1)
			return nil
		})
	}

	errs := e.Emit(context.Background(), "invitation.accepted")

	require.Nil(t, errs)
	require.EqualValues(t, 5, atomic.LoadInt64(&count))
}

func TestEmitAggregatesWhenHandlerErrors(t *testing.T) {
	e := New()
	errA := errors.New("handler a failed")
	errB := errors.New("handler b failed")

	e.When("invitation.accepted", func(_ context.Context, _ ...any) error { return errA })
	e.When("invitation.accepted", func(_ context.Context, _ ...any) error { return nil })
	e.When("invitation.accepted", func(_ context.Context, _ ...any) error { return errB })

	errs := e.Emit(context.Background(), "invitation.accepted")

	require.Len(t, errs, 2)
	require.Contains(t, errs, errA)
	require.Contains(t, errs, errB)
}

func TestEmitWithNoHandlersIsNoop(t *testing.T) {
	e := New()
	errs := e.Emit(context.Background(), "nothing.registered", 1, 2, 3)
	require.Nil(t, errs)
}

func TestEmitIsScopedPerEventName(t *testing.T) {
	e := New()
	called := false
	e.On("a", func(_ context.Context, _ ...any) { called = true })

	e.Emit(context.Background(), "b")

	require.False(t, called)
}
