package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/oaeproject/activity-core/pkg/apperrors"
)

// AcquireUniqueTimestamp claims created as the unique timestamp under
// keyPrefix (the parent thread key, or the box id for a root message),
// retrying with created+1ms on contention up to maxAttempts times — the
// Message Box's unique-timestamp lock from spec §4.2 and §5. On success it
// returns the accepted timestamp (which may differ from the requested one)
// and a lock the caller must Release once the message row has been
// persisted.
func (s *Service) AcquireUniqueTimestamp(ctx context.Context, keyPrefix string, created int64, maxAttempts int) (int64, *Lock, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	candidate := created
	for attempt := 0; attempt < maxAttempts; attempt++ {
		name := fmt.Sprintf("ts:%s:%d", keyPrefix, candidate)
		lock, ok, err := s.TryAcquire(ctx, name, 30*time.Second)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to acquire timestamp lock: %w", err)
		}
		if ok {
			return candidate, lock, nil
		}
		candidate++
	}

	return 0, nil, fmt.Errorf("%w: exhausted %d attempts claiming a unique timestamp under %q",
		apperrors.ErrRetryable, maxAttempts, keyPrefix)
}
