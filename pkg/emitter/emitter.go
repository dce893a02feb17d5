// Package emitter provides in-process publish/subscribe with two handler
// kinds: fire-and-forget ("on") and awaitable ("when"). It is the Event
// Emitter of spec.md §4.1 — domain code calls Emit to fan an event out to
// registered listeners; registration happens once at startup and the
// handler lists are read-mostly afterward (spec.md §5).
package emitter

import (
	"context"
	"sync"
)

// OnHandler is a fire-and-forget handler: invoked synchronously in
// registration order with no back-channel to the emitter.
type OnHandler func(ctx context.Context, args ...any)

// WhenHandler is an awaitable handler: Emit does not complete until every
// registered WhenHandler for the event has returned.
type WhenHandler func(ctx context.Context, args ...any) error

// Emitter is a per-process singleton fanning out named events to handlers
// registered at startup. The zero value is not usable; use New.
type Emitter struct {
	mu   sync.RWMutex
	on   map[string][]OnHandler
	when map[string][]WhenHandler
}

// New creates an empty Emitter.
func New() *Emitter {
	return &Emitter{
		on:   make(map[string][]OnHandler),
		when: make(map[string][]WhenHandler),
	}
}

// On registers a fire-and-forget handler for name. Safe to call only during
// startup wiring — handler lists are read-mostly thereafter (spec.md §5).
func (e *Emitter) On(name string, h OnHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.on[name] = append(e.on[name], h)
}

// When registers an awaitable handler for name.
func (e *Emitter) When(name string, h WhenHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.when[name] = append(e.when[name], h)
}

// Emit invokes every "on" handler for name synchronously in registration
// order, then awaits every "when" handler concurrently. It returns once all
// "when" handlers have completed; a nil slice means no handler reported an
// error. Ordering between "on" and "when" handlers is unspecified beyond
// that requirement — matching spec.md §4.1's emit(name, args…, done)
// contract, with the returned errors standing in for the "done" callback
// (an absent done callback is simply a caller that discards the return
// value, matching the "silently dropped" completion spec.md allows).
func (e *Emitter) Emit(ctx context.Context, name string, args ...any) []error {
	e.mu.RLock()
	onHandlers := append([]OnHandler(nil), e.on[name]...)
	whenHandlers := append([]WhenHandler(nil), e.when[name]...)
	e.mu.RUnlock()

	for _, h := range onHandlers {
		h(ctx, args...)
	}

	if len(whenHandlers) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		errsMu sync.Mutex
		errs   []error
	)
	wg.Add(len(whenHandlers))
	for _, h := range whenHandlers {
		go func(h WhenHandler) {
			defer wg.Done()
			if err := h(ctx, args...); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	if len(errs) == 0 {
		return nil
	}
	return errs
}
