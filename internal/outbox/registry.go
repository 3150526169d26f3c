package outbox

import (
	"context"
	"fmt"

	"crewledger.app/core/internal/domain"
)

// Handler observes dispatched domain events. Handlers perform network I/O
// (the bridge publishes to the broker) and run synchronously on the
// recorder's goroutine, which is blocking-capable by construction.
type Handler interface {
	Handle(ctx context.Context, ev domain.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev domain.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev domain.Event) error {
	return f(ctx, ev)
}

// DispatchResult reports what one dispatch did, so callers and tests assert
// on values instead of log output.
type DispatchResult struct {
	Handled int
	Errors  []error
}

func (r DispatchResult) Failed() bool {
	return len(r.Errors) > 0
}

// Registry maps event types to handler lists. It is populated at startup
// and read-only afterwards; there is no locking because registration and
// dispatch never overlap.
type Registry struct {
	handlers map[domain.EventType][]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[domain.EventType][]Handler),
	}
}

// Register appends a handler for the given event type. Call order is
// dispatch order.
func (r *Registry) Register(t domain.EventType, h Handler) {
	r.handlers[t] = append(r.handlers[t], h)
}

// RegisterAll registers one handler for every given type.
func (r *Registry) RegisterAll(types []domain.EventType, h Handler) {
	for _, t := range types {
		r.Register(t, h)
	}
}

// Dispatch invokes every handler registered for the event's type. A handler
// error never stops the remaining handlers; all errors are collected into
// the result.
func (r *Registry) Dispatch(ctx context.Context, ev domain.Event) DispatchResult {
	var result DispatchResult
	for _, h := range r.handlers[ev.Type] {
		result.Handled++
		if err := h.Handle(ctx, ev); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("handler %d for %s: %w", result.Handled, ev.Type, err))
		}
	}
	return result
}
