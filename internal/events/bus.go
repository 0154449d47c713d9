package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkeye/Lobby/internal/metrics"
)

var ErrUnexpectedEvent = errors.New("unexpected event type")

type Handler func(ctx context.Context, ev Event) error

// HandlerError is one failed handler invocation.
type HandlerError struct {
	EventType string
	Handler   int
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler #%d: %v", e.EventType, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PublishError reports every handler that failed for one published event.
// Handlers that succeeded are not affected by their siblings' failures.
type PublishError struct {
	EventType string
	EventID   string
	Failures  []*HandlerError
}

func (e *PublishError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("publish %s (%s): %d handler(s) failed: %s",
		e.EventType, e.EventID, len(e.Failures), strings.Join(parts, "; "))
}

func (e *PublishError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}

type subscription struct {
	id uint64
	fn Handler
}

// Bus is an in-process publish/subscribe dispatcher keyed by event type name.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64
	tracer   trace.Tracer
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
		tracer:   otel.Tracer("github.com/dkeye/Lobby/internal/events"),
	}
}

// Subscribe registers h for eventType and returns a function that removes it.
func (b *Bus) Subscribe(eventType string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, fn: h})
	b.mu.Unlock()

	log.Debug().Str("module", "lobby.events").Str("type", eventType).Uint64("handler", id).Msg("subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[eventType]
			for i, s := range subs {
				if s.id == id {
					b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// On subscribes a handler for the concrete event type E; the handler receives
// the already-decoded value.
func On[E Event](b *Bus, h func(ctx context.Context, ev E) error) (unsubscribe func()) {
	var zero E
	return b.Subscribe(zero.EventType(), func(ctx context.Context, ev Event) error {
		typed, ok := ev.(E)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrUnexpectedEvent, ev, zero.EventType())
		}
		return h(ctx, typed)
	})
}

// HandlerCount returns the number of handlers registered for eventType.
func (b *Bus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Publish runs every handler registered for ev's type concurrently, each inside
// its own error and panic boundary, and waits for all of them. It returns a
// *PublishError listing each failure, or nil.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	eventType := ev.EventType()

	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[eventType]))
	copy(subs, b.handlers[eventType])
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	ctx, span := b.tracer.Start(ctx, "events.publish",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("event.id", ev.EventID()),
			attribute.Int("handler.count", len(subs)),
		),
	)
	defer span.End()
	metrics.EventsPublished.WithLabelValues(eventType).Inc()

	p := pool.NewWithResults[*HandlerError]()
	for i, s := range subs {
		p.Go(func() *HandlerError {
			return invoke(ctx, eventType, i, s.fn, ev)
		})
	}

	var failures []*HandlerError
	for _, herr := range p.Wait() {
		if herr != nil {
			failures = append(failures, herr)
		}
	}
	if len(failures) == 0 {
		return nil
	}

	metrics.EventHandlerFailures.WithLabelValues(eventType).Add(float64(len(failures)))
	perr := &PublishError{EventType: eventType, EventID: ev.EventID(), Failures: failures}
	span.RecordError(perr)
	span.SetStatus(codes.Error, "handler failure")
	log.Warn().
		Str("module", "lobby.events").
		Str("type", eventType).
		Str("event_id", ev.EventID()).
		Int("failed", len(failures)).
		Int("handlers", len(subs)).
		Err(perr).
		Msg("event handlers failed")
	return perr
}

func invoke(ctx context.Context, eventType string, idx int, fn Handler, ev Event) *HandlerError {
	var (
		err error
		pc  panics.Catcher
	)
	pc.Try(func() { err = fn(ctx, ev) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}
	if err == nil {
		return nil
	}
	return &HandlerError{EventType: eventType, Handler: idx, Err: err}
}

// PublishAll publishes each event independently and concurrently. There is no
// ordering between different events. The returned error joins every failure.
func (b *Bus) PublishAll(ctx context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	p := pool.New().WithErrors()
	for _, ev := range evs {
		p.Go(func() error { return b.Publish(ctx, ev) })
	}
	return p.Wait()
}
