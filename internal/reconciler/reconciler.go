// Package reconciler folds room lifecycle events into the lobby cache.
//
// Events are merged per room into a pending table owned by a single goroutine.
// The table is flushed after a quiet period, after a max-wait ceiling, or as
// soon as it holds MaxBatch rooms. A flush resolves every room against the
// repository, patches the cache and sends one broadcast per change type.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/cache"
	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
)

var ErrStopped = errors.New("reconciler stopped")

const (
	MsgBatchCreated      = "rooms_batch_created"
	MsgBatchUpdated      = "rooms_batch_updated"
	MsgBatchDeleted      = "rooms_batch_deleted"
	MsgStatisticsUpdated = "lobby_statistics_updated"
)

const (
	TriggerDebounce = "debounce"
	TriggerMaxWait  = "max_wait"
	TriggerCap      = "cap"
	TriggerManual   = "manual"
	TriggerShutdown = "shutdown"
)

// StatisticsSource computes lobby statistics, degrading rather than failing.
type StatisticsSource interface {
	Statistics(ctx context.Context) domain.LobbyStatistics
}

// MetricsSource reports the periodic lobby usage summary.
type MetricsSource interface {
	Metrics(ctx context.Context) domain.LobbyMetrics
}

type Deps struct {
	Repo        core.RoomRepository
	Cache       *cache.Cache
	Broadcaster core.Broadcaster
	Bus         *events.Bus
	Stats       StatisticsSource
	Metrics     MetricsSource
}

// FlushReport summarizes one flush.
type FlushReport struct {
	Trigger string
	Created int
	Updated int
	Deleted int
	Failed  int
}

func (r FlushReport) Total() int { return r.Created + r.Updated + r.Deleted }

type op struct {
	ctx     context.Context
	change  *Change
	flush   chan FlushReport
	pending chan int
}

type Reconciler struct {
	cfg    config.ReconcilerConfig
	deps   Deps
	now    core.Clock
	logger zerolog.Logger

	inbox chan op
	stop  chan context.Context
	done  chan struct{}

	started bool
	unsubs  []func()
}

type Option func(*Reconciler)

func WithClock(now core.Clock) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(cfg config.ReconcilerConfig, deps Deps, opts ...Option) *Reconciler {
	r := &Reconciler{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		logger: log.With().Str("module", "lobby.reconciler").Logger(),
		inbox:  make(chan op, 256),
		stop:   make(chan context.Context),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to the room lifecycle events and launches the actor.
// Cancelling ctx behaves like Shutdown.
func (r *Reconciler) Start(ctx context.Context) {
	if r.started {
		return
	}
	r.started = true
	if r.deps.Bus != nil {
		for _, t := range events.LifecycleTypes {
			r.unsubs = append(r.unsubs, r.deps.Bus.Subscribe(t, r.handleEvent))
		}
	}
	go r.run(ctx)
	r.logger.Info().
		Dur("debounce", r.cfg.Debounce).
		Dur("max_wait", r.cfg.MaxWait).
		Int("max_batch", r.cfg.MaxBatch).
		Msg("reconciler started")
}

func (r *Reconciler) handleEvent(ctx context.Context, ev events.Event) error {
	lc, ok := ev.(events.Lifecycle)
	if !ok {
		return events.ErrUnexpectedEvent
	}
	return r.Enqueue(ctx, FromEvent(lc))
}

func (r *Reconciler) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Enqueue hands a change to the actor. It does not wait for the merge.
func (r *Reconciler) Enqueue(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = r.now()
	}
	if r.stopped() {
		return ErrStopped
	}
	select {
	case r.inbox <- op{change: &c}:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush drains the pending table now and waits for the result.
func (r *Reconciler) Flush(ctx context.Context) (FlushReport, error) {
	if r.stopped() {
		return FlushReport{}, ErrStopped
	}
	reply := make(chan FlushReport, 1)
	select {
	case r.inbox <- op{ctx: ctx, flush: reply}:
	case <-r.done:
		return FlushReport{}, ErrStopped
	case <-ctx.Done():
		return FlushReport{}, ctx.Err()
	}
	select {
	case rep := <-reply:
		return rep, nil
	case <-r.done:
		// the final flush may already have answered
		select {
		case rep := <-reply:
			return rep, nil
		default:
			return FlushReport{}, ErrStopped
		}
	case <-ctx.Done():
		return FlushReport{}, ctx.Err()
	}
}

// Pending returns the number of rooms waiting for the next flush.
func (r *Reconciler) Pending(ctx context.Context) (int, error) {
	if r.stopped() {
		return 0, ErrStopped
	}
	reply := make(chan int, 1)
	select {
	case r.inbox <- op{pending: reply}:
	case <-r.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-r.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Shutdown unsubscribes from the bus, stops the timers and performs one final
// flush with ctx before returning.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if !r.started {
		return nil
	}
	select {
	case r.stop <- ctx:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	pending := make(map[domain.RoomID]Change)
	base := context.WithoutCancel(ctx)

	debounce := time.NewTimer(r.cfg.Debounce)
	debounce.Stop()
	maxWait := time.NewTimer(r.cfg.MaxWait)
	maxWait.Stop()
	metricsTick := time.NewTicker(r.cfg.MetricsInterval)
	defer func() {
		debounce.Stop()
		maxWait.Stop()
		metricsTick.Stop()
	}()

	flush := func(ctx context.Context, trigger string) FlushReport {
		debounce.Stop()
		maxWait.Stop()
		batch := pending
		pending = make(map[domain.RoomID]Change)
		return r.flush(ctx, trigger, batch)
	}

	// drain picks up changes already queued when a stop arrives so none are lost.
	drain := func() {
		for {
			select {
			case o := <-r.inbox:
				r.apply(o, pending, nil, nil)
			default:
				return
			}
		}
	}

	for {
		select {
		case o := <-r.inbox:
			switch {
			case o.change != nil:
				r.apply(o, pending, debounce, maxWait)
				if len(pending) >= r.cfg.MaxBatch {
					flush(base, TriggerCap)
				}
			case o.flush != nil:
				fctx := o.ctx
				if fctx == nil {
					fctx = base
				}
				o.flush <- flush(fctx, TriggerManual)
			case o.pending != nil:
				o.pending <- len(pending)
			}

		case <-debounce.C:
			flush(base, TriggerDebounce)

		case <-maxWait.C:
			flush(base, TriggerMaxWait)

		case <-metricsTick.C:
			r.publishMetrics(base)

		case sctx := <-r.stop:
			drain()
			rep := flush(sctx, TriggerShutdown)
			r.logger.Info().Int("flushed", rep.Total()).Msg("reconciler stopped")
			return

		case <-ctx.Done():
			drain()
			sctx, cancel := context.WithTimeout(base, 5*time.Second)
			rep := flush(sctx, TriggerShutdown)
			cancel()
			r.logger.Info().Int("flushed", rep.Total()).Msg("reconciler stopped")
			return
		}
	}
}

// apply merges a queued change. Timers are nil while draining for shutdown.
func (r *Reconciler) apply(o op, pending map[domain.RoomID]Change, debounce, maxWait *time.Timer) {
	switch {
	case o.change != nil:
	case o.flush != nil:
		// a flush requested during shutdown is answered by the final flush
		close(o.flush)
		return
	case o.pending != nil:
		o.pending <- len(pending)
		return
	}

	c := *o.change
	if prev, ok := pending[c.RoomID]; ok {
		pending[c.RoomID] = prev.Merge(c)
	} else {
		if c.Changes == nil {
			c.Changes = map[string]any{}
		}
		pending[c.RoomID] = c
		if len(pending) == 1 && maxWait != nil {
			maxWait.Reset(r.cfg.MaxWait)
		}
	}
	if debounce != nil {
		debounce.Reset(r.cfg.Debounce)
	}
}
