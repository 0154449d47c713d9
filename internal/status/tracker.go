// Package status tracks lightweight per-room liveness separately from the
// listing reconciler. Signals are scored, deduplicated per room and broadcast
// on a fixed tick, highest priority first.
package status

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
	"github.com/dkeye/Lobby/internal/metrics"
)

const MsgStatusesUpdated = "room_statuses_updated"

var (
	ErrStopped     = errors.New("status tracker stopped")
	ErrUnknownKind = errors.New("unknown signal kind")
)

// Update is one entry of a room_statuses_updated broadcast.
type Update struct {
	domain.RoomStatus
	Priority Priority `json:"priority"`
}

type queued struct {
	roomID   domain.RoomID
	priority Priority
	queuedAt time.Time
	seq      uint64
}

type op struct {
	signal *Signal
	forget domain.RoomID

	query       domain.RoomID
	statusReply chan statusReply

	ctx   context.Context
	flush chan int
}

type statusReply struct {
	status domain.RoomStatus
	ok     bool
}

type state struct {
	entries map[domain.RoomID]domain.RoomStatus
	queue   map[domain.RoomID]queued
	seq     uint64
}

type Tracker struct {
	cfg    config.StatusConfig
	bc     core.Broadcaster
	bus    *events.Bus
	now    core.Clock
	logger zerolog.Logger

	inbox chan op
	stop  chan context.Context
	done  chan struct{}

	started    bool
	unsubs     []func()
	publishers conc.WaitGroup
}

type Option func(*Tracker)

func WithClock(now core.Clock) Option {
	return func(t *Tracker) { t.now = now }
}

func New(cfg config.StatusConfig, bc core.Broadcaster, bus *events.Bus, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		bc:     bc,
		bus:    bus,
		now:    time.Now,
		logger: log.With().Str("module", "lobby.status").Logger(),
		inbox:  make(chan op, 256),
		stop:   make(chan context.Context),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start subscribes to membership and privacy events and launches the actor.
func (t *Tracker) Start(ctx context.Context) {
	if t.started {
		return
	}
	t.started = true
	if t.bus != nil {
		t.unsubs = append(t.unsubs,
			events.On(t.bus, func(ctx context.Context, ev events.MemberJoined) error {
				return t.Track(ctx, Signal{RoomID: ev.RoomID(), Kind: KindMemberJoined, MemberCount: &ev.MemberCount, At: ev.OccurredOn()})
			}),
			events.On(t.bus, func(ctx context.Context, ev events.MemberLeft) error {
				return t.Track(ctx, Signal{RoomID: ev.RoomID(), Kind: KindMemberLeft, MemberCount: &ev.MemberCount, At: ev.OccurredOn()})
			}),
			events.On(t.bus, func(ctx context.Context, ev events.RoomSettingsUpdated) error {
				private, ok := ev.Changes["isPrivate"].(bool)
				if !ok {
					return nil
				}
				return t.Track(ctx, Signal{RoomID: ev.RoomID(), Kind: KindPrivacyChanged, IsPrivate: &private, OwnerAction: true, At: ev.OccurredOn()})
			}),
			events.On(t.bus, func(ctx context.Context, ev events.RoomCreated) error {
				return t.Track(ctx, Signal{
					RoomID:      ev.RoomID(),
					Kind:        KindMemberCountChanged,
					MemberCount: &ev.Room.MemberCount,
					IsPrivate:   &ev.Room.IsPrivate,
					OwnerAction: true,
					At:          ev.OccurredOn(),
				})
			}),
			events.On(t.bus, func(ctx context.Context, ev events.RoomClosed) error {
				return t.send(ctx, op{forget: ev.RoomID()})
			}),
			events.On(t.bus, func(ctx context.Context, ev events.RoomActivity) error {
				return t.Track(ctx, Signal{
					RoomID:      ev.RoomID(),
					Kind:        Kind(ev.Kind),
					MemberCount: ev.MemberCount,
					OwnerAction: ev.OwnerAction,
					At:          ev.OccurredOn(),
				})
			}),
		)
	}
	go t.run(ctx)
	t.logger.Info().Dur("tick", t.cfg.Tick).Int("queue_cap", t.cfg.QueueCap).Msg("status tracker started")
}

func (t *Tracker) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Tracker) send(ctx context.Context, o op) error {
	if t.stopped() {
		return ErrStopped
	}
	select {
	case t.inbox <- o:
		return nil
	case <-t.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track records one activity signal. Unknown kinds are rejected.
func (t *Tracker) Track(ctx context.Context, s Signal) error {
	if !Known(s.Kind) {
		return ErrUnknownKind
	}
	if s.At.IsZero() {
		s.At = t.now()
	}
	return t.send(ctx, op{signal: &s})
}

// Status returns the live status entry for id.
func (t *Tracker) Status(ctx context.Context, id domain.RoomID) (domain.RoomStatus, bool) {
	reply := make(chan statusReply, 1)
	if err := t.send(ctx, op{query: id, statusReply: reply}); err != nil {
		return domain.RoomStatus{}, false
	}
	select {
	case r := <-reply:
		return r.status, r.ok
	case <-t.done:
		return domain.RoomStatus{}, false
	case <-ctx.Done():
		return domain.RoomStatus{}, false
	}
}

// Flush processes the whole queue now and returns how many updates were sent.
func (t *Tracker) Flush(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := t.send(ctx, op{ctx: ctx, flush: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-t.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Shutdown stops the timers, sends whatever is still queued and waits for
// pending event publications.
func (t *Tracker) Shutdown(ctx context.Context) error {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
	if !t.started {
		return nil
	}
	select {
	case t.stop <- ctx:
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.publishers.Wait()
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)

	st := &state{
		entries: make(map[domain.RoomID]domain.RoomStatus),
		queue:   make(map[domain.RoomID]queued),
	}
	base := context.WithoutCancel(ctx)

	tick := time.NewTicker(t.cfg.Tick)
	sweep := time.NewTicker(t.cfg.SweepInterval)
	defer tick.Stop()
	defer sweep.Stop()

	drain := func(ctx context.Context) {
		for {
			select {
			case o := <-t.inbox:
				t.handle(ctx, st, o)
			default:
				return
			}
		}
	}

	for {
		select {
		case o := <-t.inbox:
			t.handle(base, st, o)
		case <-tick.C:
			t.processAll(base, st)
		case <-sweep.C:
			t.sweep(st)
		case sctx := <-t.stop:
			drain(sctx)
			n := t.processAll(sctx, st)
			t.logger.Info().Int("flushed", n).Msg("status tracker stopped")
			return
		case <-ctx.Done():
			drain(base)
			n := t.processAll(base, st)
			t.logger.Info().Int("flushed", n).Msg("status tracker stopped")
			return
		}
	}
}

func (t *Tracker) handle(ctx context.Context, st *state, o op) {
	switch {
	case o.signal != nil:
		t.accept(ctx, st, *o.signal)
	case o.forget != "":
		delete(st.entries, o.forget)
		delete(st.queue, o.forget)
	case o.statusReply != nil:
		s, ok := st.entries[o.query]
		if ok && !t.alive(s, t.now()) {
			ok = false
		}
		o.statusReply <- statusReply{status: s, ok: ok}
	case o.flush != nil:
		fctx := o.ctx
		if fctx == nil {
			fctx = ctx
		}
		o.flush <- t.processAll(fctx, st)
	}
}

func (t *Tracker) alive(s domain.RoomStatus, now time.Time) bool {
	return now.Sub(s.LastUpdated) < t.cfg.TTL
}

func (t *Tracker) accept(ctx context.Context, st *state, sig Signal) {
	prev, exists := st.entries[sig.RoomID]
	if exists && !t.alive(prev, sig.At) {
		exists = false
	}

	next := domain.RoomStatus{RoomID: sig.RoomID}
	if exists {
		next = prev
	}
	if sig.MemberCount != nil {
		next.MemberCount = *sig.MemberCount
	}
	if sig.IsPrivate != nil {
		next.IsPrivate = *sig.IsPrivate
	}
	next.ActivityScore = Score(sig.Kind, next.MemberCount, sig.OwnerAction)
	next.IsActive = next.ActivityScore > t.cfg.ActiveThreshold

	if exists && !t.significant(prev, next, sig.At) {
		metrics.StatusUpdatesSuppressed.Inc()
		return
	}
	next.LastUpdated = sig.At
	next.UpdateCount++
	st.entries[sig.RoomID] = next

	if (exists && prev.IsActive != next.IsActive) || (!exists && next.IsActive) {
		t.publishChange(ctx, next)
	}
	t.enqueue(ctx, st, sig.RoomID, PriorityOf(sig.Kind))
}

// significant reports whether next differs from prev enough to be written.
func (t *Tracker) significant(prev, next domain.RoomStatus, at time.Time) bool {
	return at.Sub(prev.LastUpdated) > t.cfg.TTL/2 ||
		prev.MemberCount != next.MemberCount ||
		prev.IsActive != next.IsActive ||
		prev.IsPrivate != next.IsPrivate
}

// enqueue keeps one queued update per room. A replacement keeps the higher
// priority and the first queue time.
func (t *Tracker) enqueue(ctx context.Context, st *state, id domain.RoomID, p Priority) {
	st.seq++
	q := queued{roomID: id, priority: p, queuedAt: t.now(), seq: st.seq}
	if prev, ok := st.queue[id]; ok {
		q.priority = max(prev.priority, p)
		q.queuedAt, q.seq = prev.queuedAt, prev.seq
	}
	st.queue[id] = q

	if len(st.queue) > t.cfg.QueueCap {
		oldest := sortedByAge(st.queue)
		n := min(t.cfg.OverflowBatch, len(oldest))
		batch := oldest[:n]
		for _, q := range batch {
			delete(st.queue, q.roomID)
		}
		t.logger.Warn().Int("queue", len(st.queue)).Int("forced", n).Msg("status queue overflow")
		t.process(ctx, st, batch)
	}
}

func sortedByAge(queue map[domain.RoomID]queued) []queued {
	out := make([]queued, 0, len(queue))
	for _, q := range queue {
		out = append(out, q)
	}
	slices.SortFunc(out, func(a, b queued) int {
		return cmp.Or(a.queuedAt.Compare(b.queuedAt), cmp.Compare(a.seq, b.seq))
	})
	return out
}

func (t *Tracker) processAll(ctx context.Context, st *state) int {
	if len(st.queue) == 0 {
		return 0
	}
	batch := sortedByAge(st.queue)
	st.queue = make(map[domain.RoomID]queued)
	return t.process(ctx, st, batch)
}

// process sends one broadcast for batch, high priority entries first.
func (t *Tracker) process(ctx context.Context, st *state, batch []queued) int {
	slices.SortStableFunc(batch, func(a, b queued) int {
		return cmp.Compare(b.priority, a.priority)
	})

	updates := make([]Update, 0, len(batch))
	for _, q := range batch {
		s, ok := st.entries[q.roomID]
		if !ok {
			continue
		}
		updates = append(updates, Update{RoomStatus: s, Priority: q.priority})
		metrics.StatusUpdatesProcessed.WithLabelValues(q.priority.String()).Inc()
	}
	if len(updates) == 0 {
		return 0
	}

	if t.bc != nil {
		msg := core.NewMessage(MsgStatusesUpdated, map[string]any{
			"updates":   updates,
			"count":     len(updates),
			"timestamp": t.now(),
		})
		if err := t.bc.Broadcast(ctx, core.LobbyGroup, msg); err != nil {
			t.logger.Warn().Err(err).Int("count", len(updates)).Msg("status broadcast failed")
		}
	}
	return len(updates)
}

func (t *Tracker) sweep(st *state) {
	now := t.now()
	removed := 0
	for id, s := range st.entries {
		if !t.alive(s, now) {
			delete(st.entries, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug().Int("removed", removed).Int("remaining", len(st.entries)).Msg("swept stale statuses")
	}
}

// publishChange runs off the actor so bus handlers can call back into the tracker.
func (t *Tracker) publishChange(ctx context.Context, s domain.RoomStatus) {
	if t.bus == nil {
		return
	}
	ev := events.NewRoomLobbyStatusChanged(s)
	t.publishers.Go(func() {
		if err := t.bus.Publish(ctx, ev); err != nil {
			t.logger.Warn().Err(err).Str("room_id", string(s.RoomID)).Msg("publish status change")
		}
	})
}
