package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/dkeye/Lobby/internal/cache"
	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/core/mocks"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
)

type recorder struct {
	mu   sync.Mutex
	msgs []core.Message
}

func (r *recorder) Broadcast(_ context.Context, group core.GroupName, msg core.Message) error {
	if group != core.LobbyGroup {
		return fmt.Errorf("unexpected group %q", group)
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(typ string) []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Message
	for _, m := range r.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, typ string, n int, within time.Duration) []core.Message {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		if got := r.ofType(typ); len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s message(s)", n, typ)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fixedStats struct{ calls int }

func (s *fixedStats) Statistics(context.Context) domain.LobbyStatistics {
	s.calls++
	return domain.LobbyStatistics{TotalRooms: 42}
}

type fixedMetrics struct{}

func (fixedMetrics) Metrics(context.Context) domain.LobbyMetrics {
	return domain.LobbyMetrics{SearchVolume: 7}
}

func testConfig() config.ReconcilerConfig {
	return config.ReconcilerConfig{
		Debounce:        20 * time.Millisecond,
		MaxWait:         time.Second,
		MaxBatch:        50,
		StatsThreshold:  5,
		MetricsInterval: time.Hour,
	}
}

func newCache() *cache.Cache {
	return cache.New(config.CacheConfig{
		ListingTTL:    time.Minute,
		SearchTTL:     time.Minute,
		StatsTTL:      time.Minute,
		SearchCap:     100,
		SearchEvict:   20,
		SweepInterval: time.Minute,
	})
}

func listing(id string, members int) domain.RoomListing {
	return domain.RoomListing{ID: domain.RoomID(id), Name: "room " + id, MemberCount: members, MaxMembers: 10, LastActivity: time.Now()}
}

type harness struct {
	rec   *Reconciler
	repo  *mocks.MockRoomRepository
	bc    *recorder
	bus   *events.Bus
	cache *cache.Cache
	stats *fixedStats
}

func newHarness(t *testing.T, cfg config.ReconcilerConfig) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		repo:  mocks.NewMockRoomRepository(ctrl),
		bc:    &recorder{},
		bus:   events.NewBus(),
		cache: newCache(),
		stats: &fixedStats{},
	}
	h.rec = New(cfg, Deps{
		Repo:        h.repo,
		Cache:       h.cache,
		Broadcaster: h.bc,
		Bus:         h.bus,
		Stats:       h.stats,
		Metrics:     fixedMetrics{},
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.rec.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.rec.Shutdown(ctx)
	})
}

func TestJoinThenLeaveCoalesces(t *testing.T) {
	h := newHarness(t, testConfig())
	h.repo.EXPECT().FindByID(gomock.Any(), domain.RoomID("r1")).Return(listing("r1", 1), nil).Times(1)
	h.start(t)

	ctx := context.Background()
	if err := h.bus.Publish(ctx, events.NewMemberJoined("r1", "u1", "alice", 2)); err != nil {
		t.Fatal(err)
	}
	if err := h.bus.Publish(ctx, events.NewMemberLeft("r1", "u1", 1)); err != nil {
		t.Fatal(err)
	}

	msgs := h.bc.waitFor(t, MsgBatchUpdated, 1, time.Second)
	if msgs[0].Fields["count"] != 1 {
		t.Errorf("count = %v, want 1", msgs[0].Fields["count"])
	}
	time.Sleep(60 * time.Millisecond)
	if got := len(h.bc.ofType(MsgBatchUpdated)); got != 1 {
		t.Errorf("updated broadcasts = %d, want 1", got)
	}
	if len(h.bc.ofType(MsgStatisticsUpdated)) != 0 {
		t.Error("statistics broadcast below threshold")
	}
}

func TestHardCapFlushesImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Debounce = time.Hour
	cfg.MaxWait = time.Hour
	h := newHarness(t, cfg)
	h.repo.EXPECT().FindByID(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id domain.RoomID) (domain.RoomListing, error) {
			return listing(string(id), 1), nil
		}).Times(50)
	h.start(t)

	ctx := context.Background()
	for i := range 50 {
		if err := h.rec.Enqueue(ctx, Change{RoomID: domain.RoomID(fmt.Sprintf("r%02d", i)), Type: ChangeUpdated}); err != nil {
			t.Fatal(err)
		}
	}

	msgs := h.bc.waitFor(t, MsgBatchUpdated, 1, time.Second)
	if msgs[0].Fields["count"] != 50 {
		t.Errorf("count = %v, want 50", msgs[0].Fields["count"])
	}
	h.bc.waitFor(t, MsgStatisticsUpdated, 1, time.Second)
	if n, _ := h.rec.Pending(ctx); n != 0 {
		t.Errorf("Pending() = %d after cap flush", n)
	}
}

func TestMaxWaitBoundsDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.Debounce = 40 * time.Millisecond
	cfg.MaxWait = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.repo.EXPECT().FindByID(gomock.Any(), gomock.Any()).Return(listing("busy", 3), nil).AnyTimes()
	h.start(t)

	ctx := context.Background()
	stop := time.Now().Add(400 * time.Millisecond)
	flushedMidStream := false
	for time.Now().Before(stop) {
		if err := h.rec.Enqueue(ctx, Change{RoomID: "busy", Type: ChangeUpdated}); err != nil {
			t.Fatal(err)
		}
		if len(h.bc.ofType(MsgBatchUpdated)) > 0 {
			flushedMidStream = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !flushedMidStream {
		t.Fatal("continuous stream deferred the flush past the max-wait ceiling")
	}
}

func TestShutdownFlushesPending(t *testing.T) {
	cfg := testConfig()
	cfg.Debounce = time.Hour
	h := newHarness(t, cfg)
	h.repo.EXPECT().FindByID(gomock.Any(), domain.RoomID("new")).Return(domain.RoomListing{}, errors.New("replica lag"))
	h.rec.Start(context.Background())

	ctx := context.Background()
	room := listing("new", 1)
	if err := h.bus.Publish(ctx, events.NewRoomCreated(room)); err != nil {
		t.Fatal(err)
	}
	if err := h.rec.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	created := h.bc.ofType(MsgBatchCreated)
	if len(created) != 1 {
		t.Fatalf("created broadcasts = %d, want 1", len(created))
	}
	views := created[0].Fields["rooms"].([]domain.RoomListingView)
	if views[0].Name != "room new" {
		t.Errorf("fallback listing = %+v", views[0])
	}
	if err := h.rec.Enqueue(ctx, Change{RoomID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue() after shutdown = %v, want ErrStopped", err)
	}
	if h.bus.HandlerCount(events.TypeRoomCreated) != 0 {
		t.Error("bus subscription survived shutdown")
	}
}

func TestClosedRoomLeavesCache(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cache.SetRoomListings([]domain.RoomListing{listing("gone", 2), listing("kept", 1)})
	h.cache.SetSearchResults("search:x", domain.SearchResult{})
	h.start(t)

	var refreshed events.RoomListingsRefreshed
	var mu sync.Mutex
	events.On(h.bus, func(_ context.Context, ev events.RoomListingsRefreshed) error {
		mu.Lock()
		refreshed = ev
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	if err := h.bus.Publish(ctx, events.NewRoomClosed("gone", "empty")); err != nil {
		t.Fatal(err)
	}
	rep, err := h.rec.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deleted != 1 || rep.Trigger != TriggerManual {
		t.Errorf("FlushReport = %+v", rep)
	}

	rooms, _ := h.cache.RoomListings()
	if len(rooms) != 1 || rooms[0].ID != "kept" {
		t.Errorf("cache after close = %+v", rooms)
	}
	if _, ok := h.cache.SearchResults("search:x"); ok {
		t.Error("search tier survived a flush")
	}
	deleted := h.bc.ofType(MsgBatchDeleted)
	if len(deleted) != 1 {
		t.Fatalf("deleted broadcasts = %d", len(deleted))
	}
	if views := deleted[0].Fields["rooms"].([]domain.RoomListingView); views[0].Name != "room gone" {
		t.Errorf("deleted view = %+v", views[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if refreshed.Deleted != 1 {
		t.Errorf("RoomListingsRefreshed = %+v", refreshed)
	}
}

func TestResolveErrorIsScopedToRoom(t *testing.T) {
	h := newHarness(t, testConfig())
	h.repo.EXPECT().FindByID(gomock.Any(), domain.RoomID("bad")).Return(domain.RoomListing{}, errors.New("timeout"))
	h.repo.EXPECT().FindByID(gomock.Any(), domain.RoomID("good")).Return(listing("good", 1), nil)
	h.repo.EXPECT().FindByID(gomock.Any(), domain.RoomID("vanished")).Return(domain.RoomListing{}, domain.ErrRoomNotFound)
	h.start(t)

	ctx := context.Background()
	for _, id := range []domain.RoomID{"bad", "good", "vanished"} {
		if err := h.rec.Enqueue(ctx, Change{RoomID: id, Type: ChangeUpdated}); err != nil {
			t.Fatal(err)
		}
	}
	rep, err := h.rec.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 || rep.Updated != 1 || rep.Deleted != 1 {
		t.Errorf("FlushReport = %+v", rep)
	}
}

func TestMetricsTickPublishes(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)

	got := make(chan domain.LobbyMetrics, 4)
	events.On(h.bus, func(_ context.Context, ev events.LobbyMetricsCollected) error {
		select {
		case got <- ev.Metrics:
		default:
		}
		return nil
	})
	h.start(t)

	select {
	case m := <-got:
		if m.SearchVolume != 7 {
			t.Errorf("metrics = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no LobbyMetricsCollected published")
	}
}

func TestMerge(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		prev, next ChangeType
		want       ChangeType
	}{
		{"update after create stays created", ChangeCreated, ChangeUpdated, ChangeCreated},
		{"delete wins", ChangeUpdated, ChangeDeleted, ChangeDeleted},
		{"delete after create", ChangeCreated, ChangeDeleted, ChangeDeleted},
		{"update after delete stays deleted", ChangeDeleted, ChangeUpdated, ChangeDeleted},
		{"recreated", ChangeDeleted, ChangeCreated, ChangeCreated},
		{"updates", ChangeUpdated, ChangeUpdated, ChangeUpdated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Change{RoomID: "r", Type: tt.prev, Changes: map[string]any{"memberCount": 2, "name": "a"}, At: t0.Add(time.Second)}
			b := Change{RoomID: "r", Type: tt.next, Changes: map[string]any{"memberCount": 3}, At: t0}
			m := a.Merge(b)
			if m.Type != tt.want {
				t.Errorf("Type = %s, want %s", m.Type, tt.want)
			}
			if m.Changes["memberCount"] != 3 || m.Changes["name"] != "a" {
				t.Errorf("Changes = %v", m.Changes)
			}
			if !m.At.Equal(t0.Add(time.Second)) {
				t.Errorf("At = %v, want the later timestamp", m.At)
			}
			if len(a.Changes) != 2 {
				t.Error("Merge mutated its receiver")
			}
		})
	}
}

func TestFromEvent(t *testing.T) {
	c := FromEvent(events.NewRoomSettingsUpdated("r", map[string]any{"isPrivate": true}))
	if c.Type != ChangeUpdated || c.Changes["isPrivate"] != true || c.RoomID != "r" {
		t.Errorf("settings change = %+v", c)
	}
	c = FromEvent(events.NewRoomClosed("r", "idle"))
	if c.Type != ChangeDeleted {
		t.Errorf("closed change = %+v", c)
	}
	c = FromEvent(events.NewRoomCreated(listing("r", 1)))
	if c.Type != ChangeCreated || c.Room == nil || c.Room.ID != "r" {
		t.Errorf("created change = %+v", c)
	}
}
