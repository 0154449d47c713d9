package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	msgs []core.Message
}

func (r *recorder) Broadcast(_ context.Context, _ core.GroupName, msg core.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) updates(t *testing.T, n int) []Update {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		r.mu.Lock()
		if len(r.msgs) > n {
			msg := r.msgs[n]
			r.mu.Unlock()
			if msg.Type != MsgStatusesUpdated {
				t.Fatalf("message type = %q", msg.Type)
			}
			return msg.Fields["updates"].([]Update)
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for broadcast #%d", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testConfig() config.StatusConfig {
	return config.StatusConfig{
		Tick:            time.Hour,
		TTL:             5 * time.Minute,
		SweepInterval:   time.Hour,
		QueueCap:        100,
		OverflowBatch:   10,
		ActiveThreshold: 0.5,
	}
}

func newTracker(t *testing.T, cfg config.StatusConfig, bus *events.Bus) (*Tracker, *recorder, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	bc := &recorder{}
	tr := New(cfg, bc, bus, WithClock(clk.Now))
	tr.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	})
	return tr, bc, clk
}

func intp(n int) *int { return &n }

func TestScoreClamp(t *testing.T) {
	cases := []struct {
		kind    Kind
		members int
		owner   bool
		want    float64
	}{
		{KindAudioStarted, 50, true, 1},
		{KindMemberLeft, -3, false, 0.2},
		{KindMemberJoined, 5, false, 0.7},
		{KindChatMessage, 0, true, 0.6},
		{Kind("bogus"), 0, false, 0},
	}
	for _, tc := range cases {
		got := Score(tc.kind, tc.members, tc.owner)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("Score(%s, %d, %v) = %v, want %v", tc.kind, tc.members, tc.owner, got, tc.want)
		}
	}
}

func TestFlushOrdersByPriority(t *testing.T) {
	tr, bc, clk := newTracker(t, testConfig(), nil)
	ctx := context.Background()

	for _, s := range []Signal{
		{RoomID: "chat", Kind: KindChatMessage},
		{RoomID: "audio", Kind: KindAudioStarted},
		{RoomID: "join", Kind: KindMemberJoined, MemberCount: intp(1)},
	} {
		if err := tr.Track(ctx, s); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Millisecond)
	}

	n, err := tr.Flush(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Flush = %d, %v", n, err)
	}
	got := bc.updates(t, 0)
	want := []domain.RoomID{"join", "audio", "chat"}
	for i, id := range want {
		if got[i].RoomID != id {
			t.Fatalf("update %d = %s, want %s", i, got[i].RoomID, id)
		}
	}
	if got[0].Priority != PriorityHigh || got[2].Priority != PriorityLow {
		t.Fatalf("priorities = %v, %v", got[0].Priority, got[2].Priority)
	}
}

func TestQueueOverflowProcessesOldest(t *testing.T) {
	tr, bc, clk := newTracker(t, testConfig(), nil)
	ctx := context.Background()

	for i := range 101 {
		if err := tr.Track(ctx, Signal{RoomID: domain.RoomID(fmt.Sprintf("r%03d", i)), Kind: KindChatMessage}); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Millisecond)
	}

	forced := bc.updates(t, 0)
	if len(forced) != 10 {
		t.Fatalf("forced batch = %d, want 10", len(forced))
	}
	for i, u := range forced {
		if want := domain.RoomID(fmt.Sprintf("r%03d", i)); u.RoomID != want {
			t.Fatalf("forced[%d] = %s, want %s", i, u.RoomID, want)
		}
	}

	n, err := tr.Flush(ctx)
	if err != nil || n != 91 {
		t.Fatalf("Flush = %d, %v; want 91", n, err)
	}
}

func TestInsignificantUpdatesAreSuppressed(t *testing.T) {
	tr, _, clk := newTracker(t, testConfig(), nil)
	ctx := context.Background()

	_ = tr.Track(ctx, Signal{RoomID: "r1", Kind: KindChatMessage, MemberCount: intp(3)})
	clk.Advance(10 * time.Second)
	_ = tr.Track(ctx, Signal{RoomID: "r1", Kind: KindChatMessage, MemberCount: intp(3)})

	st, ok := tr.Status(ctx, "r1")
	if !ok || st.UpdateCount != 1 {
		t.Fatalf("status = %+v, %v; want one update", st, ok)
	}

	_ = tr.Track(ctx, Signal{RoomID: "r1", Kind: KindMemberJoined, MemberCount: intp(4)})
	st, _ = tr.Status(ctx, "r1")
	if st.UpdateCount != 2 || st.MemberCount != 4 {
		t.Fatalf("status after count change = %+v", st)
	}

	// half the TTL elapsed makes an identical signal significant again
	clk.Advance(3 * time.Minute)
	_ = tr.Track(ctx, Signal{RoomID: "r1", Kind: KindMemberJoined, MemberCount: intp(4)})
	st, _ = tr.Status(ctx, "r1")
	if st.UpdateCount != 3 {
		t.Fatalf("update count = %d, want 3", st.UpdateCount)
	}
}

func TestStatusExpires(t *testing.T) {
	tr, _, clk := newTracker(t, testConfig(), nil)
	ctx := context.Background()

	_ = tr.Track(ctx, Signal{RoomID: "r1", Kind: KindMemberJoined, MemberCount: intp(2)})
	if _, ok := tr.Status(ctx, "r1"); !ok {
		t.Fatal("status missing")
	}
	clk.Advance(6 * time.Minute)
	if _, ok := tr.Status(ctx, "r1"); ok {
		t.Fatal("status should have expired")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	tr, _, _ := newTracker(t, testConfig(), nil)
	if err := tr.Track(context.Background(), Signal{RoomID: "r1", Kind: "dance"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v", err)
	}
}

func TestActiveFlipPublishesStatusChanged(t *testing.T) {
	bus := events.NewBus()
	got := make(chan domain.RoomStatus, 4)
	events.On(bus, func(_ context.Context, ev events.RoomLobbyStatusChanged) error {
		got <- ev.Status
		return nil
	})
	tr, _, _ := newTracker(t, testConfig(), bus)
	ctx := context.Background()

	_ = tr.Track(ctx, Signal{RoomID: "r1", Kind: KindMemberJoined, MemberCount: intp(1)})
	_ = tr.Track(ctx, Signal{RoomID: "r1", Kind: KindMemberLeft, MemberCount: intp(0)})

	// publications are asynchronous, so only the set of transitions is checked
	seen := map[bool]bool{}
	for i := range 2 {
		select {
		case st := <-got:
			seen[st.IsActive] = true
		case <-time.After(time.Second):
			t.Fatalf("missing status change %d", i)
		}
	}
	if !seen[true] || !seen[false] {
		t.Fatalf("transitions = %v", seen)
	}
}

func TestBusEventsFeedTracker(t *testing.T) {
	bus := events.NewBus()
	tr, _, _ := newTracker(t, testConfig(), bus)
	ctx := context.Background()

	if err := bus.Publish(ctx, events.NewMemberJoined("r1", "u1", "ann", 3)); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, events.NewRoomSettingsUpdated("r1", map[string]any{"isPrivate": true})); err != nil {
		t.Fatal(err)
	}
	st, ok := tr.Status(ctx, "r1")
	if !ok || st.MemberCount != 3 || !st.IsPrivate {
		t.Fatalf("status = %+v, %v", st, ok)
	}

	if err := bus.Publish(ctx, events.NewRoomClosed("r1", "empty")); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Status(ctx, "r1"); ok {
		t.Fatal("closed room still tracked")
	}
}

func TestShutdownFlushesQueue(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	bc := &recorder{}
	tr := New(testConfig(), bc, nil, WithClock(clk.Now))
	tr.Start(context.Background())

	ctx := context.Background()
	_ = tr.Track(ctx, Signal{RoomID: "r1", Kind: KindAudioStarted})
	if err := tr.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if got := bc.updates(t, 0); len(got) != 1 {
		t.Fatalf("final flush = %d updates", len(got))
	}
	if err := tr.Track(ctx, Signal{RoomID: "r1", Kind: KindAudioStarted}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Track after shutdown = %v", err)
	}
}
