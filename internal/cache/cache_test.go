package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
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

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		ListingTTL:    30 * time.Second,
		SearchTTL:     60 * time.Second,
		StatsTTL:      120 * time.Second,
		SearchCap:     100,
		SearchEvict:   20,
		SweepInterval: 10 * time.Millisecond,
	}
}

func newTestCache() (*Cache, *fakeClock) {
	clk := newFakeClock()
	return New(testConfig(), WithClock(clk.Now)), clk
}

func listing(id string, members int) domain.RoomListing {
	return domain.RoomListing{ID: domain.RoomID(id), Name: "room " + id, MemberCount: members, MaxMembers: 10, Genres: []string{"jazz"}}
}

func TestListingsTTL(t *testing.T) {
	c, clk := newTestCache()
	c.SetRoomListings([]domain.RoomListing{listing("a", 1), listing("b", 2)})

	clk.Advance(29 * time.Second)
	rooms, ok := c.RoomListings()
	if !ok || len(rooms) != 2 {
		t.Fatalf("RoomListings() at 29s = %v, %v", rooms, ok)
	}

	clk.Advance(2 * time.Second)
	if rooms, ok := c.RoomListings(); ok || rooms != nil {
		t.Errorf("RoomListings() at 31s = %v, %v; want miss", rooms, ok)
	}
}

func TestSearchResultsRoundTrip(t *testing.T) {
	c, clk := newTestCache()
	key := domain.ForTextSearch("jazz").CacheKey()
	next := 1
	want := domain.SearchResult{Items: []domain.RoomListing{listing("a", 1)}, TotalCount: 2, HasMore: true, NextOffset: &next}

	c.SetSearchResults(key, want)
	got, ok := c.SearchResults(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.TotalCount != 2 || !got.HasMore || *got.NextOffset != 1 || got.Items[0].ID != "a" {
		t.Errorf("SearchResults() = %+v", got)
	}

	clk.Advance(61 * time.Second)
	if _, ok := c.SearchResults(key); ok {
		t.Error("expected miss after TTL")
	}
}

func TestCallersOwnReturnedSlices(t *testing.T) {
	c, _ := newTestCache()
	in := []domain.RoomListing{listing("a", 1)}
	c.SetRoomListings(in)
	in[0].Name = "mutated"
	in[0].Genres[0] = "mutated"

	out, _ := c.RoomListings()
	if out[0].Name != "room a" || out[0].Genres[0] != "jazz" {
		t.Fatalf("stored listing was mutated through caller slice: %+v", out[0])
	}
	out[0].Genres[0] = "also mutated"
	again, _ := c.RoomListings()
	if again[0].Genres[0] != "jazz" {
		t.Error("stored listing was mutated through returned slice")
	}

	stats := domain.LobbyStatistics{TotalRooms: 1, GenreDistribution: map[string]int{"jazz": 1}}
	c.SetStatistics(stats)
	stats.GenreDistribution["jazz"] = 99
	got, _ := c.Statistics()
	if got.GenreDistribution["jazz"] != 1 {
		t.Error("stored statistics share the genre map")
	}
}

func TestSearchCapEvictsOldest(t *testing.T) {
	c, clk := newTestCache()
	keys := make([]string, 0, 101)
	for i := range 60 {
		k := fmt.Sprintf("search:%03d", i)
		keys = append(keys, k)
		c.SetSearchResults(k, domain.SearchResult{TotalCount: i})
		clk.Advance(time.Millisecond)
	}
	if n := c.Stats().SearchEntries; n != 60 {
		t.Fatalf("entries after 60 queries = %d", n)
	}

	for i := 60; i < 101; i++ {
		k := fmt.Sprintf("search:%03d", i)
		keys = append(keys, k)
		c.SetSearchResults(k, domain.SearchResult{TotalCount: i})
		clk.Advance(time.Millisecond)
	}
	if n := c.Stats().SearchEntries; n != 81 {
		t.Fatalf("entries after 101 queries = %d, want 81", n)
	}
	for i, k := range keys {
		_, ok := c.SearchResults(k)
		if i < 20 && ok {
			t.Errorf("key %s should have been evicted", k)
		}
		if i >= 20 && !ok {
			t.Errorf("key %s should still be cached", k)
		}
	}
}

func TestUpsertRoomIdempotent(t *testing.T) {
	c, _ := newTestCache()
	c.SetRoomListings([]domain.RoomListing{listing("a", 1)})

	updated := listing("b", 3)
	c.UpsertRoom(updated)
	c.UpsertRoom(updated)

	rooms, ok := c.RoomListings()
	if !ok {
		t.Fatal("snapshot should still be alive")
	}
	count := 0
	for _, r := range rooms {
		if r.ID == "b" {
			count++
		}
	}
	if count != 1 || len(rooms) != 2 {
		t.Errorf("snapshot = %+v, want exactly one entry for b", rooms)
	}

	changed := listing("a", 7)
	c.UpsertRoom(changed)
	rooms, _ = c.RoomListings()
	if rooms[0].ID != "a" || rooms[0].MemberCount != 7 {
		t.Errorf("upsert did not replace in place: %+v", rooms[0])
	}
}

func TestMutationInvalidatesDerivedTiers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Cache)
	}{
		{"upsert", func(c *Cache) { c.UpsertRoom(listing("z", 1)) }},
		{"remove", func(c *Cache) { c.RemoveRoom("a") }},
		{"invalidate", func(c *Cache) { c.InvalidateDerived() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache()
			c.SetRoomListings([]domain.RoomListing{listing("a", 1)})
			c.SetSearchResults("search:k", domain.SearchResult{TotalCount: 1})
			c.SetStatistics(domain.LobbyStatistics{TotalRooms: 1})

			tt.mutate(c)

			if _, ok := c.SearchResults("search:k"); ok {
				t.Error("search tier survived a listing mutation")
			}
			if _, ok := c.Statistics(); ok {
				t.Error("statistics tier survived a listing mutation")
			}
			if _, ok := c.RoomListings(); !ok {
				t.Error("listing snapshot must be mutated in place, not wiped")
			}
		})
	}
}

func TestRemoveRoom(t *testing.T) {
	c, _ := newTestCache()
	c.SetRoomListings([]domain.RoomListing{listing("a", 1), listing("b", 1)})
	c.RemoveRoom("a")
	rooms, _ := c.RoomListings()
	if len(rooms) != 1 || rooms[0].ID != "b" {
		t.Errorf("RemoveRoom() left %+v", rooms)
	}
}

func TestUpsertOnExpiredSnapshot(t *testing.T) {
	c, clk := newTestCache()
	c.SetRoomListings([]domain.RoomListing{listing("a", 1)})
	clk.Advance(time.Minute)
	c.UpsertRoom(listing("b", 1))
	if _, ok := c.RoomListings(); ok {
		t.Error("upsert must not revive an expired snapshot")
	}
}

func TestSweep(t *testing.T) {
	c, clk := newTestCache()
	c.SetRoomListings([]domain.RoomListing{listing("a", 1)})
	c.SetSearchResults("search:k", domain.SearchResult{})
	c.SetStatistics(domain.LobbyStatistics{})

	clk.Advance(45 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep() at 45s = %d, want 1 (listings)", n)
	}
	clk.Advance(30 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep() at 75s = %d, want 1 (search)", n)
	}
	clk.Advance(time.Minute)
	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep() at 135s = %d, want 1 (stats)", n)
	}
	s := c.Stats()
	if s.SearchEntries != 0 || s.ListingsAlive || s.StatsAlive {
		t.Errorf("Stats() after sweeps = %+v", s)
	}
}

func TestStartShutdown(t *testing.T) {
	c, clk := newTestCache()
	c.SetSearchResults("search:k", domain.SearchResult{})
	clk.Advance(2 * time.Minute)

	c.Start(context.Background())
	c.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for c.Stats().SearchEntries != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sweep never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Shutdown()
	c.Shutdown()
}

func TestClear(t *testing.T) {
	c, _ := newTestCache()
	c.SetRoomListings([]domain.RoomListing{listing("a", 1)})
	c.SetSearchResults("search:k", domain.SearchResult{})
	c.SetStatistics(domain.LobbyStatistics{})
	c.Clear()
	if _, ok := c.RoomListings(); ok {
		t.Error("listings survived Clear")
	}
	if s := c.Stats(); s.SearchEntries != 0 || s.StatsAlive || s.Evictions != 3 {
		t.Errorf("Stats() after Clear = %+v", s)
	}
}

func TestLoadRacingMutationIsDiscarded(t *testing.T) {
	c, _ := newTestCache()

	gen := c.Generation()
	c.UpsertRoom(listing("a", 2))
	if c.SetRoomListingsIf(gen, []domain.RoomListing{listing("a", 1)}) {
		t.Fatal("stale listing load stored")
	}
	if c.SetSearchResultsIf(gen, "search:k", domain.SearchResult{TotalCount: 1}) {
		t.Fatal("stale search result stored")
	}
	if c.SetStatisticsIf(gen, domain.LobbyStatistics{TotalRooms: 1}) {
		t.Fatal("stale statistics stored")
	}
	if _, ok := c.RoomListings(); ok {
		t.Fatal("listings cached after discarded load")
	}

	gen = c.Generation()
	if !c.SetRoomListingsIf(gen, []domain.RoomListing{listing("a", 2)}) {
		t.Fatal("fresh listing load discarded")
	}
	if !c.SetSearchResultsIf(gen, "search:k", domain.SearchResult{TotalCount: 1}) {
		t.Fatal("fresh search result discarded")
	}
	if _, ok := c.SearchResults("search:k"); !ok {
		t.Fatal("fresh search result missing")
	}

	c.RemoveRoom("a")
	if c.Generation() == gen {
		t.Fatal("RemoveRoom did not advance the generation")
	}
}
