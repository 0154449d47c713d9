// Package cache holds the lobby's three TTL tiers: the room listing snapshot,
// search results keyed by criteria, and aggregate statistics.
//
// Search results and statistics are derived from the snapshot, so any
// mutation of the snapshot drops both. Liveness is always checked at read time;
// the background sweep only reclaims memory.
package cache

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/metrics"
)

const (
	TierListings = "listings"
	TierSearch   = "search"
	TierStats    = "stats"
)

type entry[T any] struct {
	value      T
	insertedAt time.Time
	seq        uint64
}

func (e *entry[T]) alive(now time.Time, ttl time.Duration) bool {
	return e != nil && now.Sub(e.insertedAt) < ttl
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Hits          int64     `json:"hits"`
	Misses        int64     `json:"misses"`
	Evictions     int64     `json:"evictions"`
	SearchEntries int       `json:"searchEntries"`
	ListingsAlive bool      `json:"listingsAlive"`
	StatsAlive    bool      `json:"statsAlive"`
	LastSweep     time.Time `json:"lastSweep"`
}

type Option func(*Cache)

// WithClock replaces time.Now; used by tests to move through TTL windows.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

type Cache struct {
	cfg    config.CacheConfig
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.RWMutex
	listings  *entry[[]domain.RoomListing]
	search    map[string]*entry[domain.SearchResult]
	stats     *entry[domain.LobbyStatistics]
	seq       uint64
	gen       uint64
	lastSweep time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.CacheConfig, opts ...Option) *Cache {
	c := &Cache{
		cfg:    cfg,
		now:    time.Now,
		search: make(map[string]*entry[domain.SearchResult]),
		logger: log.With().Str("module", "lobby.cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) hit(tier string) {
	c.hits.Add(1)
	metrics.CacheHits.WithLabelValues(tier).Inc()
}

func (c *Cache) miss(tier string) {
	c.misses.Add(1)
	metrics.CacheMisses.WithLabelValues(tier).Inc()
}

func (c *Cache) evicted(tier, reason string, n int) {
	if n == 0 {
		return
	}
	c.evictions.Add(int64(n))
	metrics.CacheEvictions.WithLabelValues(tier, reason).Add(float64(n))
}

func (c *Cache) nextSeq() uint64 {
	c.seq++
	return c.seq
}

// RoomListings returns a copy of the snapshot, or false when it is missing or expired.
func (c *Cache) RoomListings() ([]domain.RoomListing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.listings.alive(c.now(), c.cfg.ListingTTL) {
		c.miss(TierListings)
		return nil, false
	}
	c.hit(TierListings)
	return domain.CloneListings(c.listings.value), true
}

func (c *Cache) SetRoomListings(rooms []domain.RoomListing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setListingsLocked(rooms)
}

// Generation changes whenever a room is upserted or removed or the cache is
// cleared. Readers that load on a miss take it before loading and store with
// the *If setters, so a load that raced a mutation is not cached.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// SetRoomListingsIf stores rooms only if no mutation happened since gen.
func (c *Cache) SetRoomListingsIf(gen uint64, rooms []domain.RoomListing) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.logger.Debug().Uint64("gen", gen).Uint64("current", c.gen).Msg("discarding stale listing load")
		return false
	}
	c.setListingsLocked(rooms)
	return true
}

func (c *Cache) setListingsLocked(rooms []domain.RoomListing) {
	cp := domain.CloneListings(rooms)
	if cp == nil {
		cp = []domain.RoomListing{}
	}
	c.listings = &entry[[]domain.RoomListing]{value: cp, insertedAt: c.now(), seq: c.nextSeq()}
}

func (c *Cache) SearchResults(key string) (domain.SearchResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.search[key]
	if !ok || !e.alive(c.now(), c.cfg.SearchTTL) {
		c.miss(TierSearch)
		return domain.SearchResult{}, false
	}
	c.hit(TierSearch)
	return e.value.Clone(), true
}

// SetSearchResults stores res under key. When the tier grows past its cap the
// oldest entries by insertion are dropped in one batch.
func (c *Cache) SetSearchResults(key string, res domain.SearchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setSearchLocked(key, res)
}

// SetSearchResultsIf stores res only if no mutation happened since gen.
func (c *Cache) SetSearchResultsIf(gen uint64, key string, res domain.SearchResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.setSearchLocked(key, res)
	return true
}

func (c *Cache) setSearchLocked(key string, res domain.SearchResult) {
	c.search[key] = &entry[domain.SearchResult]{value: res.Clone(), insertedAt: c.now(), seq: c.nextSeq()}
	if len(c.search) > c.cfg.SearchCap {
		c.evictOldestLocked(c.cfg.SearchEvict)
	}
}

func (c *Cache) evictOldestLocked(n int) {
	type aged struct {
		key string
		at  time.Time
		seq uint64
	}
	all := make([]aged, 0, len(c.search))
	for k, e := range c.search {
		all = append(all, aged{key: k, at: e.insertedAt, seq: e.seq})
	}
	slices.SortFunc(all, func(a, b aged) int {
		return cmp.Or(a.at.Compare(b.at), cmp.Compare(a.seq, b.seq))
	})
	n = min(n, len(all))
	for _, a := range all[:n] {
		delete(c.search, a.key)
	}
	c.evicted(TierSearch, "capacity", n)
	c.logger.Debug().Int("evicted", n).Int("remaining", len(c.search)).Msg("search tier over capacity")
}

func (c *Cache) Statistics() (domain.LobbyStatistics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.stats.alive(c.now(), c.cfg.StatsTTL) {
		c.miss(TierStats)
		return domain.LobbyStatistics{}, false
	}
	c.hit(TierStats)
	return c.stats.value.Clone(), true
}

func (c *Cache) SetStatistics(s domain.LobbyStatistics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = &entry[domain.LobbyStatistics]{value: s.Clone(), insertedAt: c.now(), seq: c.nextSeq()}
}

// SetStatisticsIf stores s only if no mutation happened since gen.
func (c *Cache) SetStatisticsIf(gen uint64, s domain.LobbyStatistics) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.stats = &entry[domain.LobbyStatistics]{value: s.Clone(), insertedAt: c.now(), seq: c.nextSeq()}
	return true
}

// UpsertRoom replaces or appends room in a live snapshot and drops the derived
// tiers. An expired snapshot is left alone; the next reader repopulates it.
func (c *Cache) UpsertRoom(room domain.RoomListing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listings.alive(c.now(), c.cfg.ListingTTL) {
		rooms := c.listings.value
		if i := slices.IndexFunc(rooms, func(r domain.RoomListing) bool { return r.ID == room.ID }); i >= 0 {
			rooms[i] = room.Clone()
		} else {
			c.listings.value = append(rooms, room.Clone())
		}
	}
	c.invalidateDerivedLocked()
}

// RemoveRoom drops id from a live snapshot and the derived tiers.
func (c *Cache) RemoveRoom(id domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listings.alive(c.now(), c.cfg.ListingTTL) {
		c.listings.value = slices.DeleteFunc(c.listings.value, func(r domain.RoomListing) bool { return r.ID == id })
	}
	c.invalidateDerivedLocked()
}

func (c *Cache) InvalidateDerived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateDerivedLocked()
}

func (c *Cache) invalidateDerivedLocked() {
	c.gen++
	c.evicted(TierSearch, "invalidate", len(c.search))
	if len(c.search) > 0 {
		c.search = make(map[string]*entry[domain.SearchResult])
	}
	if c.stats != nil {
		c.evicted(TierStats, "invalidate", 1)
		c.stats = nil
	}
}

// Clear drops every tier.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listings != nil {
		c.evicted(TierListings, "invalidate", 1)
		c.listings = nil
	}
	c.invalidateDerivedLocked()
}

// Sweep removes expired entries from every tier and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	if c.listings != nil && !c.listings.alive(now, c.cfg.ListingTTL) {
		c.listings = nil
		c.evicted(TierListings, "ttl", 1)
		removed++
	}
	if c.stats != nil && !c.stats.alive(now, c.cfg.StatsTTL) {
		c.stats = nil
		c.evicted(TierStats, "ttl", 1)
		removed++
	}
	expired := 0
	for k, e := range c.search {
		if !e.alive(now, c.cfg.SearchTTL) {
			delete(c.search, k)
			expired++
		}
	}
	c.evicted(TierSearch, "ttl", expired)
	c.lastSweep = now
	return removed + expired
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		SearchEntries: len(c.search),
		ListingsAlive: c.listings.alive(now, c.cfg.ListingTTL),
		StatsAlive:    c.stats.alive(now, c.cfg.StatsTTL),
		LastSweep:     c.lastSweep,
	}
}

// Start runs the periodic sweep until ctx is done or Shutdown is called.
func (c *Cache) Start(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.sweepLoop(ctx, c.done)
	c.logger.Info().Dur("interval", c.cfg.SweepInterval).Msg("cache sweeper started")
}

func (c *Cache) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("swept expired entries")
			}
		}
	}
}

// Shutdown stops the sweeper and waits for it to exit.
func (c *Cache) Shutdown() {
	c.lifeMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info().Msg("cache sweeper stopped")
}
