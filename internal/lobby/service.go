// Package lobby assembles read requests end to end: cache lookup, snapshot
// load, ranking and analytics. It also exposes the explicit refresh and
// cleanup paths that funnel back through cache invalidation.
package lobby

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/Lobby/internal/cache"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
	"github.com/dkeye/Lobby/internal/metrics"
	"github.com/dkeye/Lobby/internal/search"
)

const MsgRoomListUpdated = "room_list_updated"

const (
	sourceCache  = "cache"
	sourceEngine = "engine"
)

// ConnectionStats reports the highest number of concurrent lobby connections
// seen since the previous call.
type ConnectionStats interface {
	PeakConnections() int
}

type Service struct {
	repo   core.RoomRepository
	cache  *cache.Cache
	bus    *events.Bus
	bc     core.Broadcaster
	conns  ConnectionStats
	now    core.Clock
	logger zerolog.Logger

	loads singleflight.Group

	mu          sync.Mutex
	searches    int
	searchTotal time.Duration
}

type Option func(*Service)

func WithClock(now core.Clock) Option {
	return func(s *Service) { s.now = now }
}

func WithBroadcaster(bc core.Broadcaster) Option {
	return func(s *Service) { s.bc = bc }
}

func WithConnectionStats(cs ConnectionStats) Option {
	return func(s *Service) { s.conns = cs }
}

func NewService(repo core.RoomRepository, c *cache.Cache, bus *events.Bus, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		cache:  c,
		bus:    bus,
		now:    time.Now,
		logger: log.With().Str("module", "lobby.service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// snapshot returns the cached listing snapshot, loading it from the repository
// on a miss. Concurrent misses share one load. A failed load yields no rooms.
func (s *Service) snapshot(ctx context.Context) []domain.RoomListing {
	if rooms, ok := s.cache.RoomListings(); ok {
		return rooms
	}
	v, err, _ := s.loads.Do("listings", func() (any, error) {
		gen := s.cache.Generation()
		rooms, err := s.repo.FindAll(ctx)
		if err != nil {
			return nil, err
		}
		s.cache.SetRoomListingsIf(gen, rooms)
		return rooms, nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("load room listings")
		return nil
	}
	return domain.CloneListings(v.([]domain.RoomListing))
}

func userKey(key string, uid domain.UserID) string {
	if uid == "" {
		return key
	}
	return key + "|u:" + string(uid)
}

// BrowseRooms runs c against the lobby. Results are cached per criteria and user.
func (s *Service) BrowseRooms(ctx context.Context, c domain.SearchCriteria, uid domain.UserID) domain.SearchResult {
	return s.find(ctx, "browse", c, uid)
}

// SearchRooms is a relevance-ranked text search.
func (s *Service) SearchRooms(ctx context.Context, term string, uid domain.UserID, limit int) (domain.SearchResult, error) {
	c, err := domain.CriteriaFromQuery(domain.CriteriaParams{
		SearchTerm: term,
		SortBy:     domain.SortByRelevance,
		SortOrder:  domain.SortDesc,
		Limit:      limit,
	})
	if err != nil {
		return domain.SearchResult{}, err
	}
	return s.find(ctx, "search", c, uid), nil
}

func (s *Service) find(ctx context.Context, operation string, c domain.SearchCriteria, uid domain.UserID) domain.SearchResult {
	start := s.now()
	key := userKey(c.CacheKey(), uid)

	res, hit := s.cache.SearchResults(key)
	source := sourceCache
	if !hit {
		source = sourceEngine
		gen := s.cache.Generation()
		res = search.FindRooms(c, s.snapshot(ctx), uid, s.now())
		s.cache.SetSearchResultsIf(gen, key, res)
	}

	took := s.now().Sub(start)
	s.observeSearch(operation, source, took)
	s.publish(ctx, events.NewRoomSearchPerformed(c, len(res.Items), hit, took))
	return res
}

func (s *Service) observeSearch(operation, source string, took time.Duration) {
	metrics.SearchDuration.WithLabelValues(operation, source).Observe(took.Seconds())
	s.mu.Lock()
	s.searches++
	s.searchTotal += took
	s.mu.Unlock()
}

// shape serves one of the fixed read shapes through the search-result tier.
func (s *Service) shape(ctx context.Context, operation, key string, compute func([]domain.RoomListing, time.Time) []domain.RoomListing) ([]domain.RoomListing, time.Duration) {
	start := s.now()
	if res, ok := s.cache.SearchResults(key); ok {
		took := s.now().Sub(start)
		s.observeSearch(operation, sourceCache, took)
		return res.Items, took
	}
	gen := s.cache.Generation()
	rooms := compute(s.snapshot(ctx), s.now())
	s.cache.SetSearchResultsIf(gen, key, domain.SearchResult{Items: rooms, TotalCount: len(rooms)})
	took := s.now().Sub(start)
	s.observeSearch(operation, sourceEngine, took)
	return rooms, took
}

func ids(rooms []domain.RoomListing) []domain.RoomID {
	out := make([]domain.RoomID, len(rooms))
	for i, r := range rooms {
		out[i] = r.ID
	}
	return out
}

func (s *Service) PopularRooms(ctx context.Context, limit int) []domain.RoomListing {
	key := fmt.Sprintf("popular|l:%d", limit)
	rooms, took := s.shape(ctx, "popular", key, func(all []domain.RoomListing, now time.Time) []domain.RoomListing {
		return search.Popular(all, limit, now)
	})
	s.publish(ctx, events.NewPopularRoomsCalculated(ids(rooms), took))
	return rooms
}

func (s *Service) RecommendedRooms(ctx context.Context, uid domain.UserID, genres []string, limit int) []domain.RoomListing {
	norm := make([]string, 0, len(genres))
	for _, g := range genres {
		if g = strings.ToLower(strings.TrimSpace(g)); g != "" {
			norm = append(norm, g)
		}
	}
	key := userKey(fmt.Sprintf("recommended|g:%s|l:%d", strings.Join(norm, ","), limit), uid)
	rooms, took := s.shape(ctx, "recommended", key, func(all []domain.RoomListing, now time.Time) []domain.RoomListing {
		return search.Recommended(all, uid, norm, limit, now)
	})
	s.publish(ctx, events.NewRoomRecommendationsGenerated(uid, norm, ids(rooms), took))
	return rooms
}

func (s *Service) RoomsByGenre(ctx context.Context, genre string, uid domain.UserID, limit int) []domain.RoomListing {
	genre = strings.ToLower(strings.TrimSpace(genre))
	key := userKey(fmt.Sprintf("genre|g:%s|l:%d", genre, limit), uid)
	rooms, _ := s.shape(ctx, "genre", key, func(all []domain.RoomListing, now time.Time) []domain.RoomListing {
		return search.ByGenre(all, genre, uid, limit, now)
	})
	return rooms
}

func (s *Service) AvailableRooms(ctx context.Context, uid domain.UserID, limit int) []domain.RoomListing {
	key := userKey(fmt.Sprintf("available|l:%d", limit), uid)
	rooms, _ := s.shape(ctx, "available", key, func(all []domain.RoomListing, now time.Time) []domain.RoomListing {
		return search.Available(all, uid, limit, now)
	})
	return rooms
}

// Statistics never fails: a repository error falls back to statistics
// computed from the snapshot, which is empty when the repository is down.
func (s *Service) Statistics(ctx context.Context) domain.LobbyStatistics {
	if st, ok := s.cache.Statistics(); ok {
		return st
	}
	gen := s.cache.Generation()
	st, err := s.repo.GetStatistics(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("repository statistics unavailable")
		st = search.Statistics(s.snapshot(ctx), s.now())
	}
	if st.GenreDistribution == nil {
		st.GenreDistribution = map[string]int{}
	}
	if st.GeneratedAt.IsZero() {
		st.GeneratedAt = s.now()
	}
	s.cache.SetStatisticsIf(gen, st)
	return st
}

func (s *Service) RecordRoomView(ctx context.Context, id domain.RoomID, uid domain.UserID, source string) {
	s.publish(ctx, events.NewRoomViewed(id, uid, source))
}

func (s *Service) RecordJoinAttempt(ctx context.Context, id domain.RoomID, uid domain.UserID, method string) {
	s.publish(ctx, events.NewRoomJoinAttempted(id, uid, method))
}

// Refresh forces a repository re-pull and replaces the snapshot, dropping
// every derived result.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	if err := s.repo.Refresh(ctx); err != nil {
		return 0, fmt.Errorf("refresh repository: %w", err)
	}
	rooms, err := s.repo.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reload listings: %w", err)
	}
	s.cache.SetRoomListings(rooms)
	s.cache.InvalidateDerived()
	s.logger.Info().Int("rooms", len(rooms)).Msg("lobby refreshed")
	return len(rooms), nil
}

// CleanupInactive removes rooms idle for longer than maxAge from the
// repository and the cache and tells subscribers about each one.
func (s *Service) CleanupInactive(ctx context.Context, maxAge time.Duration) (int, error) {
	removed, err := s.repo.ClearInactive(ctx, maxAge)
	if err != nil {
		return 0, fmt.Errorf("clear inactive rooms: %w", err)
	}
	now := s.now()
	for _, room := range removed {
		s.cache.RemoveRoom(room.ID)
		if s.bc == nil {
			continue
		}
		msg := core.NewMessage(MsgRoomListUpdated, map[string]any{
			"type":      "deleted",
			"room":      room.View(now),
			"timestamp": now,
		})
		if err := s.bc.Broadcast(ctx, core.LobbyGroup, msg); err != nil {
			s.logger.Warn().Err(err).Str("room_id", string(room.ID)).Msg("broadcast room removal")
		}
	}
	if len(removed) > 0 {
		s.logger.Info().Int("removed", len(removed)).Dur("max_age", maxAge).Msg("cleaned up inactive rooms")
	}
	return len(removed), nil
}

// Metrics reports usage since the previous call and resets the counters.
func (s *Service) Metrics(ctx context.Context) domain.LobbyMetrics {
	s.mu.Lock()
	n, total := s.searches, s.searchTotal
	s.searches, s.searchTotal = 0, 0
	s.mu.Unlock()

	m := domain.LobbyMetrics{
		SearchVolume: n,
		TopGenres:    search.TopGenres(s.Statistics(ctx).GenreDistribution, 5),
		CollectedAt:  s.now(),
	}
	if n > 0 {
		m.AverageSearchTime = total / time.Duration(n)
	}
	if s.conns != nil {
		m.PeakConnections = s.conns.PeakConnections()
	}
	return m
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", ev.EventType()).Msg("publish analytics event")
	}
}
