package repo

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
	"github.com/dkeye/Lobby/internal/search"
)

// Memory is an in-process room store. Mutations return the lifecycle event
// describing them so callers can publish it.
type Memory struct {
	mu      sync.RWMutex
	rooms   map[domain.RoomID]domain.RoomListing
	members map[domain.RoomID]map[domain.UserID]struct{}
	now     core.Clock
}

type MemoryOption func(*Memory)

func WithMemoryClock(now core.Clock) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		rooms:   make(map[domain.RoomID]domain.RoomListing),
		members: make(map[domain.RoomID]map[domain.UserID]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed inserts listings as they are, replacing rooms with the same id.
func (m *Memory) Seed(rooms ...domain.RoomListing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rooms {
		m.rooms[r.ID] = r.Clone()
	}
}

func (m *Memory) filter(keep func(domain.RoomListing) bool) []domain.RoomListing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RoomListing, 0, len(m.rooms))
	for _, r := range m.rooms {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.RoomListing) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (m *Memory) FindAll(context.Context) ([]domain.RoomListing, error) {
	return m.filter(func(domain.RoomListing) bool { return true }), nil
}

func (m *Memory) FindActive(context.Context) ([]domain.RoomListing, error) {
	now := m.now()
	return m.filter(func(r domain.RoomListing) bool {
		return r.ActivityStatus(now) == domain.ActivityActive
	}), nil
}

func (m *Memory) FindByID(_ context.Context, id domain.RoomID) (domain.RoomListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return domain.RoomListing{}, domain.ErrRoomNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) FindByGenre(_ context.Context, genre string) ([]domain.RoomListing, error) {
	return m.filter(func(r domain.RoomListing) bool { return r.HasGenre(genre) }), nil
}

func (m *Memory) SearchByText(_ context.Context, term string) ([]domain.RoomListing, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	return m.filter(func(r domain.RoomListing) bool {
		if term == "" {
			return true
		}
		if strings.Contains(strings.ToLower(r.Name), term) ||
			strings.Contains(strings.ToLower(r.Description), term) ||
			strings.Contains(strings.ToLower(r.OwnerUsername), term) {
			return true
		}
		return slices.ContainsFunc(r.Genres, func(g string) bool {
			return strings.Contains(strings.ToLower(g), term)
		})
	}), nil
}

func (m *Memory) FindAvailable(context.Context) ([]domain.RoomListing, error) {
	return m.filter(func(r domain.RoomListing) bool { return !r.IsPrivate && !r.IsFull() }), nil
}

func (m *Memory) GetStatistics(ctx context.Context) (domain.LobbyStatistics, error) {
	rooms, _ := m.FindAll(ctx)
	return search.Statistics(rooms, m.now()), nil
}

// Refresh is a no-op: the memory store is always current.
func (m *Memory) Refresh(context.Context) error { return nil }

func (m *Memory) ClearInactive(_ context.Context, maxAge time.Duration) ([]domain.RoomListing, error) {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []domain.RoomListing
	for id, r := range m.rooms {
		if r.LastActivity.Before(cutoff) {
			removed = append(removed, r)
			delete(m.rooms, id)
			delete(m.members, id)
		}
	}
	slices.SortFunc(removed, func(a, b domain.RoomListing) int { return strings.Compare(string(a.ID), string(b.ID)) })
	if len(removed) > 0 {
		log.Info().Str("module", "adapters.repo").Int("removed", len(removed)).Msg("cleared inactive rooms")
	}
	return removed, nil
}

// Project applies a lifecycle event produced elsewhere.
func (m *Memory) Project(_ context.Context, ev events.Lifecycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ev.RoomID()
	r, exists := m.rooms[id]
	if _, created := ev.(events.RoomCreated); !exists && !created {
		return domain.ErrRoomNotFound
	}
	keep, err := project(&r, ev, ev.OccurredOn())
	if err != nil {
		return err
	}
	if !keep {
		delete(m.rooms, id)
		delete(m.members, id)
		return nil
	}
	m.rooms[id] = r
	return nil
}

func (m *Memory) Create(_ context.Context, req CreateRoom) (events.RoomCreated, error) {
	if err := req.validate(); err != nil {
		return events.RoomCreated{}, err
	}
	now := m.now()
	room := domain.RoomListing{
		ID:            domain.RoomID(uuid.NewString()),
		Name:          strings.TrimSpace(req.Name),
		OwnerID:       req.OwnerID,
		OwnerUsername: req.OwnerUsername,
		MemberCount:   1,
		MaxMembers:    req.MaxMembers,
		Genres:        slices.Clone(req.Genres),
		Description:   req.Description,
		IsPrivate:     req.IsPrivate,
		CreatedAt:     now,
		LastActivity:  now,
	}
	m.mu.Lock()
	m.rooms[room.ID] = room
	m.members[room.ID] = map[domain.UserID]struct{}{req.OwnerID: {}}
	m.mu.Unlock()
	return events.NewRoomCreated(room), nil
}

func (m *Memory) Close(_ context.Context, id domain.RoomID, reason string) (events.RoomClosed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; !ok {
		return events.RoomClosed{}, domain.ErrRoomNotFound
	}
	delete(m.rooms, id)
	delete(m.members, id)
	return events.NewRoomClosed(id, reason), nil
}

// Join adds uid to the room. Joining twice does not change the count.
func (m *Memory) Join(_ context.Context, id domain.RoomID, uid domain.UserID, username string) (events.MemberJoined, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return events.MemberJoined{}, domain.ErrRoomNotFound
	}
	set := m.members[id]
	if set == nil {
		set = make(map[domain.UserID]struct{})
		m.members[id] = set
	}
	if _, in := set[uid]; !in {
		if !r.CanUserJoin(uid) {
			if r.IsFull() {
				return events.MemberJoined{}, ErrRoomFull
			}
			return events.MemberJoined{}, fmt.Errorf("%w: room is private", ErrInvalidRoom)
		}
		set[uid] = struct{}{}
		r.MemberCount++
	}
	r.LastActivity = m.now()
	m.rooms[id] = r
	return events.NewMemberJoined(id, uid, username, r.MemberCount), nil
}

func (m *Memory) Leave(_ context.Context, id domain.RoomID, uid domain.UserID) (events.MemberLeft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return events.MemberLeft{}, domain.ErrRoomNotFound
	}
	if _, in := m.members[id][uid]; in {
		delete(m.members[id], uid)
		r.MemberCount = max(r.MemberCount-1, 0)
	}
	r.LastActivity = m.now()
	m.rooms[id] = r
	return events.NewMemberLeft(id, uid, r.MemberCount), nil
}

func (m *Memory) Update(_ context.Context, id domain.RoomID, changes map[string]any) (events.RoomSettingsUpdated, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return events.RoomSettingsUpdated{}, domain.ErrRoomNotFound
	}
	next := r.Clone()
	if err := applyChanges(&next, changes); err != nil {
		return events.RoomSettingsUpdated{}, err
	}
	next.LastActivity = m.now()
	m.rooms[id] = next
	return events.NewRoomSettingsUpdated(id, changes), nil
}

func (m *Memory) TransferOwnership(_ context.Context, id domain.RoomID, to domain.UserID, username string) (events.OwnershipTransferred, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return events.OwnershipTransferred{}, domain.ErrRoomNotFound
	}
	from := r.OwnerID
	r.OwnerID, r.OwnerUsername = to, username
	r.LastActivity = m.now()
	m.rooms[id] = r
	return events.NewOwnershipTransferred(id, from, to, username), nil
}

// DemoRooms is the listing set loaded when seeding is enabled.
func DemoRooms(now time.Time) []domain.RoomListing {
	return []domain.RoomListing{
		{ID: "demo-jazz", Name: "Jazz Night", OwnerID: "demo-ann", OwnerUsername: "ann", MemberCount: 3, MaxMembers: 8, Genres: []string{"jazz"}, Description: "late standards", CreatedAt: now.Add(-2 * time.Hour), LastActivity: now},
		{ID: "demo-rock", Name: "Rock Jam", OwnerID: "demo-bob", OwnerUsername: "bob", MemberCount: 6, MaxMembers: 8, Genres: []string{"rock", "blues"}, CreatedAt: now.Add(-time.Hour), LastActivity: now},
		{ID: "demo-lofi", Name: "Lo-fi Study", OwnerID: "demo-cy", OwnerUsername: "cy", MemberCount: 1, MaxMembers: 4, Genres: []string{"lofi"}, CreatedAt: now.Add(-3 * time.Hour), LastActivity: now.Add(-10 * time.Minute)},
	}
}
