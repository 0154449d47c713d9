package events

import (
	"time"

	"github.com/dkeye/Lobby/internal/domain"
)

const (
	TypeRoomListingsRefreshed        = "RoomListingsRefreshed"
	TypeRoomLobbyStatusChanged       = "RoomLobbyStatusChanged"
	TypePopularRoomsCalculated       = "PopularRoomsCalculated"
	TypeRoomRecommendationsGenerated = "RoomRecommendationsGenerated"
	TypeLobbyMetricsCollected        = "LobbyMetricsCollected"
	TypeRoomSearchPerformed          = "RoomSearchPerformed"
	TypeRoomViewed                   = "RoomViewed"
	TypeRoomJoinAttempted            = "RoomJoinAttempted"
)

type RoomListingsRefreshed struct {
	Base
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

func NewRoomListingsRefreshed(created, updated, deleted int) RoomListingsRefreshed {
	return RoomListingsRefreshed{Base: NewBase(LobbyAggregate), Created: created, Updated: updated, Deleted: deleted}
}

func (RoomListingsRefreshed) EventType() string { return TypeRoomListingsRefreshed }

type RoomLobbyStatusChanged struct {
	Base
	Status domain.RoomStatus `json:"status"`
}

func NewRoomLobbyStatusChanged(status domain.RoomStatus) RoomLobbyStatusChanged {
	return RoomLobbyStatusChanged{Base: NewBase(string(status.RoomID)), Status: status}
}

func (RoomLobbyStatusChanged) EventType() string { return TypeRoomLobbyStatusChanged }

type PopularRoomsCalculated struct {
	Base
	RoomIDs []domain.RoomID `json:"roomIds"`
	Took    time.Duration   `json:"took"`
}

func NewPopularRoomsCalculated(ids []domain.RoomID, took time.Duration) PopularRoomsCalculated {
	return PopularRoomsCalculated{Base: NewBase(LobbyAggregate), RoomIDs: ids, Took: took}
}

func (PopularRoomsCalculated) EventType() string { return TypePopularRoomsCalculated }

type RoomRecommendationsGenerated struct {
	Base
	UserID  domain.UserID   `json:"userId"`
	Genres  []string        `json:"genres,omitempty"`
	RoomIDs []domain.RoomID `json:"roomIds"`
	Took    time.Duration   `json:"took"`
}

func NewRoomRecommendationsGenerated(uid domain.UserID, genres []string, ids []domain.RoomID, took time.Duration) RoomRecommendationsGenerated {
	return RoomRecommendationsGenerated{
		Base:    NewBase(string(uid)),
		UserID:  uid,
		Genres:  genres,
		RoomIDs: ids,
		Took:    took,
	}
}

func (RoomRecommendationsGenerated) EventType() string { return TypeRoomRecommendationsGenerated }

type LobbyMetricsCollected struct {
	Base
	Metrics domain.LobbyMetrics `json:"metrics"`
}

func NewLobbyMetricsCollected(m domain.LobbyMetrics) LobbyMetricsCollected {
	return LobbyMetricsCollected{Base: NewBase(LobbyAggregate), Metrics: m}
}

func (LobbyMetricsCollected) EventType() string { return TypeLobbyMetricsCollected }

type RoomSearchPerformed struct {
	Base
	CacheKey    string        `json:"cacheKey"`
	SearchTerm  string        `json:"searchTerm,omitempty"`
	Genres      []string      `json:"genres,omitempty"`
	ResultCount int           `json:"resultCount"`
	CacheHit    bool          `json:"cacheHit"`
	Took        time.Duration `json:"took"`
}

func NewRoomSearchPerformed(c domain.SearchCriteria, resultCount int, cacheHit bool, took time.Duration) RoomSearchPerformed {
	return RoomSearchPerformed{
		Base:        NewBase(LobbyAggregate),
		CacheKey:    c.CacheKey(),
		SearchTerm:  c.SearchTerm(),
		Genres:      c.Genres(),
		ResultCount: resultCount,
		CacheHit:    cacheHit,
		Took:        took,
	}
}

func (RoomSearchPerformed) EventType() string { return TypeRoomSearchPerformed }

type RoomViewed struct {
	Base
	UserID domain.UserID `json:"userId"`
	Source string        `json:"viewSource,omitempty"`
}

func NewRoomViewed(id domain.RoomID, uid domain.UserID, source string) RoomViewed {
	return RoomViewed{Base: NewBase(string(id)), UserID: uid, Source: source}
}

func (RoomViewed) EventType() string { return TypeRoomViewed }

type RoomJoinAttempted struct {
	Base
	UserID domain.UserID `json:"userId"`
	Method string        `json:"joinMethod,omitempty"`
}

func NewRoomJoinAttempted(id domain.RoomID, uid domain.UserID, method string) RoomJoinAttempted {
	return RoomJoinAttempted{Base: NewBase(string(id)), UserID: uid, Method: method}
}

func (RoomJoinAttempted) EventType() string { return TypeRoomJoinAttempted }
