package core

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkeye/Lobby/internal/domain"
)

//go:generate mockgen -destination=mocks/mock_core.go -package=mocks github.com/dkeye/Lobby/internal/core RoomRepository,Broadcaster

// Frame is an encoded outbound message.
type Frame []byte

type SessionID string

// SignalConnection abstracts the lobby messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Session binds a lobby user and its transport endpoint.
// This is what a broadcast group stores and fans out to.
type Session interface {
	User() *domain.User
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to the registry.
type PublishResult struct {
	SendTo  int
	Dropped []SessionID
}

type GroupName string

// LobbyGroup is the default group every lobby connection subscribes to.
const LobbyGroup GroupName = "lobby"

// Message is an outbound notification. Fields sit next to "type" on the wire.
type Message struct {
	Type   string
	Fields map[string]any
}

func NewMessage(typ string, fields map[string]any) Message {
	return Message{Type: typ, Fields: fields}
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["type"] = m.Type
	return json.Marshal(out)
}

// Broadcaster delivers a message to every session subscribed to group.
type Broadcaster interface {
	Broadcast(ctx context.Context, group GroupName, msg Message) error
}

// RoomRepository is the authoritative source of room listings.
// FindByID returns domain.ErrRoomNotFound for unknown or closed rooms.
type RoomRepository interface {
	FindAll(ctx context.Context) ([]domain.RoomListing, error)
	FindActive(ctx context.Context) ([]domain.RoomListing, error)
	FindByID(ctx context.Context, id domain.RoomID) (domain.RoomListing, error)
	FindByGenre(ctx context.Context, genre string) ([]domain.RoomListing, error)
	SearchByText(ctx context.Context, term string) ([]domain.RoomListing, error)
	FindAvailable(ctx context.Context) ([]domain.RoomListing, error)
	GetStatistics(ctx context.Context) (domain.LobbyStatistics, error)
	Refresh(ctx context.Context) error
	// ClearInactive removes rooms idle for longer than maxAge and returns them.
	ClearInactive(ctx context.Context, maxAge time.Duration) ([]domain.RoomListing, error)
}

// Clock returns the current time; components take one so tests can steer it.
type Clock func() time.Time
