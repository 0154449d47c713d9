// Package events defines the lobby's domain events and the in-process bus that
// delivers them.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Lobby/internal/domain"
)

// Event is implemented by every value published on the bus.
// EventType is defined on the concrete type, so the zero value of any event
// reports its own type name.
type Event interface {
	EventType() string
	AggregateID() string
	EventID() string
	OccurredOn() time.Time
}

// Base carries the identity shared by all events.
type Base struct {
	ID        string    `json:"eventId"`
	Aggregate string    `json:"aggregateId"`
	At        time.Time `json:"occurredOn"`
}

func NewBase(aggregateID string) Base {
	return Base{
		ID:        uuid.NewString(),
		Aggregate: aggregateID,
		At:        time.Now(),
	}
}

// RestoreBase rebuilds a Base received from another process.
func RestoreBase(eventID, aggregateID string, at time.Time) Base {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	if at.IsZero() {
		at = time.Now()
	}
	return Base{ID: eventID, Aggregate: aggregateID, At: at}
}

func (b Base) AggregateID() string   { return b.Aggregate }
func (b Base) EventID() string       { return b.ID }
func (b Base) OccurredOn() time.Time { return b.At }

// LobbyAggregate is the aggregate id used by lobby-wide notifications.
const LobbyAggregate = "lobby"

// RoomEvent is the base of the closed set of room lifecycle events.
type RoomEvent struct {
	Base
}

func newRoomEvent(id domain.RoomID) RoomEvent {
	return RoomEvent{Base: NewBase(string(id))}
}

func (e RoomEvent) RoomID() domain.RoomID { return domain.RoomID(e.Aggregate) }

func (RoomEvent) lifecycle() {}

// Lifecycle is implemented only by the room lifecycle events of this package.
type Lifecycle interface {
	Event
	RoomID() domain.RoomID
	lifecycle()
}
