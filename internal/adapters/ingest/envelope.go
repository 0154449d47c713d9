// Package ingest carries room lifecycle notifications from the room service
// into the lobby. Messages travel over watermill as JSON envelopes, are
// decoded once into the closed event set and published on the bus.
package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown event type")
)

// Envelope is the wire format shared with the room service.
type Envelope struct {
	Type        string          `json:"type"`
	EventID     string          `json:"eventId,omitempty"`
	AggregateID string          `json:"aggregateId"`
	OccurredOn  time.Time       `json:"occurredOn"`
	Payload     json.RawMessage `json:"payload"`
}

// Encode wraps ev in an envelope.
func Encode(ev events.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.EventType(), err)
	}
	return json.Marshal(Envelope{
		Type:        ev.EventType(),
		EventID:     ev.EventID(),
		AggregateID: ev.AggregateID(),
		OccurredOn:  ev.OccurredOn(),
		Payload:     payload,
	})
}

// Decode parses an envelope into a lifecycle event or a RoomActivity.
func Decode(data []byte) (events.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.AggregateID == "" {
		return nil, fmt.Errorf("%w: aggregateId is required", ErrMalformed)
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}

	base := events.RestoreBase(env.EventID, env.AggregateID, env.OccurredOn)
	room := events.RoomEvent{Base: base}

	switch env.Type {
	case events.TypeRoomCreated:
		ev := events.RoomCreated{}
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if ev.Room.ID == "" {
			ev.Room.ID = domain.RoomID(env.AggregateID)
		}
		if string(ev.Room.ID) != env.AggregateID {
			return nil, fmt.Errorf("%w: room id %q does not match aggregate %q", ErrMalformed, ev.Room.ID, env.AggregateID)
		}
		if ev.Room.Name == "" {
			return nil, fmt.Errorf("%w: room name is required", ErrMalformed)
		}
		ev.RoomEvent = room
		return ev, nil
	case events.TypeRoomClosed:
		ev := events.RoomClosed{}
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		ev.RoomEvent = room
		return ev, nil
	case events.TypeMemberJoined:
		ev := events.MemberJoined{}
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if ev.MemberCount < 0 {
			return nil, fmt.Errorf("%w: negative member count", ErrMalformed)
		}
		ev.RoomEvent = room
		return ev, nil
	case events.TypeMemberLeft:
		ev := events.MemberLeft{}
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if ev.MemberCount < 0 {
			return nil, fmt.Errorf("%w: negative member count", ErrMalformed)
		}
		ev.RoomEvent = room
		return ev, nil
	case events.TypeOwnershipTransferred:
		ev := events.OwnershipTransferred{}
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if ev.NewOwnerID == "" {
			return nil, fmt.Errorf("%w: newOwnerId is required", ErrMalformed)
		}
		ev.RoomEvent = room
		return ev, nil
	case events.TypeRoomSettingsUpdated:
		ev := events.RoomSettingsUpdated{}
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if len(ev.Changes) == 0 {
			return nil, fmt.Errorf("%w: changes are required", ErrMalformed)
		}
		ev.RoomEvent = room
		return ev, nil
	case events.TypeRoomActivity:
		ev := events.RoomActivity{}
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if ev.Kind == "" {
			return nil, fmt.Errorf("%w: kind is required", ErrMalformed)
		}
		ev.Base = base
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func unmarshal(env Envelope, into any) error {
	if err := json.Unmarshal(env.Payload, into); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
