package reconciler

import (
	"maps"
	"time"

	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
)

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Change is the pending net update for one room.
type Change struct {
	RoomID  domain.RoomID
	Type    ChangeType
	Changes map[string]any
	At      time.Time
	// Room is the listing carried by a creation event, used when the
	// repository cannot resolve the room yet.
	Room *domain.RoomListing
}

// Merge folds next into c. Fields are unioned with next winning, the later
// timestamp is kept, and the type follows the room's net lifecycle: a deletion
// always wins, and a room created in this window stays "created".
func (c Change) Merge(next Change) Change {
	out := Change{
		RoomID:  c.RoomID,
		Type:    mergeType(c.Type, next.Type),
		Changes: make(map[string]any, len(c.Changes)+len(next.Changes)),
		At:      c.At,
		Room:    c.Room,
	}
	maps.Copy(out.Changes, c.Changes)
	maps.Copy(out.Changes, next.Changes)
	if next.At.After(out.At) {
		out.At = next.At
	}
	if next.Room != nil {
		out.Room = next.Room
	}
	return out
}

func mergeType(prev, next ChangeType) ChangeType {
	switch {
	case next == ChangeDeleted:
		return ChangeDeleted
	case prev == ChangeDeleted && next == ChangeCreated:
		return ChangeCreated
	case prev == ChangeDeleted:
		return ChangeDeleted
	case prev == ChangeCreated:
		return ChangeCreated
	default:
		return next
	}
}

// FromEvent normalizes a lifecycle event into a pending change.
func FromEvent(ev events.Lifecycle) Change {
	c := Change{
		RoomID:  ev.RoomID(),
		Type:    ChangeUpdated,
		Changes: map[string]any{},
		At:      ev.OccurredOn(),
	}
	switch e := ev.(type) {
	case events.RoomCreated:
		room := e.Room.Clone()
		c.Type = ChangeCreated
		c.Room = &room
		c.Changes["memberCount"] = room.MemberCount
	case events.RoomClosed:
		c.Type = ChangeDeleted
		if e.Reason != "" {
			c.Changes["reason"] = e.Reason
		}
	case events.MemberJoined:
		c.Changes["memberCount"] = e.MemberCount
		c.Changes["lastJoinedUserId"] = e.UserID
	case events.MemberLeft:
		c.Changes["memberCount"] = e.MemberCount
		c.Changes["lastLeftUserId"] = e.UserID
	case events.OwnershipTransferred:
		c.Changes["ownerId"] = e.NewOwnerID
		c.Changes["ownerUsername"] = e.NewOwnerUsername
	case events.RoomSettingsUpdated:
		maps.Copy(c.Changes, e.Changes)
	}
	return c
}
