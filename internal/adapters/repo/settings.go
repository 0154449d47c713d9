// Package repo holds the authoritative room stores: an in-process Memory
// store for development and tests, and a GORM store for sqlite or postgres.
// Both can project lifecycle events received from the room service.
package repo

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrInvalidRoom   = errors.New("invalid room")
	ErrUnknownChange = errors.New("unknown settings field")
)

// CreateRoom carries the fields a new room starts with.
type CreateRoom struct {
	Name          string
	OwnerID       domain.UserID
	OwnerUsername string
	MaxMembers    int
	Genres        []string
	Description   string
	IsPrivate     bool
}

func (c CreateRoom) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRoom)
	}
	if c.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidRoom)
	}
	if c.MaxMembers < 0 {
		return fmt.Errorf("%w: max members must not be negative", ErrInvalidRoom)
	}
	return nil
}

// applyChanges patches a listing with the field set carried by a
// RoomSettingsUpdated event. Values may come straight from decoded JSON.
func applyChanges(r *domain.RoomListing, changes map[string]any) error {
	for key, v := range changes {
		switch key {
		case "name":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: name must be a string", ErrInvalidRoom)
			}
			r.Name = s
		case "description":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: description must be a string", ErrInvalidRoom)
			}
			r.Description = s
		case "isPrivate":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%w: isPrivate must be a bool", ErrInvalidRoom)
			}
			r.IsPrivate = b
		case "maxMembers":
			n, ok := asInt(v)
			if !ok || n < 0 {
				return fmt.Errorf("%w: maxMembers must be a non-negative number", ErrInvalidRoom)
			}
			r.MaxMembers = n
		case "genres":
			g, ok := asStrings(v)
			if !ok {
				return fmt.Errorf("%w: genres must be a list of strings", ErrInvalidRoom)
			}
			r.Genres = g
		default:
			return fmt.Errorf("%w: %s", ErrUnknownChange, key)
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	default:
		return 0, false
	}
}

func asStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...), true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

// project applies one lifecycle event to a listing. It reports false when the
// event removes the room.
func project(r *domain.RoomListing, ev events.Lifecycle, at time.Time) (keep bool, err error) {
	switch e := ev.(type) {
	case events.RoomCreated:
		*r = e.Room.Clone()
		if r.LastActivity.IsZero() {
			r.LastActivity = at
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = at
		}
	case events.RoomClosed:
		return false, nil
	case events.MemberJoined:
		r.MemberCount = e.MemberCount
		r.LastActivity = at
	case events.MemberLeft:
		r.MemberCount = e.MemberCount
		r.LastActivity = at
	case events.OwnershipTransferred:
		r.OwnerID = e.NewOwnerID
		r.OwnerUsername = e.NewOwnerUsername
		r.LastActivity = at
	case events.RoomSettingsUpdated:
		if err := applyChanges(r, e.Changes); err != nil {
			return true, err
		}
		r.LastActivity = at
	default:
		return true, events.ErrUnexpectedEvent
	}
	return true, nil
}
