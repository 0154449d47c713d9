package domain

import (
	"errors"
	"slices"
	"strings"
	"time"
)

type RoomID string

type CapacityStatus string

const (
	CapacityAvailable  CapacityStatus = "available"
	CapacityNearlyFull CapacityStatus = "nearly-full"
	CapacityFull       CapacityStatus = "full"
)

type ActivityStatus string

const (
	ActivityActive   ActivityStatus = "active"
	ActivityIdle     ActivityStatus = "idle"
	ActivityInactive ActivityStatus = "inactive"
)

const (
	// NearlyFullRatio is the member/capacity ratio at which a room stops being "available".
	NearlyFullRatio = 0.8
	ActiveWindow    = 5 * time.Minute
	IdleWindow      = 30 * time.Minute
)

var ErrRoomNotFound = errors.New("room not found")

// RoomListing is the lobby's read model of a room.
// Capacity and activity statuses are derived on demand and never stored.
type RoomListing struct {
	ID            RoomID    `json:"id"`
	Name          string    `json:"name"`
	OwnerID       UserID    `json:"ownerId"`
	OwnerUsername string    `json:"ownerUsername"`
	MemberCount   int       `json:"memberCount"`
	MaxMembers    int       `json:"maxMembers"`
	Genres        []string  `json:"genres"`
	Description   string    `json:"description,omitempty"`
	IsPrivate     bool      `json:"isPrivate"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

func (r RoomListing) IsFull() bool {
	return r.MaxMembers > 0 && r.MemberCount >= r.MaxMembers
}

func (r RoomListing) CapacityStatus() CapacityStatus {
	switch {
	case r.IsFull():
		return CapacityFull
	case r.MaxMembers > 0 && float64(r.MemberCount) >= float64(r.MaxMembers)*NearlyFullRatio:
		return CapacityNearlyFull
	default:
		return CapacityAvailable
	}
}

func (r RoomListing) ActivityStatus(now time.Time) ActivityStatus {
	idle := now.Sub(r.LastActivity)
	switch {
	case idle < ActiveWindow:
		return ActivityActive
	case idle < IdleWindow:
		return ActivityIdle
	default:
		return ActivityInactive
	}
}

// CanUserJoin reports whether uid may join: the room must have a free seat,
// and private rooms only admit their owner.
func (r RoomListing) CanUserJoin(uid UserID) bool {
	if r.IsFull() {
		return false
	}
	if r.IsPrivate && r.OwnerID != uid {
		return false
	}
	return true
}

func (r RoomListing) HasGenre(genre string) bool {
	for _, g := range r.Genres {
		if strings.EqualFold(g, genre) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy; listings handed out of the cache are always clones.
func (r RoomListing) Clone() RoomListing {
	r.Genres = slices.Clone(r.Genres)
	return r
}

func CloneListings(in []RoomListing) []RoomListing {
	if in == nil {
		return nil
	}
	out := make([]RoomListing, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// RoomListingView is the wire shape sent to lobby clients.
type RoomListingView struct {
	RoomListing
	CapacityStatus CapacityStatus `json:"capacityStatus"`
	ActivityStatus ActivityStatus `json:"activityStatus"`
}

func (r RoomListing) View(now time.Time) RoomListingView {
	return RoomListingView{
		RoomListing:    r.Clone(),
		CapacityStatus: r.CapacityStatus(),
		ActivityStatus: r.ActivityStatus(now),
	}
}

func Views(rooms []RoomListing, now time.Time) []RoomListingView {
	out := make([]RoomListingView, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.View(now))
	}
	return out
}
