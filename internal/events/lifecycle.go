package events

import "github.com/dkeye/Lobby/internal/domain"

const (
	TypeRoomCreated          = "RoomCreated"
	TypeRoomClosed           = "RoomClosed"
	TypeMemberJoined         = "MemberJoined"
	TypeMemberLeft           = "MemberLeft"
	TypeOwnershipTransferred = "OwnershipTransferred"
	TypeRoomSettingsUpdated  = "RoomSettingsUpdated"
)

// LifecycleTypes lists every room lifecycle event type.
var LifecycleTypes = []string{
	TypeRoomCreated,
	TypeRoomClosed,
	TypeMemberJoined,
	TypeMemberLeft,
	TypeOwnershipTransferred,
	TypeRoomSettingsUpdated,
}

type RoomCreated struct {
	RoomEvent
	Room domain.RoomListing `json:"room"`
}

func NewRoomCreated(room domain.RoomListing) RoomCreated {
	return RoomCreated{RoomEvent: newRoomEvent(room.ID), Room: room.Clone()}
}

func (RoomCreated) EventType() string { return TypeRoomCreated }

type RoomClosed struct {
	RoomEvent
	Reason string `json:"reason,omitempty"`
}

func NewRoomClosed(id domain.RoomID, reason string) RoomClosed {
	return RoomClosed{RoomEvent: newRoomEvent(id), Reason: reason}
}

func (RoomClosed) EventType() string { return TypeRoomClosed }

type MemberJoined struct {
	RoomEvent
	UserID      domain.UserID `json:"userId"`
	Username    string        `json:"username,omitempty"`
	MemberCount int           `json:"memberCount"`
}

func NewMemberJoined(id domain.RoomID, uid domain.UserID, username string, memberCount int) MemberJoined {
	return MemberJoined{RoomEvent: newRoomEvent(id), UserID: uid, Username: username, MemberCount: memberCount}
}

func (MemberJoined) EventType() string { return TypeMemberJoined }

type MemberLeft struct {
	RoomEvent
	UserID      domain.UserID `json:"userId"`
	MemberCount int           `json:"memberCount"`
}

func NewMemberLeft(id domain.RoomID, uid domain.UserID, memberCount int) MemberLeft {
	return MemberLeft{RoomEvent: newRoomEvent(id), UserID: uid, MemberCount: memberCount}
}

func (MemberLeft) EventType() string { return TypeMemberLeft }

type OwnershipTransferred struct {
	RoomEvent
	PreviousOwnerID  domain.UserID `json:"previousOwnerId"`
	NewOwnerID       domain.UserID `json:"newOwnerId"`
	NewOwnerUsername string        `json:"newOwnerUsername,omitempty"`
}

func NewOwnershipTransferred(id domain.RoomID, from, to domain.UserID, toUsername string) OwnershipTransferred {
	return OwnershipTransferred{
		RoomEvent:        newRoomEvent(id),
		PreviousOwnerID:  from,
		NewOwnerID:       to,
		NewOwnerUsername: toUsername,
	}
}

func (OwnershipTransferred) EventType() string { return TypeOwnershipTransferred }

// RoomSettingsUpdated carries only the settings that changed, keyed by
// listing field name ("name", "isPrivate", "maxMembers", "genres", "description").
type RoomSettingsUpdated struct {
	RoomEvent
	Changes map[string]any `json:"changes"`
}

func NewRoomSettingsUpdated(id domain.RoomID, changes map[string]any) RoomSettingsUpdated {
	cp := make(map[string]any, len(changes))
	for k, v := range changes {
		cp[k] = v
	}
	return RoomSettingsUpdated{RoomEvent: newRoomEvent(id), Changes: cp}
}

func (RoomSettingsUpdated) EventType() string { return TypeRoomSettingsUpdated }

const TypeRoomActivity = "RoomActivity"

// RoomActivity reports fine-grained activity inside a room (audio, notes,
// chat). It feeds the status tracker only and never changes the listing.
type RoomActivity struct {
	Base
	Kind        string        `json:"kind"`
	UserID      domain.UserID `json:"userId,omitempty"`
	OwnerAction bool          `json:"ownerAction,omitempty"`
	MemberCount *int          `json:"memberCount,omitempty"`
}

func NewRoomActivity(id domain.RoomID, kind string, uid domain.UserID, ownerAction bool) RoomActivity {
	return RoomActivity{Base: NewBase(string(id)), Kind: kind, UserID: uid, OwnerAction: ownerAction}
}

func (RoomActivity) EventType() string { return TypeRoomActivity }

func (e RoomActivity) RoomID() domain.RoomID { return domain.RoomID(e.Aggregate) }
