package status

import (
	"time"

	"github.com/dkeye/Lobby/internal/domain"
)

type Kind string

const (
	KindMemberJoined       Kind = "member_joined"
	KindMemberLeft         Kind = "member_left"
	KindAudioStarted       Kind = "audio_started"
	KindAudioStopped       Kind = "audio_stopped"
	KindNotePlayed         Kind = "note_played"
	KindChatMessage        Kind = "chat_message"
	KindPrivacyChanged     Kind = "privacy_changed"
	KindMemberCountChanged Kind = "member_count_changed"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

const (
	memberWeight = 0.02
	memberCap    = 10
	ownerBoost   = 0.1
)

var baseScores = map[Kind]float64{
	KindMemberJoined:       0.6,
	KindMemberLeft:         0.2,
	KindAudioStarted:       0.8,
	KindAudioStopped:       0.3,
	KindNotePlayed:         0.7,
	KindChatMessage:        0.5,
	KindPrivacyChanged:     0.4,
	KindMemberCountChanged: 0.4,
}

var priorities = map[Kind]Priority{
	KindMemberJoined:       PriorityHigh,
	KindMemberLeft:         PriorityHigh,
	KindPrivacyChanged:     PriorityHigh,
	KindAudioStarted:       PriorityMedium,
	KindAudioStopped:       PriorityMedium,
	KindMemberCountChanged: PriorityMedium,
	KindChatMessage:        PriorityLow,
	KindNotePlayed:         PriorityLow,
}

// Known reports whether k is a recognized signal kind.
func Known(k Kind) bool {
	_, ok := baseScores[k]
	return ok
}

func PriorityOf(k Kind) Priority { return priorities[k] }

// Signal is one activity observation for a room. Nil MemberCount or IsPrivate
// keep the values already tracked for the room.
type Signal struct {
	RoomID      domain.RoomID
	Kind        Kind
	MemberCount *int
	IsPrivate   *bool
	OwnerAction bool
	At          time.Time
}

// Score maps a signal to an activity score in [0,1].
func Score(kind Kind, memberCount int, ownerAction bool) float64 {
	s := baseScores[kind]
	s += float64(min(max(memberCount, 0), memberCap)) * memberWeight
	if ownerAction {
		s += ownerBoost
	}
	return min(max(s, 0), 1)
}
