package app

import "github.com/dkeye/Lobby/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a session whose send buffer is full.
type Policy interface {
	OnBackPressure(group core.GroupService, sess core.Session) BackpressureAction
}

// SimplePolicy kicks slow consumers. A kicked lobby client reconnects and
// re-reads the listing, which is cheaper than queueing stale updates for it.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.GroupService, core.Session) BackpressureAction {
	return KickMember
}

// DropPolicy drops the frame for the slow session and keeps it connected.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(core.GroupService, core.Session) BackpressureAction {
	return DropFrame
}
