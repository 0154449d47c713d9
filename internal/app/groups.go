package app

import (
	"sync"

	"github.com/dkeye/Lobby/internal/core"
)

// groupSet owns the broadcast groups by name. Empty groups are dropped.
type groupSet struct {
	mu     sync.RWMutex
	groups map[core.GroupName]core.GroupService
}

func newGroupSet() *groupSet {
	return &groupSet{groups: make(map[core.GroupName]core.GroupService)}
}

func (f *groupSet) get(name core.GroupName) (core.GroupService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	g, ok := f.groups[name]
	return g, ok
}

// join adds sess to the named group, creating the group on first use.
func (f *groupSet) join(name core.GroupName, sid core.SessionID, sess core.Session) {
	f.mu.RLock()
	g, ok := f.groups[name]
	if ok {
		g.AddMember(sid, sess)
		f.mu.RUnlock()
		return
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok = f.groups[name]; !ok {
		g = core.NewGroupService(name)
		f.groups[name] = g
	}
	g.AddMember(sid, sess)
}

// leave removes sid from the group and deletes the group once it is empty.
func (f *groupSet) leave(name core.GroupName, sid core.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[name]
	if !ok {
		return
	}
	g.RemoveMember(sid)
	if g.MemberCount() == 0 {
		delete(f.groups, name)
	}
}

// GroupInfo is a point-in-time view of one group.
type GroupInfo struct {
	Name        core.GroupName `json:"name"`
	MemberCount int            `json:"memberCount"`
}

func (f *groupSet) list() []GroupInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]GroupInfo, 0, len(f.groups))
	for name, g := range f.groups {
		out = append(out, GroupInfo{Name: name, MemberCount: g.MemberCount()})
	}
	return out
}
