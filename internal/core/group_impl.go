package core

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// GroupService is a broadcast group: a set of sessions that receive the same
// frames.
type GroupService interface {
	Name() GroupName
	MemberCount() int
	Has(sid SessionID) bool

	AddMember(sid SessionID, s Session)
	RemoveMember(sid SessionID)
	Broadcast(data Frame) PublishResult
}

// groupImpl is a threadsafe in-memory group.
// It never closes adapter-owned resources.
type groupImpl struct {
	name  GroupName
	mu    sync.RWMutex
	bySID map[SessionID]Session
}

func NewGroupService(name GroupName) GroupService {
	return &groupImpl{
		name:  name,
		bySID: make(map[SessionID]Session),
	}
}

func (g *groupImpl) Name() GroupName { return g.name }

func (g *groupImpl) MemberCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.bySID)
}

func (g *groupImpl) Has(sid SessionID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.bySID[sid]
	return ok
}

func (g *groupImpl) AddMember(sid SessionID, s Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bySID[sid] = s
	log.Debug().Str("module", "core.group").Str("group", string(g.name)).Str("sid", string(sid)).Msg("member added")
}

func (g *groupImpl) RemoveMember(sid SessionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bySID, sid)
	log.Debug().Str("module", "core.group").Str("group", string(g.name)).Str("sid", string(sid)).Msg("member removed")
}

func (g *groupImpl) Broadcast(data Frame) PublishResult {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res := PublishResult{}
	for sid, s := range g.bySID {
		if err := s.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.group").Str("group", string(g.name)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
