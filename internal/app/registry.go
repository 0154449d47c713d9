package app

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/metrics"
)

type sessionEntry struct {
	Session core.Session
	Cancel  context.CancelFunc
	Groups  map[core.GroupName]struct{}
}

// Registry tracks connected lobby sessions and their broadcast groups.
// It is the Broadcaster the lobby components talk to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[core.SessionID]*domain.User
	peak     int

	groups *groupSet
	policy Policy
}

func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[core.SessionID]*domain.User),
		groups:   newGroupSet(),
		policy:   policy,
	}
}

func (r *Registry) GetOrCreateUser(sid core.SessionID) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[sid]; ok {
		return u
	}
	u := domain.NewGuest(domain.UserID(sid))
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("created new user")
	return u
}

func (r *Registry) UpdateUsername(sid core.SessionID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[sid]
	if !ok {
		return nil
	}
	if err := u.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("username", name).Msg("updated username")
	return nil
}

// Bind registers a live connection and subscribes it to the lobby group.
// A previous connection with the same sid is cancelled.
func (r *Registry) Bind(sid core.SessionID, sess core.Session, cancel context.CancelFunc) {
	r.mu.Lock()
	prev, replaced := r.sessions[sid]
	r.sessions[sid] = &sessionEntry{
		Session: sess,
		Cancel:  cancel,
		Groups:  map[core.GroupName]struct{}{core.LobbyGroup: {}},
	}
	r.peak = max(r.peak, len(r.sessions))
	r.mu.Unlock()

	if replaced {
		for g := range prev.Groups {
			r.groups.leave(g, sid)
		}
		if prev.Cancel != nil {
			prev.Cancel()
		}
	} else {
		metrics.LobbyConnections.Inc()
	}
	r.groups.join(core.LobbyGroup, sid, sess)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Bool("replaced", replaced).Msg("bound session")
}

func (r *Registry) GetSession(sid core.SessionID) (core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind drops sid from every group. It is a no-op when sess no longer owns
// sid, so a replaced connection cannot unbind its successor.
func (r *Registry) Unbind(sid core.SessionID, sess core.Session) {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if !ok || (sess != nil && e.Session != sess) {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sid)
	r.mu.Unlock()

	for g := range e.Groups {
		r.groups.leave(g, sid)
	}
	metrics.LobbyConnections.Dec()
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

// Subscribe adds sid to group. It reports false for unknown sessions.
func (r *Registry) Subscribe(sid core.SessionID, group core.GroupName) bool {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if ok {
		e.Groups[group] = struct{}{}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.groups.join(group, sid, e.Session)
	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Str("group", string(group)).Msg("subscribed")
	return true
}

func (r *Registry) Unsubscribe(sid core.SessionID, group core.GroupName) bool {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if ok {
		delete(e.Groups, group)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.groups.leave(group, sid)
	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Str("group", string(group)).Msg("unsubscribed")
	return true
}

func (r *Registry) GroupsOf(sid core.SessionID) []core.GroupName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	out := make([]core.GroupName, 0, len(e.Groups))
	for g := range e.Groups {
		out = append(out, g)
	}
	return out
}

func (r *Registry) Groups() []GroupInfo { return r.groups.list() }

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PeakConnections returns the highest connection count since the previous
// call and starts a new window at the current count.
func (r *Registry) PeakConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peak
	r.peak = len(r.sessions)
	return p
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

// Kick removes sid from every group and cancels its connection.
func (r *Registry) Kick(sid core.SessionID) {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.Cancel(sid)
	r.Unbind(sid, e.Session)
}

// Broadcast encodes msg once and fans it out to group. Sessions that cannot
// keep up are handled by the policy.
func (r *Registry) Broadcast(_ context.Context, group core.GroupName, msg core.Message) error {
	g, ok := r.groups.get(group)
	if !ok {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	res := g.Broadcast(core.Frame(data))
	metrics.BroadcastsSent.WithLabelValues(msg.Type).Inc()

	for _, sid := range res.Dropped {
		sess, ok := r.GetSession(sid)
		if !ok {
			continue
		}
		switch r.policy.OnBackPressure(g, sess) {
		case KickMember:
			log.Warn().Str("module", "app.registry").Str("sid", string(sid)).Str("group", string(group)).Msg("kicking slow session")
			r.Kick(sid)
		case MarkSlow, DropFrame, NoAction:
		}
	}
	return nil
}
