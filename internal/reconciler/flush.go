package reconciler

import (
	"context"
	"errors"
	"slices"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
	"github.com/dkeye/Lobby/internal/metrics"
)

type resolved struct {
	created []domain.RoomListing
	updated []domain.RoomListing
	deleted []domain.RoomListing
}

func (r *Reconciler) flush(ctx context.Context, trigger string, batch map[domain.RoomID]Change) FlushReport {
	rep := FlushReport{Trigger: trigger}
	if len(batch) == 0 {
		return rep
	}
	metrics.ReconcilerFlushes.WithLabelValues(trigger).Inc()
	metrics.ReconcilerBatchSize.Observe(float64(len(batch)))

	known := make(map[domain.RoomID]domain.RoomListing)
	if rooms, ok := r.deps.Cache.RoomListings(); ok {
		for _, room := range rooms {
			known[room.ID] = room
		}
	}

	ids := make([]domain.RoomID, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var res resolved
	for _, id := range ids {
		if err := r.resolve(ctx, batch[id], known, &res); err != nil {
			rep.Failed++
			r.logger.Error().Err(err).Str("room_id", string(id)).Msg("resolve pending change")
		}
	}
	rep.Created, rep.Updated, rep.Deleted = len(res.created), len(res.updated), len(res.deleted)

	now := r.now()
	r.broadcastGroup(ctx, MsgBatchCreated, res.created)
	r.broadcastGroup(ctx, MsgBatchUpdated, res.updated)
	r.broadcastGroup(ctx, MsgBatchDeleted, res.deleted)

	if rep.Total() >= r.cfg.StatsThreshold && r.deps.Stats != nil {
		stats := r.deps.Stats.Statistics(ctx)
		r.broadcast(ctx, core.NewMessage(MsgStatisticsUpdated, map[string]any{
			"statistics": stats,
			"timestamp":  now,
		}))
	}

	if r.deps.Bus != nil && rep.Total() > 0 {
		ev := events.NewRoomListingsRefreshed(rep.Created, rep.Updated, rep.Deleted)
		if err := r.deps.Bus.Publish(ctx, ev); err != nil {
			r.logger.Warn().Err(err).Msg("publish listings refreshed")
		}
	}

	r.logger.Debug().
		Str("trigger", trigger).
		Int("created", rep.Created).
		Int("updated", rep.Updated).
		Int("deleted", rep.Deleted).
		Int("failed", rep.Failed).
		Msg("flushed pending changes")
	return rep
}

// resolve turns one pending change into a cache mutation. Errors stay scoped
// to this room.
func (r *Reconciler) resolve(ctx context.Context, c Change, known map[domain.RoomID]domain.RoomListing, res *resolved) error {
	if c.Type == ChangeDeleted {
		r.deps.Cache.RemoveRoom(c.RoomID)
		res.deleted = append(res.deleted, lastKnown(c, known))
		return nil
	}

	room, err := r.deps.Repo.FindByID(ctx, c.RoomID)
	switch {
	case errors.Is(err, domain.ErrRoomNotFound) && c.Room == nil:
		// closed before we got to it
		r.deps.Cache.RemoveRoom(c.RoomID)
		res.deleted = append(res.deleted, lastKnown(c, known))
		return nil
	case err != nil && c.Room != nil:
		r.logger.Warn().Err(err).Str("room_id", string(c.RoomID)).Msg("using listing from creation event")
		room = c.Room.Clone()
	case err != nil:
		return err
	}

	r.deps.Cache.UpsertRoom(room)
	if c.Type == ChangeCreated {
		res.created = append(res.created, room)
	} else {
		res.updated = append(res.updated, room)
	}
	return nil
}

func lastKnown(c Change, known map[domain.RoomID]domain.RoomListing) domain.RoomListing {
	if room, ok := known[c.RoomID]; ok {
		return room
	}
	if c.Room != nil {
		return c.Room.Clone()
	}
	return domain.RoomListing{ID: c.RoomID}
}

func (r *Reconciler) broadcastGroup(ctx context.Context, typ string, rooms []domain.RoomListing) {
	if len(rooms) == 0 {
		return
	}
	now := r.now()
	r.broadcast(ctx, core.NewMessage(typ, map[string]any{
		"rooms":     domain.Views(rooms, now),
		"count":     len(rooms),
		"timestamp": now,
	}))
}

func (r *Reconciler) broadcast(ctx context.Context, msg core.Message) {
	if r.deps.Broadcaster == nil {
		return
	}
	if err := r.deps.Broadcaster.Broadcast(ctx, core.LobbyGroup, msg); err != nil {
		r.logger.Warn().Err(err).Str("type", msg.Type).Msg("broadcast failed")
	}
}

func (r *Reconciler) publishMetrics(ctx context.Context) {
	if r.deps.Metrics == nil || r.deps.Bus == nil {
		return
	}
	m := r.deps.Metrics.Metrics(ctx)
	if err := r.deps.Bus.Publish(ctx, events.NewLobbyMetricsCollected(m)); err != nil {
		r.logger.Warn().Err(err).Msg("publish lobby metrics")
	}
}
