package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/metrics"
)

var (
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrBadPayload    = errors.New("bad payload")
	ErrUnknownOp     = errors.New("unknown operation")
	ErrMissingField  = errors.New("missing field")
	ErrInternal      = errors.New("internal error")
	errNotSubscribed = errors.New("session is not bound")
)

// request is the union of every inbound payload; each op reads its own fields.
type request struct {
	Type            string                 `json:"type"`
	Criteria        *domain.CriteriaParams `json:"criteria,omitempty"`
	UserID          domain.UserID          `json:"userId,omitempty"`
	SearchTerm      string                 `json:"searchTerm,omitempty"`
	Limit           int                    `json:"limit,omitempty"`
	PreferredGenres []string               `json:"preferredGenres,omitempty"`
	Genre           string                 `json:"genre,omitempty"`
	RoomID          domain.RoomID          `json:"roomId,omitempty"`
	ViewSource      string                 `json:"viewSource,omitempty"`
	JoinMethod      string                 `json:"joinMethod,omitempty"`
	PingID          any                    `json:"pingId,omitempty"`
	Timestamp       int64                  `json:"timestamp,omitempty"`
	Name            string                 `json:"name,omitempty"`
}

type opFunc func(ctx context.Context, cl *client, req request) (map[string]any, error)

type operation struct {
	reply string
	run   opFunc
}

func (ctl *Controller) operations() map[string]operation {
	return map[string]operation{
		"browse_rooms":             {"rooms_browsed", ctl.browseRooms},
		"search_rooms":             {"rooms_searched", ctl.searchRooms},
		"get_popular_rooms":        {"popular_rooms", ctl.popularRooms},
		"get_recommended_rooms":    {"recommended_rooms", ctl.recommendedRooms},
		"get_rooms_by_genre":       {"rooms_by_genre", ctl.roomsByGenre},
		"get_available_rooms":      {"available_rooms", ctl.availableRooms},
		"get_lobby_statistics":     {"lobby_statistics", ctl.statistics},
		"view_room_details":        {"room_view_recorded", ctl.viewRoom},
		"attempt_room_join":        {"room_join_attempt_recorded", ctl.attemptJoin},
		"subscribe_room_updates":   {"room_updates_subscribed", ctl.subscribe},
		"unsubscribe_room_updates": {"room_updates_unsubscribed", ctl.unsubscribe},
		"ping_measurement":         {"ping_response", ctl.ping},
		"rename":                   {"whoami", ctl.rename},
		"whoami":                   {"whoami", ctl.whoami},
	}
}

// dispatch answers every request, successful or not, and never lets a
// handler panic escape the connection.
func (ctl *Controller) dispatch(ctx context.Context, cl *client, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Str("sid", string(cl.sid)).Msg("bad json")
		ctl.fail(cl, "error", ErrBadPayload)
		return
	}
	op, ok := ctl.ops[req.Type]
	if !ok {
		log.Warn().Str("module", "adapters.ws").Str("type", req.Type).Msg("unknown op")
		ctl.fail(cl, "error", fmt.Errorf("%w: %q", ErrUnknownOp, req.Type))
		return
	}
	if !cl.limiter.Allow(req.Type) {
		metrics.RateLimited.WithLabelValues(req.Type).Inc()
		ctl.fail(cl, op.reply, ErrRateLimited)
		return
	}

	var (
		fields map[string]any
		err    error
		pc     panics.Catcher
	)
	pc.Try(func() { fields, err = op.run(ctx, cl, req) })
	if r := pc.Recovered(); r != nil {
		log.Error().Err(r.AsError()).Str("module", "adapters.ws").Str("type", req.Type).Msg("handler panic")
		err = ErrInternal
	}
	if err != nil {
		ctl.fail(cl, op.reply, err)
		return
	}
	ctl.ok(cl, op.reply, fields)
}

func (ctl *Controller) ok(cl *client, typ string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	ctl.sendJSON(cl, core.NewMessage(typ, fields))
}

func (ctl *Controller) fail(cl *client, typ string, err error) {
	ctl.sendJSON(cl, core.NewMessage(typ, map[string]any{
		"success": false,
		"error":   err.Error(),
	}))
}

// userOf prefers the id named in the request and falls back to the session.
func userOf(cl *client, req request) domain.UserID {
	if req.UserID != "" {
		return req.UserID
	}
	return domain.UserID(cl.sid)
}

func (ctl *Controller) page(res domain.SearchResult) map[string]any {
	out := map[string]any{
		"rooms":      domain.Views(res.Items, ctl.now()),
		"totalCount": res.TotalCount,
		"hasMore":    res.HasMore,
	}
	if res.NextOffset != nil {
		out["nextOffset"] = *res.NextOffset
	}
	return out
}

func (ctl *Controller) rooms(rooms []domain.RoomListing) map[string]any {
	return map[string]any{
		"rooms": domain.Views(rooms, ctl.now()),
		"count": len(rooms),
	}
}

func (ctl *Controller) browseRooms(ctx context.Context, cl *client, req request) (map[string]any, error) {
	c := domain.DefaultCriteria()
	if req.Criteria != nil {
		var err error
		if c, err = domain.CriteriaFromQuery(*req.Criteria); err != nil {
			return nil, err
		}
	}
	return ctl.page(ctl.lobby.BrowseRooms(ctx, c, userOf(cl, req))), nil
}

func (ctl *Controller) searchRooms(ctx context.Context, cl *client, req request) (map[string]any, error) {
	res, err := ctl.lobby.SearchRooms(ctx, req.SearchTerm, userOf(cl, req), req.Limit)
	if err != nil {
		return nil, err
	}
	out := ctl.page(res)
	out["searchTerm"] = req.SearchTerm
	return out, nil
}

func (ctl *Controller) popularRooms(ctx context.Context, _ *client, req request) (map[string]any, error) {
	return ctl.rooms(ctl.lobby.PopularRooms(ctx, req.Limit)), nil
}

func (ctl *Controller) recommendedRooms(ctx context.Context, cl *client, req request) (map[string]any, error) {
	return ctl.rooms(ctl.lobby.RecommendedRooms(ctx, userOf(cl, req), req.PreferredGenres, req.Limit)), nil
}

func (ctl *Controller) roomsByGenre(ctx context.Context, cl *client, req request) (map[string]any, error) {
	if req.Genre == "" {
		return nil, fmt.Errorf("%w: genre", ErrMissingField)
	}
	out := ctl.rooms(ctl.lobby.RoomsByGenre(ctx, req.Genre, userOf(cl, req), req.Limit))
	out["genre"] = req.Genre
	return out, nil
}

func (ctl *Controller) availableRooms(ctx context.Context, cl *client, req request) (map[string]any, error) {
	return ctl.rooms(ctl.lobby.AvailableRooms(ctx, userOf(cl, req), req.Limit)), nil
}

func (ctl *Controller) statistics(ctx context.Context, _ *client, _ request) (map[string]any, error) {
	return map[string]any{"statistics": ctl.lobby.Statistics(ctx)}, nil
}

func (ctl *Controller) viewRoom(ctx context.Context, cl *client, req request) (map[string]any, error) {
	if req.RoomID == "" {
		return nil, fmt.Errorf("%w: roomId", ErrMissingField)
	}
	ctl.lobby.RecordRoomView(ctx, req.RoomID, userOf(cl, req), req.ViewSource)
	return map[string]any{"roomId": req.RoomID}, nil
}

func (ctl *Controller) attemptJoin(ctx context.Context, cl *client, req request) (map[string]any, error) {
	if req.RoomID == "" {
		return nil, fmt.Errorf("%w: roomId", ErrMissingField)
	}
	ctl.lobby.RecordJoinAttempt(ctx, req.RoomID, userOf(cl, req), req.JoinMethod)
	return map[string]any{"roomId": req.RoomID}, nil
}

func (ctl *Controller) subscribe(_ context.Context, cl *client, _ request) (map[string]any, error) {
	if !ctl.registry.Subscribe(cl.sid, core.LobbyGroup) {
		return nil, errNotSubscribed
	}
	return map[string]any{"group": core.LobbyGroup}, nil
}

func (ctl *Controller) unsubscribe(_ context.Context, cl *client, _ request) (map[string]any, error) {
	if !ctl.registry.Unsubscribe(cl.sid, core.LobbyGroup) {
		return nil, errNotSubscribed
	}
	return map[string]any{"group": core.LobbyGroup}, nil
}

func (ctl *Controller) ping(_ context.Context, _ *client, req request) (map[string]any, error) {
	return map[string]any{
		"pingId":          req.PingID,
		"clientTimestamp": req.Timestamp,
		"serverTimestamp": ctl.now().UnixMilli(),
	}, nil
}

func (ctl *Controller) rename(ctx context.Context, cl *client, req request) (map[string]any, error) {
	if err := ctl.registry.UpdateUsername(cl.sid, req.Name); err != nil {
		return nil, err
	}
	log.Info().Str("module", "adapters.ws").Str("sid", string(cl.sid)).Str("name", req.Name).Msg("rename")
	return ctl.whoami(ctx, cl, req)
}

func (ctl *Controller) whoami(_ context.Context, cl *client, _ request) (map[string]any, error) {
	user := ctl.registry.GetOrCreateUser(cl.sid)
	return map[string]any{
		"userId":   user.ID,
		"username": user.Username,
		"groups":   ctl.registry.GroupsOf(cl.sid),
	}, nil
}
