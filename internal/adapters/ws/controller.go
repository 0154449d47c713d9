// Package ws serves the lobby over a WebSocket: clients send {type,...}
// requests and receive replies plus the broadcasts of the groups they are
// subscribed to.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/app"
	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

const sendBuffer = 64

// Lobby is the query side the socket exposes.
type Lobby interface {
	BrowseRooms(ctx context.Context, c domain.SearchCriteria, uid domain.UserID) domain.SearchResult
	SearchRooms(ctx context.Context, term string, uid domain.UserID, limit int) (domain.SearchResult, error)
	PopularRooms(ctx context.Context, limit int) []domain.RoomListing
	RecommendedRooms(ctx context.Context, uid domain.UserID, genres []string, limit int) []domain.RoomListing
	RoomsByGenre(ctx context.Context, genre string, uid domain.UserID, limit int) []domain.RoomListing
	AvailableRooms(ctx context.Context, uid domain.UserID, limit int) []domain.RoomListing
	Statistics(ctx context.Context) domain.LobbyStatistics
	RecordRoomView(ctx context.Context, id domain.RoomID, uid domain.UserID, source string)
	RecordJoinAttempt(ctx context.Context, id domain.RoomID, uid domain.UserID, method string)
}

type Controller struct {
	lobby      Lobby
	registry   *app.Registry
	rateLimit  config.RateLimitConfig
	readLimit  int64
	pingPeriod time.Duration
	now        core.Clock
	ops        map[string]operation
}

func NewController(cfg *config.Config, lobby Lobby, registry *app.Registry) *Controller {
	ctl := &Controller{
		lobby:      lobby,
		registry:   registry,
		rateLimit:  cfg.Lobby.RateLimit,
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
		now:        time.Now,
	}
	ctl.ops = ctl.operations()
	return ctl
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is the per-connection state shared by the pumps.
type client struct {
	sid     core.SessionID
	conn    *wsConn
	limiter *opLimiter
}

// HandleLobby upgrades the request and runs the connection until the client
// leaves, ctx ends or the registry cancels it.
func (ctl *Controller) HandleLobby(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "adapters.ws").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("ws upgrade")
		return
	}

	cl := &client{
		sid:     sid,
		conn:    newConn(ws, sendBuffer),
		limiter: newOpLimiter(ctl.rateLimit),
	}
	user := ctl.registry.GetOrCreateUser(sid)
	sess := core.NewSession(user, cl.conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.registry.Bind(sid, sess, cancel)

	go ctl.writePump(ctx, cl)
	go func() {
		ctl.readPump(ctx, cl)
		cancel()
		ctl.registry.Unbind(sid, sess)
	}()
}
