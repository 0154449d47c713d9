// Package http exposes the lobby over gin: the socket endpoint, a REST mirror
// of the socket queries, the lifecycle ingest endpoint and ops routes.
package http

import (
	"context"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/adapters/ws"
	"github.com/dkeye/Lobby/internal/app"
	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/events"
)

const clientTokenKey = "client_token"

// LobbyAPI is the lobby surface served over REST.
type LobbyAPI interface {
	ws.Lobby
	Refresh(ctx context.Context) (int, error)
	CleanupInactive(ctx context.Context, maxAge time.Duration) (int, error)
}

// Ingestor accepts lifecycle envelopes posted by the room service.
type Ingestor interface {
	PublishRaw(ctx context.Context, data []byte) (events.Event, error)
}

type Deps struct {
	Lobby    LobbyAPI
	Registry *app.Registry
	Ingest   Ingestor
}

// ClientTokenMiddleware gives every browser a stable client token kept in
// the session cookie. The token is the lobby session id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("LobbySessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "connections": deps.Registry.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ctl := ws.NewController(cfg, deps.Lobby, deps.Registry)
	h := &handlers{lobby: deps.Lobby, registry: deps.Registry, ingest: deps.Ingest}

	api := r.Group("/api")
	api.GET("/ws/lobby", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws lobby endpoint hit")
		ctl.HandleLobby(ctx, c)
	})
	api.POST("/events", h.ingestEvent)

	lobby := api.Group("/lobby")
	lobby.GET("/rooms", h.browse)
	lobby.GET("/search", h.search)
	lobby.GET("/popular", h.popular)
	lobby.GET("/recommended", h.recommended)
	lobby.GET("/genre/:genre", h.byGenre)
	lobby.GET("/available", h.available)
	lobby.GET("/statistics", h.statistics)
	lobby.GET("/groups", h.groups)
	lobby.POST("/refresh", h.refresh)
	lobby.POST("/cleanup", h.cleanup)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
