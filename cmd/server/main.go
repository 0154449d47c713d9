package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Lobby/internal/adapters/http"
	"github.com/dkeye/Lobby/internal/adapters/ingest"
	"github.com/dkeye/Lobby/internal/adapters/repo"
	"github.com/dkeye/Lobby/internal/app"
	"github.com/dkeye/Lobby/internal/cache"
	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/events"
	"github.com/dkeye/Lobby/internal/lobby"
	"github.com/dkeye/Lobby/internal/reconciler"
	"github.com/dkeye/Lobby/internal/status"
)

const shutdownTimeout = 10 * time.Second

// store is what the lobby needs from a repository backend: queries plus
// projection of ingested lifecycle events.
type store interface {
	core.RoomRepository
	ingest.Projector
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store, error) {
	var s store
	switch cfg.Driver {
	case "memory":
		s = repo.NewMemory()
	default:
		db, err := repo.Open(cfg)
		if err != nil {
			return nil, err
		}
		s = repo.NewGorm(db, time.Now)
	}
	if cfg.Seed {
		for _, room := range repo.DemoRooms(time.Now()) {
			if err := s.Project(ctx, events.NewRoomCreated(room)); err != nil {
				return nil, fmt.Errorf("seed %s: %w", room.ID, err)
			}
		}
		log.Info().Str("module", "app").Msg("seeded demo rooms")
	}
	return s, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open room store")
	}

	bus := events.NewBus()
	lobbyCache := cache.New(cfg.Lobby.Cache)
	registry := app.NewRegistry(app.SimplePolicy{})
	svc := lobby.NewService(st, lobbyCache, bus,
		lobby.WithBroadcaster(registry),
		lobby.WithConnectionStats(registry),
	)
	rec := reconciler.New(cfg.Lobby.Reconciler, reconciler.Deps{
		Repo:        st,
		Cache:       lobbyCache,
		Broadcaster: registry,
		Bus:         bus,
		Stats:       svc,
		Metrics:     svc,
	})
	tracker := status.New(cfg.Lobby.Status, registry, bus)

	wlog := ingest.NewLogger()
	pubsub := ingest.NewGoChannel(cfg.Ingest, wlog)
	defer pubsub.Close()
	consumer, err := ingest.NewConsumer(cfg.Ingest, pubsub, bus, st, wlog, ingest.WithPoisonQueue(pubsub))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build ingest consumer")
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Lobby:    svc,
		Registry: registry,
		Ingest:   ingest.NewPublisher(pubsub, cfg.Ingest.Topic),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup := app.NewSupervisor("lobby", shutdownTimeout)
	sup.Add(app.NewComponentService("cache-sweeper",
		lobbyCache.Start,
		func(context.Context) error { lobbyCache.Shutdown(); return nil },
		shutdownTimeout))
	sup.Add(app.NewComponentService("reconciler", rec.Start, rec.Shutdown, shutdownTimeout))
	sup.Add(app.NewComponentService("status-tracker", tracker.Start, tracker.Shutdown, shutdownTimeout))
	sup.Add(app.NewRunService("ingest-router", consumer.Run))
	sup.Add(app.NewHTTPService(srv, shutdownTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sup.Serve(gctx)
		log.Info().Msg("Shutting down")
		return err
	})
	g.Go(func() error {
		select {
		case <-consumer.Running():
			log.Info().Str("addr", addr).Str("topic", cfg.Ingest.Topic).Msg("Lobby server started")
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervisor stopped")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
