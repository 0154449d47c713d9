package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
	"github.com/dkeye/Lobby/internal/metrics"
)

const handlerName = "lobby-lifecycle"

func PoisonTopic(topic string) string { return topic + ".poison" }

// Projector writes a lifecycle event into the room store before the lobby
// components hear about it.
type Projector interface {
	Project(ctx context.Context, ev events.Lifecycle) error
}

// Consumer feeds decoded lifecycle messages into the bus.
type Consumer struct {
	router    *message.Router
	bus       *events.Bus
	projector Projector
	logger    zerolog.Logger
}

type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	closeTimeout time.Duration
	maxRetries   int
	retryDelay   time.Duration
	poison       message.Publisher
}

// WithPoisonQueue moves messages that still fail after retries to
// "<topic>.poison" on pub instead of redelivering them.
func WithPoisonQueue(pub message.Publisher) ConsumerOption {
	return func(o *consumerOptions) { o.poison = pub }
}

func WithRetry(maxRetries int, initial time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		o.maxRetries = maxRetries
		o.retryDelay = initial
	}
}

// NewConsumer wires a watermill router reading cfg.Topic from sub.
// projector may be nil when the store is fed some other way.
func NewConsumer(cfg config.IngestConfig, sub message.Subscriber, bus *events.Bus, projector Projector, wlog watermill.LoggerAdapter, opts ...ConsumerOption) (*Consumer, error) {
	o := consumerOptions{closeTimeout: 10 * time.Second, maxRetries: 3, retryDelay: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	if wlog == nil {
		wlog = NewLogger()
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: o.closeTimeout}, wlog)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}
	if o.poison != nil {
		poison, err := middleware.PoisonQueue(o.poison, PoisonTopic(cfg.Topic))
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		router.AddMiddleware(poison)
	}
	router.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      o.maxRetries,
		InitialInterval: o.retryDelay,
		MaxInterval:     10 * o.retryDelay,
		Multiplier:      2,
		Logger:          wlog,
	}
	router.AddMiddleware(retry.Middleware)

	c := &Consumer{
		router:    router,
		bus:       bus,
		projector: projector,
		logger:    log.With().Str("module", "adapters.ingest").Logger(),
	}
	router.AddConsumerHandler(handlerName, cfg.Topic, sub, c.handle)
	return c, nil
}

func (c *Consumer) handle(msg *message.Message) error {
	ev, err := Decode(msg.Payload)
	if err != nil {
		// a malformed message will never decode; ack it so it does not block the topic
		metrics.IngestMessages.WithLabelValues("rejected").Inc()
		c.logger.Warn().Err(err).Str("msg_id", msg.UUID).Msg("dropping undecodable message")
		return nil
	}
	ctx := msg.Context()

	if lc, ok := ev.(events.Lifecycle); ok && c.projector != nil {
		if err := c.projector.Project(ctx, lc); err != nil {
			if !errors.Is(err, domain.ErrRoomNotFound) {
				metrics.IngestMessages.WithLabelValues("failed").Inc()
				return fmt.Errorf("project %s: %w", ev.EventType(), err)
			}
			c.logger.Warn().Err(err).Str("type", ev.EventType()).Str("room_id", ev.AggregateID()).Msg("projection skipped")
		}
	}

	if err := c.bus.Publish(ctx, ev); err != nil {
		metrics.IngestMessages.WithLabelValues("failed").Inc()
		return err
	}
	metrics.IngestMessages.WithLabelValues("ok").Inc()
	c.logger.Debug().Str("type", ev.EventType()).Str("room_id", ev.AggregateID()).Msg("event ingested")
	return nil
}

// Run blocks until ctx is cancelled or the router fails.
func (c *Consumer) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running is closed once handlers are subscribed.
func (c *Consumer) Running() chan struct{} {
	return c.router.Running()
}

func (c *Consumer) Close() error {
	return c.router.Close()
}
