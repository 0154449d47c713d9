package ingest

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/events"
)

// NewGoChannel builds the in-process transport used when the room service
// runs in the same binary or posts events over HTTP.
func NewGoChannel(cfg config.IngestConfig, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: cfg.Buffer}, logger)
}

// Publisher writes lifecycle envelopes onto the ingest topic.
type Publisher struct {
	pub   message.Publisher
	topic string
}

func NewPublisher(pub message.Publisher, topic string) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, evs ...events.Event) error {
	msgs := make([]*message.Message, 0, len(evs))
	for _, ev := range evs {
		data, err := Encode(ev)
		if err != nil {
			return err
		}
		msg := message.NewMessage(watermill.NewUUID(), data)
		msg.SetContext(ctx)
		msgs = append(msgs, msg)
	}
	return p.pub.Publish(p.topic, msgs...)
}

// PublishRaw validates an envelope received from outside and forwards it.
func (p *Publisher) PublishRaw(ctx context.Context, data []byte) (events.Event, error) {
	ev, err := Decode(data)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return nil, fmt.Errorf("publish %s: %w", ev.EventType(), err)
	}
	return ev, nil
}
