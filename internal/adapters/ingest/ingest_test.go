package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/dkeye/Lobby/internal/adapters/repo"
	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
)

func TestEnvelopeKeepsIdentity(t *testing.T) {
	ev := events.NewMemberJoined("r1", "u1", "ann", 4)
	data, err := Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	joined, ok := got.(events.MemberJoined)
	if !ok {
		t.Fatalf("decoded %T", got)
	}
	if joined.EventID() != ev.EventID() || joined.RoomID() != "r1" || !joined.OccurredOn().Equal(ev.OccurredOn()) {
		t.Fatalf("identity lost: %+v", joined.Base)
	}
	if joined.MemberCount != 4 || joined.Username != "ann" {
		t.Fatalf("payload lost: %+v", joined)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{`, ErrMalformed},
		{"no aggregate", `{"type":"RoomClosed","payload":{}}`, ErrMalformed},
		{"unknown type", `{"type":"RoomExploded","aggregateId":"r1"}`, ErrUnknownType},
		{"created id mismatch", `{"type":"RoomCreated","aggregateId":"r1","payload":{"room":{"id":"r2","name":"x"}}}`, ErrMalformed},
		{"negative count", `{"type":"MemberLeft","aggregateId":"r1","payload":{"memberCount":-1}}`, ErrMalformed},
		{"empty changes", `{"type":"RoomSettingsUpdated","aggregateId":"r1","payload":{"changes":{}}}`, ErrMalformed},
		{"activity without kind", `{"type":"RoomActivity","aggregateId":"r1","payload":{}}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); !errors.Is(err, tt.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

type pipeline struct {
	pubsub   *gochannel.GoChannel
	bus      *events.Bus
	store    *repo.Memory
	consumer *Consumer
	pub      *Publisher
}

func startPipeline(t *testing.T, opts ...ConsumerOption) *pipeline {
	t.Helper()
	cfg := config.IngestConfig{Topic: "test.lifecycle", Buffer: 16}
	wlog := watermill.NopLogger{}
	p := &pipeline{
		pubsub: NewGoChannel(cfg, wlog),
		bus:    events.NewBus(),
		store:  repo.NewMemory(),
	}
	c, err := NewConsumer(cfg, p.pubsub, p.bus, p.store, wlog, opts...)
	if err != nil {
		t.Fatal(err)
	}
	p.consumer = c
	p.pub = NewPublisher(p.pubsub, cfg.Topic)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = p.pubsub.Close()
	})
	select {
	case <-c.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("router did not start")
	}
	return p
}

func TestConsumerProjectsBeforePublishing(t *testing.T) {
	p := startPipeline(t)

	seen := make(chan bool, 1)
	events.On(p.bus, func(ctx context.Context, ev events.RoomCreated) error {
		_, err := p.store.FindByID(ctx, ev.RoomID())
		seen <- err == nil
		return nil
	})

	room := domain.RoomListing{ID: "r1", Name: "Jazz", MaxMembers: 4, MemberCount: 1}
	if err := p.pub.Publish(context.Background(), events.NewRoomCreated(room)); err != nil {
		t.Fatal(err)
	}
	select {
	case stored := <-seen:
		if !stored {
			t.Fatal("room was not in the store when the bus saw it")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the bus")
	}
}

func TestMalformedMessageDoesNotBlockTopic(t *testing.T) {
	p := startPipeline(t)

	seen := make(chan events.RoomActivity, 1)
	events.On(p.bus, func(_ context.Context, ev events.RoomActivity) error {
		seen <- ev
		return nil
	})

	if _, err := p.pub.PublishRaw(context.Background(), []byte(`{"type":"nope"}`)); err == nil {
		t.Fatal("PublishRaw accepted a malformed envelope")
	}
	bad := message.NewMessage(watermill.NewUUID(), []byte(`{garbage`))
	if err := p.pubsub.Publish("test.lifecycle", bad); err != nil {
		t.Fatal(err)
	}
	raw := []byte(`{"type":"RoomActivity","aggregateId":"r9","payload":{"kind":"chat_activity"}}`)
	ev, err := p.pub.PublishRaw(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if ev.EventType() != events.TypeRoomActivity {
		t.Fatalf("PublishRaw decoded %s", ev.EventType())
	}

	select {
	case got := <-seen:
		if got.Kind != "chat_activity" || got.RoomID() != "r9" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid message stuck behind malformed one")
	}
}

func TestFailingHandlerGoesToPoisonQueue(t *testing.T) {
	wlog := watermill.NopLogger{}
	poison := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 4}, wlog)
	t.Cleanup(func() { _ = poison.Close() })
	dead, err := poison.Subscribe(context.Background(), PoisonTopic("test.lifecycle"))
	if err != nil {
		t.Fatal(err)
	}

	p := startPipeline(t, WithRetry(1, time.Millisecond), WithPoisonQueue(poison))
	p.store.Seed(domain.RoomListing{ID: "r1", Name: "Jazz", MaxMembers: 4})
	events.On(p.bus, func(context.Context, events.MemberLeft) error {
		return errors.New("downstream unavailable")
	})

	if err := p.pub.Publish(context.Background(), events.NewMemberLeft("r1", "u1", 0)); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-dead:
		msg.Ack()
		ev, err := Decode(msg.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if ev.EventType() != events.TypeMemberLeft {
			t.Fatalf("poisoned %s", ev.EventType())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the poison queue")
	}
}
