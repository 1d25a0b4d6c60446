package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type recordingSink struct{ events []Event }

func (s *recordingSink) Send(ctx context.Context, e Event) error {
	s.events = append(s.events, e)
	return nil
}

func TestBusDeliversToSubscribersAndSinks(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(sink)
	var got []string
	bus.Subscribe(NewUser, func(ctx context.Context, e Event) error {
		got = append(got, "first:"+e.UserID)
		return errors.New("ignored")
	})
	bus.Subscribe(NewUser, func(ctx context.Context, e Event) error {
		got = append(got, "second:"+e.UserID)
		return nil
	})

	bus.Publish(context.Background(), NewUser, "U1", nil)
	bus.Publish(context.Background(), MemoryChanged, "U1", map[string]any{"field": "x"})

	if len(got) != 2 || got[0] != "first:U1" || got[1] != "second:U1" {
		t.Errorf("subscribers called out of order or not at all: %v", got)
	}
	if len(sink.events) != 2 {
		t.Fatalf("sink should see every event, got %d", len(sink.events))
	}
	if sink.events[0].ID == "" || sink.events[0].ID == sink.events[1].ID {
		t.Error("events need unique ids")
	}
}

type fakeChannel struct {
	declared  string
	published []amqp.Publishing
	keys      []string
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared = name + ":" + kind
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.keys = append(c.keys, exchange+"/"+key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestAMQPPublisherRoutesByEventName(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, DefaultExchange)
	if err != nil {
		t.Fatalf("newAMQPPublisher failed: %v", err)
	}
	if ch.declared != "flowpipe.events:topic" {
		t.Errorf("unexpected exchange declaration %q", ch.declared)
	}

	bus := NewBus(p)
	bus.Publish(context.Background(), ProfileRefreshed, "U1", map[string]any{"newTimezoneUtcOffset": 2.0})

	if len(ch.published) != 1 || ch.keys[0] != "flowpipe.events/user-profile-refreshed" {
		t.Fatalf("unexpected publishes %v", ch.keys)
	}
	msg := ch.published[0]
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent {
		t.Errorf("unexpected publishing headers %+v", msg)
	}
	var e Event
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if e.Name != ProfileRefreshed || e.UserID != "U1" || e.ID != msg.MessageId {
		t.Errorf("unexpected event %+v", e)
	}
}
