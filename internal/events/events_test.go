package events

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestPublishWithNilPublisherIsANoop(t *testing.T) {
	d, err := NewDispatcher(nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Publish(context.Background(), Event{Kind: KindConnectionOpened, Endpoint: 7}); err != nil {
		t.Fatalf("expected no error with a nil publisher, got %v", err)
	}
}

func TestPublishRoutesByKind(t *testing.T) {
	pub := &recordingPublisher{}
	d, err := NewDispatcher(pub, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Publish(context.Background(), Event{Kind: KindHandshakeRebind, Endpoint: 3}); err != nil {
		t.Fatal(err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "tcpbus.handshake.rebind" {
		t.Fatalf("got topics %v, want [tcpbus.handshake.rebind]", pub.topics)
	}
}

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	d, err := NewDispatcher(nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ch, cancel := d.Subscribe(4)
	defer cancel()

	if err := d.Publish(context.Background(), Event{Kind: KindRequestTimeout, Endpoint: 11}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != KindRequestTimeout || ev.Endpoint != 11 {
			t.Fatalf("got %+v, want kind=%s endpoint=11", ev, KindRequestTimeout)
		}
	default:
		t.Fatal("expected an event on the subscription channel")
	}
}

func TestCancelUnsubscribesFromFutureEvents(t *testing.T) {
	d, err := NewDispatcher(nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ch, cancel := d.Subscribe(4)
	cancel()

	if err := d.Publish(context.Background(), Event{Kind: KindConnectionClosed, Endpoint: 1}); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no event after cancel")
		}
	default:
	}
}
