// Package events publishes bus lifecycle notifications (connections
// opening/closing, handshake rebinds, request timeouts) to an optional
// external sink, for operators who want an audit trail the wire
// protocol itself doesn't carry. Grounded on the teacher's
// internal/adapter/pubsub event dispatcher.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Kind identifies a lifecycle event's routing key suffix.
type Kind string

const (
	KindConnectionOpened Kind = "connection.opened"
	KindConnectionClosed Kind = "connection.closed"
	KindHandshakeRebind  Kind = "handshake.rebind"
	KindRequestTimeout   Kind = "request.timeout"
)

// Event is one lifecycle notification. Endpoint carries the raw
// endpoint id as int64 rather than importing internal/endpoint, so
// this package stays usable without pulling in the bus's wire types.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Kind     Kind      `json:"kind"`
	Endpoint int64     `json:"endpoint"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// RoutingKey is the topic/exchange routing key this event publishes
// under, mirroring the teacher's Eventer.GetRoutingKey.
func (e Event) RoutingKey() string { return "tcpbus." + string(e.Kind) }

// Dispatcher publishes lifecycle events; the zero-value AMQP publisher
// case is a supported no-op so tcpbus can run with no external sink.
// Subscribe additionally fans events out in-process, for the admin
// surface's websocket stream — a local concern the AMQP sink doesn't
// cover, since an operator watching /events shouldn't need a broker.
type Dispatcher interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(buffer int) (ch <-chan Event, cancel func())
}

type dispatcher struct {
	publisher message.Publisher
	logger    *slog.Logger
	counter   metric.Int64Counter

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// NewDispatcher builds a Dispatcher. pub may be nil, in which case
// events are only logged and counted, never published externally —
// the AMQP sink is an optional enrichment, not a hard dependency of
// the bus's correctness.
func NewDispatcher(pub message.Publisher, meter metric.Meter, logger *slog.Logger) (Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var counter metric.Int64Counter
	if meter != nil {
		c, err := meter.Int64Counter("tcpbus_lifecycle_events_total")
		if err != nil {
			return nil, fmt.Errorf("events: build counter: %w", err)
		}
		counter = c
	}

	return &dispatcher{publisher: pub, logger: logger, counter: counter, subs: make(map[chan Event]struct{})}, nil
}

// Subscribe registers a fan-out channel of capacity buffer. A
// subscriber that falls behind drops events rather than stall Publish;
// cancel must be called to stop delivery and release the channel.
func (d *dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	d.subMu.Lock()
	d.subs[ch] = struct{}{}
	d.subMu.Unlock()

	cancel := func() {
		d.subMu.Lock()
		delete(d.subs, ch)
		d.subMu.Unlock()
	}
	return ch, cancel
}

func (d *dispatcher) broadcast(ev Event) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for ch := range d.subs {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; drop rather than block Publish.
		}
	}
}

func (d *dispatcher) Publish(ctx context.Context, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	if d.counter != nil {
		d.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	}

	d.logger.Debug("events: lifecycle event", "kind", ev.Kind, "endpoint", ev.Endpoint, "id", ev.ID)
	d.broadcast(ev)

	if d.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	msg := message.NewMessage(ev.ID.String(), payload)
	msg.SetContext(ctx)
	if err := d.publisher.Publish(ev.RoutingKey(), msg); err != nil {
		return fmt.Errorf("events: publish to %s: %w", ev.RoutingKey(), err)
	}
	return nil
}

// NewAMQPPublisher builds a durable pub/sub (fanout-exchange) watermill
// publisher against uri that publishes every event, whatever its
// routing key, to the exchange named exchange — mirroring the teacher's
// PublisherProvider.Build, minus the private factory indirection this
// module doesn't carry.
func NewAMQPPublisher(uri, exchange string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	cfg := amqp.NewDurablePubSubConfig(uri, func(topic string) string { return exchange })
	pub, err := amqp.NewPublisher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("events: amqp publisher: %w", err)
	}
	return pub, nil
}
