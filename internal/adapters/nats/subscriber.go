package natsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/geowatch/internal/core/domain"
)

// Subscriber implements ports.EventSubscriber using NATS JetStream.
type Subscriber struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewSubscriber creates a subscriber sharing a NATS connection.
func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := ensureStreams(js); err != nil {
		return nil, err
	}
	return &Subscriber{conn: conn, js: js}, nil
}

// SubscribeLocationUpdates consumes the write feed. Updates and removes are
// separate work-queue consumers; their subjects do not overlap, which the
// work-queue retention requires.
func (s *Subscriber) SubscribeLocationUpdates(ctx context.Context, onUpdate func(ctx context.Context, write *domain.LocationWrite) error, onRemove func(ctx context.Context, key string) error) error {
	_, err := s.js.Subscribe(SubjectLocationUpdate, func(msg *nats.Msg) {
		var write domain.LocationWrite
		if err := json.Unmarshal(msg.Data, &write); err != nil {
			_ = msg.Nak()
			return
		}
		if err := onUpdate(ctx, &write); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable("location-ingestor"),
		nats.ManualAck(),
		nats.MaxDeliver(3),
	)
	if err != nil {
		return err
	}

	_, err = s.js.Subscribe(SubjectLocationRemove, func(msg *nats.Msg) {
		if err := onRemove(ctx, string(msg.Data)); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable("location-remover"),
		nats.ManualAck(),
		nats.MaxDeliver(3),
	)
	return err
}

// SubscribeGeoEvents consumes zone events for downstream alerting.
func (s *Subscriber) SubscribeGeoEvents(ctx context.Context, handler func(ctx context.Context, event *domain.GeoEvent) error) error {
	_, err := s.js.Subscribe(SubjectGeoEvents, func(msg *nats.Msg) {
		var event domain.GeoEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			_ = msg.Nak()
			return
		}
		if err := handler(ctx, &event); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable("geo-event-processor"),
		nats.ManualAck(),
		nats.MaxDeliver(3),
	)
	return err
}

// Close drains the connection. Subscriptions stay attached so their durable
// consumers keep their position for the next run.
func (s *Subscriber) Close() {
	_ = s.conn.Drain()
}
