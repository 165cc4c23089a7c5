package natsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/pkg/metrics"
)

// Location updates ride fixed subjects because keys may contain any bytes,
// including subject separators. Zone names are validated subject-safe, so
// geo events carry zone and kind as subject tokens for consumer filtering.
const (
	SubjectLocationUpdate = "geo.loc.update"
	SubjectLocationRemove = "geo.loc.remove"
	SubjectGeoEvents      = "geo.events.>"
)

// Publisher implements ports.EventPublisher using NATS JetStream.
type Publisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewPublisher connects to NATS and enables JetStream.
func NewPublisher(url string) (*Publisher, error) {
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

	return &Publisher{conn: conn, js: js}, nil
}

// ensureStreams declares the streams this process depends on, so publishers
// and consumers can boot in any order.
func ensureStreams(js nats.JetStreamContext) error {
	streams := []nats.StreamConfig{
		{
			Name:      "GEO_LOCATIONS",
			Subjects:  []string{"geo.loc.>"},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    1 * time.Hour,
			Storage:   nats.FileStorage,
		},
		{
			Name:      "GEO_EVENTS",
			Subjects:  []string{"geo.events.>"},
			Retention: nats.InterestPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
		},
	}

	for _, cfg := range streams {
		if _, err := js.AddStream(&cfg); err != nil {
			// Stream may already exist — try update
			if _, err := js.UpdateStream(&cfg); err != nil {
				return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
			}
		}
	}
	return nil
}

func (p *Publisher) PublishGeoEvent(ctx context.Context, event *domain.GeoEvent) error {
	if event.Zone == "" {
		return fmt.Errorf("geo event without zone cannot be published")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(EventSubject(event.Zone, event.Type), data); err != nil {
		return err
	}
	metrics.GeoEventsPublished.WithLabelValues(event.Zone, string(event.Type)).Inc()
	return nil
}

func (p *Publisher) PublishLocationUpdate(ctx context.Context, write *domain.LocationWrite) error {
	data, err := json.Marshal(write)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(SubjectLocationUpdate, data)
	return err
}

func (p *Publisher) PublishLocationRemove(ctx context.Context, key string) error {
	_, err := p.js.Publish(SubjectLocationRemove, []byte(key))
	return err
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	_ = p.conn.Drain()
}

// EventSubject is the subject a zone event is published on, e.g.
// geo.events.downtown.entered.
func EventSubject(zone string, t domain.EventType) string {
	return "geo.events." + zone + "." + strings.TrimPrefix(string(t), "key_")
}

// RawConn creates a plain NATS connection for subscribing (e.g. WebSocket relay).
func RawConn(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}
