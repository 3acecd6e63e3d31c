package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casewire/casewire/internal/metrics"
)

const (
	relayBackoffMin = time.Second
	relayBackoffMax = 30 * time.Second
)

// Bus bridges the local hub and Redis pub/sub. With Redis configured,
// published events travel through Redis and come back to every
// instance's relay, which hands them to its hub; the publisher receives
// its own events the same way. Without Redis the bus publishes straight
// to the local hub.
type Bus struct {
	rdb     *redis.Client
	hub     *Hub
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBus creates the bus. rdb may be nil for single-node delivery;
// metrics may be nil.
func NewBus(rdb *redis.Client, hub *Hub, logger *slog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{rdb: rdb, hub: hub, logger: logger, metrics: m}
}

// Publish fans an event out to subscribers on every instance. A Redis
// failure downgrades to local-only delivery rather than failing the
// mutation that produced the event.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	}

	if b.rdb == nil {
		b.hub.Publish(ev)
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(ev.CaseID), payload).Err(); err != nil {
		b.logger.Warn("redis publish failed, delivering locally only",
			"event_type", ev.Type, "case_id", ev.CaseID, "error", err)
		b.hub.Publish(ev)
	}
	return nil
}

// Run relays Redis events into the hub until ctx ends. The
// subscription is re-established with exponential backoff after
// failures. Without Redis it just parks.
func (b *Bus) Run(ctx context.Context) error {
	if b.rdb == nil {
		b.logger.Info("realtime bus running without redis, single-node delivery only")
		<-ctx.Done()
		return nil
	}

	backoff := relayBackoffMin
	for {
		started := time.Now()
		err := b.relay(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// A relay that survived a while earns a fresh backoff.
		if time.Since(started) > relayBackoffMax {
			backoff = relayBackoffMin
		}
		b.logger.Warn("realtime relay lost, reconnecting",
			"error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff = min(backoff*2, relayBackoffMax)
		}
	}
}

func (b *Bus) relay(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, channelPattern)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", channelPattern, err)
	}
	b.logger.Info("realtime relay subscribed", "pattern", channelPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("dropping malformed event",
					"channel", msg.Channel, "error", err)
				continue
			}
			b.hub.Publish(ev)
		}
	}
}
