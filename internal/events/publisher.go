// Package events publishes device and session lifecycle notifications.
//
// Delivery is best effort: publishes happen only after the durable store
// write succeeded, run detached from the request so broker latency never
// delays the caller's response, are retried a bounded number of times,
// logged on failure, and never surfaced to the caller.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fintrust/internal/domain"
	"fintrust/pkg/logger"

	"github.com/nats-io/nats.go"
)

// Topics for trust lifecycle events.
const (
	TopicDevices  = "fintrust.devices"
	TopicSessions = "fintrust.sessions"
)

// publishTimeout bounds one event's total delivery window, retries included.
const publishTimeout = 5 * time.Second

// Publisher delivers lifecycle events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, event domain.TrustEvent)
}

// jetStreamPublish matches nats.JetStreamContext.Publish.
type jetStreamPublish func(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)

// NATSPublisher publishes events to NATS JetStream.
type NATSPublisher struct {
	conn    *nats.Conn
	publish jetStreamPublish
	logger  logger.Logger
	retries int
	wg      sync.WaitGroup
}

// NewNATSPublisher connects to NATS and prepares a JetStream context.
func NewNATSPublisher(url string, log logger.Logger, retries int, opts ...nats.Option) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	if retries < 1 {
		retries = 1
	}
	return &NATSPublisher{conn: nc, publish: js.Publish, logger: log, retries: retries}, nil
}

// Publish encodes the event as JSON and hands it to a background goroutine
// for delivery with bounded retry. It returns immediately: the caller's
// response never waits on a broker ack, a backoff sleep, or the caller's
// own context, so a client disconnecting after the durable write does not
// drop the event.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, event domain.TrustEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode trust event", map[string]interface{}{
			"event_type": event.EventType,
			"error":      err.Error(),
		})
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		deliverCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		p.deliver(deliverCtx, topic, data, event)
	}()
}

func (p *NATSPublisher) deliver(ctx context.Context, topic string, data []byte, event domain.TrustEvent) {
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		if _, lastErr = p.publish(topic, data, nats.Context(ctx)); lastErr == nil {
			return
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = p.retries
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}

	p.logger.Error("Failed to publish trust event", map[string]interface{}{
		"topic":      topic,
		"event_type": event.EventType,
		"device_id":  event.DeviceID,
		"error":      lastErr.Error(),
	})
}

// Close waits for in-flight publishes, then drains the connection.
func (p *NATSPublisher) Close() {
	if p == nil {
		return
	}
	p.wg.Wait()
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// LogPublisher writes events to the service log instead of a broker.
// Used in development when NATS is disabled.
type LogPublisher struct {
	logger logger.Logger
}

func NewLogPublisher(log logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, event domain.TrustEvent) {
	p.logger.Info("Trust event", map[string]interface{}{
		"topic":      topic,
		"event_type": event.EventType,
		"user_id":    event.UserID,
		"device_id":  event.DeviceID,
		"status":     event.Status,
	})
}

// NopPublisher discards events. Used in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, topic string, event domain.TrustEvent) {}
