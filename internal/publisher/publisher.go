package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// Event topics, relative to the configured subject prefix.
const (
	TopicReleaseTransition = "release.transition.v1"
	TopicPriceUpdated      = "ad.price_updated.v1"
	TopicChatReceipt       = "chat.receipt.v1"
	TopicRegistryRefreshed = "registry.refreshed.v1"
)

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps a NATS connection and provides helpers for publishing canonical events.
type Publisher struct {
	nc      *nats.Conn
	js      jetStream
	prefix  string
	service string
	account string
	logger  *zap.Logger
}

// New creates a new Publisher with JetStream enabled.
func New(nc *nats.Conn, prefix, service, account string, logger *zap.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	p := newWithJetStream(js, prefix, service, account, logger)
	p.nc = nc
	return p, nil
}

func newWithJetStream(js jetStream, prefix, service, account string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		js:      js,
		prefix:  strings.TrimSuffix(prefix, "."),
		service: service,
		account: account,
		logger:  logger,
	}
}

// Subject returns the full subject for a topic.
func (p *Publisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// PublishEnvelope serializes and publishes a canonical event envelope to NATS.
func (p *Publisher) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("publisher.marshal_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
			"account":        []string{env.Account},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)

	if err != nil {
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", env.EventType))
	metrics.IncNATSMessage(subject, "ok")
	return nil
}

// publishPayload wraps payload in an envelope and publishes it on topic.
func (p *Publisher) publishPayload(ctx context.Context, topic, eventType string, correlation uuid.UUID, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}
	if correlation == uuid.Nil {
		correlation = uuid.New()
	}
	subject := p.Subject(topic)
	env := &model.Envelope{
		ID:            uuid.New(),
		CorrelationID: correlation,
		Account:       p.account,
		Topic:         subject,
		EventType:     eventType,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}
	return p.PublishEnvelope(ctx, subject, env)
}

// PublishReleaseEvent emits one auto-release transition. The event id is
// reused as correlation id so consumers can dedupe redeliveries.
func (p *Publisher) PublishReleaseEvent(ctx context.Context, ev model.ReleaseEvent) error {
	return p.publishPayload(ctx, TopicReleaseTransition, "release."+strings.ToLower(string(ev.Stage)), ev.ID, ev)
}

// PublishPriceUpdate emits a successful ad price change.
func (p *Publisher) PublishPriceUpdate(ctx context.Context, ev model.PriceUpdateEvent) error {
	return p.publishPayload(ctx, TopicPriceUpdated, "ad.price_updated", ev.ID, ev)
}

// PublishReceipt emits chat receipt evidence for the OCR consumer.
func (p *Publisher) PublishReceipt(ctx context.Context, ev model.ReceiptEvidence) error {
	return p.publishPayload(ctx, TopicChatReceipt, "chat.receipt", uuid.Nil, ev)
}

// Publish publishes raw JSON payloads as a canonical envelope on topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	eventType := strings.TrimSuffix(topic, ".v1")
	return p.publishPayload(ctx, topic, eventType, uuid.Nil, payload)
}

// ForwardReleaseEvents publishes every event from ch until it is closed.
func (p *Publisher) ForwardReleaseEvents(ch <-chan model.ReleaseEvent) {
	for ev := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.PublishReleaseEvent(ctx, ev); err != nil {
			p.logger.Warn("publisher.release_event_dropped",
				zap.String("order", ev.OrderNumber),
				zap.String("stage", string(ev.Stage)),
				zap.Error(err))
		}
		cancel()
	}
}

// ForwardPriceUpdates publishes every event from ch until it is closed.
func (p *Publisher) ForwardPriceUpdates(ch <-chan model.PriceUpdateEvent) {
	for ev := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.PublishPriceUpdate(ctx, ev); err != nil {
			p.logger.Warn("publisher.price_update_dropped",
				zap.String("ad_id", ev.AdID),
				zap.Error(err))
		}
		cancel()
	}
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}
