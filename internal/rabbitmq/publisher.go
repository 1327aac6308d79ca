package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// publishChannel is the part of *amqp.Channel the alert publisher uses.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AlertPublisher pushes release outcomes that need an operator to RabbitMQ.
type AlertPublisher struct {
	conn    *amqp.Connection
	channel publishChannel
	queue   string
	logger  *zap.Logger
}

// NewAlertPublisher creates a new RabbitMQ publisher for manual-release alerts.
func NewAlertPublisher(url, queue string, logger *zap.Logger) (*AlertPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	return &AlertPublisher{conn: conn, channel: channel, queue: queue, logger: logger}, nil
}

// Run publishes every event from ch that needs an operator, until ch is closed.
func (p *AlertPublisher) Run(ch <-chan model.ReleaseEvent) {
	for ev := range ch {
		if !ev.NeedsOperator() {
			continue
		}
		if err := p.PublishAlert(context.Background(), ev); err != nil {
			metrics.IncError("alert_publisher", "publish_failed")
		}
	}
}

// PublishAlert sends one alert.
func (p *AlertPublisher) PublishAlert(ctx context.Context, ev model.ReleaseEvent) error {
	if ev.OrderNumber == "" {
		p.logger.Error("rabbitmq.alert_missing_order", zap.Any("event", ev))
		return fmt.Errorf("alert without order number")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("rabbitmq.alert_marshal_failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	priority := uint8(5)
	if ev.Stage == model.StageManualRequired {
		priority = 10
	}
	err = p.channel.PublishWithContext(
		ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID.String(),
			Timestamp:    ev.Timestamp,
			Type:         string(ev.Stage),
			Priority:     priority,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("rabbitmq.alert_publish_failed",
			zap.String("order", ev.OrderNumber),
			zap.String("reason_code", ev.ReasonCode),
			zap.Error(err))
		return err
	}

	p.logger.Info("rabbitmq.alert_published",
		zap.String("order", ev.OrderNumber),
		zap.String("stage", string(ev.Stage)),
		zap.String("reason_code", ev.ReasonCode))
	return nil
}

// Close closes the publisher
func (p *AlertPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
