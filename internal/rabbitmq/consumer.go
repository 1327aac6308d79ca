package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/internal/release"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

const paymentSource = "rabbitmq"

// PaymentHandler is the orchestrator entry point for bank payments.
type PaymentHandler interface {
	HandlePayment(ctx context.Context, p model.BankPayment) (release.PaymentResult, error)
}

// Consumer consumes normalized bank payments from RabbitMQ.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	handler PaymentHandler
	logger  *zap.Logger
	done    chan struct{}
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(url, queue string, handler PaymentHandler, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Consumer{
		conn:    conn,
		channel: channel,
		queue:   queue,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start declares the payment queue and starts consuming it.
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := c.channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}
	// one unacked payment at a time keeps matching order equal to queue order
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", c.queue, err)
	}

	c.logger.Info("rabbitmq.consumer_started", zap.String("queue", c.queue))
	go c.consume(ctx, msgs)
	return nil
}

func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("rabbitmq.payment_channel_closed", zap.String("queue", c.queue))
				return
			}
			c.handle(ctx, msg)
		}
	}
}

// handle acks consumed and duplicate payments, drops malformed ones and
// requeues the rest.
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	var p model.BankPayment
	if err := json.Unmarshal(msg.Body, &p); err != nil {
		c.logger.Error("rabbitmq.payment_decode_failed", zap.Error(err))
		metrics.IncPayment(paymentSource, "invalid")
		_ = msg.Nack(false, false)
		return
	}
	if err := p.Validate(); err != nil {
		c.logger.Error("rabbitmq.payment_invalid",
			zap.String("tx_id", p.TxID),
			zap.Error(err))
		metrics.IncPayment(paymentSource, "invalid")
		_ = msg.Nack(false, false)
		return
	}

	res, err := c.handler.HandlePayment(ctx, p)
	switch {
	case errors.Is(err, release.ErrPaymentAlreadyClaimed):
		c.logger.Info("rabbitmq.payment_duplicate",
			zap.String("tx_id", p.TxID),
			zap.String("order", res.OrderNumber))
		metrics.IncPayment(paymentSource, "duplicate")
		_ = msg.Ack(false)
	case err != nil:
		c.logger.Error("rabbitmq.payment_failed",
			zap.String("tx_id", p.TxID),
			zap.Error(err))
		metrics.IncPayment(paymentSource, "error")
		_ = msg.Nack(false, true)
	default:
		metrics.IncPayment(paymentSource, resultLabel(res))
		_ = msg.Ack(false)
	}
}

func resultLabel(res release.PaymentResult) string {
	switch {
	case res.Matched:
		return "matched"
	case res.Pooled:
		return "pooled"
	}
	return "ignored"
}

// Close closes the consumer
func (c *Consumer) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}

	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
