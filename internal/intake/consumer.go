// Package intake consumes order book snapshot batches from RabbitMQ.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketdata/internal/metrics"
	"github.com/Checker-Finance/marketdata/internal/reconcile"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

// Reconciler applies one snapshot batch.
type Reconciler interface {
	Reconcile(ctx context.Context, m model.Market, at time.Time, batch []model.OrderSnapshot) (reconcile.Result, error)
}

// Consumer consumes snapshot batches from a durable queue.
type Consumer struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      string
	prefetch   int
	reconciler Reconciler
	logger     *zap.Logger
	now        func() time.Time
	done       chan struct{}
}

// NewConsumer dials RabbitMQ and opens a channel.
func NewConsumer(url, queue string, prefetch int, reconciler Reconciler, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c := newConsumer(queue, prefetch, reconciler, logger)
	c.conn = conn
	c.channel = channel
	return c, nil
}

func newConsumer(queue string, prefetch int, reconciler Reconciler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		queue:      queue,
		prefetch:   prefetch,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Start declares the queue and begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := c.channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}
	if c.prefetch > 0 {
		if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", c.queue, err)
	}

	c.logger.Info("intake.started", zap.String("queue", c.queue), zap.Int("prefetch", c.prefetch))

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
				c.logger.Warn("intake.channel_closed", zap.String("queue", c.queue))
				return
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

var errUndecodable = errors.New("undecodable batch")

// handleDelivery acks a committed batch, drops a malformed one, and requeues
// one that failed inside the reconciler.
func (c *Consumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	at := c.now()
	err := c.process(ctx, msg.Body, at)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Warn("intake.ack_failed", zap.Error(ackErr))
		}
	case errors.Is(err, errUndecodable):
		c.logger.Error("intake.batch_rejected", zap.Error(err))
		metrics.IncError("intake", "undecodable")
		_ = msg.Nack(false, false)
	default:
		c.logger.Error("intake.batch_failed", zap.Error(err))
		metrics.IncError("intake", "reconcile_failed")
		_ = msg.Nack(false, true) // Requeue on failure
	}
}

func (c *Consumer) process(ctx context.Context, body []byte, at time.Time) error {
	var batch model.BatchPayload
	if err := json.Unmarshal(body, &batch); err != nil {
		return fmt.Errorf("%w: %w", errUndecodable, err)
	}
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errUndecodable, err)
	}
	if _, err := c.reconciler.Reconcile(ctx, batch.Market(), at, model.Snapshots(batch.Orders)); err != nil {
		return err
	}
	return nil
}

// Close stops consumption and closes the connection.
func (c *Consumer) Close() error {
	close(c.done)

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
