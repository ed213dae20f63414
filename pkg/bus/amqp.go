package bus

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eunmann/chunk-pipeline/internal/logctx"
)

// Conn wraps an AMQP connection shared by consumers and publishers.
type Conn struct {
	conn *amqp.Connection
}

// Dial connects to the broker, retrying with exponential backoff until the
// context is cancelled. Brokers routinely come up after their consumers in
// a cold deploy.
func Dial(ctx context.Context, url string) (*Conn, error) {
	var conn *amqp.Connection
	op := func() error {
		var err error
		conn, err = amqp.Dial(url)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("dial message bus: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Consume declares queue as durable and feeds its deliveries to handler
// until the context is cancelled or the channel closes. Ack verdicts
// acknowledge; Retry verdicts nack with requeue.
func (c *Conn) Consume(ctx context.Context, queue string, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", queue, err)
	}

	logger := logctx.FromContext(ctx)
	logger.Info().Str("queue", queue).Msg("consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("queue %s: delivery channel closed", queue)
			}
			switch handler(ctx, d.Body) {
			case Retry:
				if err := d.Nack(false, true); err != nil {
					logger.Error().Err(err).Str("queue", queue).Msg("nack failed")
				}
			default:
				if err := d.Ack(false); err != nil {
					logger.Error().Err(err).Str("queue", queue).Msg("ack failed")
				}
			}
		}
	}
}

// AMQPPublisher publishes persistent messages to durable queues.
type AMQPPublisher struct {
	ch *amqp.Channel
}

// NewPublisher opens a channel for publishing.
func (c *Conn) NewPublisher() (*AMQPPublisher, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	return &AMQPPublisher{ch: ch}, nil
}

// Publish sends body to queue via the default exchange. The queue is
// declared durable so a status event survives a broker restart between the
// staging job and the tracker.
func (p *AMQPPublisher) Publish(ctx context.Context, queue string, body []byte) error {
	if _, err := p.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	err := p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Close closes the publish channel.
func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}
