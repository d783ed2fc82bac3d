package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// -----------------------------------------------------------------------------
// Consumer (supervised)
// -----------------------------------------------------------------------------

// ConsumerSpec binds one queue to the client's exchange. An empty Queue
// declares a server-named exclusive queue that disappears with the
// consumer, which is what a live tail wants.
type ConsumerSpec struct {
	Name       string
	Queue      string
	BindingKey string // default "#"
	Prefetch   int    // 0 => Config.ConsumerPrefetch, then 1

	Consume func(ctx context.Context, d amqp.Delivery) error
}

// ErrPoison marks a delivery that can never succeed (e.g. undecodable).
// It is acked and dropped instead of requeued.
var ErrPoison = errors.New("poison message")

// JSONHandler wraps a typed handler and turns JSON decode failure into ErrPoison.
func JSONHandler[T any](h func(context.Context, T) error) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, d amqp.Delivery) error {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return ErrPoison
		}
		return h(ctx, v)
	}
}

// RunConsumer consumes until ctx ends, reconnecting the whole client when
// the connection drops.
func (c *Client) RunConsumer(ctx context.Context, spec ConsumerSpec) error {
	const op = "pubsub.RunConsumer"
	log := c.logger.With("op", op, slog.String("name", spec.Name))
	if spec.Consume == nil {
		return fmt.Errorf("consumer %s has no Consume func", spec.Name)
	}
	restartDelay := Dsec(c.config.ReconnectBackoffBaseSeconds, 1)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, _ := c.current()
		if conn.IsClosed() {
			log.Warn("amqp connection closed, reconnecting")
			if err := c.reconnect(ctx); err != nil {
				return err
			}
			continue
		}

		done, err := c.startConsumer(ctx, conn, spec)
		if err != nil {
			if conn.IsClosed() {
				continue
			}
			return fmt.Errorf("start %s: %w", spec.Name, err)
		}
		<-done
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Warn("consumer stopped, restarting", slog.Duration("in", restartDelay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(restartDelay):
		}
	}
}

// startConsumer declares the queue, binds it and runs the delivery loop in
// a goroutine. The returned channel closes when the loop exits.
func (c *Client) startConsumer(ctx context.Context, conn *amqp.Connection, spec ConsumerSpec) (<-chan struct{}, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	pf := spec.Prefetch
	if pf <= 0 {
		pf = c.config.ConsumerPrefetch
		if pf <= 0 {
			pf = 1
		}
	}
	if err := ch.Qos(pf, 0, false); err != nil {
		_ = SafeClose(ch)
		return nil, err
	}
	if err := ch.ExchangeDeclare(c.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = SafeClose(ch)
		return nil, err
	}
	ephemeral := spec.Queue == ""
	q, err := ch.QueueDeclare(spec.Queue, !ephemeral, ephemeral, ephemeral, false, nil)
	if err != nil {
		_ = SafeClose(ch)
		return nil, err
	}
	if err := ch.QueueBind(q.Name, FirstNonEmpty(spec.BindingKey, "#"), c.config.Exchange, false, nil); err != nil {
		_ = SafeClose(ch)
		return nil, err
	}
	msgs, err := ch.Consume(q.Name, "", false, ephemeral, false, false, nil)
	if err != nil {
		_ = SafeClose(ch)
		return nil, err
	}

	done := make(chan struct{})
	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		defer close(done)
		defer func() { _ = SafeClose(ch) }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				err := spec.Consume(ctx, d)
				switch {
				case errors.Is(err, ErrPoison):
					c.logger.Warn("dropping poison message",
						slog.String("name", spec.Name),
						slog.String("message_id", d.MessageId),
					)
					_ = d.Ack(false)
				case err != nil:
					_ = d.Nack(false, true)
				default:
					_ = d.Ack(false)
				}
			}
		}
	}()

	c.logger.Info("consumer started",
		slog.String("name", spec.Name),
		slog.String("queue", q.Name),
		slog.Int("prefetch", pf),
	)
	return done, nil
}
