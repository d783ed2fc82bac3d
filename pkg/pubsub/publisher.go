package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-docks/pkg/schemas/common"
)

// Publisher sends one JSON envelope to the exchange under routingKey.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, env common.GenericEnvelope[any]) error
	Close() error
}

var errNotConfirmed = errors.New("publish not confirmed by broker")

// Publish marshals env and publishes it persistently. With Config.Confirm
// set it waits for the broker ack.
func (c *Client) Publish(ctx context.Context, routingKey string, env common.GenericEnvelope[any]) error {
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope.Meta.ID is required")
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = time.Now().UTC()
	}
	routingKey = FirstNonEmpty(routingKey, env.Meta.Type)
	cid := env.Meta.ID
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, pool := c.current()
	ch, err := pool.Borrow(ctx, time.Duration(c.config.PoolRetryDelayMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("borrow channel: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         c.config.Producer,
	}

	if !c.config.Confirm {
		if err := ch.PublishWithContext(ctx, c.config.Exchange, routingKey, false, false, msg); err != nil {
			pool.Discard(ch)
			return fmt.Errorf("publish %s: %w", routingKey, err)
		}
		pool.Return(ch)
		return nil
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, c.config.Exchange, routingKey, false, false, msg)
	if err != nil {
		pool.Discard(ch)
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		pool.Discard(ch)
		return fmt.Errorf("await confirm %s: %w", routingKey, err)
	}
	pool.Return(ch)
	if !ok {
		return fmt.Errorf("%w: %s", errNotConfirmed, routingKey)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Fallback
// -----------------------------------------------------------------------------

// FallbackPublisher stands in when no broker is configured.
type FallbackPublisher struct {
	log *slog.Logger
}

func NewFallback(logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackPublisher{log: logger}
}

func (p *FallbackPublisher) Publish(ctx context.Context, key string, env common.GenericEnvelope[any]) error {
	p.log.Debug("FallbackPublisher: skipped publish", slog.String("key", key), slog.String("id", env.Meta.ID))
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}
