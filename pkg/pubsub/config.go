package pubsub

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config defines the client and the single topic exchange the docks
// service publishes to.
type Config struct {
	URL      string
	Exchange string
	Producer string // AMQP app id

	PublishPoolSize    int
	ConsumerPrefetch   int
	ConnTimeoutSeconds int
	PoolRetryDelayMs   int

	// initial dial
	DialAttempts int
	DialDelay    time.Duration

	ReconnectBackoffBaseSeconds int
	ReconnectBackoffCapSeconds  int
	ReconnectJitterPercent      int

	// wait for broker confirms on publish
	Confirm bool

	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}
