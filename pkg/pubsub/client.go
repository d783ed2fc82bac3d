package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

type Client struct {
	mu     sync.RWMutex
	conn   *amqp.Connection
	pool   *ChannelPool
	config Config
	logger *slog.Logger

	consumerWG sync.WaitGroup

	reconnectMu    sync.Mutex
	stopSupervisor context.CancelFunc
	supervisorDone chan struct{}
}

func (c *Client) Config() Config { return c.config }

func NewClient(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	const op = "pubsub.NewClient"

	if config.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if config.Exchange == "" {
		return nil, fmt.Errorf("rabbitmq exchange is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("op", op)

	u, _ := url.Parse(config.URL)
	host := ""
	if u != nil {
		host = u.Host
	}
	log.Info("connecting to rabbitmq", slog.String("host", host), slog.String("exchange", config.Exchange))

	c := &Client{config: config, logger: logger}
	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.install(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	// publish-only processes never run a consumer, so something has to
	// notice a dropped connection on their behalf
	sctx, cancel := context.WithCancel(context.Background())
	c.stopSupervisor = cancel
	c.supervisorDone = make(chan struct{})
	go func() {
		defer close(c.supervisorDone)
		watchConnection(sctx, c.logger, c.notifyClose, c.reconnect)
	}()

	log.Info("client ready")
	return c, nil
}

func (c *Client) notifyClose() <-chan *amqp.Error {
	conn, _ := c.current()
	return conn.NotifyClose(make(chan *amqp.Error, 1))
}

// watchConnection re-arms notify after every reconnect and returns when
// ctx ends or reconnect gives up.
func watchConnection(ctx context.Context, logger *slog.Logger, notify func() <-chan *amqp.Error, reconnect func(context.Context) error) {
	const op = "pubsub.watchConnection"
	log := logger.With("op", op)

	for {
		closed := notify()
		select {
		case <-ctx.Done():
			return
		case err, ok := <-closed:
			if ctx.Err() != nil {
				return
			}
			if !ok || err == nil {
				err = &amqp.Error{Reason: "connection closed"}
			}
			log.Error("amqp connection closed, reconnecting", slog.Any("error", err))
			// reconnect only gives up when ctx ends
			if reconnect(ctx) != nil {
				return
			}
		}
	}
}

// dialWithRetry tries to connect with exponential backoff and respects ctx
// cancellation for graceful shutdown.
func (c *Client) dialWithRetry(ctx context.Context) (*amqp.Connection, error) {
	const op = "pubsub.dialWithRetry"
	log := c.logger.With("op", op)

	attempts := c.config.DialAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.config.DialDelay
	if delay <= 0 {
		delay = time.Second
	}
	timeoutSec := c.config.ConnTimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = 30
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		dctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
		conn, err := c.dial(dctx)
		cancel()
		if err == nil {
			if i > 1 {
				log.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := Backoff(delay, time.Minute, i)
		log.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}

func (c *Client) dial(ctx context.Context) (*amqp.Connection, error) {
	if c.config.Dialer != nil {
		return c.config.Dialer(ctx, c.config.URL)
	}
	timeout := Dsec(c.config.ConnTimeoutSeconds, 30)
	return amqp.DialConfig(c.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(timeout),
	})
}

// install declares the exchange on conn and swaps in a fresh pool.
func (c *Client) install(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = SafeClose(ch)
		return fmt.Errorf("declare exchange %q: %w", c.config.Exchange, err)
	}
	_ = SafeClose(ch)

	pool := NewChannelPool(conn, c.config.PublishPoolSize, c.config.Confirm)

	c.mu.Lock()
	old := c.pool
	c.conn = conn
	c.pool = pool
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (c *Client) current() (*amqp.Connection, *ChannelPool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.pool
}

// reconnect re-dials until it succeeds or ctx ends.
func (c *Client) reconnect(ctx context.Context) error {
	const op = "pubsub.reconnect"
	log := c.logger.With("op", op)

	// the supervisor and a consumer may both notice the same drop
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	if conn, _ := c.current(); conn != nil && !conn.IsClosed() {
		return nil
	}

	base := Dsec(c.config.ReconnectBackoffBaseSeconds, 1)
	capd := Dsec(c.config.ReconnectBackoffCapSeconds, 30)
	backoff := base
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := c.dial(ctx)
		if err == nil {
			if err = c.install(conn); err == nil {
				log.Info("reconnected")
				return nil
			}
			_ = conn.Close()
		}
		wait := JitteredDelay(backoff, capd, c.config.ReconnectJitterPercent)
		log.Error("reconnect failed", slog.Any("error", err), slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff*2 < capd {
			backoff *= 2
		}
	}
}

// Close waits briefly for consumers, then closes pool and connection.
func (c *Client) Close() error {
	if c.stopSupervisor != nil {
		c.stopSupervisor()
		select {
		case <-c.supervisorDone:
		case <-time.After(2 * time.Second):
		}
	}
	done := make(chan struct{})
	go func() {
		c.consumerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	conn, pool := c.current()
	if pool != nil {
		pool.Close()
	}
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}
