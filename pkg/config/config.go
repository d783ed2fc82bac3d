// Package config loads dockd settings from DOCKS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roboricindustries/raycon-docks/pkg/pubsub"
	"github.com/roboricindustries/raycon-docks/pkg/realtime"
	"github.com/roboricindustries/raycon-docks/pkg/telemetry"
	"github.com/roboricindustries/raycon-docks/pkg/versionstore"
)

const Prefix = "DOCKS_"

type Config struct {
	HTTPAddr          string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RateLimit         float64       `env:"HTTP_RATE_LIMIT" envDefault:"50"`
	RateBurst         int           `env:"HTTP_RATE_BURST" envDefault:"100"`

	Store StoreConfig `envPrefix:"STORE_"`

	StoreTimeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	AuditTimeout  time.Duration `env:"AUDIT_TIMEOUT" envDefault:"5s"`
	AuditRingSize int           `env:"AUDIT_RING_SIZE" envDefault:"1000"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTIssuer string        `env:"JWT_ISSUER" envDefault:"dockd"`
	JWTLeeway time.Duration `env:"JWT_LEEWAY" envDefault:"30s"`

	AMQP AMQPConfig `envPrefix:"AMQP_"`
	WS   WSConfig   `envPrefix:"WS_"`

	OTLPEndpoint    string        `env:"OTLP_ENDPOINT"`
	OTLPInsecure    bool          `env:"OTLP_INSECURE" envDefault:"true"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	SeedFile string `env:"SEED_FILE"`
}

type StoreConfig struct {
	Backend       string `env:"BACKEND" envDefault:"memory"`
	DSN           string `env:"DSN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"docks:"`
}

type AMQPConfig struct {
	URL             string `env:"URL"`
	Exchange        string `env:"EXCHANGE" envDefault:"docks.events"`
	Confirm         bool   `env:"CONFIRM" envDefault:"true"`
	PublishPoolSize int    `env:"PUBLISH_POOL_SIZE" envDefault:"8"`
	Prefetch        int    `env:"PREFETCH" envDefault:"32"`
}

type WSConfig struct {
	QueueSize       int           `env:"QUEUE_SIZE" envDefault:"64"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	PongTimeout     time.Duration `env:"PONG_TIMEOUT" envDefault:"60s"`
	MaxMessageBytes int64         `env:"MAX_MESSAGE_BYTES" envDefault:"4096"`
	CommandRate     float64       `env:"COMMAND_RATE" envDefault:"10"`
	CommandBurst    int           `env:"COMMAND_BURST" envDefault:"20"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Load parses the environment. It does not validate; call Validate for
// the serve path.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("%sSTORE_DSN is required for %s", Prefix, c.Store.Backend))
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("%sSTORE_REDIS_ADDR is required for redis", Prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%sSTORE_BACKEND %q is not one of memory, sqlite, postgres, redis", Prefix, c.Store.Backend))
	}
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("%sJWT_SECRET is required", Prefix))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%sSTORE_TIMEOUT must be positive", Prefix))
	}
	return errors.Join(errs...)
}

func (c Config) StoreConfig() versionstore.Config {
	return versionstore.Config{
		Backend:     c.Store.Backend,
		DSN:         c.Store.DSN,
		RedisAddr:   c.Store.RedisAddr,
		RedisPass:   c.Store.RedisPassword,
		RedisDB:     c.Store.RedisDB,
		RedisPrefix: c.Store.RedisPrefix,
	}
}

func (c Config) PubSub() pubsub.Config {
	return pubsub.Config{
		URL:              c.AMQP.URL,
		Exchange:         c.AMQP.Exchange,
		Producer:         "dockd",
		PublishPoolSize:  c.AMQP.PublishPoolSize,
		ConsumerPrefetch: c.AMQP.Prefetch,
		Confirm:          c.AMQP.Confirm,
	}
}

func (c Config) Session() realtime.SessionConfig {
	return realtime.SessionConfig{
		QueueSize:       c.WS.QueueSize,
		WriteTimeout:    c.WS.WriteTimeout,
		PongTimeout:     c.WS.PongTimeout,
		MaxMessageBytes: c.WS.MaxMessageBytes,
		CommandRate:     c.WS.CommandRate,
		CommandBurst:    c.WS.CommandBurst,
		AllowedOrigins:  c.WS.AllowedOrigins,
	}
}

func (c Config) Telemetry(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    "dockd",
		ServiceVersion: version,
		OTLPEndpoint:   c.OTLPEndpoint,
		Insecure:       c.OTLPInsecure,
		Interval:       c.MetricsInterval,
	}
}
