package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/roboricindustries/raycon-docks/pkg/config"
	"github.com/roboricindustries/raycon-docks/pkg/pubsub"
	"github.com/roboricindustries/raycon-docks/pkg/schemas/common"
)

// tail prints every envelope dockd publishes to the broker.
func tail(opts docopt.Opts) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.AMQP.URL == "" {
		return errors.New(config.Prefix + "AMQP_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := pubsub.NewClient(ctx, cfg.PubSub(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	err = c.RunConsumer(ctx, pubsub.ConsumerSpec{
		Name:       "tail",
		BindingKey: str(opts, "--binding"),
		Consume: pubsub.JSONHandler(func(_ context.Context, env common.Envelope) error {
			Out.Printf("%s %s %s", env.Meta.Time.Format(time.RFC3339), env.Meta.Type, env.Data)
			return nil
		}),
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
