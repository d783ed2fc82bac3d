package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/roboricindustries/raycon-docks/pkg/audit"
	"github.com/roboricindustries/raycon-docks/pkg/auth"
	"github.com/roboricindustries/raycon-docks/pkg/config"
	"github.com/roboricindustries/raycon-docks/pkg/coordinator"
	"github.com/roboricindustries/raycon-docks/pkg/httpapi"
	"github.com/roboricindustries/raycon-docks/pkg/logging"
	"github.com/roboricindustries/raycon-docks/pkg/pubsub"
	"github.com/roboricindustries/raycon-docks/pkg/realtime"
	"github.com/roboricindustries/raycon-docks/pkg/seed"
	"github.com/roboricindustries/raycon-docks/pkg/telemetry"
	"github.com/roboricindustries/raycon-docks/pkg/versionstore"
)

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(os.Stderr, "dockd", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serve(opts docopt.Opts) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if f := str(opts, "--seed"); f != "" {
		cfg.SeedFile = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prov, err := telemetry.Setup(ctx, cfg.Telemetry(Version), logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = prov.Shutdown(sctx)
	}()
	metrics, err := telemetry.NewMetrics(telemetry.Meter())
	if err != nil {
		return err
	}

	store, err := versionstore.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer func() { _ = store.Close() }()

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, store, f, logger); err != nil {
			return err
		}
	}

	var pub pubsub.Publisher
	if cfg.AMQP.URL != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub(), logger)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		pub = client
	} else {
		pub = pubsub.NewFallback(logger)
	}
	defer func() { _ = pub.Close() }()

	ring := audit.NewRing(cfg.AuditRingSize)
	sink := audit.Multi{audit.NewLogSink(logger), ring, audit.NewAMQPSink(pub)}

	reg := realtime.NewRegistry(metrics)
	disp := realtime.NewDispatcher(reg, logger, metrics)
	coord := coordinator.New(store, coordinator.Options{
		StoreTimeout: cfg.StoreTimeout,
		AuditTimeout: cfg.AuditTimeout,
		Audit:        sink,
		Publisher:    disp,
		Conflicts:    disp,
		Metrics:      metrics,
		Logger:       logger,
	})

	authn, err := auth.NewJWT(auth.JWTConfig{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		Leeway: cfg.JWTLeeway,
	})
	if err != nil {
		return err
	}
	hub := realtime.NewHub(reg, authn, cfg.Session(), logger)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewHandler(httpapi.Deps{
			Coordinator: coord,
			Registry:    reg,
			Hub:         hub,
			Auth:        authn,
			Audit:       ring,
			Logger:      logger,
			RateLimit:   cfg.RateLimit,
			RateBurst:   cfg.RateBurst,
		}),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}
	srv.RegisterOnShutdown(hub.CloseAll)

	logger.Info("dockd listening",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("store", cfg.Store.Backend),
		slog.Bool("broker", cfg.AMQP.URL != ""),
	)
	if err := runServer(ctx, srv, cfg.ShutdownTimeout); err != nil {
		return err
	}
	logger.Info("dockd stopped")
	return nil
}
