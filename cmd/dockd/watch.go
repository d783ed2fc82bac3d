package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/roboricindustries/raycon-docks/pkg/client"
	"github.com/roboricindustries/raycon-docks/pkg/dock"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
)

func watch(opts docopt.Opts) error {
	_, logger, err := loadConfig()
	if err != nil {
		return err
	}
	var direction dock.Direction
	if raw := str(opts, "--direction"); raw != "" {
		if direction, err = dock.ParseDirection(raw); err != nil {
			return err
		}
	}

	base, err := restBase(str(opts, "--url"))
	if err != nil {
		return err
	}
	api, err := client.NewAPI(client.APIConfig{BaseURL: base, Token: str(opts, "--token")})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := client.New(client.Config{
		URL:       str(opts, "--url"),
		Token:     str(opts, "--token"),
		Direction: direction,
		Lister:    api,
		Logger:    logger,
	}, client.Handlers{
		OnAck: func(a docks.ConnectionAck) {
			Out.Printf("connected as %s (connection %s)", a.UserID, a.ConnectionID)
		},
		OnLoad: func(rows []dock.Assignment) {
			for _, a := range rows {
				Out.Printf("%-8s assignment=%d v%d dock=%d load=%d status=%d dir=%s",
					"loaded", a.ID, a.Version, a.DockID, a.LoadID, a.StatusID, a.Direction)
			}
		},
		OnChange: func(n docks.Notification, changed bool) {
			if changed {
				printChange(n)
			}
		},
		OnConflict: func(c docks.ConflictDetected) {
			Out.Printf("CONFLICT assignment=%d current=%d attempted=%d: %s",
				c.AssignmentID, c.CurrentVersion, c.AttemptedVersion, c.Message)
		},
		OnError: func(e docks.Error) {
			Out.Printf("error %s: %s", e.Code, e.Message)
		},
		OnState: func(st client.State, err error) {
			if err != nil {
				logger.Info("connection state", slog.String("state", string(st)), slog.Any("error", err))
			}
		},
	}, nil)
	api.Bind(s)

	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// restBase turns ws://host/api/ws into http://host.
func restBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse --url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("--url must be ws:// or wss://, got %q", wsURL)
	}
	u.Path, u.RawQuery = "", ""
	return u.String(), nil
}

func printChange(n docks.Notification) {
	var a dock.Assignment
	var by dock.Actor
	switch v := n.(type) {
	case docks.AssignmentCreated:
		a, by = v.Assignment, v.ChangedBy
	case docks.AssignmentUpdated:
		a, by = v.Assignment, v.ChangedBy
	case docks.AssignmentDeleted:
		a, by = v.Assignment, v.ChangedBy
	default:
		return
	}
	Out.Printf("%-8s assignment=%d v%d dock=%d load=%d status=%d dir=%s by=%s",
		n.NotificationType(), a.ID, a.Version, a.DockID, a.LoadID, a.StatusID, a.Direction, by.UserID)
}
