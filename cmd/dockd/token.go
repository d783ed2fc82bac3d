package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/roboricindustries/raycon-docks/pkg/auth"
	"github.com/roboricindustries/raycon-docks/pkg/config"
	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

func token(opts docopt.Opts) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New(config.Prefix + "JWT_SECRET is required")
	}
	ttl, err := time.ParseDuration(str(opts, "--ttl"))
	if err != nil || ttl <= 0 {
		return fmt.Errorf("invalid --ttl %q", str(opts, "--ttl"))
	}
	j, err := auth.NewJWT(auth.JWTConfig{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer})
	if err != nil {
		return err
	}
	tok, err := j.Issue(dock.Actor{
		UserID: str(opts, "--user"),
		Email:  str(opts, "--email"),
		Role:   str(opts, "--role"),
	}, ttl)
	if err != nil {
		return err
	}
	Out.Println(tok)
	return nil
}
