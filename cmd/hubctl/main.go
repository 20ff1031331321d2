package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"brokerhub/activity"
	"brokerhub/config"
	"brokerhub/dashboard"
	"brokerhub/db"
	"brokerhub/hierarchy"
	"brokerhub/migrations"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openPostgres).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// backend is everything a hubctl command may touch.
type backend struct {
	directory  *hierarchy.Service
	dashboards *dashboard.Service
	migrate    func(context.Context) ([]string, error)
	close      func()
}

type opener func(ctx context.Context, opts *globalOptions) (*backend, error)

var errNoDatabase = errors.New("hubctl: no database configured; pass --database-url or set DATABASE_URL")

func openPostgres(ctx context.Context, opts *globalOptions) (*backend, error) {
	cfg, err := config.LoadUnvalidated(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.databaseURL != "" {
		cfg.Database.URL = opts.databaseURL
	}
	if cfg.InMemory() {
		return nil, errNoDatabase
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("hubctl: connect: %w", err)
	}

	events := activity.NewPGLog(pool)
	directory := hierarchy.NewService(hierarchy.NewPGRepository(pool), activity.NewRecorder(events, nil)).
		WithBcryptCost(cfg.Auth.BcryptCost)
	dashboards := dashboard.NewService(directory, events).
		WithMonthlyTarget(cfg.Dashboard.MonthlyLoadTarget).
		WithActivityLimit(cfg.Dashboard.RecentActivityLimit)

	return &backend{
		directory:  directory,
		dashboards: dashboards,
		migrate: func(ctx context.Context) ([]string, error) {
			return migrations.Apply(ctx, pool)
		},
		close: pool.Close,
	}, nil
}
