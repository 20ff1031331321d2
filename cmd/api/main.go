package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"brokerhub/activity"
	"brokerhub/config"
	"brokerhub/dashboard"
	"brokerhub/db"
	"brokerhub/hierarchy"
	"brokerhub/migrations"
	"brokerhub/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("brokerhub api stopped")
	}
	log.Info().Msg("brokerhub api stopped")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config) error {
	repo, events, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var publisher activity.Publisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.ReconnectWait(2*time.Second),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = activity.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
		log.Info().Str("url", cfg.NATS.URL).Msg("publishing activity to nats")
	}
	recorder := activity.NewRecorder(events, publisher)

	directory := hierarchy.NewService(repo, recorder).WithBcryptCost(cfg.Auth.BcryptCost)
	sessions := session.NewService(
		directory,
		session.NewMemoryStore(),
		session.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		cfg.Auth.SessionIdleTTL,
		recorder,
	)
	dashboards := dashboard.NewService(directory, events).
		WithMonthlyTarget(cfg.Dashboard.MonthlyLoadTarget).
		WithActivityLimit(cfg.Dashboard.RecentActivityLimit)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      NewServer(directory, sessions, dashboards, cfg.HTTP.AllowedOrigins).Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Bool("in_memory", cfg.InMemory()).Msg("brokerhub api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sessions.RunSweeper(gctx, cfg.Auth.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStores picks the in-memory or PostgreSQL backing for the directory and
// the activity log.
func openStores(ctx context.Context, cfg *config.Config) (hierarchy.Repository, activity.Log, func(), error) {
	if cfg.InMemory() {
		log.Warn().Msg("no database configured, using in-memory stores")
		return hierarchy.NewMemoryRepository(), activity.NewMemoryLog(), func() {}, nil
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, nil, err
	}
	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if len(applied) > 0 {
		log.Info().Strs("migrations", applied).Msg("schema migrated")
	}
	return hierarchy.NewPGRepository(pool), activity.NewPGLog(pool), pool.Close, nil
}
