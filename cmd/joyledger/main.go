package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/joyledger/internal/config"
	"github.com/dukerupert/joyledger/internal/database"
	"github.com/dukerupert/joyledger/internal/jobs"
	"github.com/dukerupert/joyledger/internal/logging"
	"github.com/dukerupert/joyledger/internal/notify"
	"github.com/dukerupert/joyledger/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger, logCloser := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("joyledger exited", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.RequireSecret(); err != nil {
		return err
	}
	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var notifiers []notify.Notifier
	if cfg.AMQPURL != "" {
		pub := notify.NewPublisher(cfg.AMQPURL, cfg.AMQPQueue, logger)
		defer pub.Close()
		notifiers = append(notifiers, pub)
	}

	srv := server.New(db, server.Config{
		JWTSecret:      []byte(cfg.JWTSecret),
		AdminKeyHash:   cfg.AdminKeyHash,
		Pricing:        pricing,
		GrantAmount:    cfg.GrantAmount,
		NoShowGrace:    cfg.NoShowGrace,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		AllowedOrigins: cfg.AllowedOrigins,
		Notifiers:      notifiers,
	}, logger)

	scheduler := jobs.NewScheduler(srv.Sweeper(), srv.Grants(), jobs.Config{
		SweepInterval:      cfg.SweepInterval,
		GrantCheckInterval: cfg.GrantCheckInterval,
		GrantAmount:        cfg.GrantAmount,
	}, logger, func() { srv.RateLimiter().Cleanup(10 * time.Minute) })

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("joyledger listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start(ctx)
		<-ctx.Done()
		scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
