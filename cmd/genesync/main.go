package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/genesync-lab/genesync/internal/booking"
	corecfg "github.com/genesync-lab/genesync/internal/core/config"
	"github.com/genesync-lab/genesync/internal/core/storage/postgres"
	"github.com/genesync-lab/genesync/internal/engine"
	"github.com/genesync-lab/genesync/internal/migrations"
	"github.com/genesync-lab/genesync/internal/observability/metrics"
	"github.com/genesync-lab/genesync/internal/portal"
	"github.com/genesync-lab/genesync/internal/server"
	"github.com/genesync-lab/genesync/internal/widgets"
)

func main() {
	configPath := flag.String("config", "genesync.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	location, err := time.LoadLocation(cfg.Portal.Timezone)
	if err != nil {
		slog.Error("Invalid timezone", "value", cfg.Portal.Timezone, "error", err)
		os.Exit(1)
	}

	metrics.Init()

	// 2. Initialize Storage (PostgreSQL)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// 3. Initialize Portal Client
	creds := portal.Credentials{Email: cfg.Portal.Email, Password: cfg.Portal.Password}
	sessions := portal.NewSessionManager(creds, portal.AuthConfig{
		BaseURL:     cfg.Portal.AuthBaseURL,
		ClientID:    cfg.Portal.ClientID,
		RedirectURI: cfg.Portal.RedirectURI,
		Policy:      cfg.Portal.Policy,
	})
	client := portal.NewClient(cfg.Portal.APIBaseURL, sessions)

	// 4. Initialize Sync Engine
	fetcher := widgets.NewFetcher(client, cfg.Sync.WidgetTimeoutDuration(), cfg.Sync.UsageWindowDays)
	eng := engine.New(dbAdapter, fetcher, client, creds.AccountLabel(), engine.Options{
		PassDeadline:       cfg.Sync.PassDeadlineDuration(),
		BackfillChunkDays:  cfg.Sync.BackfillChunkDays,
		BackfillChunkDelay: cfg.Sync.BackfillChunkDelayDuration(),
	})
	scheduler := engine.NewScheduler(cfg.Sync.IntervalDuration(), eng)

	slog.Info("Sync engine initialized",
		"account", creds.AccountLabel(),
		"interval", cfg.Sync.Interval,
		"widget_timeout", cfg.Sync.WidgetTimeout,
	)

	// 5. Initialize Booking
	bookingSvc := booking.NewService(client, booking.NewResolver(client))

	// 6. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter.DB(), cfg.Server.Mode)
	v1 := srv.Engine.Group("/v1")
	engine.NewHandler(eng).Register(v1)
	booking.NewHandler(bookingSvc, location).Register(v1)

	// 7. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := scheduler.Start(ctx); err != nil {
			slog.Error("Scheduler stopped with error", "error", err)
		}
	}()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
