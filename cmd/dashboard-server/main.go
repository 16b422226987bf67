package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinsync/dashboard/internal/config"
	"github.com/clinsync/dashboard/internal/server"
	"github.com/clinsync/dashboard/internal/source"
	syncpkg "github.com/clinsync/dashboard/internal/sync"
	"github.com/clinsync/dashboard/internal/timeline"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dashboard-server",
		Short: "Clinical dashboard data layer server",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard data layer server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Source clients
	mock, err := source.NewMockClient(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load mock fixtures")
	}

	var remote source.Client
	if cfg.FHIRBaseURL != "" {
		remote = source.NewRemoteClient(cfg.FHIRBaseURL, logger, source.WithTimeout(cfg.RequestTimeout()))
	}

	// Enrichment collaborator: remote service when configured, seeded
	// fallback otherwise so timelines stay reproducible.
	var generator timeline.Generator
	if cfg.EnrichmentURL != "" {
		generator = timeline.NewRemoteGenerator(cfg.EnrichmentURL, cfg.EnrichmentTimeout(), logger)
	} else {
		generator = timeline.NewSeededGenerator(cfg.MockSeed)
	}

	// Coordinator
	coordinator := syncpkg.New(remote, mock, logger,
		syncpkg.WithInterval(cfg.SyncInterval()),
		syncpkg.WithGenerator(generator),
		syncpkg.WithSeed(cfg.MockSeed),
	)
	defer coordinator.Destroy()

	ctx := context.Background()
	if _, err := coordinator.Initialize(ctx, cfg.UseRemote); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize sync coordinator")
	}
	status := coordinator.Status()
	logger.Info().
		Str("state", string(status.State)).
		Str("source", status.Source).
		Msg("sync coordinator initialized")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	hub := server.NewHub(logger)
	unsubscribe := coordinator.Subscribe(hub.BroadcastSnapshot)
	defer unsubscribe()

	handler := server.NewHandler(coordinator, hub, logger)
	handler.RegisterRoutes(e)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("dashboard server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	coordinator.Destroy()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
