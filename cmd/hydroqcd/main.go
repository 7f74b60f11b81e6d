package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydroqc/hydroqcd/internal/config"
	"github.com/hydroqc/hydroqcd/internal/coordinator"
	"github.com/hydroqc/hydroqcd/internal/hydro"
	"github.com/hydroqc/hydroqcd/internal/importer"
	"github.com/hydroqc/hydroqcd/internal/models"
	"github.com/hydroqc/hydroqcd/internal/statistics"
	"github.com/hydroqc/hydroqcd/internal/web"
)

// Command hydroqcd polls Hydro-Québec account and peak event data and
// serves it over HTTP.
//
// The service supports:
//   - Portal sessions against the customer space API
//   - Anonymous peak event polling from open data
//   - Hourly consumption import into TimescaleDB
//   - Prometheus metrics
//
// Usage:
//
//	hydroqcd [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-cache-size int
//	      size of the response LRU cache (default 1000)
func main() {
	flags := parseFlags()

	appConfig, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(appConfig.Logging)

	logger.WithFields(logrus.Fields{
		"mode": string(appConfig.Hydro.Mode),
		"port": appConfig.Server.Port,
	}).Info("Starting hydroqcd")

	repo, err := statistics.NewPostgresRepo(appConfig.Database.ConnString())
	if err != nil {
		logger.Fatalf("Failed to open statistics store: %v", err)
	}

	params, err := appConfig.Hydro.SessionParams()
	if err != nil {
		logger.Fatalf("Invalid hydro configuration: %v", err)
	}

	client, err := hydro.NewClient(params, logger)
	if err != nil {
		logger.Fatalf("Failed to create data client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := coordinator.New(client, appConfig.Hydro, logger)

	imp := importer.New(repo, models.StatisticsMetadata{
		StatisticID: "hydroqc:consumption_hourly",
		Source:      "hydroqc",
		Unit:        "kWh",
	}, logger)

	srv := web.NewServer(coord, client, imp, repo, logger)
	router, err := web.SetupRouter(srv, web.ServerConfig{
		CacheSize:      flags.CacheSize,
		RateLimit:      flags.RateLimit,
		RateLimitBurst: flags.RateLimitBurst,
	})
	if err != nil {
		logger.Fatalf("Failed to setup server: %v", err)
	}

	errChan := make(chan error, 1)

	// First refresh in a goroutine so a slow or down upstream does not
	// block the HTTP surface from coming up.
	go func() {
		if err := coord.Refresh(ctx); err != nil {
			logger.WithError(err).Warn("Initial refresh failed, will retry on schedule")
		}
	}()

	// Backfill yesterday's hourly consumption on startup. Portal only;
	// open data has no consumption endpoint.
	if appConfig.Hydro.Mode == config.ModePortal {
		go bootstrapConsumption(ctx, client, imp, logger)
	}

	if err := coord.Start(); err != nil {
		logger.Fatalf("Failed to start refresh scheduler: %v", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.Port),
		Handler: router,
	}

	go handleShutdown(ctx, httpServer, coord, client, repo, logger)

	logger.WithFields(logrus.Fields{
		"addr": httpServer.Addr,
	}).Info("Starting HTTP server")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	if err := <-errChan; err != nil {
		logger.Fatalf("Service error: %v", err)
	}
}

type Flags struct {
	ConfigPath     string
	CacheSize      int
	RateLimit      float64
	RateLimitBurst int
}

func parseFlags() *Flags {
	flags := &Flags{}

	flag.StringVar(&flags.ConfigPath, "config", "config.yaml", "Path to config file")
	flag.IntVar(&flags.CacheSize, "cache-size", 1000, "Size of the response LRU cache")
	flag.Float64Var(&flags.RateLimit, "rate-limit", 5.0, "Rate limit in requests per second")
	flag.IntVar(&flags.RateLimitBurst, "rate-limit-burst", 10, "Maximum burst size for rate limiting")

	flag.Parse()

	return flags
}

func bootstrapConsumption(ctx context.Context, client hydro.DataClient, imp *importer.Importer, logger *logrus.Logger) {
	day := time.Now().AddDate(0, 0, -1).Format("2006-01-02")

	rows, err := client.FetchHourlyConsumption(ctx, day)
	if err != nil {
		logger.WithError(err).WithField("date", day).Warn("Consumption bootstrap fetch failed")
		return
	}

	intervals, err := imp.ParseHourlyRows(rows)
	if err != nil {
		logger.WithError(err).WithField("date", day).Warn("Consumption bootstrap parse failed")
		return
	}

	inserted, err := imp.Import(ctx, intervals)
	if err != nil {
		logger.WithError(err).WithField("date", day).Warn("Consumption bootstrap import failed")
		return
	}

	logger.WithFields(logrus.Fields{
		"date":     day,
		"inserted": inserted,
	}).Info("Consumption bootstrap complete")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// Handle graceful shutdown
func handleShutdown(
	ctx context.Context,
	httpServer *http.Server,
	coord *coordinator.Coordinator,
	client hydro.DataClient,
	repo statistics.Repository,
	logger *logrus.Logger,
) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Println("Context canceled, initiating shutdown")
	case sig := <-sigChan:
		logger.Printf("Received signal %v, initiating shutdown", sig)
	}

	logger.Println("Gracefully stopping server...")
	coord.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown did not complete cleanly")
	}
	logger.Println("Server stopped")

	client.Close()
	repo.Close()
	os.Exit(0)
}
