/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the lending accrual engine. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (best effort) and parse flags
  2. Open the SQLite store and migrate the schema
  3. Build the processing registry (queues, workers, executors)
  4. Start the workers and the daily scheduler
  5. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: lending.db)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  SCHEDULER_ENABLED   "false" pauses automatic daily submission
  SCHEDULER_TZ        IANA timezone for "yesterday" (default: UTC)
  SCHEDULER_INTERVAL  Go duration between scheduler checks
  LOG_LEVEL           zerolog level (default: info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections (30s drain)
  3. Close the queues and wait for workers to finish in-flight runs
  4. Close the database

SEE ALSO:
  - api/server.go: router configuration
  - process/registry.go: pipeline wiring
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/warp/lending-engine/api"
	"github.com/warp/lending-engine/metrics"
	"github.com/warp/lending-engine/process"
	"github.com/warp/lending-engine/scheduler"
	"github.com/warp/lending-engine/store/sqlite"
)

// defaultAccounts is the chart-of-accounts binding for the built-in
// executors. A real deployment overrides these with its GL codes.
var defaultAccounts = process.Accounts{
	InterestReceivable:     "1305-interest-receivable",
	InterestIncome:         "4105-interest-income",
	LateInterestReceivable: "1310-late-interest-receivable",
	LateInterestIncome:     "4110-late-interest-income",
	InsuranceReceivable:    "1315-insurance-receivable",
	InsuranceIncome:        "4115-insurance-income",
	FeeReceivable:          "1320-fee-receivable",
	FeeIncome:              "4120-fee-income",
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "lending.db", "SQLite database path")
	flag.Parse()

	log := newLogger()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	m := metrics.New()

	registry, err := process.NewRegistry(store, process.DefaultExecutors(store, defaultAccounts), m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build processing registry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.Start(ctx)

	sched := scheduler.New(registry.Orchestrator, log, schedulerOptions(log)...)
	sched.Start(ctx)

	handler := api.NewHandler(store, registry.Orchestrator, api.AllowAll{}, m, log)
	router := api.NewRouter(handler, m.Registry)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Drain the queues so claimed runs reach a terminal status.
	registry.Stop()
	log.Info().Msg("server stopped")
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func schedulerOptions(log zerolog.Logger) []scheduler.Option {
	var opts []scheduler.Option

	if os.Getenv("SCHEDULER_ENABLED") == "false" {
		opts = append(opts, scheduler.WithEnabled(false))
	}
	if tz := os.Getenv("SCHEDULER_TZ"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn().Str("tz", tz).Err(err).Msg("invalid SCHEDULER_TZ, using UTC")
		} else {
			opts = append(opts, scheduler.WithLocation(loc))
		}
	}
	if iv := os.Getenv("SCHEDULER_INTERVAL"); iv != "" {
		d, err := time.ParseDuration(iv)
		if err != nil || d <= 0 {
			log.Warn().Str("interval", iv).Msg("invalid SCHEDULER_INTERVAL, using default")
		} else {
			opts = append(opts, scheduler.WithInterval(d))
		}
	}
	return opts
}
