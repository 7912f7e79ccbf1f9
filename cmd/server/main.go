/*
main.go - Application entry point

PURPOSE:
  Starts the profile allocation service: HTTP API, metrics listener and the
  background job scheduler.

STARTUP SEQUENCE:
  1. Load configuration (.env, then environment)
  2. Build the logger
  3. Open and migrate the database, build components
  4. Register database pool metrics
  5. Start the scheduler (lifecycle sweep, currency rate refresh)
  6. Serve the API and metrics listeners until a signal arrives

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop scheduling new job runs
  2. Stop accepting new connections, drain requests (30s timeout)
  3. Wait for running jobs to finish
  4. Close the database

ENVIRONMENT:
  See config/config.go for every key and its default.

SEE ALSO:
  - app/app.go: Component wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/warp/profile-engine/api"
	"github.com/warp/profile-engine/app"
	"github.com/warp/profile-engine/config"
	"github.com/warp/profile-engine/logging"
	"github.com/warp/profile-engine/metrics"
	"github.com/warp/profile-engine/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.NewLogger(cfg)
	if !cfg.EnvFileLoaded {
		logger.Debug().Msg("no .env file found, using process environment")
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	if err := metrics.RegisterDBStats(a.Store.DB(), cfg.DatabaseDriver); err != nil {
		logger.Warn().Err(err).Msg("failed to register database metrics")
	}

	sched := scheduler.New(logger, a.Jobs(), scheduler.WithRunOnStart(cfg.RunJobsOnStart))
	sched.Start()

	apiServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           api.NewRouter(a.Handler(sched), cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := metrics.NewServer(cfg.MetricsListenAddr, func() error {
		return a.Store.DB().Ping()
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", apiServer.Addr).Msg("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", metricsServer.Addr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		jobsDone := sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		apiErr := apiServer.Shutdown(shutdownCtx)
		metricsErr := metricsServer.Shutdown(shutdownCtx)

		select {
		case <-jobsDone.Done():
		case <-shutdownCtx.Done():
			logger.Warn().Msg("scheduled jobs still running at shutdown")
		}
		return errors.Join(apiErr, metricsErr)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		a.Close()
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
