/*
Package app builds the component graph shared by the server and the CLI.

WIRING:
  config -> sqlstore (migrated) -> capacity model (platform LRU)
         -> allocation engine, lifecycle manager, subscription service,
            catalog importer, rate refresher
  Jobs() lists the scheduler entries; the caller owns the scheduler.
*/
package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/profile-engine/allocation"
	"github.com/warp/profile-engine/api"
	"github.com/warp/profile-engine/capacity"
	"github.com/warp/profile-engine/config"
	"github.com/warp/profile-engine/lifecycle"
	"github.com/warp/profile-engine/rates"
	"github.com/warp/profile-engine/scheduler"
	"github.com/warp/profile-engine/seed"
	"github.com/warp/profile-engine/store/sqlstore"
	"github.com/warp/profile-engine/subscription"
)

const (
	JobLifecycle = "lifecycle"
	JobRates     = "rates"
)

type App struct {
	Config        *config.Config
	Logger        zerolog.Logger
	Store         *sqlstore.Store
	Capacity      *capacity.Model
	Allocation    *allocation.Engine
	Lifecycle     *lifecycle.Manager
	Subscriptions *subscription.Service
	Importer      *seed.Importer
	Rates         *rates.Refresher
}

// New opens the store and builds every component.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	store, err := sqlstore.New(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	capModel, err := capacity.New(store, cfg.PlatformCacheSize)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Store:         store,
		Capacity:      capModel,
		Allocation:    allocation.NewEngine(store, capModel, logger),
		Lifecycle:     lifecycle.NewManager(store, logger,
			lifecycle.WithContactWindow(cfg.ContactWindow),
			lifecycle.WithSweepTimeout(cfg.LifecycleTimeout)),
		Subscriptions: subscription.NewService(store, logger),
		Importer:      seed.NewImporter(store, capModel, logger),
		Rates:         rates.NewRefresher(rates.NewHTTPSource(cfg.RatesURL), store, cfg.RatesBase, logger),
	}, nil
}

// Jobs returns the scheduler entries. The rate refresh is left out when no
// endpoint is configured.
func (a *App) Jobs() []scheduler.Job {
	jobs := []scheduler.Job{
		{Name: JobLifecycle, Schedule: a.Config.LifecycleSchedule, Run: a.Lifecycle.RunLifecycleSweep},
	}
	if a.Config.RatesURL == "" {
		a.Logger.Warn().Msg("RATES_URL not set, currency rate refresh disabled")
		return jobs
	}
	return append(jobs, scheduler.Job{Name: JobRates, Schedule: a.Config.RatesSchedule, Run: a.Rates.RunRefresh})
}

// Handler builds the HTTP handler set. jobs backs the on-demand job
// endpoint and may be nil when no scheduler runs in this process.
func (a *App) Handler(jobs api.JobRunner) *api.Handler {
	return api.NewHandler(api.Deps{
		Subscriptions: a.Subscriptions,
		Allocation:    a.Allocation,
		Capacity:      a.Capacity,
		Lifecycle:     a.Lifecycle,
		Importer:      a.Importer,
		Runs:          a.Store,
		Rates:         a.Store,
		Jobs:          jobs,
		Logger:        a.Logger,
	})
}

func (a *App) Close() error {
	return a.Store.Close()
}
