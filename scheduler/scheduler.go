/*
Package scheduler triggers recurring background jobs on cron schedules.

JOBS:
  Each job is registered as its own cron entry. A job whose schedule does
  not parse is logged and left out; the others are still scheduled. Every
  run, scheduled or manual, goes through the same guard:
    one run per job    a tick or RunNow that arrives while the previous run
                       of the same job is still going is skipped
    cron.Recover       a panicking run is logged and does not kill the
                       process; the guard is released either way, so the
                       next tick runs the job again

LIFETIME:
  The Scheduler is created and owned by main. Start registers and starts the
  entries; Stop stops ticking and returns a context that is done once running
  jobs have finished.
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/profile-engine/metrics"
)

var (
	// ErrUnknownJob is returned by RunNow for a name no job was registered with.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned by RunNow when the job is already running.
	ErrJobRunning = errors.New("job already running")
)

// Job is one named recurring task.
type Job struct {
	Name     string
	Schedule string
	Run      func()
}

type Scheduler struct {
	cron       *cron.Cron
	logger     zerolog.Logger
	jobs       []Job
	wrapped    map[string]*guardedJob
	runOnStart bool

	mu        sync.Mutex
	started   bool
	scheduled map[string]cron.EntryID
}

type Option func(*Scheduler)

// WithRunOnStart runs every scheduled job once right after Start.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) { s.runOnStart = enabled }
}

func New(logger zerolog.Logger, jobs []Job, opts ...Option) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}

	s := &Scheduler{
		cron:      cron.New(cron.WithLogger(cl)),
		logger:    logger,
		jobs:      jobs,
		wrapped:   make(map[string]*guardedJob, len(jobs)),
		scheduled: make(map[string]cron.EntryID, len(jobs)),
	}
	for _, opt := range opts {
		opt(s)
	}

	// RunNow and scheduled ticks share one wrapped job per name, so a manual
	// run and a tick of the same job never overlap.
	for _, j := range jobs {
		s.wrapped[j.Name] = &guardedJob{
			name:    j.Name,
			inner:   cron.NewChain(cron.Recover(cl)).Then(instrument(j)),
			running: make(chan struct{}, 1),
			logger:  logger,
		}
	}
	return s
}

// Start registers each job and starts ticking. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, j := range s.jobs {
		if j.Schedule == "" {
			s.logger.Info().Str("job", j.Name).Msg("job disabled, no schedule")
			continue
		}
		id, err := s.cron.AddJob(j.Schedule, s.wrapped[j.Name])
		if err != nil {
			s.logger.Error().Err(err).
				Str("job", j.Name).
				Str("schedule", j.Schedule).
				Msg("failed to schedule job")
			continue
		}
		s.scheduled[j.Name] = id
		s.logger.Info().Str("job", j.Name).Str("schedule", j.Schedule).Msg("scheduled job")
	}

	s.cron.Start()

	if s.runOnStart {
		for name := range s.scheduled {
			go s.wrapped[name].Run()
		}
	}
}

// Stop stops the cron scheduler. The returned context is done when running
// jobs have completed.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Scheduled lists the names of jobs that have a cron entry, sorted.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.scheduled))
	for name := range s.scheduled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs the named job synchronously through the same guard as a
// scheduled tick. It works whether or not the job has a valid schedule and
// returns ErrJobRunning when the run was skipped.
func (s *Scheduler) RunNow(name string) error {
	job, ok := s.wrapped[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	s.logger.Info().Str("job", name).Msg("running job on demand")
	if !job.run() {
		return fmt.Errorf("%w: %q", ErrJobRunning, name)
	}
	return nil
}

// guardedJob allows one run of a job at a time. The token is released by a
// deferred receive, so a run that panics past the inner chain still frees it.
type guardedJob struct {
	name    string
	inner   cron.Job
	running chan struct{}
	logger  zerolog.Logger
}

// Run implements cron.Job.
func (g *guardedJob) Run() { g.run() }

// run reports whether the job ran.
func (g *guardedJob) run() bool {
	select {
	case g.running <- struct{}{}:
	default:
		metrics.SchedulerJobRunsTotal.WithLabelValues(g.name, "skipped").Inc()
		g.logger.Info().Str("job", g.name).Msg("job still running, skipping")
		return false
	}
	defer func() { <-g.running }()
	g.inner.Run()
	return true
}

// instrument counts job results. Panics are counted and re-raised so the
// Recover wrapper logs them.
func instrument(j Job) cron.Job {
	return cron.FuncJob(func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.SchedulerJobRunsTotal.WithLabelValues(j.Name, "panic").Inc()
				panic(r)
			}
		}()
		j.Run()
		metrics.SchedulerJobRunsTotal.WithLabelValues(j.Name, "completed").Inc()
	})
}

// cronLogger adapts zerolog to cron.Logger. cron's info messages fire on
// every wake-up, so they go to debug.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
