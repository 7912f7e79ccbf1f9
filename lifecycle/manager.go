package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/profile-engine/metrics"
	"github.com/warp/profile-engine/model"
)

// Store is what a sweep reads and writes.
type Store interface {
	ListSubscriptionsByStatus(ctx context.Context, statuses ...model.SubscriptionStatus) ([]model.Subscription, error)
	ApplyStatusChanges(ctx context.Context, changes []model.StatusChange, at time.Time) (int, error)
	model.RunStore
}

// DefaultSweepTimeout bounds a scheduled sweep.
const DefaultSweepTimeout = 10 * time.Minute

// recordTimeout bounds the final audit write of a sweep whose context is done.
const recordTimeout = 5 * time.Second

// Manager runs full-population lifecycle sweeps.
type Manager struct {
	store   Store
	logger  zerolog.Logger
	now     func() time.Time
	window  time.Duration
	timeout time.Duration
}

type Option func(*Manager)

// WithClock overrides the sweep's notion of now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithContactWindow sets how long before endDate subscriptions are flagged.
func WithContactWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithSweepTimeout bounds each RunLifecycleSweep.
func WithSweepTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func NewManager(store Store, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
		now:     time.Now,
		window:  DefaultContactWindow,
		timeout: DefaultSweepTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunLifecycleSweep runs one sweep, bounded by the sweep timeout, and only
// logs its outcome. It is the entry point for the scheduler and for
// operational re-runs.
func (m *Manager) RunLifecycleSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if _, err := m.Sweep(ctx); err != nil {
		m.logger.Error().Err(err).Msg("lifecycle sweep failed")
	}
}

// Sweep plans and applies transitions for every non-expired subscription.
// Per-record failures are logged and counted in the returned run; only a
// failure to load the population is returned as an error.
func (m *Manager) Sweep(ctx context.Context) (*model.LifecycleRun, error) {
	now := m.now().UTC()
	started := time.Now()
	defer func() { metrics.LifecycleSweepDuration.Observe(time.Since(started).Seconds()) }()

	run := model.LifecycleRun{
		ID:        uuid.NewString(),
		Status:    model.RunRunning,
		StartedAt: now,
	}
	m.saveRun(ctx, run)

	subs, err := m.store.ListSubscriptionsByStatus(ctx,
		model.StatusPending, model.StatusActive, model.StatusContactNeeded)
	if err != nil {
		err = fmt.Errorf("load subscriptions: %w", err)
		m.finish(ctx, &run, err)
		return &run, err
	}

	groups := PlanAll(subs, now, m.window)
	for _, kind := range Transitions {
		changes := groups[kind]
		if len(changes) == 0 {
			continue
		}
		applied, failed := m.applyGroup(ctx, kind, changes, now)

		switch kind {
		case TransitionActivate:
			run.Activated = applied
		case TransitionFlagContact:
			run.ContactFlagged = applied
		case TransitionExpire:
			run.Expired = applied
		}
		run.Failed += failed
		metrics.LifecycleTransitionsTotal.WithLabelValues(string(kind)).Add(float64(applied))
	}

	m.finish(ctx, &run, nil)
	m.logger.Info().
		Str("run_id", run.ID).
		Int("candidates", len(subs)).
		Int("activated", run.Activated).
		Int("contact_flagged", run.ContactFlagged).
		Int("expired", run.Expired).
		Int("failed", run.Failed).
		Msg("lifecycle sweep completed")
	return &run, nil
}

// applyGroup commits one transition group. If the group commit fails it
// retries change by change so one bad record cannot block the rest.
func (m *Manager) applyGroup(ctx context.Context, kind Transition, changes []model.StatusChange, now time.Time) (applied, failed int) {
	n, err := m.store.ApplyStatusChanges(ctx, changes, now)
	if err == nil {
		return n, 0
	}

	m.logger.Warn().Err(err).
		Str("transition", string(kind)).
		Int("changes", len(changes)).
		Msg("group commit failed, applying individually")

	for _, ch := range changes {
		n, err := m.store.ApplyStatusChanges(ctx, []model.StatusChange{ch}, now)
		if err != nil {
			failed++
			metrics.LifecycleFailuresTotal.WithLabelValues(string(kind)).Inc()
			m.logger.Error().Err(err).
				Str("subscription_id", string(ch.SubscriptionID)).
				Str("transition", string(kind)).
				Str("from", string(ch.From)).
				Str("to", string(ch.To)).
				Msg("subscription transition failed")
			continue
		}
		applied += n
	}
	return applied, failed
}

func (m *Manager) finish(ctx context.Context, run *model.LifecycleRun, err error) {
	completed := m.now().UTC()
	run.CompletedAt = &completed
	run.Status = model.RunCompleted
	if err != nil {
		run.Status = model.RunFailed
		run.Error = err.Error()
	}
	// The run must still be recorded when the sweep ran out of time.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	m.saveRun(ctx, *run)
}

func (m *Manager) saveRun(ctx context.Context, run model.LifecycleRun) {
	if err := m.store.SaveLifecycleRun(ctx, run); err != nil {
		m.logger.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record lifecycle run")
	}
}
