/*
Package allocation binds account profile slots to subscriptions.

PURPOSE:
  Callers pick explicit slots; the engine validates the whole batch and
  commits it atomically. It never ranks or auto-picks slots.

ASSIGN FLOW (one store transaction):
  1. Load and lock the subscription; EXPIRED subscriptions take no bindings
  2. Read every selected slot in id order (row locks on PostgreSQL), so
     batches naming the same slots in any order queue instead of deadlocking
  3. Per selection, in request order:
       - no slot repeated within the batch
       - account and slot exist, slot belongs to the account
       - platform supports profiles (before any capacity check)
       - platform is part of the subscription's offer
       - account is AVAILABLE
       - slot is free
  4. Offer cap, then per-(subscription, platform) cap for the whole batch
  5. Claim every slot with a conditional update and insert the bindings.
     Any failed claim aborts the transaction: no partial batch survives.

UNASSIGN:
  Releases the slot and deletes the binding. Unknown or already released
  profile ids succeed without doing anything.

SEE ALSO:
  - capacity/: Limits and assignable account listing
  - model/errors.go: Error taxonomy returned here
*/
package allocation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/profile-engine/capacity"
	"github.com/warp/profile-engine/metrics"
	"github.com/warp/profile-engine/model"
)

// Store is what the engine needs from persistence.
type Store interface {
	model.TxStore
	capacity.Reader
}

// SlotSelection names one slot the caller wants bound.
// ProfileSlot is optional; when set it must match the stored slot number.
type SlotSelection struct {
	AccountID        model.AccountID
	AccountProfileID model.AccountProfileID
	ProfileSlot      int
}

// Engine validates and commits profile bindings.
type Engine struct {
	store    Store
	capacity *capacity.Model
	logger   zerolog.Logger

	now   func() time.Time
	newID func() model.ProfileID
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for binding timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides profile id generation.
func WithIDGenerator(fn func() model.ProfileID) Option {
	return func(e *Engine) { e.newID = fn }
}

func NewEngine(store Store, capModel *capacity.Model, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		capacity: capModel,
		logger:   logger.With().Str("component", "allocation").Logger(),
		now:      time.Now,
		newID:    func() model.ProfileID { return model.ProfileID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// QUERIES
// =============================================================================

// ListAssignableAccounts returns AVAILABLE accounts on the platform with at
// least one free slot. Platforms without profile support are rejected with
// ErrPlatformUnsupported.
func (e *Engine) ListAssignableAccounts(ctx context.Context, platformID model.PlatformID) ([]capacity.AssignableAccount, error) {
	return e.capacity.AssignableAccounts(ctx, platformID)
}

// RemainingCapacity is how many more bindings the subscription may take on
// the platform in one call.
func (e *Engine) RemainingCapacity(ctx context.Context, subID model.SubscriptionID, platformID model.PlatformID) (int, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return 0, err
	}
	offer, err := e.store.GetOffer(ctx, sub.OfferID)
	if err != nil {
		return 0, err
	}
	p, err := e.capacity.Platform(ctx, platformID)
	if err != nil {
		return 0, err
	}
	profiles, err := e.store.ListProfiles(ctx, subID)
	if err != nil {
		return 0, err
	}
	return capacity.Remaining(*offer, p, len(profiles), model.CountByPlatform(profiles)[platformID]), nil
}

// =============================================================================
// ASSIGN
// =============================================================================

// selected is a validated selection with the records it refers to.
type selected struct {
	account  *model.Account
	slot     *model.AccountProfile
	platform model.Platform
}

// AssignProfiles binds every selected slot to the subscription or none of them.
func (e *Engine) AssignProfiles(ctx context.Context, subID model.SubscriptionID, selections []SlotSelection) ([]model.Profile, error) {
	var created []model.Profile

	err := e.assign(ctx, subID, selections, &created)
	metrics.AllocationRequestsTotal.WithLabelValues(outcome(err)).Inc()

	if err != nil {
		ev := e.logger.Warn()
		if !model.IsClientError(err) && !model.IsConflict(err) && !model.IsNotFound(err) {
			ev = e.logger.Error()
		}
		ev.Err(err).
			Str("subscription_id", string(subID)).
			Int("selections", len(selections)).
			Msg("profile assignment rejected")
		return nil, err
	}

	for _, p := range created {
		metrics.ProfilesBoundTotal.WithLabelValues(string(p.PlatformID)).Inc()
	}
	e.logger.Info().
		Str("subscription_id", string(subID)).
		Int("bound", len(created)).
		Msg("profiles assigned")
	return created, nil
}

func (e *Engine) assign(ctx context.Context, subID model.SubscriptionID, selections []SlotSelection, out *[]model.Profile) error {
	if len(selections) == 0 {
		return fmt.Errorf("no slots selected: %w", model.ErrInvalidSelection)
	}

	return e.store.WithTx(ctx, func(tx model.AllocationTx) error {
		*out = nil

		sub, err := tx.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status == model.StatusExpired {
			return fmt.Errorf("subscription %s: %w", sub.ID, model.ErrSubscriptionExpired)
		}

		offer, err := tx.GetOffer(ctx, sub.OfferID)
		if err != nil {
			return err
		}
		pos, err := tx.ListPlatformOffers(ctx, offer.ID)
		if err != nil {
			return err
		}
		offered := make(map[model.PlatformID]bool, len(pos))
		for _, po := range pos {
			offered[po.PlatformID] = true
		}

		batch, err := e.validate(ctx, tx, selections, offered)
		if err != nil {
			return err
		}

		existing, err := tx.ListProfiles(ctx, sub.ID)
		if err != nil {
			return err
		}
		platforms := make(map[model.PlatformID]model.Platform)
		requested := make(map[model.PlatformID]int)
		for _, s := range batch {
			platforms[s.platform.ID] = s.platform
			requested[s.platform.ID]++
		}
		if err := capacity.CheckBatch(sub.ID, *offer, platforms, existing, requested); err != nil {
			return err
		}

		now := e.now().UTC()
		for _, s := range batch {
			p := model.Profile{
				ID:               e.newID(),
				SubscriptionID:   sub.ID,
				AccountID:        s.account.ID,
				AccountProfileID: s.slot.ID,
				PlatformID:       s.platform.ID,
				ProfileSlot:      s.slot.ProfileSlot,
				CreatedAt:        now,
			}
			if err := tx.ClaimAccountProfile(ctx, s.slot.ID, p.ID); err != nil {
				return err
			}
			if err := tx.InsertProfile(ctx, p); err != nil {
				return err
			}
			*out = append(*out, p)
		}
		return nil
	})
}

// validate resolves each selection and applies the per-slot eligibility rules
// in request order.
func (e *Engine) validate(ctx context.Context, tx model.AllocationTx, selections []SlotSelection,
	offered map[model.PlatformID]bool) ([]selected, error) {

	seen := make(map[model.AccountProfileID]bool, len(selections))
	for _, sel := range selections {
		if sel.AccountProfileID == "" || sel.AccountID == "" {
			return nil, fmt.Errorf("account and account profile ids are required: %w", model.ErrInvalidSelection)
		}
		if seen[sel.AccountProfileID] {
			return nil, &model.SlotConflictError{AccountProfileID: sel.AccountProfileID, InBatch: true}
		}
		seen[sel.AccountProfileID] = true
	}

	slots, err := lockSlots(ctx, tx, seen)
	if err != nil {
		return nil, err
	}

	batch := make([]selected, 0, len(selections))
	for _, sel := range selections {
		account, err := tx.GetAccount(ctx, sel.AccountID)
		if err != nil {
			return nil, err
		}
		slot, err := slots.get(sel.AccountProfileID)
		if err != nil {
			return nil, err
		}
		if slot.AccountID != account.ID {
			return nil, fmt.Errorf("profile %s does not belong to account %s: %w",
				slot.ID, account.ID, model.ErrInvalidSelection)
		}
		if sel.ProfileSlot != 0 && sel.ProfileSlot != slot.ProfileSlot {
			return nil, fmt.Errorf("profile %s is slot %d, not %d: %w",
				slot.ID, slot.ProfileSlot, sel.ProfileSlot, model.ErrInvalidSelection)
		}

		platform, err := tx.GetPlatform(ctx, account.PlatformID)
		if err != nil {
			return nil, err
		}
		if !platform.HasProfiles {
			return nil, fmt.Errorf("platform %s: %w", platform.ID, model.ErrPlatformUnsupported)
		}
		if !offered[platform.ID] {
			return nil, fmt.Errorf("platform %s: %w", platform.ID, model.ErrPlatformNotOffered)
		}
		if account.Status != model.AccountAvailable {
			return nil, fmt.Errorf("account %s is %s: %w", account.ID, account.Status, model.ErrAccountUnavailable)
		}
		if slot.IsAssigned {
			return nil, &model.SlotConflictError{AccountProfileID: slot.ID}
		}

		batch = append(batch, selected{account: account, slot: slot, platform: *platform})
	}
	return batch, nil
}

// lockedSlots holds the slots of one batch. A slot that does not exist keeps
// its not-found error so it is reported at its place in the request.
type lockedSlots struct {
	found   map[model.AccountProfileID]*model.AccountProfile
	missing map[model.AccountProfileID]error
}

func (l lockedSlots) get(id model.AccountProfileID) (*model.AccountProfile, error) {
	if err, ok := l.missing[id]; ok {
		return nil, err
	}
	return l.found[id], nil
}

// lockSlots reads, and on stores with row locks locks, every selected slot in
// id order. Concurrent batches naming the same slots in different orders then
// queue behind each other instead of deadlocking.
func lockSlots(ctx context.Context, tx model.AllocationTx, ids map[model.AccountProfileID]bool) (lockedSlots, error) {
	ordered := make([]model.AccountProfileID, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	slices.Sort(ordered)

	l := lockedSlots{
		found:   make(map[model.AccountProfileID]*model.AccountProfile, len(ordered)),
		missing: make(map[model.AccountProfileID]error),
	}
	for _, id := range ordered {
		slot, err := tx.GetAccountProfile(ctx, id)
		switch {
		case err == nil:
			l.found[id] = slot
		case model.IsNotFound(err):
			l.missing[id] = err
		default:
			return lockedSlots{}, err
		}
	}
	return l, nil
}

// =============================================================================
// UNASSIGN
// =============================================================================

// UnassignProfile releases the binding's slot and deletes the binding.
// Unknown ids are a successful no-op.
func (e *Engine) UnassignProfile(ctx context.Context, profileID model.ProfileID) error {
	released := false
	err := e.store.WithTx(ctx, func(tx model.AllocationTx) error {
		p, err := tx.GetProfile(ctx, profileID)
		if model.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.ReleaseAccountProfile(ctx, p.AccountProfileID, p.ID); err != nil {
			return err
		}
		if err := tx.DeleteProfile(ctx, p.ID); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("profile_id", string(profileID)).Msg("unassign failed")
		return err
	}

	if released {
		metrics.UnassignmentsTotal.WithLabelValues("released").Inc()
		e.logger.Info().Str("profile_id", string(profileID)).Msg("profile unassigned")
	} else {
		metrics.UnassignmentsTotal.WithLabelValues("noop").Inc()
		e.logger.Debug().Str("profile_id", string(profileID)).Msg("profile already unassigned")
	}
	return nil
}

// outcome is the metrics label for an AssignProfiles result.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, model.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, model.ErrSlotAlreadyAssigned):
		return "slot_conflict"
	case errors.Is(err, model.ErrPlatformUnsupported):
		return "platform_unsupported"
	case model.IsNotFound(err):
		return "not_found"
	case model.IsClientError(err):
		return "rejected"
	default:
		return "error"
	}
}
