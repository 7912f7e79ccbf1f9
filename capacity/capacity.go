/*
Package capacity answers read-only questions about profile slot capacity.

PURPOSE:
  Which accounts on a platform can still take a binding, and how much room a
  subscription has left under its offer maximum and per-platform cap. Nothing
  here writes; the allocation engine calls the same functions inside its
  transaction so validation and reporting never disagree.

LIMITS:
  Offer limit:    offer.MaxProfiles bindings per subscription in total
  Platform limit: platform.AllocationCap() bindings per subscription on that
                  platform (MaxProfilesPerAccount, or 5 when unset)

  remaining = min(offer.MaxProfiles - bound,
                  platform.AllocationCap() - boundOnPlatform)

PLATFORM CACHE:
  Platform records are immutable to this engine, so Model keeps them in an
  LRU. Catalog imports call InvalidatePlatforms.
*/
package capacity

import (
	"context"
	"fmt"
	"maps"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/warp/profile-engine/model"
)

const defaultCacheSize = 128

// Reader is the store surface capacity queries need. Both model.Store and
// model.AllocationTx satisfy it.
type Reader interface {
	model.CatalogReader
	model.SubscriptionReader
}

// =============================================================================
// RESULT TYPES
// =============================================================================

// AssignableAccount is an AVAILABLE account with its free slots in slot order.
type AssignableAccount struct {
	Account   model.Account
	FreeSlots []model.AccountProfile
}

// PlatformCapacity is a subscription's standing on one platform of its offer.
type PlatformCapacity struct {
	PlatformID      model.PlatformID
	HasProfiles     bool
	SlotsPerAccount int
	Cap             int
	Bound           int
	Remaining       int // min(offer remaining, Cap - Bound)
}

// Report is the capacity view of one subscription.
type Report struct {
	SubscriptionID    model.SubscriptionID
	OfferID           model.OfferID
	OfferMax          int
	Bound             int
	RemainingForOffer int
	Platforms         []PlatformCapacity
}

// =============================================================================
// MODEL
// =============================================================================

// Model serves capacity queries from a store, caching platform records.
type Model struct {
	store     Reader
	platforms *lru.Cache[model.PlatformID, model.Platform]
}

// New creates a Model. cacheSize <= 0 uses the default size.
func New(store Reader, cacheSize int) (*Model, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[model.PlatformID, model.Platform](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create platform cache: %w", err)
	}
	return &Model{store: store, platforms: cache}, nil
}

// Platform returns a platform record, from cache when possible.
func (m *Model) Platform(ctx context.Context, id model.PlatformID) (model.Platform, error) {
	if p, ok := m.platforms.Get(id); ok {
		return p, nil
	}
	p, err := m.store.GetPlatform(ctx, id)
	if err != nil {
		return model.Platform{}, err
	}
	m.platforms.Add(id, *p)
	return *p, nil
}

// InvalidatePlatforms drops every cached platform.
func (m *Model) InvalidatePlatforms() {
	m.platforms.Purge()
}

// AssignableAccounts lists AVAILABLE accounts on the platform that still have
// a free slot. Platforms without profile support are rejected.
func (m *Model) AssignableAccounts(ctx context.Context, platformID model.PlatformID) ([]AssignableAccount, error) {
	p, err := m.Platform(ctx, platformID)
	if err != nil {
		return nil, err
	}
	return AssignableAccounts(ctx, m.store, p)
}

// SubscriptionCapacity reports the offer and per-platform room of a subscription.
func (m *Model) SubscriptionCapacity(ctx context.Context, id model.SubscriptionID) (*Report, error) {
	sub, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	offer, err := m.store.GetOffer(ctx, sub.OfferID)
	if err != nil {
		return nil, err
	}
	profiles, err := m.store.ListProfiles(ctx, id)
	if err != nil {
		return nil, err
	}
	pos, err := m.store.ListPlatformOffers(ctx, offer.ID)
	if err != nil {
		return nil, err
	}

	counts := model.CountByPlatform(profiles)
	report := &Report{
		SubscriptionID:    sub.ID,
		OfferID:           offer.ID,
		OfferMax:          offer.MaxProfiles,
		Bound:             len(profiles),
		RemainingForOffer: RemainingForOffer(*offer, len(profiles)),
	}
	for _, po := range pos {
		p, err := m.Platform(ctx, po.PlatformID)
		if err != nil {
			return nil, err
		}
		report.Platforms = append(report.Platforms, PlatformCapacity{
			PlatformID:      p.ID,
			HasProfiles:     p.HasProfiles,
			SlotsPerAccount: p.SlotsPerAccount(),
			Cap:             p.AllocationCap(),
			Bound:           counts[p.ID],
			Remaining:       Remaining(*offer, p, len(profiles), counts[p.ID]),
		})
	}
	return report, nil
}

// =============================================================================
// PURE QUERIES
// =============================================================================

// AssignableAccounts is the store-level form of Model.AssignableAccounts.
func AssignableAccounts(ctx context.Context, r Reader, p model.Platform) ([]AssignableAccount, error) {
	if !p.HasProfiles {
		return nil, fmt.Errorf("platform %s: %w", p.ID, model.ErrPlatformUnsupported)
	}

	accounts, err := r.ListAccountsByPlatform(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	free, err := r.ListUnassignedProfiles(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	byAccount := make(map[model.AccountID][]model.AccountProfile, len(accounts))
	for _, ap := range free {
		byAccount[ap.AccountID] = append(byAccount[ap.AccountID], ap)
	}

	var result []AssignableAccount
	for _, a := range accounts {
		if a.Status != model.AccountAvailable {
			continue
		}
		slots := byAccount[a.ID]
		if len(slots) == 0 {
			continue
		}
		result = append(result, AssignableAccount{Account: a, FreeSlots: slots})
	}
	return result, nil
}

// RemainingForOffer is offer.MaxProfiles minus the bound count, floored at 0.
func RemainingForOffer(offer model.Offer, bound int) int {
	return max(offer.MaxProfiles-bound, 0)
}

// RemainingForPlatform is the platform cap minus bindings on it, floored at 0.
func RemainingForPlatform(p model.Platform, boundOnPlatform int) int {
	return max(p.AllocationCap()-boundOnPlatform, 0)
}

// Remaining is how many new bindings one call may add on the platform.
func Remaining(offer model.Offer, p model.Platform, bound, boundOnPlatform int) int {
	return min(RemainingForOffer(offer, bound), RemainingForPlatform(p, boundOnPlatform))
}

// CheckBatch verifies that adding requested[platform] bindings per platform
// keeps the subscription within both limits. The offer limit is checked first.
func CheckBatch(subID model.SubscriptionID, offer model.Offer, platforms map[model.PlatformID]model.Platform,
	existing []model.Profile, requested map[model.PlatformID]int) error {

	total := 0
	for _, n := range requested {
		total += n
	}
	if len(existing)+total > offer.MaxProfiles {
		return &model.CapacityError{
			SubscriptionID: subID,
			Scope:          model.ScopeOffer,
			Limit:          offer.MaxProfiles,
			Bound:          len(existing),
			Requested:      total,
		}
	}

	counts := model.CountByPlatform(existing)
	for _, id := range slices.Sorted(maps.Keys(requested)) {
		n := requested[id]
		p, ok := platforms[id]
		if !ok {
			return model.NotFound("platform", id)
		}
		if counts[id]+n > p.AllocationCap() {
			return &model.CapacityError{
				SubscriptionID: subID,
				Scope:          model.ScopePlatform,
				PlatformID:     id,
				Limit:          p.AllocationCap(),
				Bound:          counts[id],
				Requested:      n,
			}
		}
	}
	return nil
}
