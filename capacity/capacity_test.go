package capacity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/profile-engine/capacity"
	"github.com/warp/profile-engine/model"
	"github.com/warp/profile-engine/store/memory"
	"github.com/warp/profile-engine/store/storetest"
)

func newModel(t *testing.T) (*capacity.Model, *memory.Memory) {
	t.Helper()
	s := memory.New()
	storetest.Seed(t, s)
	m, err := capacity.New(s, 0)
	require.NoError(t, err)
	return m, s
}

func TestAssignableAccounts_FreeSlotsInOrder(t *testing.T) {
	m, _ := newModel(t)

	accounts, err := m.AssignableAccounts(context.Background(), storetest.Netflix)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, model.AccountID("nf-1"), accounts[0].Account.ID)
	require.Len(t, accounts[0].FreeSlots, 2)
	assert.Equal(t, 1, accounts[0].FreeSlots[0].ProfileSlot)
	assert.Equal(t, 2, accounts[0].FreeSlots[1].ProfileSlot)
}

func TestAssignableAccounts_SkipsUnavailableAndFull(t *testing.T) {
	// GIVEN: nf-1 suspended, nf-2 with both slots taken
	m, s := newModel(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAccount(ctx, model.Account{ID: "nf-1", PlatformID: storetest.Netflix, Status: model.AccountSuspended}))
	require.NoError(t, s.WithTx(ctx, func(tx model.AllocationTx) error {
		if err := tx.ClaimAccountProfile(ctx, storetest.Slot("nf-2", 1), "p1"); err != nil {
			return err
		}
		return tx.ClaimAccountProfile(ctx, storetest.Slot("nf-2", 2), "p2")
	}))

	// WHEN: listing assignable accounts
	accounts, err := m.AssignableAccounts(ctx, storetest.Netflix)

	// THEN: nothing qualifies
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestAssignableAccounts_PlatformWithoutProfiles(t *testing.T) {
	m, _ := newModel(t)

	_, err := m.AssignableAccounts(context.Background(), storetest.Spotify)
	assert.ErrorIs(t, err, model.ErrPlatformUnsupported)

	_, err = m.AssignableAccounts(context.Background(), "unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPlatformCache(t *testing.T) {
	// GIVEN: a platform read once through the model
	m, s := newModel(t)
	ctx := context.Background()
	p, err := m.Platform(ctx, storetest.Disney)
	require.NoError(t, err)
	assert.Equal(t, 1, p.AllocationCap())

	// WHEN: the catalog changes underneath
	three := 3
	require.NoError(t, s.SavePlatform(ctx, model.Platform{ID: storetest.Disney, Name: "Disney+", HasProfiles: true, MaxProfilesPerAccount: &three}))

	// THEN: the cached value is served until invalidated
	p, err = m.Platform(ctx, storetest.Disney)
	require.NoError(t, err)
	assert.Equal(t, 1, p.AllocationCap())

	m.InvalidatePlatforms()
	p, err = m.Platform(ctx, storetest.Disney)
	require.NoError(t, err)
	assert.Equal(t, 3, p.AllocationCap())
}

func TestSubscriptionCapacity(t *testing.T) {
	// GIVEN: a duo subscription with one netflix binding
	m, s := newModel(t)
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateSubscription(ctx, storetest.Subscription("sub-1", storetest.OfferDuo, storetest.DuoNetflix, start, 30)))
	require.NoError(t, s.WithTx(ctx, func(tx model.AllocationTx) error {
		if err := tx.ClaimAccountProfile(ctx, storetest.Slot("nf-1", 1), "prof-1"); err != nil {
			return err
		}
		return tx.InsertProfile(ctx, model.Profile{
			ID: "prof-1", SubscriptionID: "sub-1", AccountID: "nf-1",
			AccountProfileID: storetest.Slot("nf-1", 1), PlatformID: storetest.Netflix, ProfileSlot: 1,
		})
	}))

	// WHEN
	report, err := m.SubscriptionCapacity(ctx, "sub-1")

	// THEN: offer has 1 left; netflix cap 2 with 1 bound, disney cap 1 with 0 bound
	require.NoError(t, err)
	assert.Equal(t, 2, report.OfferMax)
	assert.Equal(t, 1, report.Bound)
	assert.Equal(t, 1, report.RemainingForOffer)

	byPlatform := map[model.PlatformID]capacity.PlatformCapacity{}
	for _, pc := range report.Platforms {
		byPlatform[pc.PlatformID] = pc
	}
	require.Len(t, byPlatform, 2)
	assert.Equal(t, 2, byPlatform[storetest.Netflix].Cap)
	assert.Equal(t, 1, byPlatform[storetest.Netflix].Bound)
	assert.Equal(t, 1, byPlatform[storetest.Netflix].Remaining)
	assert.Equal(t, 1, byPlatform[storetest.Disney].Cap)
	assert.Equal(t, 1, byPlatform[storetest.Disney].Remaining)

	_, err = m.SubscriptionCapacity(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRemaining(t *testing.T) {
	offer := model.Offer{MaxProfiles: 4}
	five := model.Platform{ID: "p"}
	two := 2
	capped := model.Platform{ID: "q", MaxProfilesPerAccount: &two}

	tests := []struct {
		name          string
		platform      model.Platform
		bound, onPlat int
		expected      int
	}{
		{"default cap, offer binds", five, 0, 0, 4},
		{"default cap, partly used", five, 3, 3, 1},
		{"platform binds", capped, 1, 1, 1},
		{"platform full", capped, 2, 2, 0},
		{"offer overdrawn floors at zero", five, 6, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, capacity.Remaining(offer, tt.platform, tt.bound, tt.onPlat))
		})
	}
}

func TestCheckBatch(t *testing.T) {
	one := 1
	platforms := map[model.PlatformID]model.Platform{
		"a": {ID: "a", HasProfiles: true, MaxProfilesPerAccount: &one},
		"b": {ID: "b", HasProfiles: true, MaxProfilesPerAccount: &one},
	}
	offer := model.Offer{ID: "o", MaxProfiles: 2}
	existing := []model.Profile{{ID: "x", PlatformID: "a"}}

	// One more on b fits.
	assert.NoError(t, capacity.CheckBatch("s", offer, platforms, existing, map[model.PlatformID]int{"b": 1}))

	// One more on a breaks the platform cap.
	err := capacity.CheckBatch("s", offer, platforms, existing, map[model.PlatformID]int{"a": 1})
	var capErr *model.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, model.ScopePlatform, capErr.Scope)
	assert.Equal(t, model.PlatformID("a"), capErr.PlatformID)
	assert.Equal(t, 0, capErr.Remaining())

	// Two more anywhere breaks the offer cap first.
	err = capacity.CheckBatch("s", offer, platforms, existing, map[model.PlatformID]int{"b": 2})
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, model.ScopeOffer, capErr.Scope)
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
}
