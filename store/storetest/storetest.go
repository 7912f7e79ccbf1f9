/*
Package storetest holds the fixture catalog and the behavioral suite every
model.Store implementation must pass.

USAGE:
  func TestConformance(t *testing.T) {
      storetest.Run(t, func(t *testing.T) model.Store { return memory.New() })
  }

CATALOG:
  Seed writes a small catalog used across engine tests:
    netflix  - profiles, 2 slots per account, accounts nf-1 and nf-2
    disney   - profiles, 1 slot per account, account dp-1
    spotify  - no profile support, account sp-1
    offer duo   (max 2)  on netflix and disney
    offer solo  (max 1)  on netflix
    offer music (max 1)  on spotify
*/
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/profile-engine/model"
)

// =============================================================================
// FIXTURE CATALOG
// =============================================================================

const (
	Netflix model.PlatformID = "netflix"
	Disney  model.PlatformID = "disney"
	Spotify model.PlatformID = "spotify"

	OfferDuo   model.OfferID = "duo"
	OfferSolo  model.OfferID = "solo"
	OfferMusic model.OfferID = "music"

	DuoNetflix   model.PlatformOfferID = "duo-netflix"
	DuoDisney    model.PlatformOfferID = "duo-disney"
	SoloNetflix  model.PlatformOfferID = "solo-netflix"
	MusicSpotify model.PlatformOfferID = "music-spotify"
)

// Slot returns the fixture id of an account's n-th profile slot.
func Slot(account model.AccountID, n int) model.AccountProfileID {
	return model.AccountProfileID(fmt.Sprintf("%s-slot-%d", account, n))
}

func intp(n int) *int { return &n }

// Seed writes the fixture catalog.
func Seed(t testing.TB, w model.CatalogWriter) {
	t.Helper()
	ctx := context.Background()

	platforms := []model.Platform{
		{ID: Netflix, Name: "Netflix", HasProfiles: true, MaxProfilesPerAccount: intp(2)},
		{ID: Disney, Name: "Disney+", HasProfiles: true, MaxProfilesPerAccount: intp(1)},
		{ID: Spotify, Name: "Spotify", HasProfiles: false},
	}
	for _, p := range platforms {
		require.NoError(t, w.SavePlatform(ctx, p))
	}

	SeedAccount(t, w, model.Account{ID: "nf-1", PlatformID: Netflix, Email: "nf1@example.com", Status: model.AccountAvailable}, 2)
	SeedAccount(t, w, model.Account{ID: "nf-2", PlatformID: Netflix, Email: "nf2@example.com", Status: model.AccountAvailable}, 2)
	SeedAccount(t, w, model.Account{ID: "dp-1", PlatformID: Disney, Email: "dp1@example.com", Status: model.AccountAvailable}, 1)
	SeedAccount(t, w, model.Account{ID: "sp-1", PlatformID: Spotify, Email: "sp1@example.com", Status: model.AccountAvailable}, 1)

	require.NoError(t, w.SaveOffer(ctx, model.Offer{ID: OfferDuo, Name: "Duo", MaxProfiles: 2}))
	require.NoError(t, w.SaveOffer(ctx, model.Offer{ID: OfferSolo, Name: "Solo", MaxProfiles: 1}))
	require.NoError(t, w.SaveOffer(ctx, model.Offer{ID: OfferMusic, Name: "Music", MaxProfiles: 1}))

	for _, po := range []model.PlatformOffer{
		{ID: DuoNetflix, OfferID: OfferDuo, PlatformID: Netflix},
		{ID: DuoDisney, OfferID: OfferDuo, PlatformID: Disney},
		{ID: SoloNetflix, OfferID: OfferSolo, PlatformID: Netflix},
		{ID: MusicSpotify, OfferID: OfferMusic, PlatformID: Spotify},
	} {
		require.NoError(t, w.SavePlatformOffer(ctx, po))
	}
}

// SeedAccount writes an account and its slots numbered 1..slots.
func SeedAccount(t testing.TB, w model.CatalogWriter, a model.Account, slots int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, w.SaveAccount(ctx, a))
	for n := 1; n <= slots; n++ {
		require.NoError(t, w.SaveAccountProfile(ctx, model.AccountProfile{
			ID:          Slot(a.ID, n),
			AccountID:   a.ID,
			ProfileSlot: n,
		}))
	}
}

// Subscription returns a subscription on the given offer running from start
// for the given number of days.
func Subscription(id model.SubscriptionID, offer model.OfferID, po model.PlatformOfferID, start time.Time, days int) model.Subscription {
	return model.Subscription{
		ID:              id,
		UserID:          "user-" + model.UserID(id),
		OfferID:         offer,
		PlatformOfferID: po,
		StartDate:       start,
		EndDate:         start.AddDate(0, 0, days),
		Status:          model.StatusPending,
		CreatedAt:       start,
		UpdatedAt:       start,
	}
}

// =============================================================================
// CONFORMANCE SUITE
// =============================================================================

// Run executes the behavioral suite against fresh stores from newStore.
func Run(t *testing.T, newStore func(t *testing.T) model.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s model.Store)
	}{
		{"CatalogRoundTrip", testCatalogRoundTrip},
		{"MissingRecordsAreNotFound", testMissingRecords},
		{"UnassignedProfilesOrdered", testUnassignedOrdering},
		{"ClaimAndRelease", testClaimAndRelease},
		{"TxRollbackRestoresSlots", testTxRollback},
		{"DuplicateBindingRejected", testDuplicateBinding},
		{"CatalogWriteKeepsAssignment", testCatalogWriteKeepsAssignment},
		{"DeleteSubscriptionReleases", testDeleteSubscription},
		{"StatusChangesGuarded", testStatusChanges},
		{"LifecycleRunsNewestFirst", testLifecycleRuns},
		{"RatesReplaced", testRates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			Seed(t, s)
			tt.fn(t, s)
		})
	}
}

var t0 = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

// bind claims a slot and records a binding for sub, the way allocation does.
func bind(t *testing.T, s model.Store, sub model.SubscriptionID, pid model.ProfileID, account model.AccountID, platform model.PlatformID, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx model.AllocationTx) error {
		if err := tx.ClaimAccountProfile(ctx, Slot(account, n), pid); err != nil {
			return err
		}
		return tx.InsertProfile(ctx, model.Profile{
			ID:               pid,
			SubscriptionID:   sub,
			AccountID:        account,
			AccountProfileID: Slot(account, n),
			PlatformID:       platform,
			ProfileSlot:      n,
			CreatedAt:        t0,
		})
	}))
}

func testCatalogRoundTrip(t *testing.T, s model.Store) {
	ctx := context.Background()

	p, err := s.GetPlatform(ctx, Netflix)
	require.NoError(t, err)
	assert.True(t, p.HasProfiles)
	require.NotNil(t, p.MaxProfilesPerAccount)
	assert.Equal(t, 2, *p.MaxProfilesPerAccount)

	sp, err := s.GetPlatform(ctx, Spotify)
	require.NoError(t, err)
	assert.Nil(t, sp.MaxProfilesPerAccount)
	assert.Equal(t, model.DefaultSlotsPerAccount, sp.SlotsPerAccount())

	accounts, err := s.ListAccountsByPlatform(ctx, Netflix)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, model.AccountID("nf-1"), accounts[0].ID)

	slots, err := s.ListAccountProfiles(ctx, "nf-2")
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, 1, slots[0].ProfileSlot)
	assert.Equal(t, 2, slots[1].ProfileSlot)
	assert.False(t, slots[0].IsAssigned)
	assert.Nil(t, slots[0].ProfileID)

	pos, err := s.ListPlatformOffers(ctx, OfferDuo)
	require.NoError(t, err)
	assert.Len(t, pos, 2)

	o, err := s.GetOffer(ctx, OfferDuo)
	require.NoError(t, err)
	assert.Equal(t, 2, o.MaxProfiles)
}

func testMissingRecords(t *testing.T, s model.Store) {
	ctx := context.Background()

	_, err := s.GetPlatform(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetAccount(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetAccountProfile(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetOffer(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetPlatformOffer(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetSubscription(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetProfile(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)

	var nf *model.NotFoundError
	require.ErrorAs(t, s.DeleteSubscription(ctx, "nope"), &nf)
	assert.Equal(t, "subscription", nf.Kind)
}

func testUnassignedOrdering(t *testing.T, s model.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, Subscription("sub-1", OfferDuo, DuoNetflix, t0, 30)))
	bind(t, s, "sub-1", "prof-1", "nf-1", Netflix, 1)

	free, err := s.ListUnassignedProfiles(ctx, Netflix)
	require.NoError(t, err)

	var ids []model.AccountProfileID
	for _, ap := range free {
		ids = append(ids, ap.ID)
	}
	assert.Equal(t, []model.AccountProfileID{Slot("nf-1", 2), Slot("nf-2", 1), Slot("nf-2", 2)}, ids)
}

func testClaimAndRelease(t *testing.T, s model.Store) {
	ctx := context.Background()
	slot := Slot("dp-1", 1)

	require.NoError(t, s.WithTx(ctx, func(tx model.AllocationTx) error {
		return tx.ClaimAccountProfile(ctx, slot, "prof-a")
	}))

	ap, err := s.GetAccountProfile(ctx, slot)
	require.NoError(t, err)
	assert.True(t, ap.IsAssigned)
	require.NotNil(t, ap.ProfileID)
	assert.Equal(t, model.ProfileID("prof-a"), *ap.ProfileID)

	// Second claim loses.
	err = s.WithTx(ctx, func(tx model.AllocationTx) error {
		return tx.ClaimAccountProfile(ctx, slot, "prof-b")
	})
	var conflict *model.SlotConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, slot, conflict.AccountProfileID)
	assert.False(t, conflict.InBatch)

	// Releasing on behalf of another binding is a no-op.
	require.NoError(t, s.WithTx(ctx, func(tx model.AllocationTx) error {
		return tx.ReleaseAccountProfile(ctx, slot, "prof-b")
	}))
	ap, err = s.GetAccountProfile(ctx, slot)
	require.NoError(t, err)
	assert.True(t, ap.IsAssigned)

	require.NoError(t, s.WithTx(ctx, func(tx model.AllocationTx) error {
		return tx.ReleaseAccountProfile(ctx, slot, "prof-a")
	}))
	ap, err = s.GetAccountProfile(ctx, slot)
	require.NoError(t, err)
	assert.False(t, ap.IsAssigned)
	assert.Nil(t, ap.ProfileID)

	err = s.WithTx(ctx, func(tx model.AllocationTx) error {
		return tx.ClaimAccountProfile(ctx, "missing-slot", "prof-c")
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testTxRollback(t *testing.T, s model.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, Subscription("sub-1", OfferDuo, DuoNetflix, t0, 30)))

	// GIVEN: a transaction that claims a slot then fails
	err := s.WithTx(ctx, func(tx model.AllocationTx) error {
		if err := tx.ClaimAccountProfile(ctx, Slot("nf-1", 1), "prof-1"); err != nil {
			return err
		}
		if err := tx.InsertProfile(ctx, model.Profile{
			ID: "prof-1", SubscriptionID: "sub-1", AccountID: "nf-1",
			AccountProfileID: Slot("nf-1", 1), PlatformID: Netflix, ProfileSlot: 1, CreatedAt: t0,
		}); err != nil {
			return err
		}
		return tx.ClaimAccountProfile(ctx, "missing-slot", "prof-2")
	})
	require.ErrorIs(t, err, model.ErrNotFound)

	// THEN: nothing it wrote survives
	ap, err := s.GetAccountProfile(ctx, Slot("nf-1", 1))
	require.NoError(t, err)
	assert.False(t, ap.IsAssigned)

	profiles, err := s.ListProfiles(ctx, "sub-1")
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func testDuplicateBinding(t *testing.T, s model.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, Subscription("sub-1", OfferDuo, DuoNetflix, t0, 30)))
	require.NoError(t, s.CreateSubscription(ctx, Subscription("sub-2", OfferDuo, DuoNetflix, t0, 30)))
	bind(t, s, "sub-1", "prof-1", "nf-1", Netflix, 1)

	// A second binding row for the same slot is refused even if the claim is skipped.
	err := s.WithTx(ctx, func(tx model.AllocationTx) error {
		return tx.InsertProfile(ctx, model.Profile{
			ID: "prof-2", SubscriptionID: "sub-2", AccountID: "nf-1",
			AccountProfileID: Slot("nf-1", 1), PlatformID: Netflix, ProfileSlot: 1, CreatedAt: t0,
		})
	})
	assert.ErrorIs(t, err, model.ErrSlotAlreadyAssigned)

	p, err := s.GetProfile(ctx, "prof-1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionID("sub-1"), p.SubscriptionID)
	assert.True(t, p.CreatedAt.Equal(t0))
}

func testCatalogWriteKeepsAssignment(t *testing.T, s model.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, Subscription("sub-1", OfferDuo, DuoNetflix, t0, 30)))
	bind(t, s, "sub-1", "prof-1", "nf-1", Netflix, 1)

	// Re-importing the catalog must not free bound slots.
	Seed(t, s)

	ap, err := s.GetAccountProfile(ctx, Slot("nf-1", 1))
	require.NoError(t, err)
	assert.True(t, ap.IsAssigned)
	require.NotNil(t, ap.ProfileID)
	assert.Equal(t, model.ProfileID("prof-1"), *ap.ProfileID)
}

func testDeleteSubscription(t *testing.T, s model.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, Subscription("sub-1", OfferDuo, DuoNetflix, t0, 30)))
	bind(t, s, "sub-1", "prof-1", "nf-1", Netflix, 1)
	bind(t, s, "sub-1", "prof-2", "dp-1", Disney, 1)

	require.NoError(t, s.DeleteSubscription(ctx, "sub-1"))

	_, err := s.GetSubscription(ctx, "sub-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetProfile(ctx, "prof-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	for _, slot := range []model.AccountProfileID{Slot("nf-1", 1), Slot("dp-1", 1)} {
		ap, err := s.GetAccountProfile(ctx, slot)
		require.NoError(t, err)
		assert.False(t, ap.IsAssigned, slot)
	}
}

func testStatusChanges(t *testing.T, s model.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, Subscription("sub-1", OfferDuo, DuoNetflix, t0, 30)))
	require.NoError(t, s.CreateSubscription(ctx, Subscription("sub-2", OfferDuo, DuoNetflix, t0, 30)))

	at := t0.Add(time.Hour)
	n, err := s.ApplyStatusChanges(ctx, []model.StatusChange{
		{SubscriptionID: "sub-1", From: model.StatusPending, To: model.StatusContactNeeded, SetContactNeeded: true},
		{SubscriptionID: "sub-2", From: model.StatusActive, To: model.StatusExpired},
		{SubscriptionID: "missing", From: model.StatusPending, To: model.StatusActive},
	}, at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub1, err := s.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusContactNeeded, sub1.Status)
	assert.True(t, sub1.ContactNeeded)
	assert.True(t, sub1.UpdatedAt.Equal(at))

	sub2, err := s.GetSubscription(ctx, "sub-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, sub2.Status, "guard on From must skip")

	// contact_needed is never cleared by a later change.
	_, err = s.ApplyStatusChanges(ctx, []model.StatusChange{
		{SubscriptionID: "sub-1", From: model.StatusContactNeeded, To: model.StatusExpired},
	}, at)
	require.NoError(t, err)
	sub1, err = s.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, sub1.Status)
	assert.True(t, sub1.ContactNeeded)

	pending, err := s.ListSubscriptionsByStatus(ctx, model.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.SubscriptionID("sub-2"), pending[0].ID)
	assert.True(t, pending[0].StartDate.Equal(t0))
	assert.True(t, pending[0].EndDate.Equal(t0.AddDate(0, 0, 30)))

	all, err := s.ListSubscriptionsByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testLifecycleRuns(t *testing.T, s model.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		started := t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.SaveLifecycleRun(ctx, model.LifecycleRun{
			ID: fmt.Sprintf("run-%d", i), Status: model.RunRunning, StartedAt: started,
		}))
	}

	done := t0.Add(2*time.Hour + time.Minute)
	require.NoError(t, s.SaveLifecycleRun(ctx, model.LifecycleRun{
		ID: "run-2", Status: model.RunCompleted, Activated: 4, Expired: 1,
		StartedAt: t0.Add(2 * time.Hour), CompletedAt: &done,
	}))

	runs, err := s.ListLifecycleRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, model.RunCompleted, runs[0].Status)
	assert.Equal(t, 4, runs[0].Activated)
	require.NotNil(t, runs[0].CompletedAt)
	assert.True(t, runs[0].CompletedAt.Equal(done))
	assert.Equal(t, "run-1", runs[1].ID)
	assert.Nil(t, runs[1].CompletedAt)
}

func testRates(t *testing.T, s model.Store) {
	ctx := context.Background()

	require.NoError(t, s.SaveRates(ctx, []model.CurrencyRate{
		{Code: "EUR", Base: "USD", Rate: decimal.RequireFromString("0.9213"), FetchedAt: t0},
		{Code: "CAD", Base: "USD", Rate: decimal.RequireFromString("1.3601"), FetchedAt: t0},
	}))
	later := t0.Add(time.Hour)
	require.NoError(t, s.SaveRates(ctx, []model.CurrencyRate{
		{Code: "EUR", Base: "USD", Rate: decimal.RequireFromString("0.9300"), FetchedAt: later},
	}))

	rates, err := s.ListRates(ctx)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, "CAD", rates[0].Code)
	assert.Equal(t, "EUR", rates[1].Code)
	assert.True(t, rates[1].Rate.Equal(decimal.RequireFromString("0.93")))
	assert.True(t, rates[1].FetchedAt.Equal(later))
}
