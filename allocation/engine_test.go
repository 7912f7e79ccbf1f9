package allocation_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/profile-engine/allocation"
	"github.com/warp/profile-engine/capacity"
	"github.com/warp/profile-engine/model"
	"github.com/warp/profile-engine/store/memory"
	"github.com/warp/profile-engine/store/sqlstore"
	"github.com/warp/profile-engine/store/storetest"
)

var start = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// backends runs a test against every store implementation. The postgres
// entry skips unless storetest.PostgresURLEnv is set.
var backends = []struct {
	name string
	open func(t *testing.T) model.Store
}{
	{"memory", func(t *testing.T) model.Store { return memory.New() }},
	{"sqlite", func(t *testing.T) model.Store {
		s, err := sqlstore.NewSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
	{"postgres", func(t *testing.T) model.Store {
		s, err := sqlstore.New(sqlstore.DriverPostgres, storetest.PostgresDSN(t))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

func newEngine(t *testing.T, s model.Store) *allocation.Engine {
	t.Helper()
	capModel, err := capacity.New(s, 0)
	require.NoError(t, err)

	var seq atomic.Int64
	return allocation.NewEngine(s, capModel, zerolog.Nop(),
		allocation.WithClock(func() time.Time { return start }),
		allocation.WithIDGenerator(func() model.ProfileID {
			return model.ProfileID(fmt.Sprintf("prof-%d", seq.Add(1)))
		}),
	)
}

func setup(t *testing.T, open func(t *testing.T) model.Store) (*allocation.Engine, model.Store) {
	t.Helper()
	s := open(t)
	storetest.Seed(t, s)
	require.NoError(t, s.CreateSubscription(context.Background(),
		storetest.Subscription("sub-1", storetest.OfferDuo, storetest.DuoNetflix, start, 30)))
	return newEngine(t, s), s
}

func sel(account model.AccountID, n int) allocation.SlotSelection {
	return allocation.SlotSelection{AccountID: account, AccountProfileID: storetest.Slot(account, n), ProfileSlot: n}
}

// assertInvariants checks slot/binding consistency over the whole store.
func assertInvariants(t *testing.T, s model.Store, subs ...model.SubscriptionID) {
	t.Helper()
	ctx := context.Background()

	referenced := map[model.AccountProfileID]model.ProfileID{}
	for _, id := range subs {
		profiles, err := s.ListProfiles(ctx, id)
		require.NoError(t, err)
		sub, err := s.GetSubscription(ctx, id)
		require.NoError(t, err)
		offer, err := s.GetOffer(ctx, sub.OfferID)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(profiles), offer.MaxProfiles, "offer cap for %s", id)

		for platformID, n := range model.CountByPlatform(profiles) {
			p, err := s.GetPlatform(ctx, platformID)
			require.NoError(t, err)
			assert.LessOrEqual(t, n, p.AllocationCap(), "platform cap for %s on %s", id, platformID)
		}
		for _, p := range profiles {
			_, dup := referenced[p.AccountProfileID]
			assert.False(t, dup, "slot %s referenced twice", p.AccountProfileID)
			referenced[p.AccountProfileID] = p.ID
		}
	}

	for _, platformID := range []model.PlatformID{storetest.Netflix, storetest.Disney, storetest.Spotify} {
		accounts, err := s.ListAccountsByPlatform(ctx, platformID)
		require.NoError(t, err)
		for _, a := range accounts {
			slots, err := s.ListAccountProfiles(ctx, a.ID)
			require.NoError(t, err)
			for _, ap := range slots {
				pid, bound := referenced[ap.ID]
				assert.Equal(t, bound, ap.IsAssigned, "slot %s", ap.ID)
				if bound {
					require.NotNil(t, ap.ProfileID)
					assert.Equal(t, pid, *ap.ProfileID)
				} else {
					assert.Nil(t, ap.ProfileID)
				}
			}
		}
	}
}

func TestListAssignableAccounts(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			engine, _ := setup(t, b.open)
			ctx := context.Background()

			_, err := engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("dp-1", 1)})
			require.NoError(t, err)

			accounts, err := engine.ListAssignableAccounts(ctx, storetest.Disney)
			require.NoError(t, err)
			assert.Empty(t, accounts, "dp-1 has no free slot left")

			accounts, err = engine.ListAssignableAccounts(ctx, storetest.Netflix)
			require.NoError(t, err)
			assert.Len(t, accounts, 2)

			_, err = engine.ListAssignableAccounts(ctx, storetest.Spotify)
			assert.ErrorIs(t, err, model.ErrPlatformUnsupported)
		})
	}
}

func TestAssignProfiles_Success(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			// GIVEN: duo subscription (max 2) with nothing bound
			engine, s := setup(t, b.open)
			ctx := context.Background()

			// WHEN: binding one netflix and one disney slot
			created, err := engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("nf-1", 2), sel("dp-1", 1)})

			// THEN: both bindings exist and the slots point at them
			require.NoError(t, err)
			require.Len(t, created, 2)
			assert.Equal(t, model.ProfileID("prof-1"), created[0].ID)
			assert.Equal(t, storetest.Netflix, created[0].PlatformID)
			assert.Equal(t, 2, created[0].ProfileSlot)
			assert.True(t, created[0].CreatedAt.Equal(start))

			profiles, err := s.ListProfiles(ctx, "sub-1")
			require.NoError(t, err)
			assert.Len(t, profiles, 2)

			remaining, err := engine.RemainingCapacity(ctx, "sub-1", storetest.Netflix)
			require.NoError(t, err)
			assert.Equal(t, 0, remaining)

			assertInvariants(t, s, "sub-1")
		})
	}
}

func TestAssignProfiles_OfferCapAcrossPlatforms(t *testing.T) {
	// Offer max 2, two platforms capped at 1 each. Two bindings from two
	// different accounts succeed, a third fails with CapacityExceeded.
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			one := 1
			require.NoError(t, s.SavePlatform(ctx, model.Platform{ID: "hulu", Name: "Hulu", HasProfiles: true, MaxProfilesPerAccount: &one}))
			require.NoError(t, s.SavePlatform(ctx, model.Platform{ID: "max", Name: "Max", HasProfiles: true, MaxProfilesPerAccount: &one}))
			storetest.SeedAccount(t, s, model.Account{ID: "hulu-1", PlatformID: "hulu", Status: model.AccountAvailable}, 1)
			storetest.SeedAccount(t, s, model.Account{ID: "hulu-2", PlatformID: "hulu", Status: model.AccountAvailable}, 1)
			storetest.SeedAccount(t, s, model.Account{ID: "max-1", PlatformID: "max", Status: model.AccountAvailable}, 1)
			require.NoError(t, s.SaveOffer(ctx, model.Offer{ID: "pair", Name: "Pair", MaxProfiles: 2}))
			require.NoError(t, s.SavePlatformOffer(ctx, model.PlatformOffer{ID: "pair-hulu", OfferID: "pair", PlatformID: "hulu"}))
			require.NoError(t, s.SavePlatformOffer(ctx, model.PlatformOffer{ID: "pair-max", OfferID: "pair", PlatformID: "max"}))
			require.NoError(t, s.CreateSubscription(ctx, storetest.Subscription("sub-1", "pair", "pair-hulu", start, 30)))
			engine := newEngine(t, s)

			_, err := engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("hulu-1", 1), sel("max-1", 1)})
			require.NoError(t, err)

			_, err = engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("hulu-2", 1)})
			var capErr *model.CapacityError
			require.ErrorAs(t, err, &capErr)
			assert.ErrorIs(t, err, model.ErrCapacityExceeded)
			assert.Equal(t, model.ScopeOffer, capErr.Scope)
			assert.Equal(t, 2, capErr.Bound)

			ap, err := s.GetAccountProfile(ctx, storetest.Slot("hulu-2", 1))
			require.NoError(t, err)
			assert.False(t, ap.IsAssigned)
		})
	}
}

func TestAssignProfiles_PlatformCap(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			// GIVEN: a second disney account; disney caps a subscription at 1
			engine, s := setup(t, b.open)
			ctx := context.Background()
			storetest.SeedAccount(t, s, model.Account{ID: "dp-2", PlatformID: storetest.Disney, Status: model.AccountAvailable}, 1)

			// WHEN: two disney slots in one batch (offer max 2 would allow it)
			_, err := engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("dp-1", 1), sel("dp-2", 1)})

			// THEN: platform scope rejection, nothing claimed
			var capErr *model.CapacityError
			require.ErrorAs(t, err, &capErr)
			assert.Equal(t, model.ScopePlatform, capErr.Scope)
			assert.Equal(t, storetest.Disney, capErr.PlatformID)
			assert.Equal(t, 1, capErr.Limit)
			assertInvariants(t, s, "sub-1")

			profiles, err := s.ListProfiles(ctx, "sub-1")
			require.NoError(t, err)
			assert.Empty(t, profiles)
		})
	}
}

func TestAssignProfiles_BatchIsAtomic(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			// GIVEN: nf-2 slot 1 already held by another subscription
			engine, s := setup(t, b.open)
			ctx := context.Background()
			require.NoError(t, s.CreateSubscription(ctx, storetest.Subscription("sub-2", storetest.OfferSolo, storetest.SoloNetflix, start, 30)))
			_, err := engine.AssignProfiles(ctx, "sub-2", []allocation.SlotSelection{sel("nf-2", 1)})
			require.NoError(t, err)

			// WHEN: sub-1 asks for a free slot plus the taken one
			_, err = engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("nf-1", 1), sel("nf-2", 1)})

			// THEN: SlotAlreadyAssigned and the free slot stays free
			var conflict *model.SlotConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, storetest.Slot("nf-2", 1), conflict.AccountProfileID)

			ap, err := s.GetAccountProfile(ctx, storetest.Slot("nf-1", 1))
			require.NoError(t, err)
			assert.False(t, ap.IsAssigned)
			assertInvariants(t, s, "sub-1", "sub-2")
		})
	}
}

func TestAssignProfiles_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(t *testing.T, s model.Store)
		sub        model.SubscriptionID
		selections []allocation.SlotSelection
		expected   error
	}{
		{
			name:       "empty batch",
			sub:        "sub-1",
			selections: nil,
			expected:   model.ErrInvalidSelection,
		},
		{
			name:       "unknown subscription",
			sub:        "missing",
			selections: []allocation.SlotSelection{sel("nf-1", 1)},
			expected:   model.ErrNotFound,
		},
		{
			name:       "unknown account",
			sub:        "sub-1",
			selections: []allocation.SlotSelection{{AccountID: "ghost", AccountProfileID: storetest.Slot("nf-1", 1)}},
			expected:   model.ErrNotFound,
		},
		{
			name:       "unknown slot",
			sub:        "sub-1",
			selections: []allocation.SlotSelection{{AccountID: "nf-1", AccountProfileID: "nf-1-slot-9"}},
			expected:   model.ErrNotFound,
		},
		{
			name:       "slot of another account",
			sub:        "sub-1",
			selections: []allocation.SlotSelection{{AccountID: "nf-1", AccountProfileID: storetest.Slot("nf-2", 1)}},
			expected:   model.ErrInvalidSelection,
		},
		{
			name:       "wrong slot number",
			sub:        "sub-1",
			selections: []allocation.SlotSelection{{AccountID: "nf-1", AccountProfileID: storetest.Slot("nf-1", 1), ProfileSlot: 2}},
			expected:   model.ErrInvalidSelection,
		},
		{
			name:       "same slot twice",
			sub:        "sub-1",
			selections: []allocation.SlotSelection{sel("nf-1", 1), sel("nf-1", 1)},
			expected:   model.ErrSlotAlreadyAssigned,
		},
		{
			name:       "platform without profiles",
			sub:        "sub-1",
			selections: []allocation.SlotSelection{sel("sp-1", 1)},
			expected:   model.ErrPlatformUnsupported,
		},
		{
			name: "unsupported platform checked before capacity",
			prepare: func(t *testing.T, s model.Store) {
				require.NoError(t, s.CreateSubscription(context.Background(),
					storetest.Subscription("sub-music", storetest.OfferMusic, storetest.MusicSpotify, start, 30)))
			},
			sub:        "sub-music",
			selections: []allocation.SlotSelection{sel("sp-1", 1), sel("nf-1", 1), sel("nf-2", 1)},
			expected:   model.ErrPlatformUnsupported,
		},
		{
			name: "platform not in offer",
			prepare: func(t *testing.T, s model.Store) {
				require.NoError(t, s.CreateSubscription(context.Background(),
					storetest.Subscription("sub-solo", storetest.OfferSolo, storetest.SoloNetflix, start, 30)))
			},
			sub:        "sub-solo",
			selections: []allocation.SlotSelection{sel("dp-1", 1)},
			expected:   model.ErrPlatformNotOffered,
		},
		{
			name: "suspended account",
			prepare: func(t *testing.T, s model.Store) {
				require.NoError(t, s.SaveAccount(context.Background(),
					model.Account{ID: "nf-1", PlatformID: storetest.Netflix, Status: model.AccountSuspended}))
			},
			sub:        "sub-1",
			selections: []allocation.SlotSelection{sel("nf-1", 1)},
			expected:   model.ErrAccountUnavailable,
		},
		{
			name: "expired subscription",
			prepare: func(t *testing.T, s model.Store) {
				_, err := s.ApplyStatusChanges(context.Background(), []model.StatusChange{
					{SubscriptionID: "sub-1", From: model.StatusPending, To: model.StatusExpired},
				}, start)
				require.NoError(t, err)
			},
			sub:        "sub-1",
			selections: []allocation.SlotSelection{sel("nf-1", 1)},
			expected:   model.ErrSubscriptionExpired,
		},
	}

	for _, b := range backends {
		for _, tt := range tests {
			t.Run(b.name+"/"+tt.name, func(t *testing.T) {
				engine, s := setup(t, b.open)
				if tt.prepare != nil {
					tt.prepare(t, s)
				}

				created, err := engine.AssignProfiles(context.Background(), tt.sub, tt.selections)
				assert.ErrorIs(t, err, tt.expected)
				assert.Nil(t, created)
				assertInvariants(t, s, "sub-1")
			})
		}
	}
}

func TestAssignProfiles_DuplicateInBatchFlagged(t *testing.T) {
	engine, _ := setup(t, backends[0].open)

	_, err := engine.AssignProfiles(context.Background(), "sub-1", []allocation.SlotSelection{sel("nf-1", 1), sel("nf-1", 1)})
	var conflict *model.SlotConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.InBatch)
}

func TestAssignProfiles_ContactNeededStillAccepts(t *testing.T) {
	engine, s := setup(t, backends[0].open)
	ctx := context.Background()
	_, err := s.ApplyStatusChanges(ctx, []model.StatusChange{
		{SubscriptionID: "sub-1", From: model.StatusPending, To: model.StatusContactNeeded, SetContactNeeded: true},
	}, start)
	require.NoError(t, err)

	_, err = engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("nf-1", 1)})
	assert.NoError(t, err)
}

func TestAssignProfiles_ConcurrentSameSlot(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			// GIVEN: two subscriptions racing for dp-1 slot 1
			engine, s := setup(t, b.open)
			ctx := context.Background()
			require.NoError(t, s.CreateSubscription(ctx, storetest.Subscription("sub-2", storetest.OfferDuo, storetest.DuoDisney, start, 30)))

			const attempts = 8
			var (
				wg        sync.WaitGroup
				successes atomic.Int32
				conflicts atomic.Int32
			)
			for i := 0; i < attempts; i++ {
				sub := model.SubscriptionID("sub-1")
				if i%2 == 1 {
					sub = "sub-2"
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := engine.AssignProfiles(ctx, sub, []allocation.SlotSelection{sel("dp-1", 1)})
					switch {
					case err == nil:
						successes.Add(1)
					case model.IsConflict(err):
						conflicts.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			// THEN: exactly one winner, every other attempt is a conflict
			assert.Equal(t, int32(1), successes.Load())
			assert.Equal(t, int32(attempts-1), conflicts.Load())
			assertInvariants(t, s, "sub-1", "sub-2")
		})
	}
}

// lockRecorder records the order in which a batch reads (and locks) slots.
type lockRecorder struct {
	model.Store
	mu    sync.Mutex
	order []model.AccountProfileID
}

func (r *lockRecorder) WithTx(ctx context.Context, fn func(tx model.AllocationTx) error) error {
	return r.Store.WithTx(ctx, func(tx model.AllocationTx) error {
		return fn(&recordingTx{AllocationTx: tx, r: r})
	})
}

type recordingTx struct {
	model.AllocationTx
	r *lockRecorder
}

func (tx *recordingTx) GetAccountProfile(ctx context.Context, id model.AccountProfileID) (*model.AccountProfile, error) {
	tx.r.mu.Lock()
	tx.r.order = append(tx.r.order, id)
	tx.r.mu.Unlock()
	return tx.AllocationTx.GetAccountProfile(ctx, id)
}

func TestAssignProfiles_LocksSlotsInIDOrder(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			// GIVEN: a batch whose slots are not in id order
			_, s := setup(t, b.open)
			rec := &lockRecorder{Store: s}
			engine := newEngine(t, rec)

			// WHEN
			_, err := engine.AssignProfiles(context.Background(), "sub-1",
				[]allocation.SlotSelection{sel("nf-1", 2), sel("dp-1", 1)})

			// THEN: slots were read in id order, so crossed batches cannot deadlock
			require.NoError(t, err)
			assert.Equal(t, []model.AccountProfileID{storetest.Slot("dp-1", 1), storetest.Slot("nf-1", 2)}, rec.order)
		})
	}
}

func TestAssignProfiles_UnknownSlotReportedInRequestOrder(t *testing.T) {
	// GIVEN: an unknown slot that sorts first, behind an unknown account
	engine, _ := setup(t, backends[0].open)

	// WHEN
	_, err := engine.AssignProfiles(context.Background(), "sub-1", []allocation.SlotSelection{
		{AccountID: "ghost", AccountProfileID: storetest.Slot("nf-1", 1)},
		{AccountID: "nf-1", AccountProfileID: "aaa-missing"},
	})

	// THEN: the first selection's failure wins
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "ghost")
}

func TestAssignProfiles_CrossedBatches(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			// GIVEN: two subscriptions racing for the same two slots, named in opposite orders
			engine, s := setup(t, b.open)
			ctx := context.Background()
			require.NoError(t, s.CreateSubscription(ctx, storetest.Subscription("sub-2", storetest.OfferDuo, storetest.DuoNetflix, start, 30)))

			var (
				wg        sync.WaitGroup
				successes atomic.Int32
			)
			batches := map[model.SubscriptionID][]allocation.SlotSelection{
				"sub-1": {sel("nf-1", 1), sel("dp-1", 1)},
				"sub-2": {sel("dp-1", 1), sel("nf-1", 1)},
			}
			for sub, batch := range batches {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := engine.AssignProfiles(ctx, sub, batch)
					switch {
					case err == nil:
						successes.Add(1)
					case model.IsConflict(err):
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			// THEN: one batch wins whole, the other is a conflict
			assert.Equal(t, int32(1), successes.Load())
			assertInvariants(t, s, "sub-1", "sub-2")
		})
	}
}

func TestUnassignProfile_Idempotent(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			// GIVEN: one bound profile
			engine, s := setup(t, b.open)
			ctx := context.Background()
			created, err := engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("nf-1", 1)})
			require.NoError(t, err)
			pid := created[0].ID

			// WHEN: unassigning twice
			require.NoError(t, engine.UnassignProfile(ctx, pid))
			require.NoError(t, engine.UnassignProfile(ctx, pid))

			// THEN: slot free, binding gone, no error either time
			ap, err := s.GetAccountProfile(ctx, storetest.Slot("nf-1", 1))
			require.NoError(t, err)
			assert.False(t, ap.IsAssigned)
			assert.Nil(t, ap.ProfileID)

			_, err = s.GetProfile(ctx, pid)
			assert.ErrorIs(t, err, model.ErrNotFound)

			assert.NoError(t, engine.UnassignProfile(ctx, "never-existed"))
			assertInvariants(t, s, "sub-1")

			// The freed slot can be bound again.
			_, err = engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("nf-1", 1)})
			assert.NoError(t, err)
		})
	}
}

func TestRemainingCapacity(t *testing.T) {
	engine, _ := setup(t, backends[0].open)
	ctx := context.Background()

	n, err := engine.RemainingCapacity(ctx, "sub-1", storetest.Netflix)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = engine.RemainingCapacity(ctx, "sub-1", storetest.Disney)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = engine.AssignProfiles(ctx, "sub-1", []allocation.SlotSelection{sel("dp-1", 1)})
	require.NoError(t, err)

	n, err = engine.RemainingCapacity(ctx, "sub-1", storetest.Netflix)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "offer has one left")

	_, err = engine.RemainingCapacity(ctx, "missing", storetest.Netflix)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
