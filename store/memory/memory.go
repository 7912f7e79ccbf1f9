// Package memory provides an in-memory model.Store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/profile-engine/model"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps every table in maps guarded by one mutex. WithTx holds the
// write lock for the whole function and restores a snapshot on error, which
// makes allocation transactions serializable.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	platforms       map[model.PlatformID]model.Platform
	accounts        map[model.AccountID]model.Account
	accountProfiles map[model.AccountProfileID]model.AccountProfile
	offers          map[model.OfferID]model.Offer
	platformOffers  map[model.PlatformOfferID]model.PlatformOffer
	subscriptions   map[model.SubscriptionID]model.Subscription
	profiles        map[model.ProfileID]model.Profile
	runs            map[string]model.LifecycleRun
	rates           map[string]model.CurrencyRate
}

func newState() *state {
	return &state{
		platforms:       make(map[model.PlatformID]model.Platform),
		accounts:        make(map[model.AccountID]model.Account),
		accountProfiles: make(map[model.AccountProfileID]model.AccountProfile),
		offers:          make(map[model.OfferID]model.Offer),
		platformOffers:  make(map[model.PlatformOfferID]model.PlatformOffer),
		subscriptions:   make(map[model.SubscriptionID]model.Subscription),
		profiles:        make(map[model.ProfileID]model.Profile),
		runs:            make(map[string]model.LifecycleRun),
		rates:           make(map[string]model.CurrencyRate),
	}
}

var _ model.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a view of the store. Writes go straight to the
// maps; a failing fn restores the snapshot taken before it ran.
func (m *Memory) WithTx(ctx context.Context, fn func(model.AllocationTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.platforms {
		c.platforms[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.accountProfiles {
		c.accountProfiles[k] = v
	}
	for k, v := range s.offers {
		c.offers[k] = v
	}
	for k, v := range s.platformOffers {
		c.platformOffers[k] = v
	}
	for k, v := range s.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.rates {
		c.rates[k] = v
	}
	return c
}

var _ model.AllocationTx = (*txView)(nil)

// txView exposes the unlocked state to a running transaction.
type txView struct {
	st *state
}

func (tv *txView) GetPlatform(_ context.Context, id model.PlatformID) (*model.Platform, error) {
	return tv.st.getPlatform(id)
}

func (tv *txView) GetAccount(_ context.Context, id model.AccountID) (*model.Account, error) {
	return tv.st.getAccount(id)
}

func (tv *txView) GetAccountProfile(_ context.Context, id model.AccountProfileID) (*model.AccountProfile, error) {
	return tv.st.getAccountProfile(id)
}

func (tv *txView) GetOffer(_ context.Context, id model.OfferID) (*model.Offer, error) {
	return tv.st.getOffer(id)
}

func (tv *txView) GetPlatformOffer(_ context.Context, id model.PlatformOfferID) (*model.PlatformOffer, error) {
	return tv.st.getPlatformOffer(id)
}

func (tv *txView) ListAccountsByPlatform(_ context.Context, id model.PlatformID) ([]model.Account, error) {
	return tv.st.listAccountsByPlatform(id), nil
}

func (tv *txView) ListAccountProfiles(_ context.Context, id model.AccountID) ([]model.AccountProfile, error) {
	return tv.st.listAccountProfiles(id), nil
}

func (tv *txView) ListUnassignedProfiles(_ context.Context, id model.PlatformID) ([]model.AccountProfile, error) {
	return tv.st.listUnassignedProfiles(id), nil
}

func (tv *txView) ListPlatformOffers(_ context.Context, id model.OfferID) ([]model.PlatformOffer, error) {
	return tv.st.listPlatformOffers(id), nil
}

func (tv *txView) GetSubscription(_ context.Context, id model.SubscriptionID) (*model.Subscription, error) {
	return tv.st.getSubscription(id)
}

func (tv *txView) GetProfile(_ context.Context, id model.ProfileID) (*model.Profile, error) {
	return tv.st.getProfile(id)
}

func (tv *txView) ListProfiles(_ context.Context, id model.SubscriptionID) ([]model.Profile, error) {
	return tv.st.listProfiles(id), nil
}

func (tv *txView) ClaimAccountProfile(_ context.Context, id model.AccountProfileID, profileID model.ProfileID) error {
	return tv.st.claim(id, profileID)
}

func (tv *txView) ReleaseAccountProfile(_ context.Context, id model.AccountProfileID, profileID model.ProfileID) error {
	tv.st.release(id, profileID)
	return nil
}

func (tv *txView) InsertProfile(_ context.Context, p model.Profile) error {
	for _, existing := range tv.st.profiles {
		if existing.AccountProfileID == p.AccountProfileID {
			return &model.SlotConflictError{AccountProfileID: p.AccountProfileID}
		}
	}
	tv.st.profiles[p.ID] = p
	return nil
}

func (tv *txView) DeleteProfile(_ context.Context, id model.ProfileID) error {
	delete(tv.st.profiles, id)
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) GetPlatform(_ context.Context, id model.PlatformID) (*model.Platform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getPlatform(id)
}

func (m *Memory) GetAccount(_ context.Context, id model.AccountID) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getAccount(id)
}

func (m *Memory) GetAccountProfile(_ context.Context, id model.AccountProfileID) (*model.AccountProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getAccountProfile(id)
}

func (m *Memory) GetOffer(_ context.Context, id model.OfferID) (*model.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getOffer(id)
}

func (m *Memory) GetPlatformOffer(_ context.Context, id model.PlatformOfferID) (*model.PlatformOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getPlatformOffer(id)
}

func (m *Memory) ListAccountsByPlatform(_ context.Context, id model.PlatformID) ([]model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAccountsByPlatform(id), nil
}

func (m *Memory) ListAccountProfiles(_ context.Context, id model.AccountID) ([]model.AccountProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAccountProfiles(id), nil
}

func (m *Memory) ListUnassignedProfiles(_ context.Context, id model.PlatformID) ([]model.AccountProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listUnassignedProfiles(id), nil
}

func (m *Memory) ListPlatformOffers(_ context.Context, id model.OfferID) ([]model.PlatformOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listPlatformOffers(id), nil
}

func (m *Memory) SavePlatform(_ context.Context, p model.Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.platforms[p.ID] = p
	return nil
}

func (m *Memory) SaveAccount(_ context.Context, a model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.accounts[a.ID] = a
	return nil
}

func (m *Memory) SaveAccountProfile(_ context.Context, ap model.AccountProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.st.accountProfiles[ap.ID]; ok {
		existing.AccountID = ap.AccountID
		existing.ProfileSlot = ap.ProfileSlot
		m.st.accountProfiles[ap.ID] = existing
		return nil
	}
	ap.IsAssigned = false
	ap.ProfileID = nil
	m.st.accountProfiles[ap.ID] = ap
	return nil
}

func (m *Memory) SaveOffer(_ context.Context, o model.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.offers[o.ID] = o
	return nil
}

func (m *Memory) SavePlatformOffer(_ context.Context, po model.PlatformOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.platformOffers[po.ID] = po
	return nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func (m *Memory) CreateSubscription(_ context.Context, sub model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.subscriptions[sub.ID] = sub
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, id model.SubscriptionID) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getSubscription(id)
}

func (m *Memory) GetProfile(_ context.Context, id model.ProfileID) (*model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getProfile(id)
}

func (m *Memory) ListProfiles(_ context.Context, id model.SubscriptionID) ([]model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listProfiles(id), nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id model.SubscriptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.st.subscriptions[id]; !ok {
		return model.NotFound("subscription", id)
	}
	for _, p := range m.st.listProfiles(id) {
		m.st.release(p.AccountProfileID, p.ID)
		delete(m.st.profiles, p.ID)
	}
	delete(m.st.subscriptions, id)
	return nil
}

func (m *Memory) ListSubscriptionsByStatus(_ context.Context, statuses ...model.SubscriptionStatus) ([]model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[model.SubscriptionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var subs []model.Subscription
	for _, sub := range m.st.subscriptions {
		if len(want) == 0 || want[sub.Status] {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].EndDate.Equal(subs[j].EndDate) {
			return subs[i].EndDate.Before(subs[j].EndDate)
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

func (m *Memory) ApplyStatusChanges(_ context.Context, changes []model.StatusChange, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := 0
	for _, c := range changes {
		sub, ok := m.st.subscriptions[c.SubscriptionID]
		if !ok || sub.Status != c.From {
			continue
		}
		sub.Status = c.To
		if c.SetContactNeeded {
			sub.ContactNeeded = true
		}
		sub.UpdatedAt = at
		m.st.subscriptions[sub.ID] = sub
		applied++
	}
	return applied, nil
}

// =============================================================================
// RUNS & RATES
// =============================================================================

func (m *Memory) SaveLifecycleRun(_ context.Context, run model.LifecycleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.runs[run.ID] = run
	return nil
}

func (m *Memory) ListLifecycleRuns(_ context.Context, limit int) ([]model.LifecycleRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]model.LifecycleRun, 0, len(m.st.runs))
	for _, r := range m.st.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) SaveRates(_ context.Context, rates []model.CurrencyRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rates {
		m.st.rates[r.Code] = r
	}
	return nil
}

func (m *Memory) ListRates(_ context.Context) ([]model.CurrencyRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rates := make([]model.CurrencyRate, 0, len(m.st.rates))
	for _, r := range m.st.rates {
		rates = append(rates, r)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Code < rates[j].Code })
	return rates, nil
}

// =============================================================================
// UNLOCKED HELPERS
// =============================================================================

func (s *state) getPlatform(id model.PlatformID) (*model.Platform, error) {
	p, ok := s.platforms[id]
	if !ok {
		return nil, model.NotFound("platform", id)
	}
	return &p, nil
}

func (s *state) getAccount(id model.AccountID) (*model.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, model.NotFound("account", id)
	}
	return &a, nil
}

func (s *state) getAccountProfile(id model.AccountProfileID) (*model.AccountProfile, error) {
	ap, ok := s.accountProfiles[id]
	if !ok {
		return nil, model.NotFound("account profile", id)
	}
	return &ap, nil
}

func (s *state) getOffer(id model.OfferID) (*model.Offer, error) {
	o, ok := s.offers[id]
	if !ok {
		return nil, model.NotFound("offer", id)
	}
	return &o, nil
}

func (s *state) getPlatformOffer(id model.PlatformOfferID) (*model.PlatformOffer, error) {
	po, ok := s.platformOffers[id]
	if !ok {
		return nil, model.NotFound("platform offer", id)
	}
	return &po, nil
}

func (s *state) getSubscription(id model.SubscriptionID) (*model.Subscription, error) {
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, model.NotFound("subscription", id)
	}
	return &sub, nil
}

func (s *state) getProfile(id model.ProfileID) (*model.Profile, error) {
	p, ok := s.profiles[id]
	if !ok {
		return nil, model.NotFound("profile", id)
	}
	return &p, nil
}

func (s *state) listAccountsByPlatform(id model.PlatformID) []model.Account {
	var accounts []model.Account
	for _, a := range s.accounts {
		if a.PlatformID == id {
			accounts = append(accounts, a)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts
}

func (s *state) listAccountProfiles(id model.AccountID) []model.AccountProfile {
	var aps []model.AccountProfile
	for _, ap := range s.accountProfiles {
		if ap.AccountID == id {
			aps = append(aps, ap)
		}
	}
	sort.Slice(aps, func(i, j int) bool { return aps[i].ProfileSlot < aps[j].ProfileSlot })
	return aps
}

func (s *state) listUnassignedProfiles(id model.PlatformID) []model.AccountProfile {
	var aps []model.AccountProfile
	for _, ap := range s.accountProfiles {
		a, ok := s.accounts[ap.AccountID]
		if !ok || a.PlatformID != id || ap.IsAssigned {
			continue
		}
		aps = append(aps, ap)
	}
	sort.Slice(aps, func(i, j int) bool {
		if aps[i].AccountID != aps[j].AccountID {
			return aps[i].AccountID < aps[j].AccountID
		}
		return aps[i].ProfileSlot < aps[j].ProfileSlot
	})
	return aps
}

func (s *state) listPlatformOffers(id model.OfferID) []model.PlatformOffer {
	var pos []model.PlatformOffer
	for _, po := range s.platformOffers {
		if po.OfferID == id {
			pos = append(pos, po)
		}
	}
	sort.Slice(pos, func(i, j int) bool { return pos[i].ID < pos[j].ID })
	return pos
}

func (s *state) listProfiles(id model.SubscriptionID) []model.Profile {
	var profiles []model.Profile
	for _, p := range s.profiles {
		if p.SubscriptionID == id {
			profiles = append(profiles, p)
		}
	}
	sort.Slice(profiles, func(i, j int) bool {
		if !profiles[i].CreatedAt.Equal(profiles[j].CreatedAt) {
			return profiles[i].CreatedAt.Before(profiles[j].CreatedAt)
		}
		return profiles[i].ID < profiles[j].ID
	})
	return profiles
}

func (s *state) claim(id model.AccountProfileID, profileID model.ProfileID) error {
	ap, ok := s.accountProfiles[id]
	if !ok {
		return model.NotFound("account profile", id)
	}
	if ap.IsAssigned {
		return &model.SlotConflictError{AccountProfileID: id}
	}
	pid := profileID
	ap.IsAssigned = true
	ap.ProfileID = &pid
	s.accountProfiles[id] = ap
	return nil
}

func (s *state) release(id model.AccountProfileID, profileID model.ProfileID) {
	ap, ok := s.accountProfiles[id]
	if !ok || ap.ProfileID == nil || *ap.ProfileID != profileID {
		return
	}
	ap.IsAssigned = false
	ap.ProfileID = nil
	s.accountProfiles[id] = ap
}
