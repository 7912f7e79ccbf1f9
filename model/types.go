/*
types.go - Catalog and subscription entities shared by every component

PURPOSE:
  Plain structs for the capacity catalog (Platform, Account, AccountProfile,
  Offer, PlatformOffer) and for the subscription side (Subscription, Profile).
  No behavior beyond small derived values lives here; the engines in
  capacity/, allocation/ and lifecycle/ own the rules.

OWNERSHIP:
  Subscription owns its Profile bindings. An AccountProfile only keeps a weak
  lookup index (ProfileID) to the binding currently occupying it. Nothing
  traverses from AccountProfile back to a Subscription implicitly; callers
  go through the store with an explicit query.

SEE ALSO:
  - store.go: Repository interfaces returning these types
  - errors.go: Error taxonomy
*/
package model

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	PlatformID       string
	AccountID        string
	AccountProfileID string
	OfferID          string
	PlatformOfferID  string
	SubscriptionID   string
	ProfileID        string
	UserID           string
)

// =============================================================================
// CATALOG
// =============================================================================

const (
	// DefaultSlotsPerAccount applies when a platform does not declare how many
	// profiles one account carries.
	DefaultSlotsPerAccount = 1

	// DefaultAllocationCap is the per subscription-platform binding cap used by
	// allocation when the platform leaves MaxProfilesPerAccount unset.
	DefaultAllocationCap = 5
)

// Platform is a streaming service as a pure capacity record.
type Platform struct {
	ID                    PlatformID
	Name                  string
	HasProfiles           bool
	MaxProfilesPerAccount *int
}

// SlotsPerAccount is the number of profile slots an account on this platform carries.
func (p Platform) SlotsPerAccount() int {
	if p.MaxProfilesPerAccount == nil {
		return DefaultSlotsPerAccount
	}
	return *p.MaxProfilesPerAccount
}

// AllocationCap is the maximum number of profiles one subscription may hold on this platform.
func (p Platform) AllocationCap() int {
	if p.MaxProfilesPerAccount == nil {
		return DefaultAllocationCap
	}
	return *p.MaxProfilesPerAccount
}

type AccountStatus string

const (
	AccountAvailable   AccountStatus = "AVAILABLE"
	AccountUnavailable AccountStatus = "UNAVAILABLE"
	AccountSuspended   AccountStatus = "SUSPENDED"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountAvailable, AccountUnavailable, AccountSuspended:
		return true
	}
	return false
}

// Account is one shared login on a platform.
type Account struct {
	ID         AccountID
	PlatformID PlatformID
	Email      string
	Status     AccountStatus
}

// AccountProfile is one profile slot of an account.
// IsAssigned is true iff ProfileID is set.
type AccountProfile struct {
	ID          AccountProfileID
	AccountID   AccountID
	ProfileSlot int
	IsAssigned  bool
	ProfileID   *ProfileID
}

// Offer is a sellable bundle; MaxProfiles bounds the bindings of one subscription.
type Offer struct {
	ID          OfferID
	Name        string
	MaxProfiles int
}

// PlatformOffer binds an offer to one platform.
type PlatformOffer struct {
	ID         PlatformOfferID
	OfferID    OfferID
	PlatformID PlatformID
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

type SubscriptionStatus string

const (
	StatusPending       SubscriptionStatus = "PENDING"
	StatusActive        SubscriptionStatus = "ACTIVE"
	StatusContactNeeded SubscriptionStatus = "CONTACT_NEEDED"
	StatusExpired       SubscriptionStatus = "EXPIRED"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusContactNeeded, StatusExpired:
		return true
	}
	return false
}

// Subscription is a paid claim on an offer for a date range.
type Subscription struct {
	ID              SubscriptionID
	UserID          UserID
	OfferID         OfferID
	PlatformOfferID PlatformOfferID
	StartDate       time.Time
	EndDate         time.Time
	Status          SubscriptionStatus
	ContactNeeded   bool
	AutoRenew       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Profile binds one account profile slot to a subscription.
type Profile struct {
	ID               ProfileID
	SubscriptionID   SubscriptionID
	AccountID        AccountID
	AccountProfileID AccountProfileID
	PlatformID       PlatformID
	ProfileSlot      int
	CreatedAt        time.Time
}

// CountByPlatform returns how many of the given profiles sit on each platform.
func CountByPlatform(profiles []Profile) map[PlatformID]int {
	counts := make(map[PlatformID]int)
	for _, p := range profiles {
		counts[p.PlatformID]++
	}
	return counts
}
