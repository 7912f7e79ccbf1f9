/*
store.go - Repository interfaces between the engines and persistence

PURPOSE:
  Every relation is an explicit query returning typed structs. There is no
  lazy loading and no implicit back-reference traversal: to go from an
  AccountProfile to its binding you call GetProfile with its ProfileID.

KEY INTERFACES:
  CatalogReader:   Read-only capacity records (platforms, accounts, offers)
  CatalogWriter:   Catalog import (seed fixtures, admin tooling)
  AllocationTx:    The view handed to an allocation transaction
  TxStore:         Runs a function inside one serializable unit of work
  SubscriptionStore: Subscription creation, deletion and status changes
  RunStore:        Lifecycle sweep audit records
  RateStore:       Currency rates written by the refresh job

MISSING RECORDS:
  Single-record getters return an error wrapping ErrNotFound (see
  NotFound in errors.go), never (nil, nil).

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL over database/sql
  - store/memory:   In-memory for tests and local runs
*/
package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CATALOG
// =============================================================================

type CatalogReader interface {
	GetPlatform(ctx context.Context, id PlatformID) (*Platform, error)
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
	GetAccountProfile(ctx context.Context, id AccountProfileID) (*AccountProfile, error)
	GetOffer(ctx context.Context, id OfferID) (*Offer, error)
	GetPlatformOffer(ctx context.Context, id PlatformOfferID) (*PlatformOffer, error)

	// ListAccountsByPlatform returns every account of a platform regardless of status.
	ListAccountsByPlatform(ctx context.Context, platformID PlatformID) ([]Account, error)

	// ListAccountProfiles returns an account's slots ordered by ProfileSlot.
	ListAccountProfiles(ctx context.Context, accountID AccountID) ([]AccountProfile, error)

	// ListUnassignedProfiles returns free slots of all accounts on a platform,
	// ordered by account then slot.
	ListUnassignedProfiles(ctx context.Context, platformID PlatformID) ([]AccountProfile, error)

	ListPlatformOffers(ctx context.Context, offerID OfferID) ([]PlatformOffer, error)
}

type CatalogWriter interface {
	SavePlatform(ctx context.Context, p Platform) error
	SaveAccount(ctx context.Context, a Account) error
	// SaveAccountProfile creates a slot or updates its slot number; assignment
	// state is never touched by catalog writes.
	SaveAccountProfile(ctx context.Context, ap AccountProfile) error
	SaveOffer(ctx context.Context, o Offer) error
	SavePlatformOffer(ctx context.Context, po PlatformOffer) error
}

// =============================================================================
// SUBSCRIPTIONS & BINDINGS
// =============================================================================

type SubscriptionReader interface {
	GetSubscription(ctx context.Context, id SubscriptionID) (*Subscription, error)
	GetProfile(ctx context.Context, id ProfileID) (*Profile, error)
	// ListProfiles returns the bindings owned by a subscription, oldest first.
	ListProfiles(ctx context.Context, subscriptionID SubscriptionID) ([]Profile, error)
}

// AllocationWriter mutates the shared slot state. Only the allocation engine
// and subscription deletion call it.
type AllocationWriter interface {
	// ClaimAccountProfile flips is_assigned false->true and records the binding
	// id. Returns a *SlotConflictError when the slot was not free.
	ClaimAccountProfile(ctx context.Context, id AccountProfileID, profileID ProfileID) error

	// ReleaseAccountProfile frees the slot if it is still held by profileID.
	ReleaseAccountProfile(ctx context.Context, id AccountProfileID, profileID ProfileID) error

	InsertProfile(ctx context.Context, p Profile) error
	DeleteProfile(ctx context.Context, id ProfileID) error
}

// AllocationTx is the store view inside a transaction. Reads of subscriptions
// and account profiles through it lock the rows where the backend supports it.
type AllocationTx interface {
	CatalogReader
	SubscriptionReader
	AllocationWriter
}

// TxStore runs fn as one unit of work: fn returning an error rolls back every
// write made through the AllocationTx.
type TxStore interface {
	WithTx(ctx context.Context, fn func(tx AllocationTx) error) error
}

// StatusChange is one planned lifecycle update. The update applies only while
// the subscription is still in From.
type StatusChange struct {
	SubscriptionID   SubscriptionID
	From             SubscriptionStatus
	To               SubscriptionStatus
	SetContactNeeded bool
}

type SubscriptionStore interface {
	SubscriptionReader

	CreateSubscription(ctx context.Context, sub Subscription) error

	// DeleteSubscription removes the subscription and releases all of its
	// bindings atomically.
	DeleteSubscription(ctx context.Context, id SubscriptionID) error

	ListSubscriptionsByStatus(ctx context.Context, statuses ...SubscriptionStatus) ([]Subscription, error)

	// ApplyStatusChanges applies all changes in one transaction and returns how
	// many matched their From status. Changes whose guard no longer matches are
	// skipped, not failed.
	ApplyStatusChanges(ctx context.Context, changes []StatusChange, at time.Time) (int, error)
}

// =============================================================================
// LIFECYCLE RUNS
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// LifecycleRun records one sweep for audit and operator display.
type LifecycleRun struct {
	ID             string
	Status         RunStatus
	Activated      int
	ContactFlagged int
	Expired        int
	Failed         int
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

type RunStore interface {
	SaveLifecycleRun(ctx context.Context, run LifecycleRun) error
	// ListLifecycleRuns returns the most recent runs first.
	ListLifecycleRuns(ctx context.Context, limit int) ([]LifecycleRun, error)
}

// =============================================================================
// CURRENCY RATES
// =============================================================================

// CurrencyRate is the price of one Base unit in Code.
type CurrencyRate struct {
	Code      string
	Base      string
	Rate      decimal.Decimal
	FetchedAt time.Time
}

type RateStore interface {
	// SaveRates replaces the stored rate of every given code.
	SaveRates(ctx context.Context, rates []CurrencyRate) error
	ListRates(ctx context.Context) ([]CurrencyRate, error)
}

// =============================================================================
// AGGREGATE
// =============================================================================

// Store is everything a full backend provides.
type Store interface {
	CatalogReader
	CatalogWriter
	SubscriptionStore
	TxStore
	RunStore
	RateStore
	Close() error
}
