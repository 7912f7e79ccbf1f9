/*
errors.go - Error taxonomy for allocation and lifecycle

PURPOSE:
  All sentinel and structured errors in one place. Structured errors carry
  the ids involved and unwrap to their sentinel, so callers match with
  errors.Is and inspect with errors.As.

ERROR CATEGORIES:
  1. Capacity errors - offer or platform maxima would be exceeded
  2. Conflict errors - a slot is already bound elsewhere
  3. Eligibility errors - platform/account/subscription cannot take bindings
  4. Lookup errors - unknown ids

USAGE:
  if errors.Is(err, model.ErrSlotAlreadyAssigned) {
      // someone else claimed the slot first
  }

  var capErr *model.CapacityError
  if errors.As(err, &capErr) {
      fmt.Println(capErr.Scope, capErr.Remaining)
  }
*/
package model

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCapacityExceeded is returned when bindings would exceed the offer or platform maxima.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrSlotAlreadyAssigned is returned when an account profile is already bound.
	ErrSlotAlreadyAssigned = errors.New("profile slot already assigned")

	// ErrPlatformUnsupported is returned for platforms without profile support.
	ErrPlatformUnsupported = errors.New("platform does not support profiles")

	// ErrNotFound is returned for unknown subscription, account, profile, offer or platform ids.
	ErrNotFound = errors.New("not found")

	// ErrSubscriptionExpired is returned when binding profiles to an expired subscription.
	ErrSubscriptionExpired = errors.New("subscription expired")

	// ErrAccountUnavailable is returned when the selected account is not AVAILABLE.
	ErrAccountUnavailable = errors.New("account not available")

	// ErrPlatformNotOffered is returned when the account's platform is not part of the offer.
	ErrPlatformNotOffered = errors.New("platform not part of offer")

	// ErrInvalidSelection is returned for malformed slot selections.
	ErrInvalidSelection = errors.New("invalid slot selection")

	// ErrInvalidRequest is returned for malformed subscription requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapacityScope names which limit was hit.
type CapacityScope string

const (
	ScopeOffer    CapacityScope = "offer"
	ScopePlatform CapacityScope = "platform"
)

// CapacityError details a rejected batch.
type CapacityError struct {
	SubscriptionID SubscriptionID
	Scope          CapacityScope
	PlatformID     PlatformID // set for ScopePlatform
	Limit          int
	Bound          int
	Requested      int
}

func (e *CapacityError) Remaining() int {
	if r := e.Limit - e.Bound; r > 0 {
		return r
	}
	return 0
}

func (e *CapacityError) Error() string {
	if e.Scope == ScopePlatform {
		return fmt.Sprintf("capacity exceeded: platform %s allows %d profiles, %d bound, %d requested",
			e.PlatformID, e.Limit, e.Bound, e.Requested)
	}
	return fmt.Sprintf("capacity exceeded: offer allows %d profiles, %d bound, %d requested",
		e.Limit, e.Bound, e.Requested)
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacityExceeded
}

// SlotConflictError identifies the slot that could not be claimed.
type SlotConflictError struct {
	AccountProfileID AccountProfileID
	InBatch          bool // repeated within the same request
}

func (e *SlotConflictError) Error() string {
	if e.InBatch {
		return fmt.Sprintf("profile slot %s selected twice", e.AccountProfileID)
	}
	return fmt.Sprintf("profile slot %s already assigned", e.AccountProfileID)
}

func (e *SlotConflictError) Unwrap() error {
	return ErrSlotAlreadyAssigned
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NotFound builds a NotFoundError for the given kind and id.
func NotFound[T ~string](kind string, id T) error {
	return &NotFoundError{Kind: kind, ID: string(id)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a slot ownership conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSlotAlreadyAssigned)
}

// IsClientError returns true if the request itself cannot be satisfied.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrPlatformUnsupported) ||
		errors.Is(err, ErrSubscriptionExpired) ||
		errors.Is(err, ErrAccountUnavailable) ||
		errors.Is(err, ErrPlatformNotOffered) ||
		errors.Is(err, ErrInvalidSelection) ||
		errors.Is(err, ErrInvalidRequest)
}
