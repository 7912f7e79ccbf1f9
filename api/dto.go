/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP contract, kept apart from the model types so the
  wire format can stay snake_case and stable while internals change.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator tags; Decode rejects bodies that fail them
  with 400 before any engine is called.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/profile-engine/capacity"
	"github.com/warp/profile-engine/model"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateSubscriptionRequest struct {
	UserID          string    `json:"user_id" validate:"required"`
	OfferID         string    `json:"offer_id" validate:"required"`
	PlatformOfferID string    `json:"platform_offer_id" validate:"required"`
	StartDate       time.Time `json:"start_date" validate:"required"`
	EndDate         time.Time `json:"end_date" validate:"required,gtfield=StartDate"`
	AutoRenew       bool      `json:"auto_renew"`
}

type SlotSelectionRequest struct {
	AccountID        string `json:"account_id" validate:"required"`
	AccountProfileID string `json:"account_profile_id" validate:"required"`
	ProfileSlot      int    `json:"profile_slot" validate:"min=0"`
}

type AssignProfilesRequest struct {
	Selections []SlotSelectionRequest `json:"selections" validate:"required,min=1,dive"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type SubscriptionDTO struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	OfferID         string    `json:"offer_id"`
	PlatformOfferID string    `json:"platform_offer_id"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	Status          string    `json:"status"`
	ContactNeeded   bool      `json:"contact_needed"`
	AutoRenew       bool      `json:"auto_renew"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type ProfileDTO struct {
	ID               string    `json:"id"`
	SubscriptionID   string    `json:"subscription_id"`
	AccountID        string    `json:"account_id"`
	AccountProfileID string    `json:"account_profile_id"`
	PlatformID       string    `json:"platform_id"`
	ProfileSlot      int       `json:"profile_slot"`
	CreatedAt        time.Time `json:"created_at"`
}

type FreeSlotDTO struct {
	AccountProfileID string `json:"account_profile_id"`
	ProfileSlot      int    `json:"profile_slot"`
}

type AssignableAccountDTO struct {
	AccountID string        `json:"account_id"`
	Email     string        `json:"email"`
	Status    string        `json:"status"`
	FreeSlots []FreeSlotDTO `json:"free_slots"`
}

type PlatformCapacityDTO struct {
	PlatformID      string `json:"platform_id"`
	HasProfiles     bool   `json:"has_profiles"`
	SlotsPerAccount int    `json:"slots_per_account"`
	Cap             int    `json:"cap"`
	Bound           int    `json:"bound"`
	Remaining       int    `json:"remaining"`
}

type CapacityDTO struct {
	SubscriptionID    string                `json:"subscription_id"`
	OfferID           string                `json:"offer_id"`
	OfferMax          int                   `json:"offer_max"`
	Bound             int                   `json:"bound"`
	RemainingForOffer int                   `json:"remaining_for_offer"`
	Platforms         []PlatformCapacityDTO `json:"platforms"`
}

type LifecycleRunDTO struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	Activated      int        `json:"activated"`
	ContactFlagged int        `json:"contact_flagged"`
	Expired        int        `json:"expired"`
	Failed         int        `json:"failed"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type JobRunDTO struct {
	Job    string `json:"job"`
	Status string `json:"status"`
}

type CurrencyRateDTO struct {
	Code      string    `json:"code"`
	Base      string    `json:"base"`
	Rate      string    `json:"rate"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toSubscriptionDTO(s model.Subscription) SubscriptionDTO {
	return SubscriptionDTO{
		ID:              string(s.ID),
		UserID:          string(s.UserID),
		OfferID:         string(s.OfferID),
		PlatformOfferID: string(s.PlatformOfferID),
		StartDate:       s.StartDate,
		EndDate:         s.EndDate,
		Status:          string(s.Status),
		ContactNeeded:   s.ContactNeeded,
		AutoRenew:       s.AutoRenew,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func toProfileDTOs(profiles []model.Profile) []ProfileDTO {
	out := make([]ProfileDTO, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, ProfileDTO{
			ID:               string(p.ID),
			SubscriptionID:   string(p.SubscriptionID),
			AccountID:        string(p.AccountID),
			AccountProfileID: string(p.AccountProfileID),
			PlatformID:       string(p.PlatformID),
			ProfileSlot:      p.ProfileSlot,
			CreatedAt:        p.CreatedAt,
		})
	}
	return out
}

func toAssignableDTOs(accounts []capacity.AssignableAccount) []AssignableAccountDTO {
	out := make([]AssignableAccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dto := AssignableAccountDTO{
			AccountID: string(a.Account.ID),
			Email:     a.Account.Email,
			Status:    string(a.Account.Status),
			FreeSlots: make([]FreeSlotDTO, 0, len(a.FreeSlots)),
		}
		for _, s := range a.FreeSlots {
			dto.FreeSlots = append(dto.FreeSlots, FreeSlotDTO{
				AccountProfileID: string(s.ID),
				ProfileSlot:      s.ProfileSlot,
			})
		}
		out = append(out, dto)
	}
	return out
}

func toCapacityDTO(r *capacity.Report) CapacityDTO {
	dto := CapacityDTO{
		SubscriptionID:    string(r.SubscriptionID),
		OfferID:           string(r.OfferID),
		OfferMax:          r.OfferMax,
		Bound:             r.Bound,
		RemainingForOffer: r.RemainingForOffer,
		Platforms:         make([]PlatformCapacityDTO, 0, len(r.Platforms)),
	}
	for _, p := range r.Platforms {
		dto.Platforms = append(dto.Platforms, PlatformCapacityDTO{
			PlatformID:      string(p.PlatformID),
			HasProfiles:     p.HasProfiles,
			SlotsPerAccount: p.SlotsPerAccount,
			Cap:             p.Cap,
			Bound:           p.Bound,
			Remaining:       p.Remaining,
		})
	}
	return dto
}

func toRunDTO(run model.LifecycleRun) LifecycleRunDTO {
	return LifecycleRunDTO{
		ID:             run.ID,
		Status:         string(run.Status),
		Activated:      run.Activated,
		ContactFlagged: run.ContactFlagged,
		Expired:        run.Expired,
		Failed:         run.Failed,
		Error:          run.Error,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}
}
