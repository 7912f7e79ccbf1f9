/*
Package subscription is the inbound contract used by order completion and
the read side used by presentation layers.

OPERATIONS:
  CreateSubscription      validates the offer and platform offer, stores the
                          subscription as PENDING
  GetSubscription         one subscription
  GetSubscriptionProfiles bindings owned by a subscription, oldest first
  DeleteSubscription      removes a subscription and releases its slots

Status changes after creation belong to the lifecycle package; bindings
belong to the allocation package.
*/
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/profile-engine/model"
)

// Store is what the service needs from persistence.
type Store interface {
	model.SubscriptionStore
	GetOffer(ctx context.Context, id model.OfferID) (*model.Offer, error)
	GetPlatformOffer(ctx context.Context, id model.PlatformOfferID) (*model.PlatformOffer, error)
}

// CreateRequest carries what order completion knows about a purchase.
type CreateRequest struct {
	UserID          model.UserID
	OfferID         model.OfferID
	PlatformOfferID model.PlatformOfferID
	StartDate       time.Time
	EndDate         time.Time
	AutoRenew       bool
}

type Service struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "subscription").Logger(),
		now:    time.Now,
	}
}

// CreateSubscription stores a new PENDING subscription.
func (s *Service) CreateSubscription(ctx context.Context, req CreateRequest) (*model.Subscription, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required: %w", model.ErrInvalidRequest)
	}
	if !req.EndDate.After(req.StartDate) {
		return nil, fmt.Errorf("end date %s must be after start date %s: %w",
			req.EndDate.Format(time.RFC3339), req.StartDate.Format(time.RFC3339), model.ErrInvalidRequest)
	}

	offer, err := s.store.GetOffer(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	po, err := s.store.GetPlatformOffer(ctx, req.PlatformOfferID)
	if err != nil {
		return nil, err
	}
	if po.OfferID != offer.ID {
		return nil, fmt.Errorf("platform offer %s belongs to offer %s, not %s: %w",
			po.ID, po.OfferID, offer.ID, model.ErrPlatformNotOffered)
	}

	now := s.now().UTC()
	sub := model.Subscription{
		ID:              model.SubscriptionID(uuid.NewString()),
		UserID:          req.UserID,
		OfferID:         offer.ID,
		PlatformOfferID: po.ID,
		StartDate:       req.StartDate.UTC(),
		EndDate:         req.EndDate.UTC(),
		Status:          model.StatusPending,
		AutoRenew:       req.AutoRenew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", string(sub.ID)).
		Str("user_id", string(sub.UserID)).
		Str("offer_id", string(sub.OfferID)).
		Msg("subscription created")
	return &sub, nil
}

func (s *Service) GetSubscription(ctx context.Context, id model.SubscriptionID) (*model.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// GetSubscriptionProfiles returns the subscription's bindings. Unknown
// subscriptions are ErrNotFound rather than an empty list.
func (s *Service) GetSubscriptionProfiles(ctx context.Context, id model.SubscriptionID) ([]model.Profile, error) {
	if _, err := s.store.GetSubscription(ctx, id); err != nil {
		return nil, err
	}
	profiles, err := s.store.ListProfiles(ctx, id)
	if err != nil {
		return nil, err
	}
	if profiles == nil {
		profiles = []model.Profile{}
	}
	return profiles, nil
}

// DeleteSubscription removes the subscription and frees every slot it held.
func (s *Service) DeleteSubscription(ctx context.Context, id model.SubscriptionID) error {
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("subscription_id", string(id)).Msg("subscription deleted")
	return nil
}
