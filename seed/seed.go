/*
Package seed imports catalog fixtures (platforms, accounts, slots, offers)
from YAML.

FILE FORMAT:
  platforms:
    - id: netflix
      name: Netflix
      has_profiles: true
      max_profiles_per_account: 4     # optional
  accounts:
    - id: nf-1
      platform_id: netflix
      email: nf-1@example.com
      status: AVAILABLE               # optional, AVAILABLE by default
      slots: 4                        # optional, platform slots per account by default
  offers:
    - id: duo
      name: Duo
      max_profiles: 2
      platform_offers:
        - platform_id: netflix        # id defaults to <offer>-<platform>
        - id: duo-disney
          platform_id: disney

Slots are created with ids <account>-slot-<n>, n starting at 1.

IMPORT:
  Every record is upserted, so importing the same file twice is harmless
  and an import that failed half way can be re-run. Catalog writes never
  touch slot assignment state.
*/
package seed

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/warp/profile-engine/model"
)

var validate = validator.New()

type Catalog struct {
	Platforms []PlatformSpec `yaml:"platforms" validate:"dive"`
	Accounts  []AccountSpec  `yaml:"accounts" validate:"dive"`
	Offers    []OfferSpec    `yaml:"offers" validate:"dive"`
}

type PlatformSpec struct {
	ID                    string `yaml:"id" validate:"required"`
	Name                  string `yaml:"name" validate:"required"`
	HasProfiles           bool   `yaml:"has_profiles"`
	MaxProfilesPerAccount *int   `yaml:"max_profiles_per_account" validate:"omitempty,min=1"`
}

type AccountSpec struct {
	ID         string `yaml:"id" validate:"required"`
	PlatformID string `yaml:"platform_id" validate:"required"`
	Email      string `yaml:"email" validate:"omitempty,email"`
	Status     string `yaml:"status" validate:"omitempty,oneof=AVAILABLE UNAVAILABLE SUSPENDED"`
	Slots      int    `yaml:"slots" validate:"min=0"`
}

type OfferSpec struct {
	ID             string              `yaml:"id" validate:"required"`
	Name           string              `yaml:"name" validate:"required"`
	MaxProfiles    int                 `yaml:"max_profiles" validate:"min=0"`
	PlatformOffers []PlatformOfferSpec `yaml:"platform_offers" validate:"dive"`
}

type PlatformOfferSpec struct {
	ID         string `yaml:"id"`
	PlatformID string `yaml:"platform_id" validate:"required"`
}

// Summary counts the records written by an import.
type Summary struct {
	Platforms      int `json:"platforms"`
	Accounts       int `json:"accounts"`
	Slots          int `json:"slots"`
	Offers         int `json:"offers"`
	PlatformOffers int `json:"platform_offers"`
}

// SlotID is the id given to an imported account's n-th slot.
func SlotID(account model.AccountID, n int) model.AccountProfileID {
	return model.AccountProfileID(fmt.Sprintf("%s-slot-%d", account, n))
}

// Parse decodes and validates a catalog document.
func Parse(r io.Reader) (*Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := validate.Struct(&cat); err != nil {
		return nil, fmt.Errorf("validate catalog: %w: %w", model.ErrInvalidRequest, err)
	}
	return &cat, nil
}

// ParseFile reads a catalog document from disk.
func ParseFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// =============================================================================
// IMPORT
// =============================================================================

// Store is what an import reads and writes.
type Store interface {
	model.CatalogWriter
	GetPlatform(ctx context.Context, id model.PlatformID) (*model.Platform, error)
}

// Invalidator drops cached catalog records after an import.
type Invalidator interface {
	InvalidatePlatforms()
}

type Importer struct {
	store  Store
	cache  Invalidator
	logger zerolog.Logger
}

// NewImporter builds an importer. cache may be nil.
func NewImporter(store Store, cache Invalidator, logger zerolog.Logger) *Importer {
	return &Importer{
		store:  store,
		cache:  cache,
		logger: logger.With().Str("component", "seed").Logger(),
	}
}

// Import upserts the catalog. References to platforms must resolve either in
// the document or in the store.
func (im *Importer) Import(ctx context.Context, cat *Catalog) (Summary, error) {
	var sum Summary
	if im.cache != nil {
		defer im.cache.InvalidatePlatforms()
	}

	platforms := make(map[model.PlatformID]model.Platform, len(cat.Platforms))
	for _, ps := range cat.Platforms {
		p := model.Platform{
			ID:                    model.PlatformID(ps.ID),
			Name:                  ps.Name,
			HasProfiles:           ps.HasProfiles,
			MaxProfilesPerAccount: ps.MaxProfilesPerAccount,
		}
		if err := im.store.SavePlatform(ctx, p); err != nil {
			return sum, fmt.Errorf("save platform %s: %w", p.ID, err)
		}
		platforms[p.ID] = p
		sum.Platforms++
	}

	resolve := func(id model.PlatformID) (model.Platform, error) {
		if p, ok := platforms[id]; ok {
			return p, nil
		}
		p, err := im.store.GetPlatform(ctx, id)
		if err != nil {
			return model.Platform{}, err
		}
		platforms[id] = *p
		return *p, nil
	}

	for _, as := range cat.Accounts {
		p, err := resolve(model.PlatformID(as.PlatformID))
		if err != nil {
			return sum, fmt.Errorf("account %s: %w", as.ID, err)
		}
		a := model.Account{
			ID:         model.AccountID(as.ID),
			PlatformID: p.ID,
			Email:      as.Email,
			Status:     model.AccountStatus(as.Status),
		}
		if a.Status == "" {
			a.Status = model.AccountAvailable
		}

		slots := as.Slots
		if slots == 0 {
			slots = p.SlotsPerAccount()
		}
		if slots > p.SlotsPerAccount() {
			return sum, fmt.Errorf("account %s declares %d slots, platform %s allows %d: %w",
				a.ID, slots, p.ID, p.SlotsPerAccount(), model.ErrInvalidRequest)
		}

		if err := im.store.SaveAccount(ctx, a); err != nil {
			return sum, fmt.Errorf("save account %s: %w", a.ID, err)
		}
		sum.Accounts++

		for n := 1; n <= slots; n++ {
			ap := model.AccountProfile{ID: SlotID(a.ID, n), AccountID: a.ID, ProfileSlot: n}
			if err := im.store.SaveAccountProfile(ctx, ap); err != nil {
				return sum, fmt.Errorf("save slot %s: %w", ap.ID, err)
			}
			sum.Slots++
		}
	}

	for _, spec := range cat.Offers {
		o := model.Offer{ID: model.OfferID(spec.ID), Name: spec.Name, MaxProfiles: spec.MaxProfiles}
		if err := im.store.SaveOffer(ctx, o); err != nil {
			return sum, fmt.Errorf("save offer %s: %w", o.ID, err)
		}
		sum.Offers++

		for _, pos := range spec.PlatformOffers {
			p, err := resolve(model.PlatformID(pos.PlatformID))
			if err != nil {
				return sum, fmt.Errorf("offer %s: %w", o.ID, err)
			}
			po := model.PlatformOffer{ID: model.PlatformOfferID(pos.ID), OfferID: o.ID, PlatformID: p.ID}
			if po.ID == "" {
				po.ID = model.PlatformOfferID(fmt.Sprintf("%s-%s", o.ID, p.ID))
			}
			if err := im.store.SavePlatformOffer(ctx, po); err != nil {
				return sum, fmt.Errorf("save platform offer %s: %w", po.ID, err)
			}
			sum.PlatformOffers++
		}
	}

	im.logger.Info().
		Int("platforms", sum.Platforms).
		Int("accounts", sum.Accounts).
		Int("slots", sum.Slots).
		Int("offers", sum.Offers).
		Int("platform_offers", sum.PlatformOffers).
		Msg("catalog imported")
	return sum, nil
}
