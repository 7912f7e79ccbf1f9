package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/profile-engine/model"
)

// =============================================================================
// CATALOG READS (model.CatalogReader)
// =============================================================================

func (c *conn) GetPlatform(ctx context.Context, id model.PlatformID) (*model.Platform, error) {
	var (
		p      model.Platform
		maxPer sql.NullInt64
	)
	err := c.queryRow(ctx,
		`SELECT id, name, has_profiles, max_profiles_per_account FROM platforms WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.HasProfiles, &maxPer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("platform", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get platform %s: %w", id, err)
	}
	p.MaxProfilesPerAccount = intPtr(maxPer)
	return &p, nil
}

func (c *conn) GetAccount(ctx context.Context, id model.AccountID) (*model.Account, error) {
	var a model.Account
	err := c.queryRow(ctx,
		`SELECT id, platform_id, email, status FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.PlatformID, &a.Email, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("account", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

func (c *conn) GetAccountProfile(ctx context.Context, id model.AccountProfileID) (*model.AccountProfile, error) {
	ap, err := scanAccountProfile(c.queryRow(ctx,
		`SELECT id, account_id, profile_slot, is_assigned, profile_id
		 FROM account_profiles WHERE id = ?`+c.locking(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("account profile", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account profile %s: %w", id, err)
	}
	return &ap, nil
}

func (c *conn) GetOffer(ctx context.Context, id model.OfferID) (*model.Offer, error) {
	var o model.Offer
	err := c.queryRow(ctx,
		`SELECT id, name, max_profiles FROM offers WHERE id = ?`, id,
	).Scan(&o.ID, &o.Name, &o.MaxProfiles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("offer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", id, err)
	}
	return &o, nil
}

func (c *conn) GetPlatformOffer(ctx context.Context, id model.PlatformOfferID) (*model.PlatformOffer, error) {
	var po model.PlatformOffer
	err := c.queryRow(ctx,
		`SELECT id, offer_id, platform_id FROM platform_offers WHERE id = ?`, id,
	).Scan(&po.ID, &po.OfferID, &po.PlatformID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("platform offer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get platform offer %s: %w", id, err)
	}
	return &po, nil
}

func (c *conn) ListAccountsByPlatform(ctx context.Context, platformID model.PlatformID) ([]model.Account, error) {
	rows, err := c.query(ctx,
		`SELECT id, platform_id, email, status FROM accounts WHERE platform_id = ? ORDER BY id`, platformID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for platform %s: %w", platformID, err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.PlatformID, &a.Email, &a.Status); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

func (c *conn) ListAccountProfiles(ctx context.Context, accountID model.AccountID) ([]model.AccountProfile, error) {
	return c.queryAccountProfiles(ctx,
		`SELECT id, account_id, profile_slot, is_assigned, profile_id
		 FROM account_profiles WHERE account_id = ? ORDER BY profile_slot`, accountID)
}

func (c *conn) ListUnassignedProfiles(ctx context.Context, platformID model.PlatformID) ([]model.AccountProfile, error) {
	return c.queryAccountProfiles(ctx,
		`SELECT ap.id, ap.account_id, ap.profile_slot, ap.is_assigned, ap.profile_id
		 FROM account_profiles ap
		 JOIN accounts a ON a.id = ap.account_id
		 WHERE a.platform_id = ? AND ap.is_assigned = ?
		 ORDER BY ap.account_id, ap.profile_slot`, platformID, false)
}

func (c *conn) ListPlatformOffers(ctx context.Context, offerID model.OfferID) ([]model.PlatformOffer, error) {
	rows, err := c.query(ctx,
		`SELECT id, offer_id, platform_id FROM platform_offers WHERE offer_id = ? ORDER BY id`, offerID)
	if err != nil {
		return nil, fmt.Errorf("list platform offers for offer %s: %w", offerID, err)
	}
	defer rows.Close()

	var pos []model.PlatformOffer
	for rows.Next() {
		var po model.PlatformOffer
		if err := rows.Scan(&po.ID, &po.OfferID, &po.PlatformID); err != nil {
			return nil, fmt.Errorf("scan platform offer: %w", err)
		}
		pos = append(pos, po)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platform offers: %w", err)
	}
	return pos, nil
}

func (c *conn) queryAccountProfiles(ctx context.Context, query string, args ...any) ([]model.AccountProfile, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query account profiles: %w", err)
	}
	defer rows.Close()

	var aps []model.AccountProfile
	for rows.Next() {
		ap, err := scanAccountProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account profile: %w", err)
		}
		aps = append(aps, ap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account profiles: %w", err)
	}
	return aps, nil
}

func scanAccountProfile(row scanner) (model.AccountProfile, error) {
	var (
		ap        model.AccountProfile
		profileID sql.NullString
	)
	if err := row.Scan(&ap.ID, &ap.AccountID, &ap.ProfileSlot, &ap.IsAssigned, &profileID); err != nil {
		return ap, err
	}
	if profileID.Valid {
		pid := model.ProfileID(profileID.String)
		ap.ProfileID = &pid
	}
	return ap, nil
}

// =============================================================================
// CATALOG WRITES (model.CatalogWriter)
// =============================================================================

func (s *Store) SavePlatform(ctx context.Context, p model.Platform) error {
	_, err := s.exec(ctx,
		`INSERT INTO platforms (id, name, has_profiles, max_profiles_per_account)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			has_profiles = excluded.has_profiles,
			max_profiles_per_account = excluded.max_profiles_per_account`,
		p.ID, p.Name, p.HasProfiles, nullInt(p.MaxProfilesPerAccount),
	)
	if err != nil {
		return fmt.Errorf("save platform %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) SaveAccount(ctx context.Context, a model.Account) error {
	_, err := s.exec(ctx,
		`INSERT INTO accounts (id, platform_id, email, status)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			platform_id = excluded.platform_id,
			email = excluded.email,
			status = excluded.status`,
		a.ID, a.PlatformID, a.Email, a.Status,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) SaveAccountProfile(ctx context.Context, ap model.AccountProfile) error {
	_, err := s.exec(ctx,
		`INSERT INTO account_profiles (id, account_id, profile_slot, is_assigned, profile_id)
		 VALUES (?, ?, ?, ?, NULL)
		 ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			profile_slot = excluded.profile_slot`,
		ap.ID, ap.AccountID, ap.ProfileSlot, false,
	)
	if err != nil {
		return fmt.Errorf("save account profile %s: %w", ap.ID, err)
	}
	return nil
}

func (s *Store) SaveOffer(ctx context.Context, o model.Offer) error {
	_, err := s.exec(ctx,
		`INSERT INTO offers (id, name, max_profiles)
		 VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			max_profiles = excluded.max_profiles`,
		o.ID, o.Name, o.MaxProfiles,
	)
	if err != nil {
		return fmt.Errorf("save offer %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) SavePlatformOffer(ctx context.Context, po model.PlatformOffer) error {
	_, err := s.exec(ctx,
		`INSERT INTO platform_offers (id, offer_id, platform_id)
		 VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			offer_id = excluded.offer_id,
			platform_id = excluded.platform_id`,
		po.ID, po.OfferID, po.PlatformID,
	)
	if err != nil {
		return fmt.Errorf("save platform offer %s: %w", po.ID, err)
	}
	return nil
}
