package sqlstore

import (
	"context"
	"fmt"

	"github.com/warp/profile-engine/model"
)

// =============================================================================
// SLOT STATE (model.AllocationWriter)
// =============================================================================

// ClaimAccountProfile is a conditional update: it only succeeds while the slot
// is still free, so two transactions racing for one slot cannot both win.
func (c *conn) ClaimAccountProfile(ctx context.Context, id model.AccountProfileID, profileID model.ProfileID) error {
	res, err := c.exec(ctx,
		`UPDATE account_profiles SET is_assigned = ?, profile_id = ?
		 WHERE id = ? AND is_assigned = ?`,
		true, profileID, id, false)
	if err != nil {
		if isUniqueViolation(err) {
			return &model.SlotConflictError{AccountProfileID: id}
		}
		return fmt.Errorf("claim account profile %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either the slot does not exist or it is taken.
	if _, err := c.GetAccountProfile(ctx, id); err != nil {
		return err
	}
	return &model.SlotConflictError{AccountProfileID: id}
}

func (c *conn) ReleaseAccountProfile(ctx context.Context, id model.AccountProfileID, profileID model.ProfileID) error {
	_, err := c.exec(ctx,
		`UPDATE account_profiles SET is_assigned = ?, profile_id = NULL
		 WHERE id = ? AND profile_id = ?`,
		false, id, profileID)
	if err != nil {
		return fmt.Errorf("release account profile %s: %w", id, err)
	}
	return nil
}

func (c *conn) InsertProfile(ctx context.Context, p model.Profile) error {
	_, err := c.exec(ctx,
		`INSERT INTO profiles (id, subscription_id, account_id, account_profile_id, platform_id, profile_slot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SubscriptionID, p.AccountID, p.AccountProfileID, p.PlatformID, p.ProfileSlot,
		formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &model.SlotConflictError{AccountProfileID: p.AccountProfileID}
		}
		return fmt.Errorf("insert profile %s: %w", p.ID, err)
	}
	return nil
}

func (c *conn) DeleteProfile(ctx context.Context, id model.ProfileID) error {
	if _, err := c.exec(ctx, `DELETE FROM profiles WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	return nil
}
