package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/profile-engine/model"
)

// =============================================================================
// SUBSCRIPTION READS (model.SubscriptionReader)
// =============================================================================

const subscriptionColumns = `id, user_id, offer_id, platform_offer_id, start_date, end_date,
	status, contact_needed, auto_renew, created_at, updated_at`

func (c *conn) GetSubscription(ctx context.Context, id model.SubscriptionID) (*model.Subscription, error) {
	sub, err := scanSubscription(c.queryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`+c.locking(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("subscription", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return &sub, nil
}

func (c *conn) GetProfile(ctx context.Context, id model.ProfileID) (*model.Profile, error) {
	p, err := scanProfile(c.queryRow(ctx,
		`SELECT id, subscription_id, account_id, account_profile_id, platform_id, profile_slot, created_at
		 FROM profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("profile", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return &p, nil
}

func (c *conn) ListProfiles(ctx context.Context, subscriptionID model.SubscriptionID) ([]model.Profile, error) {
	rows, err := c.query(ctx,
		`SELECT id, subscription_id, account_id, account_profile_id, platform_id, profile_slot, created_at
		 FROM profiles WHERE subscription_id = ? ORDER BY created_at, id`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list profiles for subscription %s: %w", subscriptionID, err)
	}
	defer rows.Close()

	var profiles []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return profiles, nil
}

func scanSubscription(row scanner) (model.Subscription, error) {
	var (
		sub                                  model.Subscription
		startDate, endDate, created, updated string
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.OfferID, &sub.PlatformOfferID, &startDate, &endDate,
		&sub.Status, &sub.ContactNeeded, &sub.AutoRenew, &created, &updated)
	if err != nil {
		return sub, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&sub.StartDate, startDate},
		{&sub.EndDate, endDate},
		{&sub.CreatedAt, created},
		{&sub.UpdatedAt, updated},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return sub, err
		}
	}
	return sub, nil
}

func scanProfile(row scanner) (model.Profile, error) {
	var (
		p       model.Profile
		created string
	)
	if err := row.Scan(&p.ID, &p.SubscriptionID, &p.AccountID, &p.AccountProfileID,
		&p.PlatformID, &p.ProfileSlot, &created); err != nil {
		return p, err
	}
	t, err := parseTime(created)
	if err != nil {
		return p, err
	}
	p.CreatedAt = t
	return p, nil
}

// =============================================================================
// SUBSCRIPTION WRITES (model.SubscriptionStore)
// =============================================================================

func (s *Store) CreateSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.OfferID, sub.PlatformOfferID,
		formatTime(sub.StartDate), formatTime(sub.EndDate),
		sub.Status, sub.ContactNeeded, sub.AutoRenew,
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id model.SubscriptionID) error {
	return s.withTx(ctx, func(tx *txView) error {
		if _, err := tx.GetSubscription(ctx, id); err != nil {
			return err
		}
		profiles, err := tx.ListProfiles(ctx, id)
		if err != nil {
			return err
		}
		for _, p := range profiles {
			if err := tx.ReleaseAccountProfile(ctx, p.AccountProfileID, p.ID); err != nil {
				return err
			}
		}
		if _, err := tx.exec(ctx, `DELETE FROM profiles WHERE subscription_id = ?`, id); err != nil {
			return fmt.Errorf("delete profiles of subscription %s: %w", id, err)
		}
		if _, err := tx.exec(ctx, `DELETE FROM subscriptions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete subscription %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) ListSubscriptionsByStatus(ctx context.Context, statuses ...model.SubscriptionStatus) ([]model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY end_date, id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Store) ApplyStatusChanges(ctx context.Context, changes []model.StatusChange, at time.Time) (int, error) {
	applied := 0
	err := s.withTx(ctx, func(tx *txView) error {
		for _, ch := range changes {
			var (
				res sql.Result
				err error
			)
			if ch.SetContactNeeded {
				res, err = tx.exec(ctx,
					`UPDATE subscriptions SET status = ?, contact_needed = ?, updated_at = ?
					 WHERE id = ? AND status = ?`,
					ch.To, true, formatTime(at), ch.SubscriptionID, ch.From)
			} else {
				res, err = tx.exec(ctx,
					`UPDATE subscriptions SET status = ?, updated_at = ?
					 WHERE id = ? AND status = ?`,
					ch.To, formatTime(at), ch.SubscriptionID, ch.From)
			}
			if err != nil {
				return fmt.Errorf("update subscription %s: %w", ch.SubscriptionID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			applied += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}
