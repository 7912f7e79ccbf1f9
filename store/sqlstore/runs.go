package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/profile-engine/model"
)

// =============================================================================
// LIFECYCLE RUNS (model.RunStore)
// =============================================================================

func (s *Store) SaveLifecycleRun(ctx context.Context, run model.LifecycleRun) error {
	var completedAt sql.NullString
	if run.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*run.CompletedAt), Valid: true}
	}

	_, err := s.exec(ctx,
		`INSERT INTO lifecycle_runs (id, status, activated, contact_flagged, expired, failed, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			activated = excluded.activated,
			contact_flagged = excluded.contact_flagged,
			expired = excluded.expired,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		run.ID, run.Status, run.Activated, run.ContactFlagged, run.Expired, run.Failed, run.Error,
		formatTime(run.StartedAt), completedAt,
	)
	if err != nil {
		return fmt.Errorf("save lifecycle run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) ListLifecycleRuns(ctx context.Context, limit int) ([]model.LifecycleRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx,
		`SELECT id, status, activated, contact_flagged, expired, failed, error, started_at, completed_at
		 FROM lifecycle_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list lifecycle runs: %w", err)
	}
	defer rows.Close()

	var runs []model.LifecycleRun
	for rows.Next() {
		var (
			run         model.LifecycleRun
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Status, &run.Activated, &run.ContactFlagged, &run.Expired,
			&run.Failed, &run.Error, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle run: %w", err)
		}
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle runs: %w", err)
	}
	return runs, nil
}

// =============================================================================
// CURRENCY RATES (model.RateStore)
// =============================================================================

func (s *Store) SaveRates(ctx context.Context, rates []model.CurrencyRate) error {
	return s.withTx(ctx, func(tx *txView) error {
		for _, r := range rates {
			_, err := tx.exec(ctx,
				`INSERT INTO currency_rates (code, base, rate, fetched_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(code) DO UPDATE SET
					base = excluded.base,
					rate = excluded.rate,
					fetched_at = excluded.fetched_at`,
				r.Code, r.Base, r.Rate.String(), formatTime(r.FetchedAt),
			)
			if err != nil {
				return fmt.Errorf("save rate %s: %w", r.Code, err)
			}
		}
		return nil
	})
}

func (s *Store) ListRates(ctx context.Context) ([]model.CurrencyRate, error) {
	rows, err := s.query(ctx, `SELECT code, base, rate, fetched_at FROM currency_rates ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list rates: %w", err)
	}
	defer rows.Close()

	var rates []model.CurrencyRate
	for rows.Next() {
		var (
			r         model.CurrencyRate
			fetchedAt string
		)
		if err := rows.Scan(&r.Code, &r.Base, &r.Rate, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scan rate: %w", err)
		}
		if r.FetchedAt, err = parseTime(fetchedAt); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rates: %w", err)
	}
	return rates, nil
}
