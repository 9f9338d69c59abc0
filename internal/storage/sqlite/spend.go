package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// AddKeyUsage accrues spend against an API key's lifetime usage counter.
func (s *Store) AddKeyUsage(ctx context.Context, keyID string, amount float64) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET usage = usage + ? WHERE id = ?`, amount, keyID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// DeductCredits charges an organization, drawing down unexpired dev-plan
// balance before paid credits. Paid credits may go negative; the auth gate
// blocks the next request instead of failing this one retroactively.
func (s *Store) DeductCredits(ctx context.Context, orgID string, amount float64) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT dev_plan, dev_plan_credits_limit, dev_plan_credits_used, dev_plan_expires_at
		 FROM organizations WHERE id = ?`, orgID,
	)
	var devPlan string
	var limit, used float64
	var expiresAt sql.NullString
	if err := row.Scan(&devPlan, &limit, &used, &expiresAt); err != nil {
		return notFoundErr(err)
	}

	fromDev := 0.0
	if devPlan != "" && devPlan != "none" {
		remaining := limit - used
		if exp := parseTime(expiresAt); exp != nil && exp.Before(time.Now()) {
			remaining = 0
		}
		if remaining > 0 {
			fromDev = min(amount, remaining)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE organizations SET
		 dev_plan_credits_used = dev_plan_credits_used + ?,
		 credits = credits - ?
		 WHERE id = ?`,
		fromDev, amount-fromDev, orgID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}
