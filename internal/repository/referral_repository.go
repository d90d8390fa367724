package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mirelle/photoset/internal/models"
)

type ReferralRepository struct {
	db *sql.DB
}

func NewReferralRepository(db *sql.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

const referralColumns = `id, referrer_id, referred_id, payment_id, amount, status, available_at, created_at, updated_at`

// Create opens a pending bonus for a qualifying payment. One bonus per payment;
// a redelivered payment report returns applied=false.
func (r *ReferralRepository) Create(ctx context.Context, bonus *models.ReferralBonus) (bool, error) {
	const query = `
INSERT INTO referral_bonuses (referrer_id, referred_id, payment_id, amount, status, available_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		bonus.ReferrerID, bonus.ReferredID, bonus.PaymentID, bonus.Amount, bonus.Status, bonus.AvailableAt)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert referral bonus: %w", err)
	}
	return true, nil
}

// ListDue returns pending bonuses whose hold window has elapsed.
func (r *ReferralRepository) ListDue(ctx context.Context, now time.Time) ([]models.ReferralBonus, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+referralColumns+` FROM referral_bonuses WHERE status = 'pending' AND available_at <= ? ORDER BY id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("list due bonuses: %w", err)
	}
	defer rows.Close()
	return collectReferrals(rows)
}

// MarkAvailable flips a pending bonus before the credit grant. Conditional on
// status so two settler passes cannot both claim the same bonus.
func (r *ReferralRepository) MarkAvailable(ctx context.Context, id int64) (bool, error) {
	const query = `UPDATE referral_bonuses SET status = 'available', updated_at = NOW() WHERE id = ? AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark bonus available: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bonus rows affected: %w", err)
	}
	return affected > 0, nil
}

// Revoke cancels a bonus still inside its hold window.
func (r *ReferralRepository) Revoke(ctx context.Context, id int64) (bool, error) {
	const query = `UPDATE referral_bonuses SET status = 'revoked', updated_at = NOW() WHERE id = ? AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("revoke bonus: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke rows affected: %w", err)
	}
	return affected > 0, nil
}

// CountCreatedSince backs the per-referrer daily and monthly caps.
func (r *ReferralRepository) CountCreatedSince(ctx context.Context, referrerID int64, since time.Time) (int, error) {
	const query = `
SELECT COUNT(*) FROM referral_bonuses
WHERE referrer_id = ? AND status IN ('pending', 'available') AND created_at >= ?`
	row := r.db.QueryRowContext(ctx, query, referrerID, since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count bonuses: %w", err)
	}
	return count, nil
}

func (r *ReferralRepository) ListByReferrer(ctx context.Context, referrerID int64) ([]models.ReferralBonus, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+referralColumns+` FROM referral_bonuses WHERE referrer_id = ? ORDER BY id DESC`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list bonuses: %w", err)
	}
	defer rows.Close()
	return collectReferrals(rows)
}

func collectReferrals(rows *sql.Rows) ([]models.ReferralBonus, error) {
	var bonuses []models.ReferralBonus
	for rows.Next() {
		var b models.ReferralBonus
		if err := rows.Scan(&b.ID, &b.ReferrerID, &b.ReferredID, &b.PaymentID, &b.Amount, &b.Status, &b.AvailableAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan referral bonus: %w", err)
		}
		bonuses = append(bonuses, b)
	}
	return bonuses, rows.Err()
}
