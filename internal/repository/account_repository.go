package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mirelle/photoset/internal/models"
)

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, telegram_id, COALESCE(username, ''), referrer_id, paid_credit, promo_credit, reserved_credit, token_balance, free_takes_used, copy_takes_used, suspended, created_at, updated_at`

func (r *AccountRepository) FindByID(ctx context.Context, id int64) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (r *AccountRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE telegram_id = ?`, telegramID)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	var a models.Account
	var referrer sql.NullInt64
	var suspended int
	if err := row.Scan(&a.ID, &a.TelegramID, &a.Username, &referrer, &a.PaidCredit, &a.PromoCredit, &a.ReservedCredit, &a.TokenBalance, &a.FreeTakesUsed, &a.CopyTakesUsed, &suspended, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if referrer.Valid {
		a.ReferrerID = &referrer.Int64
	}
	a.Suspended = suspended != 0
	return &a, nil
}

// Ensure finds or creates the account for a front-end identity. The referrer
// is recorded only at creation; it never changes afterwards.
func (r *AccountRepository) Ensure(ctx context.Context, telegramID int64, username string, referrerID *int64) (*models.Account, bool, error) {
	account, err := r.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	if account != nil {
		return account, false, nil
	}

	const query = `
INSERT INTO accounts (telegram_id, username, referrer_id)
VALUES (?, NULLIF(?, ''), ?)`
	var refValue any
	if referrerID != nil {
		refValue = *referrerID
	}
	res, err := r.db.ExecContext(ctx, query, telegramID, username, refValue)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}
	created, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// ConsumeFreeTake burns one unit of the free quota. Returns false when the
// quota is already spent.
func (r *AccountRepository) ConsumeFreeTake(ctx context.Context, accountID int64, limit int) (bool, error) {
	const query = `
UPDATE accounts SET free_takes_used = free_takes_used + 1, updated_at = NOW()
WHERE id = ? AND free_takes_used < ?`
	res, err := r.db.ExecContext(ctx, query, accountID, limit)
	if err != nil {
		return false, fmt.Errorf("consume free take: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("free take rows affected: %w", err)
	}
	return affected > 0, nil
}

// ConsumeCopyTake burns one unit of the copy quota.
func (r *AccountRepository) ConsumeCopyTake(ctx context.Context, accountID int64, limit int) (bool, error) {
	const query = `
UPDATE accounts SET copy_takes_used = copy_takes_used + 1, updated_at = NOW()
WHERE id = ? AND copy_takes_used < ?`
	res, err := r.db.ExecContext(ctx, query, accountID, limit)
	if err != nil {
		return false, fmt.Errorf("consume copy take: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("copy take rows affected: %w", err)
	}
	return affected > 0, nil
}

// SetSuspended soft-flags the account; rows are never deleted.
func (r *AccountRepository) SetSuspended(ctx context.Context, accountID int64, suspended bool) error {
	value := 0
	if suspended {
		value = 1
	}
	const query = `UPDATE accounts SET suspended = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, value, accountID); err != nil {
		return fmt.Errorf("set suspended: %w", err)
	}
	return nil
}
