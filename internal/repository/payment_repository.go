package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mirelle/photoset/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, account_id, pack_id, session_id, provider, provider_charge_id, currency, amount, is_unlock, status, raw_payload, created_at, updated_at`

// Create records a provider charge. On a redelivered report the unique
// (provider, charge) key trips and the original row comes back with
// applied=false, so the caller can skip the financial side effects.
func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) (*models.Payment, bool, error) {
	const query = `
INSERT INTO payments (account_id, pack_id, session_id, provider, provider_charge_id, currency, amount, is_unlock, status, raw_payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		p.AccountID, p.PackID, p.SessionID, p.Provider, p.ProviderCharge,
		p.Currency, p.Amount, boolToInt(p.IsUnlock), p.Status, p.RawPayload)
	if err != nil {
		if isDuplicateKey(err) {
			existing, ferr := r.FindByProviderCharge(ctx, p.Provider, p.ProviderCharge)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("payment last insert id: %w", err)
	}
	created, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id int64) (*models.Payment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get payment: %w", err)
		}
		return nil, nil
	}
	return scanPayment(rows)
}

func (r *PaymentRepository) FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider = ? AND provider_charge_id = ?`, provider, chargeID)
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("find payment: %w", err)
		}
		return nil, nil
	}
	return scanPayment(rows)
}

func (r *PaymentRepository) SetSession(ctx context.Context, id, sessionID int64) error {
	const query = `UPDATE payments SET session_id = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, sessionID, id); err != nil {
		return fmt.Errorf("set payment session: %w", err)
	}
	return nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	const query = `UPDATE payments SET status = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

func (r *PaymentRepository) ListByAccount(ctx context.Context, accountID int64) ([]models.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE account_id = ? ORDER BY id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func scanPayment(rows *sql.Rows) (*models.Payment, error) {
	var p models.Payment
	var sessionID sql.NullInt64
	var isUnlock int
	var rawPayload sql.NullString
	if err := rows.Scan(&p.ID, &p.AccountID, &p.PackID, &sessionID, &p.Provider, &p.ProviderCharge, &p.Currency, &p.Amount, &isUnlock, &p.Status, &rawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	if sessionID.Valid {
		p.SessionID = &sessionID.Int64
	}
	p.IsUnlock = isUnlock != 0
	p.RawPayload = rawPayload.String
	return &p, nil
}
