package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/models"
)

// LedgerRepository is the MySQL implementation of ledger.Store. Every method
// is one transaction: lock the account row, record the entry, apply the
// balance effect. The uniq_account_correlation_op key converts a retried
// operation into a clean no-op.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Hold(ctx context.Context, accountID int64, correlationID string, amount int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin hold tx: %w", err)
	}
	defer tx.Rollback()

	var paid, promo int
	row := tx.QueryRowContext(ctx, `SELECT paid_credit, promo_credit FROM accounts WHERE id = ? FOR UPDATE`, accountID)
	if err := row.Scan(&paid, &promo); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("account %d not found", accountID)
		}
		return false, fmt.Errorf("lock account: %w", err)
	}
	if paid+promo < amount {
		return false, ledger.ErrInsufficientCredit
	}
	promoPart := promo
	if promoPart > amount {
		promoPart = amount
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (account_id, correlation_id, operation, amount, promo_part) VALUES (?, ?, ?, ?, ?)`,
		accountID, correlationID, ledger.OpHold, amount, promoPart); err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert hold entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET promo_credit = promo_credit - ?, paid_credit = paid_credit - ?, reserved_credit = reserved_credit + ?, updated_at = NOW() WHERE id = ?`,
		promoPart, amount-promoPart, amount, accountID); err != nil {
		return false, fmt.Errorf("apply hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit hold: %w", err)
	}
	return true, nil
}

func (r *LedgerRepository) Capture(ctx context.Context, accountID int64, correlationID string, amount int) (bool, error) {
	return r.followHold(ctx, accountID, correlationID, amount, ledger.OpCapture)
}

func (r *LedgerRepository) Release(ctx context.Context, accountID int64, correlationID string, amount int) (bool, error) {
	return r.followHold(ctx, accountID, correlationID, amount, ledger.OpRelease)
}

// followHold records a CAPTURE or RELEASE entry. Both require the HOLD row
// with the same correlation id to exist already; its recorded promo split
// drives what a release restores.
func (r *LedgerRepository) followHold(ctx context.Context, accountID int64, correlationID string, amount int, op string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin %s tx: %w", op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT id FROM accounts WHERE id = ? FOR UPDATE`, accountID); err != nil {
		return false, fmt.Errorf("lock account: %w", err)
	}

	var promoPart int
	row := tx.QueryRowContext(ctx,
		`SELECT promo_part FROM ledger_entries WHERE account_id = ? AND correlation_id = ? AND operation = ?`,
		accountID, correlationID, ledger.OpHold)
	if err := row.Scan(&promoPart); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ledger.ErrNoPriorHold
		}
		return false, fmt.Errorf("find prior hold: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (account_id, correlation_id, operation, amount, promo_part) VALUES (?, ?, ?, ?, ?)`,
		accountID, correlationID, op, amount, promoPart); err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert %s entry: %w", op, err)
	}

	if op == ledger.OpRelease {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET promo_credit = promo_credit + ?, paid_credit = paid_credit + ?, reserved_credit = GREATEST(reserved_credit - ?, 0), updated_at = NOW() WHERE id = ?`,
			promoPart, amount-promoPart, amount, accountID); err != nil {
			return false, fmt.Errorf("apply release: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET reserved_credit = GREATEST(reserved_credit - ?, 0), updated_at = NOW() WHERE id = ?`,
			amount, accountID); err != nil {
			return false, fmt.Errorf("apply capture: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit %s: %w", op, err)
	}
	return true, nil
}

func (r *LedgerRepository) Grant(ctx context.Context, accountID int64, correlationID string, amount int, pool ledger.Pool) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback()

	promoPart := 0
	column := "paid_credit"
	if pool == ledger.PoolPromo {
		promoPart = amount
		column = "promo_credit"
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (account_id, correlation_id, operation, amount, promo_part) VALUES (?, ?, ?, ?, ?)`,
		accountID, correlationID, ledger.OpGrant, amount, promoPart); err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert grant entry: %w", err)
	}

	query := fmt.Sprintf(`UPDATE accounts SET %s = %s + ?, updated_at = NOW() WHERE id = ?`, column, column)
	if _, err := tx.ExecContext(ctx, query, amount, accountID); err != nil {
		return false, fmt.Errorf("apply grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit grant: %w", err)
	}
	return true, nil
}

// ListByAccount returns the entries for one account, newest first, for the
// admin aggregates endpoint.
func (r *LedgerRepository) ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT id, account_id, correlation_id, operation, amount, promo_part, created_at
FROM ledger_entries WHERE account_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.CorrelationID, &e.Operation, &e.Amount, &e.PromoPart, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}
