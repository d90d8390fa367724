package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mirelle/photoset/internal/models"
)

type TakeRepository struct {
	db *sql.DB
}

func NewTakeRepository(db *sql.DB) *TakeRepository {
	return &TakeRepository{db: db}
}

const takeColumns = `id, session_id, account_id, step_index, template_id, status, variants, is_reroll, unlocked, cost_type, reserved_credit, COALESCE(fail_reason, ''), created_at, updated_at`

func (r *TakeRepository) Create(ctx context.Context, take *models.Take) (*models.Take, error) {
	variants, err := marshalVariants(take.Variants)
	if err != nil {
		return nil, err
	}
	var sessionID any
	if take.SessionID != nil {
		sessionID = *take.SessionID
	}
	const query = `
INSERT INTO takes (session_id, account_id, step_index, template_id, status, variants, is_reroll, unlocked, cost_type, reserved_credit)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		sessionID, take.AccountID, take.StepIndex, take.TemplateID, models.TakeGenerating,
		variants, boolToInt(take.IsReroll), boolToInt(take.Unlocked), take.CostType, take.ReservedCredit)
	if err != nil {
		return nil, fmt.Errorf("insert take: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("take last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *TakeRepository) GetByID(ctx context.Context, id int64) (*models.Take, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+takeColumns+` FROM takes WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get take: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get take: %w", err)
		}
		return nil, nil
	}
	return scanTake(rows)
}

func (r *TakeRepository) ListBySession(ctx context.Context, sessionID int64) ([]models.Take, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+takeColumns+` FROM takes WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list takes: %w", err)
	}
	defer rows.Close()

	var takes []models.Take
	for rows.Next() {
		t, err := scanTake(rows)
		if err != nil {
			return nil, err
		}
		takes = append(takes, *t)
	}
	return takes, rows.Err()
}

func scanTake(rows *sql.Rows) (*models.Take, error) {
	var t models.Take
	var sessionID sql.NullInt64
	var variants sql.NullString
	var isReroll, unlocked int
	if err := rows.Scan(&t.ID, &sessionID, &t.AccountID, &t.StepIndex, &t.TemplateID, &t.Status, &variants, &isReroll, &unlocked, &t.CostType, &t.ReservedCredit, &t.FailReason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan take: %w", err)
	}
	if sessionID.Valid {
		t.SessionID = &sessionID.Int64
	}
	t.IsReroll = isReroll != 0
	t.Unlocked = unlocked != 0
	v, err := unmarshalVariants(variants)
	if err != nil {
		return nil, err
	}
	t.Variants = v
	return &t, nil
}

// MarkReady is the terminal success transition. The status guard makes a
// duplicate completion signal a safe no-op, and the session counter moves in
// the same transaction as the flip so a crash cannot separate the two.
// counted is false when the session was already at its takes limit.
func (r *TakeRepository) MarkReady(ctx context.Context, id int64, variants []models.Variant) (applied, counted bool, err error) {
	encoded, err := marshalVariants(variants)
	if err != nil {
		return false, false, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("mark take ready: %w", err)
	}
	defer tx.Rollback()

	const flip = `
UPDATE takes SET status = 'ready', variants = ?, updated_at = NOW()
WHERE id = ? AND status = 'generating'`
	res, err := tx.ExecContext(ctx, flip, encoded, id)
	if err != nil {
		return false, false, fmt.Errorf("mark take ready: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("ready rows affected: %w", err)
	}
	if affected == 0 {
		return false, false, nil
	}

	const count = `
UPDATE sessions s
JOIN takes t ON t.session_id = s.id
SET s.takes_used = s.takes_used + 1, s.updated_at = NOW()
WHERE t.id = ? AND s.takes_used < s.takes_limit`
	res, err = tx.ExecContext(ctx, count, id)
	if err != nil {
		return false, false, fmt.Errorf("count take: %w", err)
	}
	countAffected, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("count rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("mark take ready: %w", err)
	}
	return true, countAffected > 0, nil
}

// MarkFailed is the terminal failure transition, idempotent by the same guard.
func (r *TakeRepository) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	const query = `
UPDATE takes SET status = 'failed', fail_reason = ?, updated_at = NOW()
WHERE id = ? AND status = 'generating'`
	res, err := r.db.ExecContext(ctx, query, reason, id)
	if err != nil {
		return false, fmt.Errorf("mark take failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed rows affected: %w", err)
	}
	return affected > 0, nil
}

// SetFunding records the credit reservation made for a take after its row
// exists, so the hold correlation id can be derived from the take id.
func (r *TakeRepository) SetFunding(ctx context.Context, id int64, costType models.CostType, reservedCredit int) error {
	const query = `UPDATE takes SET cost_type = ?, reserved_credit = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, costType, reservedCredit, id); err != nil {
		return fmt.Errorf("set take funding: %w", err)
	}
	return nil
}

func (r *TakeRepository) SetUnlocked(ctx context.Context, id int64) error {
	const query = `UPDATE takes SET unlocked = 1, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("set take unlocked: %w", err)
	}
	return nil
}
