package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mirelle/photoset/internal/models"
)

type FavoriteRepository struct {
	db *sql.DB
}

func NewFavoriteRepository(db *sql.DB) *FavoriteRepository {
	return &FavoriteRepository{db: db}
}

const favoriteColumns = `id, session_id, take_id, account_id, variant_index, selected_for_hd, hd_status, hd_path, compensated_at, created_at, updated_at`

// Create inserts a favorite. The (take, variant) uniqueness makes a repeated
// favorite of the same variant return the existing row instead of a second one.
func (r *FavoriteRepository) Create(ctx context.Context, fav *models.Favorite) (*models.Favorite, error) {
	const query = `
INSERT INTO favorites (session_id, take_id, account_id, variant_index, selected_for_hd)
VALUES (?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, fav.SessionID, fav.TakeID, fav.AccountID, fav.VariantIndex, boolToInt(fav.SelectedForHD))
	if err != nil {
		if isDuplicateKey(err) {
			return r.FindByTakeVariant(ctx, fav.TakeID, fav.VariantIndex)
		}
		return nil, fmt.Errorf("insert favorite: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("favorite last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *FavoriteRepository) GetByID(ctx context.Context, id int64) (*models.Favorite, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+favoriteColumns+` FROM favorites WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get favorite: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get favorite: %w", err)
		}
		return nil, nil
	}
	return scanFavorite(rows)
}

func (r *FavoriteRepository) FindByTakeVariant(ctx context.Context, takeID int64, variantIndex int) (*models.Favorite, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+favoriteColumns+` FROM favorites WHERE take_id = ? AND variant_index = ?`, takeID, variantIndex)
	if err != nil {
		return nil, fmt.Errorf("find favorite: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("find favorite: %w", err)
		}
		return nil, nil
	}
	return scanFavorite(rows)
}

func (r *FavoriteRepository) CountForSession(ctx context.Context, sessionID int64) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM favorites WHERE session_id = ?`, sessionID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count favorites: %w", err)
	}
	return count, nil
}

// ListSelectedForHD returns the favorites an album delivery operates over.
func (r *FavoriteRepository) ListSelectedForHD(ctx context.Context, sessionID int64) ([]models.Favorite, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+favoriteColumns+` FROM favorites WHERE session_id = ? AND selected_for_hd = 1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list selected favorites: %w", err)
	}
	defer rows.Close()

	var favorites []models.Favorite
	for rows.Next() {
		f, err := scanFavorite(rows)
		if err != nil {
			return nil, err
		}
		favorites = append(favorites, *f)
	}
	return favorites, rows.Err()
}

func scanFavorite(rows *sql.Rows) (*models.Favorite, error) {
	var f models.Favorite
	var selected int
	var hdPath sql.NullString
	var compensatedAt sql.NullTime
	if err := rows.Scan(&f.ID, &f.SessionID, &f.TakeID, &f.AccountID, &f.VariantIndex, &selected, &f.HDStatus, &hdPath, &compensatedAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan favorite: %w", err)
	}
	f.SelectedForHD = selected != 0
	if hdPath.Valid {
		f.HDPath = &hdPath.String
	}
	if compensatedAt.Valid {
		f.CompensatedAt = &compensatedAt.Time
	}
	return &f, nil
}

func (r *FavoriteRepository) SetSelectedForHD(ctx context.Context, id int64, selected bool) error {
	const query = `UPDATE favorites SET selected_for_hd = ?, updated_at = NOW() WHERE id = ? AND hd_status = 'none'`
	if _, err := r.db.ExecContext(ctx, query, boolToInt(selected), id); err != nil {
		return fmt.Errorf("set selected for hd: %w", err)
	}
	return nil
}

// MarkHDPending moves a favorite into the delivery pipeline. Conditional on
// hd_status so a doubled request enqueues at most one delivery.
func (r *FavoriteRepository) MarkHDPending(ctx context.Context, id int64) (bool, error) {
	const query = `
UPDATE favorites SET hd_status = 'pending', updated_at = NOW()
WHERE id = ? AND selected_for_hd = 1 AND hd_status = 'none'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark hd pending: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pending rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkHDDelivered flips a pending favorite to delivered. A favorite that was
// compensated while the delivery was in flight fails the guard: its hold is
// already released, so delivering now would settle the same promise twice.
// The session counter moves in the same transaction as the flip; counted is
// false when the session was already at its hd limit.
func (r *FavoriteRepository) MarkHDDelivered(ctx context.Context, id int64, hdPath string) (applied, counted bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("mark hd delivered: %w", err)
	}
	defer tx.Rollback()

	const flip = `
UPDATE favorites SET hd_status = 'delivered', hd_path = ?, updated_at = NOW()
WHERE id = ? AND hd_status = 'pending' AND compensated_at IS NULL`
	res, err := tx.ExecContext(ctx, flip, hdPath, id)
	if err != nil {
		return false, false, fmt.Errorf("mark hd delivered: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("delivered rows affected: %w", err)
	}
	if affected == 0 {
		return false, false, nil
	}

	const count = `
UPDATE sessions s
JOIN favorites f ON f.session_id = s.id
SET s.hd_used = s.hd_used + 1, s.updated_at = NOW()
WHERE f.id = ? AND s.hd_used < s.hd_limit`
	res, err = tx.ExecContext(ctx, count, id)
	if err != nil {
		return false, false, fmt.Errorf("count hd: %w", err)
	}
	countAffected, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("hd count rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("mark hd delivered: %w", err)
	}
	return true, countAffected > 0, nil
}

func (r *FavoriteRepository) MarkHDFailed(ctx context.Context, id int64) (bool, error) {
	const query = `
UPDATE favorites SET hd_status = 'failed', updated_at = NOW()
WHERE id = ? AND hd_status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark hd failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListSLABreached finds favorites whose HD delivery overran the pack SLA and
// which were never compensated. The compensated_at IS NULL predicate is the
// first idempotency line; the ledger constraint is the second.
func (r *FavoriteRepository) ListSLABreached(ctx context.Context, now time.Time) ([]models.Favorite, error) {
	const query = `
SELECT f.id, f.session_id, f.take_id, f.account_id, f.variant_index, f.selected_for_hd, f.hd_status, f.hd_path, f.compensated_at, f.created_at, f.updated_at
FROM favorites f
JOIN sessions s ON s.id = f.session_id
JOIN packs p ON p.id = s.pack_id
WHERE f.hd_status IN ('pending', 'failed')
  AND f.compensated_at IS NULL
  AND f.updated_at < DATE_SUB(?, INTERVAL p.hd_sla_minutes MINUTE)`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list sla breached: %w", err)
	}
	defer rows.Close()

	var favorites []models.Favorite
	for rows.Next() {
		f, err := scanFavorite(rows)
		if err != nil {
			return nil, err
		}
		favorites = append(favorites, *f)
	}
	return favorites, rows.Err()
}

// SetCompensatedAt stamps a favorite as compensated exactly once.
func (r *FavoriteRepository) SetCompensatedAt(ctx context.Context, id int64, at time.Time) (bool, error) {
	const query = `UPDATE favorites SET compensated_at = ?, updated_at = NOW() WHERE id = ? AND compensated_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("set compensated at: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compensated rows affected: %w", err)
	}
	return affected > 0, nil
}
