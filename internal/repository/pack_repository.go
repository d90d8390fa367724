package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mirelle/photoset/internal/models"
)

type PackRepository struct {
	db *sql.DB
}

func NewPackRepository(db *sql.DB) *PackRepository {
	return &PackRepository{db: db}
}

const packColumns = `id, title, COALESCE(description, ''), currency, price_minor_units, takes_limit, hd_amount, is_trial, is_collection, playlist, favorites_cap, hd_sla_minutes, is_active, created_at, updated_at`

func (r *PackRepository) List(ctx context.Context) ([]models.Pack, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+packColumns+` FROM packs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list packs: %w", err)
	}
	defer rows.Close()

	var packs []models.Pack
	for rows.Next() {
		pack, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, *pack)
	}
	return packs, rows.Err()
}

func (r *PackRepository) GetByID(ctx context.Context, id int64) (*models.Pack, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+packColumns+` FROM packs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get pack: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get pack: %w", err)
		}
		return nil, nil
	}
	return scanPack(rows)
}

func scanPack(rows *sql.Rows) (*models.Pack, error) {
	var p models.Pack
	var isTrial, isCollection, isActive int
	var playlist sql.NullString
	var favoritesCap sql.NullInt64
	if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Currency, &p.PriceMinorUnits, &p.TakesLimit, &p.HDAmount, &isTrial, &isCollection, &playlist, &favoritesCap, &p.HDSlaMinutes, &isActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan pack: %w", err)
	}
	p.IsTrial = isTrial != 0
	p.IsCollection = isCollection != 0
	p.IsActive = isActive != 0
	if favoritesCap.Valid {
		cap := int(favoritesCap.Int64)
		p.FavoritesCap = &cap
	}
	steps, err := unmarshalPlaylist(playlist)
	if err != nil {
		return nil, err
	}
	p.Playlist = steps
	return &p, nil
}

func (r *PackRepository) Create(ctx context.Context, pack *models.Pack) (*models.Pack, error) {
	playlist, err := marshalPlaylist(pack.Playlist)
	if err != nil {
		return nil, err
	}
	var favoritesCap any
	if pack.FavoritesCap != nil {
		favoritesCap = *pack.FavoritesCap
	}
	const query = `
INSERT INTO packs (title, description, currency, price_minor_units, takes_limit, hd_amount, is_trial, is_collection, playlist, favorites_cap, hd_sla_minutes, is_active)
VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		pack.Title, pack.Description, pack.Currency, pack.PriceMinorUnits,
		pack.TakesLimit, pack.HDAmount, boolToInt(pack.IsTrial), boolToInt(pack.IsCollection),
		playlist, favoritesCap, pack.HDSlaMinutes, boolToInt(pack.IsActive))
	if err != nil {
		return nil, fmt.Errorf("create pack: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("pack last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PackRepository) Update(ctx context.Context, pack *models.Pack) (*models.Pack, error) {
	playlist, err := marshalPlaylist(pack.Playlist)
	if err != nil {
		return nil, err
	}
	var favoritesCap any
	if pack.FavoritesCap != nil {
		favoritesCap = *pack.FavoritesCap
	}
	const query = `
UPDATE packs
SET title = ?, description = NULLIF(?, ''), currency = ?, price_minor_units = ?, takes_limit = ?, hd_amount = ?, is_trial = ?, is_collection = ?, playlist = ?, favorites_cap = ?, hd_sla_minutes = ?, is_active = ?, updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query,
		pack.Title, pack.Description, pack.Currency, pack.PriceMinorUnits,
		pack.TakesLimit, pack.HDAmount, boolToInt(pack.IsTrial), boolToInt(pack.IsCollection),
		playlist, favoritesCap, pack.HDSlaMinutes, boolToInt(pack.IsActive), pack.ID); err != nil {
		return nil, fmt.Errorf("update pack: %w", err)
	}
	return r.GetByID(ctx, pack.ID)
}

// SetActive enables or disables a pack. Packs referenced by sessions are
// never deleted.
func (r *PackRepository) SetActive(ctx context.Context, id int64, active bool) error {
	const query = `UPDATE packs SET is_active = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, boolToInt(active), id); err != nil {
		return fmt.Errorf("set pack active: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
