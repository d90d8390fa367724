package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mirelle/photoset/internal/models"
)

type CompensationRepository struct {
	db *sql.DB
}

func NewCompensationRepository(db *sql.DB) *CompensationRepository {
	return &CompensationRepository{db: db}
}

// Insert records a compensation once per favorite. A duplicate insert returns
// applied=false, which callers treat as already compensated.
func (r *CompensationRepository) Insert(ctx context.Context, entry *models.CompensationLogEntry) (bool, error) {
	const query = `
INSERT INTO compensation_log (account_id, favorite_id, reason, amount, correlation_id)
VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		entry.AccountID, entry.FavoriteID, entry.Reason, entry.Amount, entry.CorrelationID)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert compensation: %w", err)
	}
	return true, nil
}

func (r *CompensationRepository) List(ctx context.Context, limit int) ([]models.CompensationLogEntry, error) {
	const query = `
SELECT id, account_id, favorite_id, reason, amount, correlation_id, created_at
FROM compensation_log ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list compensations: %w", err)
	}
	defer rows.Close()

	var entries []models.CompensationLogEntry
	for rows.Next() {
		var e models.CompensationLogEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.FavoriteID, &e.Reason, &e.Amount, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compensation: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
