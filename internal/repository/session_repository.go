package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mirelle/photoset/internal/models"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, account_id, pack_id, takes_limit, takes_used, hd_limit, hd_used, status, playlist, current_step, input_photo_ref, created_at, updated_at`

func (r *SessionRepository) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	playlist, err := marshalPlaylist(session.Playlist)
	if err != nil {
		return nil, err
	}
	var inputRef any
	if session.InputPhotoRef != nil {
		inputRef = *session.InputPhotoRef
	}
	const query = `
INSERT INTO sessions (account_id, pack_id, takes_limit, hd_limit, status, playlist, current_step, input_photo_ref)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		session.AccountID, session.PackID, session.TakesLimit, session.HDLimit,
		models.SessionActive, playlist, session.CurrentStep, inputRef)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *SessionRepository) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}
		return nil, nil
	}
	return scanSession(rows)
}

func (r *SessionRepository) ListByAccount(ctx context.Context, accountID int64) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE account_id = ? ORDER BY id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSession(rows *sql.Rows) (*models.Session, error) {
	var s models.Session
	var playlist sql.NullString
	var inputRef sql.NullString
	if err := rows.Scan(&s.ID, &s.AccountID, &s.PackID, &s.TakesLimit, &s.TakesUsed, &s.HDLimit, &s.HDUsed, &s.Status, &playlist, &s.CurrentStep, &inputRef, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	steps, err := unmarshalPlaylist(playlist)
	if err != nil {
		return nil, err
	}
	s.Playlist = steps
	if inputRef.Valid {
		s.InputPhotoRef = &inputRef.String
	}
	return &s, nil
}

// AdvanceStep moves a collection session past a completed step. Conditional
// on the expected current step so a doubled request advances once.
func (r *SessionRepository) AdvanceStep(ctx context.Context, id int64, fromStep int) (bool, error) {
	const query = `
UPDATE sessions SET current_step = current_step + 1, updated_at = NOW()
WHERE id = ? AND current_step = ? AND status = 'active'`
	res, err := r.db.ExecContext(ctx, query, id, fromStep)
	if err != nil {
		return false, fmt.Errorf("advance step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance step rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *SessionRepository) Complete(ctx context.Context, id int64) (bool, error) {
	const query = `UPDATE sessions SET status = 'completed', updated_at = NOW() WHERE id = ? AND status = 'active'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return affected > 0, nil
}

// AbandonIdleBefore marks active sessions untouched since cutoff as abandoned
// and returns how many were affected.
func (r *SessionRepository) AbandonIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `UPDATE sessions SET status = 'abandoned' WHERE status = 'active' AND updated_at < ?`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("abandon idle sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("abandon rows affected: %w", err)
	}
	return affected, nil
}
