// Package service holds the business operations behind the conversational
// front-end and the payment collaborator. Every store dependency is an
// injected interface; no service reaches into ambient global state.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/mirelle/photoset/internal/models"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAccountSuspended    = errors.New("account is suspended")
	ErrPackInactive        = errors.New("pack is not active")
	ErrEmptyPlaylist       = errors.New("collection pack has no playlist")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrTakeQuotaExceeded   = errors.New("session take quota exhausted")
	ErrHDQuotaExceeded     = errors.New("session hd quota exhausted")
	ErrFavoritesCapReached = errors.New("favorites cap reached for session")
	ErrTakeNotReady        = errors.New("take is not ready")
	ErrVariantMissing      = errors.New("take has no such variant")
	ErrNotSelectedForHD    = errors.New("favorite is not selected for hd")
)

type AccountStore interface {
	FindByID(ctx context.Context, id int64) (*models.Account, error)
	FindByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error)
	Ensure(ctx context.Context, telegramID int64, username string, referrerID *int64) (*models.Account, bool, error)
	ConsumeFreeTake(ctx context.Context, accountID int64, limit int) (bool, error)
	ConsumeCopyTake(ctx context.Context, accountID int64, limit int) (bool, error)
}

type PackStore interface {
	GetByID(ctx context.Context, id int64) (*models.Pack, error)
	List(ctx context.Context) ([]models.Pack, error)
}

type SessionStore interface {
	Create(ctx context.Context, session *models.Session) (*models.Session, error)
	GetByID(ctx context.Context, id int64) (*models.Session, error)
	AdvanceStep(ctx context.Context, id int64, fromStep int) (bool, error)
	Complete(ctx context.Context, id int64) (bool, error)
}

type TakeStore interface {
	Create(ctx context.Context, take *models.Take) (*models.Take, error)
	GetByID(ctx context.Context, id int64) (*models.Take, error)
	ListBySession(ctx context.Context, sessionID int64) ([]models.Take, error)
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)
	SetFunding(ctx context.Context, id int64, costType models.CostType, reservedCredit int) error
	SetUnlocked(ctx context.Context, id int64) error
}

type FavoriteStore interface {
	Create(ctx context.Context, fav *models.Favorite) (*models.Favorite, error)
	GetByID(ctx context.Context, id int64) (*models.Favorite, error)
	CountForSession(ctx context.Context, sessionID int64) (int, error)
	ListSelectedForHD(ctx context.Context, sessionID int64) ([]models.Favorite, error)
	SetSelectedForHD(ctx context.Context, id int64, selected bool) error
	MarkHDPending(ctx context.Context, id int64) (bool, error)
	SetCompensatedAt(ctx context.Context, id int64, at time.Time) (bool, error)
}

type CompensationStore interface {
	Insert(ctx context.Context, entry *models.CompensationLogEntry) (bool, error)
}

type ReferralStore interface {
	Create(ctx context.Context, bonus *models.ReferralBonus) (bool, error)
	ListDue(ctx context.Context, now time.Time) ([]models.ReferralBonus, error)
	MarkAvailable(ctx context.Context, id int64) (bool, error)
	Revoke(ctx context.Context, id int64) (bool, error)
	CountCreatedSince(ctx context.Context, referrerID int64, since time.Time) (int, error)
}

type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) (*models.Payment, bool, error)
	FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error)
	SetSession(ctx context.Context, id, sessionID int64) error
}
