package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/metrics"
	"github.com/mirelle/photoset/internal/models"
	"github.com/mirelle/photoset/internal/notify"
)

// CompensationService issues the make-good for an HD delivery that failed or
// overran its SLA: release the original hold and grant extra promo credit on
// top, because a refund alone does not restore the buyer's original promise.
type CompensationService struct {
	cfg       config.Config
	log       *slog.Logger
	accounts  AccountStore
	favorites FavoriteStore
	compLog   CompensationStore
	ledger    *ledger.Ledger
	notifier  notify.Notifier
	metrics   *metrics.Metrics
}

func NewCompensationService(cfg config.Config, log *slog.Logger, accounts AccountStore, favorites FavoriteStore, compLog CompensationStore, l *ledger.Ledger, n notify.Notifier, m *metrics.Metrics) *CompensationService {
	return &CompensationService{
		cfg:       cfg,
		log:       log,
		accounts:  accounts,
		favorites: favorites,
		compLog:   compLog,
		ledger:    l,
		notifier:  n,
		metrics:   m,
	}
}

// Compensate refunds one favorite at most once. The log insert's unique
// favorite key claims the refund; a duplicate row means a previous attempt
// claimed it first. That attempt may have died before the ledger followups
// landed, so a duplicate never short-circuits: every step below is keyed to
// replay as a no-op, and running them again finishes whatever the first
// attempt left undone. compensated=true when this call issued the refund or
// completed a half-finished one.
func (s *CompensationService) Compensate(ctx context.Context, fav *models.Favorite, reason models.CompensationReason) (compensated bool, err error) {
	correlationID := ledger.MakeGoodCorrelation(fav.ID)
	applied, err := s.compLog.Insert(ctx, &models.CompensationLogEntry{
		AccountID:     fav.AccountID,
		FavoriteID:    fav.ID,
		Reason:        reason,
		Amount:        s.cfg.MakeGoodCredit,
		CorrelationID: correlationID,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		s.log.Debug("resuming claimed compensation", "favorite_id", fav.ID)
	}

	marked, err := s.favorites.SetCompensatedAt(ctx, fav.ID, time.Now().UTC())
	if err != nil {
		return false, err
	}

	// The original reservation goes back to its pools. A favorite that never
	// reached the hold (stuck before RequestHD) has nothing to release; that
	// surfaces as an ordering violation and is a defect worth the noise.
	if err := s.ledger.Release(ctx, fav.AccountID, ledger.FavoriteCorrelation(fav.ID), s.cfg.HDCreditCost); err != nil {
		if !errors.Is(err, ledger.ErrNoPriorHold) {
			return false, fmt.Errorf("compensation release favorite %d: %w", fav.ID, err)
		}
		s.log.Error("compensating favorite without a hold", "favorite_id", fav.ID)
	}

	if s.cfg.MakeGoodCredit > 0 {
		if err := s.ledger.Grant(ctx, fav.AccountID, correlationID, s.cfg.MakeGoodCredit, ledger.PoolPromo); err != nil {
			return false, fmt.Errorf("make-good grant favorite %d: %w", fav.ID, err)
		}
	}

	if !applied && !marked {
		// The earlier attempt had already finished; the release and grant
		// above were pure replays.
		return false, nil
	}

	if s.metrics != nil {
		s.metrics.Compensations.Inc()
	}
	s.log.Info("compensation issued",
		"favorite_id", fav.ID, "account_id", fav.AccountID,
		"reason", reason, "correlation_id", correlationID)
	s.notifyIssued(ctx, fav, correlationID)
	return true, nil
}

// ReportProblem is the buyer-initiated path. It runs the same guarded
// compensation and hands back the correlation id for support threads, whether
// or not this report was the one that triggered the refund.
func (s *CompensationService) ReportProblem(ctx context.Context, favoriteID int64) (string, error) {
	fav, err := s.favorites.GetByID(ctx, favoriteID)
	if err != nil {
		return "", err
	}
	if fav == nil {
		return "", fmt.Errorf("favorite %d: %w", favoriteID, ErrNotFound)
	}
	if fav.HDStatus != models.HDPending && fav.HDStatus != models.HDFailed {
		return "", fmt.Errorf("favorite %d is not awaiting delivery", favoriteID)
	}
	if _, err := s.Compensate(ctx, fav, models.ReasonUserReport); err != nil {
		return "", err
	}
	return ledger.MakeGoodCorrelation(fav.ID), nil
}

func (s *CompensationService) notifyIssued(ctx context.Context, fav *models.Favorite, correlationID string) {
	account, err := s.accounts.FindByID(ctx, fav.AccountID)
	if err != nil || account == nil {
		s.log.Error("load account for compensation notice", "account_id", fav.AccountID, "err", err)
		return
	}
	s.notifier.CompensationIssued(ctx, account.TelegramID, s.cfg.MakeGoodCredit, correlationID)
}
