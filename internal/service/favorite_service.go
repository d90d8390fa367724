package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/models"
	"github.com/mirelle/photoset/internal/queue"
)

type FavoriteService struct {
	cfg       config.Config
	log       *slog.Logger
	packs     PackStore
	sessions  SessionStore
	takes     TakeStore
	favorites FavoriteStore
	ledger    *ledger.Ledger
	queue     queue.Queue
}

func NewFavoriteService(cfg config.Config, log *slog.Logger, packs PackStore, sessions SessionStore, takes TakeStore, favorites FavoriteStore, l *ledger.Ledger, q queue.Queue) *FavoriteService {
	return &FavoriteService{
		cfg:       cfg,
		log:       log,
		packs:     packs,
		sessions:  sessions,
		takes:     takes,
		favorites: favorites,
		ledger:    l,
		queue:     q,
	}
}

// MarkFavorite records the buyer's pick of one variant from a ready take.
// The per-session cap bounds storage exposure regardless of remaining balance.
// Favoriting the same variant twice returns the existing favorite.
func (s *FavoriteService) MarkFavorite(ctx context.Context, takeID int64, variantIndex int) (*models.Favorite, error) {
	take, err := s.takes.GetByID(ctx, takeID)
	if err != nil {
		return nil, err
	}
	if take == nil {
		return nil, fmt.Errorf("take %d: %w", takeID, ErrNotFound)
	}
	if take.Status != models.TakeReady {
		return nil, ErrTakeNotReady
	}
	if variantIndex < 0 || variantIndex >= len(take.Variants) {
		return nil, ErrVariantMissing
	}
	if take.SessionID == nil {
		return nil, fmt.Errorf("take %d has no session", takeID)
	}

	session, err := s.sessions.GetByID(ctx, *take.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %d: %w", *take.SessionID, ErrNotFound)
	}

	count, err := s.favorites.CountForSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if count >= s.favoritesCap(ctx, session) {
		return nil, ErrFavoritesCapReached
	}

	fav, err := s.favorites.Create(ctx, &models.Favorite{
		SessionID:    session.ID,
		TakeID:       take.ID,
		AccountID:    take.AccountID,
		VariantIndex: variantIndex,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("favorite marked", "favorite_id", fav.ID, "take_id", take.ID, "variant", variantIndex)
	return fav, nil
}

// SelectForHD is the explicit opt-in, distinct from merely previewing.
func (s *FavoriteService) SelectForHD(ctx context.Context, favoriteID int64) error {
	fav, err := s.favorites.GetByID(ctx, favoriteID)
	if err != nil {
		return err
	}
	if fav == nil {
		return fmt.Errorf("favorite %d: %w", favoriteID, ErrNotFound)
	}
	return s.favorites.SetSelectedForHD(ctx, favoriteID, true)
}

// RequestHD spends one HD credit on a selected favorite: hold first, then the
// pending transition, then the enqueue. A favorite already pending or
// delivered is a no-op success; the hold behind it already exists.
func (s *FavoriteService) RequestHD(ctx context.Context, favoriteID int64) error {
	fav, err := s.favorites.GetByID(ctx, favoriteID)
	if err != nil {
		return err
	}
	if fav == nil {
		return fmt.Errorf("favorite %d: %w", favoriteID, ErrNotFound)
	}
	if !fav.SelectedForHD {
		return ErrNotSelectedForHD
	}
	if fav.HDStatus == models.HDDelivered {
		return nil
	}

	session, err := s.sessions.GetByID(ctx, fav.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("session %d: %w", fav.SessionID, ErrNotFound)
	}
	if session.HDRemaining() <= 0 {
		return ErrHDQuotaExceeded
	}

	if err := s.ledger.Hold(ctx, fav.AccountID, ledger.FavoriteCorrelation(fav.ID), s.cfg.HDCreditCost); err != nil {
		return err
	}
	applied, err := s.favorites.MarkHDPending(ctx, fav.ID)
	if err != nil {
		return err
	}
	if !applied && fav.HDStatus != models.HDNone {
		// Redelivered request: the favorite is already in flight.
		s.log.Debug("hd request already in flight", "favorite_id", fav.ID, "hd_status", fav.HDStatus)
	}
	if err := s.queue.Publish(ctx, queue.Task{Kind: queue.KindHD, ID: fav.ID}); err != nil {
		return fmt.Errorf("enqueue hd %d: %w", fav.ID, err)
	}
	s.log.Info("hd requested", "favorite_id", fav.ID, "session_id", session.ID)
	return nil
}

// RequestAlbum redeems HD for every selected favorite of the session that has
// not entered the pipeline yet. Previewed-only favorites are never billed.
func (s *FavoriteService) RequestAlbum(ctx context.Context, sessionID int64) (int, error) {
	selected, err := s.favorites.ListSelectedForHD(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	requested := 0
	for _, fav := range selected {
		if fav.HDStatus != models.HDNone {
			continue
		}
		if err := s.RequestHD(ctx, fav.ID); err != nil {
			return requested, err
		}
		requested++
	}
	return requested, nil
}

func (s *FavoriteService) favoritesCap(ctx context.Context, session *models.Session) int {
	limit := s.cfg.DefaultFavoritesCap
	pack, err := s.packs.GetByID(ctx, session.PackID)
	if err != nil {
		s.log.Error("load pack for favorites cap", "pack_id", session.PackID, "err", err)
	} else if pack != nil && pack.FavoritesCap != nil {
		limit = *pack.FavoritesCap
	}
	return min(session.HDLimit*2, limit)
}
