package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/models"
	"github.com/mirelle/photoset/internal/queue"
)

type SessionService struct {
	cfg      config.Config
	log      *slog.Logger
	accounts AccountStore
	packs    PackStore
	sessions SessionStore
	takes    TakeStore
	ledger   *ledger.Ledger
	queue    queue.Queue
}

func NewSessionService(cfg config.Config, log *slog.Logger, accounts AccountStore, packs PackStore, sessions SessionStore, takes TakeStore, l *ledger.Ledger, q queue.Queue) *SessionService {
	return &SessionService{
		cfg:      cfg,
		log:      log,
		accounts: accounts,
		packs:    packs,
		sessions: sessions,
		takes:    takes,
		ledger:   l,
		queue:    q,
	}
}

// StartSession opens the entitlement a paid pack grants. The empty-playlist
// check on collection packs runs here, before any session row exists.
func (s *SessionService) StartSession(ctx context.Context, accountID, packID int64, inputPhotoRef *string) (*models.Session, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	if account.Suspended {
		return nil, ErrAccountSuspended
	}

	pack, err := s.packs.GetByID(ctx, packID)
	if err != nil {
		return nil, err
	}
	if pack == nil {
		return nil, fmt.Errorf("pack %d: %w", packID, ErrNotFound)
	}
	if !pack.IsActive {
		return nil, ErrPackInactive
	}
	if pack.IsCollection && len(pack.Playlist) == 0 {
		return nil, ErrEmptyPlaylist
	}

	session := &models.Session{
		AccountID:     accountID,
		PackID:        pack.ID,
		TakesLimit:    pack.TakesLimit,
		HDLimit:       pack.HDAmount,
		Status:        models.SessionActive,
		Playlist:      pack.Playlist,
		InputPhotoRef: inputPhotoRef,
	}
	created, err := s.sessions.Create(ctx, session)
	if err != nil {
		return nil, err
	}
	s.log.Info("session started",
		"session_id", created.ID, "account_id", accountID, "pack_id", pack.ID,
		"takes_limit", created.TakesLimit, "hd_limit", created.HDLimit)
	return created, nil
}

// TakeRequest describes one generation attempt against a session. TemplateID
// is only honored for non-collection packs; collection sessions always shoot
// the template at the current playlist step.
type TakeRequest struct {
	SessionID  int64
	TemplateID string
	IsReroll   bool
}

// RequestTake funds and enqueues one take. Funding cascades free quota, then
// copy quota for rerolls, then a credit hold derived from the take id. The
// quota check here is advisory; the conditional takes_used increment at
// completion is what actually enforces the cap.
func (s *SessionService) RequestTake(ctx context.Context, req TakeRequest) (*models.Take, error) {
	session, err := s.sessions.GetByID(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %d: %w", req.SessionID, ErrNotFound)
	}
	if session.Status != models.SessionActive {
		return nil, ErrSessionNotActive
	}
	if session.TakesRemaining() <= 0 {
		return nil, ErrTakeQuotaExceeded
	}

	templateID := req.TemplateID
	stepIndex := session.CurrentStep
	if len(session.Playlist) > 0 {
		if stepIndex >= len(session.Playlist) {
			return nil, ErrTakeQuotaExceeded
		}
		templateID = session.Playlist[stepIndex].TemplateID
	}
	if templateID == "" {
		return nil, fmt.Errorf("template id is required")
	}

	costType, err := s.pickFunding(ctx, session.AccountID, req.IsReroll)
	if err != nil {
		return nil, err
	}

	take := &models.Take{
		SessionID:  &session.ID,
		AccountID:  session.AccountID,
		StepIndex:  stepIndex,
		TemplateID: templateID,
		IsReroll:   req.IsReroll,
		CostType:   costType,
	}
	created, err := s.takes.Create(ctx, take)
	if err != nil {
		return nil, err
	}

	if costType == models.CostTypeCredit {
		holdErr := s.ledger.Hold(ctx, session.AccountID, ledger.TakeCorrelation(created.ID), s.cfg.TakeCreditCost)
		if holdErr != nil {
			if _, failErr := s.takes.MarkFailed(ctx, created.ID, "credit hold rejected"); failErr != nil {
				s.log.Error("mark unfunded take failed", "take_id", created.ID, "err", failErr)
			}
			if errors.Is(holdErr, ledger.ErrInsufficientCredit) {
				return nil, ledger.ErrInsufficientCredit
			}
			return nil, holdErr
		}
		if err := s.takes.SetFunding(ctx, created.ID, models.CostTypeCredit, s.cfg.TakeCreditCost); err != nil {
			return nil, err
		}
		created.ReservedCredit = s.cfg.TakeCreditCost
	}

	if err := s.queue.Publish(ctx, queue.Task{Kind: queue.KindTake, ID: created.ID}); err != nil {
		return nil, fmt.Errorf("enqueue take %d: %w", created.ID, err)
	}
	s.log.Info("take requested",
		"take_id", created.ID, "session_id", session.ID, "step", stepIndex,
		"cost_type", costType, "reroll", req.IsReroll)
	return created, nil
}

func (s *SessionService) pickFunding(ctx context.Context, accountID int64, isReroll bool) (models.CostType, error) {
	ok, err := s.accounts.ConsumeFreeTake(ctx, accountID, s.cfg.FreeTakesLimit)
	if err != nil {
		return "", err
	}
	if ok {
		return models.CostTypeFree, nil
	}
	if isReroll {
		ok, err = s.accounts.ConsumeCopyTake(ctx, accountID, s.cfg.CopyTakesLimit)
		if err != nil {
			return "", err
		}
		if ok {
			return models.CostTypeCopy, nil
		}
	}
	return models.CostTypeCredit, nil
}

// AdvanceStep moves a collection session past a completed step. Generation
// completion never advances the step; only this explicit call does. Passing
// the last step completes the session.
func (s *SessionService) AdvanceStep(ctx context.Context, sessionID int64) (*models.Session, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, ErrNotFound)
	}
	if session.Status != models.SessionActive {
		return nil, ErrSessionNotActive
	}

	if len(session.Playlist) > 0 && session.CurrentStep+1 >= len(session.Playlist) {
		if _, err := s.sessions.Complete(ctx, sessionID); err != nil {
			return nil, err
		}
		return s.sessions.GetByID(ctx, sessionID)
	}

	applied, err := s.sessions.AdvanceStep(ctx, sessionID, session.CurrentStep)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Raced with another advance; re-read and report current state.
		s.log.Debug("advance step raced", "session_id", sessionID, "from_step", session.CurrentStep)
	}
	return s.sessions.GetByID(ctx, sessionID)
}
