package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/models"
)

// PaymentReport is what the payment collaborator posts on a successful charge.
// ChargeID is its idempotency key; a redelivered report must not create a
// second session or a second credit grant.
type PaymentReport struct {
	AccountID int64  `json:"accountId"`
	PackID    int64  `json:"packId"`
	Amount    int    `json:"amount"`
	Currency  string `json:"currency"`
	ChargeID  string `json:"chargeId"`
	Provider  string `json:"provider"`
	// IsUnlock marks a single-take unlock purchase instead of a pack purchase.
	IsUnlock bool  `json:"isUnlock"`
	TakeID   int64 `json:"takeId,omitempty"`
	// InputPhotoRef seeds the session when the buyer already sent their photo.
	InputPhotoRef string `json:"inputPhotoRef,omitempty"`
	RawPayload    string `json:"-"`
}

type PaymentService struct {
	cfg          config.Config
	log          *slog.Logger
	packs        PackStore
	takes        TakeStore
	payments     PaymentStore
	sessionStore SessionStore
	sessions     *SessionService
	referrals    *ReferralService
	ledger       *ledger.Ledger
}

func NewPaymentService(cfg config.Config, log *slog.Logger, packs PackStore, takes TakeStore, payments PaymentStore, sessionStore SessionStore, sessions *SessionService, referrals *ReferralService, l *ledger.Ledger) *PaymentService {
	return &PaymentService{
		cfg:          cfg,
		log:          log,
		packs:        packs,
		takes:        takes,
		payments:     payments,
		sessionStore: sessionStore,
		sessions:     sessions,
		referrals:    referrals,
		ledger:       l,
	}
}

// HandleReport processes one payment report end to end: record the charge,
// grant the purchased credits, open the session, and feed the referral
// pipeline. Every step after the charge row is idempotent, so a report
// replayed after a mid-flight crash finishes whatever the first delivery
// left undone.
func (s *PaymentService) HandleReport(ctx context.Context, report PaymentReport) (*models.Session, error) {
	if report.ChargeID == "" {
		return nil, fmt.Errorf("charge id is required")
	}
	if report.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}

	pack, err := s.packs.GetByID(ctx, report.PackID)
	if err != nil {
		return nil, err
	}
	if pack == nil {
		return nil, fmt.Errorf("pack %d: %w", report.PackID, ErrNotFound)
	}
	if !report.IsUnlock {
		if !pack.IsActive {
			return nil, ErrPackInactive
		}
		if pack.IsCollection && len(pack.Playlist) == 0 {
			return nil, ErrEmptyPlaylist
		}
	}

	currency := report.Currency
	if currency == "" {
		currency = s.cfg.PaymentCurrency
	}
	payment, created, err := s.payments.Create(ctx, &models.Payment{
		AccountID:      report.AccountID,
		PackID:         report.PackID,
		Provider:       report.Provider,
		ProviderCharge: report.ChargeID,
		Currency:       currency,
		Amount:         report.Amount,
		IsUnlock:       report.IsUnlock,
		Status:         "succeeded",
		RawPayload:     report.RawPayload,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		s.log.Info("duplicate payment report", "charge_id", report.ChargeID, "payment_id", payment.ID)
		if payment.SessionID != nil {
			return s.sessionStore.GetByID(ctx, *payment.SessionID)
		}
		// First delivery died before finishing; fall through and complete it.
	}

	if report.IsUnlock {
		if report.TakeID == 0 {
			return nil, fmt.Errorf("unlock payment without a take id")
		}
		if err := s.takes.SetUnlocked(ctx, report.TakeID); err != nil {
			return nil, err
		}
		s.log.Info("take unlocked by purchase", "take_id", report.TakeID, "charge_id", report.ChargeID)
		return nil, nil
	}

	if grant := pack.HDAmount * s.cfg.HDCreditCost; grant > 0 {
		if err := s.ledger.Grant(ctx, report.AccountID, ledger.PurchaseCorrelation(report.ChargeID), grant, ledger.PoolPaid); err != nil {
			return nil, err
		}
	}

	var inputRef *string
	if report.InputPhotoRef != "" {
		inputRef = &report.InputPhotoRef
	}
	session, err := s.sessions.StartSession(ctx, report.AccountID, pack.ID, inputRef)
	if err != nil {
		return nil, err
	}
	if err := s.payments.SetSession(ctx, payment.ID, session.ID); err != nil {
		return nil, err
	}

	if err := s.referrals.RecordQualifyingPayment(ctx, payment); err != nil {
		// The purchase itself succeeded; a referral hiccup must not fail it.
		s.log.Error("record referral for payment", "payment_id", payment.ID, "err", err)
	}
	return session, nil
}
