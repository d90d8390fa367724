package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/metrics"
	"github.com/mirelle/photoset/internal/models"
)

type ReferralService struct {
	cfg       config.Config
	log       *slog.Logger
	accounts  AccountStore
	referrals ReferralStore
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
}

func NewReferralService(cfg config.Config, log *slog.Logger, accounts AccountStore, referrals ReferralStore, l *ledger.Ledger, m *metrics.Metrics) *ReferralService {
	return &ReferralService{
		cfg:       cfg,
		log:       log,
		accounts:  accounts,
		referrals: referrals,
		ledger:    l,
		metrics:   m,
	}
}

// RecordQualifyingPayment opens a pending bonus for the buyer's referrer when
// the payment qualifies. Non-qualifying payments never create a bonus, not
// even retroactively.
func (s *ReferralService) RecordQualifyingPayment(ctx context.Context, payment *models.Payment) error {
	if payment.IsUnlock || payment.Amount < s.cfg.ReferralMinAmount {
		return nil
	}

	buyer, err := s.accounts.FindByID(ctx, payment.AccountID)
	if err != nil {
		return err
	}
	if buyer == nil || buyer.ReferrerID == nil || *buyer.ReferrerID == buyer.ID {
		return nil
	}
	referrerID := *buyer.ReferrerID

	referrer, err := s.accounts.FindByID(ctx, referrerID)
	if err != nil {
		return err
	}
	if referrer == nil || referrer.Suspended {
		return nil
	}

	now := time.Now().UTC()
	within := func(window time.Duration, limit int) (bool, error) {
		count, err := s.referrals.CountCreatedSince(ctx, referrerID, now.Add(-window))
		if err != nil {
			return false, err
		}
		return count < limit, nil
	}
	ok, err := within(24*time.Hour, s.cfg.ReferralDailyLimit)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("referral daily limit reached", "referrer_id", referrerID)
		return nil
	}
	ok, err = within(30*24*time.Hour, s.cfg.ReferralMonthlyLimit)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("referral monthly limit reached", "referrer_id", referrerID)
		return nil
	}

	applied, err := s.referrals.Create(ctx, &models.ReferralBonus{
		ReferrerID:  referrerID,
		ReferredID:  buyer.ID,
		PaymentID:   payment.ID,
		Amount:      s.cfg.ReferralBonusCredits,
		Status:      models.BonusPending,
		AvailableAt: now.Add(time.Duration(s.cfg.ReferralHoldHours) * time.Hour),
	})
	if err != nil {
		return err
	}
	if !applied {
		s.log.Debug("bonus already recorded for payment", "payment_id", payment.ID)
		return nil
	}
	s.log.Info("referral bonus opened",
		"referrer_id", referrerID, "referred_id", buyer.ID, "payment_id", payment.ID)
	return nil
}

// Settle moves due bonuses to available and credits each referrer exactly
// once. The grant lands before the status flip: if the process dies between
// the two, the next scan re-selects the still-pending bonus and the replayed
// grant is a ledger no-op.
func (s *ReferralService) Settle(ctx context.Context, now time.Time) (int, error) {
	due, err := s.referrals.ListDue(ctx, now)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, bonus := range due {
		if err := s.ledger.Grant(ctx, bonus.ReferrerID, ledger.ReferralCorrelation(bonus.ID), bonus.Amount, ledger.PoolPromo); err != nil {
			s.log.Error("referral grant", "bonus_id", bonus.ID, "err", err)
			continue
		}
		applied, err := s.referrals.MarkAvailable(ctx, bonus.ID)
		if err != nil {
			s.log.Error("mark bonus available", "bonus_id", bonus.ID, "err", err)
			continue
		}
		if !applied {
			// The bonus left pending between the scan and the flip, almost
			// always a revoke racing this settle. The grant above already
			// credited the referrer, so this needs a human eye.
			s.log.Error("bonus credited but no longer pending",
				"bonus_id", bonus.ID, "referrer_id", bonus.ReferrerID, "amount", bonus.Amount)
			continue
		}
		settled++
		if s.metrics != nil {
			s.metrics.ReferralsSettled.Inc()
		}
		s.log.Info("referral bonus settled",
			"bonus_id", bonus.ID, "referrer_id", bonus.ReferrerID, "amount", bonus.Amount)
	}
	return settled, nil
}

// Revoke force-freezes a pending bonus. Only pending bonuses can be revoked;
// an already settled bonus needs a compensating ledger entry instead.
func (s *ReferralService) Revoke(ctx context.Context, bonusID int64) (bool, error) {
	applied, err := s.referrals.Revoke(ctx, bonusID)
	if err != nil {
		return false, err
	}
	if applied {
		s.log.Info("referral bonus revoked", "bonus_id", bonusID)
	}
	return applied, nil
}
