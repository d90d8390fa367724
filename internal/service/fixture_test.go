package service

import (
	"io"
	"log/slog"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/notify"
	"github.com/mirelle/photoset/internal/testsupport"
)

type fixture struct {
	cfg       config.Config
	store     *testsupport.Store
	balances  *ledger.MemoryStore
	ledger    *ledger.Ledger
	queue     *testsupport.QueueRecorder
	sessions  *SessionService
	favorites *FavoriteService
	comp      *CompensationService
	referrals *ReferralService
	payments  *PaymentService
}

func newFixture() *fixture {
	cfg := config.Config{
		TakeCreditCost:       1,
		HDCreditCost:         1,
		MakeGoodCredit:       2,
		DefaultFavoritesCap:  10,
		FreeTakesLimit:       1,
		CopyTakesLimit:       1,
		ReferralHoldHours:    72,
		ReferralBonusCredits: 2,
		ReferralMinAmount:    100,
		ReferralDailyLimit:   3,
		ReferralMonthlyLimit: 10,
		PaymentCurrency:      "USD",
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testsupport.NewStore()
	balances := ledger.NewMemoryStore()
	l := ledger.New(balances, log, nil)
	q := &testsupport.QueueRecorder{}

	sessions := NewSessionService(cfg, log, store, store.PackStore(), store.SessionStore(), store.TakeStore(), l, q)
	favorites := NewFavoriteService(cfg, log, store.PackStore(), store.SessionStore(), store.TakeStore(), store.FavoriteStore(), l, q)
	comp := NewCompensationService(cfg, log, store, store.FavoriteStore(), store, l, notify.Noop{}, nil)
	referrals := NewReferralService(cfg, log, store, store.ReferralStore(), l, nil)
	payments := NewPaymentService(cfg, log, store.PackStore(), store.TakeStore(), store.PaymentStore(), store.SessionStore(), sessions, referrals, l)

	return &fixture{
		cfg:       cfg,
		store:     store,
		balances:  balances,
		ledger:    l,
		queue:     q,
		sessions:  sessions,
		favorites: favorites,
		comp:      comp,
		referrals: referrals,
		payments:  payments,
	}
}
