package watchdog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/models"
	"github.com/mirelle/photoset/internal/notify"
	"github.com/mirelle/photoset/internal/service"
	"github.com/mirelle/photoset/internal/testsupport"
)

type watchdogFixture struct {
	store    *testsupport.Store
	balances *ledger.MemoryStore
	ledger   *ledger.Ledger
	dog      *Watchdog
}

func newWatchdogFixture(now time.Time) *watchdogFixture {
	cfg := config.Config{
		HDCreditCost:        1,
		MakeGoodCredit:      2,
		SessionAbandonAfter: 24 * time.Hour,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testsupport.NewStore()
	balances := ledger.NewMemoryStore()
	l := ledger.New(balances, log, nil)
	comp := service.NewCompensationService(cfg, log, store, store.FavoriteStore(), store, l, notify.Noop{}, nil)
	dog := New(cfg, log, store.FavoriteStore(), store.SessionStore(), comp, nil)
	dog.now = func() time.Time { return now }
	return &watchdogFixture{store: store, balances: balances, ledger: l, dog: dog}
}

func (f *watchdogFixture) seedBreached(t *testing.T, now time.Time, overdue time.Duration) *models.Favorite {
	t.Helper()
	account := f.store.AddAccount(&models.Account{TelegramID: 100})
	pack := f.store.AddPack(&models.Pack{Title: "Studio", HDSlaMinutes: 60, IsActive: true})
	session := f.store.AddSession(&models.Session{
		AccountID: account.ID, PackID: pack.ID, HDLimit: 5, Status: models.SessionActive, UpdatedAt: now,
	})
	fav := f.store.AddFavorite(&models.Favorite{
		SessionID:     session.ID,
		TakeID:        1,
		AccountID:     account.ID,
		SelectedForHD: true,
		HDStatus:      models.HDPending,
		UpdatedAt:     now.Add(-time.Hour - overdue),
	})
	f.balances.SeedAccount(account.ID, 4, 0)
	if err := f.ledger.Hold(context.Background(), account.ID, ledger.FavoriteCorrelation(fav.ID), 1); err != nil {
		t.Fatalf("hold: %v", err)
	}
	return fav
}

func TestSweepCompensatesBreachedOnce(t *testing.T) {
	now := time.Now().UTC()
	f := newWatchdogFixture(now)
	fav := f.seedBreached(t, now, 30*time.Minute)
	ctx := context.Background()

	compensated, err := f.dog.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if compensated != 1 {
		t.Fatalf("expected 1 compensation, got %d", compensated)
	}
	paid, promo, reserved := f.balances.Balances(fav.AccountID)
	if paid != 4 || promo != 2 || reserved != 0 {
		t.Fatalf("expected (4, 2, 0), got (%d, %d, %d)", paid, promo, reserved)
	}

	// Overlapping or repeated sweeps issue nothing new.
	compensated, err = f.dog.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if compensated != 0 {
		t.Fatalf("expected 0 on the second sweep, got %d", compensated)
	}
	paid, promo, _ = f.balances.Balances(fav.AccountID)
	if paid != 4 || promo != 2 {
		t.Fatalf("second sweep moved balances to (%d, %d)", paid, promo)
	}
	if f.store.CompensationCount() != 1 {
		t.Fatalf("expected 1 log entry, got %d", f.store.CompensationCount())
	}
}

func TestSweepIgnoresWithinSLA(t *testing.T) {
	now := time.Now().UTC()
	f := newWatchdogFixture(now)
	account := f.store.AddAccount(&models.Account{TelegramID: 100})
	pack := f.store.AddPack(&models.Pack{Title: "Studio", HDSlaMinutes: 60, IsActive: true})
	session := f.store.AddSession(&models.Session{
		AccountID: account.ID, PackID: pack.ID, HDLimit: 5, Status: models.SessionActive, UpdatedAt: now,
	})
	f.store.AddFavorite(&models.Favorite{
		SessionID: session.ID,
		TakeID:    1,
		AccountID: account.ID,
		HDStatus:  models.HDPending,
		UpdatedAt: now.Add(-30 * time.Minute),
	})

	compensated, err := f.dog.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if compensated != 0 {
		t.Fatalf("a delivery inside its sla must not be compensated, got %d", compensated)
	}
	if f.store.CompensationCount() != 0 {
		t.Fatalf("expected no log entries, got %d", f.store.CompensationCount())
	}
}

func TestSweepAbandonsIdleSessions(t *testing.T) {
	now := time.Now().UTC()
	f := newWatchdogFixture(now)
	account := f.store.AddAccount(&models.Account{TelegramID: 100})
	idle := f.store.AddSession(&models.Session{
		AccountID: account.ID, PackID: 1, Status: models.SessionActive, UpdatedAt: now.Add(-48 * time.Hour),
	})
	fresh := f.store.AddSession(&models.Session{
		AccountID: account.ID, PackID: 1, Status: models.SessionActive, UpdatedAt: now.Add(-time.Hour),
	})
	done := f.store.AddSession(&models.Session{
		AccountID: account.ID, PackID: 1, Status: models.SessionCompleted, UpdatedAt: now.Add(-48 * time.Hour),
	})

	if _, err := f.dog.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.store.Session(idle.ID).Status; got != models.SessionAbandoned {
		t.Fatalf("expected idle session abandoned, got %s", got)
	}
	if got := f.store.Session(fresh.ID).Status; got != models.SessionActive {
		t.Fatalf("fresh session must stay active, got %s", got)
	}
	if got := f.store.Session(done.ID).Status; got != models.SessionCompleted {
		t.Fatalf("completed session must stay completed, got %s", got)
	}
}
