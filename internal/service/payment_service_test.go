package service

import (
	"context"
	"errors"
	"testing"

	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/models"
)

func TestHandleReport(t *testing.T) {
	f := newFixture()
	account := f.store.AddAccount(&models.Account{TelegramID: 100})
	pack := f.store.AddPack(&models.Pack{Title: "Studio", TakesLimit: 10, HDAmount: 5, IsActive: true})

	report := PaymentReport{
		AccountID: account.ID,
		PackID:    pack.ID,
		Amount:    500,
		ChargeID:  "ch_100",
		Provider:  "stripe",
	}
	session, err := f.payments.HandleReport(context.Background(), report)
	if err != nil {
		t.Fatalf("handle report: %v", err)
	}
	if session == nil || session.HDLimit != 5 || session.TakesLimit != 10 {
		t.Fatalf("unexpected session %+v", session)
	}

	// HDAmount * cost lands as paid credit, keyed by the charge id.
	paid, _, _ := f.balances.Balances(account.ID)
	if paid != 5 {
		t.Fatalf("expected 5 paid credits, got %d", paid)
	}
	if n := f.balances.EntryCount(account.ID, ledger.PurchaseCorrelation("ch_100"), ledger.OpGrant); n != 1 {
		t.Fatalf("expected 1 grant entry, got %d", n)
	}
}

func TestHandleReportReplay(t *testing.T) {
	f := newFixture()
	account := f.store.AddAccount(&models.Account{TelegramID: 100})
	pack := f.store.AddPack(&models.Pack{Title: "Studio", TakesLimit: 10, HDAmount: 5, IsActive: true})
	report := PaymentReport{
		AccountID: account.ID,
		PackID:    pack.ID,
		Amount:    500,
		ChargeID:  "ch_200",
		Provider:  "stripe",
	}

	ctx := context.Background()
	first, err := f.payments.HandleReport(ctx, report)
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	second, err := f.payments.HandleReport(ctx, report)
	if err != nil {
		t.Fatalf("replayed report: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay opened a second session: %d vs %d", second.ID, first.ID)
	}
	paid, _, _ := f.balances.Balances(account.ID)
	if paid != 5 {
		t.Fatalf("replay granted again, paid=%d", paid)
	}
}

func TestHandleReportValidation(t *testing.T) {
	f := newFixture()
	account := f.store.AddAccount(&models.Account{TelegramID: 100})
	inactive := f.store.AddPack(&models.Pack{Title: "Retired", IsActive: false})
	emptyCollection := f.store.AddPack(&models.Pack{Title: "Broken", IsActive: true, IsCollection: true})

	ctx := context.Background()
	if _, err := f.payments.HandleReport(ctx, PaymentReport{AccountID: account.ID, PackID: inactive.ID, Provider: "stripe"}); err == nil {
		t.Fatal("expected missing charge id to be rejected")
	}
	if _, err := f.payments.HandleReport(ctx, PaymentReport{AccountID: account.ID, PackID: inactive.ID, ChargeID: "ch_1"}); err == nil {
		t.Fatal("expected missing provider to be rejected")
	}
	if _, err := f.payments.HandleReport(ctx, PaymentReport{AccountID: account.ID, PackID: inactive.ID, ChargeID: "ch_1", Provider: "stripe"}); !errors.Is(err, ErrPackInactive) {
		t.Fatalf("expected ErrPackInactive, got %v", err)
	}
	// A paid-for collection with nothing to shoot must bounce before the charge row.
	if _, err := f.payments.HandleReport(ctx, PaymentReport{AccountID: account.ID, PackID: emptyCollection.ID, ChargeID: "ch_2", Provider: "stripe"}); !errors.Is(err, ErrEmptyPlaylist) {
		t.Fatalf("expected ErrEmptyPlaylist, got %v", err)
	}
}

func TestHandleReportUnlock(t *testing.T) {
	f := newFixture()
	account := f.store.AddAccount(&models.Account{TelegramID: 100})
	pack := f.store.AddPack(&models.Pack{Title: "Studio", IsActive: false})
	sessionID := int64(0)
	take := f.store.AddTake(&models.Take{SessionID: &sessionID, AccountID: account.ID, Status: models.TakeReady})

	// Unlock purchases work even against an inactive pack.
	session, err := f.payments.HandleReport(context.Background(), PaymentReport{
		AccountID: account.ID,
		PackID:    pack.ID,
		ChargeID:  "ch_300",
		Provider:  "stripe",
		IsUnlock:  true,
		TakeID:    take.ID,
	})
	if err != nil {
		t.Fatalf("unlock report: %v", err)
	}
	if session != nil {
		t.Fatal("unlock purchases must not open a session")
	}
	if !f.store.Take(take.ID).Unlocked {
		t.Fatal("expected take to be unlocked")
	}
	paid, _, _ := f.balances.Balances(account.ID)
	if paid != 0 {
		t.Fatalf("unlock must not grant credits, got %d", paid)
	}
}

func TestHandleReportOpensReferral(t *testing.T) {
	f := newFixture()
	referrer, buyer := referralPair(f)
	pack := f.store.AddPack(&models.Pack{Title: "Studio", TakesLimit: 10, HDAmount: 5, IsActive: true})

	_, err := f.payments.HandleReport(context.Background(), PaymentReport{
		AccountID: buyer.ID,
		PackID:    pack.ID,
		Amount:    500,
		ChargeID:  "ch_400",
		Provider:  "stripe",
	})
	if err != nil {
		t.Fatalf("handle report: %v", err)
	}
	count, _ := f.store.ReferralStore().CountCreatedSince(context.Background(), referrer.ID, buyer.CreatedAt)
	if count != 1 {
		t.Fatalf("expected 1 referral bonus, got %d", count)
	}
}
