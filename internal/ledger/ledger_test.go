package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil), store
}

func TestHoldDrawsPromoFirst(t *testing.T) {
	l, store := testLedger()
	store.SeedAccount(1, 10, 3)

	if err := l.Hold(context.Background(), 1, "take-1", 5); err != nil {
		t.Fatalf("hold: %v", err)
	}
	paid, promo, reserved := store.Balances(1)
	if paid != 8 || promo != 0 || reserved != 5 {
		t.Fatalf("expected balances (8, 0, 5), got (%d, %d, %d)", paid, promo, reserved)
	}
}

func TestHoldInsufficientCredit(t *testing.T) {
	l, store := testLedger()
	store.SeedAccount(1, 2, 1)

	err := l.Hold(context.Background(), 1, "take-1", 4)
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
	paid, promo, reserved := store.Balances(1)
	if paid != 2 || promo != 1 || reserved != 0 {
		t.Fatalf("rejected hold must not move balances, got (%d, %d, %d)", paid, promo, reserved)
	}
	if store.EntryCount(1, "take-1", OpHold) != 0 {
		t.Fatal("rejected hold must not record an entry")
	}
}

func TestDuplicateHoldIsNoOp(t *testing.T) {
	l, store := testLedger()
	store.SeedAccount(1, 10, 0)

	for i := 0; i < 3; i++ {
		if err := l.Hold(context.Background(), 1, "take-7", 2); err != nil {
			t.Fatalf("hold attempt %d: %v", i+1, err)
		}
	}
	paid, _, reserved := store.Balances(1)
	if paid != 8 || reserved != 2 {
		t.Fatalf("expected one balance effect, got paid=%d reserved=%d", paid, reserved)
	}
	if n := store.EntryCount(1, "take-7", OpHold); n != 1 {
		t.Fatalf("expected 1 hold entry, got %d", n)
	}
}

func TestHoldCaptureDebitsOnce(t *testing.T) {
	l, store := testLedger()
	store.SeedAccount(1, 5, 0)

	if err := l.Hold(context.Background(), 1, "favorite-3", 2); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := l.Capture(context.Background(), 1, "favorite-3", 2); err != nil {
		t.Fatalf("capture: %v", err)
	}
	// Redelivered capture.
	if err := l.Capture(context.Background(), 1, "favorite-3", 2); err != nil {
		t.Fatalf("duplicate capture: %v", err)
	}
	paid, promo, reserved := store.Balances(1)
	if paid != 3 || promo != 0 || reserved != 0 {
		t.Fatalf("expected (3, 0, 0) after capture, got (%d, %d, %d)", paid, promo, reserved)
	}
}

func TestReleaseRestoresPools(t *testing.T) {
	l, store := testLedger()
	store.SeedAccount(1, 4, 3)

	if err := l.Hold(context.Background(), 1, "take-9", 5); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := l.Release(context.Background(), 1, "take-9", 5); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(context.Background(), 1, "take-9", 5); err != nil {
		t.Fatalf("duplicate release: %v", err)
	}
	paid, promo, reserved := store.Balances(1)
	if paid != 4 || promo != 3 || reserved != 0 {
		t.Fatalf("release must restore the exact pre-hold split, got (%d, %d, %d)", paid, promo, reserved)
	}
}

func TestCaptureWithoutHold(t *testing.T) {
	l, _ := testLedger()
	if err := l.Capture(context.Background(), 1, "take-404", 1); !errors.Is(err, ErrNoPriorHold) {
		t.Fatalf("expected ErrNoPriorHold, got %v", err)
	}
	if err := l.Release(context.Background(), 1, "take-404", 1); !errors.Is(err, ErrNoPriorHold) {
		t.Fatalf("expected ErrNoPriorHold, got %v", err)
	}
}

func TestGrantPools(t *testing.T) {
	l, store := testLedger()

	if err := l.Grant(context.Background(), 1, "purchase-ch_1", 6, PoolPaid); err != nil {
		t.Fatalf("paid grant: %v", err)
	}
	if err := l.Grant(context.Background(), 1, "referral-1", 2, PoolPromo); err != nil {
		t.Fatalf("promo grant: %v", err)
	}
	if err := l.Grant(context.Background(), 1, "referral-1", 2, PoolPromo); err != nil {
		t.Fatalf("duplicate grant: %v", err)
	}
	paid, promo, _ := store.Balances(1)
	if paid != 6 || promo != 2 {
		t.Fatalf("expected paid=6 promo=2, got paid=%d promo=%d", paid, promo)
	}
	if err := l.Grant(context.Background(), 1, "referral-2", 2, Pool("bogus")); err == nil {
		t.Fatal("expected unknown pool to be rejected")
	}
}

func TestValidation(t *testing.T) {
	l, _ := testLedger()
	if err := l.Hold(context.Background(), 1, "", 1); err == nil {
		t.Fatal("expected empty correlation id to be rejected")
	}
	if err := l.Hold(context.Background(), 1, "take-1", 0); err == nil {
		t.Fatal("expected zero amount to be rejected")
	}
	if err := l.Grant(context.Background(), 1, "take-1", -3, PoolPaid); err == nil {
		t.Fatal("expected negative amount to be rejected")
	}
}

func TestConcurrentDuplicateHolds(t *testing.T) {
	l, store := testLedger()
	store.SeedAccount(1, 100, 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Hold(context.Background(), 1, "take-55", 10)
		}()
	}
	wg.Wait()

	paid, _, reserved := store.Balances(1)
	if paid != 90 || reserved != 10 {
		t.Fatalf("racing duplicates must apply once, got paid=%d reserved=%d", paid, reserved)
	}
}

func TestCorrelationIDs(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{TakeCorrelation(42), "take-42"},
		{FavoriteCorrelation(7), "favorite-7"},
		{MakeGoodCorrelation(7), "makegood-7"},
		{ReferralCorrelation(3), "referral-3"},
		{PurchaseCorrelation("ch_abc"), "purchase-ch_abc"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("expected %q, got %q", c.want, c.got)
		}
	}
}
