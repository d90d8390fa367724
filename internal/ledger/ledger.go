// Package ledger implements the append-only credit ledger every other
// component settles through. Each operation is guarded by the
// (account, correlationId, operation) uniqueness constraint, which turns
// at-least-once task delivery into exactly-once balance effects.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mirelle/photoset/internal/metrics"
)

const (
	OpHold    = "HOLD"
	OpCapture = "CAPTURE"
	OpRelease = "RELEASE"
	OpGrant   = "GRANT"
)

// Pool names a credit pool on the account.
type Pool string

const (
	PoolPaid  Pool = "paid"
	PoolPromo Pool = "promo"
)

var (
	// ErrInsufficientCredit is returned when a hold would overdraw the
	// account. Reported to the caller, never retried blindly.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrNoPriorHold marks a capture or release issued without a matching
	// hold. This is a programming error, not a redelivery artifact.
	ErrNoPriorHold = errors.New("capture/release without prior hold")
)

// Store is the transactional backing of the ledger. Every method records one
// entry and applies its balance effect atomically. applied=false means the
// (account, correlationID, operation) triple already existed and the call had
// no effect; callers treat that as success.
type Store interface {
	Hold(ctx context.Context, accountID int64, correlationID string, amount int) (applied bool, err error)
	Capture(ctx context.Context, accountID int64, correlationID string, amount int) (applied bool, err error)
	Release(ctx context.Context, accountID int64, correlationID string, amount int) (applied bool, err error)
	Grant(ctx context.Context, accountID int64, correlationID string, amount int, pool Pool) (applied bool, err error)
}

type Ledger struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(store Store, log *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, log: log, metrics: m}
}

// Hold reserves amount against the account. Promo credit is drawn before paid
// credit; the split is recorded on the entry so a later release can restore
// the exact pre-hold balances.
func (l *Ledger) Hold(ctx context.Context, accountID int64, correlationID string, amount int) error {
	if err := validate(correlationID, amount); err != nil {
		return err
	}
	applied, err := l.store.Hold(ctx, accountID, correlationID, amount)
	if err != nil {
		l.count(OpHold, "rejected")
		if errors.Is(err, ErrInsufficientCredit) {
			return err
		}
		return fmt.Errorf("ledger hold %s: %w", correlationID, err)
	}
	l.finish(OpHold, accountID, correlationID, applied)
	return nil
}

// Capture finalizes a prior hold as spent. Issuing it without that hold is an
// ordering violation and fails loudly.
func (l *Ledger) Capture(ctx context.Context, accountID int64, correlationID string, amount int) error {
	if err := validate(correlationID, amount); err != nil {
		return err
	}
	applied, err := l.store.Capture(ctx, accountID, correlationID, amount)
	if err != nil {
		return l.followupErr(OpCapture, accountID, correlationID, err)
	}
	l.finish(OpCapture, accountID, correlationID, applied)
	return nil
}

// Release cancels a prior hold, returning the reserved amount to the pools it
// was drawn from.
func (l *Ledger) Release(ctx context.Context, accountID int64, correlationID string, amount int) error {
	if err := validate(correlationID, amount); err != nil {
		return err
	}
	applied, err := l.store.Release(ctx, accountID, correlationID, amount)
	if err != nil {
		return l.followupErr(OpRelease, accountID, correlationID, err)
	}
	l.finish(OpRelease, accountID, correlationID, applied)
	return nil
}

// Grant credits the account unconditionally: purchases, referral settlements
// and compensation make-goods. No prior state is required.
func (l *Ledger) Grant(ctx context.Context, accountID int64, correlationID string, amount int, pool Pool) error {
	if err := validate(correlationID, amount); err != nil {
		return err
	}
	if pool != PoolPaid && pool != PoolPromo {
		return fmt.Errorf("unknown credit pool: %s", pool)
	}
	applied, err := l.store.Grant(ctx, accountID, correlationID, amount, pool)
	if err != nil {
		l.count(OpGrant, "rejected")
		return fmt.Errorf("ledger grant %s: %w", correlationID, err)
	}
	l.finish(OpGrant, accountID, correlationID, applied)
	return nil
}

func (l *Ledger) followupErr(op string, accountID int64, correlationID string, err error) error {
	l.count(op, "rejected")
	if errors.Is(err, ErrNoPriorHold) {
		l.log.Error("ledger ordering violation",
			"op", op, "account_id", accountID, "correlation_id", correlationID)
		return fmt.Errorf("%s %s for account %d: %w", op, correlationID, accountID, ErrNoPriorHold)
	}
	return fmt.Errorf("ledger %s %s: %w", op, correlationID, err)
}

func (l *Ledger) finish(op string, accountID int64, correlationID string, applied bool) {
	if applied {
		l.count(op, "applied")
		return
	}
	l.count(op, "duplicate")
	l.log.Debug("duplicate ledger operation ignored",
		"op", op, "account_id", accountID, "correlation_id", correlationID)
}

func (l *Ledger) count(op, outcome string) {
	if l.metrics != nil {
		l.metrics.LedgerOps.WithLabelValues(op, outcome).Inc()
	}
}

func validate(correlationID string, amount int) error {
	if correlationID == "" {
		return fmt.Errorf("correlation id is required")
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	return nil
}
