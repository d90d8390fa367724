// Package paywall decides whether a completed take ships as a watermarked
// preview or at full resolution. Decide is a pure function; every delivery
// branch in the worker depends on it and nothing else.
package paywall

// AccessContext carries everything the decision needs, resolved by the caller.
type AccessContext struct {
	// HasSubscription is the account's active-subscription flag.
	HasSubscription bool
	// QuotaFunded is true when the free or copy quota paid for this take.
	QuotaFunded bool
	// Unlocked is true when this take was already unlocked by a purchase.
	Unlocked bool
	// ReservedCredit is the amount held against this take, zero if none.
	ReservedCredit int
}

// UnlockOption is a purchase path surfaced alongside a watermarked preview.
type UnlockOption string

const (
	UnlockSingle  UnlockOption = "unlock_single"
	UnlockTopUp   UnlockOption = "top_up_credits"
	UnlockUpgrade UnlockOption = "upgrade_pack"
)

type Decision struct {
	ShowPreview   bool
	UnlockOptions []UnlockOption
}

// Decide grants full resolution when the account holds a subscription, the
// take was previously unlocked, or a non-zero credit was reserved for it.
// A quota-funded take gets a watermarked preview plus unlock options.
func Decide(access AccessContext) Decision {
	if access.HasSubscription || access.Unlocked || access.ReservedCredit > 0 {
		return Decision{ShowPreview: false}
	}
	d := Decision{ShowPreview: true}
	if access.QuotaFunded {
		d.UnlockOptions = []UnlockOption{UnlockSingle, UnlockTopUp, UnlockUpgrade}
	}
	return d
}
