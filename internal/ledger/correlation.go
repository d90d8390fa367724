package ledger

import "strconv"

// Correlation id builders. Each business event maps to one stable id so a
// replayed task re-issues the same triple and lands on the uniqueness
// constraint instead of double-charging.

func TakeCorrelation(takeID int64) string {
	return "take-" + strconv.FormatInt(takeID, 10)
}

func FavoriteCorrelation(favoriteID int64) string {
	return "favorite-" + strconv.FormatInt(favoriteID, 10)
}

func MakeGoodCorrelation(favoriteID int64) string {
	return "makegood-" + strconv.FormatInt(favoriteID, 10)
}

func ReferralCorrelation(bonusID int64) string {
	return "referral-" + strconv.FormatInt(bonusID, 10)
}

func PurchaseCorrelation(chargeID string) string {
	return "purchase-" + chargeID
}
