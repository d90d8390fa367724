// Package notify pushes completion and failure notices to the conversational
// front-end. Delivery is best-effort: the financial path never blocks on it.
package notify

import "context"

type Notifier interface {
	TakeReady(ctx context.Context, telegramID, sessionID, takeID int64, watermarked bool)
	TakeFailed(ctx context.Context, telegramID, sessionID, takeID int64)
	HDDelivered(ctx context.Context, telegramID, favoriteID int64, hdPath string)
	HDFailed(ctx context.Context, telegramID, favoriteID int64)
	CompensationIssued(ctx context.Context, telegramID int64, amount int, correlationID string)
}

// Noop is used when no bot token is configured.
type Noop struct{}

func (Noop) TakeReady(context.Context, int64, int64, int64, bool)   {}
func (Noop) TakeFailed(context.Context, int64, int64, int64)        {}
func (Noop) HDDelivered(context.Context, int64, int64, string)      {}
func (Noop) HDFailed(context.Context, int64, int64)                 {}
func (Noop) CompensationIssued(context.Context, int64, int, string) {}
