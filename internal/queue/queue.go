// Package queue is the at-least-once task transport between the request path
// and the generation workers. Deliveries can repeat after a crash, an ack
// timeout or an explicit retry; every handler downstream must be idempotent.
package queue

import "context"

type Kind string

const (
	// KindTake asks the worker to fulfill one take.
	KindTake Kind = "take"
	// KindHD asks the worker to render the HD artifact for one favorite.
	KindHD Kind = "hd"
)

// Task is the wire payload. ID is a take id or a favorite id depending on Kind.
type Task struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

// Handler processes one delivery. attempt starts at 1 and counts redeliveries.
// A non-nil error requests redelivery; a nil return acknowledges the task.
// The transport may still deliver an acknowledged task again; handlers own
// their idempotency.
type Handler func(ctx context.Context, task Task, attempt int) error

type Queue interface {
	Publish(ctx context.Context, task Task) error
	// Consume blocks delivering tasks to handler until ctx is done.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
