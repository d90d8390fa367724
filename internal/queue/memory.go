package queue

import (
	"context"
	"sync"
)

type delivery struct {
	task    Task
	attempt int
}

// Memory is an in-process Queue with the same redelivery contract as the
// JetStream implementation: a failed handler sees the task again until
// maxDeliver attempts are spent. Used by tests and NATS-less development.
type Memory struct {
	maxDeliver  int
	concurrency int

	mu     sync.Mutex
	closed bool
	ch     chan delivery
}

func NewMemory(maxDeliver, concurrency int) *Memory {
	if maxDeliver <= 0 {
		maxDeliver = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Memory{
		maxDeliver:  maxDeliver,
		concurrency: concurrency,
		ch:          make(chan delivery, 1024),
	}
}

func (q *Memory) Publish(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return context.Canceled
	}
	select {
	case q.ch <- delivery{task: task, attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) Consume(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, d.task, d.attempt); err != nil && d.attempt < q.maxDeliver {
						q.redeliver(delivery{task: d.task, attempt: d.attempt + 1})
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Memory) redeliver(d delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- d:
	default:
	}
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
