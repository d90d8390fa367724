package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	streamName = "PHOTOSET_TASKS"
	subject    = "photoset.tasks"
	durable    = "photoset-workers"
	queueGroup = "workers"
)

// JetStream is the production Queue: a NATS JetStream work queue with a
// durable consumer, explicit acks and a bounded delivery count. Redelivery
// after AckWait is what makes the transport at-least-once.
type JetStream struct {
	nc          *nats.Conn
	js          nats.JetStreamContext
	log         *slog.Logger
	ackWait     time.Duration
	maxDeliver  int
	concurrency int
}

func NewJetStream(url string, ackWait time.Duration, maxDeliver, concurrency int, log *slog.Logger) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("photoset"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	if concurrency <= 0 {
		concurrency = 1
	}
	return &JetStream{
		nc:          nc,
		js:          js,
		log:         log,
		ackWait:     ackWait,
		maxDeliver:  maxDeliver,
		concurrency: concurrency,
	}, nil
}

func (q *JetStream) Publish(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := q.js.Publish(subject, body, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

func (q *JetStream) Consume(ctx context.Context, handler Handler) error {
	// Bounded handler pool; acks happen inside the worker goroutine so a
	// crash before ack leads to redelivery, never to a lost task.
	sem := make(chan struct{}, q.concurrency)

	sub, err := q.js.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			q.dispatch(ctx, msg, handler)
		}()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.ackWait),
		nats.MaxDeliver(q.maxDeliver),
	)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		q.log.Error("drain subscription", "err", err)
	}
	return ctx.Err()
}

func (q *JetStream) dispatch(ctx context.Context, msg *nats.Msg, handler Handler) {
	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		// Never redeliver an unparseable payload.
		q.log.Error("drop malformed task", "err", err)
		_ = msg.Ack()
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	if err := handler(ctx, task, attempt); err != nil {
		q.log.Warn("task failed, requesting redelivery",
			"kind", task.Kind, "id", task.ID, "attempt", attempt, "err", err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

func (q *JetStream) Close() error {
	q.nc.Close()
	return nil
}
