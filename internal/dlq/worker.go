package dlq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
)

const (
	defaultTickInterval = 30 * time.Second
	defaultBatchSize    = 10
)

// Redispatcher re-sends a previously failed payload of msgType. A nil
// error means the message can be removed from the queue.
type Redispatcher func(ctx context.Context, msgType, payload string) error

// Worker runs the background retry loop: every tick it dequeues up to
// defaultBatchSize ready messages and re-dispatches each independently.
type Worker struct {
	store        *Store
	redispatch   Redispatcher
	tickInterval time.Duration
	batchSize    int
}

// NewWorker builds a retry-loop worker over store, calling redispatch for
// each dequeued message.
func NewWorker(store *Store, redispatch Redispatcher) *Worker {
	return &Worker{
		store:        store,
		redispatch:   redispatch,
		tickInterval: defaultTickInterval,
		batchSize:    defaultBatchSize,
	}
}

// Run blocks, ticking until ctx is cancelled. Intended to be launched in
// its own goroutine by the caller.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	slog.Info("dlq retry loop started", "interval", w.tickInterval, "batch_size", w.batchSize)

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			slog.Info("dlq retry loop shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	messages, err := w.store.DequeuePending(ctx, w.batchSize)
	if err != nil {
		slog.Error("dlq retry loop: dequeue failed", "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	slog.Info("dlq retry loop: redispatching", "count", len(messages))

	// Distinct messages redispatch in parallel; a given message is only
	// ever dequeued once per tick, so re-dequeue of the same message
	// remains serialized across ticks.
	var wg sync.WaitGroup
	for _, m := range messages {
		wg.Add(1)
		go func(m *domain.DeadLetterMessage) {
			defer wg.Done()
			w.redispatchOne(ctx, m)
		}(m)
	}
	wg.Wait()
}

func (w *Worker) redispatchOne(ctx context.Context, m *domain.DeadLetterMessage) {
	err := w.redispatch(ctx, m.Type, m.Payload)
	if err == nil {
		if rErr := w.store.RecordSuccess(ctx, m.ID); rErr != nil {
			slog.Error("dlq retry loop: record success failed", "id", m.ID, "error", rErr)
		}
		return
	}

	slog.Warn("dlq retry loop: redispatch failed", "id", m.ID, "attempt", m.AttemptCount+1, "error", err)
	if rErr := w.store.RecordRetryAttempt(ctx, m.ID, err); rErr != nil {
		slog.Error("dlq retry loop: record retry attempt failed", "id", m.ID, "error", rErr)
	}
}
