package metasync

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	workerInterval    = 15 * time.Second
	workerBatchSize   = 50
	workerConcurrency = 4
)

// Worker drains the outbox in the background until every parked patch has
// been delivered. Entries stay pending across failures; there is no
// dead-letter state because the bag must eventually converge.
type Worker struct {
	syncer   *Syncer
	outbox   OutboxRepository
	interval time.Duration
}

// NewWorker wires the retry worker.
func NewWorker(syncer *Syncer, outbox OutboxRepository) *Worker {
	return &Worker{syncer: syncer, outbox: outbox, interval: workerInterval}
}

// WithInterval overrides the drain interval, mainly for tests.
func (w *Worker) WithInterval(d time.Duration) *Worker {
	w.interval = d
	return w
}

// Run drains on a ticker until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				log.Printf("metasync: drain: %v", err)
			}
		}
	}
}

// DrainOnce attempts delivery for one batch of pending patches.
func (w *Worker) DrainOnce(ctx context.Context) error {
	pending, err := w.outbox.ListPending(ctx, workerBatchSize)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workerConcurrency)

	for _, p := range pending {
		p := p
		g.Go(func() error {
			if err := w.syncer.deliver(ctx, p.TransactionID, p.Patch); err != nil {
				return w.outbox.MarkFailed(ctx, p.ID)
			}
			return w.outbox.MarkDelivered(ctx, p.ID)
		})
	}

	return g.Wait()
}
