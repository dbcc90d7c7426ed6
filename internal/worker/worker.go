package worker

import (
	"context"
	"time"

	"market-core/internal/scheduler"
	"market-core/internal/service"
	"market-core/internal/util"

	"go.uber.org/zap"
)

const dueBatchSize = 100

// ExpirationWorker polls the delayed expiration queue and cancels
// purchases that stayed pending past their countdown. A periodic sweep
// over the database backs up the queue in case a scheduled entry was lost.
type ExpirationWorker struct {
	scheduler *scheduler.Scheduler
	purchases *service.PurchaseService
	poll      time.Duration
	logger    *zap.Logger
	stop      chan struct{}
	done      chan struct{}
}

// NewExpirationWorker creates a new expiration worker
func NewExpirationWorker(sched *scheduler.Scheduler, purchases *service.PurchaseService, poll time.Duration) *ExpirationWorker {
	return &ExpirationWorker{
		scheduler: sched,
		purchases: purchases,
		poll:      poll,
		logger:    util.GetLogger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the worker loop until Stop is called or ctx is cancelled
func (w *ExpirationWorker) Start(ctx context.Context) {
	w.logger.Info("Starting expiration worker", zap.Duration("poll", w.poll))

	go func() {
		defer close(w.done)

		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()

		// Sweep roughly once a minute as fallback for queue entries that
		// never made it to redis.
		sweepEvery := 60 * time.Second
		lastSweep := time.Now()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.drainDue(ctx)
				if time.Since(lastSweep) >= sweepEvery {
					w.sweep(ctx)
					lastSweep = time.Now()
				}
			}
		}
	}()
}

// Stop stops the worker and waits for the loop to exit
func (w *ExpirationWorker) Stop() {
	w.logger.Info("Stopping expiration worker")
	close(w.stop)
	<-w.done
}

func (w *ExpirationWorker) drainDue(ctx context.Context) {
	ids, err := w.scheduler.PopDue(ctx, time.Now().UTC(), dueBatchSize)
	if err != nil {
		w.logger.Error("Failed to read due expirations", zap.Error(err))
		return
	}

	for _, id := range ids {
		if err := w.purchases.CancelExpiredPurchase(ctx, id); err != nil {
			w.logger.Error("Failed to expire purchase",
				zap.Int64("purchase_id", id), zap.Error(err))
		}
	}
}

func (w *ExpirationWorker) sweep(ctx context.Context) {
	cancelled, err := w.purchases.CancelAllExpiredPurchases(ctx)
	if err != nil {
		w.logger.Error("Expiration sweep failed", zap.Error(err))
		return
	}
	if cancelled > 0 {
		w.logger.Info("Expiration sweep cancelled purchases", zap.Int("count", cancelled))
	}
}
