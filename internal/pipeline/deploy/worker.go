// Package deploy implements the contract-deployment stage of the order
// pipeline.
package deploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/chain"
	"github.com/vietddude/udeposit/internal/infra/storage"
	"github.com/vietddude/udeposit/internal/pipeline"
	"github.com/vietddude/udeposit/internal/pipeline/metrics"
)

const pollInterval = 5 * time.Second

// Worker consumes the deploy queue: it deploys the per-order contract set
// and hands the order to the settle queue.
type Worker struct {
	orders   storage.OrderRepository
	queue    pipeline.Queue
	locks    pipeline.Locker
	adapters map[domain.ChainID]chain.Adapter
	lockTTL  time.Duration
	log      *slog.Logger
}

// New creates a deploy worker.
func New(
	orders storage.OrderRepository,
	queue pipeline.Queue,
	locks pipeline.Locker,
	adapters map[domain.ChainID]chain.Adapter,
	lockTTL time.Duration,
) *Worker {
	return &Worker{
		orders:   orders,
		queue:    queue,
		locks:    locks,
		adapters: adapters,
		lockTTL:  lockTTL,
		log:      slog.Default().With("component", "deploy"),
	}
}

// Run starts the worker loop. Woken by queue notifications, with a timer
// fallback.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("Deploy worker started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	wake := w.queue.Wake(domain.StageDeploy)

	for {
		// Drain the queue before sleeping again.
		for w.ProcessNext(ctx) {
		}

		select {
		case <-ctx.Done():
			w.log.Info("Deploy worker stopped")
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// ProcessNext handles one queue item. Returns true if an item was popped.
func (w *Worker) ProcessNext(ctx context.Context) bool {
	item, err := w.queue.PopToProcessing(ctx, domain.StageDeploy)
	if err != nil {
		w.log.Error("Failed to pop deploy queue", "error", err)
		return false
	}
	if item == nil {
		return false
	}

	w.handle(ctx, item)
	return true
}

func (w *Worker) handle(ctx context.Context, item *domain.QueueItem) {
	log := w.log.With("order", item.OrderID)

	// Re-fetch: the queued snapshot may be stale if another path already
	// advanced the order.
	order, err := w.orders.GetByID(ctx, item.OrderID)
	if err != nil {
		log.Error("Failed to load order, leaving in processing for recovery", "error", err)
		return
	}
	if order == nil {
		log.Warn("Queued order no longer exists, dropping")
		w.complete(ctx, item.OrderID)
		return
	}

	if !eligible(order) {
		if order.Status == domain.OrderStatusDeployed {
			// Deployment finished but the settle handoff may have been
			// lost with this item stuck in processing. Re-push is
			// idempotent: a duplicate drops on the status guard.
			if err := w.queue.Push(ctx, domain.StageSettle, &domain.QueueItem{
				OrderID:    order.OrderID,
				RetryCount: order.RetryCount,
			}); err != nil {
				log.Error("Failed to re-enqueue settle handoff, leaving in processing for recovery", "error", err)
				return
			}
			log.Info("Re-enqueued settle handoff for deployed order")
		} else {
			log.Debug("Order not eligible for deployment, dropping stale item", "status", order.Status)
		}
		w.complete(ctx, item.OrderID)
		return
	}

	lockKey := pipeline.ProcessingLockKey(order.OrderID)
	token, err := w.locks.Acquire(ctx, lockKey, w.lockTTL)
	if err != nil {
		log.Error("Failed to acquire lock, leaving in processing for recovery", "error", err)
		return
	}
	if token == "" {
		// Another worker owns this order right now. Leave the item in
		// processing so the recovery sweep re-queues it once the holder
		// is done; dropping it here would strand the order if the
		// holder was mid-handoff.
		metrics.LockContention.WithLabelValues(string(domain.StageDeploy)).Inc()
		log.Debug("Order locked by another worker, leaving item for recovery")
		return
	}
	defer func() {
		if err := w.locks.Release(ctx, lockKey, token); err != nil {
			log.Warn("Failed to release lock", "error", err)
		}
	}()

	if item.RetryCount > domain.MaxRetryCount {
		w.fail(ctx, order, "queue item recovered too many times", log)
		w.complete(ctx, item.OrderID)
		return
	}

	adapter, ok := w.adapters[order.SourceChainID]
	if !ok {
		w.fail(ctx, order, "no adapter for source chain "+order.SourceChainID.String(), log)
		w.complete(ctx, item.OrderID)
		return
	}

	details, err := adapter.DeployOrderContracts(ctx, order)
	if err != nil {
		w.fail(ctx, order, err.Error(), log)
		w.complete(ctx, item.OrderID)
		return
	}

	now := time.Now().UTC()
	order.Status = domain.OrderStatusDeployed
	order.DeployedAt = &now
	order.LastError = ""
	if order.DeploymentDetails == nil {
		order.DeploymentDetails = details
	}

	if err := w.orders.Upsert(ctx, order); err != nil {
		log.Error("Failed to persist deployed order, leaving in processing for recovery", "error", err)
		return
	}

	// Hand off outside the lock: Push wakes the settle worker at once,
	// and its acquire must not collide with a lock we are about to drop.
	// Double release is a token-checked no-op.
	if err := w.locks.Release(ctx, lockKey, token); err != nil {
		log.Warn("Failed to release lock", "error", err)
	}

	// Enqueue the freshly-read order, not the queued snapshot.
	if err := w.queue.Push(ctx, domain.StageSettle, &domain.QueueItem{
		OrderID:    order.OrderID,
		RetryCount: order.RetryCount,
	}); err != nil {
		log.Error("Failed to enqueue for settlement, leaving in processing for recovery", "error", err)
		return
	}

	metrics.StageTransitions.WithLabelValues(string(domain.StageDeploy), "success").Inc()
	log.Info("Order deployed", "proxy", details.ProxyAddress)
	w.complete(ctx, item.OrderID)
}

func (w *Worker) fail(ctx context.Context, order *domain.Order, msg string, log *slog.Logger) {
	order.Status = domain.OrderStatusDeploymentFailed
	order.LastError = msg
	order.RetryCount++

	if err := w.orders.Upsert(ctx, order); err != nil {
		log.Error("Failed to persist deployment failure", "error", err)
		return
	}

	// No re-enqueue: the detector's rediscovery path retries while
	// retryCount allows.
	metrics.StageTransitions.WithLabelValues(string(domain.StageDeploy), "failure").Inc()
	log.Warn("Deployment failed", "retryCount", order.RetryCount, "error", msg)
}

func (w *Worker) complete(ctx context.Context, orderID string) {
	if err := w.queue.CompleteProcessing(ctx, domain.StageDeploy, orderID); err != nil {
		w.log.Warn("Failed to remove item from processing", "order", orderID, "error", err)
	}
}

func eligible(order *domain.Order) bool {
	switch order.Status {
	case domain.OrderStatusRegistered:
		return true
	case domain.OrderStatusDeploymentFailed:
		return order.CanRetry()
	default:
		return false
	}
}
