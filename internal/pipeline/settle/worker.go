// Package settle implements the bridging stage of the order pipeline.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/chain"
	"github.com/vietddude/udeposit/internal/infra/storage"
	"github.com/vietddude/udeposit/internal/pipeline"
	"github.com/vietddude/udeposit/internal/pipeline/metrics"
	"github.com/vietddude/udeposit/internal/quote"
)

const pollInterval = 5 * time.Second

// Worker consumes the settle queue: it quotes the bridge route, executes
// settlement from the order's deployed contracts, and either completes the
// order on the fast path or hands it to the verify queue.
type Worker struct {
	orders     storage.OrderRepository
	queue      pipeline.Queue
	locks      pipeline.Locker
	adapters   map[domain.ChainID]chain.Adapter
	aggregator quote.Aggregator
	slippage   float64
	lockTTL    time.Duration
	log        *slog.Logger
}

// New creates a settle worker.
func New(
	orders storage.OrderRepository,
	queue pipeline.Queue,
	locks pipeline.Locker,
	adapters map[domain.ChainID]chain.Adapter,
	aggregator quote.Aggregator,
	slippage float64,
	lockTTL time.Duration,
) *Worker {
	return &Worker{
		orders:     orders,
		queue:      queue,
		locks:      locks,
		adapters:   adapters,
		aggregator: aggregator,
		slippage:   slippage,
		lockTTL:    lockTTL,
		log:        slog.Default().With("component", "settle"),
	}
}

// Run starts the worker loop.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("Settle worker started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	wake := w.queue.Wake(domain.StageSettle)

	for {
		for w.ProcessNext(ctx) {
		}

		select {
		case <-ctx.Done():
			w.log.Info("Settle worker stopped")
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// ProcessNext handles one queue item. Returns true if an item was popped.
func (w *Worker) ProcessNext(ctx context.Context) bool {
	item, err := w.queue.PopToProcessing(ctx, domain.StageSettle)
	if err != nil {
		w.log.Error("Failed to pop settle queue", "error", err)
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
		if order.Status == domain.OrderStatusSettled {
			// Settlement finished but the verify handoff may have been
			// lost with this item stuck in processing. Re-push is
			// idempotent: a duplicate drops on the status guard or the
			// monitor lock.
			if err := w.queue.Push(ctx, domain.StageVerify, &domain.QueueItem{
				OrderID:    order.OrderID,
				RetryCount: order.RetryCount,
			}); err != nil {
				log.Error("Failed to re-enqueue verify handoff, leaving in processing for recovery", "error", err)
				return
			}
			log.Info("Re-enqueued verify handoff for settled order")
		} else {
			log.Debug("Order not eligible for settlement, dropping stale item", "status", order.Status)
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
		// Leave the item in processing so the recovery sweep re-queues
		// it once the holder is done; dropping here would strand the
		// order if the holder was mid-handoff.
		metrics.LockContention.WithLabelValues(string(domain.StageSettle)).Inc()
		log.Debug("Order locked by another worker, leaving item for recovery")
		return
	}
	defer func() {
		if err := w.locks.Release(ctx, lockKey, token); err != nil {
			log.Warn("Failed to release lock", "error", err)
		}
	}()

	if item.RetryCount > domain.MaxRetryCount {
		w.fail(ctx, order, fmt.Errorf("queue item recovered too many times"), log)
		w.complete(ctx, item.OrderID)
		return
	}

	needsVerify, err := w.settle(ctx, order, log)
	if err != nil {
		w.fail(ctx, order, err, log)
		w.complete(ctx, item.OrderID)
		return
	}

	if needsVerify {
		// Hand off outside the lock: Push wakes the verifier at once,
		// and its acquire must not collide with a lock we are about to
		// drop. Double release is a token-checked no-op.
		if err := w.locks.Release(ctx, lockKey, token); err != nil {
			log.Warn("Failed to release lock", "error", err)
		}
		if err := w.queue.Push(ctx, domain.StageVerify, &domain.QueueItem{
			OrderID:    order.OrderID,
			RetryCount: order.RetryCount,
		}); err != nil {
			log.Error("Failed to enqueue for verification, leaving in processing for recovery", "error", err)
			return
		}
	}
	w.complete(ctx, item.OrderID)
}

// settle runs the settlement sequence. Any returned error marks the order
// SettlementFailed. Returns true when the order still needs the verify
// stage, false when the fast path already completed it.
func (w *Worker) settle(ctx context.Context, order *domain.Order, log *slog.Logger) (bool, error) {
	source, ok := w.adapters[order.SourceChainID]
	if !ok {
		return false, fmt.Errorf("no adapter for source chain %s", order.SourceChainID)
	}
	destination, ok := w.adapters[order.DestinationChainID]
	if !ok {
		return false, fmt.Errorf("no adapter for destination chain %s", order.DestinationChainID)
	}

	// Mark Settling first so the eligibility guard rejects a duplicate
	// pickup of the same order.
	order.Status = domain.OrderStatusSettling
	if err := w.orders.Upsert(ctx, order); err != nil {
		return false, fmt.Errorf("failed to mark order settling: %w", err)
	}

	amount, err := source.ReadTokenBalance(ctx, order.SourceToken, order.DepositAddress)
	if err != nil {
		return false, fmt.Errorf("failed to read deposit balance: %w", err)
	}
	if amount.Sign() <= 0 {
		return false, fmt.Errorf("deposit address %s holds no funds", order.DepositAddress)
	}

	best, err := w.aggregator.GetBestQuote(ctx, &quote.Request{
		FromChain:   order.SourceChainID,
		ToChain:     order.DestinationChainID,
		FromToken:   order.SourceToken,
		ToToken:     order.DestinationToken,
		FromAmount:  amount,
		FromAddress: order.DepositAddress,
		ToAddress:   order.RecipientAddress,
		Slippage:    w.slippage,
	})
	if err != nil {
		return false, fmt.Errorf("failed to get bridge quote: %w", err)
	}

	// Baseline must be captured before the settlement transaction, or a
	// near-instant bridge could move funds before we measure.
	initial, err := destination.ReadTokenBalance(ctx, order.DestinationToken, order.RecipientAddress)
	if err != nil {
		return false, fmt.Errorf("failed to read destination baseline: %w", err)
	}
	order.InitialDestinationBalance = initial

	result, err := source.ExecuteSettlement(ctx, order, &chain.SettlementRoute{
		Service:          best.Service,
		To:               best.To,
		Value:            best.Value,
		Data:             best.Data,
		ApprovalAddress:  best.ApprovalAddress,
		ApprovalRequired: best.IsApprovalRequired,
		Amount:           amount,
	})
	if err != nil {
		return false, fmt.Errorf("settlement execution failed: %w", err)
	}

	now := time.Now().UTC()
	order.Status = domain.OrderStatusSettled
	order.SettledAt = &now
	order.SettleURL = result.ExplorerURL
	order.SettleOption = best.Service
	order.LastError = ""
	if err := w.orders.Upsert(ctx, order); err != nil {
		return false, fmt.Errorf("failed to persist settled order: %w", err)
	}

	metrics.StageTransitions.WithLabelValues(string(domain.StageSettle), "success").Inc()
	log.Info("Order settled", "service", best.Service, "tx", result.TxHash, "amount", amount)

	// Fast path: if the bridge already delivered, skip verification.
	current, err := destination.ReadTokenBalance(ctx, order.DestinationToken, order.RecipientAddress)
	if err == nil && current.Cmp(initial) > 0 {
		completedAt := time.Now().UTC()
		order.Status = domain.OrderStatusCompleted
		order.CompletedAt = &completedAt
		order.FinalDestinationBalance = current
		order.BalanceIncrease = new(big.Int).Sub(current, initial)
		if err := w.orders.Upsert(ctx, order); err != nil {
			return false, fmt.Errorf("failed to persist completed order: %w", err)
		}
		log.Info("Order completed on fast path", "increase", order.BalanceIncrease)
		return false, nil
	}

	return true, nil
}

func (w *Worker) fail(ctx context.Context, order *domain.Order, cause error, log *slog.Logger) {
	order.Status = domain.OrderStatusSettlementFailed
	order.LastError = cause.Error()
	order.RetryCount++

	if err := w.orders.Upsert(ctx, order); err != nil {
		log.Error("Failed to persist settlement failure", "error", err)
		return
	}

	metrics.StageTransitions.WithLabelValues(string(domain.StageSettle), "failure").Inc()
	log.Warn("Settlement failed", "retryCount", order.RetryCount, "error", cause)
}

func (w *Worker) complete(ctx context.Context, orderID string) {
	if err := w.queue.CompleteProcessing(ctx, domain.StageSettle, orderID); err != nil {
		w.log.Warn("Failed to remove item from processing", "order", orderID, "error", err)
	}
}

func eligible(order *domain.Order) bool {
	switch order.Status {
	case domain.OrderStatusDeployed:
		return true
	case domain.OrderStatusSettlementFailed:
		return order.CanRetry()
	default:
		return false
	}
}
