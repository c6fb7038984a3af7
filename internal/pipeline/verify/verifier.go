// Package verify implements the completion-verification stage: settled
// orders are polled on the destination chain until the recipient's balance
// rises above the pre-settlement baseline, or a deadline forces a timeout.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/chain"
	"github.com/vietddude/udeposit/internal/infra/storage"
	"github.com/vietddude/udeposit/internal/pipeline"
	"github.com/vietddude/udeposit/internal/pipeline/metrics"
)

const (
	pollInterval  = 5 * time.Second
	sweepInterval = 60 * time.Second
)

// Verifier consumes the verify queue. Each eligible order gets a polling
// session guarded by a long-TTL monitor lock; sessions live in an arena so
// a background sweep can force-timeout any that outlive the deadline even
// if their own clock checks misbehave.
type Verifier struct {
	orders        storage.OrderRepository
	registrations storage.RegistrationRepository
	queue         pipeline.Queue
	locks         pipeline.Locker
	adapters      map[domain.ChainID]chain.Adapter

	checkInterval  time.Duration
	maxDuration    time.Duration
	processLockTTL time.Duration
	monitorLockTTL time.Duration

	arena    *arena
	sessions sync.WaitGroup
	log      *slog.Logger
}

// New creates a completion verifier.
func New(
	orders storage.OrderRepository,
	registrations storage.RegistrationRepository,
	queue pipeline.Queue,
	locks pipeline.Locker,
	adapters map[domain.ChainID]chain.Adapter,
	checkInterval time.Duration,
	maxDuration time.Duration,
	processLockTTL time.Duration,
	monitorLockTTL time.Duration,
) *Verifier {
	return &Verifier{
		orders:         orders,
		registrations:  registrations,
		queue:          queue,
		locks:          locks,
		adapters:       adapters,
		checkInterval:  checkInterval,
		maxDuration:    maxDuration,
		processLockTTL: processLockTTL,
		monitorLockTTL: monitorLockTTL,
		arena:          newArena(),
		log:            slog.Default().With("component", "verify"),
	}
}

// Run starts the dequeue loop and the forced-timeout sweep. It blocks until
// ctx is cancelled, then drains the arena and waits for sessions to exit.
func (v *Verifier) Run(ctx context.Context) {
	v.log.Info("Verifier started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	wake := v.queue.Wake(domain.StageVerify)

	for {
		for v.ProcessNext(ctx) {
		}

		select {
		case <-ctx.Done():
			v.arena.drain()
			v.sessions.Wait()
			v.log.Info("Verifier stopped")
			return
		case <-wake:
		case <-ticker.C:
		case <-sweep.C:
			v.sweepExpired(ctx)
		}
	}
}

// ProcessNext handles one queue item. Returns true if an item was popped.
func (v *Verifier) ProcessNext(ctx context.Context) bool {
	item, err := v.queue.PopToProcessing(ctx, domain.StageVerify)
	if err != nil {
		v.log.Error("Failed to pop verify queue", "error", err)
		return false
	}
	if item == nil {
		return false
	}

	v.handle(ctx, item)
	return true
}

func (v *Verifier) handle(ctx context.Context, item *domain.QueueItem) {
	log := v.log.With("order", item.OrderID)

	order, err := v.orders.GetByID(ctx, item.OrderID)
	if err != nil {
		log.Error("Failed to load order, leaving in processing for recovery", "error", err)
		return
	}
	if order == nil {
		log.Warn("Queued order no longer exists, dropping")
		v.complete(ctx, item.OrderID)
		return
	}

	if !eligible(order) {
		log.Debug("Order not eligible for verification, dropping stale item", "status", order.Status)
		v.complete(ctx, item.OrderID)
		return
	}

	if v.arena.active(order.OrderID) {
		log.Debug("Polling session already running, dropping duplicate item")
		v.complete(ctx, item.OrderID)
		return
	}

	lockKey := pipeline.ProcessingLockKey(order.OrderID)
	token, err := v.locks.Acquire(ctx, lockKey, v.processLockTTL)
	if err != nil {
		log.Error("Failed to acquire lock, leaving in processing for recovery", "error", err)
		return
	}
	if token == "" {
		// Leave the item in processing so the recovery sweep re-queues
		// it once the holder is done; dropping here would strand the
		// order if the holder was mid-handoff.
		metrics.LockContention.WithLabelValues(string(domain.StageVerify)).Inc()
		log.Debug("Order locked by another worker, leaving item for recovery")
		return
	}
	defer func() {
		if err := v.locks.Release(ctx, lockKey, token); err != nil {
			log.Warn("Failed to release lock", "error", err)
		}
	}()

	if item.RetryCount > domain.MaxRetryCount {
		v.fail(ctx, order, fmt.Errorf("queue item recovered too many times"), log)
		v.complete(ctx, item.OrderID)
		return
	}

	if err := v.startSession(ctx, order, log); err != nil {
		v.fail(ctx, order, err, log)
	}
	v.complete(ctx, item.OrderID)
}

// startSession validates the order, takes the monitor lock and launches the
// polling goroutine. Any returned error marks the order VerificationFailed.
func (v *Verifier) startSession(ctx context.Context, order *domain.Order, log *slog.Logger) error {
	destination, ok := v.adapters[order.DestinationChainID]
	if !ok {
		return fmt.Errorf("no adapter for destination chain %s", order.DestinationChainID)
	}
	if order.InitialDestinationBalance == nil {
		return fmt.Errorf("order has no destination baseline to verify against")
	}

	// The monitor lock outlives the processing lock: it guards the whole
	// polling session so no other instance starts a second one.
	monitorKey := pipeline.MonitorLockKey(order.OrderID)
	monitorToken, err := v.locks.Acquire(ctx, monitorKey, v.monitorLockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire monitor lock: %w", err)
	}
	if monitorToken == "" {
		metrics.LockContention.WithLabelValues(string(domain.StageVerify)).Inc()
		log.Debug("Monitor lock held elsewhere, polling session already owned")
		return nil
	}

	now := time.Now().UTC()
	order.Status = domain.OrderStatusVerifying
	order.VerificationStartedAt = &now
	if err := v.orders.Upsert(ctx, order); err != nil {
		v.releaseMonitor(ctx, monitorKey, monitorToken, log)
		return fmt.Errorf("failed to mark order verifying: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s := &session{
		orderID:   order.OrderID,
		startedAt: now,
		lockKey:   monitorKey,
		lockToken: monitorToken,
		cancel:    cancel,
	}
	v.arena.add(s)

	v.sessions.Add(1)
	go func() {
		defer v.sessions.Done()
		v.poll(sessionCtx, s, order, destination, log)
	}()

	log.Info("Verification polling started", "baseline", order.InitialDestinationBalance)
	return nil
}

// poll watches the recipient's destination balance until it rises above the
// baseline or the deadline passes.
func (v *Verifier) poll(ctx context.Context, s *session, order *domain.Order, destination chain.Adapter, log *slog.Logger) {
	ticker := time.NewTicker(v.checkInterval)
	defer ticker.Stop()
	defer s.cancel()

	deadline := s.startedAt.Add(v.maxDuration)

	for {
		select {
		case <-ctx.Done():
			// Drained on shutdown or force-timed-out by the sweep;
			// either way the session owner already took it out.
			return
		case <-ticker.C:
		}

		if time.Now().UTC().After(deadline) {
			if v.arena.take(s.orderID) != nil {
				v.timeoutOrder(context.WithoutCancel(ctx), order, s, log)
			}
			return
		}

		// Renew the monitor lock so it outlives a polling window longer
		// than its TTL. Token-checked: a lock lost to expiry stays lost.
		if err := v.locks.Refresh(ctx, s.lockKey, s.lockToken, v.monitorLockTTL); err != nil {
			log.Warn("Failed to refresh monitor lock", "error", err)
		}

		current, err := destination.ReadTokenBalance(ctx, order.DestinationToken, order.RecipientAddress)
		if err != nil {
			metrics.ChainReadErrors.WithLabelValues(order.DestinationChainID.String()).Inc()
			log.Warn("Failed to read destination balance, will retry", "error", err)
			continue
		}

		if current.Cmp(order.InitialDestinationBalance) > 0 {
			if v.arena.take(s.orderID) != nil {
				v.completeOrder(context.WithoutCancel(ctx), order, s, current, log)
			}
			return
		}
	}
}

// completeOrder finalizes a verified order and retires its registration.
func (v *Verifier) completeOrder(ctx context.Context, order *domain.Order, s *session, current *big.Int, log *slog.Logger) {
	now := time.Now().UTC()
	order.Status = domain.OrderStatusCompleted
	order.CompletedAt = &now
	order.VerificationEndedAt = &now
	order.FinalDestinationBalance = current
	order.BalanceIncrease = new(big.Int).Sub(current, order.InitialDestinationBalance)
	order.LastError = ""

	if err := v.orders.Upsert(ctx, order); err != nil {
		log.Error("Failed to persist completed order", "error", err)
	}
	v.releaseMonitor(ctx, s.lockKey, s.lockToken, log)

	if err := v.registrations.Delete(ctx, order.RecipientAddress); err != nil {
		log.Warn("Failed to deregister recipient", "recipient", order.RecipientAddress, "error", err)
	}

	metrics.StageTransitions.WithLabelValues(string(domain.StageVerify), "success").Inc()
	metrics.VerificationDuration.Observe(now.Sub(s.startedAt).Seconds())
	log.Info("Order completed", "increase", order.BalanceIncrease, "polled", now.Sub(s.startedAt))
}

// timeoutOrder marks an order that never showed a balance increase. Timeouts
// are terminal and do not count against the retry budget.
func (v *Verifier) timeoutOrder(ctx context.Context, order *domain.Order, s *session, log *slog.Logger) {
	now := time.Now().UTC()
	order.Status = domain.OrderStatusVerificationTimeout
	order.VerificationEndedAt = &now

	if err := v.orders.Upsert(ctx, order); err != nil {
		log.Error("Failed to persist verification timeout", "error", err)
	}
	v.releaseMonitor(ctx, s.lockKey, s.lockToken, log)

	metrics.StageTransitions.WithLabelValues(string(domain.StageVerify), "timeout").Inc()
	log.Warn("Verification timed out", "after", now.Sub(s.startedAt))
}

// sweepExpired force-times-out sessions that outlived the deadline. The
// arena take settles the race with the session's own deadline check.
func (v *Verifier) sweepExpired(ctx context.Context) {
	for _, orderID := range v.arena.expired(v.maxDuration) {
		s := v.arena.take(orderID)
		if s == nil {
			continue
		}
		log := v.log.With("order", orderID)
		log.Warn("Force-timing-out overdue polling session")

		order, err := v.orders.GetByID(ctx, orderID)
		if err != nil || order == nil {
			log.Error("Failed to load order for forced timeout", "error", err)
			v.releaseMonitor(ctx, s.lockKey, s.lockToken, log)
			s.cancel()
			continue
		}
		v.timeoutOrder(ctx, order, s, log)
		s.cancel()
	}
}

func (v *Verifier) fail(ctx context.Context, order *domain.Order, cause error, log *slog.Logger) {
	order.Status = domain.OrderStatusVerificationFailed
	order.LastError = cause.Error()
	order.RetryCount++

	if err := v.orders.Upsert(ctx, order); err != nil {
		log.Error("Failed to persist verification failure", "error", err)
		return
	}

	metrics.StageTransitions.WithLabelValues(string(domain.StageVerify), "failure").Inc()
	log.Warn("Verification setup failed", "retryCount", order.RetryCount, "error", cause)
}

func (v *Verifier) complete(ctx context.Context, orderID string) {
	if err := v.queue.CompleteProcessing(ctx, domain.StageVerify, orderID); err != nil {
		v.log.Warn("Failed to remove item from processing", "order", orderID, "error", err)
	}
}

func (v *Verifier) releaseMonitor(ctx context.Context, key, token string, log *slog.Logger) {
	if err := v.locks.Release(ctx, key, token); err != nil {
		log.Warn("Failed to release monitor lock", "error", err)
	}
}

func eligible(order *domain.Order) bool {
	switch order.Status {
	case domain.OrderStatusSettled:
		return true
	case domain.OrderStatusVerificationFailed:
		return order.CanRetry()
	default:
		return false
	}
}
