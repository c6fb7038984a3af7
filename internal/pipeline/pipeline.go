// Package pipeline defines the boundaries shared by the order-lifecycle
// workers: the durable stage queues and the distributed lock service.
// Redis provides the production implementations; the memory package
// provides the in-process fakes the worker tests run against.
package pipeline

import (
	"context"
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// Queue is the durable per-stage work queue.
type Queue interface {
	// Push appends an item to the stage's main queue and wakes idle
	// workers.
	Push(ctx context.Context, stage domain.Stage, item *domain.QueueItem) error

	// PopToProcessing atomically moves the oldest item to the stage's
	// processing list. Returns nil when empty.
	PopToProcessing(ctx context.Context, stage domain.Stage) (*domain.QueueItem, error)

	// CompleteProcessing removes an order's entry from the processing
	// list by ID.
	CompleteProcessing(ctx context.Context, stage domain.Stage, orderID string) error

	// RecoverHanging re-appends items stuck in processing longer than
	// timeout, with retryCount incremented.
	RecoverHanging(ctx context.Context, timeout time.Duration) (int, error)

	// Wake returns a channel signalled when an item is pushed to the
	// stage. Best-effort: correctness relies on periodic polling.
	Wake(stage domain.Stage) <-chan struct{}
}

// Locker is the distributed TTL lock service. Acquire returns a holder
// token; Release and Refresh act only while that token still owns the key,
// so a holder whose lock expired cannot touch a successor's lock.
type Locker interface {
	// Acquire attempts to take the lock. Returns the holder token, or ""
	// when the key is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Release deletes the lock if token still owns it.
	Release(ctx context.Context, key, token string) error

	// Refresh extends the TTL of a lock token still owns.
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
}

// ProcessingLockKey is the short-TTL lock one worker holds while mutating
// an order.
func ProcessingLockKey(orderID string) string {
	return "lock:order:" + orderID
}

// MonitorLockKey is the long-TTL lock guarding a whole verification polling
// session. Separate namespace from the processing lock: polling spans many
// minutes, far longer than a processing lock TTL.
func MonitorLockKey(orderID string) string {
	return "lock:monitor:" + orderID
}
