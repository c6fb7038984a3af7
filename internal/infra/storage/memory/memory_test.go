package memory

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
)

func TestQueue_PopMovesItemToProcessing(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()

	if err := q.Push(ctx, domain.StageDeploy, &domain.QueueItem{OrderID: "0xabc"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	item, err := q.PopToProcessing(ctx, domain.StageDeploy)
	if err != nil {
		t.Fatalf("PopToProcessing failed: %v", err)
	}
	if item.OrderID != "0xabc" {
		t.Errorf("expected 0xabc, got %s", item.OrderID)
	}
	if item.ProcessingStarted == nil {
		t.Error("expected processingStarted to be stamped")
	}

	// The item must exist in exactly one list.
	queued, processing := q.Lengths(domain.StageDeploy)
	if queued != 0 || processing != 1 {
		t.Errorf("expected queued=0 processing=1, got queued=%d processing=%d", queued, processing)
	}
}

func TestQueue_FIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()

	for _, id := range []string{"0x1", "0x2", "0x3"} {
		if err := q.Push(ctx, domain.StageSettle, &domain.QueueItem{OrderID: id}); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	for _, want := range []string{"0x1", "0x2", "0x3"} {
		item, _ := q.PopToProcessing(ctx, domain.StageSettle)
		if item.OrderID != want {
			t.Errorf("expected %s, got %s", want, item.OrderID)
		}
	}
}

func TestQueue_CompleteRemovesByOrderID(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()

	q.Push(ctx, domain.StageDeploy, &domain.QueueItem{OrderID: "0x1"})
	q.Push(ctx, domain.StageDeploy, &domain.QueueItem{OrderID: "0x2"})
	q.PopToProcessing(ctx, domain.StageDeploy)
	q.PopToProcessing(ctx, domain.StageDeploy)

	if err := q.CompleteProcessing(ctx, domain.StageDeploy, "0x1"); err != nil {
		t.Fatalf("CompleteProcessing failed: %v", err)
	}

	_, processing := q.Lengths(domain.StageDeploy)
	if processing != 1 {
		t.Errorf("expected 1 item left in processing, got %d", processing)
	}

	// Completing an unknown ID is a no-op, not an error.
	if err := q.CompleteProcessing(ctx, domain.StageDeploy, "0xmissing"); err != nil {
		t.Errorf("expected nil for unknown order, got %v", err)
	}
}

func TestQueue_WakeSignalsOnPush(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	wake := q.Wake(domain.StageVerify)

	q.Push(ctx, domain.StageVerify, &domain.QueueItem{OrderID: "0xabc"})

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expected wake signal after push")
	}
}

func TestLockService_MutualExclusionAndExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewLockService()

	token, err := l.Acquire(ctx, "lock:order:0xabc", 20*time.Millisecond)
	if err != nil || token == "" {
		t.Fatalf("expected first acquire to succeed, got %q %v", token, err)
	}

	if dup, _ := l.Acquire(ctx, "lock:order:0xabc", time.Minute); dup != "" {
		t.Error("expected second acquire to fail while held")
	}

	// TTL expiry frees the lock without an explicit release.
	time.Sleep(30 * time.Millisecond)
	if next, _ := l.Acquire(ctx, "lock:order:0xabc", time.Minute); next == "" {
		t.Error("expected acquire to succeed after TTL expiry")
	}
}

func TestLockService_ReleaseFreesLock(t *testing.T) {
	ctx := context.Background()
	l := NewLockService()

	token, _ := l.Acquire(ctx, "lock:monitor:0xabc", time.Minute)
	if err := l.Release(ctx, "lock:monitor:0xabc", token); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if next, _ := l.Acquire(ctx, "lock:monitor:0xabc", time.Minute); next == "" {
		t.Error("expected acquire to succeed after release")
	}
}

func TestLockService_StaleTokenCannotReleaseSuccessor(t *testing.T) {
	ctx := context.Background()
	l := NewLockService()

	// First holder's lock expires while it is still working.
	stale, _ := l.Acquire(ctx, "lock:order:0xabc", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// A successor takes over the key.
	successor, _ := l.Acquire(ctx, "lock:order:0xabc", time.Minute)
	if successor == "" {
		t.Fatal("expected successor to acquire the expired key")
	}

	// The expired holder's deferred release must not free the
	// successor's lock.
	if err := l.Release(ctx, "lock:order:0xabc", stale); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !l.Held("lock:order:0xabc") {
		t.Error("expected successor's lock to survive a stale release")
	}

	// Nor may the stale token extend it.
	before := l.Expiry("lock:order:0xabc")
	if err := l.Refresh(ctx, "lock:order:0xabc", stale, time.Hour); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if l.Expiry("lock:order:0xabc") != before {
		t.Error("expected stale refresh to leave the expiry untouched")
	}
}

func TestLockService_RefreshExtendsHeldLock(t *testing.T) {
	ctx := context.Background()
	l := NewLockService()

	token, _ := l.Acquire(ctx, "lock:monitor:0xabc", 50*time.Millisecond)
	before := l.Expiry("lock:monitor:0xabc")

	if err := l.Refresh(ctx, "lock:monitor:0xabc", token, time.Minute); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !l.Expiry("lock:monitor:0xabc").After(before) {
		t.Error("expected refresh to push the expiry forward")
	}
}

func TestOrderRepo_UpsertPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	r := NewOrderRepo()

	order := &domain.Order{OrderID: "0xabc", Status: domain.OrderStatusRegistered}
	if err := r.Upsert(ctx, order); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	first, _ := r.GetByID(ctx, "0xabc")

	time.Sleep(5 * time.Millisecond)
	first.Status = domain.OrderStatusDeployed
	if err := r.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	second, _ := r.GetByID(ctx, "0xabc")
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("expected createdAt preserved across upserts")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("expected updatedAt bumped on upsert")
	}
	if second.Status != domain.OrderStatusDeployed {
		t.Errorf("expected updated status, got %s", second.Status)
	}
}
