package verify

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/chain"
	"github.com/vietddude/udeposit/internal/infra/chain/sim"
	"github.com/vietddude/udeposit/internal/infra/storage/memory"
	"github.com/vietddude/udeposit/internal/pipeline"
)

type fixture struct {
	orders   *memory.OrderRepo
	regs     *memory.RegistrationRepo
	queue    *memory.Queue
	locks    *memory.LockService
	world    *sim.World
	verifier *Verifier
}

// newFixture builds a verifier with millisecond timings so the polling
// sessions resolve within the test.
func newFixture(maxDuration time.Duration) *fixture {
	orders := memory.NewOrderRepo()
	regs := memory.NewRegistrationRepo()
	queue := memory.NewQueue()
	locks := memory.NewLockService()
	world := sim.NewWorld()
	v := New(orders, regs, queue, locks,
		map[domain.ChainID]chain.Adapter{
			domain.ChainIDGnosis: sim.NewAdapter(domain.ChainIDGnosis, world),
		},
		10*time.Millisecond, maxDuration, time.Minute, time.Minute)
	return &fixture{orders: orders, regs: regs, queue: queue, locks: locks, world: world, verifier: v}
}

func settledOrder(id string) *domain.Order {
	return &domain.Order{
		OrderID:                   id,
		SourceChainID:             domain.ChainIDBase,
		DestinationChainID:        domain.ChainIDGnosis,
		RecipientAddress:          "0xAAA0000000000000000000000000000000000001",
		DepositAddress:            "0xBBB0000000000000000000000000000000000002",
		SourceToken:               "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		DestinationToken:          "0xcB444e90D8198415266c6a2724b7900fb12FC56E",
		Status:                    domain.OrderStatusSettled,
		InitialDestinationBalance: big.NewInt(100),
	}
}

func (f *fixture) enqueue(t *testing.T, ctx context.Context, order *domain.Order) {
	t.Helper()
	if err := f.orders.Upsert(ctx, order); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := f.queue.Push(ctx, domain.StageVerify, &domain.QueueItem{OrderID: order.OrderID}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
}

func (f *fixture) waitForStatus(t *testing.T, ctx context.Context, orderID string, want domain.OrderStatus) *domain.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.orders.GetByID(ctx, orderID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got != nil && got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := f.orders.GetByID(ctx, orderID)
	t.Fatalf("order never reached %s, stuck at %s", want, got.Status)
	return nil
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestProcessNext_CompletesWhenBalanceRises(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(time.Minute)

	order := settledOrder("0xabc")
	f.world.SetBalance(order.DestinationChainID, order.DestinationToken, order.RecipientAddress, big.NewInt(100))
	if err := f.regs.Save(ctx, &domain.Registration{RecipientAddress: order.RecipientAddress}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	f.enqueue(t, ctx, order)

	if !f.verifier.ProcessNext(ctx) {
		t.Fatal("expected an item to be processed")
	}

	mid, _ := f.orders.GetByID(ctx, "0xabc")
	if mid.Status != domain.OrderStatusVerifying {
		t.Fatalf("expected status Verifying while polling, got %s", mid.Status)
	}
	if mid.VerificationStartedAt == nil {
		t.Error("expected verificationStartedAt to be set")
	}

	// The bridge delivers mid-session.
	f.world.SetBalance(order.DestinationChainID, order.DestinationToken, order.RecipientAddress, big.NewInt(350))

	got := f.waitForStatus(t, ctx, "0xabc", domain.OrderStatusCompleted)
	if got.FinalDestinationBalance.Cmp(big.NewInt(350)) != 0 {
		t.Errorf("expected final balance 350, got %s", got.FinalDestinationBalance)
	}
	if got.BalanceIncrease.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("expected balance increase 250, got %s", got.BalanceIncrease)
	}
	if got.CompletedAt == nil || got.VerificationEndedAt == nil {
		t.Error("expected completion timestamps to be set")
	}

	if f.locks.Held(pipeline.MonitorLockKey("0xabc")) {
		t.Error("expected monitor lock released after completion")
	}
	if reg, _ := f.regs.GetByRecipient(ctx, order.RecipientAddress); reg != nil {
		t.Error("expected recipient deregistered after completion")
	}
}

func TestProcessNext_TimesOutWithoutIncrease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(30 * time.Millisecond)

	order := settledOrder("0xabc")
	order.RetryCount = 1
	f.world.SetBalance(order.DestinationChainID, order.DestinationToken, order.RecipientAddress, big.NewInt(100))
	f.enqueue(t, ctx, order)

	f.verifier.ProcessNext(ctx)

	got := f.waitForStatus(t, ctx, "0xabc", domain.OrderStatusVerificationTimeout)

	// A timeout is terminal observation, not a fault: no retry charge,
	// no error message.
	if got.RetryCount != 1 {
		t.Errorf("expected retryCount unchanged, got %d", got.RetryCount)
	}
	if got.LastError != "" {
		t.Errorf("expected no lastError, got %q", got.LastError)
	}
	if got.VerificationEndedAt == nil {
		t.Error("expected verificationEndedAt to be set")
	}
	if f.locks.Held(pipeline.MonitorLockKey("0xabc")) {
		t.Error("expected monitor lock released after timeout")
	}
}

func TestProcessNext_MissingBaselineFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(time.Minute)

	order := settledOrder("0xabc")
	order.InitialDestinationBalance = nil
	f.enqueue(t, ctx, order)

	f.verifier.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusVerificationFailed {
		t.Errorf("expected status VerificationFailed, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", got.RetryCount)
	}
	if got.LastError == "" {
		t.Error("expected lastError to be recorded")
	}
}

func TestProcessNext_MonitorLockContentionDropsItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(time.Minute)

	order := settledOrder("0xabc")
	f.enqueue(t, ctx, order)

	// Another instance already owns the polling session.
	token, _ := f.locks.Acquire(ctx, pipeline.MonitorLockKey("0xabc"), time.Minute)
	if token == "" {
		t.Fatal("test setup: could not pre-acquire monitor lock")
	}

	f.verifier.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusSettled {
		t.Errorf("expected order untouched under monitor contention, got %s", got.Status)
	}
	if f.verifier.arena.active("0xabc") {
		t.Error("expected no local session under monitor contention")
	}
	if _, processing := f.queue.Lengths(domain.StageVerify); processing != 0 {
		t.Errorf("expected contended item dropped from processing, got %d", processing)
	}
}

func TestProcessNext_LockContentionLeavesItemForRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(time.Minute)

	order := settledOrder("0xabc")
	f.enqueue(t, ctx, order)

	// The settle worker still holds the order lock mid-handoff.
	token, _ := f.locks.Acquire(ctx, pipeline.ProcessingLockKey("0xabc"), time.Minute)
	if token == "" {
		t.Fatal("test setup: could not pre-acquire lock")
	}

	f.verifier.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusSettled {
		t.Errorf("expected order untouched under contention, got %s", got.Status)
	}
	if f.verifier.arena.active("0xabc") {
		t.Error("expected no session under contention")
	}

	// The item must stay in processing so the recovery sweep can
	// re-queue it once the holder is done.
	if _, processing := f.queue.Lengths(domain.StageVerify); processing != 1 {
		t.Errorf("expected contended item left in processing, got %d", processing)
	}
}

func TestPoll_RefreshesMonitorLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(time.Minute)
	// Short monitor TTL: without renewal the lock expires mid-session.
	f.verifier.monitorLockTTL = 100 * time.Millisecond

	order := settledOrder("0xabc")
	f.world.SetBalance(order.DestinationChainID, order.DestinationToken, order.RecipientAddress, big.NewInt(100))
	f.enqueue(t, ctx, order)

	f.verifier.ProcessNext(ctx)

	// Polling every 10ms must keep pushing the expiry forward.
	time.Sleep(250 * time.Millisecond)
	if !f.locks.Held(pipeline.MonitorLockKey("0xabc")) {
		t.Fatal("expected monitor lock renewed across the polling window")
	}

	f.world.SetBalance(order.DestinationChainID, order.DestinationToken, order.RecipientAddress, big.NewInt(350))
	f.waitForStatus(t, ctx, "0xabc", domain.OrderStatusCompleted)
	if f.locks.Held(pipeline.MonitorLockKey("0xabc")) {
		t.Error("expected monitor lock released after completion")
	}
}

func TestProcessNext_AbandonsRecycledItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(time.Minute)

	order := settledOrder("0xabc")
	if err := f.orders.Upsert(ctx, order); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := f.queue.Push(ctx, domain.StageVerify, &domain.QueueItem{
		OrderID:    "0xabc",
		RetryCount: domain.MaxRetryCount + 1,
	}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	f.verifier.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusVerificationFailed {
		t.Errorf("expected recycled item to fail the order, got %s", got.Status)
	}
	if f.verifier.arena.active("0xabc") {
		t.Error("expected no session for recycled item")
	}
}

func TestProcessNext_DuplicateItemDoesNotStartSecondSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(time.Minute)

	order := settledOrder("0xabc")
	f.world.SetBalance(order.DestinationChainID, order.DestinationToken, order.RecipientAddress, big.NewInt(100))
	f.enqueue(t, ctx, order)

	f.verifier.ProcessNext(ctx)
	if !f.verifier.arena.active("0xabc") {
		t.Fatal("expected an active session")
	}

	// A duplicate queue entry for the same order must be swallowed.
	if err := f.queue.Push(ctx, domain.StageVerify, &domain.QueueItem{OrderID: "0xabc"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	f.verifier.ProcessNext(ctx)

	if _, processing := f.queue.Lengths(domain.StageVerify); processing != 0 {
		t.Errorf("expected duplicate dropped from processing, got %d", processing)
	}
}

func TestSweepExpired_ForcesOverdueSessionTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(time.Minute)

	order := settledOrder("0xabc")
	if err := f.orders.Upsert(ctx, order); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Plant a session that claims to have started long ago.
	_, cancel := context.WithCancel(ctx)
	f.verifier.arena.add(&session{
		orderID:   "0xabc",
		startedAt: time.Now().Add(-2 * time.Minute),
		lockKey:   pipeline.MonitorLockKey("0xabc"),
		cancel:    cancel,
	})

	f.verifier.sweepExpired(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusVerificationTimeout {
		t.Errorf("expected forced timeout, got %s", got.Status)
	}
	if f.verifier.arena.active("0xabc") {
		t.Error("expected session removed from arena")
	}
}

func TestArena_TakeIsExclusive(t *testing.T) {
	a := newArena()
	_, cancel := context.WithCancel(context.Background())
	a.add(&session{orderID: "0xabc", startedAt: time.Now(), cancel: cancel})

	if a.take("0xabc") == nil {
		t.Fatal("expected first take to win")
	}
	if a.take("0xabc") != nil {
		t.Error("expected second take to lose")
	}
}
