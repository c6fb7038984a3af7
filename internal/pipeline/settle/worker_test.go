package settle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/chain"
	"github.com/vietddude/udeposit/internal/infra/chain/sim"
	"github.com/vietddude/udeposit/internal/infra/storage/memory"
	"github.com/vietddude/udeposit/internal/pipeline"
	"github.com/vietddude/udeposit/internal/quote"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeAggregator struct {
	err   error
	calls int
}

func (f *fakeAggregator) GetBestQuote(ctx context.Context, req *quote.Request) (*quote.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &quote.Response{
		Service:              "lifi",
		To:                   "0x2000000000000000000000000000000000000001",
		Value:                big.NewInt(0),
		Data:                 []byte{0x01, 0x02},
		ExpectedReturnAmount: new(big.Int).Set(req.FromAmount),
	}, nil
}

type fixture struct {
	orders      *memory.OrderRepo
	queue       *memory.Queue
	locks       *memory.LockService
	world       *sim.World
	source      *sim.Adapter
	destination *sim.Adapter
	aggregator  *fakeAggregator
	worker      *Worker
}

func newFixture() *fixture {
	orders := memory.NewOrderRepo()
	queue := memory.NewQueue()
	locks := memory.NewLockService()
	world := sim.NewWorld()
	source := sim.NewAdapter(domain.ChainIDBase, world)
	destination := sim.NewAdapter(domain.ChainIDGnosis, world)
	aggregator := &fakeAggregator{}
	worker := New(orders, queue, locks,
		map[domain.ChainID]chain.Adapter{
			domain.ChainIDBase:   source,
			domain.ChainIDGnosis: destination,
		},
		aggregator, 0.005, time.Minute)
	return &fixture{
		orders:      orders,
		queue:       queue,
		locks:       locks,
		world:       world,
		source:      source,
		destination: destination,
		aggregator:  aggregator,
		worker:      worker,
	}
}

func deployedOrder(id string) *domain.Order {
	return &domain.Order{
		OrderID:            id,
		SourceChainID:      domain.ChainIDBase,
		DestinationChainID: domain.ChainIDGnosis,
		RecipientAddress:   "0xAAA0000000000000000000000000000000000001",
		DepositAddress:     "0xBBB0000000000000000000000000000000000002",
		SourceToken:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		DestinationToken:   "0xcB444e90D8198415266c6a2724b7900fb12FC56E",
		Status:             domain.OrderStatusDeployed,
	}
}

func (f *fixture) enqueue(t *testing.T, ctx context.Context, order *domain.Order) {
	t.Helper()
	if err := f.orders.Upsert(ctx, order); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := f.queue.Push(ctx, domain.StageSettle, &domain.QueueItem{OrderID: order.OrderID}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestProcessNext_FastPathCompletesOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order := deployedOrder("0xabc")
	deposit := big.NewInt(1_000_000)
	f.world.SetBalance(order.SourceChainID, order.SourceToken, order.DepositAddress, deposit)
	f.enqueue(t, ctx, order)

	// Sim settles instantly, so the post-settlement read already sees the
	// credited recipient.
	if !f.worker.ProcessNext(ctx) {
		t.Fatal("expected an item to be processed")
	}

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected status Completed, got %s", got.Status)
	}
	if got.InitialDestinationBalance.Sign() != 0 {
		t.Errorf("expected zero baseline, got %s", got.InitialDestinationBalance)
	}
	if got.BalanceIncrease.Cmp(deposit) != 0 {
		t.Errorf("expected balance increase %s, got %s", deposit, got.BalanceIncrease)
	}
	if got.SettledAt == nil || got.CompletedAt == nil {
		t.Error("expected settledAt and completedAt to be set")
	}
	if got.SettleOption != "lifi" {
		t.Errorf("expected settle option from quote, got %q", got.SettleOption)
	}

	// Fast path never touches the verify queue.
	if queued, _ := f.queue.Lengths(domain.StageVerify); queued != 0 {
		t.Errorf("expected empty verify queue, got %d", queued)
	}
	if f.locks.Held(pipeline.ProcessingLockKey("0xabc")) {
		t.Error("expected processing lock to be released")
	}
}

func TestProcessNext_DelayedBridgeGoesToVerifyQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.SettleDelay = time.Hour // credit never lands within the test

	order := deployedOrder("0xabc")
	f.world.SetBalance(order.SourceChainID, order.SourceToken, order.DepositAddress, big.NewInt(500))
	f.enqueue(t, ctx, order)

	f.worker.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusSettled {
		t.Fatalf("expected status Settled, got %s", got.Status)
	}
	if got.SettleURL == "" {
		t.Error("expected settle explorer URL to be recorded")
	}
	if queued, _ := f.queue.Lengths(domain.StageVerify); queued != 1 {
		t.Errorf("expected 1 item in verify queue, got %d", queued)
	}
}

func TestProcessNext_EmptyDepositFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.enqueue(t, ctx, deployedOrder("0xabc"))

	f.worker.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusSettlementFailed {
		t.Errorf("expected status SettlementFailed, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", got.RetryCount)
	}
	if f.aggregator.calls != 0 {
		t.Error("expected no quote request for an empty deposit")
	}
}

func TestProcessNext_QuoteErrorFailsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.aggregator.err = errors.New("aggregator unavailable")

	order := deployedOrder("0xabc")
	f.world.SetBalance(order.SourceChainID, order.SourceToken, order.DepositAddress, big.NewInt(500))
	f.enqueue(t, ctx, order)

	f.worker.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusSettlementFailed {
		t.Errorf("expected status SettlementFailed, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected lastError to be recorded")
	}

	// Funds stay at the deposit address for the next attempt.
	balance := f.world.Balance(order.SourceChainID, order.SourceToken, order.DepositAddress)
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("expected deposit untouched after quote failure, got %s", balance)
	}
}

func TestProcessNext_DropsStaleItemForRegisteredOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order := deployedOrder("0xabc")
	order.Status = domain.OrderStatusRegistered
	f.enqueue(t, ctx, order)

	f.worker.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusRegistered {
		t.Errorf("expected undeployed order untouched, got %s", got.Status)
	}
	if f.aggregator.calls != 0 {
		t.Error("expected no quote request for ineligible order")
	}
}

func TestProcessNext_LockContentionLeavesItemForRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order := deployedOrder("0xabc")
	deposit := big.NewInt(1_000_000)
	f.world.SetBalance(order.SourceChainID, order.SourceToken, order.DepositAddress, deposit)
	f.enqueue(t, ctx, order)

	// The deploy worker still holds the order lock mid-handoff.
	token, _ := f.locks.Acquire(ctx, pipeline.ProcessingLockKey("0xabc"), time.Minute)
	if token == "" {
		t.Fatal("test setup: could not pre-acquire lock")
	}

	f.worker.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusDeployed {
		t.Errorf("expected order untouched under contention, got %s", got.Status)
	}

	// The item must stay in processing: dropping it here would leave a
	// deployed order with an empty settle queue and no re-enqueue path.
	if _, processing := f.queue.Lengths(domain.StageSettle); processing != 1 {
		t.Errorf("expected contended item left in processing, got %d", processing)
	}

	// Holder releases, recovery re-queues, settlement proceeds.
	f.locks.Release(ctx, pipeline.ProcessingLockKey("0xabc"), token)
	time.Sleep(10 * time.Millisecond)
	if _, err := f.queue.RecoverHanging(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("RecoverHanging failed: %v", err)
	}

	if !f.worker.ProcessNext(ctx) {
		t.Fatal("expected the recovered item to be processed")
	}
	got, _ = f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusCompleted {
		t.Errorf("expected recovered order to settle through, got %s", got.Status)
	}
}

func TestProcessNext_RePushesVerifyHandoffForSettledOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// A settle item recovered after the order already reached Settled
	// means the verify handoff may have been lost with it.
	order := deployedOrder("0xabc")
	order.Status = domain.OrderStatusSettled
	order.InitialDestinationBalance = big.NewInt(0)
	f.enqueue(t, ctx, order)

	f.worker.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusSettled {
		t.Errorf("expected settled order untouched, got %s", got.Status)
	}
	if f.aggregator.calls != 0 {
		t.Error("expected no second settlement attempt")
	}
	if queued, _ := f.queue.Lengths(domain.StageVerify); queued != 1 {
		t.Errorf("expected verify handoff re-pushed, got %d queued", queued)
	}
	if _, processing := f.queue.Lengths(domain.StageSettle); processing != 0 {
		t.Errorf("expected settle item completed, got %d in processing", processing)
	}
}

func TestProcessNext_AbandonsRecycledItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order := deployedOrder("0xabc")
	f.world.SetBalance(order.SourceChainID, order.SourceToken, order.DepositAddress, big.NewInt(500))
	if err := f.orders.Upsert(ctx, order); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := f.queue.Push(ctx, domain.StageSettle, &domain.QueueItem{
		OrderID:    "0xabc",
		RetryCount: domain.MaxRetryCount + 1,
	}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	f.worker.ProcessNext(ctx)

	got, _ := f.orders.GetByID(ctx, "0xabc")
	if got.Status != domain.OrderStatusSettlementFailed {
		t.Errorf("expected recycled item to fail the order, got %s", got.Status)
	}
	if f.aggregator.calls != 0 {
		t.Error("expected no settlement attempt for recycled item")
	}
}
