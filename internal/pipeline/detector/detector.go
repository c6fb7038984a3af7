// Package detector implements the balance-detection loop: the only
// component that originates orders. Every other stage transitions
// existing ones.
package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/udeposit/internal/core/addresses"
	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/chain"
	"github.com/vietddude/udeposit/internal/infra/storage"
	"github.com/vietddude/udeposit/internal/pipeline"
	"github.com/vietddude/udeposit/internal/pipeline/metrics"
)

// Detector polls every registered deposit address for allow-listed token
// balances across the supported source chains and originates orders.
type Detector struct {
	regs     storage.RegistrationRepository
	orders   storage.OrderRepository
	queue    pipeline.Queue
	adapters map[domain.ChainID]chain.Adapter
	tokens   map[domain.ChainID][]string
	interval time.Duration
	log      *slog.Logger
}

// New creates a balance detector. tokens is the per-chain allow-list of
// ERC-20 addresses to scan.
func New(
	regs storage.RegistrationRepository,
	orders storage.OrderRepository,
	queue pipeline.Queue,
	adapters map[domain.ChainID]chain.Adapter,
	tokens map[domain.ChainID][]string,
	interval time.Duration,
) *Detector {
	return &Detector{
		regs:     regs,
		orders:   orders,
		queue:    queue,
		adapters: adapters,
		tokens:   tokens,
		interval: interval,
		log:      slog.Default().With("component", "detector"),
	}
}

// Run starts the polling loop.
func (d *Detector) Run(ctx context.Context) {
	d.log.Info("Balance detector started", "interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Initial poll
	d.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Balance detector stopped")
			return
		case <-ticker.C:
			d.Poll(ctx)
		}
	}
}

// Poll executes one detection cycle.
func (d *Detector) Poll(ctx context.Context) {
	regs, err := d.regs.GetAll(ctx)
	if err != nil {
		d.log.Error("Failed to read registration registry", "error", err)
		return
	}
	if len(regs) == 0 {
		return
	}

	for chainID, adapter := range d.adapters {
		for _, token := range d.tokens[chainID] {
			for _, reg := range regs {
				select {
				case <-ctx.Done():
					return
				default:
				}

				balance, err := adapter.ReadTokenBalance(ctx, token, reg.DepositAddress)
				if err != nil {
					metrics.ChainReadErrors.WithLabelValues(chainID.String()).Inc()
					d.log.Warn("Failed to read deposit balance",
						"chain", chainID, "token", token, "deposit", reg.DepositAddress, "error", err)
					continue
				}
				if balance.Sign() <= 0 {
					continue
				}

				d.handleDeposit(ctx, chainID, token, reg)
			}
		}
	}
}

// handleDeposit applies the rediscovery tie-break rules for a deposit
// observed at a registered address.
func (d *Detector) handleDeposit(ctx context.Context, sourceChain domain.ChainID, sourceToken string, reg *domain.Registration) {
	params := addresses.OrderParams{
		SourceChainID:      sourceChain,
		DestinationChainID: reg.DestinationChain,
		RecipientAddress:   reg.RecipientAddress,
		DepositAddress:     reg.DepositAddress,
		SourceToken:        sourceToken,
		DestinationToken:   reg.DestinationToken,
	}

	orderID, err := addresses.GenerateOrderID(params)
	if err != nil {
		d.log.Error("Invalid registration, skipping", "recipient", reg.RecipientAddress, "error", err)
		return
	}

	log := d.log.With("order", orderID, "chain", sourceChain)

	existing, err := d.orders.GetByID(ctx, orderID)
	if err != nil {
		log.Error("Failed to look up order", "error", err)
		return
	}

	switch {
	case existing == nil:
		d.originate(ctx, orderID, params, log)

	case existing.Status == domain.OrderStatusDeploymentFailed && existing.CanRetry():
		existing.Status = domain.OrderStatusRegistered
		if err := d.orders.Upsert(ctx, existing); err != nil {
			log.Error("Failed to reset failed order", "error", err)
			return
		}
		if err := d.queue.Push(ctx, domain.StageDeploy, &domain.QueueItem{
			OrderID:    orderID,
			RetryCount: existing.RetryCount,
		}); err != nil {
			log.Error("Failed to re-enqueue order for deployment", "error", err)
			return
		}
		log.Info("Re-enqueued failed deployment", "retryCount", existing.RetryCount)

	default:
		// Registered is already queued; anything further along must not
		// be re-enqueued or a duplicate settle could fire.
	}
}

func (d *Detector) originate(ctx context.Context, orderID string, params addresses.OrderParams, log *slog.Logger) {
	adapter := d.adapters[params.SourceChainID]

	// A deposit address that already carries bytecode was deployed in a
	// previous run; skip straight to settlement.
	status := domain.OrderStatusRegistered
	hasCode, err := adapter.HasContractCode(ctx, params.DepositAddress)
	if err != nil {
		metrics.ChainReadErrors.WithLabelValues(params.SourceChainID.String()).Inc()
		log.Warn("Failed to check deposit bytecode, assuming undeployed", "error", err)
	} else if hasCode {
		status = domain.OrderStatusDeployed
	}

	order := &domain.Order{
		OrderID:            orderID,
		SourceChainID:      params.SourceChainID,
		DestinationChainID: params.DestinationChainID,
		RecipientAddress:   params.RecipientAddress,
		DepositAddress:     params.DepositAddress,
		SourceToken:        params.SourceToken,
		DestinationToken:   params.DestinationToken,
		Status:             status,
	}

	if err := d.orders.Upsert(ctx, order); err != nil {
		log.Error("Failed to create order", "error", err)
		return
	}

	stage := domain.StageDeploy
	if status == domain.OrderStatusDeployed {
		stage = domain.StageSettle
	}
	if err := d.queue.Push(ctx, stage, &domain.QueueItem{OrderID: orderID}); err != nil {
		log.Error("Failed to enqueue new order", "stage", stage, "error", err)
		return
	}

	metrics.OrdersOriginated.Inc()
	log.Info("Order originated", "status", status, "stage", stage)
}
