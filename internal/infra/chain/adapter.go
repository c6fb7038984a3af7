package chain

import (
	"context"
	"math/big"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// Adapter is the chain-level execution boundary between the pipeline
// workers and chain-specific logic. The real implementation talks EVM
// JSON-RPC; the sim implementation backs tests and local development.
type Adapter interface {
	// ChainID returns the chain identifier this adapter serves.
	ChainID() domain.ChainID

	// ReadTokenBalance returns the ERC-20 balance of holder, in token
	// base units.
	ReadTokenBalance(ctx context.Context, token, holder string) (*big.Int, error)

	// HasContractCode reports whether bytecode is present at address.
	HasContractCode(ctx context.Context, address string) (bool, error)

	// DeployOrderContracts deploys the per-order contract set. Deployment
	// is CREATE2-based and idempotent: if the contracts already exist at
	// their deterministic addresses the call is a no-op success.
	DeployOrderContracts(ctx context.Context, order *domain.Order) (*domain.DeploymentDetails, error)

	// ExecuteSettlement submits the bridge transaction for the order
	// along the given route.
	ExecuteSettlement(ctx context.Context, order *domain.Order, route *SettlementRoute) (*SettlementResult, error)
}

// SettlementRoute is the executable transaction a quote aggregator returned
// for bridging an order's funds.
type SettlementRoute struct {
	Service          string   // which bridge was chosen
	To               string   // target contract
	Value            *big.Int // native value to attach
	Data             []byte   // calldata
	ApprovalAddress  string   // spender to approve, if required
	ApprovalRequired bool
	Amount           *big.Int // source amount being bridged
}

// SettlementResult reports a submitted settlement transaction.
type SettlementResult struct {
	TxHash      string
	ExplorerURL string
}
