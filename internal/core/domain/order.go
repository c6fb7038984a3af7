package domain

import (
	"math/big"
	"time"
)

// OrderStatus represents the lifecycle stage of an order.
type OrderStatus string

const (
	OrderStatusRegistered          OrderStatus = "REGISTERED"
	OrderStatusDeployed            OrderStatus = "DEPLOYED"
	OrderStatusDeploymentFailed    OrderStatus = "DEPLOYMENT_FAILED"
	OrderStatusSettling            OrderStatus = "SETTLING"
	OrderStatusSettled             OrderStatus = "SETTLED"
	OrderStatusSettlementFailed    OrderStatus = "SETTLEMENT_FAILED"
	OrderStatusVerifying           OrderStatus = "VERIFYING"
	OrderStatusCompleted           OrderStatus = "COMPLETED"
	OrderStatusVerificationFailed  OrderStatus = "VERIFICATION_FAILED"
	OrderStatusVerificationTimeout OrderStatus = "VERIFICATION_TIMEOUT"
)

// MaxRetryCount caps automatic retries for failed stages.
const MaxRetryCount = 3

// DeploymentDetails holds the addresses of the per-order contracts.
// Set once by the deploy worker, immutable thereafter.
type DeploymentDetails struct {
	LogicAddress string `db:"logic_address"  json:"logicAddress"`
	ProxyAddress string `db:"proxy_address"  json:"proxyAddress"`
	SafeAddress  string `db:"safe_address"   json:"safeAddress"`
}

// Order is one cross-chain deposit-to-settlement unit of work.
// OrderID is a deterministic hash of the routing parameters and is the
// idempotency key for the whole pipeline.
type Order struct {
	OrderID            string  `db:"order_id"`
	SourceChainID      ChainID `db:"source_chain_id"`
	DestinationChainID ChainID `db:"destination_chain_id"`
	RecipientAddress   string  `db:"recipient_address"`
	DepositAddress     string  `db:"deposit_address"`
	SourceToken        string  `db:"source_token"`
	DestinationToken   string  `db:"destination_token"`

	Status    OrderStatus `db:"status"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`

	DeployedAt            *time.Time `db:"deployed_at"`
	SettledAt             *time.Time `db:"settled_at"`
	CompletedAt           *time.Time `db:"completed_at"`
	VerificationStartedAt *time.Time `db:"verification_started_at"`
	VerificationEndedAt   *time.Time `db:"verification_ended_at"`

	DeploymentDetails *DeploymentDetails

	SettleURL    string `db:"settle_url"`
	SettleOption string `db:"settle_option"`

	// Balances are token base units, exact integers.
	InitialDestinationBalance *big.Int
	FinalDestinationBalance   *big.Int
	BalanceIncrease           *big.Int

	LastError  string `db:"last_error"`
	RetryCount int    `db:"retry_count"`
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusVerificationTimeout
}

// CanRetry reports whether a failed order may be re-attempted.
func (o *Order) CanRetry() bool {
	return o.RetryCount < MaxRetryCount
}
