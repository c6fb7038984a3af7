// Package sim provides an in-memory chain adapter used for local development
// and tests. It is selected per chain via configuration (type: sim) instead
// of branching on a dev-mode flag inside worker logic.
package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/vietddude/udeposit/internal/core/addresses"
	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/chain"
)

// World is the shared simulated state across all sim chains, so a
// settlement on one chain can credit a balance on another.
type World struct {
	mu       sync.Mutex
	balances map[string]*big.Int // chainID:token:holder -> balance
	deployed map[string]bool     // chainID:address -> has code
	txSeq    int
}

// NewWorld creates an empty simulated world.
func NewWorld() *World {
	return &World{
		balances: make(map[string]*big.Int),
		deployed: make(map[string]bool),
	}
}

func balanceKey(chainID domain.ChainID, token, holder string) string {
	return fmt.Sprintf("%d:%s:%s", chainID, normalize(token), normalize(holder))
}

func codeKey(chainID domain.ChainID, address string) string {
	return fmt.Sprintf("%d:%s", chainID, normalize(address))
}

func normalize(addr string) string {
	// Addresses compare case-insensitively.
	b := []byte(addr)
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// SetBalance sets a token balance in the simulated world.
func (w *World) SetBalance(chainID domain.ChainID, token, holder string, amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[balanceKey(chainID, token, holder)] = new(big.Int).Set(amount)
}

// Balance returns a token balance (zero if unset).
func (w *World) Balance(chainID domain.ChainID, token, holder string) *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.balances[balanceKey(chainID, token, holder)]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// Adapter implements chain.Adapter against the simulated world.
type Adapter struct {
	chainID domain.ChainID
	world   *World

	// SettleDelay delays the destination credit to exercise the
	// verification path; zero credits immediately (fast path).
	SettleDelay time.Duration
}

// NewAdapter creates a sim adapter for one chain.
func NewAdapter(chainID domain.ChainID, world *World) *Adapter {
	return &Adapter{chainID: chainID, world: world}
}

func (a *Adapter) ChainID() domain.ChainID {
	return a.chainID
}

func (a *Adapter) ReadTokenBalance(ctx context.Context, token, holder string) (*big.Int, error) {
	return a.world.Balance(a.chainID, token, holder), nil
}

func (a *Adapter) HasContractCode(ctx context.Context, address string) (bool, error) {
	a.world.mu.Lock()
	defer a.world.mu.Unlock()
	return a.world.deployed[codeKey(a.chainID, address)], nil
}

func (a *Adapter) DeployOrderContracts(ctx context.Context, order *domain.Order) (*domain.DeploymentDetails, error) {
	computed, err := addresses.ComputeDeploymentAddresses(addresses.DeploymentParams{
		RecipientAddress:   order.RecipientAddress,
		DestinationToken:   order.DestinationToken,
		DestinationChainID: order.DestinationChainID,
	})
	if err != nil {
		return nil, err
	}

	a.world.mu.Lock()
	defer a.world.mu.Unlock()
	for _, addr := range []string{computed.LogicAddress, computed.ProxyAddress, computed.SafeAddress} {
		a.world.deployed[codeKey(a.chainID, addr)] = true
	}
	// Deposit address carries the proxy bytecode once deployed.
	a.world.deployed[codeKey(a.chainID, order.DepositAddress)] = true

	return &domain.DeploymentDetails{
		LogicAddress: computed.LogicAddress,
		ProxyAddress: computed.ProxyAddress,
		SafeAddress:  computed.SafeAddress,
	}, nil
}

func (a *Adapter) ExecuteSettlement(ctx context.Context, order *domain.Order, route *chain.SettlementRoute) (*chain.SettlementResult, error) {
	amount := a.world.Balance(a.chainID, order.SourceToken, order.DepositAddress)
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("no funds at deposit address %s", order.DepositAddress)
	}

	a.world.mu.Lock()
	a.world.txSeq++
	txHash := fmt.Sprintf("0xsim%060d", a.world.txSeq)
	delete(a.world.balances, balanceKey(a.chainID, order.SourceToken, order.DepositAddress))
	a.world.mu.Unlock()

	credit := func() {
		a.world.mu.Lock()
		key := balanceKey(order.DestinationChainID, order.DestinationToken, order.RecipientAddress)
		cur, ok := a.world.balances[key]
		if !ok {
			cur = big.NewInt(0)
		}
		a.world.balances[key] = new(big.Int).Add(cur, amount)
		a.world.mu.Unlock()
	}

	if a.SettleDelay > 0 {
		time.AfterFunc(a.SettleDelay, credit)
	} else {
		credit()
	}

	return &chain.SettlementResult{
		TxHash:      txHash,
		ExplorerURL: "https://sim.explorer/tx/" + txHash,
	}, nil
}
