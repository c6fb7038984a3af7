package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sethvargo/go-retry"

	"github.com/vietddude/udeposit/internal/core/addresses"
	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/chain"
)

const (
	deployWaitTimeout = 3 * time.Minute
	settleWaitTimeout = 5 * time.Minute
)

// Adapter implements chain.Adapter against a live EVM chain.
type Adapter struct {
	client      *Client
	chainID     domain.ChainID
	explorerURL string
	log         *slog.Logger
}

// NewAdapter creates an EVM adapter.
func NewAdapter(chainID domain.ChainID, rpcURL, explorerURL, operatorKey string) (*Adapter, error) {
	client, err := NewClient(chainID, rpcURL, operatorKey)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client:      client,
		chainID:     chainID,
		explorerURL: explorerURL,
		log:         slog.Default().With("component", "evm", "chain", chainID.String()),
	}, nil
}

// Close closes the RPC connection.
func (a *Adapter) Close() {
	a.client.Close()
}

func (a *Adapter) ChainID() domain.ChainID {
	return a.chainID
}

// ReadTokenBalance reads an ERC-20 balance, retrying transient RPC failures
// with capped exponential backoff.
func (a *Adapter) ReadTokenBalance(ctx context.Context, token, holder string) (*big.Int, error) {
	var balance *big.Int

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		b, err := a.client.TokenBalance(ctx, common.HexToAddress(token), common.HexToAddress(holder))
		if err != nil {
			return retry.RetryableError(err)
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read balance of %s: %w", holder, err)
	}
	return balance, nil
}

func (a *Adapter) HasContractCode(ctx context.Context, address string) (bool, error) {
	return a.client.CodeAt(ctx, common.HexToAddress(address))
}

// DeployOrderContracts deploys the logic, proxy, and safe contracts through
// the deterministic deployment factory. Contracts already present at their
// CREATE2 addresses are skipped, so duplicate deploy calls are safe no-ops.
func (a *Adapter) DeployOrderContracts(ctx context.Context, order *domain.Order) (*domain.DeploymentDetails, error) {
	params := addresses.DeploymentParams{
		RecipientAddress:   order.RecipientAddress,
		DestinationToken:   order.DestinationToken,
		DestinationChainID: order.DestinationChainID,
	}
	computed, err := addresses.ComputeDeploymentAddresses(params)
	if err != nil {
		return nil, err
	}

	salt := addresses.GenerateSalt(params)
	logicAddr := common.HexToAddress(computed.LogicAddress)

	deployments := []struct {
		name     string
		address  string
		initCode []byte
	}{
		{"logic", computed.LogicAddress, addresses.LogicInitCode()},
		{"proxy", computed.ProxyAddress, addresses.CloneInitCode(logicAddr)},
		{"safe", computed.SafeAddress, addresses.CloneInitCode(addresses.SafeSingletonAddress)},
	}

	for _, d := range deployments {
		deployed, err := a.HasContractCode(ctx, d.address)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s bytecode: %w", d.name, err)
		}
		if deployed {
			a.log.Debug("Contract already deployed, skipping", "contract", d.name, "address", d.address)
			continue
		}

		// Factory payload: 32-byte salt ++ init code
		payload := append(salt[:], d.initCode...)
		txHash, err := a.client.SignAndSendTransaction(ctx, addresses.FactoryAddress, payload, big.NewInt(0))
		if err != nil {
			return nil, fmt.Errorf("failed to deploy %s contract: %w", d.name, err)
		}

		if _, err := a.client.WaitForTransaction(ctx, txHash, deployWaitTimeout); err != nil {
			return nil, fmt.Errorf("%s deployment not mined: %w", d.name, err)
		}

		a.log.Info("Contract deployed", "contract", d.name, "address", d.address, "tx", txHash.Hex())
	}

	return &domain.DeploymentDetails{
		LogicAddress: computed.LogicAddress,
		ProxyAddress: computed.ProxyAddress,
		SafeAddress:  computed.SafeAddress,
	}, nil
}

// ExecuteSettlement submits the bridge transaction the quote aggregator
// returned, approving the spender first when the route requires it.
func (a *Adapter) ExecuteSettlement(ctx context.Context, order *domain.Order, route *chain.SettlementRoute) (*chain.SettlementResult, error) {
	if route.ApprovalRequired && route.ApprovalAddress != "" {
		if err := a.approve(ctx, order.SourceToken, route.ApprovalAddress, route.Amount); err != nil {
			return nil, err
		}
	}

	value := route.Value
	if value == nil {
		value = big.NewInt(0)
	}

	txHash, err := a.client.SignAndSendTransaction(ctx, common.HexToAddress(route.To), route.Data, value)
	if err != nil {
		return nil, fmt.Errorf("failed to submit settlement: %w", err)
	}

	if _, err := a.client.WaitForTransaction(ctx, txHash, settleWaitTimeout); err != nil {
		return nil, fmt.Errorf("settlement not mined: %w", err)
	}

	return &chain.SettlementResult{
		TxHash:      txHash.Hex(),
		ExplorerURL: fmt.Sprintf("%s/tx/%s", a.explorerURL, txHash.Hex()),
	}, nil
}

func (a *Adapter) approve(ctx context.Context, token, spender string, amount *big.Int) error {
	// ERC20 approve(address,uint256) selector: 0x095ea7b3
	data := append(
		common.Hex2Bytes("095ea7b3"),
		common.LeftPadBytes(common.HexToAddress(spender).Bytes(), 32)...,
	)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	txHash, err := a.client.SignAndSendTransaction(ctx, common.HexToAddress(token), data, big.NewInt(0))
	if err != nil {
		return fmt.Errorf("failed to approve %s: %w", spender, err)
	}
	if _, err := a.client.WaitForTransaction(ctx, txHash, settleWaitTimeout); err != nil {
		return fmt.Errorf("approval not mined: %w", err)
	}
	return nil
}
