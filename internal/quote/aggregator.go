// Package quote defines the bridge-quote aggregation boundary. The workers
// only consume the Aggregator interface; the HTTP client in this package is
// the production implementation.
package quote

import (
	"context"
	"math/big"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// Request describes the transfer a quote is needed for. The HTTP client
// owns the wire encoding; these types never touch JSON.
type Request struct {
	FromChain   domain.ChainID
	ToChain     domain.ChainID
	FromToken   string
	ToToken     string
	FromAmount  *big.Int
	FromAddress string
	ToAddress   string
	Slippage    float64
}

// Response is the best route the aggregator found.
type Response struct {
	Service              string
	To                   string
	Value                *big.Int
	Data                 []byte
	ExpectedReturnAmount *big.Int
	EstimatedGas         uint64
	ExecutionTimeSec     int
	ApprovalAddress      string
	IsApprovalRequired   bool
}

// Aggregator returns the best bridge route for a transfer.
type Aggregator interface {
	GetBestQuote(ctx context.Context, req *Request) (*Response, error)
}
