package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HTTPClient implements Aggregator against a quote-aggregation service.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient creates an aggregator client.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// wire types: amounts travel as decimal strings, calldata as 0x-hex.
type quoteRequest struct {
	FromChain   uint64  `json:"fromChain"`
	ToChain     uint64  `json:"toChain"`
	FromToken   string  `json:"fromToken"`
	ToToken     string  `json:"toToken"`
	FromAmount  string  `json:"fromAmount"`
	FromAddress string  `json:"fromAddress"`
	ToAddress   string  `json:"toAddress"`
	Slippage    float64 `json:"slippage"`
}

type quoteResponse struct {
	Service              string `json:"service"`
	To                   string `json:"to"`
	Value                string `json:"value"`
	Data                 string `json:"data"`
	ExpectedReturnAmount string `json:"expectedReturnAmount"`
	EstimatedGas         uint64 `json:"estimatedGas"`
	ExecutionTime        int    `json:"executionTime"`
	ApprovalAddress      string `json:"approvalAddress"`
	IsApprovedRequired   bool   `json:"isApprovedRequired"`
}

// GetBestQuote requests the best route for a transfer.
func (c *HTTPClient) GetBestQuote(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(quoteRequest{
		FromChain:   uint64(req.FromChain),
		ToChain:     uint64(req.ToChain),
		FromToken:   req.FromToken,
		ToToken:     req.ToToken,
		FromAmount:  req.FromAmount.String(),
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		Slippage:    req.Slippage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quote request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/quote", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build quote request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("quote request returned %d: %s", resp.StatusCode, msg)
	}

	var wire quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}

	return wire.toResponse()
}

func (w *quoteResponse) toResponse() (*Response, error) {
	value := big.NewInt(0)
	if w.Value != "" {
		v, ok := new(big.Int).SetString(w.Value, 10)
		if !ok {
			return nil, fmt.Errorf("invalid quote value %q", w.Value)
		}
		value = v
	}

	expected := big.NewInt(0)
	if w.ExpectedReturnAmount != "" {
		v, ok := new(big.Int).SetString(w.ExpectedReturnAmount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid expected return amount %q", w.ExpectedReturnAmount)
		}
		expected = v
	}

	return &Response{
		Service:              w.Service,
		To:                   w.To,
		Value:                value,
		Data:                 common.FromHex(w.Data),
		ExpectedReturnAmount: expected,
		EstimatedGas:         w.EstimatedGas,
		ExecutionTimeSec:     w.ExecutionTime,
		ApprovalAddress:      w.ApprovalAddress,
		IsApprovalRequired:   w.IsApprovedRequired,
	}, nil
}
