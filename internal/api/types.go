package api

import (
	"math/big"
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
)

type registrationRequest struct {
	RecipientAddress   string `json:"recipientAddress"`
	DestinationToken   string `json:"destinationToken"`
	DestinationChainID uint64 `json:"destinationChainId"`
}

type registrationResponse struct {
	RecipientAddress   string `json:"recipientAddress"`
	DepositAddress     string `json:"depositAddress"`
	DestinationToken   string `json:"destinationToken"`
	DestinationChainID uint64 `json:"destinationChainId"`
}

// orderResponse is the wire projection of an order. Balances are decimal
// strings to keep token base units exact.
type orderResponse struct {
	OrderID            string `json:"orderId"`
	SourceChainID      uint64 `json:"sourceChainId"`
	DestinationChainID uint64 `json:"destinationChainId"`
	RecipientAddress   string `json:"recipientAddress"`
	DepositAddress     string `json:"depositAddress"`
	SourceToken        string `json:"sourceToken"`
	DestinationToken   string `json:"destinationToken"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	DeployedAt            *time.Time `json:"deployedAt,omitempty"`
	SettledAt             *time.Time `json:"settledAt,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	VerificationStartedAt *time.Time `json:"verificationStartedAt,omitempty"`
	VerificationEndedAt   *time.Time `json:"verificationEndedAt,omitempty"`

	DeploymentDetails *domain.DeploymentDetails `json:"deploymentDetails,omitempty"`

	SettleURL    string `json:"settleUrl,omitempty"`
	SettleOption string `json:"settleOption,omitempty"`

	InitialDestinationBalance string `json:"initialDestinationBalance,omitempty"`
	FinalDestinationBalance   string `json:"finalDestinationBalance,omitempty"`
	BalanceIncrease           string `json:"balanceIncrease,omitempty"`

	LastError  string `json:"lastError,omitempty"`
	RetryCount int    `json:"retryCount"`
}

func toOrderResponse(o *domain.Order) *orderResponse {
	return &orderResponse{
		OrderID:                   o.OrderID,
		SourceChainID:             uint64(o.SourceChainID),
		DestinationChainID:        uint64(o.DestinationChainID),
		RecipientAddress:          o.RecipientAddress,
		DepositAddress:            o.DepositAddress,
		SourceToken:               o.SourceToken,
		DestinationToken:          o.DestinationToken,
		Status:                    string(o.Status),
		CreatedAt:                 o.CreatedAt,
		UpdatedAt:                 o.UpdatedAt,
		DeployedAt:                o.DeployedAt,
		SettledAt:                 o.SettledAt,
		CompletedAt:               o.CompletedAt,
		VerificationStartedAt:     o.VerificationStartedAt,
		VerificationEndedAt:       o.VerificationEndedAt,
		DeploymentDetails:         o.DeploymentDetails,
		SettleURL:                 o.SettleURL,
		SettleOption:              o.SettleOption,
		InitialDestinationBalance: bigString(o.InitialDestinationBalance),
		FinalDestinationBalance:   bigString(o.FinalDestinationBalance),
		BalanceIncrease:           bigString(o.BalanceIncrease),
		LastError:                 o.LastError,
		RetryCount:                o.RetryCount,
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
