package domain

import "time"

// Registration is a watched recipient entry populated by the registration
// API. The balance detector scans each registered deposit address on every
// supported source chain until the recipient's order completes.
type Registration struct {
	RecipientAddress string    `db:"recipient_address"`
	DepositAddress   string    `db:"deposit_address"`
	DestinationToken string    `db:"destination_token"`
	DestinationChain ChainID   `db:"destination_chain_id"`
	CreatedAt        time.Time `db:"created_at"`
}
