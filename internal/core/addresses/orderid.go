package addresses

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// OrderParams are the routing parameters that identify an order.
type OrderParams struct {
	SourceChainID      domain.ChainID
	DestinationChainID domain.ChainID
	RecipientAddress   string
	DepositAddress     string
	SourceToken        string
	DestinationToken   string
}

// Validate checks that every address field parses as an EVM address.
func (p OrderParams) Validate() error {
	for name, addr := range map[string]string{
		"recipientAddress": p.RecipientAddress,
		"depositAddress":   p.DepositAddress,
		"sourceToken":      p.SourceToken,
		"destinationToken": p.DestinationToken,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid %s: %q", name, addr)
		}
	}
	if p.SourceChainID == 0 || p.DestinationChainID == 0 {
		return fmt.Errorf("chain IDs must be nonzero")
	}
	return nil
}

// GenerateOrderID returns the deterministic order identifier for the given
// routing parameters: keccak256 over the positional fixed-width encoding
// (uint64 chain IDs big-endian, then the four 20-byte addresses), rendered
// as 0x-prefixed hex. Address case does not affect the result.
func GenerateOrderID(p OrderParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	buf := make([]byte, 0, 8+8+20*4)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.SourceChainID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.DestinationChainID))
	buf = append(buf, common.HexToAddress(p.RecipientAddress).Bytes()...)
	buf = append(buf, common.HexToAddress(p.DepositAddress).Bytes()...)
	buf = append(buf, common.HexToAddress(p.SourceToken).Bytes()...)
	buf = append(buf, common.HexToAddress(p.DestinationToken).Bytes()...)

	return "0x" + common.Bytes2Hex(crypto.Keccak256(buf)), nil
}
