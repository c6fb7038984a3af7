package domain

import "fmt"

// ChainID is the numeric EVM chain identifier.
type ChainID uint64

type ChainName string

const (
	// Chain IDs
	ChainIDEthereum ChainID = 1
	ChainIDGnosis   ChainID = 100
	ChainIDBase     ChainID = 8453

	// Chain Names (Internal Codes)
	ChainNameEthereum ChainName = "ETHEREUM_MAINNET"
	ChainNameGnosis   ChainName = "GNOSIS_MAINNET"
	ChainNameBase     ChainName = "BASE_MAINNET"
)

// ChainIDToName maps ChainID to its human-readable InternalCode/Name.
var ChainIDToName = map[ChainID]ChainName{
	ChainIDEthereum: ChainNameEthereum,
	ChainIDGnosis:   ChainNameGnosis,
	ChainIDBase:     ChainNameBase,
}

func (c ChainID) String() string {
	return fmt.Sprintf("%d", uint64(c))
}
