package addresses

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// FactoryAddress is the deterministic deployment proxy deployed at the same
// address on all EVM chains.
// See: https://github.com/Arachnid/deterministic-deployment-proxy
var FactoryAddress = common.HexToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C")

// SafeSingletonAddress is the canonical Safe singleton the per-order safe
// clone delegates to.
var SafeSingletonAddress = common.HexToAddress("0x41675C099F32341bf84BFc5382aF534df5C7461a")

// DeploymentAddresses are the deterministic per-order contract addresses.
type DeploymentAddresses struct {
	LogicAddress string
	ProxyAddress string
	SafeAddress  string
}

// DeploymentParams identify the contract set for a recipient.
type DeploymentParams struct {
	RecipientAddress   string
	DestinationToken   string
	DestinationChainID domain.ChainID
}

// ComputeDeploymentAddresses computes the CREATE2 addresses of the logic,
// proxy, and safe contracts for a recipient. Pure and side-effect free:
// the same parameters always yield the same addresses, on-chain deployment
// merely materializes them. The proxy is an EIP-1167 clone of the logic
// contract, the safe an EIP-1167 clone of the Safe singleton, so their init
// codes (and therefore addresses) derive from the same salt.
//
// CREATE2 formula: address = keccak256(0xff ++ factory ++ salt ++ keccak256(initCode))[12:]
func ComputeDeploymentAddresses(p DeploymentParams) (DeploymentAddresses, error) {
	if !common.IsHexAddress(p.RecipientAddress) {
		return DeploymentAddresses{}, fmt.Errorf("invalid recipient address: %q", p.RecipientAddress)
	}
	if !common.IsHexAddress(p.DestinationToken) {
		return DeploymentAddresses{}, fmt.Errorf("invalid destination token: %q", p.DestinationToken)
	}
	if p.DestinationChainID == 0 {
		return DeploymentAddresses{}, fmt.Errorf("destination chain ID must be nonzero")
	}

	salt := GenerateSalt(p)
	logic := create2(salt, LogicInitCode())
	proxy := create2(salt, CloneInitCode(logic))
	safe := create2(salt, CloneInitCode(SafeSingletonAddress))

	return DeploymentAddresses{
		LogicAddress: logic.Hex(),
		ProxyAddress: proxy.Hex(),
		SafeAddress:  safe.Hex(),
	}, nil
}

// GenerateSalt derives the deterministic CREATE2 salt for a recipient's
// contract set: keccak256(recipient ++ destinationToken ++ ":" ++ chainID).
func GenerateSalt(p DeploymentParams) [32]byte {
	input := fmt.Sprintf("%s%s:%d",
		common.HexToAddress(p.RecipientAddress).Hex(),
		common.HexToAddress(p.DestinationToken).Hex(),
		p.DestinationChainID)

	var salt [32]byte
	copy(salt[:], crypto.Keccak256([]byte(input)))
	return salt
}

func create2(salt [32]byte, initCode []byte) common.Address {
	initCodeHash := crypto.Keccak256Hash(initCode)

	data := make([]byte, 1+20+32+32)
	data[0] = 0xff
	copy(data[1:21], FactoryAddress.Bytes())
	copy(data[21:53], salt[:])
	copy(data[53:85], initCodeHash.Bytes())

	hash := crypto.Keccak256(data)
	return common.BytesToAddress(hash[12:])
}
