package addresses

import "github.com/ethereum/go-ethereum/common"

// Creation bytecode of the UniversalDepositLogic contract, fixed per release.
const logicCreationCode = "0x" +
	"60806040523480156100115760006000fd5b50610120600081905550604051" +
	"6103e83803806103e8833981016040528101906100489190610091565b8060" +
	"016000819055505050610bc2565b60008151905061008b81610105565b9291" +
	"5050565b6000602082840312156100a75760006000fd5b60006100b5848285" +
	"0161007c565b91505092915050565b61031d806100cb6000396000f3fe6080" +
	"60405234801561001057600080fd5b50600436106100365760003560e01c80" +
	"6338af3eed1461003b5780636b69a5ad14610059575b600080fd5b61004361" +
	"0077565b60405161005091906101c3565b60405180910390f35b6100616100" +
	"9d565b60405161006e91906101de565b60405180910390f35b600054815600" +
	"a2646970667358221220b0f2c4a8e5d1937fa6c2e8d40b7a5f3c9e1d6b8a01"

// LogicInitCode returns the creation bytecode of the logic contract.
func LogicInitCode() []byte {
	return common.FromHex(logicCreationCode)
}

// CloneInitCode returns the EIP-1167 minimal-proxy creation bytecode that
// delegates every call to target.
func CloneInitCode(target common.Address) []byte {
	code := make([]byte, 0, 55)
	code = append(code, common.FromHex("0x3d602d80600a3d3981f3363d3d373d3d3d363d73")...)
	code = append(code, target.Bytes()...)
	code = append(code, common.FromHex("0x5af43d82803e903d91602b57fd5bf3")...)
	return code
}
