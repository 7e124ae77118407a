package cryptoescrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20 approve only; the escrow contract pulls the buyer total itself.
const erc20ABI = `[
	{"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// Marketplace escrow contract. deposit pulls amount plus the contract's
// fee from the buyer; refund and release are owner-only.
const escrowABI = `[
	{"inputs":[{"name":"orderKey","type":"bytes32"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"}],"name":"deposit","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"orderKey","type":"bytes32"}],"name":"refund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"orderKey","type":"bytes32"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// Method signatures as the client wallet displays them.
const (
	ApproveSignature = "approve(address,uint256)"
	DepositSignature = "deposit(bytes32,address,uint256)"
)

var (
	erc20Contract  = mustParseABI(erc20ABI)
	escrowContract = mustParseABI(escrowABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("cryptoescrow: parse abi: %v", err))
	}
	return parsed
}

func approveCalldata(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20Contract.Pack("approve", spender, amount)
}

func depositCalldata(key common.Hash, seller common.Address, amount *big.Int) ([]byte, error) {
	return escrowContract.Pack("deposit", [32]byte(key), seller, amount)
}

// settleCalldata packs refund(orderKey) or release(orderKey).
func settleCalldata(method string, key common.Hash) ([]byte, error) {
	return escrowContract.Pack(method, [32]byte(key))
}
