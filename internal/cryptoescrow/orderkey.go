package cryptoescrow

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OrderKey is the escrow contract's identifier for an order:
// keccak256 of the order id's UTF-8 bytes.
func OrderKey(orderID string) common.Hash {
	return crypto.Keccak256Hash([]byte(orderID))
}
