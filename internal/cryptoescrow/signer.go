package cryptoescrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/dog-best/meta-sub000/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("cryptoescrow: invalid private key")
	ErrRPCConnection     = errors.New("cryptoescrow: RPC connection failed")
)

// SubmitError wraps a failed chain submission with the step that failed.
type SubmitError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("cryptoescrow: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("cryptoescrow: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Signer submits owner-only escrow calls. Submit returns the transaction
// hash once the node has accepted the transaction; confirmation arrives
// later through ReportIntent.
type Signer interface {
	Submit(ctx context.Context, method string, orderKey common.Hash) (string, error)
}

// EthClient is the subset of ethclient.Client the signer uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// SignerConfig configures an EthSigner.
type SignerConfig struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
	ChainID    int64
	Escrow     string
	Retry      retry.Policy
}

// SignerOption configures an EthSigner.
type SignerOption func(*EthSigner)

// WithEthClient sets the RPC client (tests).
func WithEthClient(c EthClient) SignerOption {
	return func(s *EthSigner) { s.client = c }
}

// EthSigner signs legacy EIP-155 transactions against the escrow contract.
type EthSigner struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	escrow     common.Address
	retry      retry.Policy
}

var _ Signer = (*EthSigner)(nil)

// NewEthSigner validates cfg and dials the RPC endpoint unless a client
// was supplied.
func NewEthSigner(cfg SignerConfig, opts ...SignerOption) (*EthSigner, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("cryptoescrow: chain id required")
	}
	if !common.IsHexAddress(cfg.Escrow) {
		return nil, fmt.Errorf("cryptoescrow: invalid escrow address %q", cfg.Escrow)
	}

	s := &EthSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		escrow:     common.HexToAddress(cfg.Escrow),
		retry:      cfg.Retry,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		s.client = client
	}
	return s, nil
}

// Address returns the signing account.
func (s *EthSigner) Address() string { return s.address.Hex() }

// Submit builds, signs and sends method(orderKey). Chain reads are
// retried; a failed send resends the same signed bytes.
func (s *EthSigner) Submit(ctx context.Context, method string, orderKey common.Hash) (string, error) {
	data, err := settleCalldata(method, orderKey)
	if err != nil {
		return "", &SubmitError{Op: "pack", Err: err}
	}

	var (
		nonce    uint64
		gasPrice *big.Int
	)
	err = s.retry.Do(ctx, func() error {
		var err error
		if nonce, err = s.client.PendingNonceAt(ctx, s.address); err != nil {
			return err
		}
		gasPrice, err = s.client.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return "", &SubmitError{Op: "prepare", Err: err}
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &s.escrow,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A revert here means the contract refuses the call outright.
		return "", &SubmitError{Op: "estimate", Err: err}
	}

	tx := types.NewTransaction(nonce, s.escrow, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
	if err != nil {
		return "", &SubmitError{Op: "sign", Err: err}
	}
	hash := signed.Hash().Hex()

	err = s.retry.Do(ctx, func() error {
		err := s.client.SendTransaction(ctx, signed)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil
		}
		return err
	})
	if err != nil {
		return "", &SubmitError{Op: "send", TxHash: hash, Err: err}
	}
	return hash, nil
}

// Close releases the RPC client.
func (s *EthSigner) Close() error {
	s.client.Close()
	return nil
}

// DefaultRetry is the signer's default retry policy for RPC calls.
var DefaultRetry = retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
