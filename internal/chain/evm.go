package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// DefaultConfirmations is how many blocks deep a receipt must be before it counts as final.
	DefaultConfirmations = uint64(3)

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second
)

// EthClient is the subset of ethclient.Client the EVM ledger needs.
type EthClient interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Close()
}

// EVMConfig configures an EVM-backed ledger client.
type EVMConfig struct {
	RPCURL        string
	ChainID       int64
	Program       string // escrow program contract address
	Confirmations uint64
	PollInterval  time.Duration
}

// EVMOption configures the EVM client.
type EVMOption func(*EVMClient)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(client EthClient) EVMOption {
	return func(c *EVMClient) {
		c.eth = client
	}
}

// EVMClient talks to the escrow program on an EVM chain.
type EVMClient struct {
	eth           EthClient
	chainID       *big.Int
	program       common.Address
	signer        types.Signer
	confirmations uint64
	pollInterval  time.Duration
}

var (
	_ Client   = (*EVMClient)(nil)
	_ TxParams = (*EVMClient)(nil)
)

// NewEVMClient dials the RPC endpoint unless a client is supplied via options.
func NewEVMClient(cfg EVMConfig, opts ...EVMOption) (*EVMClient, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("chain: chain ID required")
	}
	if !common.IsHexAddress(cfg.Program) {
		return nil, fmt.Errorf("chain: invalid escrow program address %q", cfg.Program)
	}

	chainID := big.NewInt(cfg.ChainID)
	c := &EVMClient{
		chainID:       chainID,
		program:       common.HexToAddress(cfg.Program),
		signer:        types.LatestSignerForChainID(chainID),
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
	}
	if c.confirmations == 0 {
		c.confirmations = DefaultConfirmations
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("chain: RPC URL required")
		}
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
		}
		c.eth = eth
	}
	return c, nil
}

func (c *EVMClient) ChainID() *big.Int       { return new(big.Int).Set(c.chainID) }
func (c *EVMClient) Program() common.Address { return c.program }

func (c *EVMClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

func (c *EVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// SubmitTransaction broadcasts a signed raw transaction addressed to the program.
func (c *EVMClient) SubmitTransaction(ctx context.Context, payload SignedPayload) (TxRef, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(payload.Raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if tx.To() == nil || *tx.To() != c.program {
		return "", fmt.Errorf("%w: not addressed to escrow program", ErrInvalidPayload)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("chain: send %s: %w", tx.Hash().Hex(), err)
	}
	return TxRef(tx.Hash().Hex()), nil
}

// ConfirmTransaction polls for a receipt until it is Confirmations blocks deep.
func (c *EVMClient) ConfirmTransaction(ctx context.Context, ref TxRef) (Confirmation, error) {
	hash := common.HexToHash(string(ref))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		conf, done := c.checkFinality(ctx, hash)
		if done {
			return conf, nil
		}

		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkFinality reports done=false while the receipt is missing or too shallow.
// RPC errors are treated as "not yet"; the caller's deadline bounds the wait.
func (c *EVMClient) checkFinality(ctx context.Context, hash common.Hash) (Confirmation, bool) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil || receipt == nil || receipt.BlockNumber == nil {
		return Confirmation{}, false
	}
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return Confirmation{}, false
	}
	block := receipt.BlockNumber.Uint64()
	if head < block || head-block+1 < c.confirmations {
		return Confirmation{}, false
	}

	conf := Confirmation{Finalized: true, BlockNumber: block}
	if receipt.Status == types.ReceiptStatusFailed {
		conf.Err = ErrReverted
	}
	return conf, true
}

// GetTransaction looks a transaction up and decodes its escrow instruction.
// Calldata sent anywhere but the program is not an escrow instruction, even
// when it decodes as one; such records carry a nil Instruction.
func (c *EVMClient) GetTransaction(ctx context.Context, ref TxRef) (*TxRecord, error) {
	hash := common.HexToHash(string(ref))

	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chain: get %s: %w", ref, err)
	}

	rec := &TxRecord{Ref: ref, Status: TxPending}
	if from, err := types.Sender(c.signer, tx); err == nil {
		rec.From = from.Hex()
	}
	if to := tx.To(); to != nil && *to == c.program {
		if in, err := DecodeInstruction(tx.Data()); err == nil {
			rec.Instruction = in
		}
	}
	if pending {
		return rec, nil
	}

	conf, done := c.checkFinality(ctx, hash)
	if !done {
		return rec, nil
	}
	rec.BlockNumber = conf.BlockNumber
	rec.Status = TxSucceeded
	if conf.Err != nil {
		rec.Status = TxFailed
	}
	return rec, nil
}

// BlockNumber returns the head of the chain; used as a liveness probe.
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// Close releases the RPC connection.
func (c *EVMClient) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}
