// Package chain is the boundary between the settlement service and the
// on-chain escrow program.
//
// The service only ever talks to the ledger through three calls: submit a
// signed payload, wait for finality, and look a transaction up again later.
// Private keys never cross this boundary; a Signer is handed in by the caller
// for every operation.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrTxNotFound       = errors.New("chain: transaction not found")
	ErrReverted         = errors.New("chain: transaction reverted")
	ErrInvalidPayload   = errors.New("chain: invalid signed payload")
	ErrUnknownOp        = errors.New("chain: unknown escrow instruction")
	ErrInvalidEscrowKey = errors.New("chain: invalid escrow id")
	ErrCircuitOpen      = errors.New("chain: ledger circuit open")
)

// TxRef identifies a submitted ledger transaction (a 0x-prefixed hash on EVM chains).
type TxRef string

func (r TxRef) String() string { return string(r) }

// RefOf computes the reference a raw signed transaction will have once
// submitted. For both legacy and typed EVM transactions the hash is keccak256
// of the binary encoding, so the reference is known before the network sees it.
func RefOf(raw []byte) TxRef {
	return TxRef(crypto.Keccak256Hash(raw).Hex())
}

// Op names an escrow program entrypoint.
type Op string

const (
	OpInitialize Op = "initialize"
	OpRelease    Op = "release"
	OpRefund     Op = "refund"
	OpDispute    Op = "dispute"
	OpResolve    Op = "resolve"
)

// Instruction is a single call into the escrow program.
type Instruction struct {
	Op              Op       `json:"op"`
	EscrowID        string   `json:"escrowId"`
	IntentID        string   `json:"intentId,omitempty"`
	AgentID         string   `json:"agentId,omitempty"`
	Payee           string   `json:"payee,omitempty"` // recipient for initialize/release/refund
	Amount          *big.Int `json:"amount,omitempty"`
	AgentPercentage uint8    `json:"agentPercentage,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// SignedPayload is a transaction ready for submission.
type SignedPayload struct {
	Raw         []byte
	From        string
	Instruction Instruction
}

// Confirmation is the outcome of waiting for a transaction.
// Finalized with a non-nil Err means the ledger settled the transaction as failed.
type Confirmation struct {
	Finalized   bool
	BlockNumber uint64
	Err         error
}

// TxStatus is the ledger-side state of a transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSucceeded TxStatus = "succeeded"
	TxFailed    TxStatus = "failed"
)

// TxRecord is the historical record of a transaction as the ledger reports it.
type TxRecord struct {
	Ref         TxRef        `json:"ref"`
	From        string       `json:"from"`
	Status      TxStatus     `json:"status"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
	Instruction *Instruction `json:"instruction,omitempty"`
}

// Client submits and tracks escrow program transactions.
type Client interface {
	SubmitTransaction(ctx context.Context, payload SignedPayload) (TxRef, error)
	// ConfirmTransaction blocks until the transaction is final or ctx ends.
	ConfirmTransaction(ctx context.Context, ref TxRef) (Confirmation, error)
	// GetTransaction returns ErrTxNotFound for transactions the ledger never saw.
	GetTransaction(ctx context.Context, ref TxRef) (*TxRecord, error)
}

// Signer is the caller-supplied signing capability.
type Signer interface {
	Address() string
	Sign(ctx context.Context, in Instruction) (SignedPayload, error)
}

// TxParams supplies what a signer needs to build a transaction for the
// program without holding a connection of its own.
type TxParams interface {
	ChainID() *big.Int
	Program() common.Address
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

const escrowIDPrefix = "esc_"

// EscrowKey converts an escrow id ("esc_" + 64 hex chars) to the program's bytes32 key.
func EscrowKey(id string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(id, escrowIDPrefix))
	if err != nil || len(raw) != 32 || !strings.HasPrefix(id, escrowIDPrefix) {
		return key, fmt.Errorf("%w: %q", ErrInvalidEscrowKey, id)
	}
	copy(key[:], raw)
	return key, nil
}

// EscrowIDFromKey is the inverse of EscrowKey.
func EscrowIDFromKey(key [32]byte) string {
	return escrowIDPrefix + hex.EncodeToString(key[:])
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
