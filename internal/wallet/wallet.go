// Package wallet provides the signer capabilities handed to the escrow
// coordinator. A signer owns (or proves) a key; the coordinator only ever
// sees the signed payload.
package wallet

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/intentpay/internal/chain"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey   = errors.New("wallet: invalid private key")
	ErrInvalidTransaction  = errors.New("wallet: invalid signed transaction")
	ErrInstructionMismatch = errors.New("wallet: signed transaction does not match instruction")
	ErrWrongChain          = errors.New("wallet: signed for a different chain or program")
)

// SignError wraps signing failures with the instruction they were for.
type SignError struct {
	Op       chain.Op
	EscrowID string
	Err      error
}

func (e *SignError) Error() string {
	return fmt.Sprintf("wallet: sign %s for %s: %v", e.Op, e.EscrowID, e.Err)
}

func (e *SignError) Unwrap() error { return e.Err }

// DefaultGasLimit covers every escrow program entrypoint.
const DefaultGasLimit = uint64(250000)

// -----------------------------------------------------------------------------
// KeySigner - signs with a locally held key (CLI, operators, tests)
// -----------------------------------------------------------------------------

// KeySigner signs escrow instructions with an ECDSA key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	params  chain.TxParams
}

var _ chain.Signer = (*KeySigner)(nil)

// NewKeySigner parses a hex private key (with or without 0x).
func NewKeySigner(privateKeyHex string, params chain.TxParams) (*KeySigner, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if len(raw) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return NewKeySignerFromKey(key, params), nil
}

// NewKeySignerFromKey wraps an already parsed key.
func NewKeySignerFromKey(key *ecdsa.PrivateKey, params chain.TxParams) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		params:  params,
	}
}

// Address returns the signer's checksummed address.
func (s *KeySigner) Address() string {
	return s.address.Hex()
}

// Sign builds, prices and signs a program call for the instruction.
func (s *KeySigner) Sign(ctx context.Context, in chain.Instruction) (chain.SignedPayload, error) {
	data, err := chain.EncodeInstruction(in)
	if err != nil {
		return chain.SignedPayload{}, &SignError{Op: in.Op, EscrowID: in.EscrowID, Err: err}
	}

	nonce, err := s.params.PendingNonceAt(ctx, s.address)
	if err != nil {
		return chain.SignedPayload{}, &SignError{Op: in.Op, EscrowID: in.EscrowID, Err: fmt.Errorf("nonce: %w", err)}
	}
	gasPrice, err := s.params.SuggestGasPrice(ctx)
	if err != nil {
		return chain.SignedPayload{}, &SignError{Op: in.Op, EscrowID: in.EscrowID, Err: fmt.Errorf("gas price: %w", err)}
	}

	program := s.params.Program()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &program,
		Value:    big.NewInt(0),
		Gas:      DefaultGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.params.ChainID()), s.key)
	if err != nil {
		return chain.SignedPayload{}, &SignError{Op: in.Op, EscrowID: in.EscrowID, Err: err}
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return chain.SignedPayload{}, &SignError{Op: in.Op, EscrowID: in.EscrowID, Err: err}
	}

	return chain.SignedPayload{Raw: raw, From: s.address.Hex(), Instruction: in}, nil
}

// -----------------------------------------------------------------------------
// PresignedSigner - a transaction signed by the client's own wallet
// -----------------------------------------------------------------------------

// PresignedSigner carries a raw transaction the caller signed elsewhere
// (typically a browser wallet). Sign succeeds only if the transaction encodes
// exactly the instruction the coordinator asks for.
type PresignedSigner struct {
	raw  []byte
	tx   *types.Transaction
	from common.Address
}

var _ chain.Signer = (*PresignedSigner)(nil)

// NewPresignedSigner decodes a hex raw transaction and recovers its sender.
// The transaction must target program and be EIP-155 signed for chainID.
func NewPresignedSigner(rawHex string, chainID *big.Int, program common.Address) (*PresignedSigner, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(rawHex), "0x"))
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidTransaction)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if tx.To() == nil || *tx.To() != program {
		return nil, ErrWrongChain
	}
	if !tx.Protected() {
		return nil, fmt.Errorf("%w: not replay protected", ErrInvalidTransaction)
	}
	if tx.ChainId().Cmp(chainID) != 0 {
		return nil, ErrWrongChain
	}

	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: recover sender: %v", ErrInvalidTransaction, err)
	}
	return &PresignedSigner{raw: raw, tx: tx, from: from}, nil
}

// Address returns the recovered sender.
func (s *PresignedSigner) Address() string {
	return s.from.Hex()
}

// Sign hands back the presigned transaction if its calldata matches in.
func (s *PresignedSigner) Sign(_ context.Context, in chain.Instruction) (chain.SignedPayload, error) {
	want, err := chain.EncodeInstruction(in)
	if err != nil {
		return chain.SignedPayload{}, &SignError{Op: in.Op, EscrowID: in.EscrowID, Err: err}
	}
	if !bytes.Equal(want, s.tx.Data()) {
		return chain.SignedPayload{}, &SignError{Op: in.Op, EscrowID: in.EscrowID, Err: ErrInstructionMismatch}
	}
	return chain.SignedPayload{Raw: s.raw, From: s.from.Hex(), Instruction: in}, nil
}
