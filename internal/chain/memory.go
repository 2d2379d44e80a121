package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Program-side escrow states tracked by the simulated ledger.
const (
	programDeposited = "deposited"
	programReleased  = "released"
	programRefunded  = "refunded"
	programDisputed  = "disputed"
	programResolved  = "resolved"
)

// MemoryLedger is an in-process stand-in for the escrow program, used in
// development mode and tests. It accepts real signed EVM transactions,
// enforces the program's transition rules, and by default finalizes every
// transaction on submission.
type MemoryLedger struct {
	mu        sync.Mutex
	chainID   *big.Int
	program   common.Address
	signer    types.Signer
	nonces    map[common.Address]uint64
	txs       map[TxRef]*memoryTx
	escrows   map[string]*programEscrow
	height    uint64
	hold      bool
	submitErr error
}

type memoryTx struct {
	record TxRecord
	from   common.Address
	final  chan struct{}
}

type programEscrow struct {
	depositor common.Address
	payee     common.Address
	state     string
}

var (
	_ Client   = (*MemoryLedger)(nil)
	_ TxParams = (*MemoryLedger)(nil)
)

// NewMemoryLedger creates a simulated ledger for the given chain and program address.
func NewMemoryLedger(chainID int64, program string) *MemoryLedger {
	id := big.NewInt(chainID)
	return &MemoryLedger{
		chainID: id,
		program: common.HexToAddress(program),
		signer:  types.LatestSignerForChainID(id),
		nonces:  make(map[common.Address]uint64),
		txs:     make(map[TxRef]*memoryTx),
		escrows: make(map[string]*programEscrow),
	}
}

// HoldFinality keeps newly submitted transactions pending until Finalize is called.
func (m *MemoryLedger) HoldFinality(hold bool) {
	m.mu.Lock()
	m.hold = hold
	m.mu.Unlock()
}

// FailSubmissions makes every SubmitTransaction return err (nil restores normal behaviour).
func (m *MemoryLedger) FailSubmissions(err error) {
	m.mu.Lock()
	m.submitErr = err
	m.mu.Unlock()
}

func (m *MemoryLedger) ChainID() *big.Int       { return new(big.Int).Set(m.chainID) }
func (m *MemoryLedger) Program() common.Address { return m.program }

func (m *MemoryLedger) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[account], nil
}

func (m *MemoryLedger) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *MemoryLedger) SubmitTransaction(_ context.Context, payload SignedPayload) (TxRef, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(payload.Raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if tx.To() == nil || *tx.To() != m.program {
		return "", fmt.Errorf("%w: not addressed to escrow program", ErrInvalidPayload)
	}
	from, err := types.Sender(m.signer, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	in, err := DecodeInstruction(tx.Data())
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitErr != nil {
		return "", m.submitErr
	}
	if tx.Nonce() != m.nonces[from] {
		return "", fmt.Errorf("chain: nonce %d for %s, expected %d", tx.Nonce(), from.Hex(), m.nonces[from])
	}
	ref := TxRef(tx.Hash().Hex())
	if _, exists := m.txs[ref]; exists {
		return "", fmt.Errorf("chain: transaction %s already known", ref)
	}
	m.nonces[from]++

	m.txs[ref] = &memoryTx{
		record: TxRecord{Ref: ref, From: from.Hex(), Status: TxPending, Instruction: in},
		from:   from,
		final:  make(chan struct{}),
	}
	if !m.hold {
		m.finalizeLocked(ref)
	}
	return ref, nil
}

// Finalize settles a held transaction, applying the program rules.
func (m *MemoryLedger) Finalize(ref TxRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.txs[ref]
	if !ok {
		return ErrTxNotFound
	}
	if mt.record.Status != TxPending {
		return nil
	}
	m.finalizeLocked(ref)
	return nil
}

func (m *MemoryLedger) finalizeLocked(ref TxRef) {
	mt := m.txs[ref]
	m.height++
	mt.record.BlockNumber = m.height
	if m.applyLocked(mt.from, mt.record.Instruction) {
		mt.record.Status = TxSucceeded
	} else {
		mt.record.Status = TxFailed
	}
	close(mt.final)
}

// applyLocked mirrors the escrow program: it reports whether the call succeeds
// and mutates program state when it does.
func (m *MemoryLedger) applyLocked(from common.Address, in *Instruction) bool {
	esc := m.escrows[in.EscrowID]

	switch in.Op {
	case OpInitialize:
		if esc != nil || in.Amount == nil || in.Amount.Sign() <= 0 {
			return false
		}
		m.escrows[in.EscrowID] = &programEscrow{
			depositor: from,
			payee:     common.HexToAddress(in.Payee),
			state:     programDeposited,
		}
		return true
	case OpRelease:
		if esc == nil || esc.state != programDeposited || from != esc.depositor ||
			common.HexToAddress(in.Payee) != esc.payee {
			return false
		}
		esc.state = programReleased
		return true
	case OpRefund:
		if esc == nil || esc.state != programDeposited || from != esc.payee ||
			common.HexToAddress(in.Payee) != esc.depositor {
			return false
		}
		esc.state = programRefunded
		return true
	case OpDispute:
		if esc == nil || esc.state != programDeposited || (from != esc.depositor && from != esc.payee) {
			return false
		}
		esc.state = programDisputed
		return true
	case OpResolve:
		if esc == nil || esc.state != programDisputed || from == esc.depositor || from == esc.payee ||
			in.AgentPercentage > 100 {
			return false
		}
		esc.state = programResolved
		return true
	}
	return false
}

func (m *MemoryLedger) ConfirmTransaction(ctx context.Context, ref TxRef) (Confirmation, error) {
	m.mu.Lock()
	mt, ok := m.txs[ref]
	m.mu.Unlock()
	if !ok {
		return Confirmation{}, ErrTxNotFound
	}

	select {
	case <-ctx.Done():
		return Confirmation{}, ctx.Err()
	case <-mt.final:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	conf := Confirmation{Finalized: true, BlockNumber: mt.record.BlockNumber}
	if mt.record.Status == TxFailed {
		conf.Err = ErrReverted
	}
	return conf, nil
}

func (m *MemoryLedger) GetTransaction(_ context.Context, ref TxRef) (*TxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.txs[ref]
	if !ok {
		return nil, ErrTxNotFound
	}
	rec := mt.record
	if rec.Instruction != nil {
		in := *rec.Instruction
		rec.Instruction = &in
	}
	return &rec, nil
}

// ProgramState reports the simulated program's view of an escrow ("" if unknown).
func (m *MemoryLedger) ProgramState(escrowID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if esc, ok := m.escrows[escrowID]; ok {
		return esc.state
	}
	return ""
}
