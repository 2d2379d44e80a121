package escrow

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/usdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_Clean(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")
	_, err := f.svc.Release(context.Background(), e.ID, f.owner)
	require.NoError(t, err)

	res, err := f.svc.Reconcile(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, ReconcileClean, res.Outcome)
	assert.Empty(t, res.Divergences)
	assert.Equal(t, StatusReleased, res.Escrow.Status)
}

func TestReconcile_UnknownEscrowIsClean(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Reconcile(context.Background(), DeriveID("nobody", "nothing"))
	require.NoError(t, err)
	assert.Equal(t, ReconcileClean, res.Outcome)
	assert.Nil(t, res.Escrow)
}

func TestReconcile_DetectsDivergence(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	forged := &Escrow{
		ID:           DeriveID("intent_x", "agent_x"),
		IntentID:     "intent_x",
		AgentID:      "agent_x",
		OwnerAddr:    f.owner.Address(),
		AgentAddr:    f.agent.Address(),
		Amount:       "5.000000",
		Status:       StatusDeposited,
		DepositTxRef: chain.RefOf([]byte("never submitted")).String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.store.Create(context.Background(), forged))

	res, err := f.svc.Reconcile(context.Background(), forged.ID)
	require.NoError(t, err)
	assert.Equal(t, ReconcileDiverged, res.Outcome)
	require.Len(t, res.Divergences, 1)
	assert.Contains(t, res.Divergences[0], "not found on ledger")
}

func TestReconcileTx_UnjournaledDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := DeriveID(testIntent, testAgent)

	// The process died after submission but before anything was journaled.
	amount, err := usdc.ParsePositive("7")
	require.NoError(t, err)
	payload, err := f.owner.Sign(ctx, chain.Instruction{
		Op:       chain.OpInitialize,
		EscrowID: id,
		IntentID: testIntent,
		AgentID:  testAgent,
		Payee:    f.agent.Address(),
		Amount:   amount,
	})
	require.NoError(t, err)
	ref, err := f.ledger.SubmitTransaction(ctx, payload)
	require.NoError(t, err)

	res, err := f.svc.ReconcileTx(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, res.Outcome)
	assert.Equal(t, StatusDeposited, res.Escrow.Status)
	assert.Equal(t, "7.000000", res.Escrow.Amount)
	assert.Equal(t, f.owner.Address(), res.Escrow.OwnerAddr)
	assert.Equal(t, ref.String(), res.Escrow.DepositTxRef)

	// Replaying the same tx is a no-op.
	res, err = f.svc.ReconcileTx(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, res.Outcome)

	list, err := f.svc.ListByIntent(ctx, testIntent)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReconcileTx_UnknownRef(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReconcileTx(context.Background(), chain.RefOf([]byte("ghost")))
	assert.ErrorIs(t, err, chain.ErrTxNotFound)
}

// minedNode is an RPC node that knows a fixed set of mined transactions.
type minedNode struct {
	txs  map[common.Hash]*types.Transaction
	head uint64
}

func (n *minedNode) SendTransaction(context.Context, *types.Transaction) error {
	return ethereum.NotFound
}

func (n *minedNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if _, ok := n.txs[hash]; !ok {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1), TxHash: hash}, nil
}

func (n *minedNode) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := n.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (n *minedNode) BlockNumber(context.Context) (uint64, error)                     { return n.head, nil }
func (n *minedNode) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (n *minedNode) SuggestGasPrice(context.Context) (*big.Int, error)             { return big.NewInt(1), nil }
func (n *minedNode) Close()                                                        {}

func TestReconcileTx_ForeignTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.deposit(t, "10")

	// The agent sends well-formed release calldata to a contract other than
	// the escrow program. It succeeds there and moves no escrowed funds.
	data, err := chain.EncodeInstruction(chain.Instruction{Op: chain.OpRelease, EscrowID: e.ID, Payee: e.AgentAddr})
	require.NoError(t, err)
	key, err := crypto.HexToECDSA(agentKey)
	require.NoError(t, err)
	elsewhere := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		To:       &elsewhere,
		Gas:      250000,
		GasPrice: big.NewInt(1_000_000_000),
		Data:     data,
	}), types.LatestSignerForChainID(big.NewInt(testChainID)), key)
	require.NoError(t, err)

	node := &minedNode{txs: map[common.Hash]*types.Transaction{tx.Hash(): tx}, head: 10}
	evm, err := chain.NewEVMClient(chain.EVMConfig{
		ChainID:       testChainID,
		Program:       testProgram,
		Confirmations: 1,
	}, chain.WithEthClient(node))
	require.NoError(t, err)
	f.svc.ledger = evm

	_, err = f.svc.ReconcileTx(ctx, chain.TxRef(tx.Hash().Hex()))
	assert.ErrorIs(t, err, chain.ErrUnknownOp)

	stored, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeposited, stored.Status)
	assert.Empty(t, stored.ReleaseTxRef)
	_, err = f.store.GetOperationByTxRef(ctx, tx.Hash().Hex())
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestReconcileTx_Reverted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.deposit(t, "10")

	// A stranger's release is rejected by the program.
	payload, err := f.stranger.Sign(ctx, chain.Instruction{Op: chain.OpRelease, EscrowID: e.ID, Payee: e.AgentAddr})
	require.NoError(t, err)
	ref, err := f.ledger.SubmitTransaction(ctx, payload)
	require.NoError(t, err)

	res, err := f.svc.ReconcileTx(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ReconcileFailed, res.Outcome)

	stored, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeposited, stored.Status)
}

func TestReconcileStale_NeverLanded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.deposit(t, "10")

	op := f.svc.newOperation(OpRelease, e.ID, f.owner.Address(), "", chain.Instruction{Op: chain.OpRelease, EscrowID: e.ID, Payee: e.AgentAddr})
	require.NoError(t, f.store.BeginOperation(ctx, op))
	require.NoError(t, f.store.MarkSubmitted(ctx, op.ID, chain.RefOf([]byte("lost in transit")).String()))

	// Fresh: the ledger may still see it.
	results, err := f.svc.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	f.advance(time.Hour)
	results, err = f.svc.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ReconcileFailed, results[0].Outcome)

	stored, err := f.store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpFailed, stored.State)
	assert.Equal(t, errNeverLanded.Error(), stored.Error)

	// The escrow is usable again.
	_, err = f.svc.Release(ctx, e.ID, f.owner)
	require.NoError(t, err)
}

func TestReconcileStale_AbandonedBeforeSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.deposit(t, "10")

	op := f.svc.newOperation(OpRefund, e.ID, f.agent.Address(), "", chain.Instruction{Op: chain.OpRefund, EscrowID: e.ID, Payee: e.OwnerAddr})
	require.NoError(t, f.store.BeginOperation(ctx, op))

	res, err := f.svc.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ReconcilePending, res.Outcome)

	f.advance(time.Hour)
	res, err = f.svc.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ReconcileFailed, res.Outcome)

	_, err = f.store.InFlightOperation(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNoOperation)
}

func TestReconcileStale_LedgerStillPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.deposit(t, "10")
	f.svc.WithConfig(Config{ConfirmTimeout: 10 * time.Millisecond, StaleAfter: time.Minute})
	f.ledger.HoldFinality(true)

	_, err := f.svc.Release(ctx, e.ID, f.owner)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	ref := TxRefOf(err)

	f.advance(time.Hour)
	results, err := f.svc.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ReconcilePending, results[0].Outcome)

	require.NoError(t, f.ledger.Finalize(ref))
	results, err = f.svc.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ReconcileApplied, results[0].Outcome)
	assert.Equal(t, StatusReleased, results[0].Escrow.Status)
}
