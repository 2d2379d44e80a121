package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChainID = 31337
	testProgram = "0x00000000000000000000000000000000000E5c40"

	// Well-known development keys; never fund these anywhere real.
	ownerKey    = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	agentKey    = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	arbiterKey  = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
	strangerKey = "7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6"

	testIntent = "intent_42"
	testAgent  = "agent_7"
)

// fakeAssignments resolves (intent, agent) pairs from a fixed table.
type fakeAssignments struct {
	mu    sync.Mutex
	pairs map[string][2]string
	err   error
}

func (f *fakeAssignments) assign(intentID, agentID, owner, agent string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs[pairKey(intentID, agentID)] = [2]string{owner, agent}
}

func (f *fakeAssignments) ResolveAssignment(_ context.Context, intentID, agentID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", "", f.err
	}
	p, ok := f.pairs[pairKey(intentID, agentID)]
	if !ok {
		return "", "", ErrNotAssigned
	}
	return p[0], p[1], nil
}

// recordingEvents captures emitted events.
type recordingEvents struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (r *recordingEvents) EmitEscrowEvent(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.data = append(r.data, data)
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fixture struct {
	svc         *Service
	store       *MemoryStore
	ledger      *chain.MemoryLedger
	assignments *fakeAssignments
	events      *recordingEvents

	owner, agent, arbiter, stranger *wallet.KeySigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore builds a coordinator over a fresh MemoryStore, optionally
// wrapped (for fault injection).
func newFixtureWithStore(t *testing.T, wrap func(*MemoryStore) Store) *fixture {
	t.Helper()

	f := &fixture{
		store:       NewMemoryStore(),
		ledger:      chain.NewMemoryLedger(testChainID, testProgram),
		assignments: &fakeAssignments{pairs: make(map[string][2]string)},
		events:      &recordingEvents{},
	}
	f.owner = mustSigner(t, ownerKey, f.ledger)
	f.agent = mustSigner(t, agentKey, f.ledger)
	f.arbiter = mustSigner(t, arbiterKey, f.ledger)
	f.stranger = mustSigner(t, strangerKey, f.ledger)
	f.assignments.assign(testIntent, testAgent, f.owner.Address(), f.agent.Address())

	var store Store = f.store
	if wrap != nil {
		store = wrap(f.store)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(store, f.ledger, f.assignments, logger).
		WithArbiters(NewStaticArbiters(f.arbiter.Address())).
		WithEvents(f.events).
		WithConfig(Config{ConfirmTimeout: 5 * time.Second, PersistAttempts: 2, PersistBackoff: time.Millisecond})
	return f
}

func mustSigner(t *testing.T, key string, ledger *chain.MemoryLedger) *wallet.KeySigner {
	t.Helper()
	s, err := wallet.NewKeySigner(key, ledger)
	require.NoError(t, err)
	return s
}

// deposit funds the default pair and fails the test on error.
func (f *fixture) deposit(t *testing.T, amount string) *Escrow {
	t.Helper()
	e, err := f.svc.Deposit(context.Background(), testIntent, testAgent, amount, f.owner)
	require.NoError(t, err)
	return e
}

// advance moves the service clock forward so in-flight operations look stale.
func (f *fixture) advance(d time.Duration) {
	f.svc.now = func() time.Time { return time.Now().UTC().Add(d) }
}

func (f *fixture) nonce(t *testing.T, s *wallet.KeySigner) uint64 {
	t.Helper()
	n, err := f.ledger.PendingNonceAt(context.Background(), common.HexToAddress(s.Address()))
	require.NoError(t, err)
	return n
}

// waitSubmitted blocks until the escrow's in-flight operation has reached the ledger.
func (f *fixture) waitSubmitted(t *testing.T, escrowID string) chain.TxRef {
	t.Helper()
	var ref chain.TxRef
	require.Eventually(t, func() bool {
		op, err := f.store.InFlightOperation(context.Background(), escrowID)
		if err != nil || op.TxRef == "" {
			return false
		}
		if _, err := f.ledger.GetTransaction(context.Background(), chain.TxRef(op.TxRef)); err != nil {
			return false
		}
		ref = chain.TxRef(op.TxRef)
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return ref
}

// faultyStore fails selected writes after the ledger has confirmed.
type faultyStore struct {
	*MemoryStore
	mu            sync.Mutex
	transitionErr error
	createErr     error
	disputeErr    error
}

func (s *faultyStore) setTransitionErr(err error) {
	s.mu.Lock()
	s.transitionErr = err
	s.mu.Unlock()
}

func (s *faultyStore) Transition(ctx context.Context, t Transition) (*Escrow, error) {
	s.mu.Lock()
	err := s.transitionErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Transition(ctx, t)
}

func (s *faultyStore) Create(ctx context.Context, e *Escrow) error {
	s.mu.Lock()
	err := s.createErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Create(ctx, e)
}

func (s *faultyStore) OpenDispute(ctx context.Context, t Transition, d *Dispute) (*Escrow, *Dispute, error) {
	s.mu.Lock()
	err := s.disputeErr
	s.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return s.MemoryStore.OpenDispute(ctx, t, d)
}

// revertingLedger finalizes every transaction as reverted.
type revertingLedger struct {
	*chain.MemoryLedger
}

func (l revertingLedger) ConfirmTransaction(ctx context.Context, ref chain.TxRef) (chain.Confirmation, error) {
	if _, err := l.MemoryLedger.ConfirmTransaction(ctx, ref); err != nil {
		return chain.Confirmation{}, err
	}
	return chain.Confirmation{Finalized: true, Err: chain.ErrReverted}, nil
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Deposit(ctx, testIntent, testAgent, "100", f.owner)
	require.NoError(t, err)

	assert.Equal(t, DeriveID(testIntent, testAgent), e.ID)
	assert.Equal(t, StatusDeposited, e.Status)
	assert.Equal(t, "100.000000", e.Amount)
	assert.Equal(t, f.owner.Address(), e.OwnerAddr)
	assert.Equal(t, f.agent.Address(), e.AgentAddr)
	assert.NotEmpty(t, e.DepositTxRef)
	assert.Empty(t, e.ReleaseTxRef)
	assert.Empty(t, e.RefundTxRef)

	rec, err := f.ledger.GetTransaction(ctx, chain.TxRef(e.DepositTxRef))
	require.NoError(t, err)
	assert.Equal(t, chain.TxSucceeded, rec.Status)
	assert.Equal(t, "deposited", f.ledger.ProgramState(e.ID))

	stored, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.DepositTxRef, stored.DepositTxRef)

	op, err := f.store.GetOperationByTxRef(ctx, e.DepositTxRef)
	require.NoError(t, err)
	assert.Equal(t, OpApplied, op.State)

	_, err = f.svc.InFlight(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNoOperation)
	assert.Equal(t, []string{EventDeposited}, f.events.types())
}

func TestDeposit_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		intent  string
		agent   string
		amount  string
		signer  func(*fixture) chain.Signer
		wantErr error
	}{
		{"zero amount", testIntent, testAgent, "0", func(f *fixture) chain.Signer { return f.owner }, ErrInvalidAmount},
		{"negative amount", testIntent, testAgent, "-5", func(f *fixture) chain.Signer { return f.owner }, ErrInvalidAmount},
		{"garbage amount", testIntent, testAgent, "ten", func(f *fixture) chain.Signer { return f.owner }, ErrInvalidAmount},
		{"below smallest unit", testIntent, testAgent, "0.0000001", func(f *fixture) chain.Signer { return f.owner }, ErrInvalidAmount},
		{"unassigned agent", testIntent, "agent_unknown", "10", func(f *fixture) chain.Signer { return f.owner }, ErrNotAssigned},
		{"signed by agent", testIntent, testAgent, "10", func(f *fixture) chain.Signer { return f.agent }, ErrUnauthorized},
		{"signed by stranger", testIntent, testAgent, "10", func(f *fixture) chain.Signer { return f.stranger }, ErrUnauthorized},
		{"no signer", testIntent, testAgent, "10", func(*fixture) chain.Signer { return nil }, ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Deposit(context.Background(), tt.intent, tt.agent, tt.amount, tt.signer(f))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPreconditionViolation)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, TxRefOf(err))

			assert.Equal(t, uint64(0), f.nonce(t, f.owner), "ledger must not be called")
			_, err = f.store.Get(context.Background(), DeriveID(tt.intent, tt.agent))
			assert.ErrorIs(t, err, ErrEscrowNotFound)
		})
	}
}

func TestDeposit_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "10")

	_, err := f.svc.Deposit(context.Background(), testIntent, testAgent, "10", f.owner)
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.ErrorIs(t, err, ErrDuplicateEscrow)
	assert.Equal(t, uint64(1), f.nonce(t, f.owner))
}

func TestDeposit_ConcurrentSamePair(t *testing.T) {
	f := newFixture(t)
	const n = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		errs      []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Deposit(context.Background(), testIntent, testAgent, "25", f.owner)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrPreconditionViolation)
		assert.ErrorIs(t, err, ErrDuplicateEscrow)
	}

	list, err := f.svc.ListByIntent(context.Background(), testIntent)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, uint64(1), f.nonce(t, f.owner))
}

func TestDeposit_SubmissionFailure(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailSubmissions(errors.New("rpc unavailable"))

	_, err := f.svc.Deposit(context.Background(), testIntent, testAgent, "10", f.owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerSubmission)

	id := DeriveID(testIntent, testAgent)
	_, err = f.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	_, err = f.store.InFlightOperation(context.Background(), id)
	assert.ErrorIs(t, err, ErrNoOperation, "failed submission must release the escrow")

	// A fresh attempt goes through once the ledger recovers.
	f.ledger.FailSubmissions(nil)
	e := f.deposit(t, "10")
	assert.Equal(t, StatusDeposited, e.Status)
}

func TestDeposit_MirrorWriteFailure(t *testing.T) {
	var fs *faultyStore
	f := newFixtureWithStore(t, func(m *MemoryStore) Store {
		fs = &faultyStore{MemoryStore: m, createErr: errors.New("connection reset")}
		return fs
	})

	_, err := f.svc.Deposit(context.Background(), testIntent, testAgent, "10", f.owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconciliationRequired)
	ref := TxRefOf(err)
	require.NotEmpty(t, ref)

	id := DeriveID(testIntent, testAgent)
	assert.Equal(t, "deposited", f.ledger.ProgramState(id), "ledger is ahead of the mirror")
	_, err = f.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	fs.mu.Lock()
	fs.createErr = nil
	fs.mu.Unlock()

	res, err := f.svc.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, res.Outcome)
	assert.Equal(t, ref.String(), res.Escrow.DepositTxRef)
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "100")

	released, err := f.svc.Release(context.Background(), e.ID, f.owner)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.NotEmpty(t, released.ReleaseTxRef)
	assert.Empty(t, released.RefundTxRef)
	assert.Equal(t, "100.000000", released.AgentPayout)
	assert.Equal(t, "0.000000", released.OwnerPayout)
	assert.Equal(t, "released", f.ledger.ProgramState(e.ID))
	assert.Equal(t, []string{EventDeposited, EventReleased}, f.events.types())
}

func TestRelease_Preconditions(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "100")

	_, err := f.svc.Release(context.Background(), e.ID, f.agent)
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Release(context.Background(), e.ID, f.stranger)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Release(context.Background(), DeriveID("other", "pair"), f.owner)
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	assert.Equal(t, uint64(0), f.nonce(t, f.agent))
	assert.Equal(t, uint64(0), f.nonce(t, f.stranger))
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "40.5")

	refunded, err := f.svc.Refund(context.Background(), e.ID, f.agent)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.NotEmpty(t, refunded.RefundTxRef)
	assert.Empty(t, refunded.ReleaseTxRef)
	assert.Equal(t, "0.000000", refunded.AgentPayout)
	assert.Equal(t, "40.500000", refunded.OwnerPayout)
	assert.Equal(t, "refunded", f.ledger.ProgramState(e.ID))
}

func TestRefund_OwnerCannotRefund(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")

	_, err := f.svc.Refund(context.Background(), e.ID, f.owner)
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefundAfterRelease(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")
	_, err := f.svc.Release(context.Background(), e.ID, f.owner)
	require.NoError(t, err)
	agentNonce := f.nonce(t, f.agent)

	_, err = f.svc.Refund(context.Background(), e.ID, f.agent)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, agentNonce, f.nonce(t, f.agent), "ledger must not be called")

	stored, err := f.svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, stored.Status)
	assert.Empty(t, stored.RefundTxRef)
}

func TestReleaseWhileDisputeInFlight(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")
	f.ledger.HoldFinality(true)

	type result struct {
		d   *Dispute
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := f.svc.Dispute(context.Background(), e.ID, "work not delivered", f.agent)
		done <- result{d, err}
	}()

	ref := f.waitSubmitted(t, e.ID)

	_, err := f.svc.Release(context.Background(), e.ID, f.owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, uint64(1), f.nonce(t, f.owner), "release must not reach the ledger")

	require.NoError(t, f.ledger.Finalize(ref))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, DisputeOpen, res.d.Status)

	stored, err := f.svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, stored.Status)
	assert.Empty(t, stored.ReleaseTxRef)
}

func TestRelease_MirrorWriteFailure(t *testing.T) {
	var fs *faultyStore
	f := newFixtureWithStore(t, func(m *MemoryStore) Store {
		fs = &faultyStore{MemoryStore: m}
		return fs
	})
	e := f.deposit(t, "10")
	fs.setTransitionErr(errors.New("disk full"))

	_, err := f.svc.Release(context.Background(), e.ID, f.owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconciliationRequired)
	ref := TxRefOf(err)
	require.NotEmpty(t, ref)

	rec, err := f.ledger.GetTransaction(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, chain.TxSucceeded, rec.Status)
	assert.Equal(t, "released", f.ledger.ProgramState(e.ID))

	stored, err := f.store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeposited, stored.Status, "mirror untouched by the failed write")

	op, err := f.store.InFlightOperation(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, OpReconcileRequired, op.State)
	assert.Equal(t, ref.String(), op.TxRef)
	assert.Contains(t, f.events.types(), EventReconcileRequired)

	// Further operations are blocked until reconciliation.
	_, err = f.svc.Refund(context.Background(), e.ID, f.agent)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	fs.setTransitionErr(nil)
	res, err := f.svc.Reconcile(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, res.Outcome)
	assert.Equal(t, StatusReleased, res.Escrow.Status)
	assert.Equal(t, ref.String(), res.Escrow.ReleaseTxRef)

	_, err = f.store.InFlightOperation(context.Background(), e.ID)
	assert.ErrorIs(t, err, ErrNoOperation)
}

func TestRelease_ConfirmationTimeout(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")
	f.svc.WithConfig(Config{
		ConfirmTimeout:  20 * time.Millisecond,
		StaleAfter:      time.Hour,
		PersistAttempts: 1,
		PersistBackoff:  time.Millisecond,
	})
	f.ledger.HoldFinality(true)

	_, err := f.svc.Release(context.Background(), e.ID, f.owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	ref := TxRefOf(err)
	require.NotEmpty(t, ref)

	stored, err := f.store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeposited, stored.Status)

	op, err := f.svc.InFlight(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, OpSubmitted, op.State)
	assert.Equal(t, ref.String(), op.TxRef)

	// Not stale yet: a read leaves the operation alone.
	require.NoError(t, f.ledger.Finalize(ref))
	stored, err = f.svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeposited, stored.Status)

	// Once stale, the next read settles it from the ledger.
	f.advance(2 * time.Hour)
	stored, err = f.svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, stored.Status)
	assert.Equal(t, ref.String(), stored.ReleaseTxRef)
}

func TestRelease_CallerCancelled(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")
	f.ledger.HoldFinality(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Release(ctx, e.ID, f.owner)
		done <- err
	}()
	ref := f.waitSubmitted(t, e.ID)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Equal(t, ref, TxRefOf(err))

	require.NoError(t, f.ledger.Finalize(ref))
	res, err := f.svc.Reconcile(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, res.Outcome)
	assert.Equal(t, StatusReleased, res.Escrow.Status)
}

func TestRelease_RevertedOnLedger(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")
	f.svc.ledger = revertingLedger{f.ledger}

	_, err := f.svc.Release(context.Background(), e.ID, f.owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerSubmission)
	assert.ErrorIs(t, err, chain.ErrReverted)
	assert.NotEmpty(t, TxRefOf(err))

	stored, err := f.store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeposited, stored.Status)
	_, err = f.store.InFlightOperation(context.Background(), e.ID)
	assert.ErrorIs(t, err, ErrNoOperation)
}

// stallingLedger holds every submission until the caller gives up.
type stallingLedger struct {
	*chain.MemoryLedger
}

func (l stallingLedger) SubmitTransaction(ctx context.Context, _ chain.SignedPayload) (chain.TxRef, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// slowLedger delays every submission and remembers when the last one landed.
type slowLedger struct {
	*chain.MemoryLedger
	delay  time.Duration
	mu     sync.Mutex
	sentAt time.Time
}

func (l *slowLedger) SubmitTransaction(ctx context.Context, payload chain.SignedPayload) (chain.TxRef, error) {
	time.Sleep(l.delay)
	ref, err := l.MemoryLedger.SubmitTransaction(ctx, payload)
	l.mu.Lock()
	l.sentAt = time.Now()
	l.mu.Unlock()
	return ref, err
}

func TestRelease_StalledSubmission(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")
	f.svc.WithConfig(Config{
		ConfirmTimeout:  time.Hour,
		StaleAfter:      60 * time.Millisecond,
		PersistAttempts: 1,
		PersistBackoff:  time.Millisecond,
	})
	f.svc.ledger = stallingLedger{f.ledger}

	start := time.Now()
	_, err := f.svc.Release(context.Background(), e.ID, f.owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	ref := TxRefOf(err)
	require.NotEmpty(t, ref)
	assert.Less(t, time.Since(start), 60*time.Millisecond)

	// The send may still land, so the slot stays taken.
	op, err := f.svc.InFlight(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, OpSubmitted, op.State)
	assert.Equal(t, ref.String(), op.TxRef)
}

func TestRelease_SubmissionRestartsStaleClock(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")
	f.svc.WithConfig(Config{
		ConfirmTimeout:  20 * time.Millisecond,
		StaleAfter:      time.Hour,
		PersistAttempts: 1,
		PersistBackoff:  time.Millisecond,
	})
	slow := &slowLedger{MemoryLedger: f.ledger, delay: 30 * time.Millisecond}
	f.svc.ledger = slow
	f.ledger.HoldFinality(true)

	_, err := f.svc.Release(context.Background(), e.ID, f.owner)
	require.ErrorIs(t, err, ErrConfirmationTimeout)

	op, err := f.svc.InFlight(context.Background(), e.ID)
	require.NoError(t, err)
	slow.mu.Lock()
	sentAt := slow.sentAt
	slow.mu.Unlock()
	assert.False(t, op.UpdatedAt.Before(sentAt), "stale clock started at %v, send finished at %v", op.UpdatedAt, sentAt)
}

func TestMemoryStore_MarkSubmittedAfterFinish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.deposit(t, "10")

	op := f.svc.newOperation(OpRelease, e.ID, f.owner.Address(), "", chain.Instruction{Op: chain.OpRelease, EscrowID: e.ID, Payee: e.AgentAddr})
	require.NoError(t, f.store.BeginOperation(ctx, op))
	ref := chain.RefOf([]byte("late")).String()
	require.NoError(t, f.store.MarkSubmitted(ctx, op.ID, ref))
	require.NoError(t, f.store.FinishOperation(ctx, op.ID, OpFailed, "gone"))

	assert.ErrorIs(t, f.store.MarkSubmitted(ctx, op.ID, ref), ErrOperationNotFound)
	_, err := f.store.InFlightOperation(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNoOperation)
}

// rejectingSigner refuses every instruction.
type rejectingSigner struct{ addr string }

func (s rejectingSigner) Address() string { return s.addr }
func (s rejectingSigner) Sign(context.Context, chain.Instruction) (chain.SignedPayload, error) {
	return chain.SignedPayload{}, errors.New("user declined")
}

func TestRelease_SignerRejects(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")

	_, err := f.svc.Release(context.Background(), e.ID, rejectingSigner{addr: f.owner.Address()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.ErrorIs(t, err, ErrSignerRejected)

	_, err = f.store.InFlightOperation(context.Background(), e.ID)
	assert.ErrorIs(t, err, ErrNoOperation)

	// The owner can still release afterwards.
	_, err = f.svc.Release(context.Background(), e.ID, f.owner)
	require.NoError(t, err)
}

// impostorSigner claims one address but signs with another key.
type impostorSigner struct {
	claimed string
	inner   chain.Signer
}

func (s impostorSigner) Address() string { return s.claimed }
func (s impostorSigner) Sign(ctx context.Context, in chain.Instruction) (chain.SignedPayload, error) {
	return s.inner.Sign(ctx, in)
}

func TestRelease_SignerAddressMismatch(t *testing.T) {
	f := newFixture(t)
	e := f.deposit(t, "10")

	_, err := f.svc.Release(context.Background(), e.ID, impostorSigner{claimed: f.owner.Address(), inner: f.stranger})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, uint64(0), f.nonce(t, f.stranger))
}

func TestListByStatus(t *testing.T) {
	f := newFixture(t)
	f.assignments.assign(testIntent, "agent_8", f.owner.Address(), f.stranger.Address())
	e1 := f.deposit(t, "1")
	e2, err := f.svc.Deposit(context.Background(), testIntent, "agent_8", "2", f.owner)
	require.NoError(t, err)
	_, err = f.svc.Release(context.Background(), e1.ID, f.owner)
	require.NoError(t, err)

	deposited, err := f.svc.ListByStatus(context.Background(), StatusDeposited, 0)
	require.NoError(t, err)
	require.Len(t, deposited, 1)
	assert.Equal(t, e2.ID, deposited[0].ID)

	released, err := f.svc.ListByStatus(context.Background(), StatusReleased, 10)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, e1.ID, released[0].ID)

	byIntent, err := f.svc.ListByIntent(context.Background(), testIntent)
	require.NoError(t, err)
	assert.Len(t, byIntent, 2)
}

func TestPageByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	want := map[string]bool{}
	for _, agent := range []string{"agent_p1", "agent_p2", "agent_p3"} {
		f.assignments.assign(testIntent, agent, f.owner.Address(), f.agent.Address())
		e, err := f.svc.Deposit(ctx, testIntent, agent, "1", f.owner)
		require.NoError(t, err)
		want[e.ID] = true
	}

	first, err := f.svc.PageByStatus(ctx, StatusDeposited, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Escrows, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	second, err := f.svc.PageByStatus(ctx, StatusDeposited, first.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Escrows, 1)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)

	seen := map[string]bool{}
	for _, e := range append(first.Escrows, second.Escrows...) {
		assert.False(t, seen[e.ID], "escrow %s listed twice", e.ID)
		seen[e.ID] = true
	}
	assert.Equal(t, want, seen)

	_, err = f.svc.PageByStatus(ctx, StatusDeposited, "!!", 2)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
