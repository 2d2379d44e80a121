package escrow

import (
	"errors"
	"fmt"

	"github.com/mbd888/intentpay/internal/chain"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrNotAssigned     = errors.New("agent is not assigned to this intent")

	ErrInvalidStatus     = errors.New("invalid escrow status for this operation")
	ErrUnauthorized      = errors.New("signer not authorized for this escrow operation")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicateEscrow   = errors.New("escrow already exists for this intent and agent")
	ErrDisputeOpen       = errors.New("escrow already has an open dispute")
	ErrDisputeClosed     = errors.New("dispute is not open")
	ErrInvalidResolution = errors.New("invalid dispute resolution")
	ErrReasonRequired    = errors.New("dispute reason is required")
	ErrSignerRejected    = errors.New("signer refused the instruction")
	ErrInvalidCursor     = errors.New("invalid page cursor")

	// Store-level outcomes.
	ErrEscrowExists      = errors.New("escrow record already exists")
	ErrStatusConflict    = errors.New("escrow status changed concurrently")
	ErrOperationInFlight = errors.New("another operation is in flight for this escrow")
	ErrNoOperation       = errors.New("no operation in flight")
	ErrOperationNotFound = errors.New("operation not found")
)

// Kind classifies a coordinator failure by what the caller may safely do next.
type Kind string

const (
	// KindPreconditionViolation: rejected locally, the ledger was never called.
	KindPreconditionViolation Kind = "precondition_violation"
	// KindLedgerSubmission: the ledger refused or reverted; retry with a new transaction.
	KindLedgerSubmission Kind = "ledger_submission"
	// KindConfirmationTimeout: outcome unknown; re-query before retrying.
	KindConfirmationTimeout Kind = "confirmation_timeout"
	// KindConcurrentModification: lost a race; re-read and retry.
	KindConcurrentModification Kind = "concurrent_modification"
	// KindReconciliationRequired: the ledger confirmed but the mirror was not updated.
	KindReconciliationRequired Kind = "reconciliation_required"
)

// Sentinels for errors.Is against an *Error's kind.
var (
	ErrPreconditionViolation  = errors.New("precondition violation")
	ErrLedgerSubmission       = errors.New("ledger submission failed")
	ErrConfirmationTimeout    = errors.New("ledger confirmation timed out")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrReconciliationRequired = errors.New("reconciliation required")
)

func (k Kind) sentinel() error {
	switch k {
	case KindPreconditionViolation:
		return ErrPreconditionViolation
	case KindLedgerSubmission:
		return ErrLedgerSubmission
	case KindConfirmationTimeout:
		return ErrConfirmationTimeout
	case KindConcurrentModification:
		return ErrConcurrentModification
	case KindReconciliationRequired:
		return ErrReconciliationRequired
	}
	return nil
}

// Error is returned by every coordinator operation that fails. TxRef is set
// whenever a transaction reached the ledger, so the caller never loses it.
type Error struct {
	Kind     Kind
	Op       OpKind
	EscrowID string
	TxRef    chain.TxRef
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("escrow %s", e.Op)
	if e.EscrowID != "" {
		msg += " " + e.EscrowID
	}
	msg += ": " + string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.TxRef != "" {
		msg += " (tx " + e.TxRef.String() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf extracts the kind of a coordinator error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// TxRefOf returns the ledger reference carried by a coordinator error, if any.
func TxRefOf(err error) chain.TxRef {
	var e *Error
	if errors.As(err, &e) {
		return e.TxRef
	}
	return ""
}

func precondition(op OpKind, escrowID string, err error) *Error {
	return &Error{Kind: KindPreconditionViolation, Op: op, EscrowID: escrowID, Err: err}
}

func concurrent(op OpKind, escrowID string, err error) *Error {
	return &Error{Kind: KindConcurrentModification, Op: op, EscrowID: escrowID, Err: err}
}
