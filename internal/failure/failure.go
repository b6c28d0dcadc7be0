package failure

import (
	"errors"
	"fmt"
)

// Kind classifies write-path failures so callers can decide whether to retry.
type Kind uint8

const (
	KindUnknown Kind = iota
	// Unsupported covers unknown networks and missing contract addresses.
	Unsupported
	// SignerUnavailable means no active wallet or identity session.
	SignerUnavailable
	// Simulation means a read-only dry run reverted; the write was never sent.
	Simulation
	// UserDeclined means a human rejected a signing prompt.
	UserDeclined
	// Submission covers build/sign/send and session initialization failures.
	Submission
	// SettlementPending means the operation was submitted but confirmation was not observed.
	SettlementPending
	// FeeUnavailable means the bridge fee could not be estimated.
	FeeUnavailable
	// Reverted means the transaction was mined with a non-success status.
	Reverted
	// NotEligible means an upkeep pre-flight check returned false.
	NotEligible
)

func (k Kind) String() string {
	switch k {
	case Unsupported:
		return "unsupported_configuration"
	case SignerUnavailable:
		return "signer_unavailable"
	case Simulation:
		return "simulation_failed"
	case UserDeclined:
		return "user_declined"
	case Submission:
		return "submission_failed"
	case SettlementPending:
		return "settlement_pending"
	case FeeUnavailable:
		return "fee_unavailable"
	case Reverted:
		return "reverted"
	case NotEligible:
		return "not_eligible"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Retryable reports whether a caller may reasonably retry the operation.
func (k Kind) Retryable() bool {
	switch k {
	case Submission, SettlementPending:
		return true
	default:
		return false
	}
}

// Error is a classified failure of an engine operation.
type Error struct {
	Kind Kind
	Op   string
	// Reason carries a decoded revert reason when one is available.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithReason returns a classified error carrying a revert reason.
func WithReason(kind Kind, op, reason string, err error) error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// KindOf extracts the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the revert reason attached to err, if any.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}
