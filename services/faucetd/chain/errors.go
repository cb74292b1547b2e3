package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrUnavailable marks transport failures talking to the chain. Callers treat it
// as retryable.
var ErrUnavailable = errors.New("chain: gateway unavailable")

// ErrChainMismatch means the endpoint serves a different chain than configured.
// Retrying does not help.
var ErrChainMismatch = errors.New("chain: chain id mismatch")

// RejectionReason classifies why the ledger refused a relay transaction.
type RejectionReason string

const (
	ReasonInsufficientFunds RejectionReason = "insufficient_funds"
	ReasonSignatureRejected RejectionReason = "signature_rejected"
	ReasonDeadlineRejected  RejectionReason = "deadline_rejected"
	ReasonAlreadyClaimed    RejectionReason = "already_claimed"
	ReasonSequenceConflict  RejectionReason = "sequence_conflict"
	ReasonReverted          RejectionReason = "reverted"
	ReasonUnknown           RejectionReason = "unknown"
)

// Message returns the user facing explanation for the reason.
func (r RejectionReason) Message() string {
	switch r {
	case ReasonInsufficientFunds:
		return "Relayer has insufficient funds for gas. Please fund the relayer address."
	case ReasonSignatureRejected:
		return "Invalid signature - please try again from the beginning"
	case ReasonDeadlineRejected:
		return "Signature expired - please try again"
	case ReasonAlreadyClaimed:
		return "Already claimed within 24 hours"
	case ReasonSequenceConflict:
		return "Transaction nonce error - please try again"
	case ReasonReverted:
		return "Contract execution failed"
	default:
		return "Transaction submission failed"
	}
}

// RejectionError is returned by Submit when the node answered but refused the transaction.
type RejectionError struct {
	Reason RejectionReason
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chain: transaction rejected (%s)", e.Reason)
	}
	return fmt.Sprintf("chain: transaction rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Classify maps a node error message onto a RejectionReason.
func Classify(err error) RejectionReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return ReasonInsufficientFunds
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		return ReasonSequenceConflict
	case strings.Contains(msg, "already claimed"):
		return ReasonAlreadyClaimed
	case strings.Contains(msg, "invalid signature"),
		strings.Contains(msg, "invalid signer"),
		strings.Contains(msg, "invalid nonce"):
		return ReasonSignatureRejected
	case strings.Contains(msg, "expired"):
		return ReasonDeadlineRejected
	case strings.Contains(msg, "revert"):
		return ReasonReverted
	default:
		return ReasonUnknown
	}
}

// IsNodeError reports whether err carries a JSON-RPC error object, meaning the
// node was reachable and answered.
func IsNodeError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func wrapCall(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNodeError(err) {
		return fmt.Errorf("chain: %s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
