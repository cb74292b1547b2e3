package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"faucetrelay/services/faucetd/chain"
)

var (
	ErrInvalidAddress     = errors.New("engine: invalid wallet address")
	ErrInvalidSignature   = errors.New("engine: invalid signature")
	ErrInvalidAdToken     = errors.New("engine: invalid ad token")
	ErrInvalidNonce       = errors.New("engine: invalid nonce")
	ErrVoucherExpired     = errors.New("engine: signature expired")
	ErrCooldownActive     = errors.New("engine: cooldown active")
	ErrAlreadyClaimed     = errors.New("engine: already claimed within window")
	ErrGatewayUnavailable = errors.New("engine: blockchain rpc unavailable")
	ErrSigningUnavailable = errors.New("engine: signing unavailable")
	ErrWrongChain         = errors.New("engine: rpc serves the wrong chain")
)

// CooldownKind distinguishes the issuance cooldown from the relay window.
type CooldownKind string

const (
	CooldownIssuance CooldownKind = "cooldown_active"
	CooldownClaimed  CooldownKind = "already_claimed"
)

// CooldownError reports that the address is inside its rolling window.
type CooldownError struct {
	Kind         CooldownKind
	Remaining    time.Duration
	NextEligible time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("engine: %s, %s remaining", e.Kind, e.Remaining)
}

// Is matches ErrCooldownActive or ErrAlreadyClaimed according to Kind.
func (e *CooldownError) Is(target error) bool {
	switch target {
	case ErrCooldownActive:
		return e.Kind == CooldownIssuance
	case ErrAlreadyClaimed:
		return e.Kind == CooldownClaimed
	}
	return false
}

// HoursLeft is the remaining wait rounded to two decimals.
func (e *CooldownError) HoursLeft() float64 {
	return math.Round(e.Remaining.Hours()*100) / 100
}

// SubmissionError reports that the ledger refused the relay transaction.
type SubmissionError struct {
	Reason chain.RejectionReason
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("engine: submission rejected (%s): %v", e.Reason, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Message returns the explanation safe to show to end users.
func (e *SubmissionError) Message() string {
	return e.Reason.Message()
}

func newCooldownError(kind CooldownKind, last int64, window time.Duration, now time.Time) *CooldownError {
	next := time.Unix(last, 0).Add(window)
	return &CooldownError{Kind: kind, Remaining: next.Sub(now), NextEligible: next}
}
