package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"faucetrelay/observability/logging"
	"faucetrelay/services/faucetd/chain"
	"faucetrelay/services/faucetd/ledger"
	"faucetrelay/services/faucetd/signer"
)

// AttemptState tracks one relay attempt through its lifecycle.
type AttemptState string

const (
	StateReceived         AttemptState = "received"
	StateValidated        AttemptState = "validated"
	StateEstimated        AttemptState = "estimated"
	StateSubmitted        AttemptState = "submitted"
	StateConfirmedSuccess AttemptState = "confirmed_success"
	StateConfirmedFailed  AttemptState = "confirmed_failed"
	StateUnconfirmed      AttemptState = "unconfirmed"
)

// StateForReceipt maps a receipt status onto the terminal attempt state.
func StateForReceipt(status chain.ReceiptStatus) AttemptState {
	switch status {
	case chain.StatusSuccess:
		return StateConfirmedSuccess
	case chain.StatusFailed:
		return StateConfirmedFailed
	case chain.StatusUnconfirmed:
		return StateUnconfirmed
	default:
		return StateSubmitted
	}
}

// RelayRequest carries the voucher presented by the client.
type RelayRequest struct {
	Wallet    string
	Signature string
	Nonce     *big.Int
	Deadline  int64
}

// RelayResult describes an accepted relay submission.
type RelayResult struct {
	TxHash      common.Hash
	Subject     common.Address
	Wallet      string
	Sequence    uint64
	GasLimit    uint64
	GasPrice    *big.Int
	SubmittedAt time.Time
}

// ledgerCommitTimeout bounds the bookkeeping write after a successful submit.
const ledgerCommitTimeout = 10 * time.Second

// RelayEngine submits claimViaRelay transactions paid for by the relayer.
type RelayEngine struct {
	relayer *signer.Relayer
	gateway chain.Gateway
	ledger  Ledger

	// submitMu serialises sequence read, signing and submission for the
	// single relayer account.
	submitMu sync.Mutex

	settings
}

// NewRelayEngine constructs the relay engine.
func NewRelayEngine(relayer *signer.Relayer, gw chain.Gateway, store Ledger, opts ...Option) (*RelayEngine, error) {
	if relayer == nil {
		return nil, ErrSigningUnavailable
	}
	if gw == nil {
		return nil, fmt.Errorf("engine: gateway required")
	}
	if store == nil {
		return nil, fmt.Errorf("engine: ledger required")
	}
	return &RelayEngine{
		relayer:  relayer,
		gateway:  gw,
		ledger:   store,
		settings: newSettings("relay", opts),
	}, nil
}

// Relayer returns the fee-paying account.
func (e *RelayEngine) Relayer() common.Address {
	return e.relayer.Address()
}

// RelayClaim validates the voucher, enforces the per-address window and
// submits the relay transaction. It returns once the ledger accepted the
// transaction; confirmation is tracked separately.
func (e *RelayEngine) RelayClaim(ctx context.Context, req RelayRequest) (*RelayResult, error) {
	ctx, span := e.tracer.Start(ctx, "relay.claim")
	defer span.End()

	started := e.now()
	result, err := e.relay(ctx, span, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome, reason := relayOutcome(err)
		e.metrics.RecordRelay(outcome, reason)
		return nil, err
	}
	span.SetAttributes(attribute.String("tx_hash", result.TxHash.Hex()))
	span.SetStatus(codes.Ok, "relay submitted")
	e.metrics.RecordRelay("accepted", "")
	e.metrics.ObserveRelayLatency(e.now().Sub(started))
	return result, nil
}

func (e *RelayEngine) relay(ctx context.Context, span trace.Span, req RelayRequest) (*RelayResult, error) {
	logger := e.logger.With("wallet", strings.ToLower(strings.TrimSpace(req.Wallet)))
	e.transition(logger, StateReceived)

	subject, key, err := NormalizeAddress(req.Wallet)
	if err != nil {
		return nil, err
	}
	sig, err := signer.DecodeSignature(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if req.Nonce == nil || req.Nonce.Sign() < 0 || req.Nonce.Cmp(math.MaxBig256) > 0 {
		return nil, ErrInvalidNonce
	}
	nonce := new(big.Int).Set(req.Nonce)
	now := e.now()
	if now.Unix() > req.Deadline {
		return nil, ErrVoucherExpired
	}
	span.SetAttributes(attribute.String("wallet", key))

	unlock := e.locks.Lock(key)
	defer unlock()

	// From here on the caller going away must not split submission from
	// bookkeeping.
	detached := context.WithoutCancel(ctx)
	work, cancel := context.WithTimeout(detached, e.policy.SubmitTimeout)
	defer cancel()

	// Chain I/O runs outside any ledger transaction so a slow node never
	// holds the database for unrelated addresses. The per-address lock
	// keeps the window check and the write below consistent.
	record, _, err := e.ledger.Get(work, key)
	if err != nil {
		return nil, fmt.Errorf("engine: load claim record: %w", err)
	}
	if err := e.checkRelay(&record, now); err != nil {
		return nil, err
	}
	e.transition(logger, StateValidated)

	if err := e.gateway.Ping(work); err != nil {
		if errors.Is(err, chain.ErrChainMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrWrongChain, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	calldata, err := chain.PackClaimViaRelay(subject, sig, nonce, req.Deadline)
	if err != nil {
		return nil, err
	}
	gasLimit := e.estimateGas(work, logger, calldata)
	gasPrice := e.gasPrice(work, logger)
	e.transition(logger, StateEstimated, "gasLimit", gasLimit, "gasPrice", gasPrice.String())

	hash, sequence, err := e.submit(work, calldata, gasLimit, gasPrice)
	if err != nil {
		return nil, err
	}
	result := &RelayResult{
		TxHash:      hash,
		Subject:     subject,
		Wallet:      key,
		Sequence:    sequence,
		GasLimit:    gasLimit,
		GasPrice:    gasPrice,
		SubmittedAt: now,
	}
	e.transition(logger, StateSubmitted, "txHash", hash.Hex(), "signature", logging.Truncate(req.Signature, 10))

	// The commit gets its own deadline so slow RPC calls above cannot
	// starve it after the transaction is already broadcast.
	commit, cancelCommit := context.WithTimeout(detached, ledgerCommitTimeout)
	defer cancelCommit()
	_, err = e.ledger.Update(commit, key, func(r *ledger.ClaimRecord) error {
		if err := e.checkRelay(r, now); err != nil {
			return err
		}
		r.MarkRelayed(now, strings.ToLower(hash.Hex()), nonce, req.Deadline)
		return nil
	})
	if err != nil {
		// The transaction is already on its way; the contract's own
		// nonce and window still protect against a replay.
		logger.Error("relay submitted but ledger update failed", "txHash", hash.Hex(), "error", err)
	}
	return result, nil
}

// checkRelay rejects addresses that already claimed inside the window.
func (e *RelayEngine) checkRelay(r *ledger.ClaimRecord, now time.Time) error {
	if r.HasClaimed() && now.Unix()-r.LastConfirmedAt < cooldownSeconds(e.policy.Cooldown) {
		return newCooldownError(CooldownClaimed, r.LastConfirmedAt, e.policy.Cooldown, now)
	}
	return nil
}

func (e *RelayEngine) estimateGas(ctx context.Context, logger *slog.Logger, calldata []byte) uint64 {
	contract := e.gateway.Contract()
	estimate, err := e.gateway.EstimateGas(ctx, ethereum.CallMsg{
		From: e.relayer.Address(),
		To:   &contract,
		Data: calldata,
	})
	if err != nil || estimate == 0 {
		logger.Warn("gas estimation failed, using ceiling", "gasLimit", e.policy.GasCeiling, "error", err)
		e.metrics.RecordFallback("gas_limit")
		return e.policy.GasCeiling
	}
	return estimate * 3 / 2
}

func (e *RelayEngine) gasPrice(ctx context.Context, logger *slog.Logger) *big.Int {
	price, err := e.gateway.GasPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		logger.Warn("gas price unavailable, using default", "gasPrice", e.policy.DefaultGasPrice.String(), "error", err)
		e.metrics.RecordFallback("gas_price")
		return new(big.Int).Set(e.policy.DefaultGasPrice)
	}
	return price
}

func (e *RelayEngine) submit(ctx context.Context, calldata []byte, gasLimit uint64, gasPrice *big.Int) (common.Hash, uint64, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	sequence, err := e.gateway.PendingSequence(ctx, e.relayer.Address())
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	contract := e.gateway.Contract()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    sequence,
		To:       &contract,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := e.relayer.SignTx(tx)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	hash, err := e.gateway.Submit(ctx, signed)
	if err != nil {
		var rejection *chain.RejectionError
		switch {
		case errors.As(err, &rejection):
			return common.Hash{}, 0, &SubmissionError{Reason: rejection.Reason, Err: err}
		case errors.Is(err, chain.ErrUnavailable):
			return common.Hash{}, 0, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		default:
			return common.Hash{}, 0, &SubmissionError{Reason: chain.ReasonUnknown, Err: err}
		}
	}
	return hash, sequence, nil
}

func (e *RelayEngine) transition(logger *slog.Logger, state AttemptState, args ...any) {
	logger.Info("relay attempt", append([]any{"state", string(state)}, args...)...)
}

func relayOutcome(err error) (string, string) {
	var submission *SubmissionError
	switch {
	case errors.As(err, &submission):
		return "rejected", string(submission.Reason)
	case errors.Is(err, ErrAlreadyClaimed):
		return "cooldown", ""
	case errors.Is(err, ErrVoucherExpired):
		return "expired", ""
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrInvalidNonce):
		return "invalid", ""
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable", ""
	case errors.Is(err, ErrWrongChain):
		return "misconfigured", ""
	default:
		return "error", ""
	}
}
