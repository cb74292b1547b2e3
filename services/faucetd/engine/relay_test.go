package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faucetrelay/services/faucetd/chain"
	"faucetrelay/services/faucetd/ledger"
)

func TestClaimScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)
	require.Equal(t, int64(5), v.Nonce.Int64())

	h.clock.Set(baseTime.Add(100 * time.Second))
	result, err := h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.NoError(t, err)

	record, _, err := h.store.Get(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.ConfirmedClaimCount)
	assert.Equal(t, ledger.TxSubmitted, record.LastTransactionStatus)
	assert.Equal(t, result.TxHash.Hex(), record.LastTransactionID)

	h.clock.Set(baseTime.Add(200 * time.Second))
	_, err = h.vouchers.IssueVoucher(ctx, testWallet)
	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, CooldownIssuance, cooldown.Kind)
	assert.InDelta(t, 86300, cooldown.Remaining.Seconds(), 1)
}

func TestRelayBuildsSignedTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.sequence = 42

	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)
	result, err := h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.NoError(t, err)

	txs := h.gateway.submissions()
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, uint64(42), tx.Nonce())
	assert.Equal(t, uint64(150_000), tx.Gas())
	assert.Equal(t, int64(20_000_000_000), tx.GasPrice().Int64())
	assert.Equal(t, testContract, *tx.To())
	assert.Equal(t, result.TxHash, tx.Hash())

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(71)), tx)
	require.NoError(t, err)
	assert.Equal(t, h.relay.Relayer(), sender)

	want, err := chain.PackClaimViaRelay(v.Subject, v.Signature, v.Nonce, v.Deadline)
	require.NoError(t, err)
	assert.Equal(t, want, tx.Data())
}

func TestRelayGasFallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.estimateErr = errors.New("execution reverted")
	h.gateway.gasPriceErr = errTransport

	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)
	result, err := h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.NoError(t, err)
	assert.Equal(t, uint64(200_000), result.GasLimit)
	assert.Equal(t, int64(10_000_000_000), result.GasPrice.Int64())
}

func TestRelayRejectsExpiredVoucher(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)

	h.clock.Set(time.Unix(v.Deadline, 0))
	_, err = h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.NoError(t, err, "deadline itself is still valid")

	h2 := newHarness(t)
	v2, err := h2.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)
	h2.clock.Set(time.Unix(v2.Deadline+1, 0))
	_, err = h2.relay.RelayClaim(ctx, h2.relayRequest(v2))
	require.ErrorIs(t, err, ErrVoucherExpired)
	assert.Empty(t, h2.gateway.submissions())
}

func TestRelayInputValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)

	req := h.relayRequest(v)
	req.Wallet = "0x123"
	_, err = h.relay.RelayClaim(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	req = h.relayRequest(v)
	req.Signature = "0xdead"
	_, err = h.relay.RelayClaim(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	req = h.relayRequest(v)
	req.Nonce = big.NewInt(-1)
	_, err = h.relay.RelayClaim(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidNonce)
	assert.Empty(t, h.gateway.submissions())
}

func TestRelayGatewayUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)

	h.gateway.pingErr = errTransport
	_, err = h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	record, _, err := h.store.Get(ctx, testWallet)
	require.NoError(t, err)
	assert.Zero(t, record.ConfirmedClaimCount)

	h.gateway.pingErr = nil
	h.gateway.sequenceErr = errTransport
	_, err = h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	h.gateway.sequenceErr = nil
	h.gateway.submitErr = errTransport
	_, err = h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestRelayWrongChainIsNotRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)

	h.gateway.pingErr = fmt.Errorf("%w: expected 71, got 1", chain.ErrChainMismatch)
	_, err = h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.ErrorIs(t, err, ErrWrongChain)
	assert.NotErrorIs(t, err, ErrGatewayUnavailable)
	assert.Empty(t, h.gateway.submissions())
}

func TestRelaySubmissionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)

	h.gateway.submitErr = &chain.RejectionError{Reason: chain.ReasonInsufficientFunds, Err: errors.New("insufficient funds for gas")}
	_, err = h.relay.RelayClaim(ctx, h.relayRequest(v))
	var submission *SubmissionError
	require.ErrorAs(t, err, &submission)
	assert.Equal(t, chain.ReasonInsufficientFunds, submission.Reason)
	assert.Contains(t, submission.Message(), "insufficient funds")

	record, _, err := h.store.Get(ctx, testWallet)
	require.NoError(t, err)
	assert.Zero(t, record.ConfirmedClaimCount, "rejected submissions must not be counted")
}

func TestRelayAlreadyClaimedWithinWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)

	_, err = h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.NoError(t, err)

	h.clock.Set(baseTime.Add(10 * time.Minute))
	_, err = h.relay.RelayClaim(ctx, h.relayRequest(v))
	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Len(t, h.gateway.submissions(), 1)
}

func TestRelayNoDoubleClaimUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.submitDelay = 5 * time.Millisecond

	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)

	const attempts = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		cooldowns int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.relay.RelayClaim(ctx, h.relayRequest(v))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyClaimed):
				cooldowns++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, cooldowns)
	assert.Len(t, h.gateway.submissions(), 1)

	record, _, err := h.store.Get(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.ConfirmedClaimCount)
}

func TestRelayDistinctAddressesProceed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wallets := []string{
		"0xabcd000000000000000000000000000000000011",
		"0xabcd000000000000000000000000000000000012",
		"0xabcd000000000000000000000000000000000013",
	}
	var wg sync.WaitGroup
	for _, wallet := range wallets {
		v, err := h.vouchers.IssueVoucher(ctx, wallet)
		require.NoError(t, err)
		wg.Add(1)
		go func(v *Voucher) {
			defer wg.Done()
			_, err := h.relay.RelayClaim(ctx, h.relayRequest(v))
			assert.NoError(t, err)
		}(v)
	}
	wg.Wait()

	txs := h.gateway.submissions()
	require.Len(t, txs, len(wallets))
	seen := map[uint64]bool{}
	for _, tx := range txs {
		assert.False(t, seen[tx.Nonce()], "relayer sequence reused")
		seen[tx.Nonce()] = true
	}
}

func TestSlowRelayDoesNotBlockOtherAddresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := "0xabcd000000000000000000000000000000000021"

	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)

	h.gateway.submitDelay = 2 * time.Second
	h.gateway.submitting = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := h.relay.RelayClaim(ctx, h.relayRequest(v))
		done <- err
	}()
	<-h.gateway.submitting

	started := time.Now()
	_, err = h.vouchers.IssueVoucher(ctx, other)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 500*time.Millisecond)

	_, _, err = h.store.Get(ctx, other)
	require.NoError(t, err)
	require.NoError(t, <-done)

	record, _, err := h.store.Get(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.ConfirmedClaimCount)
}

func TestRelaySurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	v, err := h.vouchers.IssueVoucher(context.Background(), testWallet)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.gateway.submitDelay = 20 * time.Millisecond
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err = h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.NoError(t, err)

	record, _, err := h.store.Get(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.ConfirmedClaimCount)
}

func TestStateForReceipt(t *testing.T) {
	assert.Equal(t, StateConfirmedSuccess, StateForReceipt(chain.StatusSuccess))
	assert.Equal(t, StateConfirmedFailed, StateForReceipt(chain.StatusFailed))
	assert.Equal(t, StateUnconfirmed, StateForReceipt(chain.StatusUnconfirmed))
	assert.Equal(t, StateSubmitted, StateForReceipt(chain.StatusPending))
}
