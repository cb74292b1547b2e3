package engine

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faucetrelay/services/faucetd/chain"
	"faucetrelay/services/faucetd/ledger"
)

func relayOnce(t *testing.T, h *harness, wallet string) common.Hash {
	t.Helper()
	ctx := context.Background()
	v, err := h.vouchers.IssueVoucher(ctx, wallet)
	require.NoError(t, err)
	result, err := h.relay.RelayClaim(ctx, h.relayRequest(v))
	require.NoError(t, err)
	return result.TxHash
}

func TestReconcilerConfirmsSuccessfulRelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hash := relayOnce(t, h, testWallet)
	h.gateway.receipts[hash] = &chain.Receipt{TxHash: hash, Status: chain.StatusSuccess, BlockNumber: 10}

	h.clock.Set(baseTime.Add(time.Minute))
	summary, err := h.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileSummary{Checked: 1, Confirmed: 1}, summary)

	record, _, err := h.store.Get(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxConfirmed, record.LastTransactionStatus)
	assert.Equal(t, int64(1), record.ConfirmedClaimCount)
}

func TestReconcilerRevertsFailedRelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hash := relayOnce(t, h, testWallet)
	h.gateway.receipts[hash] = &chain.Receipt{TxHash: hash, Status: chain.StatusFailed, BlockNumber: 10}

	summary, err := h.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reverted)

	record, _, err := h.store.Get(ctx, testWallet)
	require.NoError(t, err)
	assert.Zero(t, record.ConfirmedClaimCount)
	assert.Equal(t, ledger.TxFailed, record.LastTransactionStatus)

	// The address may claim again straight away.
	h.clock.Set(baseTime.Add(time.Minute))
	relayOnce(t, h, testWallet)

	events, err := h.store.Events(ctx, testWallet, 10)
	require.NoError(t, err)
	kinds := make([]ledger.EventKind, 0, len(events))
	for _, event := range events {
		kinds = append(kinds, event.Kind)
	}
	assert.Equal(t, []ledger.EventKind{
		ledger.EventRelayed, ledger.EventIssued, ledger.EventReverted, ledger.EventRelayed, ledger.EventIssued,
	}, kinds)
}

func TestReconcilerLeavesPendingAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	relayOnce(t, h, testWallet)

	summary, err := h.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileSummary{Checked: 1, Pending: 1}, summary)

	record, _, err := h.store.Get(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxSubmitted, record.LastTransactionStatus)
}

func TestReconcilerApplyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hash := relayOnce(t, h, testWallet)

	applied, err := h.recon.Apply(ctx, hash.Hex(), chain.StatusFailed)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = h.recon.Apply(ctx, hash.Hex(), chain.StatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = h.recon.Apply(ctx, common.HexToHash("0x99").Hex(), chain.StatusSuccess)
	require.NoError(t, err)
	assert.False(t, applied, "unknown transactions are ignored")

	applied, err = h.recon.Apply(ctx, hash.Hex(), chain.StatusPending)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestReconcilerStartStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.recon.Start(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
	h.recon.Start(context.Background(), 0)
}
