package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faucetrelay/services/faucetd/signer"
)

func TestIssueVoucherSignsContractNonce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, "0xabcd000000000000000000000000000000000001", v.Wallet)
	assert.Equal(t, int64(5), v.Nonce.Int64())
	assert.Equal(t, baseTime.Add(time.Hour).Unix(), v.Deadline)
	assert.True(t, signer.Verify(h.signer.Address(), v.Signature, v.Subject, v.Nonce, v.Deadline))

	record, ok, err := h.store.Get(ctx, v.Wallet)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, baseTime.Unix(), record.LastIssuedAt)
	assert.Zero(t, record.ConfirmedClaimCount, "issuance must not count as a claim")
}

func TestIssueVoucherRejectsInvalidAddress(t *testing.T) {
	h := newHarness(t)
	for _, wallet := range []string{"", "0x1234", "not-an-address", "0xZZCD000000000000000000000000000000000001"} {
		_, err := h.vouchers.IssueVoucher(context.Background(), wallet)
		assert.ErrorIs(t, err, ErrInvalidAddress, wallet)
	}
}

func TestIssueVoucherNonceFallback(t *testing.T) {
	h := newHarness(t)
	h.gateway.nonceErr = errTransport

	v, err := h.vouchers.IssueVoucher(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Zero(t, v.Nonce.Sign())
}

func TestIssueVoucherCooldownMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)

	var last time.Duration = 25 * time.Hour
	for _, offset := range []time.Duration{time.Second, time.Hour, 12 * time.Hour, 24*time.Hour - time.Second} {
		h.clock.Set(baseTime.Add(offset))
		_, err := h.vouchers.IssueVoucher(ctx, testWallet)
		var cooldown *CooldownError
		require.ErrorAs(t, err, &cooldown)
		assert.ErrorIs(t, err, ErrCooldownActive)
		assert.Less(t, cooldown.Remaining, last)
		assert.Equal(t, baseTime.Add(24*time.Hour), cooldown.NextEligible)
		last = cooldown.Remaining
	}

	h.clock.Set(baseTime.Add(24 * time.Hour))
	_, err = h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)
}

func TestIssueVoucherDeterministic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := "0xabcd000000000000000000000000000000000002"

	first, err := h.vouchers.IssueVoucher(ctx, testWallet)
	require.NoError(t, err)
	second, err := h.vouchers.IssueVoucher(ctx, other)
	require.NoError(t, err)

	resigned, err := h.signer.Sign(common.HexToAddress(testWallet), big.NewInt(5), first.Deadline)
	require.NoError(t, err)
	assert.Equal(t, first.Signature, resigned)
	assert.NotEqual(t, first.Signature, second.Signature)
}

func TestValidateAdToken(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.vouchers.ValidateAdToken(testAdToken))
	assert.NoError(t, h.vouchers.ValidateAdToken("  "+testAdToken+" "))
	assert.True(t, errors.Is(h.vouchers.ValidateAdToken(""), ErrInvalidAdToken))
	assert.True(t, errors.Is(h.vouchers.ValidateAdToken("demo_ad_no"), ErrInvalidAdToken))
}

func TestNewVoucherServiceValidation(t *testing.T) {
	h := newHarness(t)
	_, err := NewVoucherService(nil, h.gateway, h.store, []string{testAdToken})
	assert.ErrorIs(t, err, ErrSigningUnavailable)
	_, err = NewVoucherService(h.signer, h.gateway, h.store, []string{" "})
	assert.Error(t, err)
}
