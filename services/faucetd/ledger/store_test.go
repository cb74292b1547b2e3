package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0xABCD000000000000000000000000000000000001"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(Config{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetMissingRecord(t *testing.T) {
	store := newTestStore(t)
	record, ok, err := store.Get(context.Background(), testAddress)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "0xabcd000000000000000000000000000000000001", record.Address)
	assert.Zero(t, record.ConfirmedClaimCount)
}

func TestGetMissingRecordIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(Config{
		Driver: DriverSQLite,
		DSN:    dsn,
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, ok, err := store.Get(context.Background(), testAddress)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.FindByTransaction(context.Background(), "0xfeed")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotContains(t, buf.String(), "record not found")
	assert.Empty(t, buf.String())
}

func TestUpdateCreatesAndNormalises(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(100, 0)

	_, err := store.Update(ctx, testAddress, func(r *ClaimRecord) error {
		r.MarkIssued(now, big.NewInt(3), now.Unix()+3600)
		return nil
	})
	require.NoError(t, err)

	record, ok, err := store.Get(ctx, "0xabcd000000000000000000000000000000000001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), record.LastIssuedAt)
	assert.Zero(t, record.ConfirmedClaimCount)

	events, err := store.Events(ctx, testAddress, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventIssued, events[0].Kind)
	assert.Equal(t, "3", events[0].Nonce)
	assert.Equal(t, int64(3700), events[0].Deadline)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := store.Update(ctx, testAddress, func(r *ClaimRecord) error {
		r.MarkRelayed(time.Unix(50, 0), "0x01", big.NewInt(0), 60)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := store.Get(ctx, testAddress)
	require.NoError(t, err)
	assert.False(t, ok, "rolled back update must not leave a row")

	events, err := store.Events(ctx, testAddress, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRelayLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	hash := "0x" + fmt.Sprintf("%064x", 1)

	_, err := store.Update(ctx, testAddress, func(r *ClaimRecord) error {
		r.MarkIssued(time.Unix(100, 0), big.NewInt(0), 3700)
		r.MarkRelayed(time.Unix(120, 0), hash, big.NewInt(0), 3700)
		return nil
	})
	require.NoError(t, err)

	record, ok, err := store.FindByTransaction(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TxSubmitted, record.LastTransactionStatus)
	assert.Equal(t, int64(1), record.ConfirmedClaimCount)
	assert.Equal(t, int64(120), record.LastActivity())

	pending, err := store.PendingTransactions(ctx, time.Unix(200, 0), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = store.PendingTransactions(ctx, time.Unix(110, 0), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	record, err = store.Update(ctx, testAddress, func(r *ClaimRecord) error {
		r.RevertClaim(time.Unix(150, 0))
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, record.ConfirmedClaimCount)
	assert.Zero(t, record.LastConfirmedAt)
	assert.Zero(t, record.LastIssuedAt)
	assert.Equal(t, TxFailed, record.LastTransactionStatus)

	events, err := store.Events(ctx, testAddress, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventReverted, events[0].Kind)
	assert.Equal(t, hash, events[0].TxHash)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Addresses)
	assert.Zero(t, stats.Pending)
}

func TestConcurrentUpdatesSerialise(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const workers = 16

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, testAddress, func(r *ClaimRecord) error {
				r.ConfirmedClaimCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	record, ok, err := store.Get(ctx, testAddress)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(workers), record.ConfirmedClaimCount)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(Config{Driver: DriverSQLite})
	require.ErrorIs(t, err, ErrPathRequired)

	_, err = Open(Config{Driver: "mysql", DSN: "x"})
	require.Error(t, err)

	_, err = Open(Config{Driver: DriverPostgres})
	require.Error(t, err)
}

func TestFileDSN(t *testing.T) {
	dsn, err := FileDSN("faucet.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "faucet.db?mode=rwc")
	assert.Contains(t, dsn, "busy_timeout")
}
