package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"faucetrelay/services/faucetd/chain"
	"faucetrelay/services/faucetd/ledger"
	"faucetrelay/services/faucetd/signer"
)

const (
	testWallet  = "0xABCD000000000000000000000000000000000001"
	testAdToken = "demo_ad_ok"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000fa0ce")
	baseTime     = time.Unix(1_700_000_000, 0)
)

type fakeGateway struct {
	mu sync.Mutex

	nonce       *big.Int
	nonceErr    error
	pingErr     error
	estimate    uint64
	estimateErr error
	gasPrice    *big.Int
	gasPriceErr error
	sequence    uint64
	sequenceErr error
	submitErr   error
	submitDelay time.Duration
	submitting  chan struct{}
	receipts    map[common.Hash]*chain.Receipt

	submitted []*types.Transaction
}

var _ chain.Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nonce:    big.NewInt(5),
		estimate: 100_000,
		gasPrice: big.NewInt(20_000_000_000),
		receipts: map[common.Hash]*chain.Receipt{},
	}
}

func (g *fakeGateway) Nonce(context.Context, common.Address) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nonceErr != nil {
		return nil, g.nonceErr
	}
	return new(big.Int).Set(g.nonce), nil
}

func (g *fakeGateway) PendingSequence(context.Context, common.Address) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sequence, g.sequenceErr
}

func (g *fakeGateway) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return g.estimate, g.estimateErr
}

func (g *fakeGateway) GasPrice(context.Context) (*big.Int, error) {
	return g.gasPrice, g.gasPriceErr
}

func (g *fakeGateway) Submit(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	if g.submitting != nil {
		g.submitting <- struct{}{}
	}
	if g.submitDelay > 0 {
		time.Sleep(g.submitDelay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return common.Hash{}, g.submitErr
	}
	g.submitted = append(g.submitted, tx)
	g.sequence++
	return tx.Hash(), nil
}

func (g *fakeGateway) Receipt(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if receipt, ok := g.receipts[hash]; ok {
		return receipt, nil
	}
	return &chain.Receipt{TxHash: hash, Status: chain.StatusPending}, nil
}

func (g *fakeGateway) Ping(context.Context) error { return g.pingErr }

func (g *fakeGateway) ContractBalance(context.Context) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (g *fakeGateway) ClaimAmount(context.Context) (*big.Int, error) {
	return big.NewInt(1e16), nil
}

func (g *fakeGateway) Contract() common.Address { return testContract }

func (g *fakeGateway) submissions() []*types.Transaction {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*types.Transaction(nil), g.submitted...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *clock { return &clock{now: at} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

type harness struct {
	gateway  *fakeGateway
	store    *ledger.Store
	clock    *clock
	signer   *signer.VoucherSigner
	vouchers *VoucherService
	relay    *RelayEngine
	recon    *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := ledger.Open(ledger.Config{Driver: ledger.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	vs, err := signer.New(key)
	require.NoError(t, err)
	relayer, err := signer.NewRelayer(key, big.NewInt(71))
	require.NoError(t, err)

	gw := newFakeGateway()
	clk := newClock(baseTime)
	locks := NewLockSet()
	opts := []Option{
		WithClock(clk.Now),
		WithLocks(locks),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	vouchers, err := NewVoucherService(vs, gw, store, []string{testAdToken}, opts...)
	require.NoError(t, err)
	relay, err := NewRelayEngine(relayer, gw, store, opts...)
	require.NoError(t, err)
	recon, err := NewReconciler(gw, store, 0, opts...)
	require.NoError(t, err)

	return &harness{gateway: gw, store: store, clock: clk, signer: vs, vouchers: vouchers, relay: relay, recon: recon}
}

func (h *harness) relayRequest(v *Voucher) RelayRequest {
	return RelayRequest{
		Wallet:    v.Wallet,
		Signature: signer.EncodeSignature(v.Signature),
		Nonce:     v.Nonce,
		Deadline:  v.Deadline,
	}
}

var errTransport = fmt.Errorf("%w: dial tcp: connection refused", chain.ErrUnavailable)
