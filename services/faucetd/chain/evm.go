package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultCallTimeout = 10 * time.Second

// EVMClient defines the subset of the Ethereum RPC used by the gateway.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial initialises an EVM RPC client for the provided endpoint. Outbound HTTP
// calls are traced.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	rpcClient, err := rpc.DialOptions(ctx, trimmed, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", trimmed, err)
	}
	return ethclient.NewClient(rpcClient), nil
}

// Config configures an EVMGateway.
type Config struct {
	Contract    common.Address
	ChainID     *big.Int
	CallTimeout time.Duration
}

// EVMGateway implements Gateway against an Ethereum JSON-RPC node.
type EVMGateway struct {
	client      EVMClient
	contract    common.Address
	chainID     *big.Int
	callTimeout time.Duration
}

var _ Gateway = (*EVMGateway)(nil)

// NewEVMGateway constructs a gateway bound to the faucet contract.
func NewEVMGateway(client EVMClient, cfg Config) (*EVMGateway, error) {
	if client == nil {
		return nil, fmt.Errorf("chain: evm client required")
	}
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("chain: contract address required")
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	var chainID *big.Int
	if cfg.ChainID != nil {
		chainID = new(big.Int).Set(cfg.ChainID)
	}
	return &EVMGateway{client: client, contract: cfg.Contract, chainID: chainID, callTimeout: timeout}, nil
}

// Contract returns the faucet contract address.
func (g *EVMGateway) Contract() common.Address { return g.contract }

func (g *EVMGateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.callTimeout)
}

// Nonce reads nonces(subject) from the faucet contract.
func (g *EVMGateway) Nonce(ctx context.Context, subject common.Address) (*big.Int, error) {
	return g.viewUint(ctx, "nonces", subject)
}

// ContractBalance reads getBalance() from the faucet contract.
func (g *EVMGateway) ContractBalance(ctx context.Context) (*big.Int, error) {
	return g.viewUint(ctx, "getBalance")
}

// ClaimAmount reads AMOUNT() from the faucet contract.
func (g *EVMGateway) ClaimAmount(ctx context.Context) (*big.Int, error) {
	return g.viewUint(ctx, "AMOUNT")
}

func (g *EVMGateway) viewUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := packCall(method, args...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()
	contract := g.contract
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, wrapCall(method, err)
	}
	return unpackUint(method, out)
}

// PendingSequence returns the relayer's pending transaction count.
func (g *EVMGateway) PendingSequence(ctx context.Context, relayer common.Address) (uint64, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()
	seq, err := g.client.PendingNonceAt(ctx, relayer)
	if err != nil {
		return 0, wrapCall("pending nonce", err)
	}
	return seq, nil
}

// EstimateGas estimates the gas required by call.
func (g *EVMGateway) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()
	gas, err := g.client.EstimateGas(ctx, call)
	if err != nil {
		return 0, wrapCall("estimate gas", err)
	}
	return gas, nil
}

// GasPrice returns the node's suggested legacy gas price.
func (g *EVMGateway) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()
	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, wrapCall("gas price", err)
	}
	if price == nil {
		return nil, fmt.Errorf("chain: gas price: empty response")
	}
	return price, nil
}

// Submit broadcasts a signed transaction. Node-side refusals are returned as
// *RejectionError; transport failures wrap ErrUnavailable.
func (g *EVMGateway) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, fmt.Errorf("chain: nil transaction")
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()
	if err := g.client.SendTransaction(ctx, tx); err != nil {
		if IsNodeError(err) {
			return common.Hash{}, &RejectionError{Reason: Classify(err), Err: err}
		}
		return common.Hash{}, fmt.Errorf("%w: send transaction: %v", ErrUnavailable, err)
	}
	return tx.Hash(), nil
}

// Receipt fetches the receipt for hash. Unknown transactions are reported as pending.
func (g *EVMGateway) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	if (hash == common.Hash{}) {
		return nil, fmt.Errorf("chain: tx hash required")
	}
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()
	receipt, err := g.client.TransactionReceipt(callCtx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &Receipt{TxHash: hash, Status: StatusPending}, nil
		}
		return nil, wrapCall("receipt", err)
	}
	if receipt == nil {
		return &Receipt{TxHash: hash, Status: StatusPending}, nil
	}
	out := &Receipt{TxHash: hash, Status: StatusFailed, GasUsed: receipt.GasUsed}
	if receipt.Status == types.ReceiptStatusSuccessful {
		out.Status = StatusSuccess
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
		headCtx, cancelHead := g.callCtx(ctx)
		defer cancelHead()
		if head, err := g.client.BlockNumber(headCtx); err == nil && head >= out.BlockNumber {
			out.Confirmations = head - out.BlockNumber
		}
	}
	return out, nil
}

// Ping checks the endpoint answers and, when configured, serves the expected chain.
func (g *EVMGateway) Ping(ctx context.Context) error {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()
	if _, err := g.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("%w: block number: %v", ErrUnavailable, err)
	}
	if g.chainID == nil {
		return nil
	}
	id, err := g.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: chain id: %v", ErrUnavailable, err)
	}
	if id.Cmp(g.chainID) != 0 {
		return fmt.Errorf("%w: expected %s, got %s", ErrChainMismatch, g.chainID, id)
	}
	return nil
}
