package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptStatus describes where a submitted transaction stands.
type ReceiptStatus string

const (
	StatusPending ReceiptStatus = "pending"
	StatusSuccess ReceiptStatus = "success"
	StatusFailed  ReceiptStatus = "failed"
	// StatusUnconfirmed is reported by WaitForReceipt when polling timed out.
	// The transaction may still land later.
	StatusUnconfirmed ReceiptStatus = "unconfirmed"
)

// Final reports whether the status can no longer change.
func (s ReceiptStatus) Final() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Receipt is the gateway's view of a transaction outcome.
type Receipt struct {
	TxHash        common.Hash   `json:"txHash"`
	Status        ReceiptStatus `json:"status"`
	BlockNumber   uint64        `json:"blockNumber,omitempty"`
	GasUsed       uint64        `json:"gasUsed,omitempty"`
	Confirmations uint64        `json:"confirmations,omitempty"`
}

// Gateway abstracts the external ledger. Transport failures wrap ErrUnavailable.
type Gateway interface {
	// Nonce returns the faucet contract's replay counter for subject.
	Nonce(ctx context.Context, subject common.Address) (*big.Int, error)
	// PendingSequence returns the relayer's next transaction sequence number.
	PendingSequence(ctx context.Context, relayer common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	// Ping checks liveness of the endpoint.
	Ping(ctx context.Context) error
	// ContractBalance returns the faucet contract's native balance.
	ContractBalance(ctx context.Context) (*big.Int, error)
	// ClaimAmount returns the amount paid out per claim.
	ClaimAmount(ctx context.Context) (*big.Int, error)
	// Contract returns the faucet contract address.
	Contract() common.Address
}
