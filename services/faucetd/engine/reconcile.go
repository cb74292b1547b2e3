package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"faucetrelay/services/faucetd/chain"
	"faucetrelay/services/faucetd/ledger"
)

const (
	defaultReconcileBatch  = 100
	defaultReconcileMinAge = 30 * time.Second
)

// ReconcileSummary reports the outcome of one reconciliation pass.
type ReconcileSummary struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Reverted  int `json:"reverted"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Reconciler settles optimistically recorded relays against their receipts.
// A failed receipt reverts the claim so the address may retry.
type Reconciler struct {
	gateway chain.Gateway
	ledger  Ledger
	minAge  time.Duration
	batch   int
	reverts metric.Int64Counter
	runMu   sync.Mutex
	settings
}

// NewReconciler constructs a reconciler. Only relays older than minAge are
// scanned so fresh submissions get a chance to land.
func NewReconciler(gw chain.Gateway, store Ledger, minAge time.Duration, opts ...Option) (*Reconciler, error) {
	if gw == nil {
		return nil, fmt.Errorf("engine: gateway required")
	}
	if store == nil {
		return nil, fmt.Errorf("engine: ledger required")
	}
	if minAge < 0 {
		minAge = defaultReconcileMinAge
	}
	meter := otel.GetMeterProvider().Meter("faucetrelay/engine")
	counter, err := meter.Int64Counter("faucet.reconcile.reverts")
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("faucetrelay/engine").Int64Counter("faucet.reconcile.reverts")
	}
	return &Reconciler{
		gateway:  gw,
		ledger:   store,
		minAge:   minAge,
		batch:    defaultReconcileBatch,
		reverts:  counter,
		settings: newSettings("reconciler", opts),
	}, nil
}

// Run performs one pass over relays still marked submitted.
func (r *Reconciler) Run(ctx context.Context) (ReconcileSummary, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "reconcile.run")
	defer span.End()

	var summary ReconcileSummary
	records, err := r.ledger.PendingTransactions(ctx, r.now().Add(-r.minAge), r.batch)
	if err != nil {
		return summary, fmt.Errorf("engine: list pending relays: %w", err)
	}
	for _, record := range records {
		summary.Checked++
		receipt, err := r.gateway.Receipt(ctx, common.HexToHash(record.LastTransactionID))
		if err != nil {
			summary.Errors++
			r.logger.Warn("receipt lookup failed", "wallet", record.Address, "txHash", record.LastTransactionID, "error", err)
			continue
		}
		applied, err := r.Apply(ctx, record.LastTransactionID, receipt.Status)
		switch {
		case err != nil:
			summary.Errors++
			r.logger.Warn("reconcile update failed", "wallet", record.Address, "txHash", record.LastTransactionID, "error", err)
		case !applied:
			summary.Pending++
		case receipt.Status == chain.StatusSuccess:
			summary.Confirmed++
		case receipt.Status == chain.StatusFailed:
			summary.Reverted++
		}
	}
	span.SetAttributes(
		attribute.Int("checked", summary.Checked),
		attribute.Int("reverted", summary.Reverted),
	)
	if summary.Checked > 0 {
		r.logger.Info("reconcile pass complete",
			"checked", summary.Checked,
			"confirmed", summary.Confirmed,
			"reverted", summary.Reverted,
			"pending", summary.Pending,
			"errors", summary.Errors)
	}
	return summary, nil
}

// Apply records a final receipt status for txHash. It returns false when the
// status is not final or the transaction is no longer the address's pending
// relay.
func (r *Reconciler) Apply(ctx context.Context, txHash string, status chain.ReceiptStatus) (bool, error) {
	if !status.Final() {
		return false, nil
	}
	key := strings.ToLower(strings.TrimSpace(txHash))
	record, ok, err := r.ledger.FindByTransaction(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || record.LastTransactionStatus != ledger.TxSubmitted {
		return false, nil
	}

	unlock := r.locks.Lock(record.Address)
	defer unlock()

	applied := false
	now := r.now()
	_, err = r.ledger.Update(ctx, record.Address, func(rec *ledger.ClaimRecord) error {
		if rec.LastTransactionID != key || rec.LastTransactionStatus != ledger.TxSubmitted {
			return nil
		}
		if status == chain.StatusSuccess {
			rec.MarkConfirmed(now)
		} else {
			rec.RevertClaim(now)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("engine: reconcile %s: %w", key, err)
	}
	if !applied {
		return false, nil
	}
	r.metrics.RecordReconciliation(string(status))
	r.logger.Info("relay attempt", "state", string(StateForReceipt(status)), "wallet", record.Address, "txHash", key)
	if status == chain.StatusFailed {
		r.reverts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "receipt_failed")))
	}
	return true, nil
}

// Start runs Run on every tick until ctx is cancelled. A non-positive
// interval disables the loop.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Warn("reconcile pass failed", "error", err)
			}
		}
	}
}
