package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultPollTimeout  = 30 * time.Second
)

// WaitForReceipt polls gw until the transaction reaches a final status or the
// timeout elapses. A timeout yields a receipt with StatusUnconfirmed rather
// than an error. Cancellation of ctx itself is returned as an error.
func WaitForReceipt(ctx context.Context, gw Gateway, hash common.Hash, interval, timeout time.Duration) (*Receipt, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := gw.Receipt(waitCtx, hash)
		switch {
		case err == nil && receipt.Status.Final():
			return receipt, nil
		case err != nil && !errors.Is(err, ErrUnavailable) && waitCtx.Err() == nil:
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &Receipt{TxHash: hash, Status: StatusUnconfirmed}, nil
		case <-ticker.C:
		}
	}
}
