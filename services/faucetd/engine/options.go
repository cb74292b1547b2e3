package engine

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"faucetrelay/observability"
	"faucetrelay/services/faucetd/ledger"
)

// Policy holds the eligibility windows and gas fallbacks.
type Policy struct {
	// Cooldown is the rolling window between claims for one address.
	Cooldown time.Duration
	// IssuanceWindow bounds how long a voucher stays valid.
	IssuanceWindow time.Duration
	// GasCeiling is the gas limit used when estimation fails.
	GasCeiling uint64
	// DefaultGasPrice is used when the node cannot suggest a price.
	DefaultGasPrice *big.Int
	// SubmitTimeout bounds the detached relay work once a request is validated.
	SubmitTimeout time.Duration
}

// DefaultPolicy returns the production windows: 24h cooldown, 1h vouchers,
// a 200k gas ceiling and a 10 gwei fallback price.
func DefaultPolicy() Policy {
	return Policy{
		Cooldown:        24 * time.Hour,
		IssuanceWindow:  time.Hour,
		GasCeiling:      200_000,
		DefaultGasPrice: big.NewInt(10_000_000_000),
		SubmitTimeout:   time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Cooldown <= 0 {
		p.Cooldown = def.Cooldown
	}
	if p.IssuanceWindow <= 0 {
		p.IssuanceWindow = def.IssuanceWindow
	}
	if p.GasCeiling == 0 {
		p.GasCeiling = def.GasCeiling
	}
	if p.DefaultGasPrice == nil || p.DefaultGasPrice.Sign() <= 0 {
		p.DefaultGasPrice = def.DefaultGasPrice
	}
	if p.SubmitTimeout <= 0 {
		p.SubmitTimeout = def.SubmitTimeout
	}
	return p
}

// Ledger is the persistence the engine needs. *ledger.Store satisfies it.
type Ledger interface {
	Get(ctx context.Context, address string) (ledger.ClaimRecord, bool, error)
	Update(ctx context.Context, address string, fn func(*ledger.ClaimRecord) error) (ledger.ClaimRecord, error)
	FindByTransaction(ctx context.Context, txHash string) (ledger.ClaimRecord, bool, error)
	PendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]ledger.ClaimRecord, error)
}

type settings struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.FaucetMetrics
	policy  Policy
	locks   *LockSet
	tracer  trace.Tracer
}

// Option customises the voucher service, relay engine and reconciler.
type Option func(*settings)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.now = clock }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics overrides the Prometheus registry.
func WithMetrics(m *observability.FaucetMetrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithPolicy overrides the eligibility windows and gas fallbacks.
func WithPolicy(p Policy) Option {
	return func(s *settings) { s.policy = p }
}

// WithLocks shares a per-address lock set between components.
func WithLocks(locks *LockSet) Option {
	return func(s *settings) { s.locks = locks }
}

func newSettings(component string, opts []Option) settings {
	s := settings{
		now:     time.Now,
		logger:  slog.Default(),
		metrics: observability.Faucet(),
		policy:  DefaultPolicy(),
		tracer:  otel.Tracer("faucetrelay/engine"),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.locks == nil {
		s.locks = NewLockSet()
	}
	s.policy = s.policy.withDefaults()
	s.logger = s.logger.With("component", component)
	return s
}

// NormalizeAddress validates a hex wallet address and returns it with its
// lowercase ledger key.
func NormalizeAddress(raw string) (common.Address, string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, "", ErrInvalidAddress
	}
	addr := common.HexToAddress(trimmed)
	return addr, strings.ToLower(addr.Hex()), nil
}

func cooldownSeconds(window time.Duration) int64 {
	return int64(window / time.Second)
}
