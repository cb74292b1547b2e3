package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"faucetrelay/observability/logging"
	"faucetrelay/services/faucetd/chain"
	"faucetrelay/services/faucetd/ledger"
	"faucetrelay/services/faucetd/signer"
)

// Voucher is a signed, time-boxed claim authorisation for one address.
type Voucher struct {
	Subject      common.Address
	Wallet       string
	Nonce        *big.Int
	Deadline     int64
	Signature    []byte
	IssuedAt     time.Time
	NextEligible time.Time
}

// VoucherService issues vouchers after checking the issuance cooldown.
type VoucherService struct {
	signer   *signer.VoucherSigner
	gateway  chain.Gateway
	ledger   Ledger
	adTokens [][]byte
	settings
}

// NewVoucherService wires the voucher signer to the gateway and ledger.
// adTokens lists the accepted proof-of-ad tokens.
func NewVoucherService(vs *signer.VoucherSigner, gw chain.Gateway, store Ledger, adTokens []string, opts ...Option) (*VoucherService, error) {
	if vs == nil {
		return nil, ErrSigningUnavailable
	}
	if gw == nil {
		return nil, fmt.Errorf("engine: gateway required")
	}
	if store == nil {
		return nil, fmt.Errorf("engine: ledger required")
	}
	tokens := make([][]byte, 0, len(adTokens))
	for _, token := range adTokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, []byte(trimmed))
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("engine: at least one ad token required")
	}
	return &VoucherService{
		signer:   vs,
		gateway:  gw,
		ledger:   store,
		adTokens: tokens,
		settings: newSettings("voucher", opts),
	}, nil
}

// Signer returns the address vouchers are signed with.
func (s *VoucherService) Signer() common.Address {
	return s.signer.Address()
}

// Policy returns the effective eligibility policy.
func (s *VoucherService) Policy() Policy {
	return s.policy
}

// ValidateAdToken checks token against the configured tokens in constant time.
func (s *VoucherService) ValidateAdToken(token string) error {
	candidate := []byte(strings.TrimSpace(token))
	if len(candidate) == 0 {
		return ErrInvalidAdToken
	}
	match := 0
	for _, accepted := range s.adTokens {
		match |= subtle.ConstantTimeCompare(candidate, accepted)
	}
	if match != 1 {
		s.logger.Warn("ad token rejected", logging.MaskField("adToken", token))
		s.metrics.RecordVoucher("invalid_ad_token")
		return ErrInvalidAdToken
	}
	return nil
}

// IssueVoucher signs a voucher for wallet using the contract's current nonce
// and records the issuance time. The claim count is left untouched.
func (s *VoucherService) IssueVoucher(ctx context.Context, wallet string) (*Voucher, error) {
	ctx, span := s.tracer.Start(ctx, "voucher.issue")
	defer span.End()

	voucher, err := s.issue(ctx, wallet)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordVoucher(voucherOutcome(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("wallet", voucher.Wallet), attribute.Int64("deadline", voucher.Deadline))
	span.SetStatus(codes.Ok, "voucher issued")
	s.metrics.RecordVoucher("issued")
	return voucher, nil
}

func (s *VoucherService) issue(ctx context.Context, wallet string) (*Voucher, error) {
	subject, key, err := NormalizeAddress(wallet)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.now()
	record, _, err := s.ledger.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("engine: load claim record: %w", err)
	}
	if err := s.checkIssuance(&record, now); err != nil {
		return nil, err
	}

	nonce, err := s.gateway.Nonce(ctx, subject)
	if err != nil || nonce == nil {
		s.logger.Warn("contract nonce unavailable, using 0", "wallet", key, "error", err)
		s.metrics.RecordFallback("nonce")
		nonce = new(big.Int)
	}
	deadline := now.Add(s.policy.IssuanceWindow).Unix()

	sig, err := s.signer.Sign(subject, nonce, deadline)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	_, err = s.ledger.Update(ctx, key, func(r *ledger.ClaimRecord) error {
		if err := s.checkIssuance(r, now); err != nil {
			return err
		}
		r.MarkIssued(now, nonce, deadline)
		return nil
	})
	if err != nil {
		var cooldown *CooldownError
		if errors.As(err, &cooldown) {
			return nil, cooldown
		}
		return nil, fmt.Errorf("engine: record issuance: %w", err)
	}

	s.logger.Info("voucher issued",
		"wallet", key,
		"nonce", nonce.String(),
		"deadline", deadline,
		"signature", logging.Truncate(signer.EncodeSignature(sig), 10))

	return &Voucher{
		Subject:      subject,
		Wallet:       key,
		Nonce:        nonce,
		Deadline:     deadline,
		Signature:    sig,
		IssuedAt:     now,
		NextEligible: now.Add(s.policy.Cooldown),
	}, nil
}

// checkIssuance enforces the issuance cooldown against the most recent of the
// last issuance and the last relay.
func (s *VoucherService) checkIssuance(r *ledger.ClaimRecord, now time.Time) error {
	last := r.LastActivity()
	if last > 0 && now.Unix()-last < cooldownSeconds(s.policy.Cooldown) {
		return newCooldownError(CooldownIssuance, last, s.policy.Cooldown, now)
	}
	return nil
}

func voucherOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrCooldownActive):
		return "cooldown"
	case errors.Is(err, ErrSigningUnavailable):
		return "signing_unavailable"
	default:
		return "error"
	}
}
