package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a recoverable [R || S || V] signature.
const SignatureLength = 65

const recoveryIDIndex = SignatureLength - 1

var (
	// ErrSigningUnavailable indicates the voucher signing key was not configured.
	ErrSigningUnavailable = errors.New("signer: signing key unavailable")
	// ErrInvalidSignature is returned for signatures that cannot be decoded or recovered.
	ErrInvalidSignature = errors.New("signer: invalid signature")
	// ErrNonceRange is returned when a nonce does not fit in a uint256.
	ErrNonceRange = errors.New("signer: nonce out of uint256 range")
)

// VoucherSigner produces claim vouchers the faucet contract verifies with ecrecover.
type VoucherSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New wraps the supplied key. A nil key is a boot-time misconfiguration.
func New(key *ecdsa.PrivateKey) (*VoucherSigner, error) {
	if key == nil {
		return nil, ErrSigningUnavailable
	}
	return &VoucherSigner{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer account the contract is configured to trust.
func (s *VoucherSigner) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// Digest returns keccak256(abi.encodePacked(subject, nonce, deadline)).
func Digest(subject common.Address, nonce *big.Int, deadline int64) (common.Hash, error) {
	if nonce == nil {
		nonce = new(big.Int)
	}
	if nonce.Sign() < 0 || nonce.BitLen() > 256 {
		return common.Hash{}, ErrNonceRange
	}
	if deadline < 0 {
		return common.Hash{}, fmt.Errorf("signer: negative deadline %d", deadline)
	}
	packed := make([]byte, 0, common.AddressLength+64)
	packed = append(packed, subject.Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(nonce))...)
	packed = append(packed, math.U256Bytes(new(big.Int).SetInt64(deadline))...)
	return ethcrypto.Keccak256Hash(packed), nil
}

// PrefixedDigest wraps Digest with the personal message prefix
// "\x19Ethereum Signed Message:\n32". This is the hash that is actually signed.
func PrefixedDigest(subject common.Address, nonce *big.Int, deadline int64) (common.Hash, error) {
	digest, err := Digest(subject, nonce, deadline)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(accounts.TextHash(digest.Bytes())), nil
}

// Sign returns a 65 byte signature with V in {27, 28}. Signing is deterministic
// (RFC 6979), so identical inputs yield identical bytes.
func (s *VoucherSigner) Sign(subject common.Address, nonce *big.Int, deadline int64) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, ErrSigningUnavailable
	}
	hash, err := PrefixedDigest(subject, nonce, deadline)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("signer: sign voucher: %w", err)
	}
	sig[recoveryIDIndex] += 27
	return sig, nil
}

// Recover returns the account that produced sig over the voucher fields.
func Recover(sig []byte, subject common.Address, nonce *big.Int, deadline int64) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	hash, err := PrefixedDigest(subject, nonce, deadline)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[recoveryIDIndex] >= 27 {
		normalized[recoveryIDIndex] -= 27
	}
	pub, err := ethcrypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig was produced by expected over the voucher fields.
func Verify(expected common.Address, sig []byte, subject common.Address, nonce *big.Int, deadline int64) bool {
	recovered, err := Recover(sig, subject, nonce, deadline)
	if err != nil {
		return false
	}
	return recovered == expected
}

// EncodeSignature renders a signature as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return hexutil.Encode(sig)
}

// DecodeSignature parses a hex signature with or without the 0x prefix.
func DecodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSignature)
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	sig, err := hexutil.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	return sig, nil
}
