package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Relayer signs the fee-paying transactions submitted on behalf of users.
type Relayer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewRelayer binds the relayer key to a chain id using EIP-155 replay protection.
func NewRelayer(key *ecdsa.PrivateKey, chainID *big.Int) (*Relayer, error) {
	if key == nil {
		return nil, errors.New("signer: relayer key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("signer: relayer chain id must be positive")
	}
	id := new(big.Int).Set(chainID)
	return &Relayer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: id,
		signer:  types.NewEIP155Signer(id),
	}, nil
}

// Address returns the relayer account paying for gas.
func (r *Relayer) Address() common.Address {
	if r == nil {
		return common.Address{}
	}
	return r.address
}

// ChainID returns a copy of the configured chain id.
func (r *Relayer) ChainID() *big.Int {
	if r == nil || r.chainID == nil {
		return nil
	}
	return new(big.Int).Set(r.chainID)
}

// SignTx signs tx for the configured chain.
func (r *Relayer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	if r == nil || r.key == nil {
		return nil, errors.New("signer: relayer not configured")
	}
	if tx == nil {
		return nil, errors.New("signer: nil transaction")
	}
	signed, err := types.SignTx(tx, r.signer, r.key)
	if err != nil {
		return nil, fmt.Errorf("signer: sign relay transaction: %w", err)
	}
	return signed, nil
}
