package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// faucetABIJSON is the subset of the relay faucet contract the service calls.
const faucetABIJSON = `[
  {"inputs":[],"name":"AMOUNT","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"canClaim","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"user","type":"address"},{"internalType":"bytes","name":"signature","type":"bytes"},{"internalType":"uint256","name":"nonce","type":"uint256"},{"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"claimViaRelay","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[],"name":"getBalance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"user","type":"address"},{"internalType":"uint256","name":"nonce","type":"uint256"},{"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"getMessageHash","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"pure","type":"function"},
  {"inputs":[{"internalType":"address","name":"","type":"address"}],"name":"nonces","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"nextClaimTime","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"user","type":"address"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"nonce","type":"uint256"},{"indexed":true,"internalType":"address","name":"relayer","type":"address"}],"name":"ClaimedViaRelay","type":"event"}
]`

var faucetABI = mustParseABI(faucetABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse faucet abi: %v", err))
	}
	return parsed
}

// PackClaimViaRelay encodes the calldata for claimViaRelay(user, signature, nonce, deadline).
func PackClaimViaRelay(user common.Address, signature []byte, nonce *big.Int, deadline int64) ([]byte, error) {
	if nonce == nil {
		nonce = new(big.Int)
	}
	data, err := faucetABI.Pack("claimViaRelay", user, signature, nonce, big.NewInt(deadline))
	if err != nil {
		return nil, fmt.Errorf("chain: pack claimViaRelay: %w", err)
	}
	return data, nil
}

func packCall(method string, args ...interface{}) ([]byte, error) {
	data, err := faucetABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	return data, nil
}

func unpackUint(method string, output []byte) (*big.Int, error) {
	values, err := faucetABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("chain: unpack %s: expected 1 value, got %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok || value == nil {
		return nil, fmt.Errorf("chain: unpack %s: unexpected type %T", method, values[0])
	}
	return value, nil
}
