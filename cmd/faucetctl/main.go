package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"faucetrelay/cmd/internal/passphrase"
	"faucetrelay/crypto"
	"faucetrelay/services/faucetd/chain"
	"faucetrelay/services/faucetd/signer"
)

const (
	defaultKeyEnv  = "FAUCET_SIGNER_KEY"
	defaultPassEnv = "FAUCET_KEYSTORE_PASSPHRASE"
)

var errInvalidVoucher = errors.New("voucher signature does not match signer")

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string, out io.Writer) error {
	switch command {
	case "address":
		return runAddress(args, out)
	case "sign":
		return runSign(args, out)
	case "verify":
		return runVerify(args, out)
	case "keystore":
		return runKeystore(args, out)
	case "check-tx":
		return runCheckTx(args, out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", command)
	}
}

type keyFlags struct {
	keyEnv   *string
	keystore *string
	passEnv  *string
}

func registerKeyFlags(fs *flag.FlagSet) keyFlags {
	return keyFlags{
		keyEnv:   fs.String("key-env", defaultKeyEnv, "Environment variable holding a hex private key"),
		keystore: fs.String("keystore", "", "Path to an encrypted v3 keystore (overrides -key-env)"),
		passEnv:  fs.String("pass-env", defaultPassEnv, "Environment variable holding the keystore passphrase"),
	}
}

func (k keyFlags) load() (*crypto.PrivateKey, error) {
	if path := strings.TrimSpace(*k.keystore); path != "" {
		pass, err := passphrase.NewSource(*k.passEnv, "keystore").Get()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(path, pass)
	}
	env := strings.TrimSpace(*k.keyEnv)
	value := strings.TrimSpace(os.Getenv(env))
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is empty", env)
	}
	return crypto.ParsePrivateKeyHex(value)
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	keys := registerKeyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := keys.load()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, key.Address().Hex())
	return nil
}

type voucherOutput struct {
	Signer    string `json:"signer"`
	Wallet    string `json:"wallet"`
	Nonce     string `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

func runSign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	keys := registerKeyFlags(fs)
	wallet := fs.String("wallet", "", "Recipient wallet address")
	nonceRaw := fs.String("nonce", "0", "Contract nonce for the wallet")
	deadline := fs.Int64("deadline", 0, "Voucher expiry as unix seconds (default now+1h)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	subject, nonce, err := voucherFields(*wallet, *nonceRaw)
	if err != nil {
		return err
	}
	if *deadline == 0 {
		*deadline = time.Now().Add(time.Hour).Unix()
	}
	key, err := keys.load()
	if err != nil {
		return err
	}
	vs, err := signer.New(key.PrivateKey)
	if err != nil {
		return err
	}
	sig, err := vs.Sign(subject, nonce, *deadline)
	if err != nil {
		return err
	}
	return writeJSON(out, voucherOutput{
		Signer:    vs.Address().Hex(),
		Wallet:    strings.ToLower(subject.Hex()),
		Nonce:     nonce.String(),
		Deadline:  *deadline,
		Signature: signer.EncodeSignature(sig),
	})
}

func runVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	expected := fs.String("signer", "", "Expected signer address")
	wallet := fs.String("wallet", "", "Recipient wallet address")
	nonceRaw := fs.String("nonce", "0", "Contract nonce for the wallet")
	deadline := fs.Int64("deadline", 0, "Voucher expiry as unix seconds")
	sigRaw := fs.String("signature", "", "Hex voucher signature")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*expected) {
		return fmt.Errorf("-signer must be an address")
	}
	subject, nonce, err := voucherFields(*wallet, *nonceRaw)
	if err != nil {
		return err
	}
	sig, err := signer.DecodeSignature(*sigRaw)
	if err != nil {
		return err
	}
	recovered, err := signer.Recover(sig, subject, nonce, *deadline)
	if err != nil {
		return err
	}
	if recovered != common.HexToAddress(*expected) {
		fmt.Fprintf(out, "invalid: recovered %s\n", recovered.Hex())
		return errInvalidVoucher
	}
	fmt.Fprintf(out, "valid: signed by %s\n", recovered.Hex())
	return nil
}

func runKeystore(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keystore", flag.ContinueOnError)
	keyEnv := fs.String("key-env", defaultKeyEnv, "Environment variable holding the hex private key to encrypt")
	outPath := fs.String("out", "", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable holding the keystore passphrase")
	light := fs.Bool("light", false, "Use light scrypt parameters")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*outPath) == "" {
		return fmt.Errorf("-out is required")
	}
	if !*force {
		if _, err := os.Stat(*outPath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *outPath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	key, err := crypto.ParsePrivateKeyHex(os.Getenv(strings.TrimSpace(*keyEnv)))
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore").Get()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*outPath, key, pass, *light); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(out, "Wrote keystore for %s to %s\n", key.Address().Hex(), *outPath)
	return nil
}

func runCheckTx(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("check-tx", flag.ContinueOnError)
	rpcURL := fs.String("rpc", "", "JSON-RPC endpoint")
	contract := fs.String("contract", "", "Faucet contract address")
	hash := fs.String("hash", "", "Transaction hash")
	wait := fs.Duration("wait", 0, "Poll until final or the duration elapses")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*contract) {
		return fmt.Errorf("-contract must be an address")
	}
	if len(strings.TrimPrefix(*hash, "0x")) != 2*common.HashLength {
		return fmt.Errorf("-hash must be a 32-byte hex hash")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait+30*time.Second)
	defer cancel()
	client, err := chain.Dial(ctx, *rpcURL)
	if err != nil {
		return err
	}
	defer client.Close()
	gateway, err := chain.NewEVMGateway(client, chain.Config{Contract: common.HexToAddress(*contract)})
	if err != nil {
		return err
	}

	var receipt *chain.Receipt
	if *wait > 0 {
		receipt, err = chain.WaitForReceipt(ctx, gateway, common.HexToHash(*hash), chain.DefaultPollInterval, *wait)
	} else {
		receipt, err = gateway.Receipt(ctx, common.HexToHash(*hash))
	}
	if err != nil {
		return err
	}
	return writeJSON(out, receipt)
}

func voucherFields(wallet, nonceRaw string) (common.Address, *big.Int, error) {
	if !common.IsHexAddress(strings.TrimSpace(wallet)) {
		return common.Address{}, nil, fmt.Errorf("-wallet must be an address")
	}
	nonce, ok := new(big.Int).SetString(strings.TrimSpace(nonceRaw), 10)
	if !ok || nonce.Sign() < 0 {
		return common.Address{}, nil, fmt.Errorf("-nonce must be a non-negative integer")
	}
	return common.HexToAddress(wallet), nonce, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "faucetctl <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  address    Print the address of a signing key")
	fmt.Fprintln(out, "  sign       Produce a voucher signature offline")
	fmt.Fprintln(out, "  verify     Check a voucher signature against a signer")
	fmt.Fprintln(out, "  keystore   Encrypt a hex key into a v3 keystore")
	fmt.Fprintln(out, "  check-tx   Fetch the receipt status of a relay transaction")
}
