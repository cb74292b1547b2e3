package faucetd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faucetrelay/crypto"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "faucetd.yaml", `
listen: ":8080"
ad_tokens: ["demo_ad_ok", "  "]
chain:
  rpc_url: https://rpc.example
  contract: "0x00000000000000000000000000000000000fa0ce"
  chain_id: 71
  call_timeout: 5s
signer:
  key: "0x`+testKeyHex+`"
policy:
  cooldown: 12h
  default_gas_price_wei: "2000000000"
reconcile:
  interval: 2m
proxy:
  trusted_proxies: ["10.0.0.0/8", "127.0.0.1"]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddress)
	assert.Equal(t, []string{"demo_ad_ok"}, cfg.AdTokens)
	assert.Equal(t, 5*time.Second, cfg.Chain.CallTimeout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Chain.ReceiptWait.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Reconcile.Interval.Duration)
	assert.Equal(t, "faucet_claims.db", cfg.Database.Path)
	assert.Contains(t, cfg.RateLimits, "claim")
	proxies, err := cfg.ProxyTrust()
	require.NoError(t, err)
	assert.NotNil(t, proxies)

	policy := cfg.EnginePolicy()
	assert.Equal(t, 12*time.Hour, policy.Cooldown)
	assert.Equal(t, time.Hour, policy.IssuanceWindow)
	assert.Equal(t, "2000000000", policy.DefaultGasPrice.String())
	assert.Equal(t, uint64(200_000), policy.GasCeiling)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "faucetd.toml", `
listen = ":9090"
ad_tokens = ["demo_ad_ok"]

[chain]
rpc_url = "https://rpc.example"
contract = "0x00000000000000000000000000000000000fa0ce"
chain_id = 71
poll_interval = "1s"

[signer]
key = "`+testKeyHex+`"

[database]
driver = "sqlite"
path = "/var/lib/faucet/claims.db"

[rate_limits.claim]
rpm = 5.0
burst = 2
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddress)
	assert.Equal(t, time.Second, cfg.Chain.PollInterval.Duration)
	assert.Equal(t, "/var/lib/faucet/claims.db", cfg.LedgerConfig().Path)
	assert.Equal(t, 2, cfg.RateLimitGroups()["claim"].Burst)
}

func TestLoadConfigValidation(t *testing.T) {
	base := map[string]string{
		"rpc":      "  rpc_url: https://rpc.example\n",
		"contract": "  contract: \"0x00000000000000000000000000000000000fa0ce\"\n",
		"chain":    "  chain_id: 71\n",
	}
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing rpc", "chain:\n" + base["contract"] + base["chain"] + "ad_tokens: [a]\nsigner:\n  key: " + testKeyHex, "rpc_url"},
		{"bad contract", "chain:\n" + base["rpc"] + "  contract: nope\n" + base["chain"] + "ad_tokens: [a]\nsigner:\n  key: " + testKeyHex, "contract"},
		{"no tokens", "chain:\n" + base["rpc"] + base["contract"] + base["chain"] + "signer:\n  key: " + testKeyHex, "ad token"},
		{"no signer", "chain:\n" + base["rpc"] + base["contract"] + base["chain"] + "ad_tokens: [a]\n", "signer key"},
		{"bad proxy", "chain:\n" + base["rpc"] + base["contract"] + base["chain"] + "ad_tokens: [a]\nsigner:\n  key: " + testKeyHex + "\nproxy:\n  trusted_proxies: [nope]\n", "proxy"},
		{"auth without secret", "chain:\n" + base["rpc"] + base["contract"] + base["chain"] + "ad_tokens: [a]\nsigner:\n  key: " + testKeyHex + "\nauth:\n  enabled: true\n", "hmac_secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "faucetd.yaml", tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfigEnvSources(t *testing.T) {
	t.Setenv("FAUCET_TEST_AD_TOKENS", "one, two")
	t.Setenv("FAUCET_TEST_HMAC", "s3cret")
	path := writeConfig(t, "faucetd.yml", `
ad_tokens_env: FAUCET_TEST_AD_TOKENS
chain:
  rpc_url: https://rpc.example
  contract: "0x00000000000000000000000000000000000fa0ce"
  chain_id: 71
signer:
  key_env: FAUCET_TEST_SIGNER
auth:
  enabled: true
  hmac_secret_env: FAUCET_TEST_HMAC
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, cfg.AdTokens)
	assert.Equal(t, "s3cret", cfg.Auth.HMACSecret)
}

func TestResolveKeys(t *testing.T) {
	expected, err := crypto.ParsePrivateKeyHex(testKeyHex)
	require.NoError(t, err)

	t.Run("relayer defaults to signer", func(t *testing.T) {
		cfg := Config{Signer: KeyConfig{Key: testKeyHex}}
		signerKey, relayerKey, err := cfg.ResolveKeys(nil)
		require.NoError(t, err)
		assert.Equal(t, expected.Address(), signerKey.Address())
		assert.Same(t, signerKey, relayerKey)
	})

	t.Run("env and file", func(t *testing.T) {
		other, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		t.Setenv("FAUCET_TEST_SIGNER", "0x"+testKeyHex)
		keyFile := filepath.Join(t.TempDir(), "relayer.key")
		require.NoError(t, os.WriteFile(keyFile, []byte(strings.TrimPrefix(hexutil.Encode(other.Bytes()), "0x")+"\n"), 0o600))

		cfg := Config{
			Signer:  KeyConfig{KeyEnv: "FAUCET_TEST_SIGNER"},
			Relayer: KeyConfig{KeyFile: keyFile},
		}
		signerKey, relayerKey, err := cfg.ResolveKeys(nil)
		require.NoError(t, err)
		assert.Equal(t, expected.Address(), signerKey.Address())
		assert.Equal(t, other.Address(), relayerKey.Address())
	})

	t.Run("keystore", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "signer.json")
		require.NoError(t, crypto.SaveToKeystore(path, expected, "pass", true))

		var gotEnv, gotLabel string
		cfg := Config{Signer: KeyConfig{Keystore: path, PassphraseEnv: "FAUCET_SIGNER_PASSPHRASE"}}
		signerKey, _, err := cfg.ResolveKeys(func(envVar, label string) (string, error) {
			gotEnv, gotLabel = envVar, label
			return "pass", nil
		})
		require.NoError(t, err)
		assert.Equal(t, expected.Address(), signerKey.Address())
		assert.Equal(t, "FAUCET_SIGNER_PASSPHRASE", gotEnv)
		assert.Equal(t, "signer", gotLabel)

		_, _, err = cfg.ResolveKeys(func(string, string) (string, error) { return "", errors.New("no tty") })
		require.Error(t, err)
		_, _, err = cfg.ResolveKeys(nil)
		require.Error(t, err)
	})

	t.Run("empty env", func(t *testing.T) {
		t.Setenv("FAUCET_TEST_EMPTY", "")
		_, _, err := Config{Signer: KeyConfig{KeyEnv: "FAUCET_TEST_EMPTY"}}.ResolveKeys(nil)
		require.Error(t, err)
	})
}
