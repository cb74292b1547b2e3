package faucetd

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"faucetrelay/crypto"
	"faucetrelay/services/faucetd/engine"
	"faucetrelay/services/faucetd/ledger"
	faucetmw "faucetrelay/services/faucetd/middleware"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses a duration such as "24h" or "90s".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for faucetd.
type Config struct {
	ListenAddress string               `yaml:"listen" toml:"listen"`
	Network       string               `yaml:"network" toml:"network"`
	Currency      string               `yaml:"currency" toml:"currency"`
	ExplorerURL   string               `yaml:"explorer_url" toml:"explorer_url"`
	AdTokens      []string             `yaml:"ad_tokens" toml:"ad_tokens"`
	AdTokensEnv   string               `yaml:"ad_tokens_env" toml:"ad_tokens_env"`
	Chain         ChainConfig          `yaml:"chain" toml:"chain"`
	Signer        KeyConfig            `yaml:"signer" toml:"signer"`
	Relayer       KeyConfig            `yaml:"relayer" toml:"relayer"`
	Policy        PolicyConfig         `yaml:"policy" toml:"policy"`
	Database      DatabaseConfig       `yaml:"database" toml:"database"`
	Reconcile     ReconcileConfig      `yaml:"reconcile" toml:"reconcile"`
	RateLimits    map[string]RateLimit `yaml:"rate_limits" toml:"rate_limits"`
	Auth          AuthConfig           `yaml:"auth" toml:"auth"`
	CORS          CORSConfig           `yaml:"cors" toml:"cors"`
	Proxy         ProxyConfig          `yaml:"proxy" toml:"proxy"`
	Logging       LoggingConfig        `yaml:"logging" toml:"logging"`
}

// ChainConfig points the gateway at the ledger and the faucet contract.
type ChainConfig struct {
	RPCURL       string   `yaml:"rpc_url" toml:"rpc_url"`
	Contract     string   `yaml:"contract" toml:"contract"`
	ChainID      int64    `yaml:"chain_id" toml:"chain_id"`
	CallTimeout  Duration `yaml:"call_timeout" toml:"call_timeout"`
	ReceiptWait  Duration `yaml:"receipt_wait" toml:"receipt_wait"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// KeyConfig resolves a secp256k1 key from exactly one source. Key wins over
// KeyEnv, which wins over KeyFile, which wins over Keystore.
type KeyConfig struct {
	Key           string `yaml:"key" toml:"key"`
	KeyEnv        string `yaml:"key_env" toml:"key_env"`
	KeyFile       string `yaml:"key_file" toml:"key_file"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// PolicyConfig overrides the claim policy defaults.
type PolicyConfig struct {
	Cooldown        Duration `yaml:"cooldown" toml:"cooldown"`
	IssuanceWindow  Duration `yaml:"issuance_window" toml:"issuance_window"`
	GasCeiling      uint64   `yaml:"gas_ceiling" toml:"gas_ceiling"`
	DefaultGasPrice string   `yaml:"default_gas_price_wei" toml:"default_gas_price_wei"`
	SubmitTimeout   Duration `yaml:"submit_timeout" toml:"submit_timeout"`
}

// DatabaseConfig selects the ledger backend.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	DSNEnv       string `yaml:"dsn_env" toml:"dsn_env"`
	Path         string `yaml:"path" toml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// ReconcileConfig schedules the receipt reconciler.
type ReconcileConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	MinAge   Duration `yaml:"min_age" toml:"min_age"`
}

// RateLimit bounds requests per client for a route group.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"rpm" toml:"rpm"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// AuthConfig protects the admin routes.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	HMACSecret    string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      string   `yaml:"audience" toml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials" toml:"allow_credentials"`
}

// ProxyConfig names the reverse proxies allowed to set X-Forwarded-For and
// X-Real-IP. Without it clients are keyed by their socket address.
type ProxyConfig struct {
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
	// TrustHeaders honours forwarding headers from any peer. Only set it when
	// every request reaches faucetd through a proxy that overwrites them.
	TrustHeaders bool `yaml:"trust_headers" toml:"trust_headers"`
}

// LoggingConfig configures the log level and the optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// PassphraseFunc supplies the passphrase for a keystore. envVar names the
// environment variable to consult first; label names the key in prompts.
type PassphraseFunc func(envVar, label string) (string, error)

// LoadConfig reads configuration from path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(contents), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":5000"
	}
	if cfg.Network == "" {
		cfg.Network = "testnet"
	}
	if cfg.Currency == "" {
		cfg.Currency = "ETH"
	}
	if cfg.Chain.CallTimeout.Duration == 0 {
		cfg.Chain.CallTimeout.Duration = 10 * time.Second
	}
	if cfg.Chain.ReceiptWait.Duration == 0 {
		cfg.Chain.ReceiptWait.Duration = 30 * time.Second
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 3 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = ledger.DriverSQLite
	}
	if cfg.Database.Driver == ledger.DriverSQLite && cfg.Database.DSN == "" && cfg.Database.Path == "" {
		cfg.Database.Path = "faucet_claims.db"
	}
	if cfg.Reconcile.Interval.Duration == 0 {
		cfg.Reconcile.Interval.Duration = time.Minute
	}
	if cfg.Reconcile.MinAge.Duration == 0 {
		cfg.Reconcile.MinAge.Duration = 30 * time.Second
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimit{"claim": {RequestsPerMinute: 30, Burst: 10}}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) normalise() error {
	c.Chain.RPCURL = strings.TrimSpace(c.Chain.RPCURL)
	c.Chain.Contract = strings.TrimSpace(c.Chain.Contract)
	if env := strings.TrimSpace(c.AdTokensEnv); env != "" {
		c.AdTokens = append(c.AdTokens, strings.Split(os.Getenv(env), ",")...)
	}
	tokens := c.AdTokens[:0]
	for _, token := range c.AdTokens {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}
	c.AdTokens = tokens
	if env := strings.TrimSpace(c.Database.DSNEnv); env != "" && c.Database.DSN == "" {
		c.Database.DSN = strings.TrimSpace(os.Getenv(env))
	}
	if env := strings.TrimSpace(c.Auth.HMACSecretEnv); c.Auth.Enabled && env != "" && c.Auth.HMACSecret == "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("auth: hmac_secret_env %s is empty", env)
		}
		c.Auth.HMACSecret = value
	}
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if !common.IsHexAddress(cfg.Chain.Contract) {
		return fmt.Errorf("chain contract must be a 0x-prefixed address")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be positive")
	}
	if len(cfg.AdTokens) == 0 {
		return fmt.Errorf("at least one ad token must be configured")
	}
	if cfg.Signer.empty() {
		return fmt.Errorf("signer key must be configured")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth enabled without hmac_secret")
	}
	if _, err := cfg.ProxyTrust(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	if cfg.Policy.DefaultGasPrice != "" {
		if _, ok := new(big.Int).SetString(cfg.Policy.DefaultGasPrice, 10); !ok {
			return fmt.Errorf("policy default_gas_price_wei must be an integer")
		}
	}
	return nil
}

func (k KeyConfig) empty() bool {
	return strings.TrimSpace(k.Key) == "" &&
		strings.TrimSpace(k.KeyEnv) == "" &&
		strings.TrimSpace(k.KeyFile) == "" &&
		strings.TrimSpace(k.Keystore) == ""
}

// Resolve loads the key from its configured source.
func (k KeyConfig) Resolve(label string, passphrase PassphraseFunc) (*crypto.PrivateKey, error) {
	switch {
	case strings.TrimSpace(k.Key) != "":
		return crypto.ParsePrivateKeyHex(k.Key)
	case strings.TrimSpace(k.KeyEnv) != "":
		env := strings.TrimSpace(k.KeyEnv)
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return nil, fmt.Errorf("%s key_env %s is empty", label, env)
		}
		return crypto.ParsePrivateKeyHex(value)
	case strings.TrimSpace(k.KeyFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(k.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("read %s key_file: %w", label, err)
		}
		return crypto.ParsePrivateKeyHex(strings.TrimSpace(string(contents)))
	case strings.TrimSpace(k.Keystore) != "":
		if passphrase == nil {
			return nil, fmt.Errorf("%s keystore requires a passphrase source", label)
		}
		pass, err := passphrase(k.PassphraseEnv, label)
		if err != nil {
			return nil, fmt.Errorf("%s passphrase: %w", label, err)
		}
		key, err := crypto.LoadFromKeystore(strings.TrimSpace(k.Keystore), pass)
		if err != nil {
			return nil, fmt.Errorf("open %s keystore: %w", label, err)
		}
		return key, nil
	default:
		return nil, crypto.ErrEmptyKey
	}
}

// ResolveKeys returns the voucher signing key and the relayer key. The relayer
// falls back to the signing key when it has no source of its own.
func (c Config) ResolveKeys(passphrase PassphraseFunc) (*crypto.PrivateKey, *crypto.PrivateKey, error) {
	signerKey, err := c.Signer.Resolve("signer", passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("signer key: %w", err)
	}
	if c.Relayer.empty() {
		return signerKey, signerKey, nil
	}
	relayerKey, err := c.Relayer.Resolve("relayer", passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("relayer key: %w", err)
	}
	return signerKey, relayerKey, nil
}

// EnginePolicy merges configured overrides onto the engine defaults.
func (c Config) EnginePolicy() engine.Policy {
	policy := engine.DefaultPolicy()
	if c.Policy.Cooldown.Duration > 0 {
		policy.Cooldown = c.Policy.Cooldown.Duration
	}
	if c.Policy.IssuanceWindow.Duration > 0 {
		policy.IssuanceWindow = c.Policy.IssuanceWindow.Duration
	}
	if c.Policy.GasCeiling > 0 {
		policy.GasCeiling = c.Policy.GasCeiling
	}
	if price, ok := new(big.Int).SetString(c.Policy.DefaultGasPrice, 10); ok && price.Sign() > 0 {
		policy.DefaultGasPrice = price
	}
	if c.Policy.SubmitTimeout.Duration > 0 {
		policy.SubmitTimeout = c.Policy.SubmitTimeout.Duration
	}
	return policy
}

// LedgerConfig converts the database section into ledger options.
func (c Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		Driver:       c.Database.Driver,
		DSN:          c.Database.DSN,
		Path:         c.Database.Path,
		MaxOpenConns: c.Database.MaxOpenConns,
	}
}

// ProxyTrust builds the client address resolver for the HTTP middleware.
func (c Config) ProxyTrust() (*faucetmw.ProxyTrust, error) {
	return faucetmw.NewProxyTrust(c.Proxy.TrustHeaders, c.Proxy.TrustedProxies)
}

// RateLimitGroups converts the configured limits for the middleware.
func (c Config) RateLimitGroups() map[string]faucetmw.RateLimit {
	groups := make(map[string]faucetmw.RateLimit, len(c.RateLimits))
	for name, limit := range c.RateLimits {
		groups[name] = faucetmw.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	return groups
}
