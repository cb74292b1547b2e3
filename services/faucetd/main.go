package faucetd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"faucetrelay/observability"
	"faucetrelay/observability/logging"
	telemetry "faucetrelay/observability/otel"
	"faucetrelay/services/faucetd/chain"
	"faucetrelay/services/faucetd/engine"
	"faucetrelay/services/faucetd/ledger"
	faucetmw "faucetrelay/services/faucetd/middleware"
	"faucetrelay/services/faucetd/server"
	"faucetrelay/services/faucetd/signer"
)

// Main initialises and runs the faucet daemon.
func Main(passphrase PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/faucetd/config.yaml", "path to faucetd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("FAUCET_ENV"))
	opts := logging.Options{Service: "faucetd", Env: env, Level: cfg.Logging.Level}
	if cfg.Logging.File != "" {
		opts.File = &logging.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
	}
	logger, logCloser := logging.SetupWithOptions(opts)
	defer logCloser.Close()

	telemetryCfg := telemetry.ConfigFromEnv("faucetd", env)
	telemetryCfg.Attributes = map[string]string{
		"faucet.network":  cfg.Network,
		"faucet.chain_id": fmt.Sprint(cfg.Chain.ChainID),
		"faucet.contract": strings.ToLower(cfg.Chain.Contract),
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	signerKey, relayerKey, err := cfg.ResolveKeys(passphrase)
	if err != nil {
		return err
	}
	chainID := big.NewInt(cfg.Chain.ChainID)
	voucherSigner, err := signer.New(signerKey.PrivateKey)
	if err != nil {
		return fmt.Errorf("init voucher signer: %w", err)
	}
	relayer, err := signer.NewRelayer(relayerKey.PrivateKey, chainID)
	if err != nil {
		return fmt.Errorf("init relayer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()
	gateway, err := chain.NewEVMGateway(client, chain.Config{
		Contract:    common.HexToAddress(cfg.Chain.Contract),
		ChainID:     chainID,
		CallTimeout: cfg.Chain.CallTimeout.Duration,
	})
	if err != nil {
		return err
	}

	ledgerCfg := cfg.LedgerConfig()
	ledgerCfg.Logger = logger
	store, err := ledger.Open(ledgerCfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(observability.Faucet()),
		engine.WithPolicy(cfg.EnginePolicy()),
		engine.WithLocks(engine.NewLockSet()),
	}
	vouchers, err := engine.NewVoucherService(voucherSigner, gateway, store, cfg.AdTokens, engineOpts...)
	if err != nil {
		return fmt.Errorf("init voucher service: %w", err)
	}
	relay, err := engine.NewRelayEngine(relayer, gateway, store, engineOpts...)
	if err != nil {
		return fmt.Errorf("init relay engine: %w", err)
	}
	reconciler, err := engine.NewReconciler(gateway, store, cfg.Reconcile.MinAge.Duration, engineOpts...)
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}

	proxies, err := cfg.ProxyTrust()
	if err != nil {
		return fmt.Errorf("proxy config: %w", err)
	}
	if proxies == nil {
		logger.Info("no trusted proxies configured; rate limits key on the socket peer")
	}
	limiter := faucetmw.NewRateLimiter(cfg.RateLimitGroups(), logger)
	srv, err := server.New(server.Config{
		Vouchers:     vouchers,
		Relay:        relay,
		Reconciler:   reconciler,
		Gateway:      gateway,
		Ledger:       store,
		ChainID:      chainID,
		Network:      cfg.Network,
		Currency:     cfg.Currency,
		ExplorerURL:  cfg.ExplorerURL,
		ReceiptWait:  cfg.Chain.ReceiptWait.Duration,
		PollInterval: cfg.Chain.PollInterval.Duration,
		RateLimiter:  limiter,
		Proxies:      proxies,
		Auth: faucetmw.NewAuthenticator(faucetmw.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		CORS: faucetmw.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gateway.Ping(stopCtx); err != nil {
		if errors.Is(err, chain.ErrChainMismatch) {
			return fmt.Errorf("rpc %s: %w", cfg.Chain.RPCURL, err)
		}
		logger.Warn("rpc not reachable at startup", "rpc", cfg.Chain.RPCURL, "error", err)
	}
	logger.Info("faucet identities",
		"signer", voucherSigner.Address().Hex(),
		"relayer", relayer.Address().Hex(),
		"contract", gateway.Contract().Hex(),
		"chainId", chainID.String())

	go limiter.Run(stopCtx)
	go reconciler.Start(stopCtx, cfg.Reconcile.Interval.Duration)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("faucetd listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
