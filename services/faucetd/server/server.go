package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"faucetrelay/observability"
	"faucetrelay/services/faucetd/chain"
	"faucetrelay/services/faucetd/engine"
	"faucetrelay/services/faucetd/ledger"
	faucetmw "faucetrelay/services/faucetd/middleware"
	"faucetrelay/services/faucetd/signer"
)

const (
	rateGroupClaim  = "claim"
	maxBodyBytes    = 16 << 10
	defaultEventCap = 50
)

// LedgerReader is the read side of the ledger used by status endpoints.
type LedgerReader interface {
	Get(ctx context.Context, address string) (ledger.ClaimRecord, bool, error)
	Events(ctx context.Context, address string, limit int) ([]ledger.ClaimEvent, error)
	Stats(ctx context.Context) (ledger.Stats, error)
	Ping(ctx context.Context) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Vouchers    *engine.VoucherService
	Relay       *engine.RelayEngine
	Reconciler  *engine.Reconciler
	Gateway     chain.Gateway
	Ledger      LedgerReader
	ChainID     *big.Int
	Network     string
	Currency    string
	ExplorerURL string
	// ReceiptWait bounds /check-tx?wait=true polling.
	ReceiptWait  time.Duration
	PollInterval time.Duration
	RateLimiter  *faucetmw.RateLimiter
	// Proxies lists the reverse proxies whose forwarding headers name the
	// client. Nil keys rate limits on the socket peer.
	Proxies      *faucetmw.ProxyTrust
	Auth         *faucetmw.Authenticator
	CORS         faucetmw.CORSConfig
	Logger       *slog.Logger
	Now          func() time.Time
}

// Server exposes the faucet HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	router http.Handler
}

// New constructs the configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Vouchers == nil || cfg.Relay == nil || cfg.Gateway == nil || cfg.Ledger == nil {
		return nil, errors.New("server: vouchers, relay, gateway and ledger are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = faucetmw.NewRateLimiter(nil, cfg.Logger)
	}
	if cfg.Auth == nil {
		cfg.Auth = faucetmw.NewAuthenticator(faucetmw.AuthConfig{}, cfg.Logger)
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "ETH"
	}
	cfg.ExplorerURL = strings.TrimRight(strings.TrimSpace(cfg.ExplorerURL), "/")
	srv := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "server"),
		now:    cfg.Now,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(faucetmw.ResolveClient(s.cfg.Proxies))
	r.Use(faucetmw.RequestLogger(s.cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(faucetmw.CORS(s.cfg.CORS))

	r.Get("/", s.Index)
	r.Get("/health", s.Health)
	r.Get("/check-contract", s.CheckContract)
	r.Get("/server-status", s.ServerStatus)
	r.Get("/claim-status/{address}", s.ClaimStatus)
	r.Get("/check-tx/{txHash}", s.CheckTx)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(claims chi.Router) {
		claims.Use(s.cfg.RateLimiter.Middleware(rateGroupClaim))
		claims.Post("/verify-ad", s.VerifyAd)
		claims.Post("/relay-claim", s.RelayClaim)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.cfg.Auth.Middleware(faucetmw.ScopeAdmin))
		admin.Post("/reconcile", s.Reconcile)
		admin.Get("/claims/{address}/events", s.ClaimEvents)
	})

	return otelhttp.NewHandler(r, "faucetd")
}

// Index describes the service.
func (s *Server) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "faucetd",
		"status":  "running",
		"network": s.cfg.Network,
		"endpoints": []string{
			"GET /health",
			"POST /verify-ad",
			"POST /relay-claim",
			"GET /claim-status/{address}",
			"GET /check-tx/{txHash}",
			"GET /check-contract",
			"GET /server-status",
		},
	})
}

// Health reports identities and the contract balance. It always answers 200.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	balance := "unknown"
	rpcConnected := s.cfg.Gateway.Ping(r.Context()) == nil
	if rpcConnected {
		if wei, err := s.cfg.Gateway.ContractBalance(r.Context()); err == nil {
			balance = formatEther(wei) + " " + s.cfg.Currency
			observability.Faucet().SetContractBalance(wei)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"signer":          s.cfg.Vouchers.Signer().Hex(),
		"relayer":         s.cfg.Relay.Relayer().Hex(),
		"contract":        s.cfg.Gateway.Contract().Hex(),
		"chainId":         bigString(s.cfg.ChainID),
		"contractBalance": balance,
		"rpcConnected":    rpcConnected,
		"timestamp":       s.now().Unix(),
	})
}

type verifyAdRequest struct {
	Wallet  string `json:"wallet"`
	AdToken string `json:"adToken"`
}

// VerifyAd issues a voucher once the ad token checks out.
func (s *Server) VerifyAd(w http.ResponseWriter, r *http.Request) {
	var req verifyAdRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "No data")
		return
	}
	if strings.TrimSpace(req.Wallet) == "" {
		writeFailure(w, http.StatusBadRequest, "No wallet address")
		return
	}
	if strings.TrimSpace(req.AdToken) == "" {
		writeFailure(w, http.StatusBadRequest, "No ad token")
		return
	}
	if err := s.cfg.Vouchers.ValidateAdToken(req.AdToken); err != nil {
		s.writeEngineError(w, err)
		return
	}
	voucher, err := s.cfg.Vouchers.IssueVoucher(r.Context(), req.Wallet)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	amount := ""
	if wei, err := s.cfg.Gateway.ClaimAmount(r.Context()); err == nil {
		amount = formatEther(wei)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"signature": signer.EncodeSignature(voucher.Signature),
		"wallet":    voucher.Wallet,
		"nonce":     voucher.Nonce,
		"deadline":  voucher.Deadline,
		"signer":    s.cfg.Vouchers.Signer().Hex(),
		"relayer":   s.cfg.Relay.Relayer().Hex(),
		"contract":  s.cfg.Gateway.Contract().Hex(),
		"amount":    amount,
		"currency":  s.cfg.Currency,
		"timestamp": voucher.IssuedAt.Unix(),
		"nextClaim": voucher.NextEligible.Unix(),
	})
}

type relayClaimRequest struct {
	Wallet    string      `json:"wallet"`
	Signature string      `json:"signature"`
	Nonce     json.Number `json:"nonce"`
	Deadline  json.Number `json:"deadline"`
}

// RelayClaim submits the voucher on chain on behalf of the wallet.
func (s *Server) RelayClaim(w http.ResponseWriter, r *http.Request) {
	var req relayClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "No data")
		return
	}
	if strings.TrimSpace(req.Wallet) == "" || strings.TrimSpace(req.Signature) == "" || req.Nonce == "" || req.Deadline == "" {
		writeFailure(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	nonce, ok := new(big.Int).SetString(req.Nonce.String(), 10)
	if !ok {
		s.writeEngineError(w, engine.ErrInvalidNonce)
		return
	}
	deadline, err := req.Deadline.Int64()
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid deadline")
		return
	}
	result, err := s.cfg.Relay.RelayClaim(r.Context(), engine.RelayRequest{
		Wallet:    req.Wallet,
		Signature: req.Signature,
		Nonce:     nonce,
		Deadline:  deadline,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	hash := result.TxHash.Hex()
	body := map[string]any{
		"success":   true,
		"txHash":    hash,
		"message":   "Transaction sent successfully",
		"timestamp": result.SubmittedAt.Unix(),
	}
	if s.cfg.ExplorerURL != "" {
		body["explorerUrl"] = s.cfg.ExplorerURL + "/tx/" + hash
	}
	writeJSON(w, http.StatusOK, body)
}

// ClaimStatus reports the eligibility of an address.
func (s *Server) ClaimStatus(w http.ResponseWriter, r *http.Request) {
	_, key, err := engine.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid address")
		return
	}
	record, ok, err := s.cfg.Ledger.Get(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"wallet":     key,
			"hasClaimed": false,
			"canClaim":   true,
			"claimCount": 0,
		})
		return
	}
	cooldown := s.cfg.Vouchers.Policy().Cooldown
	last := record.LastActivity()
	elapsed := s.now().Unix() - last
	timeLeft := int64(cooldown/time.Second) - elapsed
	if last == 0 || timeLeft < 0 {
		timeLeft = 0
	}
	body := map[string]any{
		"wallet":     key,
		"hasClaimed": record.HasClaimed(),
		"canClaim":   timeLeft == 0,
		"claimCount": record.ConfirmedClaimCount,
		"lastClaim":  last,
		"timeLeft":   timeLeft,
		"hoursLeft":  float64(timeLeft*100/3600) / 100,
		"nextClaim":  last + int64(cooldown/time.Second),
		"txHash":     record.LastTransactionID,
		"txStatus":   string(record.LastTransactionStatus),
	}
	if last > 0 {
		body["lastClaimDate"] = time.Unix(last, 0).UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

// CheckTx reports the receipt status of a relayed transaction. Final statuses
// are fed to the reconciler so the ledger catches up immediately.
func (s *Server) CheckTx(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(chi.URLParam(r, "txHash"))
	if !isTxHash(raw) {
		writeFailure(w, http.StatusBadRequest, "Invalid transaction hash")
		return
	}
	hash := common.HexToHash(raw)

	var (
		receipt *chain.Receipt
		err     error
	)
	if r.URL.Query().Get("wait") == "true" {
		receipt, err = chain.WaitForReceipt(r.Context(), s.cfg.Gateway, hash, s.cfg.PollInterval, s.cfg.ReceiptWait)
	} else {
		receipt, err = s.cfg.Gateway.Receipt(r.Context(), hash)
	}
	if err != nil {
		if errors.Is(err, chain.ErrUnavailable) {
			s.writeEngineError(w, fmt.Errorf("%w: %v", engine.ErrGatewayUnavailable, err))
			return
		}
		s.writeEngineError(w, err)
		return
	}
	if receipt.Status.Final() && s.cfg.Reconciler != nil {
		if _, err := s.cfg.Reconciler.Apply(r.Context(), hash.Hex(), receipt.Status); err != nil {
			s.logger.Warn("reconcile from check-tx failed", "txHash", hash.Hex(), "error", err)
		}
	}
	body := map[string]any{
		"txHash": hash.Hex(),
		"status": string(receipt.Status),
	}
	if receipt.BlockNumber > 0 {
		body["blockNumber"] = receipt.BlockNumber
		body["gasUsed"] = receipt.GasUsed
		body["confirmations"] = receipt.Confirmations
	}
	writeJSON(w, http.StatusOK, body)
}

// CheckContract reports faucet funding and the approximate claims left.
func (s *Server) CheckContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := map[string]any{
		"contract":     s.cfg.Gateway.Contract().Hex(),
		"signer":       s.cfg.Vouchers.Signer().Hex(),
		"relayer":      s.cfg.Relay.Relayer().Hex(),
		"network":      s.cfg.Network,
		"chainId":      bigString(s.cfg.ChainID),
		"rpcConnected": false,
	}
	if s.cfg.ExplorerURL != "" {
		body["explorerUrl"] = s.cfg.ExplorerURL + "/address/" + s.cfg.Gateway.Contract().Hex()
	}
	if err := s.cfg.Gateway.Ping(ctx); err != nil {
		s.logger.Warn("contract check: rpc unavailable", "error", err)
		writeJSON(w, http.StatusOK, body)
		return
	}
	body["rpcConnected"] = true
	balance, err := s.cfg.Gateway.ContractBalance(ctx)
	if err != nil {
		s.logger.Warn("contract check: balance unavailable", "error", err)
		writeJSON(w, http.StatusOK, body)
		return
	}
	observability.Faucet().SetContractBalance(balance)
	body["contractBalance"] = formatEther(balance) + " " + s.cfg.Currency
	if amount, err := s.cfg.Gateway.ClaimAmount(ctx); err == nil && amount.Sign() > 0 {
		body["claimAmount"] = formatEther(amount) + " " + s.cfg.Currency
		body["approxRemainingClaims"] = new(big.Int).Quo(balance, amount)
	}
	writeJSON(w, http.StatusOK, body)
}

// ServerStatus reports database and rpc connectivity.
func (s *Server) ServerStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	database := map[string]any{"connected": true}
	if err := s.cfg.Ledger.Ping(ctx); err != nil {
		database["connected"] = false
		database["error"] = "unreachable"
		s.logger.Warn("ledger ping failed", "error", err)
	} else if stats, err := s.cfg.Ledger.Stats(ctx); err == nil {
		database["addresses"] = stats.Addresses
		database["pendingRelays"] = stats.Pending
	}
	rpc := map[string]any{"connected": true}
	if err := s.cfg.Gateway.Ping(ctx); err != nil {
		rpc["connected"] = false
		rpc["error"] = "unreachable"
		if errors.Is(err, chain.ErrChainMismatch) {
			rpc["error"] = "wrong_chain"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"database":  database,
		"rpc":       rpc,
		"timestamp": s.now().Unix(),
	})
}

// Reconcile triggers one reconciliation pass.
func (s *Server) Reconcile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reconciler == nil {
		writeFailure(w, http.StatusServiceUnavailable, "Reconciler not configured")
		return
	}
	summary, err := s.cfg.Reconciler.Run(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summary": summary})
}

type eventView struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	TxHash     string `json:"txHash,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Deadline   int64  `json:"deadline,omitempty"`
	OccurredAt int64  `json:"occurredAt"`
}

// ClaimEvents lists the audit trail for an address.
func (s *Server) ClaimEvents(w http.ResponseWriter, r *http.Request) {
	_, key, err := engine.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid address")
		return
	}
	events, err := s.cfg.Ledger.Events(r.Context(), key, defaultEventCap)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, event := range events {
		views = append(views, eventView{
			ID:         event.EventID.String(),
			Kind:       string(event.Kind),
			TxHash:     event.TxHash,
			Nonce:      event.Nonce,
			Deadline:   event.Deadline,
			OccurredAt: event.OccurredAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": key, "events": views})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func isTxHash(raw string) bool {
	decoded, err := hexutil.Decode(raw)
	return err == nil && len(decoded) == common.HashLength
}

func formatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return new(big.Rat).SetFrac(wei, big.NewInt(1e18)).FloatString(4)
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
