package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/crypto"
	"github.com/uhyunpark/condorder/pkg/events"
	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/iceberg"
	"github.com/uhyunpark/condorder/pkg/keeper"
	"github.com/uhyunpark/condorder/pkg/metrics"
	"github.com/uhyunpark/condorder/pkg/oco"
	"github.com/uhyunpark/condorder/pkg/stoploss"
	"github.com/uhyunpark/condorder/pkg/util"
)

// Signed request actions.
const (
	ActionStopLossConfigure = "stoploss.configure"
	ActionStopLossRemove    = "stoploss.remove"
	ActionIcebergConfigure  = "iceberg.configure"
	ActionIcebergRemove     = "iceberg.remove"
	ActionOCOConfigure      = "oco.configure"
	ActionOCORemove         = "oco.remove"
)

const maxBodyBytes = 64 << 10

var (
	errWrongAction   = errors.New("request action does not match endpoint")
	errHashMismatch  = errors.New("request hash does not match path")
	errBadHash       = errors.New("invalid 32-byte hash")
	errMalformedBody = errors.New("malformed request body")
)

// ReportSource exposes the most recent keeper run.
type ReportSource interface {
	LastReport() *keeper.Report
}

// Deps are the services the API reads from and drives.
type Deps struct {
	StopLoss *stoploss.Engine
	Icebergs *iceberg.Engine
	Pairs    *oco.Engine
	Checker  *keeper.Checker
	Reports  ReportSource
	Auth     *crypto.Authenticator
	Bus      *events.Bus
	Clock    util.Clock
	Logger   *zap.Logger

	AllowedOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	deps   Deps
	router *mux.Router
	hub    *Hub // WebSocket hub
	logger *zap.Logger
}

// NewServer creates a new API server. Events published on deps.Bus are pushed to
// WebSocket subscribers.
func NewServer(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.Auth == nil {
		deps.Auth = crypto.NewAuthenticator(deps.Clock)
	}
	logger := util.OrNop(deps.Logger).Named("api")
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		logger: logger,
	}
	if deps.Bus != nil {
		deps.Bus.Subscribe(s.publish)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Stop-loss / take-profit
	api.HandleFunc("/stoploss/{hash}", s.handleGetStopLoss).Methods("GET")
	api.HandleFunc("/stoploss", s.handleConfigureStopLoss).Methods("POST")
	api.HandleFunc("/stoploss/{hash}", s.handleRemoveStopLoss).Methods("DELETE")

	// Iceberg
	api.HandleFunc("/iceberg/{hash}", s.handleGetIceberg).Methods("GET")
	api.HandleFunc("/iceberg", s.handleConfigureIceberg).Methods("POST")
	api.HandleFunc("/iceberg/{hash}", s.handleRemoveIceberg).Methods("DELETE")

	// OCO pairs
	api.HandleFunc("/oco/{id}", s.handleGetOCO).Methods("GET")
	api.HandleFunc("/oco", s.handleConfigureOCO).Methods("POST")
	api.HandleFunc("/oco/{id}", s.handleRemoveOCO).Methods("DELETE")

	// Keeper
	api.HandleFunc("/keeper/check", s.handleKeeperCheck).Methods("GET")
	api.HandleFunc("/keeper/last", s.handleKeeperLast).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("server_starting", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetStopLoss(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_hash", err.Error())
		return
	}
	cfg, ok := s.deps.StopLoss.Config(hash)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", stoploss.ErrNotConfigured.Error())
		return
	}

	info := StopLossInfo{
		OrderHash:       hash.Hex(),
		Kind:            cfg.Kind(),
		Maker:           cfg.OrderMaker.Hex(),
		MakerOracle:     cfg.MakerOracle.Hex(),
		TakerOracle:     cfg.TakerOracle.Hex(),
		ThresholdPrice:  formatUnits(cfg.ThresholdPrice, fixed.Decimals),
		MaxSlippageBps:  cfg.MaxSlippageBps,
		MaxDeviationBps: cfg.MaxDeviationBps,
		ConfiguredAt:    cfg.ConfiguredAt,
	}
	if cfg.RestrictedKeeper != (common.Address{}) {
		info.RestrictedKeeper = cfg.RestrictedKeeper.Hex()
	}

	// a stale or missing feed is reported, not fatal
	triggered, price, err := s.deps.StopLoss.IsTriggered(r.Context(), hash)
	if err != nil {
		info.PriceError = err.Error()
	} else {
		info.Triggered = triggered
		info.CurrentPrice = formatUnits(price, fixed.Decimals)
		if ref, err := s.deps.StopLoss.TwapReference(r.Context(), hash); err == nil {
			info.TwapPrice = formatUnits(ref, fixed.Decimals)
		}
	}
	respondJSON(w, info)
}

func (s *Server) handleConfigureStopLoss(w http.ResponseWriter, r *http.Request) {
	var req StopLossRequest
	maker, err := s.authenticate(r, ActionStopLossConfigure, &req)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	threshold, err := parsePrice(req.ThresholdPrice)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_price", err.Error())
		return
	}
	cfg := stoploss.Config{
		MakerOracle:      req.MakerOracle,
		TakerOracle:      req.TakerOracle,
		ThresholdPrice:   threshold,
		MaxSlippageBps:   req.MaxSlippageBps,
		MaxDeviationBps:  req.MaxDeviationBps,
		IsStopLoss:       req.IsStopLoss,
		RestrictedKeeper: req.RestrictedKeeper,
		OrderMaker:       maker,
		MakerDecimals:    req.MakerDecimals,
		TakerDecimals:    req.TakerDecimals,
	}
	if err := s.deps.StopLoss.Configure(r.Context(), maker, req.OrderHash, cfg); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.logger.Info("stoploss_configured", zap.String("hash", req.OrderHash.Hex()), zap.String("maker", maker.Hex()))
	respondJSON(w, MutationResponse{Status: "configured", Hash: req.OrderHash.Hex(), Maker: maker.Hex()})
}

func (s *Server) handleRemoveStopLoss(w http.ResponseWriter, r *http.Request) {
	s.handleRemove(w, r, "hash", ActionStopLossRemove, s.deps.StopLoss.Remove)
}

func (s *Server) handleGetIceberg(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_hash", err.Error())
		return
	}
	st, err := s.deps.Icebergs.Status(hash)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	info := IcebergInfo{
		OrderHash:      hash.Hex(),
		Maker:          st.Config.OrderMaker.Hex(),
		Strategy:       st.Config.Strategy.String(),
		TotalMaking:    decString(st.Config.TotalMaking),
		Filled:         decString(st.State.Filled),
		Remaining:      decString(st.Remaining),
		CurrentVisible: decString(st.State.CurrentVisible),
		ChunkMax:       decString(st.ChunkMax),
		Active:         st.State.Active,
		RevealDue:      st.RevealDue,
		NextRevealAt:   st.NextReveal,
		FastFills:      st.Stats.FastFills,
		SlowFills:      st.Stats.SlowFills,
		AvgFillTimeSec: st.Stats.AverageFillTime,
	}
	if st.State.LastPrice != nil && !st.State.LastPrice.IsZero() {
		info.LastPrice = formatUnits(st.State.LastPrice, fixed.Decimals)
	}
	respondJSON(w, info)
}

func (s *Server) handleConfigureIceberg(w http.ResponseWriter, r *http.Request) {
	var req IcebergRequest
	maker, err := s.authenticate(r, ActionIcebergConfigure, &req)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	strategy, err := iceberg.ParseStrategy(req.Strategy)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	var amounts [3]*uint256.Int
	for i, raw := range []string{req.TotalMaking, req.TotalTaking, req.BaseChunkSize} {
		v, err := uint256.FromDecimal(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_amount", fmt.Sprintf("%q: %v", raw, err))
			return
		}
		amounts[i] = v
	}
	cfg := iceberg.Config{
		TotalMaking:    amounts[0],
		TotalTaking:    amounts[1],
		BaseChunkSize:  amounts[2],
		Strategy:       strategy,
		MaxVisibleBps:  req.MaxVisibleBps,
		RevealInterval: req.RevealIntervalSec,
		OrderMaker:     maker,
		MakerDecimals:  req.MakerDecimals,
		TakerDecimals:  req.TakerDecimals,
	}
	if err := s.deps.Icebergs.Configure(maker, req.OrderHash, cfg); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.logger.Info("iceberg_configured", zap.String("hash", req.OrderHash.Hex()), zap.String("maker", maker.Hex()))
	respondJSON(w, MutationResponse{Status: "configured", Hash: req.OrderHash.Hex(), Maker: maker.Hex()})
}

func (s *Server) handleRemoveIceberg(w http.ResponseWriter, r *http.Request) {
	s.handleRemove(w, r, "hash", ActionIcebergRemove, s.deps.Icebergs.Remove)
}

func (s *Server) handleGetOCO(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_hash", err.Error())
		return
	}
	st, err := s.deps.Pairs.Status(id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	info := OCOInfo{
		ID:                id.Hex(),
		Maker:             st.Config.OrderMaker.Hex(),
		PrimaryHash:       st.Config.PrimaryHash.Hex(),
		SecondaryHash:     st.Config.SecondaryHash.Hex(),
		Strategy:          st.Config.Strategy.String(),
		Active:            st.State.Active,
		Expired:           st.Expired,
		PrimaryExecuted:   st.State.PrimaryExecuted,
		SecondaryExecuted: st.State.SecondaryExecuted,
		ExpiresAt:         st.Config.ExpiresAt,
	}
	for _, req := range st.Requests {
		info.Cancellations = append(info.Cancellations, CancellationInfo{
			OrderHash:   req.OrderHash.Hex(),
			RequestedAt: req.RequestedAt,
			Processed:   req.Processed,
			ProcessedAt: req.ProcessedAt,
			Failure:     req.Failure,
		})
	}
	respondJSON(w, info)
}

func (s *Server) handleConfigureOCO(w http.ResponseWriter, r *http.Request) {
	var req OCORequest
	env, maker, err := s.authenticateEnvelope(r, ActionOCOConfigure, &req)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	strategy, err := oco.ParseStrategy(req.Strategy)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	cfg := oco.Config{
		PrimaryHash:      req.PrimaryHash,
		SecondaryHash:    req.SecondaryHash,
		OrderMaker:       maker,
		Strategy:         strategy,
		RestrictedKeeper: req.RestrictedKeeper,
		ExpiresAt:        req.ExpiresAt,
	}
	if req.MaxGasPrice != "" {
		gas, err := uint256.FromDecimal(req.MaxGasPrice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_gas_price", err.Error())
			return
		}
		cfg.MaxGasPrice = gas
	}
	id := oco.DeriveID(req.PrimaryHash, req.SecondaryHash, maker, env.Nonce)
	legs := oco.Legs{Primary: req.PrimaryOrder, Secondary: req.SecondaryOrder}
	if err := s.deps.Pairs.Configure(maker, id, cfg, legs); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.logger.Info("oco_configured", zap.String("id", id.Hex()), zap.String("maker", maker.Hex()))
	respondJSON(w, MutationResponse{Status: "configured", Hash: id.Hex(), Maker: maker.Hex()})
}

func (s *Server) handleRemoveOCO(w http.ResponseWriter, r *http.Request) {
	s.handleRemove(w, r, "id", ActionOCORemove, s.deps.Pairs.Remove)
}

// handleRemove authenticates a RemoveRequest whose hash must match the path variable.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, pathVar, action string, remove func(common.Address, common.Hash) error) {
	hash, err := parseHash(mux.Vars(r)[pathVar])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_hash", err.Error())
		return
	}
	var req RemoveRequest
	maker, err := s.authenticate(r, action, &req)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if req.Hash != hash {
		respondError(w, http.StatusBadRequest, "invalid_request", errHashMismatch.Error())
		return
	}
	if err := remove(maker, hash); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.logger.Info("config_removed", zap.String("action", action), zap.String("hash", hash.Hex()))
	respondJSON(w, MutationResponse{Status: "removed", Hash: hash.Hex(), Maker: maker.Hex()})
}

func (s *Server) handleKeeperCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "keeper checker not configured")
		return
	}
	needed, descriptor, err := s.deps.Checker.CheckUpkeep(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := KeeperCheck{Needed: needed}
	if needed {
		kind, hashes, err := keeper.DecodeDescriptor(descriptor)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		out.Kind = kind.String()
		out.Descriptor = hexutil.Encode(descriptor)
		for _, h := range hashes {
			out.Hashes = append(out.Hashes, h.Hex())
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleKeeperLast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "keeper runner not configured")
		return
	}
	rep := s.deps.Reports.LastReport()
	if rep == nil {
		respondError(w, http.StatusNotFound, "not_found", "no keeper run yet")
		return
	}
	out := KeeperReport{
		RunID:    rep.RunID.String(),
		Kind:     rep.Kind.String(),
		Started:  rep.Started.UnixMilli(),
		Finished: rep.Finished.UnixMilli(),
		Items:    make([]KeeperItem, 0, len(rep.Results)),
	}
	for _, res := range rep.Results {
		out.Items = append(out.Items, KeeperItem{Hash: res.Hash.Hex(), Status: string(res.Status), Reason: res.Reason})
	}
	respondJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": util.Unix(s.deps.Clock),
		"stoploss":  len(s.deps.StopLoss.Hashes()),
		"icebergs":  len(s.deps.Icebergs.Hashes()),
		"ocos":      len(s.deps.Pairs.IDs()),
	})
}

// publish forwards an engine event to the "events" channel and to the channel of
// the order or pair it concerns.
func (s *Server) publish(e events.Event) {
	msg := WSEvent{Type: string(e.Type), Key: e.Key.Hex(), Data: e.Data, Timestamp: e.Timestamp}
	s.hub.BroadcastToChannel("events", msg)
	s.hub.BroadcastToChannel(orderChannel(e.Key), msg)
}

func orderChannel(h common.Hash) string { return "order:" + h.Hex() }

// ==============================
// Helper Functions
// ==============================

// authenticate decodes a SignedRequest body, checks its action and signature, and
// unmarshals its payload into dst. It returns the recovered signer.
func (s *Server) authenticate(r *http.Request, action string, dst any) (common.Address, error) {
	_, signer, err := s.authenticateEnvelope(r, action, dst)
	return signer, err
}

func (s *Server) authenticateEnvelope(r *http.Request, action string, dst any) (*crypto.SignedRequest, common.Address, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("read body: %w", err)
	}
	var env crypto.SignedRequest
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if env.Action != action {
		return nil, common.Address{}, fmt.Errorf("%w: got %q want %q", errWrongAction, env.Action, action)
	}
	signer, err := s.deps.Auth.Authenticate(&env)
	if err != nil {
		return nil, common.Address{}, err
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return &env, signer, nil
}

// respondEngineError maps sentinel errors to HTTP statuses.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case isAny(err, stoploss.ErrNotConfigured, iceberg.ErrNotConfigured, oco.ErrNotConfigured):
		return http.StatusNotFound, "not_found"
	case isAny(err, crypto.ErrBadSignature, crypto.ErrRequestExpired, crypto.ErrNonceUsed):
		return http.StatusUnauthorized, "unauthenticated"
	case isAny(err, stoploss.ErrUnauthorizedCaller, iceberg.ErrUnauthorizedCaller, oco.ErrUnauthorizedCaller):
		return http.StatusForbidden, "forbidden"
	case isAny(err, oco.ErrOCOAlreadyConfigured, oco.ErrOrderAlreadyLinked):
		return http.StatusConflict, "conflict"
	case isAny(err, errMalformedBody, errWrongAction):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusBadRequest, "rejected"
	}
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %q", errBadHash, s)
	}
	return common.BytesToHash(b), nil
}

// parsePrice turns a human price like "3800.5" into an 18-decimal integer.
func parsePrice(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("price must be positive: %s", s)
	}
	scaled := d.Shift(fixed.Decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("price has more than %d decimals: %s", fixed.Decimals, s)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fixed.ErrOverflow
	}
	return v, nil
}

// formatUnits renders v with the given decimals, trailing zeros trimmed.
func formatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
