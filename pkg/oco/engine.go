// Package oco links two orders so that executing one cancels the other.
//
// When a leg's pre-fill hook runs the pair is deactivated first, which blocks the sibling
// immediately, and then a cancellation request for the sibling is queued. Keepers process
// the request after a fixed delay; processing is marked done before the external cancel
// call and never retried.
package oco

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/access"
	"github.com/uhyunpark/condorder/pkg/events"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/metrics"
	"github.com/uhyunpark/condorder/pkg/util"
)

// Canceller cancels an order on the base protocol.
type Canceller interface {
	CancelOrder(ctx context.Context, orderHash common.Hash, params []byte) error
}

// Store persists OCO records and cancellation requests. A nil Store keeps everything in memory.
type Store interface {
	SaveOCO(id common.Hash, rec Record) error
	DeleteOCO(id common.Hash) error
	LoadOCOs() (map[common.Hash]Record, error)
	SaveCancellation(orderHash common.Hash, req CancellationRequest) error
	LoadCancellations() (map[common.Hash]CancellationRequest, error)
	// SaveExecution writes an executed pair and its sibling's request atomically.
	SaveExecution(id common.Hash, rec Record, req CancellationRequest) error
}

// Legs are the two orders a pair links. Their hashes must match the config's and both
// must belong to the caller.
type Legs struct {
	Primary   *limitorder.Order
	Secondary *limitorder.Order
}

type Options struct {
	Protocol  common.Address
	Keepers   access.Authorizer
	Canceller Canceller
	Fallback  limitorder.AmountCalculator
	Hasher    *limitorder.Hasher
	Store     Store
	Events    events.Emitter
	Clock     util.Clock
	Logger    *zap.Logger

	// CancellationDelay defaults to DefaultCancellationDelay seconds.
	CancellationDelay time.Duration
	// MaxGasPriceCap defaults to DefaultMaxGasPriceCap.
	MaxGasPriceCap *uint256.Int
}

// Status is a point-in-time view of one pair.
type Status struct {
	ID       common.Hash           `json:"id"`
	Config   Config                `json:"config"`
	State    State                 `json:"state"`
	Expired  bool                  `json:"expired"`
	Requests []CancellationRequest `json:"requests,omitempty"`
}

type Engine struct {
	opts   Options
	delay  uint64
	logger *zap.Logger

	mu       sync.Mutex
	records  map[common.Hash]*Record
	links    map[common.Hash]common.Hash
	requests map[common.Hash]*CancellationRequest

	entered atomic.Bool
}

func NewEngine(opts Options) *Engine {
	if opts.Fallback == nil {
		opts.Fallback = limitorder.Proportional{}
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Keepers == nil {
		opts.Keepers = access.NewKeepers(common.Address{})
	}
	if opts.Hasher == nil {
		opts.Hasher = limitorder.NewHasher(limitorder.DefaultDomain())
	}
	if opts.CancellationDelay <= 0 {
		opts.CancellationDelay = DefaultCancellationDelay * time.Second
	}
	if opts.MaxGasPriceCap == nil {
		opts.MaxGasPriceCap = DefaultMaxGasPriceCap
	}
	return &Engine{
		opts:     opts,
		delay:    uint64(opts.CancellationDelay / time.Second),
		logger:   util.OrNop(opts.Logger).Named("oco"),
		records:  make(map[common.Hash]*Record),
		links:    make(map[common.Hash]common.Hash),
		requests: make(map[common.Hash]*CancellationRequest),
	}
}

// Load restores pairs, leg links and cancellation requests from the store.
func (e *Engine) Load(_ context.Context) error {
	if e.opts.Store == nil {
		return nil
	}
	recs, err := e.opts.Store.LoadOCOs()
	if err != nil {
		return fmt.Errorf("load ocos: %w", err)
	}
	reqs, err := e.opts.Store.LoadCancellations()
	if err != nil {
		return fmt.Errorf("load cancellations: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, r := range recs {
		r := r
		e.records[id] = &r
		e.links[r.Config.PrimaryHash] = id
		e.links[r.Config.SecondaryHash] = id
	}
	for h, r := range reqs {
		r := r
		e.requests[h] = &r
	}
	e.refreshGauge()
	e.logger.Info("restored", zap.Int("pairs", len(recs)), zap.Int("cancellations", len(reqs)))
	return nil
}

// Configure links cfg's two legs under id. Unlike the other extensions an id cannot be
// reconfigured.
func (e *Engine) Configure(caller common.Address, id common.Hash, cfg Config, legs Legs) error {
	if id == (common.Hash{}) {
		return ErrInvalidOrderHash
	}
	if caller != cfg.OrderMaker {
		return ErrUnauthorizedCaller
	}
	if cfg.PrimaryHash == (common.Hash{}) || cfg.SecondaryHash == (common.Hash{}) {
		return ErrInvalidOrderHash
	}
	if cfg.PrimaryHash == cfg.SecondaryHash {
		return ErrSameOrderHash
	}
	if err := e.checkLegs(caller, &cfg, legs); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.records[id]; ok {
		return fmt.Errorf("%w: %s", ErrOCOAlreadyConfigured, id.Hex())
	}
	now := util.Unix(e.opts.Clock)
	if err := cfg.validate(now, e.opts.MaxGasPriceCap); err != nil {
		return err
	}
	for _, leg := range []common.Hash{cfg.PrimaryHash, cfg.SecondaryHash} {
		if other, ok := e.links[leg]; ok {
			return fmt.Errorf("%w: %s linked to %s", ErrOrderAlreadyLinked, leg.Hex(), other.Hex())
		}
	}

	rec := Record{Config: cfg, State: State{Active: true, ConfiguredAt: now}}.clone()
	if err := e.save(id, &rec); err != nil {
		return err
	}
	e.records[id] = &rec
	e.links[cfg.PrimaryHash] = id
	e.links[cfg.SecondaryHash] = id
	e.refreshGauge()

	e.emit(events.OCOConfigured, id, map[string]any{
		"maker":     cfg.OrderMaker.Hex(),
		"primary":   cfg.PrimaryHash.Hex(),
		"secondary": cfg.SecondaryHash.Hex(),
		"strategy":  cfg.Strategy.String(),
		"expiresAt": cfg.ExpiresAt,
	})
	return nil
}

// Remove unlinks the pair. Only its maker may remove it; queued cancellations are kept.
func (e *Engine) Remove(caller common.Address, id common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[id]
	if !ok {
		return ErrNotConfigured
	}
	if caller != rec.Config.OrderMaker {
		return ErrUnauthorizedCaller
	}
	if e.opts.Store != nil {
		if err := e.opts.Store.DeleteOCO(id); err != nil {
			return fmt.Errorf("delete oco: %w", err)
		}
	}
	delete(e.links, rec.Config.PrimaryHash)
	delete(e.links, rec.Config.SecondaryHash)
	delete(e.records, id)
	e.refreshGauge()
	e.emit(events.OCORemoved, id, nil)
	return nil
}

// OnLegPreFill runs before a leg settles. Protocol only. Unlinked hashes and inactive
// pairs are a no-op.
func (e *Engine) OnLegPreFill(caller common.Address, orderHash common.Hash, gasPrice *uint256.Int) error {
	if caller != e.opts.Protocol {
		return ErrOnlyProtocol
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.links[orderHash]
	if !ok {
		return nil
	}
	cur := e.records[id]
	if !cur.State.Active {
		return nil
	}
	if cur.Config.hasGasLimit() && gasPrice != nil && gasPrice.Gt(cur.Config.MaxGasPrice) {
		return fmt.Errorf("%w: %s > %s", ErrMaxGasPriceExceeded, gasPrice.Dec(), cur.Config.MaxGasPrice.Dec())
	}

	rec := cur.clone()
	sibling, primary := rec.Config.sibling(orderHash)
	if (primary && rec.State.PrimaryExecuted) || (!primary && rec.State.SecondaryExecuted) {
		return ErrOrderAlreadyExecuted
	}
	if _, ok := e.requests[sibling]; ok {
		return fmt.Errorf("%w: %s", ErrCancellationAlreadyRequested, sibling.Hex())
	}

	now := util.Unix(e.opts.Clock)
	if primary {
		rec.State.PrimaryExecuted = true
	} else {
		rec.State.SecondaryExecuted = true
	}
	rec.State.Active = false
	rec.State.ExecutedAt = now
	req := CancellationRequest{OrderHash: sibling, OCOID: id, RequestedAt: now, RequestedBy: caller}

	if e.opts.Store != nil {
		if err := e.opts.Store.SaveExecution(id, rec, req); err != nil {
			return fmt.Errorf("save oco execution: %w", err)
		}
	}
	e.records[id] = &rec
	e.requests[sibling] = &req
	e.refreshGauge()
	metrics.ObserveCancellation("requested")

	e.emit(events.OCOExecuted, id, map[string]any{"executed": orderHash.Hex(), "sibling": sibling.Hex()})
	e.emit(events.CancellationRequested, sibling, map[string]any{"oco": id.Hex(), "readyAt": now + e.delay})
	e.logger.Info("oco_executed",
		zap.String("oco", id.Hex()),
		zap.String("executed", orderHash.Hex()),
		zap.String("sibling", sibling.Hex()))
	return nil
}

// ProcessCancellation cancels the sibling recorded for orderHash. Callable by a globally
// authorized keeper or the pair's restricted keeper once the delay has passed. The request
// is marked processed before the cancel call, and a failed call is logged, not retried.
func (e *Engine) ProcessCancellation(ctx context.Context, caller common.Address, orderHash common.Hash, params []byte) error {
	if !e.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	defer e.entered.Store(false)

	req, err := e.claim(caller, orderHash)
	if err != nil {
		return err
	}

	var cerr error
	if e.opts.Canceller != nil {
		cerr = e.opts.Canceller.CancelOrder(ctx, orderHash, params)
	}
	if cerr != nil {
		e.recordFailure(orderHash, cerr)
		metrics.ObserveCancellation("failed")
		e.emit(events.CancellationFailed, orderHash, map[string]any{"oco": req.OCOID.Hex(), "error": cerr.Error()})
		e.logger.Warn("cancellation_failed",
			zap.String("order", orderHash.Hex()),
			zap.String("oco", req.OCOID.Hex()),
			zap.Error(cerr))
		return nil
	}
	metrics.ObserveCancellation("processed")
	e.emit(events.CancellationProcessed, orderHash, map[string]any{"oco": req.OCOID.Hex(), "by": caller.Hex()})
	return nil
}

// claim validates and marks the request processed.
func (e *Engine) claim(caller common.Address, orderHash common.Hash) (CancellationRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.requests[orderHash]
	if !ok {
		return CancellationRequest{}, ErrCancellationNotRequested
	}
	if !e.isKeeper(caller, cur.OCOID) {
		return CancellationRequest{}, ErrUnauthorizedKeeper
	}
	if cur.Processed {
		return CancellationRequest{}, ErrCancellationAlreadyProcessed
	}
	now := util.Unix(e.opts.Clock)
	if now < cur.RequestedAt+e.delay {
		return CancellationRequest{}, fmt.Errorf("%w: ready at %d", ErrCancellationNotReady, cur.RequestedAt+e.delay)
	}

	req := *cur
	req.Processed = true
	req.ProcessedAt = now
	if e.opts.Store != nil {
		if err := e.opts.Store.SaveCancellation(orderHash, req); err != nil {
			return CancellationRequest{}, fmt.Errorf("save cancellation: %w", err)
		}
	}
	e.requests[orderHash] = &req
	return req, nil
}

func (e *Engine) recordFailure(orderHash common.Hash, cerr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[orderHash]
	if !ok {
		return
	}
	req.Failure = cerr.Error()
	if e.opts.Store != nil {
		if err := e.opts.Store.SaveCancellation(orderHash, *req); err != nil {
			e.logger.Warn("save_cancellation_failed", zap.String("order", orderHash.Hex()), zap.Error(err))
		}
	}
}

// checkLegs resolves both leg orders and requires that they hash to cfg's legs and were
// made by caller.
func (e *Engine) checkLegs(caller common.Address, cfg *Config, legs Legs) error {
	for _, leg := range []struct {
		order *limitorder.Order
		hash  common.Hash
	}{
		{legs.Primary, cfg.PrimaryHash},
		{legs.Secondary, cfg.SecondaryHash},
	} {
		if leg.order == nil {
			return fmt.Errorf("%w: missing order for %s", ErrLegMismatch, leg.hash.Hex())
		}
		h, err := e.opts.Hasher.HashOrder(leg.order)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLegMismatch, err)
		}
		if h != leg.hash {
			return fmt.Errorf("%w: order hashes to %s, not %s", ErrLegMismatch, h.Hex(), leg.hash.Hex())
		}
		if leg.order.Maker != caller {
			return fmt.Errorf("%w: %s is made by %s", ErrUnauthorizedCaller, leg.hash.Hex(), leg.order.Maker.Hex())
		}
	}
	return nil
}

func (e *Engine) isKeeper(caller common.Address, id common.Hash) bool {
	if e.opts.Keepers.IsAuthorized(caller) {
		return true
	}
	rec, ok := e.records[id]
	return ok && rec.Config.RestrictedKeeper != (common.Address{}) && caller == rec.Config.RestrictedKeeper
}

// Status returns a snapshot of the pair and its cancellation requests.
func (e *Engine) Status(id common.Hash) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return Status{}, ErrNotConfigured
	}
	snap := rec.clone()
	st := Status{
		ID:      id,
		Config:  snap.Config,
		State:   snap.State,
		Expired: util.Unix(e.opts.Clock) >= rec.Config.ExpiresAt,
	}
	for _, leg := range []common.Hash{rec.Config.PrimaryHash, rec.Config.SecondaryHash} {
		if req, ok := e.requests[leg]; ok && req.OCOID == id {
			st.Requests = append(st.Requests, *req)
		}
	}
	return st, nil
}

// Cancellation returns the request queued for orderHash.
func (e *Engine) Cancellation(orderHash common.Hash) (CancellationRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[orderHash]
	if !ok {
		return CancellationRequest{}, false
	}
	return *req, true
}

// LinkedID returns the OCO id orderHash belongs to.
func (e *Engine) LinkedID(orderHash common.Hash) (common.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.links[orderHash]
	return id, ok
}

// PendingCancellations lists unprocessed requests whose delay has passed, in hash order.
func (e *Engine) PendingCancellations() []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := util.Unix(e.opts.Clock)
	var out []common.Hash
	for h, req := range e.requests {
		if !req.Processed && now >= req.RequestedAt+e.delay {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// IDs lists configured OCO ids.
func (e *Engine) IDs() []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Hash, 0, len(e.records))
	for id := range e.records {
		out = append(out, id)
	}
	return out
}

func (e *Engine) save(id common.Hash, rec *Record) error {
	if e.opts.Store == nil {
		return nil
	}
	if err := e.opts.Store.SaveOCO(id, *rec); err != nil {
		return fmt.Errorf("save oco: %w", err)
	}
	return nil
}

func (e *Engine) refreshGauge() {
	n := 0
	for _, r := range e.records {
		if r.State.Active {
			n++
		}
	}
	metrics.SetActiveConfigs("oco", n)
}

func (e *Engine) emit(t events.Type, key common.Hash, data map[string]any) {
	e.opts.Events.Emit(events.Event{Type: t, Key: key, Data: data, Timestamp: util.Unix(e.opts.Clock)})
}
