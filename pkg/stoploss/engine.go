// Package stoploss implements stop-loss and take-profit orders: an order becomes fillable
// once an oracle-derived price crosses the maker's threshold, and is realized through a
// slippage-bounded market swap.
package stoploss

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/events"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/metrics"
	"github.com/uhyunpark/condorder/pkg/router"
	"github.com/uhyunpark/condorder/pkg/twap"
	"github.com/uhyunpark/condorder/pkg/util"
	"github.com/uhyunpark/condorder/pkg/vault"
)

// PriceSource is the slice of oracle.Resolver the engine uses.
type PriceSource interface {
	Price(ctx context.Context, makerRef, takerRef common.Address) (*uint256.Int, error)
	Decimals(ref common.Address) (uint8, error)
}

// Store persists configs and TWAP windows. A nil Store keeps everything in memory.
type Store interface {
	SaveStopLoss(hash common.Hash, cfg Config) error
	DeleteStopLoss(hash common.Hash) error
	LoadStopLosses() (map[common.Hash]Config, error)
	SaveSamples(hash common.Hash, samples []twap.Sample) error
	DeleteSamples(hash common.Hash) error
	LoadSamples() (map[common.Hash][]twap.Sample, error)
}

type Options struct {
	// Protocol is the order engine allowed to drive fills.
	Protocol common.Address
	// Owner manages router approvals.
	Owner common.Address
	// Custody is the account the swap leg runs through.
	Custody common.Address

	Prices   PriceSource
	Tracker  *twap.Tracker
	Vault    vault.Vault
	Routers  map[common.Address]router.Router
	Fallback limitorder.AmountCalculator
	Store    Store
	Events   events.Emitter
	Clock    util.Clock
	Logger   *zap.Logger
}

// Engine holds per-order trigger configuration and evaluates it.
type Engine struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	configs  map[common.Hash]Config
	approved map[common.Address]bool
	routers  map[common.Address]router.Router

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
	if opts.Tracker == nil {
		opts.Tracker = twap.NewTracker(twap.DefaultConfig(), opts.Clock)
	}
	routers := make(map[common.Address]router.Router, len(opts.Routers))
	for a, r := range opts.Routers {
		routers[a] = r
	}
	return &Engine{
		opts:     opts,
		logger:   util.OrNop(opts.Logger).Named("stoploss"),
		configs:  make(map[common.Hash]Config),
		approved: make(map[common.Address]bool),
		routers:  routers,
	}
}

// Load restores configs and price windows from the store.
func (e *Engine) Load(_ context.Context) error {
	if e.opts.Store == nil {
		return nil
	}
	configs, err := e.opts.Store.LoadStopLosses()
	if err != nil {
		return fmt.Errorf("load stop-loss configs: %w", err)
	}
	samples, err := e.opts.Store.LoadSamples()
	if err != nil {
		return fmt.Errorf("load twap samples: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for h, c := range configs {
		e.configs[h] = c
	}
	for h, s := range samples {
		e.opts.Tracker.Restore(h, s)
	}
	metrics.SetActiveConfigs("stoploss", len(e.configs))
	e.logger.Info("restored", zap.Int("configs", len(configs)), zap.Int("histories", len(samples)))
	return nil
}

// SetRouterApproval allows or forbids a liquidity router. Owner only.
func (e *Engine) SetRouterApproval(caller, addr common.Address, approved bool) error {
	if caller != e.opts.Owner {
		return ErrNotOwner
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if approved {
		e.approved[addr] = true
	} else {
		delete(e.approved, addr)
	}
	e.logger.Info("router_approval", zap.String("router", addr.Hex()), zap.Bool("approved", approved))
	return nil
}

// RegisterRouter binds an address to a router implementation. Owner only; approval is separate.
func (e *Engine) RegisterRouter(caller, addr common.Address, r router.Router) error {
	if caller != e.opts.Owner {
		return ErrNotOwner
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routers[addr] = r
	return nil
}

// Configure stores cfg for orderHash, replacing any earlier config, and seeds the
// price window with the current price.
func (e *Engine) Configure(ctx context.Context, caller common.Address, orderHash common.Hash, cfg Config) error {
	if caller != cfg.OrderMaker {
		return ErrUnauthorizedCaller
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	makerDec, err := e.opts.Prices.Decimals(cfg.MakerOracle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOracle, err)
	}
	takerDec, err := e.opts.Prices.Decimals(cfg.TakerOracle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOracle, err)
	}
	if makerDec != takerDec {
		return fmt.Errorf("%w: %d != %d", ErrOracleDecimalsMismatch, makerDec, takerDec)
	}

	price, err := e.opts.Prices.Price(ctx, cfg.MakerOracle, cfg.TakerOracle)
	if err != nil {
		return err
	}

	cfg = cfg.clone()
	cfg.ConfiguredAt = util.Unix(e.opts.Clock)

	e.mu.Lock()
	defer e.mu.Unlock()

	// only the maker that configured an order may replace its config
	if prev, ok := e.configs[orderHash]; ok && prev.OrderMaker != caller {
		return ErrUnauthorizedCaller
	}
	if e.opts.Store != nil {
		if err := e.opts.Store.SaveStopLoss(orderHash, cfg); err != nil {
			return fmt.Errorf("save stop-loss: %w", err)
		}
	}
	e.configs[orderHash] = cfg
	e.opts.Tracker.Reset(orderHash)
	e.opts.Tracker.Record(orderHash, price)
	e.persistSamples(orderHash)
	metrics.SetActiveConfigs("stoploss", len(e.configs))

	e.emit(events.StopLossConfigured, orderHash, map[string]any{
		"maker":     cfg.OrderMaker.Hex(),
		"kind":      cfg.Kind(),
		"threshold": cfg.ThresholdPrice.Dec(),
		"price":     price.Dec(),
	})
	return nil
}

// Remove deletes the config for orderHash. Only its maker may remove it.
func (e *Engine) Remove(caller common.Address, orderHash common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, ok := e.configs[orderHash]
	if !ok {
		return ErrNotConfigured
	}
	if caller != cfg.OrderMaker {
		return ErrUnauthorizedCaller
	}
	if e.opts.Store != nil {
		if err := e.opts.Store.DeleteStopLoss(orderHash); err != nil {
			return fmt.Errorf("delete stop-loss: %w", err)
		}
		if err := e.opts.Store.DeleteSamples(orderHash); err != nil {
			e.logger.Warn("delete_samples_failed", zap.String("order", orderHash.Hex()), zap.Error(err))
		}
	}
	delete(e.configs, orderHash)
	e.opts.Tracker.Reset(orderHash)
	metrics.SetActiveConfigs("stoploss", len(e.configs))
	e.emit(events.StopLossRemoved, orderHash, nil)
	return nil
}

// Config returns a copy of the config for orderHash.
func (e *Engine) Config(orderHash common.Hash) (Config, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.configs[orderHash]
	if !ok {
		return Config{}, false
	}
	return cfg.clone(), true
}

// Hashes lists configured order hashes.
func (e *Engine) Hashes() []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Hash, 0, len(e.configs))
	for h := range e.configs {
		out = append(out, h)
	}
	return out
}

// IsTriggered evaluates the trigger against the spot price. The TWAP is not consulted here.
func (e *Engine) IsTriggered(ctx context.Context, orderHash common.Hash) (bool, *uint256.Int, error) {
	cfg, ok := e.Config(orderHash)
	if !ok {
		return false, nil, ErrNotConfigured
	}
	price, err := e.opts.Prices.Price(ctx, cfg.MakerOracle, cfg.TakerOracle)
	if err != nil {
		return false, nil, err
	}
	triggered := cfg.Triggered(price)
	metrics.ObserveTrigger(triggered)
	return triggered, price, nil
}

// TwapReference returns the execution-time reference price for orderHash.
func (e *Engine) TwapReference(ctx context.Context, orderHash common.Hash) (*uint256.Int, error) {
	cfg, ok := e.Config(orderHash)
	if !ok {
		return nil, ErrNotConfigured
	}
	return e.opts.Tracker.Reference(orderHash, func() (*uint256.Int, error) {
		return e.opts.Prices.Price(ctx, cfg.MakerOracle, cfg.TakerOracle)
	})
}

// PreFillCheck runs before settlement: keeper restriction, deviation guard, then the
// trigger condition on a freshly resolved price. The price is recorded only on success.
func (e *Engine) PreFillCheck(ctx context.Context, caller common.Address, orderHash common.Hash, taker common.Address) error {
	if caller != e.opts.Protocol {
		return ErrOnlyProtocol
	}
	cfg, ok := e.Config(orderHash)
	if !ok {
		return ErrNotConfigured
	}
	if cfg.RestrictedKeeper != (common.Address{}) && taker != cfg.RestrictedKeeper {
		return fmt.Errorf("%w: %s", ErrUnauthorizedKeeper, taker.Hex())
	}

	price, err := e.opts.Prices.Price(ctx, cfg.MakerOracle, cfg.TakerOracle)
	if err != nil {
		return err
	}
	if err := e.opts.Tracker.CheckDeviation(orderHash, price, cfg.MaxDeviationBps); err != nil {
		return err
	}
	triggered := cfg.Triggered(price)
	metrics.ObserveTrigger(triggered)
	if !triggered {
		return fmt.Errorf("%w: price %s, threshold %s", ErrStopLossNotTriggered, price.Dec(), cfg.ThresholdPrice.Dec())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// a concurrent Remove may have dropped the order since the config was read
	if _, ok := e.configs[orderHash]; !ok {
		return ErrNotConfigured
	}
	e.opts.Tracker.Record(orderHash, price)
	e.persistSamples(orderHash)
	return nil
}

func (e *Engine) persistSamples(orderHash common.Hash) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.SaveSamples(orderHash, e.opts.Tracker.Samples(orderHash)); err != nil {
		e.logger.Warn("save_samples_failed", zap.String("order", orderHash.Hex()), zap.Error(err))
	}
}

func (e *Engine) emit(t events.Type, key common.Hash, data map[string]any) {
	e.opts.Events.Emit(events.Event{Type: t, Key: key, Data: data, Timestamp: util.Unix(e.opts.Clock)})
}
