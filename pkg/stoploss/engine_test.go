package stoploss

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/condorder/pkg/events"
	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/oracle"
	"github.com/uhyunpark/condorder/pkg/router"
	"github.com/uhyunpark/condorder/pkg/twap"
	"github.com/uhyunpark/condorder/pkg/util"
	"github.com/uhyunpark/condorder/pkg/vault"
)

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000A11")
	protocol = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
	custody  = common.HexToAddress("0x0000000000000000000000000000000000000C0C")
	maker    = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	taker    = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	keeper   = common.HexToAddress("0xCC00000000000000000000000000000000000000")

	weth = common.HexToAddress("0x00000000000000000000000000000000000000E1")
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000E2")

	wethFeed = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	usdcFeed = common.HexToAddress("0x00000000000000000000000000000000000000F2")
	rtrAddr  = common.HexToAddress("0x00000000000000000000000000000000000000D1")

	orderHash = common.HexToHash("0x5151")
	start     = time.Unix(1_700_000_000, 0)

	// 1e26 / 3e4: the price once the taker feed moves to 0.0003
	droppedPrice = fixed.MustFromDecimal("3333333333333333333333")
)

type harness struct {
	engine   *Engine
	clock    *util.ManualClock
	taker    *oracle.StaticFeed
	ledger   *vault.Ledger
	router   *router.FixedRateRouter
	recorder *events.Recorder
	order    *limitorder.Order
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := util.NewManualClock(start)
	now := uint64(start.Unix())

	reg := oracle.NewRegistry()
	require.NoError(t, reg.Register(wethFeed, oracle.NewStaticFeed(8, big.NewInt(100_000_000), now)))
	takerFeed := oracle.NewStaticFeed(8, big.NewInt(25_000), now)
	require.NoError(t, reg.Register(usdcFeed, takerFeed))
	resolver := oracle.NewResolver(reg, clock, owner, 0)

	ledger := vault.NewLedger()
	ledger.Mint(weth, maker, fixed.Units(10))
	ledger.Approve(weth, maker, custody, fixed.Units(10))
	ledger.Mint(usdc, rtrAddr, uint256.NewInt(1_000_000_000_000))

	rtr := &router.FixedRateRouter{Address: rtrAddr, Vault: ledger, Rate: uint256.NewInt(3300_000_000)}
	rec := &events.Recorder{}

	e := NewEngine(Options{
		Protocol: protocol,
		Owner:    owner,
		Custody:  custody,
		Prices:   resolver,
		Tracker:  twap.NewTracker(twap.DefaultConfig(), clock),
		Vault:    ledger,
		Routers:  map[common.Address]router.Router{rtrAddr: rtr},
		Events:   rec,
		Clock:    clock,
	})
	require.NoError(t, e.SetRouterApproval(owner, rtrAddr, true))

	order := &limitorder.Order{
		Salt:         uint256.NewInt(1),
		Maker:        maker,
		MakerAsset:   weth,
		TakerAsset:   usdc,
		MakingAmount: fixed.One,
		TakingAmount: uint256.NewInt(3800_000_000),
		MakerTraits:  new(uint256.Int),
	}
	return &harness{engine: e, clock: clock, taker: takerFeed, ledger: ledger, router: rtr, recorder: rec, order: order}
}

func stopLossConfig() Config {
	return Config{
		MakerOracle:     wethFeed,
		TakerOracle:     usdcFeed,
		ThresholdPrice:  fixed.Units(3800),
		MaxSlippageBps:  100,
		MaxDeviationBps: 0,
		IsStopLoss:      true,
		OrderMaker:      maker,
		MakerDecimals:   18,
		TakerDecimals:   6,
	}
}

// dropPrice moves the taker feed so the relative price becomes ~3333.
func (h *harness) dropPrice() {
	h.taker.Update(big.NewInt(30_000), util.Unix(h.clock))
}

func TestConfigureValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller common.Address
		mutate func(*Config)
		want   error
	}{
		{"wrong caller", taker, func(*Config) {}, ErrUnauthorizedCaller},
		{"zero maker oracle", maker, func(c *Config) { c.MakerOracle = common.Address{} }, ErrInvalidOracle},
		{"unknown oracle", maker, func(c *Config) { c.TakerOracle = common.HexToAddress("0xdead") }, ErrInvalidOracle},
		{"zero threshold", maker, func(c *Config) { c.ThresholdPrice = new(uint256.Int) }, ErrInvalidStopPrice},
		{"slippage too high", maker, func(c *Config) { c.MaxSlippageBps = 5001 }, ErrInvalidSlippageTolerance},
		{"deviation too high", maker, func(c *Config) { c.MaxDeviationBps = 1001 }, ErrInvalidDeviation},
		{"decimals too high", maker, func(c *Config) { c.TakerDecimals = 19 }, ErrInvalidDecimals},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stopLossConfig()
			tt.mutate(&cfg)
			err := h.engine.Configure(ctx, tt.caller, orderHash, cfg)
			assert.ErrorIs(t, err, tt.want)
			_, ok := h.engine.Config(orderHash)
			assert.False(t, ok, "no state written on failure")
		})
	}
}

func TestConfigureDecimalsMismatch(t *testing.T) {
	h := newHarness(t)
	odd := common.HexToAddress("0x00000000000000000000000000000000000000F3")
	reg := oracle.NewRegistry()
	require.NoError(t, reg.Register(wethFeed, oracle.NewStaticFeed(8, big.NewInt(1), 0)))
	require.NoError(t, reg.Register(odd, oracle.NewStaticFeed(18, big.NewInt(1), 0)))
	h.engine.opts.Prices = oracle.NewResolver(reg, h.clock, owner, 0)

	cfg := stopLossConfig()
	cfg.TakerOracle = odd
	err := h.engine.Configure(context.Background(), maker, orderHash, cfg)
	assert.ErrorIs(t, err, ErrOracleDecimalsMismatch)
}

func TestConfigureOverwritesAndSeedsTwap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, stopLossConfig()))
	assert.Equal(t, twap.Warming, h.engine.opts.Tracker.Phase(orderHash))

	cfg := stopLossConfig()
	cfg.ThresholdPrice = fixed.Units(3900)
	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, cfg))

	got, ok := h.engine.Config(orderHash)
	require.True(t, ok)
	assert.Equal(t, fixed.Units(3900).Dec(), got.ThresholdPrice.Dec())
	assert.Equal(t, uint64(start.Unix()), got.ConfiguredAt)
	// reconfiguration restarts the window
	assert.Len(t, h.engine.opts.Tracker.Samples(orderHash), 1)
	assert.Equal(t, []events.Type{events.StopLossConfigured, events.StopLossConfigured}, h.recorder.Types())
}

func TestConfigureRejectsForeignMaker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, stopLossConfig()))

	hijack := stopLossConfig()
	hijack.OrderMaker = taker
	hijack.ThresholdPrice = fixed.Units(1)
	assert.ErrorIs(t, h.engine.Configure(ctx, taker, orderHash, hijack), ErrUnauthorizedCaller)

	got, ok := h.engine.Config(orderHash)
	require.True(t, ok)
	assert.Equal(t, maker, got.OrderMaker)
	assert.Equal(t, fixed.Units(3800).Dec(), got.ThresholdPrice.Dec())
	assert.Equal(t, []events.Type{events.StopLossConfigured}, h.recorder.Types())
}

func TestIsTriggeredStopLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, stopLossConfig()))

	triggered, price, err := h.engine.IsTriggered(ctx, orderHash)
	require.NoError(t, err)
	assert.False(t, triggered)
	assert.Equal(t, fixed.Units(4000).Dec(), price.Dec())

	h.dropPrice()
	triggered, price, err = h.engine.IsTriggered(ctx, orderHash)
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, droppedPrice.Dec(), price.Dec())
}

func TestIsTriggeredTakeProfit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := stopLossConfig()
	cfg.IsStopLoss = false
	cfg.ThresholdPrice = fixed.Units(3900)
	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, cfg))

	triggered, _, err := h.engine.IsTriggered(ctx, orderHash)
	require.NoError(t, err)
	assert.True(t, triggered)

	h.dropPrice()
	triggered, _, err = h.engine.IsTriggered(ctx, orderHash)
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestIsTriggeredUnknown(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.engine.IsTriggered(context.Background(), orderHash)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAmountsBlockedUntilTriggered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, stopLossConfig()))

	q := limitorder.Query{Order: h.order, OrderHash: orderHash, MakingAmount: fixed.One, TakingAmount: uint256.NewInt(3333_333_333)}

	making, err := h.engine.MakingAmount(ctx, q)
	require.NoError(t, err)
	assert.True(t, making.IsZero())

	taking, err := h.engine.TakingAmount(ctx, q)
	require.NoError(t, err)
	assert.True(t, taking.Eq(fixed.MaxUint256))

	h.dropPrice()

	taking, err = h.engine.TakingAmount(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, uint64(3333_333_333), taking.Uint64())

	making, err = h.engine.MakingAmount(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "999999999900000000", making.Dec())
}

func TestAmountsUnconfiguredFallBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	q := limitorder.Query{Order: h.order, OrderHash: orderHash, MakingAmount: fixed.One}
	taking, err := h.engine.TakingAmount(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, uint64(3800_000_000), taking.Uint64())
}

func TestPreFillCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := stopLossConfig()
	cfg.RestrictedKeeper = keeper
	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, cfg))

	assert.ErrorIs(t, h.engine.PreFillCheck(ctx, taker, orderHash, keeper), ErrOnlyProtocol)
	assert.ErrorIs(t, h.engine.PreFillCheck(ctx, protocol, orderHash, taker), ErrUnauthorizedKeeper)
	assert.ErrorIs(t, h.engine.PreFillCheck(ctx, protocol, orderHash, keeper), ErrStopLossNotTriggered)
	// failed checks do not record samples
	assert.Len(t, h.engine.opts.Tracker.Samples(orderHash), 1)

	h.dropPrice()
	require.NoError(t, h.engine.PreFillCheck(ctx, protocol, orderHash, keeper))
	assert.Len(t, h.engine.opts.Tracker.Samples(orderHash), 2)
}

func TestPreFillCheckDeviationGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := stopLossConfig()
	cfg.MaxDeviationBps = 1000
	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, cfg))

	// a 16.7% jump against the seeded sample is rejected before the trigger is evaluated
	h.dropPrice()
	err := h.engine.PreFillCheck(ctx, protocol, orderHash, taker)
	assert.ErrorIs(t, err, twap.ErrPriceDeviationTooHigh)

	// once the seeded sample leaves the window the move is accepted
	h.clock.Advance(twap.DefaultWindow + time.Second)
	h.dropPrice()
	assert.NoError(t, h.engine.PreFillCheck(ctx, protocol, orderHash, taker))
}

// hookedPrices runs hook before each price read.
type hookedPrices struct {
	PriceSource
	hook func()
}

func (p *hookedPrices) Price(ctx context.Context, makerRef, takerRef common.Address) (*uint256.Int, error) {
	if p.hook != nil {
		p.hook()
	}
	return p.PriceSource.Price(ctx, makerRef, takerRef)
}

func TestPreFillCheckRemovedMidCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	prices := &hookedPrices{PriceSource: h.engine.opts.Prices}
	h.engine.opts.Prices = prices
	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, stopLossConfig()))

	h.dropPrice()
	prices.hook = func() {
		prices.hook = nil
		require.NoError(t, h.engine.Remove(maker, orderHash))
	}
	assert.ErrorIs(t, h.engine.PreFillCheck(ctx, protocol, orderHash, taker), ErrNotConfigured)
	assert.Equal(t, twap.Empty, h.engine.opts.Tracker.Phase(orderHash), "no samples for a removed order")
}

func TestRemove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Configure(ctx, maker, orderHash, stopLossConfig()))

	assert.ErrorIs(t, h.engine.Remove(taker, orderHash), ErrUnauthorizedCaller)
	require.NoError(t, h.engine.Remove(maker, orderHash))
	_, ok := h.engine.Config(orderHash)
	assert.False(t, ok)
	assert.Equal(t, twap.Empty, h.engine.opts.Tracker.Phase(orderHash))
	assert.ErrorIs(t, h.engine.Remove(maker, orderHash), ErrNotConfigured)
}

func TestRouterApprovalOwnerOnly(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.engine.SetRouterApproval(maker, rtrAddr, false), ErrNotOwner)
	assert.ErrorIs(t, h.engine.RegisterRouter(maker, rtrAddr, h.router), ErrNotOwner)
}
