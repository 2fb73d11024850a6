package stoploss

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/fixed"
)

const (
	MaxSlippageBps  = 5000
	MaxDeviationBps = 1000
)

var (
	ErrNotConfigured            = errors.New("stop-loss not configured")
	ErrUnauthorizedCaller       = errors.New("unauthorized caller")
	ErrUnauthorizedKeeper       = errors.New("unauthorized keeper")
	ErrOnlyProtocol             = errors.New("only the limit order protocol may call")
	ErrNotOwner                 = errors.New("caller is not the owner")
	ErrInvalidOracle            = errors.New("invalid oracle")
	ErrOracleDecimalsMismatch   = errors.New("oracle decimals mismatch")
	ErrInvalidStopPrice         = errors.New("invalid stop price")
	ErrInvalidSlippageTolerance = errors.New("invalid slippage tolerance")
	ErrInvalidDeviation         = errors.New("invalid max deviation")
	ErrInvalidDecimals          = errors.New("invalid token decimals")
	ErrStopLossNotTriggered     = errors.New("stop-loss not triggered")
	ErrInvalidSwapInstructions  = errors.New("invalid swap instructions")
	ErrInvalidAggregationRouter = errors.New("invalid aggregation router")
	ErrSwapExecutionFailed      = errors.New("swap execution failed")
	ErrInsufficientSlippage     = errors.New("insufficient swap output")
	ErrReentrantCall            = errors.New("reentrant call")
)

// Config is a maker's stop-loss / take-profit setup for one order.
// ThresholdPrice is an 18-decimal maker/taker price.
type Config struct {
	MakerOracle      common.Address `json:"makerOracle"`
	TakerOracle      common.Address `json:"takerOracle"`
	ThresholdPrice   *uint256.Int   `json:"thresholdPrice"`
	MaxSlippageBps   uint64         `json:"maxSlippageBps"`
	MaxDeviationBps  uint64         `json:"maxDeviationBps"`
	IsStopLoss       bool           `json:"isStopLoss"`
	RestrictedKeeper common.Address `json:"restrictedKeeper"`
	OrderMaker       common.Address `json:"orderMaker"`
	ConfiguredAt     uint64         `json:"configuredAt"`
	MakerDecimals    uint8          `json:"makerDecimals"`
	TakerDecimals    uint8          `json:"takerDecimals"`
}

// Triggered reports whether price crosses the threshold in the configured direction.
func (c *Config) Triggered(price *uint256.Int) bool {
	if c.IsStopLoss {
		return price.Lt(c.ThresholdPrice)
	}
	return price.Gt(c.ThresholdPrice)
}

// Kind is "stop_loss" or "take_profit".
func (c *Config) Kind() string {
	if c.IsStopLoss {
		return "stop_loss"
	}
	return "take_profit"
}

func (c Config) clone() Config {
	if c.ThresholdPrice != nil {
		c.ThresholdPrice = c.ThresholdPrice.Clone()
	}
	return c
}

// validate checks the static bounds; oracle decimals are checked by the engine.
func (c *Config) validate() error {
	if c.MakerOracle == (common.Address{}) || c.TakerOracle == (common.Address{}) {
		return ErrInvalidOracle
	}
	if c.ThresholdPrice == nil || c.ThresholdPrice.IsZero() {
		return ErrInvalidStopPrice
	}
	if c.MaxSlippageBps > MaxSlippageBps {
		return fmt.Errorf("%w: %d > %d", ErrInvalidSlippageTolerance, c.MaxSlippageBps, MaxSlippageBps)
	}
	if c.MaxDeviationBps > MaxDeviationBps {
		return fmt.Errorf("%w: %d > %d", ErrInvalidDeviation, c.MaxDeviationBps, MaxDeviationBps)
	}
	if c.MakerDecimals > fixed.Decimals || c.TakerDecimals > fixed.Decimals {
		return fmt.Errorf("%w: maker=%d taker=%d", ErrInvalidDecimals, c.MakerDecimals, c.TakerDecimals)
	}
	return nil
}
