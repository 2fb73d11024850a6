package stoploss

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/limitorder"
)

// MakingAmount returns the maker amount fillable for q.TakingAmount. Unconfigured
// orders use the fallback calculator; untriggered ones are not fillable.
func (e *Engine) MakingAmount(ctx context.Context, q limitorder.Query) (*uint256.Int, error) {
	cfg, ok := e.Config(q.OrderHash)
	if !ok {
		return e.opts.Fallback.MakingAmount(ctx, q)
	}
	triggered, price, err := e.IsTriggered(ctx, q.OrderHash)
	if err != nil {
		return nil, err
	}
	if !triggered {
		return new(uint256.Int), nil
	}
	return makingForTaking(&cfg, q.TakingAmount, price)
}

// TakingAmount returns the taker amount required for q.MakingAmount, or MaxUint256
// while the trigger has not fired.
func (e *Engine) TakingAmount(ctx context.Context, q limitorder.Query) (*uint256.Int, error) {
	cfg, ok := e.Config(q.OrderHash)
	if !ok {
		return e.opts.Fallback.TakingAmount(ctx, q)
	}
	triggered, price, err := e.IsTriggered(ctx, q.OrderHash)
	if err != nil {
		return nil, err
	}
	if !triggered {
		return fixed.MaxUint256.Clone(), nil
	}
	return takingForMaking(&cfg, q.MakingAmount, price)
}

// makingForTaking: making = taking / price, through the 18-decimal unit.
func makingForTaking(cfg *Config, taking, price *uint256.Int) (*uint256.Int, error) {
	if taking == nil {
		return nil, limitorder.ErrInvalidQuery
	}
	taking18, err := fixed.ToCanonical(taking, cfg.TakerDecimals)
	if err != nil {
		return nil, err
	}
	making18, err := fixed.MulDiv(taking18, fixed.One, price)
	if err != nil {
		return nil, err
	}
	return fixed.FromCanonical(making18, cfg.MakerDecimals)
}

// takingForMaking: taking = making * price, through the 18-decimal unit.
func takingForMaking(cfg *Config, making, price *uint256.Int) (*uint256.Int, error) {
	if making == nil {
		return nil, limitorder.ErrInvalidQuery
	}
	making18, err := fixed.ToCanonical(making, cfg.MakerDecimals)
	if err != nil {
		return nil, err
	}
	taking18, err := fixed.MulDiv(making18, price, fixed.One)
	if err != nil {
		return nil, err
	}
	return fixed.FromCanonical(taking18, cfg.TakerDecimals)
}

var _ limitorder.AmountCalculator = (*Engine)(nil)
