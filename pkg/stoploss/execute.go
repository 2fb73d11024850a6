package stoploss

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/events"
	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/metrics"
	"github.com/uhyunpark/condorder/pkg/router"
)

// FillExecution is the order engine's post-amount callback for a triggered order.
type FillExecution struct {
	Order        *limitorder.Order
	OrderHash    common.Hash
	Taker        common.Address
	MakingAmount *uint256.Int
	TakingAmount *uint256.Int
	// ExtraSwapInstructions is abi.encode(address router, bytes swapData).
	ExtraSwapInstructions []byte
}

// SwapResult reports what a successful execution delivered.
type SwapResult struct {
	Router    common.Address
	Reference *uint256.Int
	MinReturn *uint256.Int
	Output    *uint256.Int
}

// OnFillExecute swaps the maker's asset through an approved router and forwards the
// output to the taker. Any failure reverts every custody movement made on the way.
func (e *Engine) OnFillExecute(ctx context.Context, caller common.Address, fill FillExecution) (*SwapResult, error) {
	if caller != e.opts.Protocol {
		return nil, ErrOnlyProtocol
	}
	if !e.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	defer e.entered.Store(false)

	cfg, ok := e.Config(fill.OrderHash)
	if !ok {
		return nil, ErrNotConfigured
	}
	if fill.Order == nil || fill.MakingAmount == nil || fill.MakingAmount.IsZero() {
		return nil, limitorder.ErrInvalidQuery
	}

	routerAddr, swapData, err := router.DecodeInstructions(fill.ExtraSwapInstructions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSwapInstructions, err)
	}
	rtr, err := e.approvedRouter(routerAddr)
	if err != nil {
		return nil, err
	}

	reference, err := e.TwapReference(ctx, fill.OrderHash)
	if err != nil {
		return nil, err
	}
	minReturn, err := minReturnFor(&cfg, fill.MakingAmount, reference)
	if err != nil {
		return nil, err
	}

	snap := e.opts.Vault.Snapshot()
	output, err := e.swap(ctx, &cfg, fill, routerAddr, rtr, swapData, minReturn)
	if err != nil {
		if rerr := e.opts.Vault.RevertToSnapshot(snap); rerr != nil {
			e.logger.Error("revert_failed", zap.String("order", fill.OrderHash.Hex()), zap.Error(rerr))
		}
		metrics.ObserveSwap("reverted")
		e.logger.Warn("execution_reverted",
			zap.String("order", fill.OrderHash.Hex()),
			zap.String("router", routerAddr.Hex()),
			zap.Error(err))
		return nil, err
	}
	e.opts.Vault.DiscardSnapshot(snap)
	metrics.ObserveSwap("ok")

	e.emit(events.StopLossExecuted, fill.OrderHash, map[string]any{
		"taker":     fill.Taker.Hex(),
		"router":    routerAddr.Hex(),
		"making":    fill.MakingAmount.Dec(),
		"output":    output.Dec(),
		"minReturn": minReturn.Dec(),
		"reference": reference.Dec(),
	})
	return &SwapResult{Router: routerAddr, Reference: reference, MinReturn: minReturn, Output: output}, nil
}

func (e *Engine) approvedRouter(addr common.Address) (router.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.approved[addr] {
		return nil, fmt.Errorf("%w: %s not approved", ErrInvalidAggregationRouter, addr.Hex())
	}
	r, ok := e.routers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s not registered", ErrInvalidAggregationRouter, addr.Hex())
	}
	return r, nil
}

// minReturnFor prices the making amount at reference and applies the slippage bound.
func minReturnFor(cfg *Config, making, reference *uint256.Int) (*uint256.Int, error) {
	expected, err := takingForMaking(cfg, making, reference)
	if err != nil {
		return nil, err
	}
	return fixed.ApplyBps(expected, fixed.BPS-cfg.MaxSlippageBps)
}

func (e *Engine) swap(ctx context.Context, cfg *Config, fill FillExecution, routerAddr common.Address, rtr router.Router, swapData []byte, minReturn *uint256.Int) (*uint256.Int, error) {
	v := e.opts.Vault
	custody := e.opts.Custody
	makerAsset, takerAsset := fill.Order.MakerAsset, fill.Order.TakerAsset

	if err := v.TransferFrom(custody, makerAsset, cfg.OrderMaker, custody, fill.MakingAmount); err != nil {
		return nil, fmt.Errorf("pull maker asset: %w", err)
	}
	before := v.BalanceOf(takerAsset, custody)
	v.Approve(makerAsset, custody, routerAddr, fill.MakingAmount)

	ret, err := rtr.Swap(ctx, custody, swapData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapExecutionFailed, err)
	}

	output, ok := router.DecodeReturn(ret)
	if !ok {
		after := v.BalanceOf(takerAsset, custody)
		output = new(uint256.Int)
		if after.Gt(before) {
			output.Sub(after, before)
		}
	}
	if output.Lt(minReturn) {
		return nil, fmt.Errorf("%w: got %s, want at least %s", ErrInsufficientSlippage, output.Dec(), minReturn.Dec())
	}

	if !v.Allowance(makerAsset, custody, routerAddr).IsZero() {
		v.Approve(makerAsset, custody, routerAddr, new(uint256.Int))
	}
	if err := v.Transfer(takerAsset, custody, fill.Taker, output); err != nil {
		return nil, fmt.Errorf("forward output: %w", err)
	}
	return output, nil
}
