package oco

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/util"
)

// blocked reports whether orderHash is a linked leg that may not be filled: the pair is
// inactive or expired, or the sibling already executed.
func (e *Engine) blocked(q limitorder.Query) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.links[q.OrderHash]
	if !ok {
		return false
	}
	rec := e.records[id]
	if !rec.State.Active || util.Unix(e.opts.Clock) >= rec.Config.ExpiresAt {
		return true
	}
	_, primary := rec.Config.sibling(q.OrderHash)
	if primary {
		return rec.State.SecondaryExecuted
	}
	return rec.State.PrimaryExecuted
}

func (e *Engine) MakingAmount(ctx context.Context, q limitorder.Query) (*uint256.Int, error) {
	if e.blocked(q) {
		return new(uint256.Int), nil
	}
	return e.opts.Fallback.MakingAmount(ctx, q)
}

func (e *Engine) TakingAmount(ctx context.Context, q limitorder.Query) (*uint256.Int, error) {
	if e.blocked(q) {
		return fixed.MaxUint256.Clone(), nil
	}
	return e.opts.Fallback.TakingAmount(ctx, q)
}

var _ limitorder.AmountCalculator = (*Engine)(nil)
