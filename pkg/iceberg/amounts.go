package iceberg

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/util"
)

// available is min(remaining order amount, current chunk max); zero when inactive.
func (e *Engine) available(q limitorder.Query) (*Record, *uint256.Int, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.records[q.OrderHash]
	if !ok {
		return nil, nil, false, nil
	}
	rec := cur.clone()
	if !rec.State.Active {
		return &rec, new(uint256.Int), true, nil
	}
	chunk, err := rec.chunkMax(util.Unix(e.opts.Clock))
	if err != nil {
		return nil, nil, true, err
	}
	if q.RemainingMakingAmount != nil {
		chunk = fixed.Min(chunk, q.RemainingMakingAmount)
	}
	return &rec, chunk, true, nil
}

// MakingAmount returns the maker amount for q.TakingAmount at the iceberg's total
// rate, capped at what is currently visible.
func (e *Engine) MakingAmount(ctx context.Context, q limitorder.Query) (*uint256.Int, error) {
	rec, avail, ok, err := e.available(q)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.opts.Fallback.MakingAmount(ctx, q)
	}
	if avail.IsZero() {
		return avail, nil
	}
	if q.TakingAmount == nil {
		return nil, limitorder.ErrInvalidQuery
	}
	making, err := fixed.MulDiv(q.TakingAmount, rec.Config.TotalMaking, rec.Config.TotalTaking)
	if err != nil {
		return nil, err
	}
	return fixed.Min(making, avail), nil
}

// TakingAmount returns the proportional share of the total taking amount for
// q.MakingAmount, rounded up. Requests beyond the visible chunk are blocked with MaxUint256.
func (e *Engine) TakingAmount(ctx context.Context, q limitorder.Query) (*uint256.Int, error) {
	rec, avail, ok, err := e.available(q)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.opts.Fallback.TakingAmount(ctx, q)
	}
	if q.MakingAmount == nil {
		return nil, limitorder.ErrInvalidQuery
	}
	if avail.IsZero() || q.MakingAmount.Gt(avail) {
		return fixed.MaxUint256.Clone(), nil
	}
	return fixed.MulDivUp(q.MakingAmount, rec.Config.TotalTaking, rec.Config.TotalMaking)
}

var _ limitorder.AmountCalculator = (*Engine)(nil)
