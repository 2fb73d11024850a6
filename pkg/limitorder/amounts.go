package limitorder

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/fixed"
)

var ErrInvalidQuery = errors.New("invalid amount query")

// AmountCalculator answers "how much is fillable" for one side of a fill.
// Extensions implement it for configured orders and delegate to Proportional otherwise.
type AmountCalculator interface {
	// MakingAmount returns the maker amount for q.TakingAmount.
	MakingAmount(ctx context.Context, q Query) (*uint256.Int, error)
	// TakingAmount returns the taker amount required for q.MakingAmount.
	TakingAmount(ctx context.Context, q Query) (*uint256.Int, error)
}

// Proportional is the base protocol's linear pricing: the order's own making/taking ratio.
// Making rounds down, taking rounds up, both in the maker's favour.
type Proportional struct{}

func (Proportional) MakingAmount(_ context.Context, q Query) (*uint256.Int, error) {
	if q.Order == nil || q.TakingAmount == nil || q.Order.TakingAmount == nil || q.Order.TakingAmount.IsZero() {
		return nil, ErrInvalidQuery
	}
	return fixed.MulDiv(q.Order.MakingAmount, q.TakingAmount, q.Order.TakingAmount)
}

func (Proportional) TakingAmount(_ context.Context, q Query) (*uint256.Int, error) {
	if q.Order == nil || q.MakingAmount == nil || q.Order.MakingAmount == nil || q.Order.MakingAmount.IsZero() {
		return nil, ErrInvalidQuery
	}
	return fixed.MulDivUp(q.Order.TakingAmount, q.MakingAmount, q.Order.MakingAmount)
}

var _ AmountCalculator = Proportional{}
