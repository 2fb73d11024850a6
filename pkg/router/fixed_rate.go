package router

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/vault"
)

// FixedRateRouter swaps at a fixed 18-decimal rate out of its own inventory.
// out = amount * Rate / 1e18, paid to the request's recipient.
type FixedRateRouter struct {
	Address common.Address
	Vault   vault.Vault
	Rate    *uint256.Int
	// SilentReturn makes Swap return no data so callers fall back to balance deltas.
	SilentReturn bool
}

func (r *FixedRateRouter) Swap(_ context.Context, caller common.Address, data []byte) ([]byte, error) {
	req, err := DecodeSwap(data)
	if err != nil {
		return nil, err
	}
	if err := r.Vault.TransferFrom(r.Address, req.SrcToken, caller, r.Address, req.Amount); err != nil {
		return nil, fmt.Errorf("pull %s: %w", req.SrcToken.Hex(), err)
	}
	out, err := fixed.MulDiv(req.Amount, r.Rate, fixed.One)
	if err != nil {
		return nil, err
	}
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = caller
	}
	if err := r.Vault.Transfer(req.DstToken, r.Address, recipient, out); err != nil {
		return nil, fmt.Errorf("pay %s: %w", req.DstToken.Hex(), err)
	}
	if r.SilentReturn {
		return nil, nil
	}
	return EncodeReturn(out)
}

var _ Router = (*FixedRateRouter)(nil)
