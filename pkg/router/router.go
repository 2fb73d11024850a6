// Package router defines the liquidity-router collaborator and the ABI layouts of the
// opaque payloads exchanged with it.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Router executes a swap described by opaque instructions on behalf of caller.
// It returns the ABI-encoded output amount, or nothing if the caller must infer it.
type Router interface {
	Swap(ctx context.Context, caller common.Address, data []byte) ([]byte, error)
}

var (
	addressTy = mustType("address")
	bytesTy   = mustType("bytes")
	uint256Ty = mustType("uint256")

	instructionArgs = abi.Arguments{{Type: addressTy}, {Type: bytesTy}}
	returnArgs      = abi.Arguments{{Type: uint256Ty}}
	swapArgs        = abi.Arguments{{Type: addressTy}, {Type: addressTy}, {Type: uint256Ty}, {Type: addressTy}}
)

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// EncodeInstructions packs (address router, bytes data) for a taker's fill call.
func EncodeInstructions(router common.Address, data []byte) ([]byte, error) {
	return instructionArgs.Pack(router, data)
}

// DecodeInstructions unpacks EncodeInstructions' layout.
func DecodeInstructions(b []byte) (common.Address, []byte, error) {
	vals, err := instructionArgs.Unpack(b)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	addr, ok1 := vals[0].(common.Address)
	data, ok2 := vals[1].([]byte)
	if !ok1 || !ok2 {
		return common.Address{}, nil, ErrMalformedPayload
	}
	return addr, data, nil
}

// EncodeReturn packs a swap's output amount.
func EncodeReturn(amount *uint256.Int) ([]byte, error) {
	return returnArgs.Pack(amount.ToBig())
}

// DecodeReturn unpacks a swap's output amount. ok is false when ret carries none.
func DecodeReturn(ret []byte) (*uint256.Int, bool) {
	if len(ret) < 32 {
		return nil, false
	}
	vals, err := returnArgs.Unpack(ret)
	if err != nil || len(vals) != 1 {
		return nil, false
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, false
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, false
	}
	return out, true
}

// SwapRequest is the payload understood by the in-process routers.
type SwapRequest struct {
	SrcToken  common.Address
	DstToken  common.Address
	Amount    *uint256.Int
	Recipient common.Address
}

func EncodeSwap(r SwapRequest) ([]byte, error) {
	return swapArgs.Pack(r.SrcToken, r.DstToken, r.Amount.ToBig(), r.Recipient)
}

func DecodeSwap(b []byte) (SwapRequest, error) {
	vals, err := swapArgs.Unpack(b)
	if err != nil {
		return SwapRequest{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	src, ok1 := vals[0].(common.Address)
	dst, ok2 := vals[1].(common.Address)
	amt, ok3 := vals[2].(*big.Int)
	rcpt, ok4 := vals[3].(common.Address)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return SwapRequest{}, ErrMalformedPayload
	}
	amount, overflow := uint256.FromBig(amt)
	if overflow {
		return SwapRequest{}, ErrMalformedPayload
	}
	return SwapRequest{SrcToken: src, DstToken: dst, Amount: amount, Recipient: rcpt}, nil
}
