// Package limitorder describes the orders the extensions are attached to and the
// default amount arithmetic the base protocol applies when no extension is configured.
package limitorder

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Order mirrors the base protocol's order struct.
type Order struct {
	Salt         *uint256.Int   `json:"salt"`
	Maker        common.Address `json:"maker"`
	Receiver     common.Address `json:"receiver"`
	MakerAsset   common.Address `json:"makerAsset"`
	TakerAsset   common.Address `json:"takerAsset"`
	MakingAmount *uint256.Int   `json:"makingAmount"`
	TakingAmount *uint256.Int   `json:"takingAmount"`
	MakerTraits  *uint256.Int   `json:"makerTraits"`
}

// ReceiverOrMaker returns where the taker asset should be delivered.
func (o *Order) ReceiverOrMaker() common.Address {
	if o.Receiver == (common.Address{}) {
		return o.Maker
	}
	return o.Receiver
}

// Query carries the arguments of a fillable-amount request from the order engine.
// MakingAmount is set for TakingAmount queries and vice versa.
type Query struct {
	Order                 *Order
	OrderHash             common.Hash
	Taker                 common.Address
	MakingAmount          *uint256.Int
	TakingAmount          *uint256.Int
	RemainingMakingAmount *uint256.Int
	ExtraData             []byte
}
