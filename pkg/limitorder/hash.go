package limitorder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

// Domain is the EIP-712 domain of the base protocol deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the protocol domain on a local dev chain.
func DefaultDomain() Domain {
	return Domain{
		Name:              "1inch Limit Order Protocol",
		Version:           "4",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// Hasher computes order hashes (resolveOrderHash).
type Hasher struct {
	domain Domain
}

func NewHasher(domain Domain) *Hasher {
	return &Hasher{domain: domain}
}

var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []apitypes.Type{
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "makerAsset", Type: "address"},
		{Name: "takerAsset", Type: "address"},
		{Name: "makingAmount", Type: "uint256"},
		{Name: "takingAmount", Type: "uint256"},
		{Name: "makerTraits", Type: "uint256"},
	},
}

// HashOrder returns keccak256("\x19\x01" || domainSeparator || hashStruct(order)).
func (h *Hasher) HashOrder(o *Order) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              h.domain.Name,
			Version:           h.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(h.domain.ChainID),
			VerifyingContract: h.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":         decString(o.Salt),
			"maker":        o.Maker.Hex(),
			"receiver":     o.Receiver.Hex(),
			"makerAsset":   o.MakerAsset.Hex(),
			"takerAsset":   o.TakerAsset.Hex(),
			"makingAmount": decString(o.MakingAmount),
			"takingAmount": decString(o.TakingAmount),
			"makerTraits":  decString(o.MakerTraits),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash order: %w", err)
	}

	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
