package keeper

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Kind is the work type carried by a descriptor.
type Kind uint8

const (
	KindReveal Kind = 1
	KindCancel Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindReveal:
		return "reveal"
	case KindCancel:
		return "cancel"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var ErrMalformedDescriptor = errors.New("malformed work descriptor")

var descriptorArgs = abi.Arguments{{Type: mustType("uint8")}, {Type: mustType("bytes32[]")}}

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// EncodeDescriptor packs abi.encode(uint8 kind, bytes32[] hashes).
func EncodeDescriptor(kind Kind, hashes []common.Hash) ([]byte, error) {
	raw := make([][32]byte, len(hashes))
	for i, h := range hashes {
		raw[i] = h
	}
	return descriptorArgs.Pack(uint8(kind), raw)
}

// DecodeDescriptor unpacks EncodeDescriptor's layout.
func DecodeDescriptor(b []byte) (Kind, []common.Hash, error) {
	vals, err := descriptorArgs.Unpack(b)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	kind, ok1 := vals[0].(uint8)
	raw, ok2 := vals[1].([][32]byte)
	if !ok1 || !ok2 {
		return 0, nil, ErrMalformedDescriptor
	}
	if Kind(kind) != KindReveal && Kind(kind) != KindCancel {
		return 0, nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedDescriptor, kind)
	}
	hashes := make([]common.Hash, len(raw))
	for i, h := range raw {
		hashes[i] = h
	}
	return Kind(kind), hashes, nil
}
