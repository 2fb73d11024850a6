package oco

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// DeriveID returns keccak256(primary || secondary || maker || nonce), a deterministic
// OCO id a maker can compute before configuring.
func DeriveID(primary, secondary common.Hash, maker common.Address, nonce uint64) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(primary[:])
	h.Write(secondary[:])
	h.Write(maker[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h.Write(n[:])
	var id common.Hash
	h.Sum(id[:0])
	return id
}
