package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for Pebble storage. Every record is keyed by the order hash or OCO id
// it belongs to:
//
//   sl:<orderHash>    → stoploss.Config
//   twap:<orderHash>  → []twap.Sample
//   ice:<orderHash>   → iceberg.Record
//   oco:<ocoID>       → oco.Record
//   ocl:<orderHash>   → OCO id the leg is linked to
//   ocr:<orderHash>   → oco.CancellationRequest

const (
	prefixStopLoss     = "sl:"
	prefixSamples      = "twap:"
	prefixIceberg      = "ice:"
	prefixOCO          = "oco:"
	prefixOCOLink      = "ocl:"
	prefixCancellation = "ocr:"
)

func hashKey(prefix string, h common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s", prefix, h.Hex()))
}

// hashFromKey parses the hash suffix of a hashKey.
func hashFromKey(prefix string, key []byte) (common.Hash, error) {
	s := string(key)
	if len(s) != len(prefix)+66 || s[:len(prefix)] != prefix {
		return common.Hash{}, fmt.Errorf("unexpected key %q under %q", s, prefix)
	}
	return common.HexToHash(s[len(prefix):]), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
