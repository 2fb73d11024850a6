package storage

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/condorder/pkg/iceberg"
	"github.com/uhyunpark/condorder/pkg/oco"
	"github.com/uhyunpark/condorder/pkg/stoploss"
	"github.com/uhyunpark/condorder/pkg/twap"
)

// MemoryStore keeps records in maps. Values round-trip through JSON so callers never
// share pointers with the store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[common.Hash][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[common.Hash][]byte)}
}

func (s *MemoryStore) put(prefix string, h common.Hash, v any) error {
	b, err := encode(prefix, v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(prefix)[h] = b
	return nil
}

// bucket returns the map for prefix, creating it. Callers hold s.mu.
func (s *MemoryStore) bucket(prefix string) map[common.Hash][]byte {
	m, ok := s.data[prefix]
	if !ok {
		m = make(map[common.Hash][]byte)
		s.data[prefix] = m
	}
	return m
}

func (s *MemoryStore) del(prefix string, h common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[prefix], h)
	return nil
}

func memLoad[T any](s *MemoryStore, prefix string) (map[common.Hash]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[common.Hash]T, len(s.data[prefix]))
	for h, b := range s.data[prefix] {
		var v T
		if err := decode(prefix, b, &v); err != nil {
			return nil, err
		}
		out[h] = v
	}
	return out, nil
}

func (s *MemoryStore) SaveStopLoss(hash common.Hash, cfg stoploss.Config) error {
	return s.put(prefixStopLoss, hash, cfg)
}
func (s *MemoryStore) DeleteStopLoss(hash common.Hash) error { return s.del(prefixStopLoss, hash) }
func (s *MemoryStore) LoadStopLosses() (map[common.Hash]stoploss.Config, error) {
	return memLoad[stoploss.Config](s, prefixStopLoss)
}

func (s *MemoryStore) SaveSamples(hash common.Hash, samples []twap.Sample) error {
	return s.put(prefixSamples, hash, samples)
}
func (s *MemoryStore) DeleteSamples(hash common.Hash) error { return s.del(prefixSamples, hash) }
func (s *MemoryStore) LoadSamples() (map[common.Hash][]twap.Sample, error) {
	return memLoad[[]twap.Sample](s, prefixSamples)
}

func (s *MemoryStore) SaveIceberg(hash common.Hash, rec iceberg.Record) error {
	return s.put(prefixIceberg, hash, rec)
}
func (s *MemoryStore) DeleteIceberg(hash common.Hash) error { return s.del(prefixIceberg, hash) }
func (s *MemoryStore) LoadIcebergs() (map[common.Hash]iceberg.Record, error) {
	return memLoad[iceberg.Record](s, prefixIceberg)
}

func (s *MemoryStore) SaveOCO(id common.Hash, rec oco.Record) error {
	return s.put(prefixOCO, id, rec)
}
func (s *MemoryStore) DeleteOCO(id common.Hash) error { return s.del(prefixOCO, id) }
func (s *MemoryStore) LoadOCOs() (map[common.Hash]oco.Record, error) {
	return memLoad[oco.Record](s, prefixOCO)
}

// SaveExecution stores the pair and the cancellation request under one lock.
func (s *MemoryStore) SaveExecution(id common.Hash, rec oco.Record, req oco.CancellationRequest) error {
	recData, err := encode(prefixOCO, rec)
	if err != nil {
		return err
	}
	reqData, err := encode(prefixCancellation, req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(prefixOCO)[id] = recData
	s.bucket(prefixCancellation)[req.OrderHash] = reqData
	return nil
}

func (s *MemoryStore) SaveCancellation(orderHash common.Hash, req oco.CancellationRequest) error {
	return s.put(prefixCancellation, orderHash, req)
}
func (s *MemoryStore) LoadCancellations() (map[common.Hash]oco.CancellationRequest, error) {
	return memLoad[oco.CancellationRequest](s, prefixCancellation)
}

var (
	_ stoploss.Store = (*MemoryStore)(nil)
	_ iceberg.Store  = (*MemoryStore)(nil)
	_ oco.Store      = (*MemoryStore)(nil)
)
