package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/condorder/pkg/iceberg"
	"github.com/uhyunpark/condorder/pkg/oco"
	"github.com/uhyunpark/condorder/pkg/stoploss"
	"github.com/uhyunpark/condorder/pkg/twap"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) put(key []byte, kind string, v any, opts *pebble.WriteOptions) error {
	data, err := encode(kind, v)
	if err != nil {
		return err
	}
	if err := s.db.Set(key, data, opts); err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return nil
}

func (s *PebbleStore) del(key []byte, kind string) error {
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	return nil
}

// get returns false if key does not exist
func (s *PebbleStore) get(key []byte, kind string, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	defer closer.Close()
	return true, decode(kind, data, v)
}

// loadAll decodes every value under prefix, keyed by the hash in its key.
func loadAll[T any](db *pebble.DB, prefix, kind string) (map[common.Hash]T, error) {
	lower := []byte(prefix)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
	}
	defer iter.Close()

	out := make(map[common.Hash]T)
	for iter.First(); iter.Valid(); iter.Next() {
		h, err := hashFromKey(prefix, iter.Key())
		if err != nil {
			return nil, err
		}
		var v T
		if err := decode(kind, iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("%s %s: %w", kind, h.Hex(), err)
		}
		out[h] = v
	}
	return out, iter.Error()
}

// ============================================================================
// Stop-loss and TWAP
// ============================================================================

func (s *PebbleStore) SaveStopLoss(hash common.Hash, cfg stoploss.Config) error {
	return s.put(hashKey(prefixStopLoss, hash), "stop-loss", cfg, pebble.Sync)
}

func (s *PebbleStore) DeleteStopLoss(hash common.Hash) error {
	return s.del(hashKey(prefixStopLoss, hash), "stop-loss")
}

func (s *PebbleStore) LoadStopLosses() (map[common.Hash]stoploss.Config, error) {
	return loadAll[stoploss.Config](s.db, prefixStopLoss, "stop-loss")
}

// SaveSamples is written without fsync: a lost window only delays the TWAP warm-up.
func (s *PebbleStore) SaveSamples(hash common.Hash, samples []twap.Sample) error {
	return s.put(hashKey(prefixSamples, hash), "samples", samples, pebble.NoSync)
}

func (s *PebbleStore) DeleteSamples(hash common.Hash) error {
	return s.del(hashKey(prefixSamples, hash), "samples")
}

func (s *PebbleStore) LoadSamples() (map[common.Hash][]twap.Sample, error) {
	return loadAll[[]twap.Sample](s.db, prefixSamples, "samples")
}

// ============================================================================
// Iceberg
// ============================================================================

func (s *PebbleStore) SaveIceberg(hash common.Hash, rec iceberg.Record) error {
	return s.put(hashKey(prefixIceberg, hash), "iceberg", rec, pebble.Sync)
}

func (s *PebbleStore) DeleteIceberg(hash common.Hash) error {
	return s.del(hashKey(prefixIceberg, hash), "iceberg")
}

func (s *PebbleStore) LoadIcebergs() (map[common.Hash]iceberg.Record, error) {
	return loadAll[iceberg.Record](s.db, prefixIceberg, "iceberg")
}

// ============================================================================
// OCO
// ============================================================================

// SaveOCO writes the record and both leg links in one batch.
func (s *PebbleStore) SaveOCO(id common.Hash, rec oco.Record) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := setOCO(b, id, rec); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save oco: %w", err)
	}
	return nil
}

// SaveExecution writes the executed pair and the sibling's cancellation request in one
// batch, so neither is visible without the other.
func (s *PebbleStore) SaveExecution(id common.Hash, rec oco.Record, req oco.CancellationRequest) error {
	data, err := encode("cancellation", req)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := setOCO(b, id, rec); err != nil {
		return err
	}
	if err := b.Set(hashKey(prefixCancellation, req.OrderHash), data, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save oco execution: %w", err)
	}
	return nil
}

func setOCO(b *pebble.Batch, id common.Hash, rec oco.Record) error {
	data, err := encode("oco", rec)
	if err != nil {
		return err
	}
	if err := b.Set(hashKey(prefixOCO, id), data, nil); err != nil {
		return err
	}
	for _, leg := range []common.Hash{rec.Config.PrimaryHash, rec.Config.SecondaryHash} {
		if err := b.Set(hashKey(prefixOCOLink, leg), id[:], nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteOCO removes the record and its leg links. Cancellation requests are kept.
func (s *PebbleStore) DeleteOCO(id common.Hash) error {
	var rec oco.Record
	found, err := s.get(hashKey(prefixOCO, id), "oco", &rec)
	if err != nil || !found {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, key := range [][]byte{
		hashKey(prefixOCO, id),
		hashKey(prefixOCOLink, rec.Config.PrimaryHash),
		hashKey(prefixOCOLink, rec.Config.SecondaryHash),
	} {
		if err := b.Delete(key, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete oco: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadOCOs() (map[common.Hash]oco.Record, error) {
	return loadAll[oco.Record](s.db, prefixOCO, "oco")
}

// LinkedOCO returns the OCO id a leg is linked to.
func (s *PebbleStore) LinkedOCO(leg common.Hash) (common.Hash, bool, error) {
	val, closer, err := s.db.Get(hashKey(prefixOCOLink, leg))
	if errors.Is(err, pebble.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("failed to get oco link: %w", err)
	}
	defer closer.Close()
	return common.BytesToHash(val), true, nil
}

func (s *PebbleStore) SaveCancellation(orderHash common.Hash, req oco.CancellationRequest) error {
	return s.put(hashKey(prefixCancellation, orderHash), "cancellation", req, pebble.Sync)
}

func (s *PebbleStore) LoadCancellations() (map[common.Hash]oco.CancellationRequest, error) {
	return loadAll[oco.CancellationRequest](s.db, prefixCancellation, "cancellation")
}

var (
	_ stoploss.Store = (*PebbleStore)(nil)
	_ iceberg.Store  = (*PebbleStore)(nil)
	_ oco.Store      = (*PebbleStore)(nil)
)
