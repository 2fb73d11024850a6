package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Feed is a read-only price source, shaped like an aggregator's latestRoundData.
type Feed interface {
	LatestRoundData(ctx context.Context) (answer *big.Int, updatedAt uint64, err error)
	Decimals() uint8
}

// StaticFeed is an in-process Feed whose answer is pushed by the operator.
// Used by devnet deployments and tests.
type StaticFeed struct {
	mu        sync.RWMutex
	answer    *big.Int
	updatedAt uint64
	decimals  uint8
}

func NewStaticFeed(decimals uint8, answer *big.Int, updatedAt uint64) *StaticFeed {
	return &StaticFeed{answer: new(big.Int).Set(answer), updatedAt: updatedAt, decimals: decimals}
}

// Update replaces the current round.
func (f *StaticFeed) Update(answer *big.Int, updatedAt uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answer = new(big.Int).Set(answer)
	f.updatedAt = updatedAt
}

func (f *StaticFeed) LatestRoundData(_ context.Context) (*big.Int, uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.answer), f.updatedAt, nil
}

func (f *StaticFeed) Decimals() uint8 { return f.decimals }

// Registry maps oracle addresses to feeds.
type Registry struct {
	mu    sync.RWMutex
	feeds map[common.Address]Feed
}

func NewRegistry() *Registry {
	return &Registry{feeds: make(map[common.Address]Feed)}
}

// Register adds a feed under ref. Returns error if ref is already taken.
func (r *Registry) Register(ref common.Address, f Feed) error {
	if ref == (common.Address{}) {
		return ErrInvalidOracle
	}
	if f == nil {
		return fmt.Errorf("cannot register nil feed for %s", ref.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.feeds[ref]; exists {
		return fmt.Errorf("feed %s already registered", ref.Hex())
	}
	r.feeds[ref] = f
	return nil
}

// Feed looks up a feed by address.
func (r *Registry) Feed(ref common.Address) (Feed, error) {
	if ref == (common.Address{}) {
		return nil, ErrInvalidOracle
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOracle, ref.Hex())
	}
	return f, nil
}
