// Package oracle resolves the relative price of two assets from a pair of feeds.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/util"
)

var (
	ErrInvalidOracle      = errors.New("invalid oracle")
	ErrUnknownOracle      = errors.New("unknown oracle")
	ErrInvalidOraclePrice = errors.New("invalid oracle price")
	ErrStaleOraclePrice   = errors.New("stale oracle price")
	ErrPriceOverflow      = errors.New("oracle price overflow")
	ErrNotOwner           = errors.New("caller is not the owner")
)

// DefaultHeartbeat applies to feeds without an explicit heartbeat.
const DefaultHeartbeat = 4 * time.Hour

// Resolver turns two feed answers into an 18-decimal relative price.
type Resolver struct {
	registry *Registry
	clock    util.Clock
	owner    common.Address

	mu         sync.RWMutex
	heartbeats map[common.Address]time.Duration
	fallback   time.Duration
}

func NewResolver(registry *Registry, clock util.Clock, owner common.Address, fallback time.Duration) *Resolver {
	if fallback <= 0 {
		fallback = DefaultHeartbeat
	}
	return &Resolver{
		registry:   registry,
		clock:      clock,
		owner:      owner,
		heartbeats: make(map[common.Address]time.Duration),
		fallback:   fallback,
	}
}

// SetHeartbeat sets the maximum age of a feed's answer. Zero restores the default.
func (r *Resolver) SetHeartbeat(caller, ref common.Address, heartbeat time.Duration) error {
	if caller != r.owner {
		return ErrNotOwner
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if heartbeat <= 0 {
		delete(r.heartbeats, ref)
		return nil
	}
	r.heartbeats[ref] = heartbeat
	return nil
}

// Heartbeat returns the effective heartbeat for ref.
func (r *Resolver) Heartbeat(ref common.Address) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if hb, ok := r.heartbeats[ref]; ok {
		return hb
	}
	return r.fallback
}

// Decimals reports the feed precision for ref.
func (r *Resolver) Decimals(ref common.Address) (uint8, error) {
	f, err := r.registry.Feed(ref)
	if err != nil {
		return 0, err
	}
	return f.Decimals(), nil
}

// Price returns makerRaw * 1e18 / takerRaw. Both legs are validated independently.
func (r *Resolver) Price(ctx context.Context, makerRef, takerRef common.Address) (*uint256.Int, error) {
	makerRaw, err := r.read(ctx, makerRef)
	if err != nil {
		return nil, fmt.Errorf("maker oracle: %w", err)
	}
	takerRaw, err := r.read(ctx, takerRef)
	if err != nil {
		return nil, fmt.Errorf("taker oracle: %w", err)
	}

	price, err := fixed.MulDiv(makerRaw, fixed.One, takerRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceOverflow, err)
	}
	return price, nil
}

func (r *Resolver) read(ctx context.Context, ref common.Address) (*uint256.Int, error) {
	f, err := r.registry.Feed(ref)
	if err != nil {
		return nil, err
	}
	answer, updatedAt, err := f.LatestRoundData(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest round %s: %w", ref.Hex(), err)
	}
	if answer == nil || answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOraclePrice, ref.Hex())
	}

	heartbeat := uint64(r.Heartbeat(ref) / time.Second)
	if updatedAt+heartbeat < util.Unix(r.clock) {
		return nil, fmt.Errorf("%w: %s updated at %d", ErrStaleOraclePrice, ref.Hex(), updatedAt)
	}

	v, overflow := uint256.FromBig(answer)
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrPriceOverflow, ref.Hex())
	}
	return v, nil
}
