// Package twap keeps a short, time-pruned price history per order and derives a
// manipulation-resistant reference price from it.
package twap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/util"
)

var ErrPriceDeviationTooHigh = errors.New("price deviation too high")

const (
	DefaultWindow     = 300 * time.Second
	DefaultRecency    = 120 * time.Second
	DefaultMaxSamples = 64
)

// Sample is one observed 18-decimal price.
type Sample struct {
	Price     *uint256.Int `json:"price"`
	Timestamp uint64       `json:"timestamp"`
}

// Phase of a key's history.
type Phase int

const (
	Empty Phase = iota
	Warming
	Steady
)

func (p Phase) String() string {
	switch p {
	case Empty:
		return "empty"
	case Warming:
		return "warming"
	case Steady:
		return "steady"
	default:
		return "unknown"
	}
}

type Config struct {
	Window     time.Duration
	Recency    time.Duration
	MaxSamples int
}

func DefaultConfig() Config {
	return Config{Window: DefaultWindow, Recency: DefaultRecency, MaxSamples: DefaultMaxSamples}
}

// Tracker owns the per-order sample windows.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	clock   util.Clock
	samples map[common.Hash][]Sample
}

func NewTracker(cfg Config, clock util.Clock) *Tracker {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Recency <= 0 {
		cfg.Recency = def.Recency
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	return &Tracker{cfg: cfg, clock: clock, samples: make(map[common.Hash][]Sample)}
}

// Record appends a sample stamped with the current time and prunes the window.
func (t *Tracker) Record(key common.Hash, price *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := util.Unix(t.clock)
	s := append(t.samples[key], Sample{Price: price.Clone(), Timestamp: now})
	t.samples[key] = t.prune(s, now)
}

// expired counts the leading samples older than the window.
func (t *Tracker) expired(s []Sample, now uint64) int {
	window := uint64(t.cfg.Window / time.Second)
	cut := 0
	if now > window {
		cutoff := now - window
		for cut < len(s) && s[cut].Timestamp < cutoff {
			cut++
		}
	}
	return cut
}

// live returns the samples still inside the window without touching the buffer.
func (t *Tracker) live(key common.Hash, now uint64) []Sample {
	s := t.samples[key]
	return s[t.expired(s, now):]
}

// prune drops samples older than the window, oldest first, then enforces MaxSamples.
// Only Record mutates the buffer; reads go through live.
func (t *Tracker) prune(s []Sample, now uint64) []Sample {
	cut := t.expired(s, now)
	if over := len(s) - cut - t.cfg.MaxSamples; over > 0 {
		cut += over
	}
	if cut == 0 {
		return s
	}
	out := make([]Sample, len(s)-cut)
	copy(out, s[cut:])
	return out
}

// Phase reports EMPTY / WARMING / STEADY for key.
func (t *Tracker) Phase(key common.Hash) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch n := len(t.live(key, util.Unix(t.clock))); {
	case n == 0:
		return Empty
	case n == 1:
		return Warming
	default:
		return Steady
	}
}

// Reference returns the smoothed price for key. With no history it defers to fallback.
func (t *Tracker) Reference(key common.Hash, fallback func() (*uint256.Int, error)) (*uint256.Int, error) {
	ref, ok, err := t.reference(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return fallback()
	}
	return ref, nil
}

func (t *Tracker) reference(key common.Hash) (*uint256.Int, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := util.Unix(t.clock)
	s := t.live(key, now)
	if len(s) == 0 {
		return nil, false, nil
	}
	if len(s) == 1 {
		return s[0].Price.Clone(), true, nil
	}

	newest := s[len(s)-1]
	if now-newest.Timestamp < uint64(t.cfg.Recency/time.Second) {
		return newest.Price.Clone(), true, nil
	}

	// older samples weigh more: w_i = now - t_i + 1
	sum := new(uint256.Int)
	weights := new(uint256.Int)
	for _, smp := range s {
		w := uint256.NewInt(now - smp.Timestamp + 1)
		term, overflow := new(uint256.Int).MulOverflow(smp.Price, w)
		if overflow {
			return nil, false, fmt.Errorf("twap: %w", fixed.ErrOverflow)
		}
		if _, overflow := sum.AddOverflow(sum, term); overflow {
			return nil, false, fmt.Errorf("twap: %w", fixed.ErrOverflow)
		}
		weights.Add(weights, w)
	}
	return sum.Div(sum, weights), true, nil
}

// CheckDeviation compares newPrice to the most recent sample still inside the window.
func (t *Tracker) CheckDeviation(key common.Hash, newPrice *uint256.Int, maxBps uint64) error {
	if maxBps == 0 {
		return nil
	}

	t.mu.Lock()
	s := t.live(key, util.Unix(t.clock))
	var last *uint256.Int
	if len(s) > 0 {
		last = s[len(s)-1].Price.Clone()
	}
	t.mu.Unlock()

	if last == nil || last.IsZero() || last.Eq(newPrice) {
		return nil
	}
	dev, err := fixed.DiffBps(newPrice, last)
	if err != nil {
		return err
	}
	if dev.GtUint64(maxBps) {
		return fmt.Errorf("%w: %s bps > %d bps", ErrPriceDeviationTooHigh, dev.Dec(), maxBps)
	}
	return nil
}

// Reset forgets key's history.
func (t *Tracker) Reset(key common.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.samples, key)
}

// Samples returns a copy of key's current window.
func (t *Tracker) Samples(key common.Hash) []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.samples[key]
	out := make([]Sample, len(s))
	for i, smp := range s {
		out[i] = Sample{Price: smp.Price.Clone(), Timestamp: smp.Timestamp}
	}
	return out
}

// Restore replaces key's window, used when loading persisted state.
func (t *Tracker) Restore(key common.Hash, samples []Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(samples) == 0 {
		delete(t.samples, key)
		return
	}
	cp := make([]Sample, len(samples))
	copy(cp, samples)
	t.samples[key] = cp
}
