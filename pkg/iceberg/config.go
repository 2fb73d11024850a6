package iceberg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/fixed"
)

const (
	MinVisibleBps     = 10
	MaxVisibleBps     = 1000
	MinRevealInterval = 60
	MaxRevealInterval = 3600

	// fill intervals shorter than fastFill count as fast, longer than slowFill as slow
	fastFill = 5 * 60
	slowFill = 30 * 60

	// revealReadyBps is the share of the visible chunk that must be filled before
	// a fill triggers the next reveal.
	revealReadyBps = 9000
)

var (
	ErrNotConfigured         = errors.New("iceberg not configured")
	ErrUnauthorizedCaller    = errors.New("unauthorized caller")
	ErrOnlyProtocol          = errors.New("only the limit order protocol may call")
	ErrInactive              = errors.New("iceberg inactive")
	ErrInvalidTotal          = errors.New("invalid total amount")
	ErrInvalidChunkSize      = errors.New("invalid chunk size")
	ErrInvalidVisibleBps     = errors.New("invalid max visible bps")
	ErrInvalidRevealInterval = errors.New("invalid reveal interval")
	ErrInvalidDecimals       = errors.New("invalid token decimals")
	ErrInvalidStrategy       = errors.New("invalid chunk strategy")
)

// Strategy selects how the visible chunk is sized.
type Strategy uint8

const (
	// Fixed always shows BaseChunkSize.
	Fixed Strategy = iota
	// Percentage shows MaxVisibleBps of what remains.
	Percentage
	// TimeBased grows the chunk by 1% of base per elapsed reveal interval.
	TimeBased
	// Adaptive scales the chunk with how quickly recent chunks were taken.
	Adaptive
)

var strategyNames = [...]string{"FIXED", "PERCENTAGE", "TIME_BASED", "ADAPTIVE"}

func (s Strategy) Valid() bool { return int(s) < len(strategyNames) }

func (s Strategy) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
	return strategyNames[s]
}

// ParseStrategy accepts the names printed by String, case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, name)
}

// Config is a maker's iceberg setup. RevealInterval is in seconds.
type Config struct {
	TotalMaking    *uint256.Int   `json:"totalMaking"`
	TotalTaking    *uint256.Int   `json:"totalTaking"`
	BaseChunkSize  *uint256.Int   `json:"baseChunkSize"`
	Strategy       Strategy       `json:"strategy"`
	MaxVisibleBps  uint64         `json:"maxVisibleBps"`
	RevealInterval uint64         `json:"revealIntervalSec"`
	OrderMaker     common.Address `json:"orderMaker"`
	MakerDecimals  uint8          `json:"makerDecimals"`
	TakerDecimals  uint8          `json:"takerDecimals"`
}

// State is the runtime progress of one iceberg.
type State struct {
	Filled         *uint256.Int `json:"filled"`
	CurrentVisible *uint256.Int `json:"currentVisible"`
	// FilledAtReveal is Filled as of the last reveal.
	FilledAtReveal *uint256.Int `json:"filledAtReveal"`
	LastRevealAt   uint64       `json:"lastRevealAt"`
	LastFillAt     uint64       `json:"lastFillAt"`
	// LastPrice is the 18-decimal taker-per-maker price of the last fill.
	LastPrice    *uint256.Int `json:"lastPrice"`
	Active       bool         `json:"active"`
	ConfiguredAt uint64       `json:"configuredAt"`
}

// ChunkStats tracks how fast chunks are being taken.
type ChunkStats struct {
	FastFills       uint64 `json:"fastFills"`
	SlowFills       uint64 `json:"slowFills"`
	Intervals       uint64 `json:"intervals"`
	AverageFillTime uint64 `json:"averageFillTime"`
}

// Record is the persisted unit: config, progress and stats for one order hash.
type Record struct {
	Config Config     `json:"config"`
	State  State      `json:"state"`
	Stats  ChunkStats `json:"stats"`
}

func (c *Config) validate() error {
	if c.TotalMaking == nil || c.TotalMaking.IsZero() || c.TotalTaking == nil || c.TotalTaking.IsZero() {
		return ErrInvalidTotal
	}
	if c.BaseChunkSize == nil || c.BaseChunkSize.IsZero() || c.BaseChunkSize.Gt(c.TotalMaking) {
		return ErrInvalidChunkSize
	}
	if c.MaxVisibleBps < MinVisibleBps || c.MaxVisibleBps > MaxVisibleBps {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidVisibleBps, c.MaxVisibleBps, MinVisibleBps, MaxVisibleBps)
	}
	if c.RevealInterval < MinRevealInterval || c.RevealInterval > MaxRevealInterval {
		return fmt.Errorf("%w: %ds not in [%d, %d]", ErrInvalidRevealInterval, c.RevealInterval, MinRevealInterval, MaxRevealInterval)
	}
	if c.MakerDecimals > fixed.Decimals || c.TakerDecimals > fixed.Decimals {
		return fmt.Errorf("%w: maker=%d taker=%d", ErrInvalidDecimals, c.MakerDecimals, c.TakerDecimals)
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStrategy, c.Strategy)
	}
	return nil
}

func (r Record) clone() Record {
	c := r.Config
	c.TotalMaking = cloneInt(c.TotalMaking)
	c.TotalTaking = cloneInt(c.TotalTaking)
	c.BaseChunkSize = cloneInt(c.BaseChunkSize)
	s := r.State
	s.Filled = cloneInt(s.Filled)
	s.CurrentVisible = cloneInt(s.CurrentVisible)
	s.FilledAtReveal = cloneInt(s.FilledAtReveal)
	s.LastPrice = cloneInt(s.LastPrice)
	return Record{Config: c, State: s, Stats: r.Stats}
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}

// remaining returns TotalMaking - Filled, floored at zero.
func (r *Record) remaining() *uint256.Int {
	if !r.State.Filled.Lt(r.Config.TotalMaking) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(r.Config.TotalMaking, r.State.Filled)
}

// chunkMax sizes the next visible chunk at time now.
func (r *Record) chunkMax(now uint64) (*uint256.Int, error) {
	remaining := r.remaining()
	if remaining.IsZero() {
		return remaining, nil
	}
	c := &r.Config
	visCap, err := fixed.ApplyBps(c.TotalMaking, c.MaxVisibleBps)
	if err != nil {
		return nil, err
	}

	var size *uint256.Int
	switch c.Strategy {
	case Fixed:
		size = c.BaseChunkSize.Clone()
	case Percentage:
		size, err = fixed.ApplyBps(remaining, c.MaxVisibleBps)
	case TimeBased:
		var elapsed uint64
		if now > r.State.LastRevealAt {
			elapsed = now - r.State.LastRevealAt
		}
		size, err = fixed.MulDiv(c.BaseChunkSize, uint256.NewInt(100+elapsed/c.RevealInterval), uint256.NewInt(100))
		if err == nil {
			size = fixed.Min(size, visCap)
		}
	case Adaptive:
		size, err = fixed.MulDiv(c.BaseChunkSize, uint256.NewInt(r.Stats.multiplier()), uint256.NewInt(100))
		if err == nil {
			size = fixed.Min(size, visCap)
		}
	default:
		return nil, ErrInvalidStrategy
	}
	if err != nil {
		return nil, err
	}
	return fixed.Min(size, remaining), nil
}

// initialChunk is the first visible chunk. TIME_BASED starts at half the base size.
func (r *Record) initialChunk(now uint64) (*uint256.Int, error) {
	if r.Config.Strategy == TimeBased {
		half := new(uint256.Int).Rsh(r.Config.BaseChunkSize, 1)
		return fixed.Min(half, r.remaining()), nil
	}
	return r.chunkMax(now)
}

// multiplier is 150 when fast fills dominate, 75 when slow fills do, else 100.
func (s ChunkStats) multiplier() uint64 {
	switch {
	case s.FastFills > s.SlowFills:
		return 150
	case s.SlowFills > s.FastFills:
		return 75
	default:
		return 100
	}
}

// observe folds one inter-fill interval into the stats.
func (s *ChunkStats) observe(interval uint64) {
	switch {
	case interval < fastFill:
		s.FastFills++
	case interval > slowFill:
		s.SlowFills++
	}
	s.Intervals++
	s.AverageFillTime = (s.AverageFillTime*(s.Intervals-1) + interval) / s.Intervals
}
