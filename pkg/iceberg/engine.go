// Package iceberg discloses a large order in chunks: only the current chunk is fillable,
// and the next one is revealed once the previous is mostly taken and the reveal interval
// has passed.
package iceberg

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/access"
	"github.com/uhyunpark/condorder/pkg/events"
	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/metrics"
	"github.com/uhyunpark/condorder/pkg/util"
)

// Store persists iceberg records. A nil Store keeps everything in memory.
type Store interface {
	SaveIceberg(hash common.Hash, rec Record) error
	DeleteIceberg(hash common.Hash) error
	LoadIcebergs() (map[common.Hash]Record, error)
}

type Options struct {
	Protocol common.Address
	Keepers  access.Authorizer
	Fallback limitorder.AmountCalculator
	Store    Store
	Events   events.Emitter
	Clock    util.Clock
	Logger   *zap.Logger
}

// Status is a point-in-time view of one iceberg.
type Status struct {
	Config     Config       `json:"config"`
	State      State        `json:"state"`
	Stats      ChunkStats   `json:"stats"`
	Remaining  *uint256.Int `json:"remaining"`
	ChunkMax   *uint256.Int `json:"chunkMax"`
	RevealDue  bool         `json:"revealDue"`
	NextReveal uint64       `json:"nextReveal"`
}

type Engine struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	records map[common.Hash]*Record
}

func NewEngine(opts Options) *Engine {
	if opts.Fallback == nil {
		opts.Fallback = limitorder.Proportional{}
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Keepers == nil {
		opts.Keepers = access.NewKeepers(common.Address{})
	}
	return &Engine{
		opts:    opts,
		logger:  util.OrNop(opts.Logger).Named("iceberg"),
		records: make(map[common.Hash]*Record),
	}
}

// Load restores records from the store.
func (e *Engine) Load(_ context.Context) error {
	if e.opts.Store == nil {
		return nil
	}
	recs, err := e.opts.Store.LoadIcebergs()
	if err != nil {
		return fmt.Errorf("load icebergs: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for h, r := range recs {
		r := r
		e.records[h] = &r
	}
	e.refreshGauge()
	e.logger.Info("restored", zap.Int("icebergs", len(recs)))
	return nil
}

// Configure stores cfg for orderHash, replacing any earlier record, and reveals the
// initial chunk.
func (e *Engine) Configure(caller common.Address, orderHash common.Hash, cfg Config) error {
	if caller != cfg.OrderMaker {
		return ErrUnauthorizedCaller
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	now := util.Unix(e.opts.Clock)
	rec := Record{
		Config: cfg,
		State: State{
			Filled:         new(uint256.Int),
			FilledAtReveal: new(uint256.Int),
			LastRevealAt:   now,
			Active:         true,
			ConfiguredAt:   now,
		},
	}
	rec = rec.clone()
	visible, err := rec.initialChunk(now)
	if err != nil {
		return err
	}
	rec.State.CurrentVisible = visible

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.records[orderHash]; ok && prev.Config.OrderMaker != caller {
		return ErrUnauthorizedCaller
	}
	if err := e.save(orderHash, &rec); err != nil {
		return err
	}
	e.records[orderHash] = &rec
	e.refreshGauge()

	e.emit(events.IcebergConfigured, orderHash, map[string]any{
		"maker":    cfg.OrderMaker.Hex(),
		"strategy": cfg.Strategy.String(),
		"total":    cfg.TotalMaking.Dec(),
		"visible":  visible.Dec(),
	})
	return nil
}

// Remove deletes the record for orderHash. Only its maker may remove it.
func (e *Engine) Remove(caller common.Address, orderHash common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[orderHash]
	if !ok {
		return ErrNotConfigured
	}
	if caller != rec.Config.OrderMaker {
		return ErrUnauthorizedCaller
	}
	if e.opts.Store != nil {
		if err := e.opts.Store.DeleteIceberg(orderHash); err != nil {
			return fmt.Errorf("delete iceberg: %w", err)
		}
	}
	delete(e.records, orderHash)
	e.refreshGauge()
	e.emit(events.IcebergRemoved, orderHash, nil)
	return nil
}

// CurrentChunkMax is the size the next reveal would show right now.
func (e *Engine) CurrentChunkMax(orderHash common.Hash) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[orderHash]
	if !ok {
		return nil, ErrNotConfigured
	}
	return rec.chunkMax(util.Unix(e.opts.Clock))
}

// OnFillRecorded books a settled fill. Protocol only.
func (e *Engine) OnFillRecorded(caller common.Address, orderHash common.Hash, made, taken *uint256.Int) error {
	if caller != e.opts.Protocol {
		return ErrOnlyProtocol
	}
	if made == nil || made.IsZero() || taken == nil {
		return limitorder.ErrInvalidQuery
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.records[orderHash]
	if !ok {
		return ErrNotConfigured
	}
	if !cur.State.Active {
		return ErrInactive
	}
	rec := cur.clone()
	now := util.Unix(e.opts.Clock)

	filled, overflow := new(uint256.Int).AddOverflow(rec.State.Filled, made)
	if overflow {
		return fixed.ErrOverflow
	}
	rec.State.Filled = filled
	price, err := fillPrice(&rec.Config, made, taken)
	if err != nil {
		return err
	}
	rec.State.LastPrice = price
	if rec.State.LastFillAt != 0 && now >= rec.State.LastFillAt {
		rec.Stats.observe(now - rec.State.LastFillAt)
	}
	rec.State.LastFillAt = now

	completed := !filled.Lt(rec.Config.TotalMaking)
	revealed := false
	if completed {
		rec.State.Active = false
		rec.State.CurrentVisible = new(uint256.Int)
	} else {
		if readyOnFill(&rec, now) {
			if revealed, err = reveal(&rec, now); err != nil {
				return err
			}
		}
		// the visible chunk never exceeds what is left to fill
		rec.State.CurrentVisible = fixed.Min(rec.State.CurrentVisible, rec.remaining())
	}

	if err := e.save(orderHash, &rec); err != nil {
		return err
	}
	e.records[orderHash] = &rec

	e.emit(events.ChunkFilled, orderHash, map[string]any{
		"made":   made.Dec(),
		"taken":  taken.Dec(),
		"filled": filled.Dec(),
		"price":  price.Dec(),
	})
	if revealed {
		metrics.IncChunksRevealed()
		e.emit(events.ChunkRevealed, orderHash, map[string]any{"visible": rec.State.CurrentVisible.Dec(), "auto": true})
	}
	if completed || !rec.State.Active {
		metrics.IncIcebergsCompleted()
		e.refreshGauge()
		e.emit(events.IcebergCompleted, orderHash, map[string]any{"filled": filled.Dec()})
		e.logger.Info("iceberg_completed", zap.String("order", orderHash.Hex()), zap.String("filled", filled.Dec()))
	}
	return nil
}

// RevealNextChunk recomputes and shows the next chunk. Callable by the order's maker or
// an authorized keeper. A zero chunk deactivates the iceberg.
func (e *Engine) RevealNextChunk(caller common.Address, orderHash common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.records[orderHash]
	if !ok {
		return ErrNotConfigured
	}
	if caller != cur.Config.OrderMaker && !e.opts.Keepers.IsAuthorized(caller) {
		return ErrUnauthorizedCaller
	}
	if !cur.State.Active {
		return ErrInactive
	}

	rec := cur.clone()
	revealed, err := reveal(&rec, util.Unix(e.opts.Clock))
	if err != nil {
		return err
	}
	if err := e.save(orderHash, &rec); err != nil {
		return err
	}
	e.records[orderHash] = &rec

	if !revealed {
		metrics.IncIcebergsCompleted()
		e.refreshGauge()
		e.emit(events.IcebergCompleted, orderHash, map[string]any{"filled": rec.State.Filled.Dec()})
		return nil
	}
	metrics.IncChunksRevealed()
	e.emit(events.ChunkRevealed, orderHash, map[string]any{
		"visible": rec.State.CurrentVisible.Dec(),
		"by":      caller.Hex(),
	})
	return nil
}

// Status returns a snapshot of orderHash for keepers and the API.
func (e *Engine) Status(orderHash common.Hash) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[orderHash]
	if !ok {
		return Status{}, ErrNotConfigured
	}
	now := util.Unix(e.opts.Clock)
	chunk, err := rec.chunkMax(now)
	if err != nil {
		return Status{}, err
	}
	snap := rec.clone()
	return Status{
		Config:     snap.Config,
		State:      snap.State,
		Stats:      snap.Stats,
		Remaining:  rec.remaining(),
		ChunkMax:   chunk,
		RevealDue:  revealDue(rec, now),
		NextReveal: rec.State.LastRevealAt + rec.Config.RevealInterval,
	}, nil
}

// PendingReveals lists active icebergs whose current chunk is at least 90% taken and
// whose reveal interval has elapsed, in hash order.
func (e *Engine) PendingReveals() []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := util.Unix(e.opts.Clock)
	var out []common.Hash
	for h, rec := range e.records {
		if revealDue(rec, now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Hashes lists configured order hashes.
func (e *Engine) Hashes() []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Hash, 0, len(e.records))
	for h := range e.records {
		out = append(out, h)
	}
	return out
}

// reveal moves rec to its next chunk, or deactivates it when nothing is left.
func reveal(rec *Record, now uint64) (bool, error) {
	next, err := rec.chunkMax(now)
	if err != nil {
		return false, err
	}
	if next.IsZero() {
		rec.State.Active = false
		rec.State.CurrentVisible = next
		return false, nil
	}
	rec.State.CurrentVisible = fixed.Min(next, rec.remaining())
	rec.State.LastRevealAt = now
	rec.State.FilledAtReveal = rec.State.Filled.Clone()
	return true, nil
}

// readyOnFill approximates the current chunk's fill ratio as Filled mod CurrentVisible.
// It under-reports whenever fills land exactly on a chunk boundary.
func readyOnFill(rec *Record, now uint64) bool {
	st := &rec.State
	if now < st.LastRevealAt+rec.Config.RevealInterval || st.CurrentVisible == nil || st.CurrentVisible.IsZero() {
		return false
	}
	part := new(uint256.Int).Mod(st.Filled, st.CurrentVisible)
	return ratioAtLeast(part, st.CurrentVisible, revealReadyBps)
}

// revealDue measures the fill since the last reveal exactly, for keepers.
func revealDue(rec *Record, now uint64) bool {
	st := &rec.State
	if !st.Active || now < st.LastRevealAt+rec.Config.RevealInterval {
		return false
	}
	if st.CurrentVisible == nil || st.CurrentVisible.IsZero() {
		return true
	}
	since := new(uint256.Int)
	if st.FilledAtReveal == nil {
		since.Set(st.Filled)
	} else if st.Filled.Gt(st.FilledAtReveal) {
		since.Sub(st.Filled, st.FilledAtReveal)
	}
	return ratioAtLeast(since, st.CurrentVisible, revealReadyBps)
}

// ratioAtLeast reports part/whole >= bps/10000 without division.
func ratioAtLeast(part, whole *uint256.Int, bps uint64) bool {
	lhs, o1 := new(uint256.Int).MulOverflow(part, uint256.NewInt(fixed.BPS))
	rhs, o2 := new(uint256.Int).MulOverflow(whole, uint256.NewInt(bps))
	if o1 || o2 {
		return false
	}
	return !lhs.Lt(rhs)
}

// fillPrice is taken/made in 18-decimal units.
func fillPrice(cfg *Config, made, taken *uint256.Int) (*uint256.Int, error) {
	made18, err := fixed.ToCanonical(made, cfg.MakerDecimals)
	if err != nil {
		return nil, err
	}
	taken18, err := fixed.ToCanonical(taken, cfg.TakerDecimals)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(taken18, fixed.One, made18)
}

func (e *Engine) save(orderHash common.Hash, rec *Record) error {
	if e.opts.Store == nil {
		return nil
	}
	if err := e.opts.Store.SaveIceberg(orderHash, *rec); err != nil {
		return fmt.Errorf("save iceberg: %w", err)
	}
	return nil
}

func (e *Engine) refreshGauge() {
	n := 0
	for _, r := range e.records {
		if r.State.Active {
			n++
		}
	}
	metrics.SetActiveConfigs("iceberg", n)
}

func (e *Engine) emit(t events.Type, key common.Hash, data map[string]any) {
	e.opts.Events.Emit(events.Event{Type: t, Key: key, Data: data, Timestamp: util.Unix(e.opts.Clock)})
}
