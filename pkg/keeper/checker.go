// Package keeper is the automation surface: a poll-style check that describes pending
// work and a perform call that runs it item by item.
package keeper

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/iceberg"
	"github.com/uhyunpark/condorder/pkg/metrics"
	"github.com/uhyunpark/condorder/pkg/oco"
	"github.com/uhyunpark/condorder/pkg/util"
)

// DefaultMaxBatch bounds how many hashes one descriptor carries.
const DefaultMaxBatch = 20

// Revealer is the iceberg side of the keeper surface.
type Revealer interface {
	PendingReveals() []common.Hash
	RevealNextChunk(caller common.Address, orderHash common.Hash) error
}

// Canceller is the OCO side of the keeper surface.
type Canceller interface {
	PendingCancellations() []common.Hash
	ProcessCancellation(ctx context.Context, caller common.Address, orderHash common.Hash, params []byte) error
}

// Status classifies one item of a run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result is the outcome of one item.
type Result struct {
	Hash   common.Hash `json:"hash"`
	Status Status      `json:"status"`
	Err    error       `json:"-"`
	Reason string      `json:"reason,omitempty"`
}

// Report collects a whole run. A run never aborts on a single item.
type Report struct {
	RunID    uuid.UUID `json:"runId"`
	Kind     Kind      `json:"kind"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Results  []Result  `json:"results"`
}

// Count returns how many results have status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

type Checker struct {
	reveals  Revealer
	cancels  Canceller
	clock    util.Clock
	maxBatch int
	logger   *zap.Logger
}

func NewChecker(reveals Revealer, cancels Canceller, clock util.Clock, maxBatch int, logger *zap.Logger) *Checker {
	if clock == nil {
		clock = util.RealClock{}
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Checker{
		reveals:  reveals,
		cancels:  cancels,
		clock:    clock,
		maxBatch: maxBatch,
		logger:   util.OrNop(logger).Named("keeper"),
	}
}

// CheckUpkeep reports whether work is pending and describes it. Reveals come first.
func (c *Checker) CheckUpkeep(_ context.Context) (bool, []byte, error) {
	if c.reveals != nil {
		if hashes := c.reveals.PendingReveals(); len(hashes) > 0 {
			return c.describe(KindReveal, hashes)
		}
	}
	if c.cancels != nil {
		if hashes := c.cancels.PendingCancellations(); len(hashes) > 0 {
			return c.describe(KindCancel, hashes)
		}
	}
	return false, nil, nil
}

func (c *Checker) describe(kind Kind, hashes []common.Hash) (bool, []byte, error) {
	if len(hashes) > c.maxBatch {
		hashes = hashes[:c.maxBatch]
	}
	data, err := EncodeDescriptor(kind, hashes)
	if err != nil {
		return false, nil, err
	}
	return true, data, nil
}

// PerformUpkeep runs every item in descriptor as caller. Only a malformed descriptor
// fails the call; item errors land in the report.
func (c *Checker) PerformUpkeep(ctx context.Context, caller common.Address, descriptor []byte) (*Report, error) {
	kind, hashes, err := DecodeDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	rep := &Report{RunID: uuid.New(), Kind: kind, Started: c.clock.Now(), Results: make([]Result, 0, len(hashes))}

	for _, h := range hashes {
		var err error
		switch kind {
		case KindReveal:
			if c.reveals == nil {
				err = errors.New("no reveal handler")
				break
			}
			err = c.reveals.RevealNextChunk(caller, h)
		case KindCancel:
			if c.cancels == nil {
				err = errors.New("no cancellation handler")
				break
			}
			err = c.cancels.ProcessCancellation(ctx, caller, h, nil)
		}
		res := classify(h, err)
		metrics.ObserveKeeperItem(kind.String(), string(res.Status))
		if res.Status == StatusFailed {
			c.logger.Warn("upkeep_item_failed",
				zap.String("run", rep.RunID.String()),
				zap.String("kind", kind.String()),
				zap.String("hash", h.Hex()),
				zap.Error(err))
		}
		rep.Results = append(rep.Results, res)
	}
	rep.Finished = c.clock.Now()
	return rep, nil
}

// expected outcomes of redundant or early polling
var skippable = []error{
	iceberg.ErrInactive,
	oco.ErrCancellationAlreadyProcessed,
	oco.ErrCancellationNotReady,
}

func classify(h common.Hash, err error) Result {
	if err == nil {
		return Result{Hash: h, Status: StatusOK}
	}
	for _, s := range skippable {
		if errors.Is(err, s) {
			return Result{Hash: h, Status: StatusSkipped, Err: err, Reason: err.Error()}
		}
	}
	return Result{Hash: h, Status: StatusFailed, Err: err, Reason: err.Error()}
}
