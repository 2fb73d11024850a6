package keeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/util"
)

// Runner polls the Checker on a fixed interval and performs whatever it describes.
type Runner struct {
	checker  *Checker
	caller   common.Address
	interval time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	last *Report
}

func NewRunner(checker *Checker, caller common.Address, interval time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		checker:  checker,
		caller:   caller,
		interval: interval,
		logger:   util.OrNop(logger).Named("runner"),
	}
}

// Run schedules ticks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("keeper interval must be positive, got %s", r.interval)
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		if ctx.Err() != nil {
			return
		}
		r.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("schedule keeper: %w", err)
	}

	r.logger.Info("keeper_started", zap.String("caller", r.caller.Hex()), zap.Duration("interval", r.interval))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("keeper_stopped")
	return nil
}

// Tick drains pending work: it keeps checking and performing until nothing is left or a
// run makes no progress.
func (r *Runner) Tick(ctx context.Context) *Report {
	var last *Report
	for ctx.Err() == nil {
		needed, descriptor, err := r.checker.CheckUpkeep(ctx)
		if err != nil {
			r.logger.Error("check_upkeep_failed", zap.Error(err))
			break
		}
		if !needed {
			break
		}
		rep, err := r.checker.PerformUpkeep(ctx, r.caller, descriptor)
		if err != nil {
			r.logger.Error("perform_upkeep_failed", zap.Error(err))
			break
		}
		last = rep
		r.logger.Info("upkeep_performed",
			zap.String("run", rep.RunID.String()),
			zap.String("kind", rep.Kind.String()),
			zap.Int("ok", rep.Count(StatusOK)),
			zap.Int("skipped", rep.Count(StatusSkipped)),
			zap.Int("failed", rep.Count(StatusFailed)))
		if rep.Count(StatusOK) == 0 {
			break
		}
	}
	if last != nil {
		r.mu.Lock()
		r.last = last
		r.mu.Unlock()
	}
	return last
}

// LastReport returns the most recent non-empty run.
func (r *Runner) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
