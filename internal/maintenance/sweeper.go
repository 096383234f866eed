// Package maintenance runs the out-of-band sweeps that keep the association
// and nonce tables bounded.
package maintenance

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = 15 * time.Minute

var errNoTargets = errors.New("maintenance: at least one sweep target required")

// Sweepable deletes records that can no longer be used.
type Sweepable interface {
	Sweep(ctx context.Context) (int64, error)
}

// Target names one store to sweep.
type Target struct {
	Name  string
	Store Sweepable
}

// Recorder receives sweep results.
type Recorder interface {
	RecordSweep(store string, deleted int64)
	RecordSweepFailure(store string)
}

// SweeperConfig wires the sweeper.
type SweeperConfig struct {
	Targets  []Target
	Interval time.Duration
	Recorder Recorder
	Logger   *zap.Logger
}

// Sweeper runs every target's sweep on a fixed interval.
type Sweeper struct {
	targets  []Target
	interval time.Duration
	recorder Recorder
	logger   *zap.Logger
}

// Result reports one target's sweep.
type Result struct {
	Name    string
	Deleted int64
	Err     error
}

// NewSweeper validates the configuration.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	targets := make([]Target, 0, len(cfg.Targets))
	for _, target := range cfg.Targets {
		if target.Store != nil {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 {
		return nil, errNoTargets
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		targets:  targets,
		interval: interval,
		recorder: cfg.Recorder,
		logger:   logger,
	}, nil
}

// SweepOnce sweeps every target once. A failing target does not stop the
// others; the first error is returned after all targets ran.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(s.targets))
	var firstErr error
	for _, target := range s.targets {
		deleted, err := target.Store.Sweep(ctx)
		results = append(results, Result{Name: target.Name, Deleted: deleted, Err: err})
		if err != nil {
			s.logger.Error("sweep failed", zap.String("store", target.Name), zap.Error(err))
			if s.recorder != nil {
				s.recorder.RecordSweepFailure(target.Name)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if s.recorder != nil {
			s.recorder.RecordSweep(target.Name, deleted)
		}
		s.logger.Info("sweep completed", zap.String("store", target.Name), zap.Int64("deleted_count", deleted))
	}
	return results, firstErr
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	_, _ = s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}
