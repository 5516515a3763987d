package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/metrics"
)

const (
	metricOperationCompact = "compact"
	defaultSweepTimeout    = 5 * time.Minute
)

// SweepResult summarizes one compaction sweep.
type SweepResult struct {
	Candidates int
	Compacted  int
	Failed     int
}

// Sweep compacts every project whose tail holds at least minUpdates updates.
// A failing project is logged and skipped; the sweep reports the first such
// failure after visiting every candidate.
func (service *Service) Sweep(ctx context.Context, minUpdates int) (SweepResult, error) {
	projectIDs, err := service.ListCompactionCandidates(ctx, minUpdates)
	if err != nil {
		return SweepResult{}, err
	}
	result := SweepResult{Candidates: len(projectIDs)}
	var firstErr error
	for _, projectID := range projectIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := service.Compact(ctx, projectID)
		if err != nil {
			metrics.PersistenceFailures.WithLabelValues(metricOperationCompact).Inc()
			result.Failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("compact %s: %w", projectID, err)
			}
			continue
		}
		if outcome.FoldedUpdates > 0 {
			metrics.Compactions.Inc()
			result.Compacted++
		}
	}
	return result, firstErr
}

// SchedulerConfig wires a compaction Scheduler.
type SchedulerConfig struct {
	Service    *Service
	Schedule   string
	MinUpdates int
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Scheduler runs Sweep on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler parses the schedule and registers the sweep.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Service == nil {
		return nil, errors.New("persistence: scheduler requires a service")
	}
	if cfg.MinUpdates <= 0 {
		return nil, fmt.Errorf("persistence: scheduler threshold %d must be positive", cfg.MinUpdates)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSweepTimeout
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := scheduler.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		result, err := cfg.Service.Sweep(ctx, cfg.MinUpdates)
		fields := []zap.Field{
			zap.Int("candidates", result.Candidates),
			zap.Int("compacted", result.Compacted),
			zap.Int("failed", result.Failed),
		}
		if err != nil {
			logger.Warn("compaction sweep incomplete", append(fields, zap.Error(err))...)
			return
		}
		if result.Candidates > 0 {
			logger.Info("compaction sweep finished", fields...)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: schedule %q: %w", cfg.Schedule, err)
	}
	return &Scheduler{cron: scheduler}, nil
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further sweeps and waits for a running one to finish or ctx
// to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
