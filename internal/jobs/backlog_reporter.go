package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketdata/internal/metrics"
)

// BacklogSource counts tracked and currently due instruments.
type BacklogSource interface {
	Backlog(ctx context.Context) (tracked, eligible int64, err error)
}

// LiveCounter counts live order versions.
type LiveCounter func(ctx context.Context) (int64, error)

// BacklogReporter periodically samples scheduling backlog and ledger size
// into gauges so stalled workers show up on dashboards.
type BacklogReporter struct {
	logger   *zap.Logger
	backlog  BacklogSource
	live     LiveCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewBacklogReporter constructs a background job that runs periodically.
// live may be nil.
func NewBacklogReporter(logger *zap.Logger, backlog BacklogSource, live LiveCounter, interval time.Duration) *BacklogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BacklogReporter{
		logger:   logger,
		backlog:  backlog,
		live:     live,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sampling loop, taking one sample immediately.
func (r *BacklogReporter) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("backlog_reporter.started", zap.Duration("interval", r.interval))
	r.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("backlog_reporter.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("backlog_reporter.stopped (context canceled)")
			return
		}
	}
}

// Stop gracefully halts the reporter.
func (r *BacklogReporter) Stop() {
	close(r.stopCh)
}

// runOnce takes one sample.
func (r *BacklogReporter) runOnce(ctx context.Context) {
	tracked, eligible, err := r.backlog.Backlog(ctx)
	if err != nil {
		r.logger.Error("backlog_reporter.sample_failed", zap.Error(err))
		metrics.IncError("backlog_reporter", "backlog")
		return
	}
	metrics.TrackedInstruments.Set(float64(tracked))
	metrics.EligibleInstruments.Set(float64(eligible))

	var live int64
	if r.live != nil {
		live, err = r.live(ctx)
		if err != nil {
			r.logger.Error("backlog_reporter.live_count_failed", zap.Error(err))
			metrics.IncError("backlog_reporter", "live_orders")
			return
		}
		metrics.LiveOrders.Set(float64(live))
	}

	metrics.SetLastRun("backlog_reporter", time.Now())
	r.logger.Debug("backlog_reporter.sampled",
		zap.Int64("tracked", tracked),
		zap.Int64("eligible", eligible),
		zap.Int64("live_orders", live))
}
