// Package worker runs refresh loops: claim an instrument, fetch its order
// book, and hand the snapshot back to the scheduler.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketdata/internal/metrics"
	"github.com/Checker-Finance/marketdata/internal/schedclient"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

// Scheduler is the scheduler service as seen by a worker.
type Scheduler interface {
	TakeNext(ctx context.Context) (model.Instrument, error)
	StoreBatch(ctx context.Context, m model.Market, orders []model.OrderSnapshot) error
}

// Source fetches a full order book.
type Source interface {
	MarketOrders(ctx context.Context, m model.Market) ([]model.OrderSnapshot, error)
}

type Pool struct {
	logger  *zap.Logger
	sched   Scheduler
	source  Source
	workers int
	idle    time.Duration
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewPool(logger *zap.Logger, sched Scheduler, source Source, workers int, idle time.Duration) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		logger:  logger,
		sched:   sched,
		source:  source,
		workers: workers,
		idle:    idle,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers. They run until Stop or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("worker.pool_started", zap.Int("workers", p.workers), zap.Duration("idle", p.idle))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight refreshes to finish.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("worker.pool_stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		worked, err := p.runOnce(ctx, log)
		if err != nil {
			log.Warn("worker.refresh_failed", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}

		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(p.idle):
		}
	}
}

// runOnce performs one claim → fetch → store cycle. worked is false when
// nothing was due. A claim whose refresh fails is not handed back; the
// instrument becomes due again once its interval passes.
func (p *Pool) runOnce(ctx context.Context, log *zap.Logger) (worked bool, err error) {
	inst, err := p.sched.TakeNext(ctx)
	if err != nil {
		if errors.Is(err, schedclient.ErrNothingScheduled) {
			log.Debug("worker.nothing_scheduled")
			return false, nil
		}
		metrics.IncError("worker", "take_next")
		return false, err
	}

	start := time.Now()
	orders, err := p.source.MarketOrders(ctx, inst.Market)
	if err != nil {
		metrics.IncError("worker", "fetch")
		return true, err
	}
	if err := p.sched.StoreBatch(ctx, inst.Market, orders); err != nil {
		metrics.IncError("worker", "store_batch")
		return true, err
	}

	metrics.SetLastRun("worker", time.Now())
	log.Info("worker.refreshed",
		zap.Stringer("market", inst.Market),
		zap.Int("orders", len(orders)),
		zap.Duration("elapsed", time.Since(start)))
	return true, nil
}
