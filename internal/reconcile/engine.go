// Package reconcile turns full order book snapshots into versioned updates
// of the order ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketdata/internal/ledger"
	"github.com/Checker-Finance/marketdata/internal/metrics"
	"github.com/Checker-Finance/marketdata/internal/store"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

var (
	// ErrInternal wraps every failure of a reconciliation. Nothing from the
	// batch was written when it is returned.
	ErrInternal = errors.New("reconcile: internal error")

	// ErrStaleBatch marks a batch taken before the latest stored change of
	// its market. It is always returned wrapped in ErrInternal.
	ErrStaleBatch = errors.New("reconcile: batch precedes stored history")
)

// Ledger gives the engine exclusive transactional access to one market.
type Ledger interface {
	WithMarket(ctx context.Context, m model.Market, fn func(ctx context.Context, tx ledger.OrderTx) error) error
}

// Notifier is told about every committed batch.
type Notifier interface {
	PublishBookReconciled(ctx context.Context, evt model.BookReconciledEvent) error
}

// Result counts what one batch did to the ledger.
type Result struct {
	Received  int
	Created   int
	Evolved   int
	Unchanged int
	Ended     int
	Skipped   int
}

type Engine struct {
	ledger   Ledger
	notifier Notifier
	logger   *zap.Logger
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(l Ledger, opts ...Option) *Engine {
	e := &Engine{ledger: l, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Normalize maps t onto the ledger's time resolution.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Reconcile applies a full snapshot of market taken at at. Orders in batch
// are created, evolved, or left alone; live orders missing from batch are
// ended at at. The whole batch commits or nothing does.
func (e *Engine) Reconcile(ctx context.Context, market model.Market, at time.Time, batch []model.OrderSnapshot) (Result, error) {
	start := time.Now()
	at = Normalize(at)
	orders := dedupe(batch)

	e.logger.Info("reconcile.processing",
		zap.Stringer("market", market),
		zap.Time("at", at),
		zap.Int("orders", len(batch)))
	metrics.BatchSize.Observe(float64(len(batch)))

	var res Result
	err := e.ledger.WithMarket(ctx, market, func(ctx context.Context, tx ledger.OrderTx) error {
		res = Result{Received: len(batch)}
		return e.apply(ctx, tx, market, at, orders, &res)
	})
	if err != nil {
		result := "error"
		if errors.Is(err, ErrStaleBatch) {
			result = "stale"
		}
		metrics.IncReconcile(result)
		metrics.ObserveDuration(metrics.ReconcileDuration, start, result)
		metrics.IncError("reconcile", store.Reason(err))
		e.logger.Error("reconcile.failed",
			zap.Stringer("market", market),
			zap.Time("at", at),
			zap.Int("orders", len(batch)),
			zap.String("reason", store.Reason(err)),
			zap.Error(err))
		return Result{}, fmt.Errorf("%w: market %s at %s: %w", ErrInternal, market, at.Format(time.RFC3339Nano), err)
	}

	metrics.IncReconcile("ok")
	metrics.ObserveDuration(metrics.ReconcileDuration, start, "ok")
	metrics.AddOrderActions("created", res.Created)
	metrics.AddOrderActions("evolved", res.Evolved)
	metrics.AddOrderActions("unchanged", res.Unchanged)
	metrics.AddOrderActions("ended", res.Ended)
	metrics.AddOrderActions("skipped", res.Skipped)

	e.logger.Info("reconcile.committed",
		zap.Stringer("market", market),
		zap.Time("at", at),
		zap.Int("created", res.Created),
		zap.Int("evolved", res.Evolved),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("ended", res.Ended),
		zap.Int("skipped", res.Skipped),
		zap.Float64("seconds", time.Since(start).Seconds()))

	if e.notifier != nil {
		evt := model.BookReconciledEvent{
			Market:    market,
			At:        at,
			Received:  res.Received,
			Created:   res.Created,
			Evolved:   res.Evolved,
			Unchanged: res.Unchanged,
			Ended:     res.Ended,
			Skipped:   res.Skipped,
		}
		if err := e.notifier.PublishBookReconciled(ctx, evt); err != nil {
			e.logger.Warn("reconcile.notify_failed", zap.Stringer("market", market), zap.Error(err))
		}
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, tx ledger.OrderTx, m model.Market, at time.Time, orders []model.OrderSnapshot, res *Result) error {
	latest, ok, err := tx.LatestBoundary(ctx, m)
	if err != nil {
		return err
	}
	if ok && at.Before(latest) {
		return fmt.Errorf("%w: latest change at %s", ErrStaleBatch, latest.Format(time.RFC3339Nano))
	}

	liveIDs, err := tx.ExpectedLive(ctx, m, at)
	if err != nil {
		return err
	}
	expected := make(map[int64]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		expected[id] = struct{}{}
	}

	for _, snap := range orders {
		delete(expected, snap.OrderID)
		candidate := model.NewOrder(m, snap)

		live, found, err := tx.GetLive(ctx, m, snap.OrderID)
		if err != nil {
			return err
		}
		switch {
		case !found:
			candidate.Setup(at)
			if err := tx.Insert(ctx, candidate); err != nil {
				return err
			}
			res.Created++

		case live.Equivalent(snap):
			res.Unchanged++

		case live.ValidFrom.Equal(at):
			// A second snapshot at the same instant overwrites the version
			// the first one opened.
			candidate.Setup(at)
			if err := tx.Replace(ctx, candidate); err != nil {
				return err
			}
			res.Evolved++

		default:
			live.Evolve(&candidate, at)
			closed, err := tx.Close(ctx, m, live.OrderID, *live.ValidTo)
			if err != nil {
				return err
			}
			if !closed {
				return fmt.Errorf("order %d in %s lost its live version mid-batch", live.OrderID, m)
			}
			if err := tx.Insert(ctx, candidate); err != nil {
				return err
			}
			res.Evolved++
		}
	}

	for _, id := range liveIDs {
		if _, gone := expected[id]; !gone {
			continue
		}
		closed, err := tx.Close(ctx, m, id, at)
		if err != nil {
			return err
		}
		if !closed {
			e.logger.Info("reconcile.order_already_closed",
				zap.Stringer("market", m),
				zap.Int64("order_id", id),
				zap.Time("at", at))
			res.Skipped++
			continue
		}
		res.Ended++
	}
	return nil
}

// dedupe keeps the last snapshot per order id, in the position of that last
// occurrence, and normalizes timestamps.
func dedupe(batch []model.OrderSnapshot) []model.OrderSnapshot {
	seen := make(map[int64]struct{}, len(batch))
	out := make([]model.OrderSnapshot, 0, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		s := batch[i]
		if _, dup := seen[s.OrderID]; dup {
			continue
		}
		seen[s.OrderID] = struct{}{}
		s.Issued = Normalize(s.Issued)
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
