// Package scheduler hands out refresh assignments: each call claims the most
// overdue instrument whose minimum re-scheduling interval has elapsed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketdata/internal/metrics"
	"github.com/Checker-Finance/marketdata/internal/properties"
	"github.com/Checker-Finance/marketdata/internal/store"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

var (
	// ErrNotEligible means no instrument is due. It is not a failure.
	ErrNotEligible = errors.New("scheduler: no eligible instrument")

	// ErrInternal wraps storage failures. No instrument was claimed.
	ErrInternal = errors.New("scheduler: internal error")
)

// Backend is a scheduling ledger. ClaimNext must select and stamp the
// instrument in one atomic step; ok is false when nothing is eligible.
type Backend interface {
	ClaimNext(ctx context.Context, now time.Time, minInterval time.Duration) (inst model.Instrument, ok bool, err error)
	Register(ctx context.Context, m model.Market) error
	Backlog(ctx context.Context, now time.Time, minInterval time.Duration) (tracked, eligible int64, err error)
}

// Notifier is told about every successful claim.
type Notifier interface {
	PublishInstrumentClaimed(ctx context.Context, evt model.InstrumentClaimedEvent) error
}

type Service struct {
	backend  Backend
	name     string
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	interval func(ctx context.Context) time.Duration
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the wall clock used to stamp claims.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithInterval replaces the property lookup of the minimum interval.
func WithInterval(fn func(ctx context.Context) time.Duration) Option {
	return func(s *Service) { s.interval = fn }
}

// New builds a Service over backend. name labels metrics and logs
// ("postgres", "redis").
func New(backend Backend, name string, opts ...Option) *Service {
	s := &Service{
		backend:  backend,
		name:     name,
		logger:   zap.NewNop(),
		now:      time.Now,
		interval: properties.MinSchedIntervalValue,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// ClaimNext claims the next eligible instrument and returns it with its new
// LastScheduled. The minimum interval is re-read on every call.
func (s *Service) ClaimNext(ctx context.Context) (model.Instrument, error) {
	now := s.clock()
	minInterval := s.interval(ctx)

	inst, ok, err := s.backend.ClaimNext(ctx, now, minInterval)
	if err != nil {
		metrics.IncClaim(s.name, "error")
		metrics.IncError("scheduler", store.Reason(err))
		s.logger.Error("scheduler.claim_failed",
			zap.String("backend", s.name),
			zap.Time("now", now),
			zap.Duration("min_interval", minInterval),
			zap.Error(err))
		return model.Instrument{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	if !ok {
		metrics.IncClaim(s.name, "not_eligible")
		s.logger.Debug("scheduler.nothing_eligible",
			zap.Time("now", now),
			zap.Duration("min_interval", minInterval))
		return model.Instrument{}, ErrNotEligible
	}

	metrics.IncClaim(s.name, "claimed")
	s.logger.Info("scheduler.claimed",
		zap.Stringer("market", inst.Market),
		zap.Time("now", now))

	if s.notifier != nil {
		evt := model.InstrumentClaimedEvent{Market: inst.Market, ClaimedAt: now}
		if err := s.notifier.PublishInstrumentClaimed(ctx, evt); err != nil {
			s.logger.Warn("scheduler.notify_failed", zap.Stringer("market", inst.Market), zap.Error(err))
		}
	}
	return inst, nil
}

// Register adds a market to scheduling. Registering twice is a no-op.
func (s *Service) Register(ctx context.Context, m model.Market) error {
	if err := s.backend.Register(ctx, m); err != nil {
		s.logger.Error("scheduler.register_failed", zap.Stringer("market", m), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	s.logger.Info("scheduler.registered", zap.Stringer("market", m))
	return nil
}

// Backlog reports how many instruments are tracked and how many are due.
func (s *Service) Backlog(ctx context.Context) (tracked, eligible int64, err error) {
	tracked, eligible, err = s.backend.Backlog(ctx, s.clock(), s.interval(ctx))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return tracked, eligible, nil
}
