// Package properties exposes process-wide tunables backed by the property
// table. Values are looked up on every read so changes apply without a
// restart.
package properties

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MinSchedInterval is the minimum time between two claims of one instrument,
// in milliseconds.
const MinSchedInterval = "marketdata.scheduler.minSchedInterval"

// DefaultMinSchedInterval applies when the property is unset or unreadable.
const DefaultMinSchedInterval = 5 * time.Minute

// Source looks up raw property values.
type Source interface {
	Lookup(ctx context.Context, name string) (value string, ok bool, err error)
}

var (
	mu     sync.RWMutex
	source Source
	logger = zap.NewNop()
)

// Init installs the process-wide property source. Until it is called every
// read returns its default.
func Init(s Source, l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	source = s
	if l != nil {
		logger = l
	}
}

// Reset drops the installed source.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	source = nil
	logger = zap.NewNop()
}

func current() (Source, *zap.Logger) {
	mu.RLock()
	defer mu.RUnlock()
	return source, logger
}

// Millis reads name as a whole number of milliseconds. Missing, unreadable,
// or malformed values yield def.
func Millis(ctx context.Context, name string, def time.Duration) time.Duration {
	src, log := current()
	if src == nil {
		return def
	}
	raw, ok, err := src.Lookup(ctx, name)
	if err != nil {
		log.Warn("properties.lookup_failed", zap.String("name", name), zap.Error(err))
		return def
	}
	if !ok {
		return def
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		log.Warn("properties.invalid_value",
			zap.String("name", name),
			zap.String("value", raw),
			zap.Error(err))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// MinSchedIntervalValue returns the current minimum scheduling interval.
func MinSchedIntervalValue(ctx context.Context) time.Duration {
	return Millis(ctx, MinSchedInterval, DefaultMinSchedInterval)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGSource reads properties from marketdata.property.
type PGSource struct {
	db rowQuerier
}

func NewPGSource(db rowQuerier) *PGSource {
	return &PGSource{db: db}
}

func (s *PGSource) Lookup(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(ctx, `SELECT value FROM marketdata.property WHERE name = $1`, name).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup property %q: %w", name, err)
	}
	return v, true, nil
}
