package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Checker-Finance/marketdata/pkg/model"
)

// Instruments is the Postgres scheduling ledger. Each claim is a single
// UPDATE whose row lock makes concurrent claims exclusive; rows locked by
// another claimer are skipped rather than waited on.
type Instruments struct {
	db DBTX
}

func NewInstruments(db DBTX) *Instruments {
	return &Instruments{db: db}
}

const claimNextSQL = `
	UPDATE marketdata.instrument
	SET last_scheduled = $1
	WHERE (region_id, type_id) = (
		SELECT region_id, type_id
		FROM marketdata.instrument
		WHERE last_scheduled IS NULL OR last_scheduled <= $2
		ORDER BY last_scheduled ASC NULLS FIRST, region_id, type_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING region_id, type_id, last_scheduled`

// ClaimNext marks the most overdue eligible instrument as scheduled at now
// and returns it. ok is false when nothing is eligible.
func (l *Instruments) ClaimNext(ctx context.Context, now time.Time, minInterval time.Duration) (model.Instrument, bool, error) {
	cutoff := now.Add(-minInterval)
	var (
		inst model.Instrument
		last time.Time
	)
	err := l.db.QueryRow(ctx, claimNextSQL, now, cutoff).Scan(&inst.RegionID, &inst.TypeID, &last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Instrument{}, false, nil
		}
		return model.Instrument{}, false, fmt.Errorf("claim next instrument: %w", err)
	}
	last = last.UTC()
	inst.LastScheduled = &last
	return inst, true, nil
}

// Register adds m to the ledger as never scheduled. Existing rows keep
// their timestamp.
func (l *Instruments) Register(ctx context.Context, m model.Market) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO marketdata.instrument (region_id, type_id, last_scheduled)
		VALUES ($1, $2, NULL)
		ON CONFLICT (region_id, type_id) DO NOTHING
	`, m.RegionID, m.TypeID)
	if err != nil {
		return fmt.Errorf("register instrument %s: %w", m, err)
	}
	return nil
}

// Backlog counts tracked instruments and those eligible at now.
func (l *Instruments) Backlog(ctx context.Context, now time.Time, minInterval time.Duration) (tracked, eligible int64, err error) {
	err = l.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE last_scheduled IS NULL OR last_scheduled <= $1)
		FROM marketdata.instrument
	`, now.Add(-minInterval)).Scan(&tracked, &eligible)
	if err != nil {
		return 0, 0, fmt.Errorf("count instruments: %w", err)
	}
	return tracked, eligible, nil
}

// LiveOrders counts live order versions across all markets.
func LiveOrders(ctx context.Context, db DBTX) (int64, error) {
	var n int64
	if err := db.QueryRow(ctx, `SELECT count(*) FROM marketdata.market_order WHERE valid_to IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count live orders: %w", err)
	}
	return n, nil
}
