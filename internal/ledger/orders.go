package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/marketdata/pkg/model"
)

// OrderTx is the transactional view of one market's order versions. All
// calls happen while the market's lock is held.
type OrderTx interface {
	// LatestBoundary returns the latest valid_from or valid_to stored for
	// the market. ok is false when the market has no versions.
	LatestBoundary(ctx context.Context, m model.Market) (t time.Time, ok bool, err error)
	// ExpectedLive returns the ids of orders live at at, ascending.
	ExpectedLive(ctx context.Context, m model.Market, at time.Time) ([]int64, error)
	GetLive(ctx context.Context, m model.Market, orderID int64) (model.Order, bool, error)
	Insert(ctx context.Context, o model.Order) error
	// Replace overwrites the attributes of the live version starting at
	// o.ValidFrom.
	Replace(ctx context.Context, o model.Order) error
	// Close ends the live version of orderID at at. It reports false when
	// no live version exists.
	Close(ctx context.Context, m model.Market, orderID int64, at time.Time) (bool, error)
}

// Orders is the versioned order ledger.
type Orders struct {
	db TxRunner
}

func NewOrders(db TxRunner) *Orders {
	return &Orders{db: db}
}

// marketTxOptions is read committed: every writer of a market holds its
// advisory lock, and statements after the lock must see the previous
// holder's commit. A serializable snapshot would be taken before the lock.
var marketTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// WithMarket runs fn in a transaction holding the market's advisory lock,
// so batches for one market apply one at a time.
func (l *Orders) WithMarket(ctx context.Context, m model.Market, fn func(ctx context.Context, tx OrderTx) error) error {
	return l.db.RunInTxWith(ctx, marketTxOptions, func(ctx context.Context, tx pgx.Tx) error {
		if err := lockMarket(ctx, tx, m); err != nil {
			return err
		}
		return fn(ctx, &orderTx{q: tx})
	})
}

func lockMarket(ctx context.Context, q DBTX, m model.Market) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1::int4, $2::int4)`, m.RegionID, m.TypeID); err != nil {
		return fmt.Errorf("lock market %s: %w", m, err)
	}
	return nil
}

type orderTx struct {
	q DBTX
}

func (t *orderTx) LatestBoundary(ctx context.Context, m model.Market) (time.Time, bool, error) {
	var latest *time.Time
	err := t.q.QueryRow(ctx, `
		SELECT max(coalesce(valid_to, valid_from))
		FROM marketdata.market_order
		WHERE region_id = $1 AND type_id = $2
	`, m.RegionID, m.TypeID).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest boundary %s: %w", m, err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return latest.UTC(), true, nil
}

func (t *orderTx) ExpectedLive(ctx context.Context, m model.Market, at time.Time) ([]int64, error) {
	var ids []int64
	err := t.q.QueryRow(ctx, `
		SELECT coalesce(array_agg(order_id ORDER BY order_id), '{}')
		FROM marketdata.market_order
		WHERE region_id = $1 AND type_id = $2
		  AND valid_to IS NULL AND valid_from <= $3
	`, m.RegionID, m.TypeID, at).Scan(&ids)
	if err != nil {
		return nil, fmt.Errorf("expected live %s: %w", m, err)
	}
	return ids, nil
}

func (t *orderTx) GetLive(ctx context.Context, m model.Market, orderID int64) (model.Order, bool, error) {
	o := model.Order{Market: m}
	var priceStr string
	err := t.q.QueryRow(ctx, `
		SELECT order_id, is_buy, issued, price::text, volume_entered, min_volume,
		       volume_remaining, order_range, location_id, duration, valid_from
		FROM marketdata.market_order
		WHERE region_id = $1 AND type_id = $2 AND order_id = $3 AND valid_to IS NULL
	`, m.RegionID, m.TypeID, orderID).Scan(
		&o.OrderID, &o.Buy, &o.Issued, &priceStr, &o.VolumeEntered, &o.MinVolume,
		&o.Volume, &o.Range, &o.LocationID, &o.Duration, &o.ValidFrom,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, false, nil
		}
		return model.Order{}, false, fmt.Errorf("get live order %d in %s: %w", orderID, m, err)
	}
	o.Price, err = decimal.NewFromString(priceStr)
	if err != nil {
		return model.Order{}, false, fmt.Errorf("parse price of order %d: %w", orderID, err)
	}
	o.Issued = o.Issued.UTC()
	o.ValidFrom = o.ValidFrom.UTC()
	return o, true, nil
}

func (t *orderTx) Insert(ctx context.Context, o model.Order) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO marketdata.market_order (
			region_id, type_id, order_id, valid_from, valid_to, is_buy, issued, price,
			volume_entered, min_volume, volume_remaining, order_range, location_id, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14)
	`, o.RegionID, o.TypeID, o.OrderID, o.ValidFrom, o.ValidTo, o.Buy, o.Issued, o.Price.String(),
		o.VolumeEntered, o.MinVolume, o.Volume, o.Range, o.LocationID, o.Duration)
	if err != nil {
		return fmt.Errorf("insert order %d in %s: %w", o.OrderID, o.Market, err)
	}
	return nil
}

func (t *orderTx) Replace(ctx context.Context, o model.Order) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE marketdata.market_order
		SET is_buy = $5, issued = $6, price = $7::numeric, volume_entered = $8,
		    min_volume = $9, volume_remaining = $10, order_range = $11,
		    location_id = $12, duration = $13
		WHERE region_id = $1 AND type_id = $2 AND order_id = $3
		  AND valid_from = $4 AND valid_to IS NULL
	`, o.RegionID, o.TypeID, o.OrderID, o.ValidFrom, o.Buy, o.Issued, o.Price.String(),
		o.VolumeEntered, o.MinVolume, o.Volume, o.Range, o.LocationID, o.Duration)
	if err != nil {
		return fmt.Errorf("replace order %d in %s: %w", o.OrderID, o.Market, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("replace order %d in %s: live version at %s not found",
			o.OrderID, o.Market, o.ValidFrom.Format(time.RFC3339Nano))
	}
	return nil
}

// Close ends a live version at at. A live version that itself starts at at
// would become empty, so it is removed instead.
func (t *orderTx) Close(ctx context.Context, m model.Market, orderID int64, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE marketdata.market_order
		SET valid_to = $4
		WHERE region_id = $1 AND type_id = $2 AND order_id = $3
		  AND valid_to IS NULL AND valid_from < $4
	`, m.RegionID, m.TypeID, orderID, at)
	if err != nil {
		return false, fmt.Errorf("close order %d in %s: %w", orderID, m, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	tag, err = t.q.Exec(ctx, `
		DELETE FROM marketdata.market_order
		WHERE region_id = $1 AND type_id = $2 AND order_id = $3
		  AND valid_to IS NULL AND valid_from = $4
	`, m.RegionID, m.TypeID, orderID, at)
	if err != nil {
		return false, fmt.Errorf("retract order %d in %s: %w", orderID, m, err)
	}
	return tag.RowsAffected() > 0, nil
}
