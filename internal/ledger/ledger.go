// Package ledger holds the Postgres-backed order and instrument ledgers.
package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Checker-Finance/marketdata/internal/store"
)

// DBTX is the query surface shared by pgx.Tx and *pgxpool.Pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	RunInTxWith(ctx context.Context, opts pgx.TxOptions, fn store.TxFunc) error
}
