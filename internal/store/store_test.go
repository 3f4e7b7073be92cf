package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx       *fakeTx
	beginErr error
	opts     pgx.TxOptions
}

func (b *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = opts
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func serializable() pgx.TxOptions { return pgx.TxOptions{IsoLevel: pgx.Serializable} }

func TestRunInTx_CommitsOnSuccess(t *testing.T) {
	db := &fakeBeginner{tx: &fakeTx{}}

	err := runInTx(context.Background(), db, serializable(), func(ctx context.Context, tx pgx.Tx) error {
		assert.Same(t, db.tx, tx)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, db.tx.committed)
	assert.False(t, db.tx.rolledBack)
	assert.Equal(t, pgx.Serializable, db.opts.IsoLevel)
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	db := &fakeBeginner{tx: &fakeTx{}}
	boom := errors.New("boom")

	err := runInTx(context.Background(), db, serializable(), func(context.Context, pgx.Tx) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, db.tx.committed)
	assert.True(t, db.tx.rolledBack)
}

func TestRunInTx_RollsBackOnPanic(t *testing.T) {
	db := &fakeBeginner{tx: &fakeTx{}}

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = runInTx(context.Background(), db, serializable(), func(context.Context, pgx.Tx) error {
			panic("kaboom")
		})
	})
	assert.False(t, db.tx.committed)
	assert.True(t, db.tx.rolledBack)
}

func TestRunInTx_CommitFailure(t *testing.T) {
	commitErr := &pgconn.PgError{Code: "40001"}
	db := &fakeBeginner{tx: &fakeTx{commitErr: commitErr}}

	err := runInTx(context.Background(), db, serializable(), func(context.Context, pgx.Tx) error {
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, "serialization_failure", Reason(err))
	assert.True(t, db.tx.rolledBack)
}

func TestRunInTx_BeginFailure(t *testing.T) {
	db := &fakeBeginner{beginErr: errors.New("no conn")}
	called := false

	err := runInTx(context.Background(), db, serializable(), func(context.Context, pgx.Tx) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.False(t, called)
}

func TestRunInTx_NoPool(t *testing.T) {
	s := &Store{}
	err := s.RunInTx(context.Background(), func(context.Context, pgx.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrPostgresUnavailable)
	err = s.RunInTxWith(context.Background(), pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(context.Context, pgx.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrPostgresUnavailable)
	assert.ErrorIs(t, s.HealthCheck(context.Background()), ErrPostgresUnavailable)
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("wrap: %w", context.Canceled), "timeout"},
		{ErrPostgresUnavailable, "unavailable"},
		{&pgconn.PgError{Code: "40001"}, "serialization_failure"},
		{&pgconn.PgError{Code: "40P01"}, "deadlock"},
		{fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), "unique_violation"},
		{&pgconn.PgError{Code: "23514"}, "check_violation"},
		{&pgconn.PgError{Code: "42P01"}, "pg_42P01"},
		{errors.New("mystery"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err), "err=%v", tt.err)
	}
}

func TestSchemaEmbedded(t *testing.T) {
	assert.Contains(t, schemaSQL, "marketdata.instrument")
	assert.Contains(t, schemaSQL, "marketdata.market_order")
	assert.Contains(t, schemaSQL, "marketdata.property")
	assert.Contains(t, schemaSQL, "WHERE valid_to IS NULL")
}
