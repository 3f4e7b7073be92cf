package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// ErrPostgresUnavailable is returned when a transactional operation is
// requested on a store without a Postgres pool.
var ErrPostgresUnavailable = errors.New("postgres unavailable")

// Store owns the shared Postgres pool and, when the Redis scheduling
// backend is enabled, the Redis client.
type Store struct {
	PG     *pgxpool.Pool
	Redis  *redis.Client
	logger *zap.Logger
	txOpts pgx.TxOptions
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Addr     string
	DB       int
	Password string
}

// New connects to Postgres and, if redisCfg is non-nil, to Redis.
func New(ctx context.Context, pgURL string, pgPoolConfig PGPoolConfig, redisCfg *RedisConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s := &Store{
		logger: logger,
		txOpts: pgx.TxOptions{IsoLevel: pgx.Serializable},
	}

	if redisCfg != nil {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			DB:       redisCfg.DB,
			Password: redisCfg.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		s.Redis = rdb
	}

	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		s.closeRedis()
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pgPoolConfig.MaxConns > 0 {
		cfg.MaxConns = pgPoolConfig.MaxConns
	}
	if pgPoolConfig.MinConns > 0 {
		cfg.MinConns = pgPoolConfig.MinConns
	}
	if pgPoolConfig.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
	}
	if pgPoolConfig.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
	}
	if pgPoolConfig.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		s.closeRedis()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		s.closeRedis()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	s.PG = pool

	return s, nil
}

// Migrate applies the embedded DDL. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if s.PG == nil {
		return ErrPostgresUnavailable
	}
	if _, err := s.PG.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("store.schema_applied")
	return nil
}

// TxFunc is run inside one database transaction.
type TxFunc func(ctx context.Context, tx pgx.Tx) error

type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// RunInTx runs fn in a serializable transaction. The transaction commits
// when fn returns nil and rolls back when fn returns an error or panics.
func (s *Store) RunInTx(ctx context.Context, fn TxFunc) error {
	return s.RunInTxWith(ctx, s.txOpts, fn)
}

// RunInTxWith is RunInTx with explicit transaction options.
func (s *Store) RunInTxWith(ctx context.Context, opts pgx.TxOptions, fn TxFunc) error {
	if s.PG == nil {
		return ErrPostgresUnavailable
	}
	return runInTx(ctx, s.PG, opts, fn)
}

func runInTx(ctx context.Context, db txBeginner, opts pgx.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Reason classifies a storage error into a short label for logs and metrics.
func Reason(err error) string {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrPostgresUnavailable):
		return "unavailable"
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "40001":
			return "serialization_failure"
		case "40P01":
			return "deadlock"
		case "23505":
			return "unique_violation"
		case "23514":
			return "check_violation"
		}
		return "pg_" + pgErr.Code
	case pgconn.SafeToRetry(err):
		return "connection"
	}
	return "unknown"
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if s.PG == nil {
		return ErrPostgresUnavailable
	}
	if err := s.PG.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	return s.closeRedis()
}

func (s *Store) closeRedis() error {
	if s.Redis != nil {
		return s.Redis.Close()
	}
	return nil
}
