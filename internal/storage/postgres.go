package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"soilwatch/internal/config"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `
    CREATE TABLE IF NOT EXISTS kv_scalars (
        key        TEXT PRIMARY KEY,
        value      TEXT NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS kv_lists (
        seq      BIGSERIAL PRIMARY KEY,
        list_key TEXT NOT NULL,
        value    TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS kv_lists_key_seq_idx ON kv_lists (list_key, seq DESC);
    CREATE TABLE IF NOT EXISTS kv_sets (
        set_key TEXT NOT NULL,
        member  TEXT NOT NULL,
        PRIMARY KEY (set_key, member)
    );`

	getScalarSQL = `SELECT value FROM kv_scalars WHERE key = $1;`

	upsertScalarSQL = `INSERT INTO kv_scalars (key, value)
    VALUES ($1, $2)
    ON CONFLICT (key) DO UPDATE
    SET value      = EXCLUDED.value,
        updated_at = now();`

	deleteScalarsSQL = `DELETE FROM kv_scalars WHERE key = ANY($1);`
	deleteListsSQL   = `DELETE FROM kv_lists WHERE list_key = ANY($1);`
	deleteSetsSQL    = `DELETE FROM kv_sets WHERE set_key = ANY($1);`

	pushListSQL = `INSERT INTO kv_lists (list_key, value) VALUES ($1, $2);`

	trimListSQL = `DELETE FROM kv_lists
    WHERE list_key = $1
      AND seq <= (
        SELECT seq FROM kv_lists
        WHERE list_key = $1
        ORDER BY seq DESC
        OFFSET $2 LIMIT 1
      );`

	rangeListSQL = `SELECT value FROM kv_lists
    WHERE list_key = $1
    ORDER BY seq DESC
    LIMIT $2;`

	rangeListAllSQL = `SELECT value FROM kv_lists
    WHERE list_key = $1
    ORDER BY seq DESC;`

	countListSQL = `SELECT COUNT(*) FROM kv_lists WHERE list_key = $1;`

	addMemberSQL = `INSERT INTO kv_sets (set_key, member)
    VALUES ($1, $2)
    ON CONFLICT DO NOTHING;`

	isMemberSQL = `SELECT EXISTS (SELECT 1 FROM kv_sets WHERE set_key = $1 AND member = $2);`
	membersSQL  = `SELECT member FROM kv_sets WHERE set_key = $1 ORDER BY member;`

	// Serialises accumulator transitions per device for the rest of the transaction.
	advisoryXactLockSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0));`
)

// Postgres is a Backend on PostgreSQL tables emulating scalars, lists and sets.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// NewPostgres wires a pgx pool into a Postgres backend.
func NewPostgres(pool *pgxpool.Pool, logger zerolog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger.With().Str("component", "postgres_backend").Logger()}
}

// EnsureSchema creates the backing tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return unavailable("create schema", err)
	}
	return nil
}

func (p *Postgres) getPool() (*pgxpool.Pool, error) {
	if p == nil || p.pool == nil {
		return nil, ErrNotConfigured
	}
	return p.pool, nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	pool, err := p.getPool()
	if err != nil {
		return "", false, err
	}
	return getScalar(ctx, pool, key)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getScalar(ctx context.Context, q querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRow(ctx, getScalarSQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get scalar", err)
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertScalarSQL, key, value); err != nil {
		return unavailable("set scalar", err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, keys ...string) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{deleteScalarsSQL, deleteListsSQL, deleteSetsSQL} {
			if _, err := tx.Exec(ctx, stmt, keys); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("delete keys", err)
	}
	return nil
}

func (p *Postgres) SetAndPush(ctx context.Context, scalarKey, value, listKey, item string, limit int) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertScalarSQL, scalarKey, value); err != nil {
			return err
		}
		return pushTrim(ctx, tx, listKey, item, limit)
	})
	if err != nil {
		return unavailable("set and push", err)
	}
	return nil
}

func (p *Postgres) PushCapped(ctx context.Context, listKey, item string, limit int) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return pushTrim(ctx, tx, listKey, item, limit)
	})
	if err != nil {
		return unavailable("push", err)
	}
	return nil
}

func pushTrim(ctx context.Context, tx pgx.Tx, listKey, item string, limit int) error {
	if _, err := tx.Exec(ctx, pushListSQL, listKey, item); err != nil {
		return err
	}
	if limit <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx, trimListSQL, listKey, limit)
	return err
}

func (p *Postgres) Range(ctx context.Context, listKey string, limit int) ([]string, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	if limit > 0 {
		rows, err = pool.Query(ctx, rangeListSQL, listKey, limit)
	} else {
		rows, err = pool.Query(ctx, rangeListAllSQL, listKey)
	}
	if err != nil {
		return nil, unavailable("range list", err)
	}

	items, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("range list", err)
	}
	return items, nil
}

func (p *Postgres) Len(ctx context.Context, listKey string) (int64, error) {
	pool, err := p.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countListSQL, listKey).Scan(&count); err != nil {
		return 0, unavailable("count list", err)
	}
	return count, nil
}

func (p *Postgres) AddMember(ctx context.Context, setKey, member string) (bool, error) {
	pool, err := p.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, addMemberSQL, setKey, member)
	if err != nil {
		return false, unavailable("add member", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) IsMember(ctx context.Context, setKey, member string) (bool, error) {
	pool, err := p.getPool()
	if err != nil {
		return false, err
	}
	var ok bool
	if err := pool.QueryRow(ctx, isMemberSQL, setKey, member).Scan(&ok); err != nil {
		return false, unavailable("is member", err)
	}
	return ok, nil
}

func (p *Postgres) Members(ctx context.Context, setKey string) ([]string, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, membersSQL, setKey)
	if err != nil {
		return nil, unavailable("list members", err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("list members", err)
	}
	return members, nil
}

func (p *Postgres) Accumulate(ctx context.Context, keys AccumulatorKeys, raw float64, window int64) (*WindowTotals, error) {
	var closed *WindowTotals
	err := p.withAccumulator(ctx, keys, func(acc Accumulator) (Accumulator, bool) {
		var next Accumulator
		next, closed = acc.Advance(decimal.NewFromFloat(raw), window)
		return next, true
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func (p *Postgres) CloseWindow(ctx context.Context, keys AccumulatorKeys, window int64) (*WindowTotals, error) {
	var closed *WindowTotals
	err := p.withAccumulator(ctx, keys, func(acc Accumulator) (Accumulator, bool) {
		var next Accumulator
		next, closed = acc.CloseBefore(window)
		return next, closed != nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// withAccumulator runs fn on the stored accumulator inside a transaction that
// holds the per-device advisory lock, persisting the result when fn asks to.
func (p *Postgres) withAccumulator(ctx context.Context, keys AccumulatorKeys, fn func(Accumulator) (Accumulator, bool)) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, advisoryXactLockSQL, keys.Window); err != nil {
			return err
		}

		ws, wsOK, err := getScalar(ctx, tx, keys.Window)
		if err != nil {
			return err
		}
		sum, sumOK, err := getScalar(ctx, tx, keys.Sum)
		if err != nil {
			return err
		}
		cnt, cntOK, err := getScalar(ctx, tx, keys.Count)
		if err != nil {
			return err
		}

		acc, decodeErr := decodeAccumulator(ws, sum, cnt, wsOK, sumOK, cntOK)
		if decodeErr != nil {
			p.logger.Warn().Err(decodeErr).Str("key", keys.Window).Msg("discarding unreadable accumulator")
		}

		next, persist := fn(acc)
		if !persist {
			return nil
		}
		window, sumStr, countStr := next.encode()
		for _, kv := range [][2]string{{keys.Window, window}, {keys.Sum, sumStr}, {keys.Count, countStr}} {
			if _, err := tx.Exec(ctx, upsertScalarSQL, kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return unavailable("accumulate", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (p *Postgres) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

var _ Backend = (*Postgres)(nil)
