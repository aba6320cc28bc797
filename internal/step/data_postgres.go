package step

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowrun/internal/config"
)

// PgDataMover applies data operations to PostgreSQL tables using pgx/v5.
// Source and target are table names, optionally schema-qualified.
type PgDataMover struct {
	pool *pgxpool.Pool
}

// NewPgDataMover creates a data mover over an existing pool.
func NewPgDataMover(pool *pgxpool.Pool) *PgDataMover {
	return &PgDataMover{pool: pool}
}

// OpenPgPool connects a pgx pool sized from the data step config.
func OpenPgPool(ctx context.Context, dsn string, cfg config.DataStepConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse data dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = connLimit(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = min(connLimit(cfg.MaxIdleConns), poolCfg.MaxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect data store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping data store: %w", err)
	}
	return pool, nil
}

// connLimit converts a configured connection count to pgxpool's int32,
// clamped to [0, MaxInt32].
func connLimit(n int) int32 {
	return int32(max(0, min(n, math.MaxInt32)))
}

// Apply implements DataMover. move runs its statements in one transaction.
func (m *PgDataMover) Apply(ctx context.Context, op DataOperation) (int64, error) {
	stmts, err := buildDataStatements(op)
	if err != nil {
		return 0, err
	}

	if op.Operation == DataOpCount {
		var n int64
		if err := m.pool.QueryRow(ctx, stmts[0]).Scan(&n); err != nil {
			return 0, fmt.Errorf("count rows: %w", err)
		}
		return n, nil
	}

	var affected int64
	err = pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		for i, stmt := range stmts {
			tag, err := tx.Exec(ctx, stmt)
			if err != nil {
				return fmt.Errorf("exec statement %d: %w", i+1, err)
			}
			if i == 0 {
				affected = tag.RowsAffected()
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// HealthCheck pings the database.
func (m *PgDataMover) HealthCheck(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

// buildDataStatements returns the SQL for op. The first statement's row count
// is the number of records affected.
func buildDataStatements(op DataOperation) ([]string, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	source := quoteTable(op.Source)

	switch op.Operation {
	case DataOpCount:
		return []string{"SELECT count(*) FROM " + source}, nil
	case DataOpCopy:
		return []string{
			fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", quoteTable(op.Target), source),
		}, nil
	case DataOpMove:
		return []string{
			fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", quoteTable(op.Target), source),
			"DELETE FROM " + source,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported data operation %q", op.Operation)
	}
}

// quoteTable quotes a possibly schema-qualified table name.
func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
