package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TxPool adapts a single pgx.Tx to the PgxPool shape so the existing
// per-table repos (constructed against a PgxPool) can be pointed at one
// shared transaction instead of the pool. This is how the analysis worker
// satisfies "every OutboxEvent row is written in the same database
// transaction as the state it describes": build one TxPool per handler
// invocation, hand it to throwaway FileRepo/POIRepo/RelationshipRepo/
// EvidenceRepo/OutboxRepo instances, and Commit or Rollback once at the end.
//
// BeginTx is intentionally unsupported: none of the repo methods call it
// themselves (they take a PgxPool, not a Tx, precisely so callers choose
// between pool-scoped and tx-scoped execution), so a nested BeginTx here
// would only ever indicate a caller mistake.
type TxPool struct{ Tx pgx.Tx }

// NewTxPool wraps tx as a PgxPool.
func NewTxPool(tx pgx.Tx) *TxPool { return &TxPool{Tx: tx} }

// Exec implements PgxPool.
func (p *TxPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.Tx.Exec(ctx, sql, args...)
}

// QueryRow implements PgxPool.
func (p *TxPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.Tx.QueryRow(ctx, sql, args...)
}

// Query implements PgxPool.
func (p *TxPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.Tx.Query(ctx, sql, args...)
}

// BeginTx always errors; see the TxPool doc comment.
func (p *TxPool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, fmt.Errorf("op=txpool.begin_tx: nested transactions are not supported")
}

// WithTx runs fn against a PgxPool backed by one transaction on pool,
// committing on success and rolling back on error or panic.
func WithTx(ctx context.Context, pool PgxPool, fn func(txPool PgxPool) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=txpool.with_tx.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(NewTxPool(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=txpool.with_tx.commit: %w", err)
	}
	committed = true
	return nil
}
