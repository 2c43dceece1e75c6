package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the query surface shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ctxKey string

const txKey ctxKey = "tx"

type txState struct {
	tx          pgx.Tx
	afterCommit []func()
}

// Conn returns the transaction carried by ctx, or pool when there is none. Repositories
// call it on every query so the same code runs inside and outside a transaction.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if st, ok := ctx.Value(txKey).(*txState); ok {
		return st.tx
	}
	return pool
}

// InTx reports whether ctx carries a transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey).(*txState)
	return ok
}

// AfterCommit defers fn until the transaction in ctx commits. Outside a transaction fn
// runs immediately. Hooks are dropped on rollback.
func AfterCommit(ctx context.Context, fn func()) {
	if st, ok := ctx.Value(txKey).(*txState); ok {
		st.afterCommit = append(st.afterCommit, fn)
		return
	}
	fn()
}

// Transactor runs fn atomically.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxManager implements Transactor on a pgx pool.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a TxManager for pool.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithinTx begins a transaction, hands fn a context carrying it, and commits when fn
// returns nil. Nested calls join the outer transaction.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback is safe to call even if committed

	st := &txState{tx: tx}
	if err := fn(context.WithValue(ctx, txKey, st)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return WrapError(err, "commit transaction")
	}

	for _, hook := range st.afterCommit {
		hook()
	}

	return nil
}
