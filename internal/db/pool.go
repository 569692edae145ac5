// Package db provides the Postgres connection abstraction, the embedded
// migration runner and bulk copy helpers shared by the stores.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool is the subset of pgxpool.Pool used by this module. pgx.Tx and
// pgxmock pools satisfy it as well, so helpers run unchanged inside a
// transaction or against a mock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// TxPool is a Pool that can also open transactions with explicit options.
type TxPool interface {
	Pool
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}
