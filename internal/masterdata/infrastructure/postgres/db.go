package postgres

import (
	"context"
	"database/sql"
)

// DBTX is the subset of *sql.DB / *sql.Tx the repositories need, so a caller
// can run them inside an existing transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
