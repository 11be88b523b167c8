// Package postgres adapts jackc/pgx/v5 to the engine's backend.Backend ABI,
// grounded on peer-db's internal/store connection-pool and error-wrapping
// conventions (postgres.go, pgx.go).
package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
)

// Relation-not-found SQLSTATE codes (undefined_table, undefined_column).
const (
	errorCodeUndefinedTable  = "42P01"
	errorCodeUndefinedColumn = "42703"
)

// Backend wraps a *pgxpool.Pool.
type Backend struct {
	pool *pgxpool.Pool
}

// Open connects using databaseURI and sets the application_name runtime
// parameter to "lixql-engine". It sets no statement or idle-transaction
// timeout; any such settings come from databaseURI itself.
func Open(ctx context.Context, databaseURI string) (*Backend, errors.E) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURI))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "lixql-engine"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Dialect() backend.Dialect { return backend.Postgres }

func (b *Backend) Execute(ctx context.Context, query string, params []backend.Value) (*backend.QueryResult, errors.E) {
	return execute(ctx, b.pool, query, params)
}

func (b *Backend) BeginTransaction(ctx context.Context) (backend.Transaction, errors.E) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{ //nolint:exhaustruct
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return nil, withPgxError(err)
	}
	return &transaction{tx: tx}, nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() {
	b.pool.Close()
}

type transaction struct {
	tx pgx.Tx
}

func (t *transaction) Dialect() backend.Dialect { return backend.Postgres }

func (t *transaction) Execute(ctx context.Context, query string, params []backend.Value) (*backend.QueryResult, errors.E) {
	return execute(ctx, t.tx, query, params)
}

func (t *transaction) Commit(ctx context.Context) errors.E {
	return withPgxError(t.tx.Commit(ctx))
}

func (t *transaction) Rollback(ctx context.Context) errors.E {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return withPgxError(err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func execute(ctx context.Context, q querier, query string, params []backend.Value) (*backend.QueryResult, errors.E) {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Any()
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, withPgxError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	result := &backend.QueryResult{Columns: cols} //nolint:exhaustruct

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, withPgxError(err)
		}
		row := make([]backend.Value, len(values))
		for i, v := range values {
			row[i] = backend.FromAny(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, withPgxError(err)
	}
	return result, nil
}

// withPgxError mirrors peer-db's internal/store/pgx.go WithPgxError: it
// attaches PostgreSQL error-code fields to the wrapped error, and further
// wraps known "relation does not exist" codes with backend.ErrNoSuchTable so
// the working-projection rebuilder can match it uniformly (spec.md §4.7, §7).
func withPgxError(err error) errors.E {
	if err == nil {
		return nil
	}
	errE := errors.WithStack(err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		details := errors.Details(errE)
		details["code"] = pgErr.Code
		details["message"] = pgErr.Message
		details["constraintName"] = pgErr.ConstraintName
		details["tableName"] = pgErr.TableName
		if pgErr.Code == errorCodeUndefinedTable || pgErr.Code == errorCodeUndefinedColumn {
			return errors.WrapWith(err, backend.ErrNoSuchTable)
		}
	}
	return errE
}
