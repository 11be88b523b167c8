// Package sqlite adapts modernc.org/sqlite (a pure-Go, cgo-free SQLite
// driver — the same choice hazyhaar-GoClode makes for its embedded session
// store) to the engine's backend.Backend ABI.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
)

// Backend wraps a *sql.DB opened against the modernc.org/sqlite driver.
type Backend struct {
	db *sql.DB
}

// Open opens dsn (a file path, or ":memory:") with the pure-Go SQLite driver
// and enables WAL mode, matching spec.md §5's note that "SQLite WAL readers
// are compatible" with concurrent read-only callers.
func Open(dsn string) (*Backend, errors.E) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, errors.WithStack(err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Dialect() backend.Dialect { return backend.Sqlite }

func (b *Backend) Execute(ctx context.Context, query string, params []backend.Value) (*backend.QueryResult, errors.E) {
	return execute(ctx, b.db, query, params)
}

func (b *Backend) BeginTransaction(ctx context.Context) (backend.Transaction, errors.E) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &transaction{tx: tx}, nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() errors.E {
	return errors.WithStack(b.db.Close())
}

type transaction struct {
	tx *sql.Tx
}

func (t *transaction) Dialect() backend.Dialect { return backend.Sqlite }

func (t *transaction) Execute(ctx context.Context, query string, params []backend.Value) (*backend.QueryResult, errors.E) {
	return execute(ctx, t.tx, query, params)
}

func (t *transaction) Commit(ctx context.Context) errors.E {
	return errors.WithStack(t.tx.Commit())
}

func (t *transaction) Rollback(ctx context.Context) errors.E {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.WithStack(err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execute(ctx context.Context, e execer, query string, params []backend.Value) (*backend.QueryResult, errors.E) {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Any()
	}

	trimmed := strings.TrimSpace(query)
	if len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "select") || strings.HasPrefix(strings.ToUpper(trimmed), "WITH") {
		rows, err := e.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, wrapErr(err)
		}
		defer rows.Close()
		return scanRows(rows)
	}

	_, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &backend.QueryResult{}, nil //nolint:exhaustruct
}

func scanRows(rows *sql.Rows) (*backend.QueryResult, errors.E) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := &backend.QueryResult{Columns: cols}

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.WithStack(err)
		}
		row := make([]backend.Value, len(cols))
		for i, v := range raw {
			row[i] = backend.FromAny(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return result, nil
}

func wrapErr(err error) errors.E {
	if strings.Contains(err.Error(), "no such table") {
		return errors.WrapWith(err, backend.ErrNoSuchTable)
	}
	return errors.WithStack(err)
}
