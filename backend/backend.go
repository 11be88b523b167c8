// Package backend defines the dialect-neutral Backend/Transaction ABI the
// engine executes RewriteOutput statements against (spec.md §4.1, §6.2), plus
// two concrete adapters: backend/postgres (jackc/pgx/v5) and backend/sqlite
// (modernc.org/sqlite). A third, backend.Memory, is a bounded in-memory fake
// used by this module's own tests.
package backend

import (
	"context"

	"gitlab.com/tozd/go/errors"
)

// Dialect names a concrete SQL backend kind.
type Dialect int

const (
	Sqlite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	switch d {
	case Sqlite:
		return "sqlite"
	case Postgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// ValueKind tags the dynamic type carried by a Value (spec.md §6.1).
type ValueKind int

const (
	KindNull ValueKind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
	KindBoolean
)

// Value is the backend-neutral column value type every row and every bound
// parameter is expressed in (spec.md §6.1: QueryResult's Value union).
type Value struct {
	Kind    ValueKind
	Integer int64
	Real    float64
	Text    string
	Blob    []byte
	Boolean bool
}

func NullValue() Value                { return Value{Kind: KindNull} } //nolint:exhaustruct
func IntegerValue(v int64) Value      { return Value{Kind: KindInteger, Integer: v} }
func RealValue(v float64) Value       { return Value{Kind: KindReal, Real: v} }
func TextValue(v string) Value        { return Value{Kind: KindText, Text: v} }
func BlobValue(v []byte) Value        { return Value{Kind: KindBlob, Blob: v} }
func BooleanValue(v bool) Value       { return Value{Kind: KindBoolean, Boolean: v} }
func (v Value) IsNull() bool          { return v.Kind == KindNull }

// Any returns v's payload as a plain Go value, for handing to encoding/json
// or to a higher-level caller that doesn't care about the Value wrapper.
func (v Value) Any() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInteger:
		return v.Integer
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	case KindBoolean:
		return v.Boolean
	default:
		return nil
	}
}

// FromAny converts a plain Go value (as produced by encoding/json.Unmarshal,
// or passed by a caller of Engine.execute) into a Value.
func FromAny(v any) Value {
	switch val := v.(type) {
	case nil:
		return NullValue()
	case int:
		return IntegerValue(int64(val))
	case int64:
		return IntegerValue(val)
	case float64:
		return RealValue(val)
	case string:
		return TextValue(val)
	case []byte:
		return BlobValue(val)
	case bool:
		return BooleanValue(val)
	default:
		return TextValue("")
	}
}

// QueryResult is what Execute returns: a rectangular grid of Values, one row
// per matched/returned row (spec.md §6.1).
type QueryResult struct {
	Columns []string
	Rows    [][]Value
}

// Backend is the minimal ABI the engine requires of a concrete SQL backend
// (spec.md §4.1, §6.2).
type Backend interface {
	Execute(ctx context.Context, sql string, params []Value) (*QueryResult, errors.E)
	BeginTransaction(ctx context.Context) (Transaction, errors.E)
	Dialect() Dialect
}

// Transaction is a single backend transaction. Rollback is invoked on any
// error bubbling out of the executor (spec.md §4.1); Commit is the caller's
// explicit final step (spec.md §4.4).
type Transaction interface {
	Execute(ctx context.Context, sql string, params []Value) (*QueryResult, errors.E)
	Commit(ctx context.Context) errors.E
	Rollback(ctx context.Context) errors.E
	Dialect() Dialect
}

// ErrNotFound is returned by backends (or wrapped from driver-specific "no
// rows"/"no such table" errors) so callers can match it with errors.Is
// regardless of which concrete backend raised it.
var ErrNotFound = errors.Base("backend: not found")

// ErrNoSuchTable is wrapped around driver errors meaning "relation/table does
// not exist", which the working-projection rebuilder treats as "not yet
// bootstrapped" and suppresses (spec.md §4.7, §7).
var ErrNoSuchTable = errors.Base("backend: no such table")
