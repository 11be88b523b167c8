package backend

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// Memory is a bounded, in-process fake Backend used by this module's own
// tests. It does not embed a SQL parser: it recognizes the handful of
// canonical INSERT/SELECT/UPDATE/DELETE/CREATE TABLE shapes the rewrite and
// commit packages actually emit, the way a hand-rolled sqlmock expectation
// would, rather than attempting a general SQL engine.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

type memTable struct {
	columns []string
	rows    []map[string]Value
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{tables: map[string]*memTable{}} //nolint:exhaustruct
}

func (m *Memory) Dialect() Dialect { return Sqlite }

func (m *Memory) BeginTransaction(ctx context.Context) (Transaction, errors.E) {
	return &memTransaction{db: m}, nil
}

// ErrUnsupportedStatement is returned for any statement shape Memory does not
// recognize. Real backends never return this; it exists only to keep the
// fake honest about its bounded coverage.
var ErrUnsupportedStatement = errors.Base("backend: unsupported statement in memory fake")

func (m *Memory) Execute(ctx context.Context, query string, params []Value) (*QueryResult, errors.E) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execute(query, params)
}

type memTransaction struct {
	db *Memory
}

func (t *memTransaction) Dialect() Dialect { return Sqlite }

func (t *memTransaction) Execute(ctx context.Context, query string, params []Value) (*QueryResult, errors.E) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.execute(query, params)
}

// Commit and Rollback are no-ops: Memory applies every statement immediately,
// matching the "transaction" only in shape, not in isolation semantics.
func (t *memTransaction) Commit(ctx context.Context) errors.E   { return nil }
func (t *memTransaction) Rollback(ctx context.Context) errors.E { return nil }

var (
	reCreateTable = regexp.MustCompile(`(?is)^\s*CREATE TABLE(?: IF NOT EXISTS)?\s+"?([a-zA-Z0-9_]+)"?\s*\((.*)\)\s*;?\s*$`)
	reInsert      = regexp.MustCompile(`(?is)^\s*INSERT INTO\s+"?([a-zA-Z0-9_]+)"?\s*\(([^)]*)\)\s*VALUES\s*(\([^)]*\)(?:\s*,\s*\([^)]*\))*)\s*(?:ON CONFLICT\s*\(([^)]*)\)\s*DO\s+(NOTHING|UPDATE SET\s+(.*?)))?\s*;?\s*$`)
	reSelect      = regexp.MustCompile(`(?is)^\s*SELECT\s+(.*?)\s+FROM\s+"?([a-zA-Z0-9_]+)"?\s*(?:WHERE\s+(.*?))?(?:\s+ORDER BY\s+(.*?))?\s*;?\s*$`)
	reUpdate      = regexp.MustCompile(`(?is)^\s*UPDATE\s+"?([a-zA-Z0-9_]+)"?\s+SET\s+(.*?)(?:\s+WHERE\s+(.*?))?\s*;?\s*$`)
	reDelete      = regexp.MustCompile(`(?is)^\s*DELETE FROM\s+"?([a-zA-Z0-9_]+)"?\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)
)

func (m *Memory) execute(query string, params []Value) (*QueryResult, errors.E) {
	query = strings.TrimSpace(query)
	var consumed int

	switch {
	case reCreateTable.MatchString(query):
		g := reCreateTable.FindStringSubmatch(query)
		m.createTable(g[1], g[2])
		return &QueryResult{}, nil //nolint:exhaustruct

	case reInsert.MatchString(query):
		g := reInsert.FindStringSubmatch(query)
		cols := splitIdentList(g[2])
		conflictCols := splitIdentList(g[4])
		doNothing := strings.EqualFold(strings.TrimSpace(g[5]), "NOTHING")
		setClause := g[6]
		for _, tuple := range strings.Split(g[3], ")") {
			tuple = strings.TrimLeft(strings.TrimSpace(tuple), ",( \t\r\n")
			if tuple == "" {
				continue
			}
			placeholders := splitIdentList(tuple)
			if len(cols) != len(placeholders) {
				return nil, errors.WithStack(ErrUnsupportedStatement)
			}
			row := map[string]Value{}
			for i, c := range cols {
				v, n := nextParam(placeholders[i], params, consumed)
				consumed = n
				row[c] = v
			}
			if _, errE := m.upsert(g[1], row, conflictCols, doNothing, setClause); errE != nil {
				return nil, errE
			}
		}
		return &QueryResult{}, nil //nolint:exhaustruct

	case reSelect.MatchString(query):
		g := reSelect.FindStringSubmatch(query)
		cols := splitIdentList(g[1])
		order := strings.TrimSpace(g[4])
		return m.selectRows(g[2], cols, g[3], order, params)

	case reUpdate.MatchString(query):
		g := reUpdate.FindStringSubmatch(query)
		return m.update(g[1], g[2], g[3], params)

	case reDelete.MatchString(query):
		g := reDelete.FindStringSubmatch(query)
		return m.delete(g[1], g[2], params)

	default:
		errE := errors.WithStack(ErrUnsupportedStatement)
		errors.Details(errE)["query"] = query
		return nil, errE
	}
}

func (m *Memory) createTable(name, body string) {
	if _, ok := m.tables[name]; ok {
		return
	}
	cols := []string{}
	for _, part := range strings.Split(body, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		upper := strings.ToUpper(fields[0])
		if upper == "PRIMARY" || upper == "FOREIGN" || upper == "UNIQUE" || upper == "CHECK" {
			continue
		}
		cols = append(cols, strings.Trim(fields[0], `"`))
	}
	m.tables[name] = &memTable{columns: cols} //nolint:exhaustruct
}

// upsert implements plain INSERT (no conflictCols) as well as the
// `ON CONFLICT (...) DO NOTHING|UPDATE SET ...` shapes the commit runtime and
// state store emit (spec.md §4.3).
func (m *Memory) upsert(name string, row map[string]Value, conflictCols []string, doNothing bool, setClause string) (*QueryResult, errors.E) {
	t, ok := m.tables[name]
	if !ok {
		errE := errors.WithStack(ErrNoSuchTable)
		errors.Details(errE)["table"] = name
		return nil, errE
	}

	if len(conflictCols) > 0 {
		for _, existing := range t.rows {
			if conflictMatches(existing, row, conflictCols) {
				if doNothing {
					return &QueryResult{}, nil //nolint:exhaustruct
				}
				applyExcludedSet(existing, row, setClause)
				return &QueryResult{}, nil //nolint:exhaustruct
			}
		}
	}

	t.rows = append(t.rows, row)
	return &QueryResult{}, nil //nolint:exhaustruct
}

func conflictMatches(existing, incoming map[string]Value, conflictCols []string) bool {
	for _, c := range conflictCols {
		c = strings.Trim(strings.TrimSpace(c), `"`)
		if !valuesEqual(existing[c], incoming[c]) {
			return false
		}
	}
	return true
}

// applyExcludedSet evaluates `col = excluded.col` (or a literal) assignments
// from a DO UPDATE SET clause against incoming, writing results into
// existing in place.
func applyExcludedSet(existing, incoming map[string]Value, setClause string) {
	for _, assignment := range strings.Split(setClause, ",") {
		parts := strings.SplitN(assignment, "=", 2)
		if len(parts) != 2 {
			continue
		}
		col := strings.Trim(strings.TrimSpace(parts[0]), `"`)
		rhs := strings.TrimSpace(parts[1])
		if strings.HasPrefix(strings.ToLower(rhs), "excluded.") {
			srcCol := strings.Trim(rhs[len("excluded."):], `"`)
			existing[col] = incoming[srcCol]
			continue
		}
		v, _ := nextParam(rhs, nil, 0)
		existing[col] = v
	}
}

func (m *Memory) selectRows(name string, cols []string, where, orderBy string, params []Value) (*QueryResult, errors.E) {
	t, ok := m.tables[name]
	if !ok {
		errE := errors.WithStack(ErrNoSuchTable)
		errors.Details(errE)["table"] = name
		return nil, errE
	}

	preds, errE := parseWhere(where, params)
	if errE != nil {
		return nil, errE
	}

	matched := make([]map[string]Value, 0, len(t.rows))
	for _, row := range t.rows {
		if rowMatches(row, preds) {
			matched = append(matched, row)
		}
	}

	if orderBy != "" {
		fields := strings.Fields(orderBy)
		col := strings.Trim(fields[0], `"`)
		desc := len(fields) > 1 && strings.EqualFold(fields[1], "desc")
		sort.SliceStable(matched, func(i, j int) bool {
			less := valueLess(matched[i][col], matched[j][col])
			if desc {
				return !less && !valuesEqual(matched[i][col], matched[j][col])
			}
			return less
		})
	}

	if len(cols) == 1 && strings.TrimSpace(cols[0]) == "*" {
		cols = t.columns
	}

	result := &QueryResult{Columns: cols}
	for _, row := range matched {
		out := make([]Value, len(cols))
		for i, c := range cols {
			out[i] = row[strings.Trim(strings.TrimSpace(c), `"`)]
		}
		result.Rows = append(result.Rows, out)
	}
	return result, nil
}

func (m *Memory) update(name, setClause, where string, params []Value) (*QueryResult, errors.E) {
	t, ok := m.tables[name]
	if !ok {
		errE := errors.WithStack(ErrNoSuchTable)
		errors.Details(errE)["table"] = name
		return nil, errE
	}

	assignments := strings.Split(setClause, ",")
	idx := 0
	sets := map[string]Value{}
	for _, a := range assignments {
		parts := strings.SplitN(a, "=", 2)
		if len(parts) != 2 {
			continue
		}
		col := strings.Trim(strings.TrimSpace(parts[0]), `"`)
		v, n := nextParam(strings.TrimSpace(parts[1]), params, idx)
		idx = n
		sets[col] = v
	}

	preds, errE := parseWhereAt(where, params, idx)
	if errE != nil {
		return nil, errE
	}

	for _, row := range t.rows {
		if rowMatches(row, preds) {
			for k, v := range sets {
				row[k] = v
			}
		}
	}
	return &QueryResult{}, nil //nolint:exhaustruct
}

func (m *Memory) delete(name, where string, params []Value) (*QueryResult, errors.E) {
	t, ok := m.tables[name]
	if !ok {
		errE := errors.WithStack(ErrNoSuchTable)
		errors.Details(errE)["table"] = name
		return nil, errE
	}
	preds, errE := parseWhere(where, params)
	if errE != nil {
		return nil, errE
	}
	kept := t.rows[:0]
	for _, row := range t.rows {
		if !rowMatches(row, preds) {
			kept = append(kept, row)
		}
	}
	t.rows = kept
	return &QueryResult{}, nil //nolint:exhaustruct
}

type predicate struct {
	column string
	value  Value
	isNull bool
}

func parseWhere(where string, params []Value) ([]predicate, errors.E) {
	return parseWhereAt(where, params, 0)
}

func parseWhereAt(where string, params []Value, start int) ([]predicate, errors.E) {
	where = strings.TrimSpace(where)
	if where == "" {
		return nil, nil
	}
	clauses := strings.Split(where, " AND ")
	if len(clauses) == 1 {
		clauses = strings.Split(where, " and ")
	}
	preds := make([]predicate, 0, len(clauses))
	idx := start
	for _, c := range clauses {
		c = strings.TrimSpace(c)
		if strings.Contains(strings.ToUpper(c), "IS NULL") {
			col := strings.TrimSpace(c[:strings.Index(strings.ToUpper(c), "IS NULL")])
			preds = append(preds, predicate{column: strings.Trim(col, `"`), isNull: true}) //nolint:exhaustruct
			continue
		}
		parts := strings.SplitN(c, "=", 2)
		if len(parts) != 2 {
			continue
		}
		col := strings.Trim(strings.TrimSpace(parts[0]), `"`)
		v, n := nextParam(strings.TrimSpace(parts[1]), params, idx)
		idx = n
		preds = append(preds, predicate{column: col, value: v}) //nolint:exhaustruct
	}
	return preds, nil
}

func rowMatches(row map[string]Value, preds []predicate) bool {
	for _, p := range preds {
		v, ok := row[p.column]
		if p.isNull {
			if ok && !v.IsNull() {
				return false
			}
			continue
		}
		if !ok || !valuesEqual(v, p.value) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindInteger:
		return a.Integer == b.Integer
	case KindReal:
		return a.Real == b.Real
	case KindText:
		return a.Text == b.Text
	case KindBoolean:
		return a.Boolean == b.Boolean
	case KindBlob:
		return string(a.Blob) == string(b.Blob)
	case KindNull:
		return true
	default:
		return false
	}
}

func valueLess(a, b Value) bool {
	switch a.Kind {
	case KindInteger:
		return a.Integer < b.Integer
	case KindReal:
		return a.Real < b.Real
	case KindText:
		return a.Text < b.Text
	default:
		return false
	}
}

// nextParam resolves a single SQL literal/placeholder token to a Value,
// consuming the next bare "?" from params if the token is a placeholder, or
// parsing the token itself as a literal (numeric, quoted string, or NULL).
// It returns the updated params cursor.
func nextParam(token string, params []Value, cursor int) (Value, int) {
	token = strings.TrimSpace(token)
	if token == "?" || (strings.HasPrefix(token, "$") && isDigits(token[1:])) || (strings.HasPrefix(token, "?") && isDigits(token[1:])) {
		if cursor < len(params) {
			return params[cursor], cursor + 1
		}
		return NullValue(), cursor + 1
	}
	if strings.EqualFold(token, "NULL") {
		return NullValue(), cursor
	}
	if strings.HasPrefix(token, "'") && strings.HasSuffix(token, "'") && len(token) >= 2 {
		return TextValue(strings.Trim(token, "'")), cursor
	}
	if n, err := strconv.ParseInt(token, 10, 64); err == nil {
		return IntegerValue(n), cursor
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return RealValue(f), cursor
	}
	return TextValue(token), cursor
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// splitIdentList splits a comma-separated column/placeholder list, respecting
// neither nested parens nor quoted commas — the callers only ever feed it
// flat lists.
func splitIdentList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
