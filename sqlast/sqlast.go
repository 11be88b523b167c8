// Package sqlast parses backend-neutral SQL text into an AST the rewrite
// pipeline visits and rewrites (spec.md §2, §4.2), using the tidb SQL parser
// (pingcap/tidb/pkg/parser) peer-db already pulls in transitively.
package sqlast

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver" //nolint:revive // registers literal-value AST nodes the parser needs to build expressions
	"gitlab.com/tozd/go/errors"
)

// Kind classifies a parsed statement for pipeline dispatch (spec.md §4.4
// step 1: "classify as read-only ... or write").
type Kind int

const (
	KindUnknown Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindOther
)

func (k Kind) IsWrite() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

// Statement wraps a parsed tidb ast.StmtNode with the engine's own
// classification and its source text.
type Statement struct {
	Node ast.StmtNode
	Kind Kind
	Text string
}

// ErrParse wraps any parser failure; spec.md §7 classifies "unsupported SQL
// form" as an input/shape error surfaced verbatim.
var ErrParse = errors.Base("sqlast: parse error")

// Parse splits sql (which may contain multiple `;`-separated statements) into
// individual Statements.
func Parse(sql string) ([]*Statement, errors.E) {
	p := parser.New()
	nodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		errE := errors.WrapWith(err, ErrParse)
		errors.Details(errE)["sql"] = sql
		return nil, errE
	}

	out := make([]*Statement, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Statement{
			Node: n,
			Kind: classify(n),
			Text: n.Text(),
		})
	}
	return out, nil
}

// ParseOne parses sql, requiring it to contain exactly one statement.
func ParseOne(sql string) (*Statement, errors.E) {
	stmts, errE := Parse(sql)
	if errE != nil {
		return nil, errE
	}
	if len(stmts) != 1 {
		errE := errors.WithStack(ErrParse)
		errors.Details(errE)["sql"] = sql
		errors.Details(errE)["statement_count"] = len(stmts)
		return nil, errE
	}
	return stmts[0], nil
}

func classify(n ast.StmtNode) Kind {
	switch n.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
		return KindSelect
	case *ast.InsertStmt:
		return KindInsert
	case *ast.UpdateStmt:
		return KindUpdate
	case *ast.DeleteStmt:
		return KindDelete
	default:
		return KindOther
	}
}

// tableNameCollector walks a statement's AST collecting every referenced
// table name, in visitation order, the way the read rewriter's
// TableFactor::Table matcher needs them (spec.md §4.2.1).
type tableNameCollector struct {
	names []string
}

func (c *tableNameCollector) Enter(n ast.Node) (ast.Node, bool) {
	if tn, ok := n.(*ast.TableName); ok {
		c.names = append(c.names, strings.ToLower(tn.Name.O))
	}
	return n, false
}

func (c *tableNameCollector) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}

// TableNames returns every distinct table name (lower-cased) referenced by
// the statement, in first-seen order.
func (s *Statement) TableNames() []string {
	c := &tableNameCollector{} //nolint:exhaustruct
	s.Node.Accept(c)

	seen := map[string]bool{}
	out := make([]string, 0, len(c.names))
	for _, n := range c.names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// ReferencesAny reports whether the statement references any table whose
// name has one of the given prefixes (case-insensitive) — used to detect
// `lix_state*`, `lix_file*`, `lix_internal_*` references (spec.md §4.4, §6.1).
func (s *Statement) ReferencesAny(prefixes ...string) bool {
	for _, name := range s.TableNames() {
		for _, p := range prefixes {
			if strings.HasPrefix(name, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}
