// Package rewrite implements the SQL rewrite pipeline of spec.md §4.2: it
// expands logical views (lix_state*, lix_file*, lix_version, lix_<schema_key>
// entity views) into statements the executor can run directly, or into a
// RewriteOutput the commit runtime consumes.
package rewrite

import (
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/identifier"
	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/sqlast"
)

// MaxRewritePasses is a bound of 32 passes for a fixed-point write rewrite.
// lower applies one write rule per statement in a single pass and does not
// read it.
const MaxRewritePasses = 32

// ErrTooManyPasses names a write rewrite that does not converge within
// MaxRewritePasses (spec.md §7: an internal/engine-bug class error). lower
// runs a single pass, so nothing in this package returns it.
var ErrTooManyPasses = errors.Base("rewrite: exceeded max rewrite passes")

// Pipeline runs the four-phase SQL rewrite (spec.md §4.2: "Analyze →
// Canonicalize → Optimize → Lower"), validating after every phase.
type Pipeline struct {
	Registry *schema.Registry
	IDs      *identifier.Factory
}

// New returns a Pipeline bound to registry and an identifier factory for
// entity-view writes that must mint a fresh entity_id.
func New(registry *schema.Registry, ids *identifier.Factory) *Pipeline {
	return &Pipeline{Registry: registry, IDs: ids}
}

// Compiled is one statement's pipeline result: either a rewritten read
// Statement, or a write RewriteOutput.
type Compiled struct {
	Kind    sqlast.Kind
	Read    *Statement
	Write   *RewriteOutput
	Lowered string
}

// Compile runs sql through Analyze, Canonicalize, Optimize, and Lower,
// validating after each phase (spec.md §4.2.3), and returns the compiled
// result the executor applies. resolved carries the live row an UPDATE/
// DELETE's WHERE clause already resolved to (nil for every other statement
// shape, or when the caller has not resolved one) — see ResolvedWrite.
func (p *Pipeline) Compile(sql string, versionID string, resolved *ResolvedWrite) (*Compiled, errors.E) {
	stmt, errE := p.analyze(sql)
	if errE != nil {
		return nil, errE
	}

	canonical, errE := p.canonicalize(stmt)
	if errE != nil {
		return nil, errE
	}
	if errE := validateStructural(canonical); errE != nil {
		return nil, errE
	}

	optimized := p.optimize(canonical)
	if errE := validateStructural(optimized); errE != nil {
		return nil, errE
	}

	compiled, errE := p.lower(stmt.Kind, optimized, versionID, resolved)
	if errE != nil {
		return nil, errE
	}

	lowered := loweredText(compiled)
	if lowered != "" {
		if errE := ValidatePhase(lowered); errE != nil {
			return nil, errE
		}
	}
	compiled.Lowered = lowered

	return compiled, nil
}

// loweredText returns the SQL text that actually survived Lower, for the
// full post-Lower ValidatePhase check: a rewritten read statement, the raw
// statements a write rule emitted for the backend to run directly, or ""
// when the write rewrote entirely into Mutations/FileWrite with no SQL text
// left to check (spec.md §4.2.2: most entity-view and filesystem writes
// never touch the database directly).
func loweredText(compiled *Compiled) string {
	if compiled.Read != nil {
		return compiled.Read.SQL
	}
	if compiled.Write == nil || len(compiled.Write.Statements) == 0 {
		return ""
	}
	parts := make([]string, len(compiled.Write.Statements))
	for i, s := range compiled.Write.Statements {
		parts[i] = s.SQL
	}
	return strings.Join(parts, "; ")
}

// analyze parses sql and classifies it (spec.md §4.4 step 1), requiring
// exactly one statement per Compile call — the executor splits a multi-
// statement block before calling in.
func (p *Pipeline) analyze(sql string) (*sqlast.Statement, errors.E) {
	return sqlast.ParseOne(sql)
}

// canonicalize is a pass-through today: the entity-view and vtable rewrite
// rules below already operate on backend-neutral text, so there is no
// separate canonical form to normalize into yet (see DESIGN.md).
func (p *Pipeline) canonicalize(stmt *sqlast.Statement) (string, errors.E) {
	return stmt.Text, nil
}

// optimize is a pass-through today: this engine has no cost-based rewrite
// rules (predicate reordering, join elision); Optimize exists as a named
// phase boundary for the validator, per spec.md §4.2's phase list.
func (p *Pipeline) optimize(sql string) string {
	return sql
}

// writeTargetTable extracts the table name straight off an INSERT/UPDATE/
// DELETE statement's leading clause, letting lower dispatch the filesystem
// and lix_version write rules ahead of the generic entity-view rule without
// first resolving the table through sqlast's full AST walk.
var writeTargetTable = regexp.MustCompile(`(?is)^\s*(?:INSERT\s+INTO|UPDATE|DELETE\s+FROM)\s+"?([a-zA-Z0-9_]+)"?`)

func writeTarget(sql string) string {
	m := writeTargetTable.FindStringSubmatch(sql)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// lower applies the write or read rewrite rules in the priority order
// spec.md §4.2.2 names (filesystem, then lix_version, then the generic
// entity view), applying one write rule per statement, once. resolved supplies
// the live row context an UPDATE/DELETE's WHERE clause resolved to (see
// ResolvedWrite) — lix_file writes ignore it, since their own row
// resolution happens later, inside the filesystem projection.
func (p *Pipeline) lower(kind sqlast.Kind, sql string, versionID string, resolved *ResolvedWrite) (*Compiled, errors.E) {
	if !kind.IsWrite() {
		read := &ReadRewriter{Registry: p.Registry}
		stmt, errE := read.RewriteEntitySelect(sql, versionID)
		if errE != nil {
			return nil, errE
		}
		return &Compiled{Kind: kind, Read: stmt}, nil //nolint:exhaustruct
	}

	switch writeTarget(sql) {
	case "lix_file", "lix_file_by_version":
		if kind != sqlast.KindInsert && kind != sqlast.KindUpdate && kind != sqlast.KindDelete {
			return nil, errors.WithStack(ErrUnsupportedWrite)
		}
		return &Compiled{Kind: kind, Write: FileRewriter{}.Rewrite(sql)}, nil //nolint:exhaustruct

	case "lix_version":
		version := &VersionRewriter{Registry: p.Registry, IDs: p.IDs}
		var out *RewriteOutput
		var errE errors.E
		switch kind {
		case sqlast.KindInsert:
			out, errE = version.RewriteInsert(sql)
		case sqlast.KindUpdate:
			var curDesc, curPtr map[string]any
			if resolved != nil {
				curDesc, curPtr = resolved.VersionDescriptor, resolved.VersionPointer
			}
			out, errE = version.RewriteUpdate(sql, curDesc, curPtr)
		case sqlast.KindDelete:
			out, errE = version.RewriteDelete(sql)
		default:
			errE = errors.WithStack(ErrUnsupportedWrite)
		}
		if errE != nil {
			return nil, errE
		}
		return &Compiled{Kind: kind, Write: out}, nil //nolint:exhaustruct
	}

	write := &EntityRewriter{Registry: p.Registry, IDs: p.IDs}
	var out *RewriteOutput
	var errE errors.E
	switch kind {
	case sqlast.KindInsert:
		out, errE = write.RewriteInsert(sql, versionID)
	case sqlast.KindUpdate:
		entityID, fileID, current := "", "", map[string]any(nil)
		if resolved != nil {
			entityID, fileID, current = resolved.EntityID, resolved.FileID, resolved.Current
		}
		out, errE = write.RewriteUpdate(sql, versionID, entityID, fileID, current)
	case sqlast.KindDelete:
		entityID, fileID := "", ""
		if resolved != nil {
			entityID, fileID = resolved.EntityID, resolved.FileID
		}
		out, errE = write.RewriteDelete(sql, versionID, entityID, fileID)
	default:
		errE = errors.WithStack(ErrUnsupportedWrite)
	}
	if errE != nil {
		return nil, errE
	}
	return &Compiled{Kind: kind, Write: out}, nil //nolint:exhaustruct
}
