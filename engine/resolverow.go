package engine

import (
	"context"
	"encoding/json"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/fsproj"
	"gitlab.com/lixql/engine/rewrite"
	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/sqlast"
	"gitlab.com/lixql/engine/state"
)

// resolveWrite computes a rewrite.ResolvedWrite for an UPDATE/DELETE against
// a generic entity view or lix_version, so Compile's dispatch can target the
// row the WHERE clause actually names instead of a blank entity_id (spec.md
// §8 Scenario 2, and the DELETE half of Scenario 3). Returns nil (not an
// error) for every statement shape it doesn't recognize — INSERT, SELECT,
// lix_file(_by_version) writes (whose own row resolution happens later,
// inside collectFileSideEffects) — letting the caller fall through to a
// plain Compile call.
func (e *Engine) resolveWrite(ctx context.Context, tx backend.Transaction, stmt *sqlast.Statement, sql string, versionID string) (*rewrite.ResolvedWrite, errors.E) {
	if !stmt.Kind.IsWrite() || stmt.Kind == sqlast.KindInsert {
		return nil, nil
	}
	if referencesExactly(stmt, fsproj.FileView, fsproj.FileViewByVersion) {
		return nil, nil
	}

	if targetVersionID, where, ok := rewrite.TargetVersionWrite(sql, stmt.Kind); ok {
		return e.resolveVersionWrite(ctx, targetVersionID, where)
	}

	schemaKey, where, ok := rewrite.TargetEntityWrite(sql, stmt.Kind)
	if !ok {
		return nil, nil
	}

	s, errE := rewrite.LookupEntitySchema(e.registry, schemaKey)
	if errE != nil {
		return nil, errE
	}

	row, errE := e.resolveEntityRow(ctx, tx, s, where, versionID)
	if errE != nil {
		return nil, errE
	}
	if row == nil {
		return &rewrite.ResolvedWrite{}, nil //nolint:exhaustruct
	}
	return &rewrite.ResolvedWrite{EntityID: row.entityID, FileID: row.fileID, Current: row.current}, nil //nolint:exhaustruct
}

// resolveVersionWrite resolves lix_version's two backing rows
// (lix_version_descriptor, lix_version_pointer) for versionID, both keyed by
// the version id itself rather than a predicate match (spec.md §3). The two
// loads are independent reads of different schemas, so they run concurrently
// via errgroup (SPEC_FULL.md §2, §5) — each opening its own short-lived
// transaction rather than
// sharing tx, since a single backend transaction is not generally safe for
// concurrent queries (backend.Memory's global mutex happens to make it safe
// there, but a real SQL driver's connection/transaction is not).
func (e *Engine) resolveVersionWrite(ctx context.Context, versionID, where string) (*rewrite.ResolvedWrite, errors.E) {
	_ = where // the id is already extracted; kept for symmetry with resolveEntityRow's signature

	descriptorSchema, errE := e.registry.Lookup("lix_version_descriptor", "")
	if errE != nil {
		return nil, errE
	}
	pointerSchema, errE := e.registry.Lookup("lix_version_pointer", "")
	if errE != nil {
		return nil, errE
	}

	var descriptor, pointer map[string]any
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		result, errE := e.loadCurrentSnapshotTx(groupCtx, descriptorSchema, versionID)
		if errE != nil {
			return errE
		}
		descriptor = result
		return nil
	})
	group.Go(func() error {
		result, errE := e.loadCurrentSnapshotTx(groupCtx, pointerSchema, versionID)
		if errE != nil {
			return errE
		}
		pointer = result
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, asErrorsE(err)
	}

	return &rewrite.ResolvedWrite{VersionDescriptor: descriptor, VersionPointer: pointer}, nil //nolint:exhaustruct
}

// loadCurrentSnapshotTx opens its own short-lived, rolled-back transaction
// and decodes the live (entity_id, global version) row for s through it —
// the per-goroutine variant resolveVersionWrite's concurrent loads use,
// since a backend.Transaction is not safe to share across goroutines.
func (e *Engine) loadCurrentSnapshotTx(ctx context.Context, s *schema.StoredSchema, entityID string) (map[string]any, errors.E) {
	tx, errE := e.backend.BeginTransaction(ctx)
	if errE != nil {
		return nil, errE
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return loadCurrentSnapshot(ctx, tx, s, entityID)
}

// loadCurrentSnapshot decodes the live (entity_id, global version) row for s,
// the own-entity convention lix_version's backing schemas use (spec.md §3).
func loadCurrentSnapshot(ctx context.Context, tx backend.Transaction, s *schema.StoredSchema, entityID string) (map[string]any, errors.E) {
	store := state.New(tx, s)
	untracked, mat, errE := store.GetLive(ctx, state.RowKey{EntityID: entityID, FileID: "", VersionID: state.GlobalVersionID})
	if errE != nil {
		return nil, errE
	}
	var content []byte
	switch {
	case untracked != nil:
		content = untracked.SnapshotContent
	case mat != nil:
		content = mat.SnapshotContent
	default:
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(content, &fields); err != nil {
		return nil, errors.WithStack(err)
	}
	return fields, nil
}

// asErrorsE converts the plain error an errgroup.Group.Wait() call returns
// back into an errors.E, the way this codebase's own goroutine-fan-in points
// recover a typed error (grounded on the teacher's WithPgxError, which
// recovers the pgx driver's plain error the same way).
func asErrorsE(err error) errors.E {
	var e errors.E
	if errors.As(err, &e) {
		return e
	}
	return errors.WithStack(err)
}

// resolvedRow is the live row one generic entity-view UPDATE/DELETE's WHERE
// clause names.
type resolvedRow struct {
	entityID string
	fileID   string
	current  map[string]any
}

// resolveEntityRow matches where (the same bounded pk-equality predicate
// shape rewrite.ParsePKEqualityTerms validates for reads) against s's rows at
// versionID, in Go rather than SQL: scanRowsAtVersion already applies
// spec.md §3.3 invariant 2's untracked-over-materialized precedence, so the
// match reflects the same row a SELECT against the entity view would return
// for that version. Scoping to versionID (rather than every version, as an
// earlier revision did) matters now that non-main versions are reachable
// through lix_active_version: an UPDATE/DELETE's predicate must resolve
// against the version it is actually about to write to, not any version that
// happens to have a row with a matching property value. A tombstoned row
// (content == nil) is excluded — there is nothing for an UPDATE/DELETE to
// merge onto. More than one match is reported as an error rather than picked
// arbitrarily, matching RewriteUpdate/RewriteDelete's one-entity-at-a-time
// contract.
func (e *Engine) resolveEntityRow(ctx context.Context, tx backend.Transaction, s *schema.StoredSchema, where string, versionID string) (*resolvedRow, errors.E) {
	terms, errE := rewrite.ParsePKEqualityTerms(where, s)
	if errE != nil {
		return nil, errE
	}

	rows, errE := scanRowsAtVersion(ctx, tx, s, versionID)
	if errE != nil {
		return nil, errE
	}

	var match *resolvedRow
	for _, r := range rows {
		if r.content == nil {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(r.content, &fields); err != nil {
			continue
		}
		if !matchesEqualityTerms(terms, r.entityID, fields) {
			continue
		}
		if match != nil {
			errE := errors.WithStack(rewrite.ErrUnsupportedWrite)
			errors.Details(errE)["reason"] = "predicate resolved to more than one row"
			return nil, errE
		}
		match = &resolvedRow{entityID: r.entityID, fileID: r.fileID, current: fields}
	}
	return match, nil
}

func matchesEqualityTerms(terms []rewrite.EqualityTerm, entityID string, fields map[string]any) bool {
	for _, t := range terms {
		if t.Column == "entity_id" {
			want, _ := t.Value.(string)
			if want != entityID {
				return false
			}
			continue
		}
		got, ok := fields[t.Column]
		if !ok || !equalDecodedLiteral(got, t.Value) {
			return false
		}
	}
	return true
}

// equalDecodedLiteral compares a JSON-decoded field value against a literal
// rewrite.ParsePKEqualityTerms decoded from SQL text; both sides use the
// same float64/string/bool/nil representation for scalars.
func equalDecodedLiteral(fieldValue, literal any) bool {
	switch want := literal.(type) {
	case nil:
		return fieldValue == nil
	case bool:
		got, ok := fieldValue.(bool)
		return ok && got == want
	case string:
		got, ok := fieldValue.(string)
		return ok && got == want
	case float64:
		got, ok := fieldValue.(float64)
		return ok && got == want
	default:
		return false
	}
}
