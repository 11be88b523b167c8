package engine

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/rewrite"
	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/state"
)

// resolveReadVersion resolves the version a SELECT against a generic entity
// view should actually read at: targetVersionID itself, or — when targetVersionID
// carries no row for the entity the WHERE clause names — the nearest ancestor
// version that does (spec.md §3.3 invariant 8, §4.2.1's lix_state_by_version
// rule). UPDATE/DELETE never call this: copy-on-write always writes through
// the literal active version, never an inherited ancestor.
//
// This only resolves the bounded `WHERE entity_id = '<literal>'` predicate
// shape — not an arbitrary PK-property predicate, and not an unfiltered
// SELECT. Every other shape (including every statement readActiveVersion/
// readFile/lix_version already intercept earlier in Execute) falls through
// unchanged to targetVersionID, so Compile sees the same version it always
// did and any resulting error is unaffected by this resolution step (see
// DESIGN.md for the scope-cut rationale).
func (e *Engine) resolveReadVersion(ctx context.Context, tx backend.Transaction, sql string, targetVersionID string) (string, errors.E) {
	schemaKey, where, ok := rewrite.TargetEntitySelect(sql)
	if !ok {
		return targetVersionID, nil
	}

	s, errE := rewrite.LookupEntitySchema(e.registry, schemaKey)
	if errE != nil {
		return targetVersionID, nil //nolint:nilerr // let Compile raise the same unknown-schema error it always did
	}

	entityID, ok := soleEntityIDPredicate(where, s)
	if !ok {
		return targetVersionID, nil
	}

	versions := state.NewVersionStore(tx)
	walker := state.NewInheritanceWalker(versions.Descriptor)

	store := state.New(tx, s)
	resolvedVersionID, _, found, errE := walker.Resolve(ctx, targetVersionID, func(ctx context.Context, candidateVersionID string) (bool, errors.E) {
		status, _, errE := store.Resolve(ctx, state.RowKey{EntityID: entityID, FileID: "", VersionID: candidateVersionID})
		if errE != nil {
			return false, errE
		}
		return status != state.RowAbsent, nil
	})
	if errE != nil {
		return "", errE
	}
	if !found {
		return targetVersionID, nil
	}
	return resolvedVersionID, nil
}

// soleEntityIDPredicate reports the literal entity_id a WHERE clause names,
// when it is the single bounded shape `entity_id = '<literal>'` this
// resolver supports — not a composite primary-key predicate, and not a
// predicate over any other property.
func soleEntityIDPredicate(where string, s *schema.StoredSchema) (string, bool) {
	if where == "" {
		return "", false
	}
	terms, errE := rewrite.ParsePKEqualityTerms(where, s)
	if errE != nil || len(terms) != 1 || terms[0].Column != "entity_id" {
		return "", false
	}
	entityID, ok := terms[0].Value.(string)
	if !ok {
		return "", false
	}
	return entityID, true
}
