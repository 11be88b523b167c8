package schema

import (
	"gitlab.com/tozd/go/errors"
)

// ErrPrimaryKeyViolation is raised when an instance's primary-key pointers
// collide with an existing live row (spec.md §7).
var ErrPrimaryKeyViolation = errors.Base("schema: primary key violation")

// ErrUniqueViolation is raised when an instance's x-lix-unique pointers
// collide with an existing live row (spec.md §7).
var ErrUniqueViolation = errors.Base("schema: unique constraint violation")

// ErrForeignKeyViolation is raised only for immediate-mode foreign keys whose
// referenced row is missing (spec.md §7: "FK miss (only in immediate mode —
// materialized-mode FKs are lazy and do not raise at write time)").
var ErrForeignKeyViolation = errors.Base("schema: foreign key violation")

// pointerValue extracts the value at a top-level JSON pointer from instance.
func pointerValue(instance map[string]any, pointer string) any {
	name, errE := pointerToPropertyName(pointer)
	if errE != nil {
		return nil
	}
	return instance[name]
}

// KeyTuple extracts the tuple of values named by pointers, for comparing
// primary-key / unique-constraint tuples between two instances.
func KeyTuple(instance map[string]any, pointers []string) []any {
	tuple := make([]any, len(pointers))
	for i, p := range pointers {
		tuple[i] = pointerValue(instance, p)
	}
	return tuple
}

// CheckUnique evaluates s's primary-key and unique-group constraints for a
// candidate instance against a slice of existing live instances (typically
// every other live row for the same schema_key/file_id/version_id scope,
// supplied by the caller — this package has no database access of its own).
func (s *StoredSchema) CheckUnique(candidate map[string]any, existing []map[string]any) errors.E {
	groups := [][]string{}
	if len(s.PrimaryKey) > 0 {
		groups = append(groups, s.PrimaryKey)
	}
	groups = append(groups, s.Unique...)

	for _, group := range groups {
		candidateTuple := KeyTuple(candidate, group)
		for _, other := range existing {
			if tuplesEqual(candidateTuple, KeyTuple(other, group)) {
				base := ErrUniqueViolation
				if len(group) == len(s.PrimaryKey) && sameStrings(group, s.PrimaryKey) {
					base = ErrPrimaryKeyViolation
				}
				errE := errors.WithStack(base)
				errors.Details(errE)["schema_key"] = s.Key
				errors.Details(errE)["pointers"] = group
				return errE
			}
		}
	}
	return nil
}

// CheckForeignKeys evaluates only immediate-mode foreign keys; resolve is
// called with (referencedSchemaKey, referencedPropertyTuple) and must report
// whether a live row with that tuple exists.
func (s *StoredSchema) CheckForeignKeys(candidate map[string]any, resolve func(schemaKey string, tuple []any) bool) errors.E {
	for _, fk := range s.ForeignKeys {
		if fk.Mode != FKImmediate {
			continue
		}
		tuple := KeyTuple(candidate, fk.Properties)
		if !resolve(fk.References.SchemaKey, tuple) {
			errE := errors.WithStack(ErrForeignKeyViolation)
			errors.Details(errE)["schema_key"] = s.Key
			errors.Details(errE)["references"] = fk.References.SchemaKey
			return errE
		}
	}
	return nil
}

func tuplesEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
