package rewrite

import (
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/sqlast"
)

// ErrValidation is the phase invariant validator's failure (spec.md §4.2.3).
var ErrValidation = errors.Base("rewrite: phase invariant violation")

// logicalViewPrefixes is the closed set of view names that must never
// survive past Lower (spec.md §4.2.3).
var logicalViewPrefixes = []string{
	"lix_state", "lix_file", "lix_directory", "lix_version", "lix_active_",
}

// schemasExemptFromLiveFilter lists the schema keys whose materialized-table
// references validateMaterializedFilters does not require to carry an
// is_tombstone or schema_key filter, because their value may legitimately be
// null (spec.md §4.2.3).
var schemasExemptFromLiveFilter = map[string]bool{
	"lix_change": true,
	"lix_commit": true,
}

var materializedTableRegex = regexp.MustCompile(`(?i)\blix_internal_state_materialized_v1_([a-zA-Z0-9_]+)\b`)

// ValidatePhase runs the shared validator of spec.md §4.2.3 against sql,
// which runs after Lower, once every logical view name has actually been
// resolved away.
func ValidatePhase(sql string) errors.E {
	if errE := validateNoLogicalViews(sql); errE != nil {
		return errE
	}
	return validateStructural(sql)
}

// validateStructural runs the phase checks that apply regardless of whether
// logical view names have been lowered yet (spec.md §4.2.3's alias,
// materialized-filter, and placeholder-contract invariants). Canonicalize and
// Optimize run this subset: the statement still names lix_state/lix_file/
// lix_version at those phases, since resolving those names is Lower's job, so
// the logical-view check only applies to Lower's own output.
func validateStructural(sql string) errors.E {
	if errE := validateAliasUniqueness(sql); errE != nil {
		return errE
	}
	if errE := validateMaterializedFilters(sql); errE != nil {
		return errE
	}
	if errE := sqlast.ValidatePlaceholderContract(sql); errE != nil {
		return errE
	}
	return nil
}

func validateNoLogicalViews(sql string) errors.E {
	lower := strings.ToLower(sql)
	for _, prefix := range logicalViewPrefixes {
		// Materialized table names (lix_internal_state_materialized_v1_*) and
		// the internal tombstone/overlay tables are not logical views; only
		// flag a bare occurrence of the prefix, one not embedded in a longer
		// identifier.
		idx := strings.Index(lower, prefix)
		for idx > 0 && strings.ContainsRune("abcdefghijklmnopqrstuvwxyz0123456789_", rune(lower[idx-1])) {
			next := strings.Index(lower[idx+len(prefix):], prefix)
			if next == -1 {
				idx = -1
				break
			}
			idx += len(prefix) + next
		}
		if idx == -1 {
			continue
		}
		errE := errors.WithStack(ErrValidation)
		errors.Details(errE)["reason"] = "unresolved logical view name"
		errors.Details(errE)["prefix"] = prefix
		return errE
	}
	return nil
}

var aliasRegex = regexp.MustCompile(`(?i)\bAS\s+"?([a-zA-Z_][a-zA-Z0-9_]*)"?`)

func validateAliasUniqueness(sql string) errors.E {
	seen := map[string]bool{}
	for _, m := range aliasRegex.FindAllStringSubmatch(sql, -1) {
		alias := strings.ToLower(m[1])
		if seen[alias] {
			errE := errors.WithStack(ErrValidation)
			errors.Details(errE)["reason"] = "duplicate relation alias"
			errors.Details(errE)["alias"] = alias
			return errE
		}
		seen[alias] = true
	}
	return nil
}

func validateMaterializedFilters(sql string) errors.E {
	for _, m := range materializedTableRegex.FindAllStringSubmatch(sql, -1) {
		schemaKey := m[1]
		if schemasExemptFromLiveFilter[schemaKey] {
			continue
		}
		lower := strings.ToLower(sql)
		if !strings.Contains(lower, "is_tombstone") {
			errE := errors.WithStack(ErrValidation)
			errors.Details(errE)["reason"] = "materialized-state reference missing tombstone filter"
			errors.Details(errE)["schema_key"] = schemaKey
			return errE
		}
		if !strings.Contains(lower, "schema_key") {
			errE := errors.WithStack(ErrValidation)
			errors.Details(errE)["reason"] = "materialized-state reference missing schema_key filter"
			errors.Details(errE)["schema_key"] = schemaKey
			return errE
		}
	}
	return nil
}
