package rewrite

import (
	"encoding/json"
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/identifier"
	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/state"
)

// VersionRewriter handles writes against the `lix_version` logical view,
// which spec.md §3.2 stores as two separate schema_keys: "mutations through
// lix_version are split into both" lix_version_descriptor and
// lix_version_pointer. Both rows are stamped onto the global version, the
// same own-entity convention engine.Engine's bootstrap seeding and pointer
// advancement use for these two schemas.
type VersionRewriter struct {
	Registry *schema.Registry
	IDs      *identifier.Factory
}

var versionInsert = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+"?lix_version"?\s*\(([^)]*)\)\s*VALUES\s*\(([^)]*)\)\s*;?\s*$`)

var versionUpdate = regexp.MustCompile(`(?is)^\s*UPDATE\s+"?lix_version"?\s+SET\s+(.*?)\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

var versionDelete = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+"?lix_version"?\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

var versionIDFromWhere = regexp.MustCompile(`(?i)\bid\s*=\s*'([^']*)'`)

// descriptorColumns and pointerColumns partition lix_version's columns
// between its two backing schemas (spec.md §3: descriptor is
// (id, name, inherits_from_version_id?, hidden), pointer is
// (id, commit_id, working_commit_id)).
var descriptorColumns = map[string]bool{"name": true, "inherits_from_version_id": true, "hidden": true}

var pointerColumns = map[string]bool{"commit_id": true, "working_commit_id": true}

func (r *VersionRewriter) schemas() (descriptor, pointer *schema.StoredSchema, errE errors.E) {
	descriptor, errE = r.Registry.Lookup("lix_version_descriptor", "")
	if errE != nil {
		return nil, nil, errE
	}
	pointer, errE = r.Registry.Lookup("lix_version_pointer", "")
	if errE != nil {
		return nil, nil, errE
	}
	return descriptor, pointer, nil
}

// RewriteInsert handles `INSERT INTO lix_version (...) VALUES (...)`,
// splitting the row into a descriptor mutation and a pointer mutation.
// working_commit_id is minted when omitted, since spec.md invariant 5 requires
// it to be set (and globally unique) from the first row onward.
func (r *VersionRewriter) RewriteInsert(sql string) (*RewriteOutput, errors.E) {
	m := versionInsert.FindStringSubmatch(sql)
	if m == nil {
		return nil, errors.WithStack(ErrUnsupportedWrite)
	}

	cols := splitTrim(m[1])
	vals := splitTrim(m[2])
	if len(cols) != len(vals) {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "column/value count mismatch"
		return nil, errE
	}

	fields := map[string]string{}
	for i, c := range cols {
		fields[strings.ToLower(strings.Trim(c, `"`))] = vals[i]
	}

	rawID, ok := fields["id"]
	if !ok {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "lix_version insert requires an explicit id"
		return nil, errE
	}
	versionID := stringOrEmpty(rawID)

	rawCommitID, ok := fields["commit_id"]
	if !ok {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "lix_version insert requires an explicit commit_id"
		return nil, errE
	}

	descriptorSchema, pointerSchema, errE := r.schemas()
	if errE != nil {
		return nil, errE
	}

	descriptorContent := map[string]any{"id": versionID, "name": "", "inherits_from_version_id": nil, "hidden": false}
	for col := range descriptorColumns {
		if raw, ok := fields[col]; ok {
			descriptorContent[col] = decodeLiteral(raw)
		}
	}

	workingCommitID := r.IDs.New()
	if raw, ok := fields["working_commit_id"]; ok {
		workingCommitID = stringOrEmpty(raw)
	}
	pointerContent := map[string]any{
		"id": versionID, "commit_id": decodeLiteral(rawCommitID), "working_commit_id": workingCommitID,
	}

	descSnapshot, err := json.Marshal(descriptorContent)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ptrSnapshot, err := json.Marshal(pointerContent)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &RewriteOutput{ //nolint:exhaustruct
		Mutations: []Mutation{
			versionMutation(descriptorSchema, versionID, descSnapshot),
			versionMutation(pointerSchema, versionID, ptrSnapshot),
		},
	}, nil
}

// RewriteUpdate handles `UPDATE lix_version SET ... WHERE id = '...'`,
// re-merging the assigned columns into whichever of descriptor/pointer
// current content the caller resolved, per schema (spec.md §8 invariant 5:
// "both commit_id and working_commit_id must be set together on an UPDATE").
func (r *VersionRewriter) RewriteUpdate(sql string, currentDescriptor, currentPointer map[string]any) (*RewriteOutput, errors.E) {
	m := versionUpdate.FindStringSubmatch(sql)
	if m == nil {
		return nil, errors.WithStack(ErrUnsupportedWrite)
	}
	setClause, whereClause := m[1], m[2]

	versionID := ""
	if wm := versionIDFromWhere.FindStringSubmatch(whereClause); wm != nil {
		versionID = wm[1]
	}

	descriptorContent := map[string]any{}
	for k, v := range currentDescriptor {
		descriptorContent[k] = v
	}
	pointerContent := map[string]any{}
	for k, v := range currentPointer {
		pointerContent[k] = v
	}

	touchedDescriptor, touchedPointer := false, false
	setCommit, setWorking := false, false
	for _, assign := range splitTopLevelComma(setClause) {
		parts := strings.SplitN(assign, "=", 2)
		if len(parts) != 2 {
			continue
		}
		col := strings.ToLower(strings.TrimSpace(parts[0]))
		val := decodeLiteral(strings.TrimSpace(parts[1]))
		switch {
		case descriptorColumns[col]:
			descriptorContent[col] = val
			touchedDescriptor = true
		case pointerColumns[col]:
			pointerContent[col] = val
			touchedPointer = true
			setCommit = setCommit || col == "commit_id"
			setWorking = setWorking || col == "working_commit_id"
		}
	}

	if touchedPointer && (!setCommit || !setWorking) {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "commit_id and working_commit_id must be set together"
		return nil, errE
	}

	descriptorSchema, pointerSchema, errE := r.schemas()
	if errE != nil {
		return nil, errE
	}

	var mutations []Mutation
	if touchedDescriptor {
		descriptorContent["id"] = versionID
		snapshot, err := json.Marshal(descriptorContent)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		mutations = append(mutations, versionMutation(descriptorSchema, versionID, snapshot))
	}
	if touchedPointer {
		pointerContent["id"] = versionID
		snapshot, err := json.Marshal(pointerContent)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		mutations = append(mutations, versionMutation(pointerSchema, versionID, snapshot))
	}

	return &RewriteOutput{Mutations: mutations}, nil //nolint:exhaustruct
}

// RewriteDelete handles `DELETE FROM lix_version WHERE id = '...'`,
// tombstoning both backing rows.
func (r *VersionRewriter) RewriteDelete(sql string) (*RewriteOutput, errors.E) {
	m := versionDelete.FindStringSubmatch(sql)
	if m == nil {
		return nil, errors.WithStack(ErrUnsupportedWrite)
	}
	whereClause := m[1]

	versionID := ""
	if wm := versionIDFromWhere.FindStringSubmatch(whereClause); wm != nil {
		versionID = wm[1]
	}
	if versionID == "" {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "lix_version delete requires an id predicate"
		return nil, errE
	}

	descriptorSchema, pointerSchema, errE := r.schemas()
	if errE != nil {
		return nil, errE
	}

	return &RewriteOutput{ //nolint:exhaustruct
		Mutations: []Mutation{
			versionMutation(descriptorSchema, versionID, nil),
			versionMutation(pointerSchema, versionID, nil),
		},
	}, nil
}

func versionMutation(s *schema.StoredSchema, versionID string, snapshot []byte) Mutation {
	return Mutation{ //nolint:exhaustruct
		EntityID:        versionID,
		SchemaKey:       s.Key,
		SchemaVersion:   s.Version,
		FileID:          "",
		VersionID:       state.GlobalVersionID,
		SnapshotContent: snapshot,
		PluginKey:       "lix_own_entity",
	}
}
