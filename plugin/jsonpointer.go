package plugin

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"
)

// JSONPointerSchemaKey and JSONPointerSchemaVersion identify the reference
// plugin's entity schema (spec.md §4.6: "the reference JSON-pointer
// plugin").
const (
	JSONPointerSchemaKey     = "json_pointer"
	JSONPointerSchemaVersion = "1"
)

// MaxArrayIndex bounds array-index tokens the reference plugin accepts
// (spec.md §4.6 invariant 3).
const MaxArrayIndex = 100_000

// JSONPointerPlugin is the reference plugin: every JSON value in a tracked
// file becomes one entity per JSON Pointer (RFC 6901), keyed by that
// pointer string.
type JSONPointerPlugin struct{}

func (JSONPointerPlugin) Key() string { return "lix_plugin_json_pointer" }

// DetectChanges diffs before and after (parsing an empty/absent after as `{}`)
// and emits one EntityChange per JSON Pointer whose value changed, in the
// order invariant 1 requires: deterministic given identical inputs. An
// empty/absent before yields an upsert for every pointer of after, the root
// pointer "" included.
func (JSONPointerPlugin) DetectChanges(before, after *File) ([]EntityChange, errors.E) {
	beforeValue, errE := parseJSONFile(before)
	if errE != nil {
		return nil, errE
	}
	afterValue, errE := parseJSONFile(after)
	if errE != nil {
		return nil, errE
	}

	var changes []EntityChange
	beforePresent := before != nil && len(before.Data) > 0
	if errE := diffJSON(beforeValue, afterValue, beforePresent, true, nil, &changes); errE != nil {
		return nil, errE
	}
	return changes, nil
}

// ApplyChanges reconstructs file bytes from a projection of entity rows
// (spec.md §4.6 invariants 2-5): order-independent, duplicate entity_id
// rejected, non-root rows require an ancestor container of matching kind,
// dense array indices, and an exclusive root tombstone.
func (JSONPointerPlugin) ApplyChanges(_ *File, changes []EntityChange) ([]byte, errors.E) {
	type upsert struct {
		pointer string
		tokens  []string
		value   any
	}
	type tombstone struct {
		pointer string
		tokens  []string
	}

	seen := map[string]bool{}
	var upserts []upsert
	var tombstones []tombstone

	for _, c := range changes {
		if c.SchemaKey != JSONPointerSchemaKey {
			continue
		}
		if c.SchemaVersion != JSONPointerSchemaVersion {
			errE := errors.WithStack(ErrInvalidInput)
			errors.Details(errE)["reason"] = "unsupported schema_version"
			errors.Details(errE)["schema_version"] = c.SchemaVersion
			return nil, errE
		}
		if seen[c.EntityID] {
			errE := errors.WithStack(ErrInvalidInput)
			errors.Details(errE)["reason"] = "duplicate entity_id"
			errors.Details(errE)["entity_id"] = c.EntityID
			return nil, errE
		}
		seen[c.EntityID] = true

		tokens, errE := pointerTokens(c.EntityID)
		if errE != nil {
			return nil, errE
		}

		if c.SnapshotContent == nil {
			tombstones = append(tombstones, tombstone{pointer: c.EntityID, tokens: tokens})
			continue
		}
		value, errE := parseSnapshotValue(c.SnapshotContent, c.EntityID)
		if errE != nil {
			return nil, errE
		}
		upserts = append(upserts, upsert{pointer: c.EntityID, tokens: tokens, value: value})
	}

	hasRootTombstone := false
	for _, t := range tombstones {
		if len(t.tokens) == 0 {
			hasRootTombstone = true
		}
	}
	if hasRootTombstone && (len(upserts) > 0 || len(tombstones) > 1) {
		errE := errors.WithStack(ErrInvalidInput)
		errors.Details(errE)["reason"] = "root tombstone cannot coexist with non-root projection rows"
		return nil, errE
	}
	if hasRootTombstone {
		return json.Marshal(nil)
	}

	if len(upserts) == 0 {
		return json.Marshal(map[string]any{})
	}

	byPointer := map[string]*upsert{}
	for i := range upserts {
		byPointer[upserts[i].pointer] = &upserts[i]
	}
	if _, ok := byPointer[""]; !ok {
		errE := errors.WithStack(ErrInvalidInput)
		errors.Details(errE)["reason"] = "non-root projection rows require a root row with entity_id ''"
		return nil, errE
	}

	objectChildren := map[string][]string{}       // parent pointer -> object keys, insertion order
	arrayChildren := map[string]map[int]string{}   // parent pointer -> index -> child pointer
	for pointer, u := range byPointer {
		if pointer == "" {
			continue
		}
		parent := parentPointer(pointer)
		parentEntry, ok := byPointer[parent]
		if !ok {
			errE := errors.WithStack(ErrInvalidInput)
			errors.Details(errE)["reason"] = "missing ancestor container row"
			errors.Details(errE)["entity_id"] = pointer
			errors.Details(errE)["ancestor"] = parent
			return nil, errE
		}
		lastToken := u.tokens[len(u.tokens)-1]
		switch parentEntry.value.(type) {
		case map[string]any:
			objectChildren[parent] = append(objectChildren[parent], pointer)
		case []any:
			index, errE := validateArrayIndexToken(lastToken, parent, pointer)
			if errE != nil {
				return nil, errE
			}
			if arrayChildren[parent] == nil {
				arrayChildren[parent] = map[int]string{}
			}
			arrayChildren[parent][index] = pointer
		default:
			errE := errors.WithStack(ErrInvalidInput)
			errors.Details(errE)["reason"] = "ancestor is not a container"
			errors.Details(errE)["ancestor"] = parent
			return nil, errE
		}
	}

	var materialize func(pointer string) (any, errors.E)
	materialize = func(pointer string) (any, errors.E) {
		node := byPointer[pointer]
		switch v := node.value.(type) {
		case map[string]any:
			out := map[string]any{}
			for k, rawVal := range v {
				out[k] = rawVal
			}
			for _, childPointer := range objectChildren[pointer] {
				tokens, errE := pointerTokens(childPointer)
				if errE != nil {
					return nil, errE
				}
				key := tokens[len(tokens)-1]
				childVal, errE := materialize(childPointer)
				if errE != nil {
					return nil, errE
				}
				out[key] = childVal
			}
			return out, nil
		case []any:
			children := arrayChildren[pointer]
			maxIndex := len(v) - 1
			for idx := range children {
				if idx > maxIndex {
					maxIndex = idx
				}
			}
			out := make([]any, maxIndex+1)
			copy(out, v)
			for idx := 0; idx <= maxIndex; idx++ {
				childPointer, ok := children[idx]
				if !ok {
					if idx >= len(v) {
						errE := errors.WithStack(ErrInvalidInput)
						errors.Details(errE)["reason"] = "sparse array projection: missing index"
						errors.Details(errE)["ancestor"] = pointer
						errors.Details(errE)["index"] = idx
						return nil, errE
					}
					continue
				}
				childVal, errE := materialize(childPointer)
				if errE != nil {
					return nil, errE
				}
				out[idx] = childVal
			}
			return out, nil
		default:
			if len(objectChildren[pointer]) > 0 || len(arrayChildren[pointer]) > 0 {
				errE := errors.WithStack(ErrInvalidInput)
				errors.Details(errE)["reason"] = "scalar projection node cannot have children"
				errors.Details(errE)["entity_id"] = pointer
				return nil, errE
			}
			return v, nil
		}
	}

	document, errE := materialize("")
	if errE != nil {
		return nil, errE
	}
	return json.Marshal(document)
}

func parseJSONFile(f *File) (any, errors.E) {
	if f == nil || len(f.Data) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(f.Data, &v); err != nil {
		errE := errors.WithStack(ErrInvalidInput)
		errors.Details(errE)["reason"] = "file.data must be valid JSON"
		return nil, errE
	}
	return v, nil
}

type snapshotEnvelope struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// parseSnapshotValue decodes raw (a caller-submitted INSERT/UPDATE's
// snapshot_content, never engine-authored) against the closed
// snapshotEnvelope shape first. x.UnmarshalWithoutUnknownFields, unlike
// encoding/json, rejects a payload carrying any field beyond path/value
// rather than silently ignoring it — the one decode point in this plugin
// where the bytes crossing into Go are genuinely untrusted, as opposed to
// the map[string]any/any decodes elsewhere in this file, which accept
// arbitrary shapes by design and have no "unknown field" to reject.
func parseSnapshotValue(raw []byte, pointer string) (any, errors.E) {
	var env struct {
		Path  *string `json:"path"`
		Value any     `json:"value"`
	}
	if err := x.UnmarshalWithoutUnknownFields(raw, &env); err == nil && env.Path != nil {
		if *env.Path != pointer {
			errE := errors.WithStack(ErrInvalidInput)
			errors.Details(errE)["reason"] = "snapshot path does not match entity_id"
			errors.Details(errE)["path"] = *env.Path
			errors.Details(errE)["entity_id"] = pointer
			return nil, errE
		}
		return env.Value, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		errE := errors.WithStack(ErrInvalidInput)
		errors.Details(errE)["reason"] = "invalid snapshot_content"
		errors.Details(errE)["entity_id"] = pointer
		return nil, errE
	}
	return v, nil
}

func pointerTokens(pointer string) ([]string, errors.E) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		errE := errors.WithStack(ErrInvalidInput)
		errors.Details(errE)["reason"] = "entity_id must be a JSON pointer"
		errors.Details(errE)["entity_id"] = pointer
		return nil, errE
	}
	raw := strings.Split(pointer, "/")[1:]
	tokens := make([]string, len(raw))
	for i, t := range raw {
		tokens[i] = unescapeToken(t)
	}
	return tokens, nil
}

func unescapeToken(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	token = strings.ReplaceAll(token, "~0", "~")
	return token
}

func escapeToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	token = strings.ReplaceAll(token, "/", "~1")
	return token
}

func pointerFromSegments(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(escapeToken(s))
	}
	return b.String()
}

func parentPointer(pointer string) string {
	idx := strings.LastIndex(pointer, "/")
	if idx < 0 {
		return ""
	}
	return pointer[:idx]
}

func validateArrayIndexToken(token, ancestorPointer, entityID string) (int, errors.E) {
	if token == "-" || token == "" {
		errE := errors.WithStack(ErrInvalidInput)
		errors.Details(errE)["reason"] = "non-canonical array index token"
		errors.Details(errE)["entity_id"] = entityID
		return 0, errE
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			errE := errors.WithStack(ErrInvalidInput)
			errors.Details(errE)["reason"] = "invalid array index token"
			errors.Details(errE)["entity_id"] = entityID
			return 0, errE
		}
	}
	if len(token) > 1 && token[0] == '0' {
		errE := errors.WithStack(ErrInvalidInput)
		errors.Details(errE)["reason"] = "non-canonical array index token"
		errors.Details(errE)["entity_id"] = entityID
		return 0, errE
	}
	index, err := strconv.Atoi(token)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if index > MaxArrayIndex {
		errE := errors.WithStack(ErrInvalidInput)
		errors.Details(errE)["reason"] = "array index exceeds max supported index"
		errors.Details(errE)["entity_id"] = entityID
		errors.Details(errE)["ancestor"] = ancestorPointer
		return 0, errE
	}
	return index, nil
}

// isContainer reports whether v decoded from encoding/json is a JSON object
// or array.
func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

// diffJSON implements spec.md §4.6's detect_changes semantics: every JSON
// Pointer whose value changed between before and after gets an EntityChange,
// containers included (an empty object/array upsert when a subtree is newly
// created or replaced wholesale), and every pointer under a removed subtree
// gets a tombstone.
func diffJSON(before, after any, beforePresent, afterPresent bool, path []string, changes *[]EntityChange) errors.E {
	if !beforePresent && !afterPresent {
		return nil
	}
	if !afterPresent {
		collectDeletions(before, path, changes, true)
		return nil
	}
	if !beforePresent {
		return collectLeaves(after, path, changes)
	}
	if jsonEqual(before, after) {
		return nil
	}

	beforeContainer, afterContainer := isContainer(before), isContainer(after)
	if beforeContainer && afterContainer {
		beforeArr, beforeIsArr := before.([]any)
		afterArr, afterIsArr := after.([]any)
		if beforeIsArr && afterIsArr {
			shared := len(beforeArr)
			if len(afterArr) < shared {
				shared = len(afterArr)
			}
			for i := 0; i < shared; i++ {
				if errE := diffJSON(beforeArr[i], afterArr[i], true, true, append(path, strconv.Itoa(i)), changes); errE != nil {
					return errE
				}
			}
			for i := shared; i < len(beforeArr); i++ {
				if errE := diffJSON(beforeArr[i], nil, true, false, append(path, strconv.Itoa(i)), changes); errE != nil {
					return errE
				}
			}
			for i := shared; i < len(afterArr); i++ {
				if errE := diffJSON(nil, afterArr[i], false, true, append(path, strconv.Itoa(i)), changes); errE != nil {
					return errE
				}
			}
			return nil
		}

		beforeObj, beforeIsObj := before.(map[string]any)
		afterObj, afterIsObj := after.(map[string]any)
		if beforeIsObj && afterIsObj {
			keys := sortedUnionKeys(beforeObj, afterObj)
			for _, k := range keys {
				bv, bok := beforeObj[k]
				av, aok := afterObj[k]
				if errE := diffJSON(bv, av, bok, aok, append(path, k), changes); errE != nil {
					return errE
				}
			}
			return nil
		}
	}

	if beforeContainer || afterContainer {
		collectDeletions(before, path, changes, false)
		return collectLeaves(after, path, changes)
	}

	return pushUpsert(changes, pointerFromSegments(path), after)
}

func sortedUnionKeys(a, b map[string]any) []string {
	seen := map[string]bool{}
	var keys []string
	for k := range a {
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range b {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func collectDeletions(value any, path []string, changes *[]EntityChange, includeCurrent bool) {
	switch v := value.(type) {
	case []any:
		if includeCurrent {
			pushTombstone(changes, pointerFromSegments(path))
		}
		for i := len(v) - 1; i >= 0; i-- {
			collectDeletions(v[i], append(path, strconv.Itoa(i)), changes, true)
		}
	case map[string]any:
		if includeCurrent {
			pushTombstone(changes, pointerFromSegments(path))
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectDeletions(v[k], append(path, k), changes, true)
		}
	default:
		if includeCurrent {
			pushTombstone(changes, pointerFromSegments(path))
		}
	}
}

func collectLeaves(value any, path []string, changes *[]EntityChange) errors.E {
	switch v := value.(type) {
	case []any:
		if errE := pushUpsert(changes, pointerFromSegments(path), []any{}); errE != nil {
			return errE
		}
		for i, item := range v {
			if errE := collectLeaves(item, append(path, strconv.Itoa(i)), changes); errE != nil {
				return errE
			}
		}
		return nil
	case map[string]any:
		if errE := pushUpsert(changes, pointerFromSegments(path), map[string]any{}); errE != nil {
			return errE
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if errE := collectLeaves(v[k], append(path, k), changes); errE != nil {
				return errE
			}
		}
		return nil
	default:
		return pushUpsert(changes, pointerFromSegments(path), value)
	}
}

func pushTombstone(changes *[]EntityChange, pointer string) {
	*changes = append(*changes, EntityChange{
		EntityID:        pointer,
		SchemaKey:       JSONPointerSchemaKey,
		SchemaVersion:   JSONPointerSchemaVersion,
		SnapshotContent: nil,
	})
}

func pushUpsert(changes *[]EntityChange, pointer string, value any) errors.E {
	body, err := json.Marshal(snapshotEnvelope{Path: pointer, Value: value})
	if err != nil {
		return errors.WithStack(err)
	}
	*changes = append(*changes, EntityChange{
		EntityID:        pointer,
		SchemaKey:       JSONPointerSchemaKey,
		SchemaVersion:   JSONPointerSchemaVersion,
		SnapshotContent: body,
	})
	return nil
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
