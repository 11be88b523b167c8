// Package schema implements the StoredSchema model (spec.md §3.2) and the
// schema definition validator (spec.md §4.8): parsing a JSON-Schema-like
// document with Lix's x-lix-* extensions, validating its shape, and
// compiling the pieces the rest of the engine needs at write time (a
// JSON-Schema validator for instance rows, and CEL expressions for
// per-property defaults and lixcol overrides).
package schema

import (
	"encoding/json"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/identifier"
	"gitlab.com/lixql/engine/schema/celexpr"
)

// ForeignKeyMode selects how a foreign key reference is enforced.
type ForeignKeyMode string

const (
	// FKMaterialized foreign keys are lazy: a dangling reference does not
	// raise at write time (spec.md §7).
	FKMaterialized ForeignKeyMode = "materialized"
	// FKImmediate foreign keys make CheckForeignKeys return
	// ErrForeignKeyViolation immediately on a miss.
	FKImmediate ForeignKeyMode = "immediate"
)

// EntityView names one of the closed set of logical views a schema may expose.
type EntityView string

const (
	EntityViewState           EntityView = "state"
	EntityViewStateByVersion  EntityView = "state_by_version"
	EntityViewStateHistory    EntityView = "state_history"
	EntityViewStateAllVersion EntityView = "state_all_by_version"
)

// closedEntityViews is the full set of values x-lix-entity-views may contain.
var closedEntityViews = map[EntityView]bool{
	EntityViewState:           true,
	EntityViewStateByVersion:  true,
	EntityViewStateHistory:    true,
	EntityViewStateAllVersion: true,
}

// ForeignKey is one entry of x-lix-foreign-keys.
type ForeignKey struct {
	Properties []string
	References struct {
		SchemaKey  string
		Properties []string
	}
	Mode ForeignKeyMode
}

// StoredSchema is a parsed, validated JSON-Schema document with Lix extensions.
type StoredSchema struct {
	// Key is x-lix-key: the schema's identity half, also the logical view's
	// name suffix (lix_<key>) and the materialized table's name suffix.
	Key string
	// Version is x-lix-version: the schema's identity half, a monotonic
	// integer string.
	Version string

	PrimaryKey         []string
	Unique             [][]string
	ForeignKeys        []ForeignKey
	OverrideLixcols    map[string]*celexpr.Expr
	EntityViews        []EntityView
	PropertyDefaults   map[string]*celexpr.Expr
	RequiredProperties []string
	AdditionalProps    bool
	raw                map[string]any
	compiledInstance   *compiledValidator
}

// Raw returns the original JSON document as a decoded map, for embedding into
// lix_stored_schema rows or re-serializing.
func (s *StoredSchema) Raw() map[string]any {
	return s.raw
}

// PropertyNames returns every top-level property name declared by the
// schema, in the entity view's column set (spec.md §4.2.2: "entity views
// (schema-driven column mapping...)").
func (s *StoredSchema) PropertyNames() []string {
	props := s.properties()
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	return names
}

// PrimaryKeyProperties returns the primary-key's property names (its JSON
// pointers with the leading "/" stripped), or an empty slice if the schema
// declares no x-lix-primary-key.
func (s *StoredSchema) PrimaryKeyProperties() []string {
	names := make([]string, 0, len(s.PrimaryKey))
	for _, pointer := range s.PrimaryKey {
		names = append(names, strings.TrimPrefix(pointer, "/"))
	}
	return names
}

// HasProperty reports whether name is a declared top-level property.
func (s *StoredSchema) HasProperty(name string) bool {
	_, ok := s.properties()[name]
	return ok
}

// VersionInt returns Version parsed as an integer, for ordering installs.
func (s *StoredSchema) VersionInt() (int64, errors.E) {
	n, err := strconv.ParseInt(s.Version, 10, 64)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}

var versionRegex = mustCompileMonotonic()

func mustCompileMonotonic() *monotonicMatcher {
	return &monotonicMatcher{}
}

// monotonicMatcher checks "monotonic integer string, no leading zeros".
type monotonicMatcher struct{}

func (monotonicMatcher) Match(s string) bool {
	if s == "" {
		return false
	}
	if s == "0" {
		return true
	}
	if s[0] == '0' {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Parse decodes doc (a JSON-Schema document with x-lix-* extensions) and
// validates it per spec.md §4.8. It does not yet compile CEL expressions
// found nested in x-lix-override-lixcols / x-lix-default against any
// particular binding set — it only checks that they parse.
func Parse(doc []byte) (*StoredSchema, errors.E) {
	var raw map[string]any
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, errors.WithStack(err)
	}

	s := &StoredSchema{ //nolint:exhaustruct
		raw:              raw,
		OverrideLixcols:  map[string]*celexpr.Expr{},
		PropertyDefaults: map[string]*celexpr.Expr{},
	}

	if err := s.parseIdentity(raw); err != nil {
		return nil, err
	}
	if err := s.parseRootShape(raw); err != nil {
		return nil, err
	}
	if err := s.parsePrimaryKey(raw); err != nil {
		return nil, err
	}
	if err := s.parseUnique(raw); err != nil {
		return nil, err
	}
	if err := s.parseForeignKeys(raw); err != nil {
		return nil, err
	}
	if err := s.parseOverrideLixcols(raw); err != nil {
		return nil, err
	}
	if err := s.parseEntityViews(raw); err != nil {
		return nil, err
	}
	if err := s.parsePropertyDefaults(raw); err != nil {
		return nil, err
	}
	if err := s.compileInstanceValidator(doc); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *StoredSchema) parseIdentity(raw map[string]any) errors.E {
	key, ok := raw["x-lix-key"].(string)
	if !ok || key == "" {
		return errors.New("schema: x-lix-key is required")
	}
	if !identifier.ValidKey(key) {
		errE := errors.New("schema: x-lix-key must match ^[a-z][a-z0-9_]*$")
		errors.Details(errE)["key"] = key
		return errE
	}
	version, ok := raw["x-lix-version"].(string)
	if !ok || !versionRegex.Match(version) {
		errE := errors.New("schema: x-lix-version must be a monotonic integer string")
		errors.Details(errE)["version"] = version
		return errE
	}
	s.Key = key
	s.Version = version
	return nil
}

func (s *StoredSchema) parseRootShape(raw map[string]any) errors.E {
	typ, _ := raw["type"].(string)
	if typ != "object" {
		return errors.New(`schema: root "type" must be "object"`)
	}
	additional, hasAdditional := raw["additionalProperties"]
	if b, ok := additional.(bool); !hasAdditional || !ok || b {
		return errors.New(`schema: root "additionalProperties" must be false`)
	}
	s.AdditionalProps = false

	if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if str, ok := r.(string); ok {
				s.RequiredProperties = append(s.RequiredProperties, str)
			}
		}
	}
	return nil
}

func (s *StoredSchema) properties() map[string]any {
	props, _ := s.raw["properties"].(map[string]any)
	return props
}

func pointerToPropertyName(pointer string) (string, errors.E) {
	name := strings.TrimPrefix(pointer, "/")
	if name == "" || strings.Contains(name, "/") {
		errE := errors.New("schema: only top-level JSON pointers are supported")
		errors.Details(errE)["pointer"] = pointer
		return "", errE
	}
	return name, nil
}

func (s *StoredSchema) referencesExistingProperty(pointer string) errors.E {
	name, errE := pointerToPropertyName(pointer)
	if errE != nil {
		return errE
	}
	props := s.properties()
	if _, ok := props[name]; !ok {
		errE := errors.New("schema: pointer does not reference an existing property")
		errors.Details(errE)["pointer"] = pointer
		return errE
	}
	return nil
}

func (s *StoredSchema) parsePrimaryKey(raw map[string]any) errors.E {
	pkRaw, ok := raw["x-lix-primary-key"]
	if !ok {
		return nil
	}
	items, ok := pkRaw.([]any)
	if !ok || len(items) == 0 {
		return errors.New("schema: x-lix-primary-key must be a non-empty array")
	}
	seen := map[string]bool{}
	for _, item := range items {
		pointer, ok := item.(string)
		if !ok {
			return errors.New("schema: x-lix-primary-key entries must be strings")
		}
		if seen[pointer] {
			errE := errors.New("schema: x-lix-primary-key has duplicate pointer")
			errors.Details(errE)["pointer"] = pointer
			return errE
		}
		seen[pointer] = true
		if err := s.referencesExistingProperty(pointer); err != nil {
			return err
		}
		s.PrimaryKey = append(s.PrimaryKey, pointer)
	}
	return nil
}

func (s *StoredSchema) parseUnique(raw map[string]any) errors.E {
	uniqueRaw, ok := raw["x-lix-unique"]
	if !ok {
		return nil
	}
	groups, ok := uniqueRaw.([]any)
	if !ok {
		return errors.New("schema: x-lix-unique must be an array of arrays")
	}
	for _, g := range groups {
		items, ok := g.([]any)
		if !ok || len(items) == 0 {
			return errors.New("schema: each x-lix-unique group must be a non-empty array")
		}
		seen := map[string]bool{}
		var group []string
		for _, item := range items {
			pointer, ok := item.(string)
			if !ok {
				return errors.New("schema: x-lix-unique entries must be strings")
			}
			if seen[pointer] {
				errE := errors.New("schema: x-lix-unique group has duplicate pointer")
				errors.Details(errE)["pointer"] = pointer
				return errE
			}
			seen[pointer] = true
			if err := s.referencesExistingProperty(pointer); err != nil {
				return err
			}
			group = append(group, pointer)
		}
		s.Unique = append(s.Unique, group)
	}
	return nil
}

func (s *StoredSchema) parseForeignKeys(raw map[string]any) errors.E {
	fksRaw, ok := raw["x-lix-foreign-keys"]
	if !ok {
		return nil
	}
	fks, ok := fksRaw.([]any)
	if !ok {
		return errors.New("schema: x-lix-foreign-keys must be an array")
	}
	for _, fkAny := range fks {
		fkMap, ok := fkAny.(map[string]any)
		if !ok {
			return errors.New("schema: x-lix-foreign-keys entries must be objects")
		}

		var fk ForeignKey
		propsRaw, _ := fkMap["properties"].([]any)
		if len(propsRaw) == 0 {
			return errors.New("schema: foreign key properties must be a non-empty array")
		}
		seen := map[string]bool{}
		for _, p := range propsRaw {
			pointer, ok := p.(string)
			if !ok {
				return errors.New("schema: foreign key properties must be strings")
			}
			if seen[pointer] {
				errE := errors.New("schema: foreign key has duplicate property pointer")
				errors.Details(errE)["pointer"] = pointer
				return errE
			}
			seen[pointer] = true
			if err := s.referencesExistingProperty(pointer); err != nil {
				return err
			}
			fk.Properties = append(fk.Properties, pointer)
		}

		refMap, ok := fkMap["references"].(map[string]any)
		if !ok {
			return errors.New("schema: foreign key references must be an object")
		}
		if _, hasVersion := refMap["schemaVersion"]; hasVersion {
			return errors.New("schema: foreign key references.schemaVersion is forbidden")
		}
		schemaKey, ok := refMap["schemaKey"].(string)
		if !ok || schemaKey == "" {
			return errors.New("schema: foreign key references.schemaKey is required")
		}
		fk.References.SchemaKey = schemaKey
		refPropsRaw, _ := refMap["properties"].([]any)
		for _, p := range refPropsRaw {
			if pointer, ok := p.(string); ok {
				fk.References.Properties = append(fk.References.Properties, pointer)
			}
		}

		mode, _ := fkMap["mode"].(string)
		switch ForeignKeyMode(mode) {
		case FKMaterialized, FKImmediate:
			fk.Mode = ForeignKeyMode(mode)
		default:
			errE := errors.New("schema: foreign key mode must be materialized or immediate")
			errors.Details(errE)["mode"] = mode
			return errE
		}

		s.ForeignKeys = append(s.ForeignKeys, fk)
	}
	return nil
}

func (s *StoredSchema) parseOverrideLixcols(raw map[string]any) errors.E {
	overrideRaw, ok := raw["x-lix-override-lixcols"]
	if !ok {
		return nil
	}
	overrides, ok := overrideRaw.(map[string]any)
	if !ok {
		return errors.New("schema: x-lix-override-lixcols must be an object")
	}
	for col, exprAny := range overrides {
		if !strings.HasPrefix(col, "lixcol_") {
			errE := errors.New("schema: x-lix-override-lixcols keys must start with lixcol_")
			errors.Details(errE)["column"] = col
			return errE
		}
		exprText, errE := literalOrExpression(exprAny)
		if errE != nil {
			return errE
		}
		expr, errE := celexpr.Compile(exprText)
		if errE != nil {
			errors.Details(errE)["column"] = col
			return errE
		}
		s.OverrideLixcols[col] = expr
	}
	return nil
}

func (s *StoredSchema) parseEntityViews(raw map[string]any) errors.E {
	viewsRaw, ok := raw["x-lix-entity-views"]
	if !ok {
		return nil
	}
	items, ok := viewsRaw.([]any)
	if !ok {
		return errors.New("schema: x-lix-entity-views must be an array")
	}
	for _, item := range items {
		name, ok := item.(string)
		if !ok || !closedEntityViews[EntityView(name)] {
			errE := errors.New("schema: x-lix-entity-views entry is not in the closed set")
			errors.Details(errE)["view"] = name
			return errE
		}
		s.EntityViews = append(s.EntityViews, EntityView(name))
	}
	return nil
}

func (s *StoredSchema) parsePropertyDefaults(raw map[string]any) errors.E {
	props, ok := raw["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for name, propAny := range props {
		prop, ok := propAny.(map[string]any)
		if !ok {
			continue
		}
		defAny, ok := prop["x-lix-default"]
		if !ok {
			continue
		}
		exprText, errE := literalOrExpression(defAny)
		if errE != nil {
			return errE
		}
		expr, errE := celexpr.Compile(exprText)
		if errE != nil {
			errors.Details(errE)["property"] = name
			return errE
		}
		s.PropertyDefaults[name] = expr
	}
	return nil
}

// literalOrExpression turns a scalar JSON literal (true/false/null/number) or
// a string containing a CEL expression into CEL source text, per spec.md §4.8
// ("scalar literals true/false/null/number are accepted").
func literalOrExpression(v any) (string, errors.E) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case nil:
		return "null", nil
	default:
		return "", errors.New("schema: expression must be a string or a scalar literal")
	}
}
