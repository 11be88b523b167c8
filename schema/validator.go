package schema

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gitlab.com/tozd/go/errors"
)

// compiledValidator wraps the compiled JSON-Schema validator for a single
// StoredSchema's instance rows.
type compiledValidator struct {
	schema *jsonschema.Schema
}

// compileInstanceValidator compiles doc (the schema's own JSON-Schema text)
// into a santhosh-tekuri/jsonschema/v6 validator used later to validate
// instance rows written against this schema (spec.md §4.4 step 6).
func (s *StoredSchema) compileInstanceValidator(doc []byte) errors.E {
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("lixschema:///%s/%s", s.Key, s.Version)

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return errors.WithStack(err)
	}
	if err := compiler.AddResource(url, parsed); err != nil {
		return errors.WithStack(err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return errors.WithStack(err)
	}
	s.compiledInstance = &compiledValidator{schema: compiled}
	return nil
}

// ErrValidation is returned when an instance row fails JSON-Schema validation.
var ErrValidation = errors.Base("schema: instance validation failed")

// ValidateInstance validates instance (typically snapshot_content decoded via
// encoding/json, i.e. map[string]any / []any / scalars) against this schema.
func (s *StoredSchema) ValidateInstance(instance any) errors.E {
	if s.compiledInstance == nil {
		return errors.New("schema: instance validator not compiled")
	}
	if err := s.compiledInstance.schema.Validate(instance); err != nil {
		errE := errors.WrapWith(err, ErrValidation)
		errors.Details(errE)["schema_key"] = s.Key
		errors.Details(errE)["schema_version"] = s.Version
		return errE
	}
	return nil
}
