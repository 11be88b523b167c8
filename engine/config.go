// Package engine wires the rewrite pipeline, commit runtime, versioned state
// model, filesystem projection, and plugin host into the single entry point
// spec.md §6.1 describes: boot, init, execute. It is the engine's imperative
// shell — every other package in this module is a pure transform this one
// drives against a concrete backend.Backend.
package engine

import (
	"os"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/plugin"
)

// BootConfig is Engine.Boot's input (spec.md §4.9). Backend is the only
// required field (a nil PluginHost becomes a host with JSONPointerPlugin
// registered); the rest tune init() and determinism.
type BootConfig struct {
	Backend    backend.Backend
	PluginHost *plugin.Host

	// BootKeyValues is kept on the Engine (a manifest's boot_key_values
	// replace it); Init does not read it and seeds no rows from it.
	BootKeyValues map[string]string

	// BootActiveAccount, if set, is the account id attributed as the author
	// of the bootstrap commit and every commit this Engine instance produces;
	// ExecuteOptions has no per-call override.
	BootActiveAccount *string

	// Deterministic switches the identifier factory to the fixed-clock,
	// monotonic-sequence UUIDv7 mode (spec.md §5), for reproducible tests and
	// fixtures rather than wall-clock ids.
	Deterministic bool

	Logger zerolog.Logger

	// SchemaBundlePath, if set, names a YAML manifest of additional stored
	// schemas to install during init(), after the built-in schemas and
	// before seeding (spec.md §4.9).
	SchemaBundlePath string
}

// Manifest is the decoded shape of a SchemaBundlePath document.
type Manifest struct {
	BootKeyValues map[string]string `yaml:"boot_key_values"`
	Deterministic bool              `yaml:"deterministic"`
	Schemas       []ManifestSchema  `yaml:"schemas"`
}

// ManifestSchema is one bundled schema entry: either an inline JSON document
// or a path to one, mirroring how peer-db's own config.go accepts either an
// inline value or a file reference for site configuration.
type ManifestSchema struct {
	Document string `yaml:"document"`
	Path     string `yaml:"path"`
}

// LoadManifest reads and parses a YAML boot manifest from path (spec.md
// §4.9). It does not install anything; Engine.Init consumes the result.
func LoadManifest(path string) (*Manifest, errors.E) {
	raw, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		errE := errors.WithStack(err)
		errors.Details(errE)["path"] = path
		return nil, errE
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		errE := errors.WithStack(err)
		errors.Details(errE)["path"] = path
		return nil, errE
	}
	return &m, nil
}

// schemaDocuments resolves every ManifestSchema entry to its raw JSON bytes,
// reading Path entries off disk relative to the process's working directory.
func (man *Manifest) schemaDocuments() ([][]byte, errors.E) {
	if man == nil {
		return nil, nil
	}
	docs := make([][]byte, 0, len(man.Schemas))
	for _, entry := range man.Schemas {
		if entry.Document != "" {
			docs = append(docs, []byte(entry.Document))
			continue
		}
		raw, err := os.ReadFile(entry.Path) //nolint:gosec
		if err != nil {
			errE := errors.WithStack(err)
			errors.Details(errE)["path"] = entry.Path
			return nil, errE
		}
		docs = append(docs, raw)
	}
	return docs, nil
}
