package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/singleflight"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/fsproj"
	"gitlab.com/lixql/engine/identifier"
	"gitlab.com/lixql/engine/plugin"
	"gitlab.com/lixql/engine/rewrite"
	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/state"
)

// Engine is the booted runtime: a backend, an installed-schema registry, an
// identifier factory, a plugin host, and the blob cache the filesystem
// projection reads/writes through (spec.md §6.1).
type Engine struct {
	backend    backend.Backend
	registry   *schema.Registry
	ids        *identifier.Factory
	pluginHost *plugin.Host
	blobCache  *fsproj.BlobCache
	pipeline   *rewrite.Pipeline

	bootKeyValues     map[string]string
	bootActiveAccount string
	pendingBundle     [][]byte
	initialized       bool
	deterministic     bool

	// activeVersionMu guards activeVersionCache, the reader-preferring cache
	// for the lix_active_version singleton (SPEC_FULL.md §5: "active_version_id
	// is a sync.RWMutex-guarded cell"). activeVersionGroup collapses concurrent
	// cache-miss reloads into one backend read (SPEC_FULL.md §2).
	activeVersionMu    sync.RWMutex
	activeVersionCache string
	activeVersionGroup singleflight.Group
}

// Boot constructs an Engine from cfg without touching the backend (spec.md
// §6.1: "boot(args) → Engine"). Call Init to install schemas and seed the
// bootstrap commit.
func Boot(cfg BootConfig) (*Engine, errors.E) {
	if cfg.Backend == nil {
		return nil, errors.New("engine: BootConfig.Backend is required")
	}
	if cfg.PluginHost == nil {
		cfg.PluginHost = plugin.NewHost()
		cfg.PluginHost.Register(plugin.JSONPointerPlugin{})
	}

	ids := identifier.NewFactory()
	if cfg.Deterministic {
		ids = identifier.NewDeterministicFactory(time.Unix(0, 0).UTC(), 0)
	}

	registry := schema.NewRegistry()

	blobCache, errE := fsproj.NewBlobCache(4096)
	if errE != nil {
		return nil, errE
	}

	account := ""
	if cfg.BootActiveAccount != nil {
		account = *cfg.BootActiveAccount
	}

	e := &Engine{
		backend:           cfg.Backend,
		registry:          registry,
		ids:               ids,
		pluginHost:        cfg.PluginHost,
		blobCache:         blobCache,
		pipeline:          rewrite.New(registry, ids),
		bootKeyValues:     cfg.BootKeyValues,
		bootActiveAccount: account,
		deterministic:     cfg.Deterministic,
	}

	if cfg.SchemaBundlePath != "" {
		manifest, errE := LoadManifest(cfg.SchemaBundlePath)
		if errE != nil {
			return nil, errE
		}
		docs, errE := manifest.schemaDocuments()
		if errE != nil {
			return nil, errE
		}
		e.pendingBundle = docs
		if manifest.BootKeyValues != nil {
			e.bootKeyValues = manifest.BootKeyValues
		}
	}

	return e, nil
}

// Registry exposes the installed-schema registry, for callers (and tests)
// that need to inspect what Init installed.
func (e *Engine) Registry() *schema.Registry { return e.registry }

// Backend exposes the underlying backend.Backend, mainly for tests driving
// Execute side by side with raw SQL assertions.
func (e *Engine) Backend() backend.Backend { return e.backend }

// Init installs the built-in schemas, any schema bundle from Boot, and seeds
// the bootstrap commit plus the global/main versions (spec.md §4.9,
// original_source/packages/engine/src/init/seed.rs). It is idempotent:
// calling Init twice on an already-seeded backend is a no-op.
func (e *Engine) Init(ctx context.Context) errors.E {
	if e.initialized {
		return nil
	}

	for _, table := range internalTableDDL() {
		if _, errE := e.backend.Execute(ctx, table, nil); errE != nil {
			return errE
		}
	}

	for _, doc := range builtinSchemas() {
		if errE := e.installSchema(ctx, doc); errE != nil {
			return errE
		}
	}
	for _, doc := range e.pendingBundle {
		if errE := e.installSchema(ctx, doc); errE != nil {
			return errE
		}
	}

	if errE := e.seed(ctx); errE != nil {
		return errE
	}

	e.initialized = true
	return nil
}

// installSchema parses and registers doc, creating its materialized table on
// first install (spec.md §3.2: "adding a schema lazily creates the
// materialized table for that key").
func (e *Engine) installSchema(ctx context.Context, doc []byte) errors.E {
	parsed, errE := schema.Parse(doc)
	if errE != nil {
		return errE
	}
	needsTable, errE := e.registry.Install(parsed)
	if errE != nil {
		if errors.Is(errE, schema.ErrAlreadyInstalled) {
			return nil
		}
		return errE
	}
	if needsTable {
		table := schema.MaterializedTableName(parsed.Key)
		if _, errE := e.backend.Execute(ctx, materializedTableDDL(table), nil); errE != nil {
			return errE
		}
	}
	return nil
}

// seed reproduces original_source/packages/engine/src/init/seed.rs: a
// zero-parent bootstrap commit "root", a global version whose
// working_commit_id differs from commit_id from the very first boot, a main
// version inheriting from global, and a seeded "checkpoint" label.
//
// This writes the seed rows directly as materialized state rather than
// running them through commit.Generate: the pointer entity a version's own
// commit.Generate call would promote is the very row describing that
// promotion's result, which only commit.Generate's internal id sequence can
// produce — initializing it from outside would mean guessing that sequence.
// Seeding is a one-time bootstrap, not a tracked mutation, so writing its
// rows directly avoids that circularity (see DESIGN.md).
func (e *Engine) seed(ctx context.Context) errors.E {
	existing, errE := e.backend.Execute(ctx,
		`SELECT id FROM lix_internal_commit WHERE id = ?`,
		[]backend.Value{backend.TextValue(state.BootstrapCommitID)})
	if errE != nil {
		return errE
	}
	if len(existing.Rows) > 0 {
		return nil
	}

	timestamp := e.now()

	root := state.Commit{ //nolint:exhaustruct
		ID:               state.BootstrapCommitID,
		ChangeSetID:      state.BootstrapCommitID,
		AuthorAccountIDs: e.activeAccounts(),
	}
	if errE := e.insertCommit(ctx, root); errE != nil {
		return errE
	}
	if errE := e.insertAncestryEdge(ctx, state.CommitAncestryEdge{CommitID: state.BootstrapCommitID, AncestorID: state.BootstrapCommitID, Depth: 0}); errE != nil {
		return errE
	}

	globalWorkingCommitID := e.ids.New()
	mainWorkingCommitID := e.ids.New()

	seedRows := []seedRow{
		e.versionDescriptorRow(state.GlobalVersionID, "global", ""),
		e.versionPointerRow(state.GlobalVersionID, state.BootstrapCommitID, globalWorkingCommitID),
		e.versionDescriptorRow(state.MainVersionID, "main", state.GlobalVersionID),
		e.versionPointerRow(state.MainVersionID, state.BootstrapCommitID, mainWorkingCommitID),
		e.labelRow("checkpoint", state.BootstrapCommitID),
	}

	changeIDs := make([]string, 0, len(seedRows))
	for _, row := range seedRows {
		changeID, errE := e.writeSeedRow(ctx, row, timestamp)
		if errE != nil {
			return errE
		}
		changeIDs = append(changeIDs, changeID)
	}

	if errE := e.seedActiveVersion(ctx, state.MainVersionID, timestamp); errE != nil {
		return errE
	}

	return e.setCommitChangeIDs(ctx, state.BootstrapCommitID, changeIDs)
}

// seedActiveVersion writes the lix_active_version singleton directly as an
// untracked row (spec.md line 76: "Singleton untracked rows"), not through
// writeSeedRow — that helper materializes and commits a tracked row, but
// ActiveVersion is explicitly untracked and has no change/commit history.
func (e *Engine) seedActiveVersion(ctx context.Context, versionID, timestamp string) errors.E {
	s, errE := e.registry.Lookup("lix_active_version", "")
	if errE != nil {
		return errE
	}
	content, err := json.Marshal(map[string]any{"version_id": versionID})
	if err != nil {
		return errors.WithStack(err)
	}
	store := state.New(e.backend, s)
	return store.UpsertUntracked(ctx, state.UntrackedRow{ //nolint:exhaustruct
		EntityID:        state.ActiveVersionEntityID,
		SchemaKey:       s.Key,
		FileID:          "",
		VersionID:       state.GlobalVersionID,
		PluginKey:       "lix_own_entity",
		SnapshotContent: content,
		SchemaVersion:   s.Version,
		CreatedAt:       timestamp,
		UpdatedAt:       timestamp,
	})
}

// seedRow is one bootstrap entity to materialize directly (see seed's doc
// comment for why this bypasses commit.Generate).
type seedRow struct {
	EntityID        string
	SchemaKey       string
	SnapshotContent []byte
}

func (e *Engine) activeAccounts() []string {
	if e.bootActiveAccount == "" {
		return nil
	}
	return []string{e.bootActiveAccount}
}

func (e *Engine) versionDescriptorRow(versionID, name, inheritsFrom string) seedRow {
	content, _ := json.Marshal(map[string]any{
		"id": versionID, "name": name, "inherits_from_version_id": nullableString(inheritsFrom), "hidden": false,
	})
	return seedRow{EntityID: versionID, SchemaKey: "lix_version_descriptor", SnapshotContent: content}
}

func (e *Engine) versionPointerRow(versionID, commitID, workingCommitID string) seedRow {
	content, _ := json.Marshal(map[string]any{
		"id": versionID, "commit_id": commitID, "working_commit_id": workingCommitID,
	})
	return seedRow{EntityID: versionID, SchemaKey: "lix_version_pointer", SnapshotContent: content}
}

func (e *Engine) labelRow(name, commitID string) seedRow {
	id := "label:" + name
	content, _ := json.Marshal(map[string]any{"id": id, "name": name, "commit_id": commitID})
	return seedRow{EntityID: id, SchemaKey: "lix_label", SnapshotContent: content}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// now returns the timestamp stamped onto rows this engine writes. In
// deterministic mode it returns a fixed instant so two runs against the same
// inputs produce byte-identical rows, matching identifier.NewDeterministicFactory's
// fixed-clock guarantee for ids.
func (e *Engine) now() string {
	if e.deterministic {
		return time.Unix(0, 0).UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}
