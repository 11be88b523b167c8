package schema

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gitlab.com/tozd/go/errors"
)

// MaterializedTableName returns the per-schema materialized table name
// (spec.md §6.4): lix_internal_state_materialized_v1_<schema_key>.
func MaterializedTableName(schemaKey string) string {
	return "lix_internal_state_materialized_v1_" + schemaKey
}

// EntityViewName returns the schema-driven entity view name: lix_<schema_key>.
func EntityViewName(schemaKey string) string {
	return "lix_" + schemaKey
}

// key identifies an installed schema by its two-part identity.
type key struct {
	Key     string
	Version string
}

// Registry tracks installed stored schemas (spec.md §3.2: "Installed by
// INSERT into lix_stored_schema; never deleted during runtime; adding a
// schema lazily creates the materialized table for that key"). It is the
// engine's `planner_catalog_snapshot` source of truth (spec.md §5).
type Registry struct {
	mu       sync.RWMutex
	byKeyVer map[key]*StoredSchema
	// latestByKey holds, for each schema key, the highest installed version —
	// used when a write or read rewrite does not pin an explicit schema_version.
	latestByKey map[string]*StoredSchema
	// materialized tracks which schema keys already have their materialized
	// table installed, so Install only issues CREATE TABLE once per key.
	materialized map[string]bool

	// snapshots caches compiled catalog projections (e.g. resolved schema-key
	// sets for a read rewrite) keyed by a caller-chosen cache key, invalidated
	// in full whenever a schema is installed.
	snapshots *lru.Cache[string, any]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	snapshots, err := lru.New[string, any](256)
	if err != nil {
		// Only fails for a non-positive size, which 256 never is.
		panic(err)
	}
	return &Registry{ //nolint:exhaustruct
		byKeyVer:     map[key]*StoredSchema{},
		latestByKey:  map[string]*StoredSchema{},
		materialized: map[string]bool{},
		snapshots:    snapshots,
	}
}

// ErrAlreadyInstalled is returned by Install when the exact (key, version)
// pair is already registered; spec.md §8 requires this to be a silent no-op
// at the engine boundary, so callers should treat it as success, not failure.
var ErrAlreadyInstalled = errors.Base("schema: already installed")

// Install registers s. It returns ErrAlreadyInstalled (not a hard failure) if
// the identical (key, version) pair is already present, and reports whether
// the schema's materialized table needs to be created for the first time.
func (r *Registry) Install(s *StoredSchema) (needsMaterializedTable bool, errE errors.E) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{Key: s.Key, Version: s.Version}
	if _, ok := r.byKeyVer[k]; ok {
		return false, errors.WithStack(ErrAlreadyInstalled)
	}

	r.byKeyVer[k] = s

	if latest, ok := r.latestByKey[s.Key]; !ok {
		r.latestByKey[s.Key] = s
	} else {
		latestVer, errE := latest.VersionInt()
		if errE != nil {
			return false, errE
		}
		newVer, errE := s.VersionInt()
		if errE != nil {
			return false, errE
		}
		if newVer > latestVer {
			r.latestByKey[s.Key] = s
		}
	}

	needsMaterializedTable = !r.materialized[s.Key]
	r.materialized[s.Key] = true

	r.snapshots.Purge()

	return needsMaterializedTable, nil
}

// ErrUnknownSchema is returned when a schema_key (optionally with an explicit
// schema_version) is not installed — spec.md §3.3 invariant 3 and §7's
// "unsupported SQL form" / shape-error taxonomy.
var ErrUnknownSchema = errors.Base("schema: unknown schema key or version")

// Lookup resolves a schema by key, and optionally a specific version (empty
// string means "latest installed version").
func (r *Registry) Lookup(schemaKey, schemaVersion string) (*StoredSchema, errors.E) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if schemaVersion == "" {
		s, ok := r.latestByKey[schemaKey]
		if !ok {
			errE := errors.WithStack(ErrUnknownSchema)
			errors.Details(errE)["schema_key"] = schemaKey
			return nil, errE
		}
		return s, nil
	}

	s, ok := r.byKeyVer[key{Key: schemaKey, Version: schemaVersion}]
	if !ok {
		errE := errors.WithStack(ErrUnknownSchema)
		errors.Details(errE)["schema_key"] = schemaKey
		errors.Details(errE)["schema_version"] = schemaVersion
		return nil, errE
	}
	return s, nil
}

// Has reports whether any version of schemaKey is installed.
func (r *Registry) Has(schemaKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.latestByKey[schemaKey]
	return ok
}

// Keys returns every distinct installed schema key, used by the read
// rewriter to discover all materialized tables when a query does not
// restrict schema_key (spec.md §4.2.1).
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.latestByKey))
	for k := range r.latestByKey {
		keys = append(keys, k)
	}
	return keys
}

// CachedSnapshot retrieves a value previously stored with CacheSnapshot, for
// the engine's planner_catalog_snapshot (spec.md §5, §9).
func (r *Registry) CachedSnapshot(cacheKey string) (any, bool) {
	return r.snapshots.Get(cacheKey)
}

// CacheSnapshot stores a value for later CachedSnapshot retrieval. The whole
// cache is purged on the next Install, which is the only mutation that can
// change what a snapshot should contain.
func (r *Registry) CacheSnapshot(cacheKey string, value any) {
	r.snapshots.Add(cacheKey, value)
}
