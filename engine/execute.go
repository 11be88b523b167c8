package engine

import (
	"context"
	"encoding/json"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/commit"
	"gitlab.com/lixql/engine/fsproj"
	"gitlab.com/lixql/engine/rewrite"
	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/sqlast"
	"gitlab.com/lixql/engine/state"
)

// ExecuteOptions tunes one Execute call (spec.md §6.1).
type ExecuteOptions struct {
	// WriterKey, if set, is stamped onto every materialized row this call
	// writes that does not already carry a writer key of its own.
	WriterKey string

	// AllowInternalTables disables the lix_internal_* guard below. False by
	// default: user SQL addresses logical views, never the internal tables
	// backing them.
	AllowInternalTables bool
}

// ErrInternalTableAccess is returned when user SQL references a
// lix_internal_* table without ExecuteOptions.AllowInternalTables (spec.md
// §6.1).
var ErrInternalTableAccess = errors.Base("engine: direct access to internal tables is not allowed")

// internalTablePrefix is the reserved namespace user-facing SQL may not
// reference directly (spec.md §6.4).
const internalTablePrefix = "lix_internal_"

// Execute compiles and runs one SQL statement against the active version,
// the single entry point spec.md §6.1 names after boot/init. Every call that
// mutates state runs inside one backend transaction (spec.md §5).
func (e *Engine) Execute(ctx context.Context, sql string, params []backend.Value, opts ExecuteOptions) (*backend.QueryResult, errors.E) {
	if !e.initialized {
		return nil, errors.New("engine: Init must run before Execute")
	}

	stmt, errE := sqlast.ParseOne(sql)
	if errE != nil {
		return nil, errE
	}
	if !opts.AllowInternalTables && stmt.ReferencesAny(internalTablePrefix) {
		errE := errors.WithStack(ErrInternalTableAccess)
		errors.Details(errE)["tables"] = stmt.TableNames()
		return nil, errE
	}

	versionID, errE := e.activeVersionID(ctx)
	if errE != nil {
		return nil, errE
	}

	if stmt.Kind == sqlast.KindSelect && referencesExactly(stmt, fsproj.FileView, fsproj.FileViewByVersion) {
		if result, ok, errE := e.readFile(ctx, sql, versionID); ok {
			if errE != nil {
				return nil, errE
			}
			return result, nil
		}
	}

	if result, ok, errE := e.readActiveVersion(ctx, stmt); ok {
		if errE != nil {
			return nil, errE
		}
		return result, nil
	}

	if stmt.Kind == sqlast.KindSelect && referencesExactly(stmt, "lix_version") {
		readTx, errE := e.backend.BeginTransaction(ctx)
		if errE != nil {
			return nil, errE
		}
		result, ok, readErrE := e.readVersion(ctx, readTx, stmt, sql)
		_ = readTx.Rollback(ctx)
		if ok {
			if readErrE != nil {
				return nil, readErrE
			}
			return result, nil
		}
	}

	// lix_state/lix_state_by_version's working-projection refresh writes
	// untracked rows (spec.md §4.7, line 182) that must outlive this read, so
	// — unlike every other read-only interception above, which rolls its
	// resolution transaction back — this one commits.
	if stmt.Kind == sqlast.KindSelect && referencesExactly(stmt, "lix_state", "lix_state_by_version") {
		stateTx, errE := e.backend.BeginTransaction(ctx)
		if errE != nil {
			return nil, errE
		}
		result, ok, readErrE := e.readState(ctx, stateTx, stmt, sql, versionID)
		if !ok {
			_ = stateTx.Rollback(ctx)
		} else if readErrE != nil {
			_ = stateTx.Rollback(ctx)
			return nil, readErrE
		} else {
			if errE := stateTx.Commit(ctx); errE != nil {
				return nil, errE
			}
			return result, nil
		}
	}

	if stmt.Kind.IsWrite() {
		if ok, errE := e.writeActiveVersion(ctx, sql); ok {
			if errE != nil {
				return nil, errE
			}
			return &backend.QueryResult{}, nil //nolint:exhaustruct
		}
	}

	// A SELECT against a generic entity view resolves the version to read
	// through the inheritance chain rooted at the active version (spec.md
	// §3.3 invariant 8); UPDATE/DELETE always target the literal active
	// version below — copy-on-write never writes through to an ancestor.
	compileVersionID := versionID
	if stmt.Kind == sqlast.KindSelect {
		resolveTx, errE := e.backend.BeginTransaction(ctx)
		if errE != nil {
			return nil, errE
		}
		compileVersionID, errE = e.resolveReadVersion(ctx, resolveTx, sql, versionID)
		_ = resolveTx.Rollback(ctx)
		if errE != nil {
			return nil, errE
		}
	}

	var resolved *rewrite.ResolvedWrite
	if stmt.Kind == sqlast.KindUpdate || stmt.Kind == sqlast.KindDelete {
		resolveTx, errE := e.backend.BeginTransaction(ctx)
		if errE != nil {
			return nil, errE
		}
		resolved, errE = e.resolveWrite(ctx, resolveTx, stmt, sql, versionID)
		_ = resolveTx.Rollback(ctx)
		if errE != nil {
			return nil, errE
		}
	}

	compiled, errE := e.pipeline.Compile(sql, compileVersionID, resolved)
	if errE != nil {
		return nil, errE
	}

	if compiled.Read != nil {
		return e.backend.Execute(ctx, compiled.Read.SQL, mergeParams(compiled.Read.Params, params))
	}

	return e.executeWrite(ctx, compiled.Write, versionID, opts)
}

// executeWrite runs one compiled write's pre-statements, folds its mutations
// through the commit runtime, and persists the resulting batch plus every
// affected version's new pointer (spec.md §4.3, §4.4).
func (e *Engine) executeWrite(ctx context.Context, out *rewrite.RewriteOutput, versionID string, opts ExecuteOptions) (*backend.QueryResult, errors.E) {
	tx, errE := e.backend.BeginTransaction(ctx)
	if errE != nil {
		return nil, errE
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, stmt := range out.Statements {
		if _, errE := tx.Execute(ctx, stmt.SQL, stmt.Params); errE != nil {
			return nil, errE
		}
	}

	for _, reg := range out.Registrations {
		if errE := e.installSchemaTx(ctx, tx, reg.Document); errE != nil {
			return nil, errE
		}
	}

	if errE := e.checkUpdateValidations(out.UpdateValidations); errE != nil {
		return nil, errE
	}

	if out.PostprocessUpdate != nil && out.PostprocessUpdate.WriterKey != "" {
		opts.WriterKey = out.PostprocessUpdate.WriterKey
	}

	mutations := out.Mutations

	if out.FileWrite != nil {
		fileMutations, errE := e.collectFileSideEffects(ctx, tx, out.FileWrite.SQL, versionID)
		if errE != nil {
			return nil, errE
		}
		mutations = append(mutations, fileMutations...)
	}

	cascaded, errE := e.cascadeDirectoryDeletes(ctx, tx, mutations)
	if errE != nil {
		return nil, errE
	}
	mutations = append(mutations, cascaded...)

	// A tombstoned mutation against the filesystem projection shrinks the
	// reachable file-id set, the trigger condition for a GC sweep (spec.md
	// §4.4 step 8).
	sawFileDeletion := false
	if out.FileWrite != nil {
		for _, m := range mutations {
			if m.SnapshotContent == nil {
				sawFileDeletion = true
				break
			}
		}
	}

	if len(mutations) > 0 {
		if errE := e.applyMutations(ctx, tx, mutations, opts); errE != nil {
			return nil, errE
		}
	}

	if touchesPluginTable(out) {
		e.pluginHost.Invalidate()
	}

	if sawFileDeletion {
		if errE := e.sweepBlobCache(ctx, tx); errE != nil {
			return nil, errE
		}
	}

	if errE := tx.Commit(ctx); errE != nil {
		return nil, errE
	}
	committed = true

	return &backend.QueryResult{}, nil //nolint:exhaustruct
}

// touchesPluginTable reports whether out's raw statements write to
// lix_internal_plugin, the installed-plugin manifest table whose changes
// invalidate the plugin host's cache (spec.md §4.4 step 10).
func touchesPluginTable(out *rewrite.RewriteOutput) bool {
	for _, stmt := range out.Statements {
		if strings.Contains(strings.ToLower(stmt.SQL), "lix_internal_plugin") {
			return true
		}
	}
	return false
}

// applyMutations folds mutations into the next commit for every version they
// touch (commit.Generate/commit.Batch), then persists each new commit row and
// its version's advanced pointer directly: the pointer update describes the
// very commit.Generate call that produced it, so re-running it through
// another commit.Generate pass would need its own not-yet-known result (the
// same circularity seed avoids — see engine.go).
func (e *Engine) applyMutations(ctx context.Context, tx backend.Transaction, mutations []commit.DomainChangeInput, opts ExecuteOptions) errors.E {
	if opts.WriterKey != "" {
		for i := range mutations {
			if mutations[i].WriterKey == "" {
				mutations[i].WriterKey = opts.WriterKey
			}
		}
	}

	touchedVersions := map[string]bool{}
	for _, m := range mutations {
		touchedVersions[m.VersionID] = true
	}

	versions := map[string]commit.VersionInfo{}
	ancestry := map[string]map[string]int{}
	for versionID := range touchedVersions {
		pointer, errE := state.NewVersionStore(tx).Pointer(ctx, versionID)
		if errE != nil {
			return errE
		}
		versions[versionID] = commit.VersionInfo{CommitID: pointer.CommitID, WorkingCommitID: pointer.WorkingCommitID}

		depths, errE := e.loadAncestryTx(ctx, tx, pointer.CommitID)
		if errE != nil {
			return errE
		}
		ancestry[pointer.CommitID] = depths
	}

	args := commit.GenerateCommitArgs{
		Timestamp:      e.now(),
		ActiveAccounts: e.activeAccounts(),
		Changes:        mutations,
		Versions:       versions,
		Ancestry:       ancestry,
	}
	result := commit.Generate(args, e.ids)

	dialect := e.backend.Dialect()
	for _, stmt := range commit.Batch(result, dialect) {
		if _, errE := tx.Execute(ctx, stmt.SQL, stmt.Params); errE != nil {
			return errE
		}
	}

	for _, c := range result.Commits {
		if errE := e.insertCommitTx(ctx, tx, c); errE != nil {
			return errE
		}
	}

	for versionID, info := range result.UpdatedVersions {
		row := e.versionPointerRow(versionID, info.CommitID, info.WorkingCommitID)
		s, errE := e.registry.Lookup(row.SchemaKey, "")
		if errE != nil {
			return errE
		}
		store := state.New(tx, s)
		errE = store.UpsertMaterialized(ctx, state.MaterializedRow{ //nolint:exhaustruct
			EntityID:        row.EntityID,
			SchemaKey:       row.SchemaKey,
			SchemaVersion:   s.Version,
			FileID:          "",
			VersionID:       state.GlobalVersionID,
			PluginKey:       "lix_own_entity",
			SnapshotContent: row.SnapshotContent,
			ChangeID:        info.CommitID,
			IsTombstone:     false,
			CreatedAt:       args.Timestamp,
			UpdatedAt:       args.Timestamp,
		})
		if errE != nil {
			return errE
		}
	}

	return nil
}

// loadAncestryTx loads commitID's full ancestor-depth map from the ancestry
// closure table (spec.md §3.2), the input commit.GenerateCommitArgs.Ancestry
// expects for extending it to a new commit.
func (e *Engine) loadAncestryTx(ctx context.Context, tx backend.Transaction, commitID string) (map[string]int, errors.E) {
	result, errE := tx.Execute(ctx,
		`SELECT ancestor_id, depth FROM lix_internal_commit_ancestry WHERE commit_id = ?`,
		[]backend.Value{backend.TextValue(commitID)})
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return map[string]int{}, nil
		}
		return nil, errE
	}
	depths := make(map[string]int, len(result.Rows))
	for _, row := range result.Rows {
		depths[row[0].Text] = int(row[1].Integer)
	}
	return depths, nil
}

// checkUpdateValidations re-validates each UPDATE row the rewriter echoed
// back against its schema's document (spec.md §4.2.2): an UPDATE's SET
// clause can only assign known properties, but it can still produce an
// instance that violates a required-property or additionalProperties rule
// the original row satisfied.
func (e *Engine) checkUpdateValidations(validations []rewrite.UpdateValidation) errors.E {
	for _, v := range validations {
		s, errE := e.registry.Lookup(v.SchemaKey, "")
		if errE != nil {
			return errE
		}
		var instance any
		if err := json.Unmarshal(v.SnapshotContent, &instance); err != nil {
			return errors.WithStack(err)
		}
		if errE := s.ValidateInstance(instance); errE != nil {
			return errE
		}
	}
	return nil
}

// installSchemaTx is installSchema against a transaction rather than the
// backend directly, for schema registrations folded into a write's own
// transaction (spec.md §4.4: new-entity-view writes that register their
// schema inline).
func (e *Engine) installSchemaTx(ctx context.Context, tx backend.Transaction, doc []byte) errors.E {
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
		if _, errE := tx.Execute(ctx, materializedTableDDL(table), nil); errE != nil {
			return errE
		}
	}
	return nil
}

// insertCommitTx is insertCommit against a transaction.
func (e *Engine) insertCommitTx(ctx context.Context, tx backend.Transaction, c state.Commit) errors.E {
	return insertCommitInto(ctx, tx, c)
}

// referencesExactly reports whether stmt references any table whose name
// exactly matches one of names (case-insensitive) — unlike
// sqlast.Statement.ReferencesAny, which matches by prefix and would
// therefore also fire on lix_file_descriptor when checking for lix_file.
func referencesExactly(stmt *sqlast.Statement, names ...string) bool {
	for _, table := range stmt.TableNames() {
		for _, n := range names {
			if strings.EqualFold(table, n) {
				return true
			}
		}
	}
	return false
}

// mergeParams appends caller-supplied params after the rewriter's own
// resolved params, preserving the placeholder order RewriteEntitySelect
// built its SQL with.
func mergeParams(resolved []backend.Value, callerSupplied []backend.Value) []backend.Value {
	if len(callerSupplied) == 0 {
		return resolved
	}
	out := make([]backend.Value, 0, len(resolved)+len(callerSupplied))
	out = append(out, resolved...)
	out = append(out, callerSupplied...)
	return out
}

