// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kiln-build/kiln/internal/detect"
	"github.com/kiln-build/kiln/internal/osutil"
	"github.com/kiln-build/kiln/internal/xmaps"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/kiln-build/kiln/sets"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Status is the lifecycle state of an index entry.
type Status string

// Index entry states.
const (
	// StatusBuilding marks an entry whose content is still being produced.
	StatusBuilding Status = "building"
	// StatusValid marks an entry whose content is complete on disk.
	StatusValid Status = "valid"
	// StatusFailed marks an entry whose most recent realization failed.
	StatusFailed Status = "failed"
)

// A StoreEntry is an index record of a realized derivation or fetch.
type StoreEntry struct {
	// ID is the derivation or fetch ID the entry was realized for.
	ID kilnstore.ID
	// Name is the store object name the entry was realized under.
	Name string
	// Status is the entry's lifecycle state.
	Status Status
	// Outputs maps output names to the entry's store objects.
	// Fetches have a single output
	// named [kilnstore.DefaultOutputName].
	Outputs map[string]Object
	// CreatedAt is the time the entry was first recorded.
	CreatedAt time.Time
	// BuildID identifies the build that produced the entry,
	// or is empty if none did.
	BuildID string
}

// An Object describes one committed output of a store entry.
type Object struct {
	// Path is the object's store path.
	Path kilnstore.Path
	// NARHash is the SHA-256 hash of the object's NAR serialization.
	// It is the zero hash until the entry is committed.
	NARHash nix.Hash
	// NARSize is the size of the object's NAR serialization in bytes.
	NARSize int64
}

// outputPaths returns the entry's output paths keyed by output name.
func (ent *StoreEntry) outputPaths() map[string]kilnstore.Path {
	paths := make(map[string]kilnstore.Path, len(ent.Outputs))
	for outName, obj := range ent.Outputs {
		paths[outName] = obj.Path
	}
	return paths
}

// Lookup returns the store entry for id
// or nil if id has not been successfully realized.
// Building and failed entries are not returned,
// nor are entries whose content has gone missing from disk.
func (s *Store) Lookup(ctx context.Context, id kilnstore.ID) (*StoreEntry, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	ent, err := getEntry(conn, id)
	if err != nil {
		return nil, fmt.Errorf("lookup %v: %v", id, err)
	}
	if ent == nil || ent.Status != StatusValid {
		return nil, nil
	}
	for _, obj := range ent.Outputs {
		if _, err := os.Lstat(s.realPath(obj.Path)); err != nil {
			log.Debugf(ctx, "%s missing from disk; treating %v as unrealized", obj.Path, id)
			return nil, nil
		}
	}
	return ent, nil
}

// lookupUsable returns the valid entry for id
// if its content is intact on disk.
// A valid entry whose content has gone missing is purged
// so the caller can realize id anew.
// The caller must hold the realizing lock for id.
func (s *Store) lookupUsable(ctx context.Context, id kilnstore.ID) (*StoreEntry, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	ent, err := getEntry(conn, id)
	if err != nil {
		return nil, err
	}
	if ent == nil || ent.Status != StatusValid {
		return nil, nil
	}
	missing := false
	for _, obj := range ent.Outputs {
		if _, err := os.Lstat(s.realPath(obj.Path)); err != nil {
			log.Warnf(ctx, "%s missing from disk; realizing %v again", obj.Path, id)
			missing = true
		}
	}
	if !missing {
		return ent, nil
	}
	for _, obj := range ent.Outputs {
		if err := osutil.ForceRemoveAll(s.realPath(obj.Path)); err != nil {
			return nil, err
		}
	}
	if err := purgeEntry(conn, id, ent.outputPaths()); err != nil {
		return nil, err
	}
	return nil, nil
}

// ErrAlreadyBuilding is returned by [Store.BeginBuild]
// when another realization has already claimed the entry.
var ErrAlreadyBuilding = errors.New("store entry is already being built")

// A BuildHandle is a claim on an index entry in the building state.
// The holder must resolve it by calling either
// [BuildHandle.Commit] or [BuildHandle.Abort].
type BuildHandle struct {
	store   *Store
	id      kilnstore.ID
	outputs map[string]kilnstore.Path

	// buildID optionally identifies the build the claim is part of.
	buildID string
	// refCandidates lists the store paths that the entry's outputs
	// may legitimately reference,
	// i.e. the realized inputs of the derivation being built.
	// Sibling outputs are always candidates and need not be listed.
	refCandidates []kilnstore.Path
}

// BeginBuild claims the index entry for id,
// transitioning it to the building state.
// name is the store object name shared by the entry's outputs,
// and outputs maps the output names about to be produced
// to their store paths.
// A failed entry is replaced.
// Claiming an entry that is building or valid is an error;
// the former is reported as [ErrAlreadyBuilding].
func (s *Store) BeginBuild(ctx context.Context, id kilnstore.ID, name string, outputs map[string]kilnstore.Path) (*BuildHandle, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	err = func() (err error) {
		defer sqlitex.Save(conn)(&err)

		ent, err := getEntry(conn, id)
		if err != nil {
			return err
		}
		switch {
		case ent == nil:
		case ent.Status == StatusBuilding:
			return ErrAlreadyBuilding
		case ent.Status == StatusValid:
			return errors.New("store entry is already valid")
		default:
			if err := purgeEntry(conn, id, ent.outputPaths()); err != nil {
				return err
			}
		}

		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_entry.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":id":         id.String(),
				":name":       name,
				":created_at": time.Now().UnixMilli(),
			},
		})
		if err != nil {
			return err
		}
		for _, outName := range xmaps.SortedKeys(outputs) {
			err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_output.sql", &sqlitex.ExecOptions{
				Named: map[string]any{
					":entry_id":    id.String(),
					":output_name": outName,
					":path":        string(outputs[outName]),
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return nil, fmt.Errorf("begin build of %v: %w", id, err)
	}
	return &BuildHandle{
		store:   s,
		id:      id,
		outputs: maps.Clone(outputs),
	}, nil
}

// Commit finalizes the handle's entry:
// built content is moved into place,
// each output is scanned for references to other store objects,
// the entry transitions to valid,
// and the content is frozen read-only.
//
// built maps each output name to the file or directory
// the realization produced it at.
// Content built at its final store location is committed in place;
// content staged elsewhere is renamed into the store.
// If an output's store path already exists on disk,
// the staged copy is discarded and the existing content is reused.
func (h *BuildHandle) Commit(ctx context.Context, built map[string]string) (*StoreEntry, error) {
	s := h.store
	for outName := range h.outputs {
		if _, ok := built[outName]; !ok {
			return nil, fmt.Errorf("commit %v: no content for output %q", h.id, outName)
		}
	}

	for _, outName := range xmaps.SortedKeys(h.outputs) {
		path := h.outputs[outName]
		realPath := s.realPath(path)
		src := built[outName]
		if src == realPath {
			continue
		}
		switch _, err := os.Lstat(realPath); {
		case err == nil:
			log.Debugf(ctx, "%s already exists; discarding staged copy", path)
			if err := osutil.ForceRemoveAll(src); err != nil {
				return nil, fmt.Errorf("commit %v: %v", h.id, err)
			}
		case errors.Is(err, os.ErrNotExist):
			if err := os.Rename(src, realPath); err != nil {
				return nil, fmt.Errorf("commit %v: %v", h.id, err)
			}
		default:
			return nil, fmt.Errorf("commit %v: %v", h.id, err)
		}
	}

	scans := make(map[string]*outputScan)
	for _, outName := range xmaps.SortedKeys(h.outputs) {
		candidates := new(sets.Sorted[kilnstore.Path])
		for _, p := range h.refCandidates {
			candidates.Add(p)
		}
		for sibling, p := range h.outputs {
			if sibling != outName {
				candidates.Add(p)
			}
		}
		scan, err := scanOutput(ctx, s.realPath(h.outputs[outName]), candidates)
		if err != nil {
			return nil, fmt.Errorf("commit %v: output %s: %v", h.id, outName, err)
		}
		scans[outName] = scan
	}

	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	err = func() (err error) {
		defer sqlitex.Save(conn)(&err)

		var buildID any
		if h.buildID != "" {
			buildID = h.buildID
		}
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "finish_entry.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":id":       h.id.String(),
				":build_id": buildID,
			},
		})
		if err != nil {
			return err
		}
		for _, outName := range xmaps.SortedKeys(h.outputs) {
			scan := scans[outName]
			err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "set_output_metadata.sql", &sqlitex.ExecOptions{
				Named: map[string]any{
					":entry_id":    h.id.String(),
					":output_name": outName,
					":nar_hash":    scan.narHash.SRI(),
					":nar_size":    scan.narSize,
				},
			})
			if err != nil {
				return err
			}
			for ref := range scan.refs.Values() {
				err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "add_reference.sql", &sqlitex.ExecOptions{
					Named: map[string]any{
						":referrer":  string(h.outputs[outName]),
						":reference": string(ref),
					},
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	}()
	if err != nil {
		return nil, fmt.Errorf("commit %v: %v", h.id, err)
	}

	// Freeze after the database commit:
	// a crash in between leaves a valid, writable object,
	// which is preferable to an unreadable invalid one.
	for _, path := range h.outputs {
		makePublicReadOnly(ctx, s.realPath(path))
	}

	ent, err := getEntry(conn, h.id)
	if err != nil {
		return nil, fmt.Errorf("commit %v: %v", h.id, err)
	}
	return ent, nil
}

// Abort marks the handle's entry as failed
// and removes any content placed at its output paths.
func (h *BuildHandle) Abort(ctx context.Context) error {
	var removeErr error
	for _, outName := range xmaps.SortedKeys(h.outputs) {
		realPath := h.store.realPath(h.outputs[outName])
		if err := osutil.ForceRemoveAll(realPath); err != nil && removeErr == nil {
			removeErr = err
		}
	}

	conn, err := h.store.db.Get(ctx)
	if err != nil {
		return err
	}
	defer h.store.db.Put(conn)
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "fail_entry.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": h.id.String()},
	})
	if err != nil {
		return fmt.Errorf("abort build of %v: %v", h.id, err)
	}
	if removeErr != nil {
		return fmt.Errorf("abort build of %v: %v", h.id, removeErr)
	}
	return nil
}

// getEntry reads the index entry for id,
// returning nil if no row exists.
func getEntry(conn *sqlite.Conn, id kilnstore.ID) (*StoreEntry, error) {
	var ent *StoreEntry
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "entry.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": id.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if ent == nil {
				ent = &StoreEntry{
					ID:        id,
					Name:      stmt.GetText("name"),
					Status:    Status(stmt.GetText("status")),
					Outputs:   make(map[string]Object),
					CreatedAt: time.UnixMilli(stmt.GetInt64("created_at")),
				}
				if stmt.ColumnType(stmt.ColumnIndex("build_id")) != sqlite.TypeNull {
					ent.BuildID = stmt.GetText("build_id")
				}
			}
			if stmt.ColumnType(stmt.ColumnIndex("output_name")) == sqlite.TypeNull {
				return nil
			}
			obj, err := objectFromRow(stmt)
			if err != nil {
				return err
			}
			ent.Outputs[stmt.GetText("output_name")] = obj
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// objectFromRow reads the output columns of the current row.
// The metadata columns are NULL until the entry is committed.
func objectFromRow(stmt *sqlite.Stmt) (Object, error) {
	path, err := kilnstore.ParsePath(stmt.GetText("path"))
	if err != nil {
		return Object{}, err
	}
	obj := Object{Path: path}
	if stmt.ColumnType(stmt.ColumnIndex("nar_hash")) != sqlite.TypeNull {
		obj.NARHash, err = nix.ParseHash(stmt.GetText("nar_hash"))
		if err != nil {
			return Object{}, fmt.Errorf("output %s: %v", path, err)
		}
		obj.NARSize = stmt.GetInt64("nar_size")
	}
	return obj, nil
}

// purgeEntry deletes the index row for id
// along with any reference rows involving the entry's paths.
func purgeEntry(conn *sqlite.Conn, id kilnstore.ID, outputs map[string]kilnstore.Path) (err error) {
	defer sqlitex.Save(conn)(&err)

	for _, outName := range xmaps.SortedKeys(outputs) {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "delete_references.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":referrer":  string(outputs[outName]),
				":reference": string(outputs[outName]),
			},
		})
		if err != nil {
			return err
		}
	}
	return sqlitex.ExecuteTransientFS(conn, sqlFiles(), "delete_entry.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": id.String()},
	})
}

type outputScan struct {
	narHash nix.Hash
	narSize int64
	refs    sets.Sorted[kilnstore.Path]
}

// scanOutput hashes the NAR serialization of the store object at realPath
// and reports which of candidates its bytes reference.
// Since every store path shares the same prefix,
// a path is detected by searching for its digest.
func scanOutput(ctx context.Context, realPath string, candidates *sets.Sorted[kilnstore.Path]) (*outputScan, error) {
	log.Debugf(ctx, "Scanning for references in %s", realPath)
	wc := new(writeCounter)
	h := nix.NewHasher(nix.SHA256)
	refFinder := detect.NewRefFinder(func(yield func(string) bool) {
		for path := range candidates.Values() {
			if !yield(path.Digest()) {
				return
			}
		}
	})
	if err := nar.DumpPath(io.MultiWriter(wc, h, refFinder), realPath); err != nil {
		return nil, err
	}

	scan := &outputScan{
		narHash: h.SumHash(),
		narSize: int64(*wc),
	}
	for digest := range refFinder.Found().Values() {
		// Store paths sort in the same order as their digests,
		// so binary search maps a digest back to its path.
		i, ok := sort.Find(candidates.Len(), func(i int) int {
			return strings.Compare(digest, candidates.At(i).Digest())
		})
		if !ok {
			return nil, fmt.Errorf("scan internal error: could not find digest %q in candidates", digest)
		}
		scan.refs.Add(candidates.At(i))
	}
	return scan, nil
}

type writeCounter int64

func (wc *writeCounter) Write(p []byte) (n int, err error) {
	*wc += writeCounter(len(p))
	return len(p), nil
}

func (wc *writeCounter) WriteString(s string) (n int, err error) {
	*wc += writeCounter(len(s))
	return len(s), nil
}

// makePublicReadOnly calls [osutil.MakePublicReadOnly]
// and logs any errors instead of causing them to stop the operation.
func makePublicReadOnly(ctx context.Context, path string) {
	log.Debugf(ctx, "Marking %s read-only...", path)
	osutil.MakePublicReadOnly(path, func(err error) error {
		// Log errors, but don't abort the chmod attempt.
		// Subsequent use of this store object can still succeed,
		// and we want to mark as many files read-only as possible.
		log.Warnf(ctx, "%v", err)
		return nil
	})
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
