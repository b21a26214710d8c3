// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"fmt"
	"slices"

	"github.com/kiln-build/kiln/internal/osutil"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/kiln-build/kiln/sets"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// GCOptions is the set of optional parameters to [Store.GC].
type GCOptions struct {
	// DryRun reports what would be deleted without deleting anything.
	DryRun bool
	// MinRefs is the number of distinct referrers
	// an entry's outputs need for the entry to be kept.
	// Values below 1 are treated as 1,
	// so by default only unreferenced entries are deleted.
	MinRefs int
}

// GCResult reports the effect of a [Store.GC] call.
type GCResult struct {
	// Deleted lists the store paths that were removed,
	// or would be removed for a dry run.
	Deleted []kilnstore.Path
	// Kept is the number of valid entries retained.
	Kept int
}

// GC makes a single reference-counting sweep over the store:
// a valid entry is deleted when every one of its outputs
// is referenced by fewer other store objects than the configured minimum.
// References between an entry's own outputs do not keep it alive.
// Entries that become unreferenced because of a sweep
// are collected by a later call,
// so each call deletes a bounded, predictable set.
// GC refuses to run while builds are in progress.
func (s *Store) GC(ctx context.Context, opts *GCOptions) (*GCResult, error) {
	if opts == nil {
		opts = new(GCOptions)
	}
	minRefs := max(1, opts.MinRefs)

	s.activeBuildsMu.Lock()
	active := len(s.activeBuilds)
	s.activeBuildsMu.Unlock()
	if active > 0 {
		return nil, fmt.Errorf("garbage collection: %d build(s) in progress", active)
	}

	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	type gcEntry struct {
		id      kilnstore.ID
		outputs map[string]kilnstore.Path
	}
	var entries []*gcEntry
	byID := make(map[kilnstore.ID]*gcEntry)
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "list_entries.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if Status(stmt.GetText("status")) != StatusValid {
				return nil
			}
			id, err := kilnstore.ParseID(stmt.GetText("id"))
			if err != nil {
				return err
			}
			ent := byID[id]
			if ent == nil {
				ent = &gcEntry{id: id, outputs: make(map[string]kilnstore.Path)}
				byID[id] = ent
				entries = append(entries, ent)
			}
			if stmt.ColumnType(stmt.ColumnIndex("output_name")) == sqlite.TypeNull {
				return nil
			}
			path, err := kilnstore.ParsePath(stmt.GetText("path"))
			if err != nil {
				return err
			}
			ent.outputs[stmt.GetText("output_name")] = path
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("garbage collection: %v", err)
	}

	referrers := make(map[kilnstore.Path][]kilnstore.Path)
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "all_references.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			referrer, err := kilnstore.ParsePath(stmt.GetText("referrer"))
			if err != nil {
				return err
			}
			reference, err := kilnstore.ParsePath(stmt.GetText("reference"))
			if err != nil {
				return err
			}
			referrers[reference] = append(referrers[reference], referrer)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("garbage collection: %v", err)
	}

	var collect []*gcEntry
	deletedPaths := make(sets.Set[kilnstore.Path])
	for _, ent := range entries {
		own := make(sets.Set[kilnstore.Path])
		for _, p := range ent.outputs {
			own.Add(p)
		}
		keep := false
		for _, p := range ent.outputs {
			outsideReferrers := 0
			for _, r := range referrers[p] {
				if !own.Has(r) {
					outsideReferrers++
				}
			}
			if outsideReferrers >= minRefs {
				keep = true
				break
			}
		}
		if keep {
			continue
		}
		collect = append(collect, ent)
		for _, p := range ent.outputs {
			deletedPaths.Add(p)
		}
	}

	result := &GCResult{
		Deleted: slices.Sorted(deletedPaths.All()),
		Kept:    len(entries) - len(collect),
	}
	if opts.DryRun {
		return result, nil
	}

	for _, ent := range collect {
		for _, p := range ent.outputs {
			log.Infof(ctx, "Deleting %s", p)
			if err := osutil.ForceRemoveAll(s.realPath(p)); err != nil {
				return nil, fmt.Errorf("garbage collection: %v", err)
			}
		}
		if err := purgeEntry(conn, ent.id, ent.outputs); err != nil {
			return nil, fmt.Errorf("garbage collection: %v", err)
		}
	}
	return result, nil
}
