// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kiln-build/kiln/internal/xmaps"
	"github.com/kiln-build/kiln/kilnstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Entry returns the index entry for id regardless of its status,
// or nil if id has no entry.
// Use [Store.Lookup] to find entries whose content is usable.
func (s *Store) Entry(ctx context.Context, id kilnstore.ID) (*StoreEntry, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	ent, err := getEntry(conn, id)
	if err != nil {
		return nil, fmt.Errorf("lookup %v: %v", id, err)
	}
	return ent, nil
}

// Entries returns every index entry, newest first.
func (s *Store) Entries(ctx context.Context) ([]*StoreEntry, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	var entries []*StoreEntry
	var curr *StoreEntry
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "list_entries.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id, err := kilnstore.ParseID(stmt.GetText("id"))
			if err != nil {
				return err
			}
			if curr == nil || curr.ID != id {
				curr = &StoreEntry{
					ID:        id,
					Name:      stmt.GetText("name"),
					Status:    Status(stmt.GetText("status")),
					Outputs:   make(map[string]Object),
					CreatedAt: time.UnixMilli(stmt.GetInt64("created_at")),
				}
				if stmt.ColumnType(stmt.ColumnIndex("build_id")) != sqlite.TypeNull {
					curr.BuildID = stmt.GetText("build_id")
				}
				entries = append(entries, curr)
			}
			if stmt.ColumnType(stmt.ColumnIndex("output_name")) == sqlite.TypeNull {
				return nil
			}
			obj, err := objectFromRow(stmt)
			if err != nil {
				return err
			}
			curr.Outputs[stmt.GetText("output_name")] = obj
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list store entries: %v", err)
	}
	return entries, nil
}

// EntryByPath returns the entry that owns the store object at path,
// or nil if no entry claims it.
func (s *Store) EntryByPath(ctx context.Context, path kilnstore.Path) (*StoreEntry, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	var id kilnstore.ID
	found := false
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "entry_by_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			id, err = kilnstore.ParseID(stmt.GetText("entry_id"))
			found = err == nil
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %v", path, err)
	}
	if !found {
		return nil, nil
	}
	ent, err := getEntry(conn, id)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %v", path, err)
	}
	return ent, nil
}

// References returns the store paths that the object at path references,
// in sorted order.
func (s *Store) References(ctx context.Context, path kilnstore.Path) ([]kilnstore.Path, error) {
	refs, err := s.queryPaths(ctx, "references.sql", "reference", path)
	if err != nil {
		return nil, fmt.Errorf("references of %s: %v", path, err)
	}
	return refs, nil
}

// Referrers returns the store paths of objects that reference path,
// in sorted order.
func (s *Store) Referrers(ctx context.Context, path kilnstore.Path) ([]kilnstore.Path, error) {
	refs, err := s.queryPaths(ctx, "referrers.sql", "referrer", path)
	if err != nil {
		return nil, fmt.Errorf("referrers of %s: %v", path, err)
	}
	return refs, nil
}

func (s *Store) queryPaths(ctx context.Context, queryName string, column string, path kilnstore.Path) ([]kilnstore.Path, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	var paths []kilnstore.Path
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), queryName, &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := kilnstore.ParsePath(stmt.GetText(column))
			if err != nil {
				return err
			}
			paths = append(paths, p)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// Dump writes the NAR serialization of the store object at path to w.
// Only objects the index records as valid can be dumped.
func (s *Store) Dump(ctx context.Context, path kilnstore.Path, w io.Writer) error {
	if path.Dir() != s.dir {
		return fmt.Errorf("dump %s: not in store %s", path, s.dir)
	}
	ent, err := s.EntryByPath(ctx, path)
	if err != nil {
		return err
	}
	if ent == nil || ent.Status != StatusValid {
		return fmt.Errorf("dump %s: store object does not exist", path)
	}
	if err := nar.DumpPath(w, s.realPath(path)); err != nil {
		return fmt.Errorf("dump %s: %v", path, err)
	}
	return nil
}

// BuildEntries returns the IDs of the entries committed by the given build,
// in sorted order.
func (s *Store) BuildEntries(ctx context.Context, buildID string) ([]kilnstore.ID, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	var ids []kilnstore.ID
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "entries_by_build.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":build_id": buildID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id, err := kilnstore.ParseID(stmt.GetText("id"))
			if err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("entries for build %s: %v", buildID, err)
	}
	return ids, nil
}

// Verify re-hashes every valid store object
// and returns the paths whose content no longer matches the index,
// either because the content is missing
// or because its NAR serialization hashes differently.
// A nil slice means the store is consistent.
func (s *Store) Verify(ctx context.Context) ([]kilnstore.Path, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}

	var bad []kilnstore.Path
	for _, ent := range entries {
		if ent.Status != StatusValid {
			continue
		}
		for _, outName := range xmaps.SortedKeys(ent.Outputs) {
			obj := ent.Outputs[outName]
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			realPath := s.realPath(obj.Path)
			if _, err := os.Lstat(realPath); err != nil {
				log.Warnf(ctx, "%s is missing from disk", obj.Path)
				bad = append(bad, obj.Path)
				continue
			}
			wc := new(writeCounter)
			h := nix.NewHasher(nix.SHA256)
			if err := nar.DumpPath(io.MultiWriter(wc, h), realPath); err != nil {
				return nil, fmt.Errorf("verify %s: %v", obj.Path, err)
			}
			if !h.SumHash().Equal(obj.NARHash) || int64(*wc) != obj.NARSize {
				log.Warnf(ctx, "%s does not match its index record", obj.Path)
				bad = append(bad, obj.Path)
			}
		}
	}
	return bad, nil
}
