// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package backend implements the local kiln store:
// an immutable object directory paired with a SQLite index,
// plus the builder that realizes derivation graphs into it.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kiln-build/kiln/internal/fetcher"
	"github.com/kiln-build/kiln/internal/osutil"
	"github.com/kiln-build/kiln/internal/system"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/kiln-build/kiln/sets"
	"golang.org/x/sync/semaphore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Options is the set of optional parameters to [Open].
type Options struct {
	// RealDir is where the store objects are located physically on disk.
	// If empty, defaults to the store directory.
	RealDir string
	// BuildDir is where realizations' working directories will be placed.
	// If empty, defaults to [os.TempDir].
	BuildDir string
	// LogDir is where per-build phase logs are written.
	// If empty, defaults to a log directory
	// next to the index database.
	LogDir string

	// If KeepFailed is true, then failed realizations' working directories
	// are kept for inspection instead of being removed.
	KeepFailed bool

	// Jobs caps the number of derivations realized concurrently.
	// If non-positive, then the number of cores detected on the machine is used.
	Jobs int

	// BuildSystems is the list of system strings
	// that this store will realize derivations for.
	// If empty, only derivations for the host system are realized.
	BuildSystems []string

	// Fetcher retrieves fetch inputs.
	// If nil, a default [fetcher.Fetcher] is used.
	Fetcher *fetcher.Fetcher

	// Runner executes phase scripts.
	// If nil, [RunSubprocess] is used.
	Runner Runner
}

// Store is a local kiln store.
// Methods on Store are safe to call concurrently from multiple goroutines.
type Store struct {
	dir        kilnstore.Directory
	realDir    string
	buildDir   string
	logDir     string
	keepFailed bool
	systems    sets.Set[string]
	fetcher    *fetcher.Fetcher
	runner     Runner
	db         *sqlitemigration.Pool
	buildSem   *semaphore.Weighted

	realizing mutexMap[kilnstore.ID] // store entries being realized

	activeBuildsMu sync.Mutex
	activeBuilds   map[uuid.UUID]context.CancelFunc
	draining       bool
	buildWaitGroup sync.WaitGroup
}

// Open opens the store rooted at dir
// with its index database at dbPath,
// creating either as needed.
// Incomplete entries left behind by an interrupted process are purged.
// Callers are responsible for calling [Store.Close] on the returned store.
func Open(ctx context.Context, dir kilnstore.Directory, dbPath string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}
	s := &Store{
		dir:          dir,
		realDir:      opts.RealDir,
		buildDir:     opts.BuildDir,
		logDir:       opts.LogDir,
		keepFailed:   opts.KeepFailed,
		fetcher:      opts.Fetcher,
		runner:       opts.Runner,
		activeBuilds: make(map[uuid.UUID]context.CancelFunc),

		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				ctx := context.Background()
				log.Debugf(ctx, "Migrating...")
			},
			OnReady: func() {
				ctx := context.Background()
				log.Debugf(ctx, "Database ready")
			},
			OnError: func(err error) {
				ctx := context.Background()
				log.Errorf(ctx, "Migration: %v", err)
			},
		}),
	}
	if s.realDir == "" {
		s.realDir = string(dir)
	}
	if s.buildDir == "" {
		s.buildDir = os.TempDir()
	}
	if s.logDir == "" {
		s.logDir = filepath.Join(filepath.Dir(dbPath), "log")
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = max(1, runtime.NumCPU())
	}
	s.buildSem = semaphore.NewWeighted(int64(jobs))
	if len(opts.BuildSystems) > 0 {
		s.systems = sets.New(opts.BuildSystems...)
	} else {
		s.systems = sets.New(system.Current().String())
	}
	if s.fetcher == nil {
		s.fetcher = new(fetcher.Fetcher)
	}
	if s.runner == nil {
		s.runner = RunSubprocess
	}

	if err := os.MkdirAll(s.realDir, 0o755); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("open store %s: %v", dir, err)
	}
	if err := s.recover(ctx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("open store %s: %v", dir, err)
	}
	return s, nil
}

// Close waits for any in-flight builds to abort
// and releases any resources associated with the store.
func (s *Store) Close() error {
	s.activeBuildsMu.Lock()
	s.draining = true
	for _, cancel := range s.activeBuilds {
		cancel()
	}
	s.activeBuildsMu.Unlock()

	s.buildWaitGroup.Wait()

	return s.db.Close()
}

// Dir returns the store directory the store was opened with.
func (s *Store) Dir() kilnstore.Directory {
	return s.dir
}

func (s *Store) realPath(path kilnstore.Path) string {
	return filepath.Join(s.realDir, path.Base())
}

// stagePath returns the temporary location content for path
// is staged at before being renamed into place.
func (s *Store) stagePath(path kilnstore.Path) string {
	return filepath.Join(s.realDir, ".tmp-"+path.Base())
}

// recover removes entries that a previous process
// left in the building state,
// along with any staging directories under the real directory.
func (s *Store) recover(ctx context.Context) error {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)

	var stale []kilnstore.Path
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "stale_entries.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			path, err := kilnstore.ParsePath(stmt.GetText("path"))
			if err != nil {
				// Skip malformed rows; the delete below still drops them.
				log.Warnf(ctx, "Index contains invalid path %q: %v", stmt.GetText("path"), err)
				return nil
			}
			stale = append(stale, path)
			return nil
		},
	})
	if err != nil {
		return err
	}
	for _, path := range stale {
		log.Infof(ctx, "Removing incomplete store object %s", path)
		if err := osutil.ForceRemoveAll(s.realPath(path)); err != nil {
			return err
		}
	}
	if err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "delete_stale_entries.sql", nil); err != nil {
		return err
	}

	listing, err := os.ReadDir(s.realDir)
	if err != nil {
		return err
	}
	for _, ent := range listing {
		if strings.HasPrefix(ent.Name(), ".tmp-") {
			log.Infof(ctx, "Removing staging directory %s", ent.Name())
			if err := osutil.ForceRemoveAll(filepath.Join(s.realDir, ent.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
