// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package backendtest provides utilities for running a [backend.Store] in tests.
package backendtest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiln-build/kiln/internal/backend"
	"github.com/kiln-build/kiln/kilnstore"
)

// NewStoreDirectory returns the path to a newly created, empty [kilnstore.Directory]
// that is cleaned up when the test finishes.
// If directory creation fails, NewStoreDirectory terminates the test by calling [testing.TB.Fatal].
// As such, NewStoreDirectory must be called from the goroutine running the test or benchmark function.
func NewStoreDirectory(tb testing.TB) kilnstore.Directory {
	tb.Helper()
	realStoreDir, err := filepath.EvalSymlinks(tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	storeDir, err := kilnstore.CleanDirectory(realStoreDir)
	if err != nil {
		tb.Fatal(err)
	}
	return storeDir
}

// TB is a subset of the [testing.TB] interface that can be safely called from any goroutine.
type TB interface {
	Logf(format string, args ...any)
	Fail()
	Cleanup(func())
}

// Open opens a store rooted at storeDir suitable for testing.
// The store's scratch directory and index database
// are placed in a new temporary directory,
// and the store is closed and its content made deletable
// as part of test cleanup.
// If opts is nil, it is treated the same as if it was passed new(backend.Options).
func Open(ctx context.Context, tb TB, storeDir kilnstore.Directory, opts *backend.Options) (*backend.Store, error) {
	tempDir, err := os.MkdirTemp("", "kiln-backendtest-*")
	if err != nil {
		return nil, err
	}
	tb.Cleanup(func() {
		if err := os.RemoveAll(tempDir); err != nil {
			tb.Logf("%v", err)
		}
	})

	buildDir := filepath.Join(tempDir, "build")
	if err := os.Mkdir(buildDir, 0o777); err != nil {
		return nil, err
	}

	opts2 := new(backend.Options)
	if opts != nil {
		*opts2 = *opts
	}
	if opts2.BuildDir == "" {
		opts2.BuildDir = buildDir
	}
	realDir := opts2.RealDir
	if realDir == "" {
		realDir = string(storeDir)
	}

	store, err := backend.Open(ctx, storeDir, filepath.Join(tempDir, "db.sqlite"), opts2)
	if err != nil {
		return nil, err
	}
	tb.Cleanup(func() {
		if err := store.Close(); err != nil {
			tb.Logf("store.Close: %v", err)
			tb.Fail()
		}

		// Make entire store writable for deletion.
		filepath.WalkDir(realDir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			perm := os.FileMode(0o666)
			if entry.IsDir() {
				perm = 0o777
			}
			if err := os.Chmod(path, perm); err != nil {
				tb.Logf("%v", err)
			}
			return nil
		})
	})
	return store, nil
}
