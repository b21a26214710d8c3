// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestForceRemoveAll(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "obj")
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "file.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := MakePublicReadOnly(root, nil); err != nil {
		t.Fatal(err)
	}

	if err := ForceRemoveAll(root); err != nil {
		t.Error("ForceRemoveAll:", err)
	}
	if _, err := os.Lstat(root); !os.IsNotExist(err) {
		t.Errorf("os.Lstat(%q) = _, %v; want not exist", root, err)
	}

	// Removing a missing path should succeed.
	if err := ForceRemoveAll(root); err != nil {
		t.Error("ForceRemoveAll #2:", err)
	}
}

func TestWriteFilePerm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	if err := WriteFilePerm(path, []byte("hello"), 0o444); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q; want %q", got, "hello")
	}
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0o200 != 0 {
		t.Errorf("mode = %v; want read-only", perm)
	}
}
