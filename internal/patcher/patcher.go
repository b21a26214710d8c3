// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package patcher post-processes staged build trees in place,
// rewriting references that point outside the store.
package patcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kiln-build/kiln/kilnstore"
)

// Apply applies a single patch rule to the tree rooted at root.
// inputs maps the rule's input names to their realized filesystem paths.
// It returns the number of files rewritten.
func Apply(ctx context.Context, root string, rule kilnstore.PatchRule, inputs map[string]string) (int, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	paths := make([]string, 0, len(rule.Inputs))
	for _, name := range rule.Inputs {
		p, ok := inputs[name]
		if !ok {
			return 0, fmt.Errorf("apply %v rule: no realized path for input %s", rule.Kind, name)
		}
		paths = append(paths, p)
	}
	switch rule.Kind {
	case kilnstore.RuleInterpreters:
		return PatchInterpreters(ctx, root, &InterpreterRule{
			SearchPaths: paths,
			Strict:      rule.Strict,
		})
	case kilnstore.RuleBinaryLoadPaths:
		return PatchBinaryLoadPaths(ctx, root, libraryDirs(paths), &BinaryLoadPathOptions{
			Strict: rule.Strict,
		})
	default:
		return 0, fmt.Errorf("apply patch rule: unknown kind %q", rule.Kind)
	}
}

// libraryDirs maps realized input paths to their library directories:
// the input's lib subdirectory if present, the input itself otherwise.
func libraryDirs(paths []string) []string {
	dirs := make([]string, 0, len(paths))
	for _, p := range paths {
		if lib := filepath.Join(p, "lib"); isDir(lib) {
			dirs = append(dirs, lib)
		} else {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
