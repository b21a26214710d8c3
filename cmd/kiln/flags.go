// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import "github.com/kiln-build/kiln/kilnstore"

type storeDirectoryFlag kilnstore.Directory

func (f *storeDirectoryFlag) Type() string  { return "string" }
func (f storeDirectoryFlag) String() string { return string(f) }
func (f storeDirectoryFlag) Get() any       { return kilnstore.Directory(f) }

func (f *storeDirectoryFlag) Set(s string) error {
	dir, err := kilnstore.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = storeDirectoryFlag(dir)
	return nil
}
