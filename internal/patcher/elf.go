// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package patcher

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"zombiezen.com/go/log"
)

// BinaryLoadPathOptions adjusts [PatchBinaryLoadPaths].
type BinaryLoadPathOptions struct {
	// Strict makes binaries that need patching but cannot be patched
	// (no run path entry, or the new value does not fit in the old slot)
	// an error instead of being left alone.
	Strict bool
	// SystemLibraryDirs overrides the directories probed to decide
	// whether a binary's libraries resolve without patching.
	// If nil, the standard system library directories are probed.
	SystemLibraryDirs []string
}

// defaultLibraryDirs are the directories the dynamic loader searches
// without any run path.
var defaultLibraryDirs = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/usr/lib64",
}

// PatchBinaryLoadPaths rewrites the run path of every dynamic binary
// under root whose requested libraries do not all resolve
// from the system library directories.
// The new run path is searchPaths joined with colons,
// written over the old run path string in the dynamic string table.
// The new value must fit in the old slot; the remainder is zero-padded.
// A binary whose run path already equals the new value is untouched,
// so applying the same patch again changes nothing.
// It returns the number of files rewritten.
func PatchBinaryLoadPaths(ctx context.Context, root string, searchPaths []string, opts *BinaryLoadPathOptions) (int, error) {
	if opts == nil {
		opts = new(BinaryLoadPathOptions)
	}
	systemDirs := opts.SystemLibraryDirs
	if systemDirs == nil {
		systemDirs = defaultLibraryDirs
	}
	newRunPath := strings.Join(searchPaths, ":")

	changed := 0
	var unpatchable []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		ok, err := hasELFMagic(path)
		if err != nil {
			return fmt.Errorf("patch binary load paths: %v", err)
		}
		if !ok {
			return nil
		}
		result, err := patchELFRunPath(path, newRunPath, systemDirs)
		if err != nil {
			return fmt.Errorf("patch binary load paths: %s: %v", path, err)
		}
		switch result {
		case patchedBinary:
			log.Debugf(ctx, "Rewrote run path of %s to %s", path, newRunPath)
			changed++
		case unpatchableBinary:
			unpatchable = append(unpatchable, path)
		}
		return nil
	})
	if err != nil {
		return changed, err
	}
	if opts.Strict && len(unpatchable) > 0 {
		return changed, fmt.Errorf("patch binary load paths in %s: no usable run path slot in %s", root, strings.Join(unpatchable, ", "))
	}
	return changed, nil
}

type patchResult int

const (
	skippedBinary patchResult = iota
	patchedBinary
	unpatchableBinary
)

func patchELFRunPath(path string, newRunPath string, systemDirs []string) (patchResult, error) {
	f, err := elf.Open(path)
	if err != nil {
		var formatErr *elf.FormatError
		if errors.As(err, &formatErr) {
			// The magic matched, but the file is not a loadable binary.
			return skippedBinary, nil
		}
		return skippedBinary, err
	}
	defer f.Close()

	dynamic := f.Section(".dynamic")
	dynstr := f.Section(".dynstr")
	if dynamic == nil || dynstr == nil {
		return skippedBinary, nil
	}
	dynamicData, err := dynamic.Data()
	if err != nil {
		return skippedBinary, err
	}
	strtab, err := dynstr.Data()
	if err != nil {
		return skippedBinary, err
	}

	var needed []string
	var runPathOffsets []uint64
	for tag, value := range dynamicEntries(f, dynamicData) {
		switch tag {
		case elf.DT_NEEDED:
			lib, err := stringTableEntry(strtab, value)
			if err != nil {
				return skippedBinary, err
			}
			needed = append(needed, lib)
		case elf.DT_RPATH, elf.DT_RUNPATH:
			runPathOffsets = append(runPathOffsets, value)
		}
	}
	if len(needed) == 0 || librariesResolve(needed, systemDirs) {
		return skippedBinary, nil
	}
	if len(runPathOffsets) == 0 {
		return unpatchableBinary, nil
	}

	// Verify every slot fits before touching the file.
	type slotWrite struct {
		offset  int64
		oldSize int
	}
	var writes []slotWrite
	for _, off := range runPathOffsets {
		old, err := stringTableEntry(strtab, off)
		if err != nil {
			return skippedBinary, err
		}
		if old == newRunPath {
			continue
		}
		if len(newRunPath) > len(old) {
			return unpatchableBinary, nil
		}
		writes = append(writes, slotWrite{offset: int64(off), oldSize: len(old)})
	}
	if len(writes) == 0 {
		// The run path already equals the target.
		return skippedBinary, nil
	}

	w, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return skippedBinary, err
	}
	for _, s := range writes {
		slot := make([]byte, s.oldSize)
		copy(slot, newRunPath)
		if _, err := w.WriteAt(slot, int64(dynstr.Offset)+s.offset); err != nil {
			w.Close()
			return skippedBinary, err
		}
	}
	if err := w.Close(); err != nil {
		return skippedBinary, err
	}
	return patchedBinary, nil
}

// dynamicEntries iterates over the tag/value pairs
// of a dynamic section's raw data, stopping at DT_NULL.
func dynamicEntries(f *elf.File, data []byte) iter.Seq2[elf.DynTag, uint64] {
	return func(yield func(elf.DynTag, uint64) bool) {
		bo := f.ByteOrder
		switch f.Class {
		case elf.ELFCLASS64:
			for len(data) >= 16 {
				tag := elf.DynTag(bo.Uint64(data))
				value := bo.Uint64(data[8:])
				if tag == elf.DT_NULL || !yield(tag, value) {
					return
				}
				data = data[16:]
			}
		case elf.ELFCLASS32:
			for len(data) >= 8 {
				tag := elf.DynTag(bo.Uint32(data))
				value := uint64(bo.Uint32(data[4:]))
				if tag == elf.DT_NULL || !yield(tag, value) {
					return
				}
				data = data[8:]
			}
		}
	}
}

// stringTableEntry reads the NUL-terminated string at off within strtab.
func stringTableEntry(strtab []byte, off uint64) (string, error) {
	if off >= uint64(len(strtab)) {
		return "", fmt.Errorf("string table offset %d out of range", off)
	}
	end := bytes.IndexByte(strtab[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("string table entry at %d is not terminated", off)
	}
	return string(strtab[off : int(off)+end]), nil
}

// librariesResolve reports whether every library named in needed
// is present in one of dirs.
func librariesResolve(needed, dirs []string) bool {
	for _, lib := range needed {
		found := false
		for _, dir := range dirs {
			if _, err := os.Stat(filepath.Join(dir, lib)); err == nil {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

func hasELFMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	magic := make([]byte, len(elfMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(magic, elfMagic), nil
}
