// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package patcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"zombiezen.com/go/log"
)

// An InterpreterRule describes how interpreter lines are rewritten.
type InterpreterRule struct {
	// SearchPaths are realized input paths consulted for replacement
	// interpreters, in order.
	// Within each path, a bin subdirectory is consulted
	// before the path itself.
	SearchPaths []string
	// Strict makes unresolvable interpreters an error
	// instead of leaving the file untouched.
	Strict bool
}

// PatchInterpreters rewrites the interpreter line of scripts under root
// whose interpreter does not exist on this machine,
// pointing them at a program of the same name under the rule's search paths.
// Everything after the interpreter token (arguments included) is preserved,
// as is the file's mode.
// Files whose interpreter already resolves are untouched,
// so applying the same rule again changes nothing.
// It returns the number of files rewritten.
func PatchInterpreters(ctx context.Context, root string, rule *InterpreterRule) (int, error) {
	changed := 0
	var missing []string
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
		interp, rest, err := readShebang(path)
		if err != nil {
			return fmt.Errorf("patch interpreters: %v", err)
		}
		if interp == "" || !filepath.IsAbs(interp) {
			return nil
		}
		if _, err := os.Stat(interp); err == nil {
			// Resolves already, possibly from an earlier application.
			return nil
		}
		replacement := findProgram(rule.SearchPaths, filepath.Base(interp))
		if replacement == "" {
			missing = append(missing, interp)
			return nil
		}
		if err := rewriteShebang(path, replacement, rest); err != nil {
			return fmt.Errorf("patch interpreters: %v", err)
		}
		log.Debugf(ctx, "Rewrote interpreter of %s to %s", path, replacement)
		changed++
		return nil
	})
	if err != nil {
		return changed, err
	}
	if rule.Strict && len(missing) > 0 {
		return changed, fmt.Errorf("patch interpreters in %s: no replacement for %s", root, strings.Join(missing, ", "))
	}
	return changed, nil
}

// readShebang reads the interpreter named by path's "#!" line.
// rest holds everything in the file after the interpreter token.
// Files that do not start with "#!" return an empty interpreter.
func readShebang(path string) (interp string, rest []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", nil, nil
		}
		return "", nil, err
	}
	if magic[0] != '#' || magic[1] != '!' {
		return "", nil, nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", nil, err
	}

	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	start := 0
	for start < len(line) && (line[start] == ' ' || line[start] == '\t') {
		start++
	}
	end := start
	for end < len(line) && line[end] != ' ' && line[end] != '\t' {
		end++
	}
	return string(line[start:end]), data[end:], nil
}

// rewriteShebang replaces the interpreter token of path's first line,
// leaving the rest of the file unchanged.
// Rewriting an existing file keeps its mode.
func rewriteShebang(path, interp string, rest []byte) error {
	buf := make([]byte, 0, len("#!")+len(interp)+len(rest))
	buf = append(buf, "#!"...)
	buf = append(buf, interp...)
	buf = append(buf, rest...)
	return os.WriteFile(path, buf, 0o666)
}

// findProgram looks for a program named base under the search paths,
// consulting each path's bin subdirectory before the path itself.
func findProgram(searchPaths []string, base string) string {
	for _, sp := range searchPaths {
		for _, dir := range []string{filepath.Join(sp, "bin"), sp} {
			candidate := filepath.Join(dir, base)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return candidate
			}
		}
	}
	return ""
}
