// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package composer merges realized store outputs
// into a single execution environment.
package composer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kiln-build/kiln/internal/xmaps"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/kiln-build/kiln/sets"
)

// Names of the search path variables the composer manages.
const (
	binPathVar = "PATH"
	libPathVar = "LD_LIBRARY_PATH"
)

// An Environment is a fully resolved environment specification:
// concrete variable values with every store path substituted.
type Environment struct {
	// Variables maps variable names to resolved values.
	Variables map[string]string

	// SearchPathVariables lists the variables
	// whose values are separator-joined path lists.
	// [Environment.Environ] appends the ambient value of these variables
	// after the composed one instead of replacing it.
	SearchPathVariables []string
}

// Compose resolves spec against realized store content.
// realization reports the store path a derivation output
// was realized at;
// fetch entries resolve by content address and do not consult it.
//
// Entries fold into the environment by role:
// binary entries contribute to PATH,
// library entries contribute to LD_LIBRARY_PATH,
// and opaque entries become variables named after the entry.
// Path lists keep declaration order,
// so an executable or library provided by two entries
// resolves to the earlier one.
// Declared variables render last,
// with "${name}" placeholders expanded to entry store paths;
// on a name collision, the declared variable wins
// over a role-derived one.
func Compose(dir kilnstore.Directory, spec *kilnstore.EnvironmentSpec, realization func(kilnstore.OutputReference) (kilnstore.Path, bool)) (*Environment, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("compose environment: %v", err)
	}

	env := &Environment{
		Variables: make(map[string]string),
	}
	entryPaths := make(map[string]kilnstore.Path, len(spec.Paths))
	var binDirs, libDirs []string
	for i := range spec.Paths {
		ent := &spec.Paths[i]
		var p kilnstore.Path
		if ent.Fetch != nil {
			var err error
			p, err = ent.Fetch.StorePath(dir)
			if err != nil {
				return nil, fmt.Errorf("compose environment %s: entry %s: %v", spec.Name, ent.Name, err)
			}
		} else {
			var ok bool
			p, ok = realization(*ent.Output)
			if !ok {
				return nil, fmt.Errorf("compose environment %s: entry %s: %v is not realized", spec.Name, ent.Name, ent.Output)
			}
		}
		entryPaths[ent.Name] = p

		switch ent.Role {
		case kilnstore.RoleBinary:
			binDirs = append(binDirs, subdirOrSelf(string(p), "bin"))
		case kilnstore.RoleLibrary:
			libDirs = append(libDirs, subdirOrSelf(string(p), "lib"))
		case kilnstore.RoleOpaque:
			env.Variables[ent.Name] = string(p)
		}
	}
	if len(binDirs) > 0 {
		env.Variables[binPathVar] = joinSearchPath(binDirs)
		env.SearchPathVariables = append(env.SearchPathVariables, binPathVar)
	}
	if len(libDirs) > 0 {
		env.Variables[libPathVar] = joinSearchPath(libDirs)
		env.SearchPathVariables = append(env.SearchPathVariables, libPathVar)
	}

	r := kilnstore.NewInputReplacer(entryPaths)
	for name, value := range spec.Variables {
		env.Variables[name] = r.Replace(value)
	}
	return env, nil
}

// Environ merges the composed variables over ambient,
// a list of entries in the form returned by [os.Environ].
// A composed variable replaces the ambient variable of the same name,
// except for the variables named by SearchPathVariables,
// where a non-empty ambient value is appended after the composed one.
// Ambient variables the environment does not compose pass through unchanged.
func (env *Environment) Environ(ambient []string) []string {
	environ := make([]string, 0, len(ambient)+len(env.Variables))
	for _, kv := range ambient {
		k, _, _ := strings.Cut(kv, "=")
		if _, composed := env.Variables[k]; !composed {
			environ = append(environ, kv)
		}
	}
	for _, k := range xmaps.SortedKeys(env.Variables) {
		v := env.Variables[k]
		if slices.Contains(env.SearchPathVariables, k) {
			if ambientValue, ok := lookupEnviron(ambient, k); ok && ambientValue != "" {
				v += string(filepath.ListSeparator) + ambientValue
			}
		}
		environ = append(environ, k+"="+v)
	}
	return environ
}

// Command returns a command that runs the named program
// with the given arguments inside the environment.
// The child's environment is the current process's
// merged as in [Environment.Environ].
// A name without a path separator is resolved
// against the merged PATH,
// so programs provided by the environment's entries are found
// even when the current process's PATH does not list them.
// The caller may further configure the returned command
// (working directory, standard streams) before starting it;
// the child's exit status is reported by [exec.Cmd.Wait] unchanged.
func (env *Environment) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	c := exec.CommandContext(ctx, name, args...)
	c.Env = env.Environ(os.Environ())
	if !strings.Contains(name, "/") {
		if p, err := lookPath(name, environValue(c.Env, binPathVar)); err == nil {
			c.Path = p
			c.Err = nil
		}
	}
	return c
}

// lookPath searches the directories of a PATH list value
// for an executable regular file with the given name.
func lookPath(name, pathList string) (string, error) {
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return p, nil
		}
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

// subdirOrSelf returns the named subdirectory of root
// if it exists and is a directory, or root itself otherwise.
func subdirOrSelf(root, name string) string {
	sub := filepath.Join(root, name)
	if info, err := os.Stat(sub); err == nil && info.IsDir() {
		return sub
	}
	return root
}

// joinSearchPath joins dirs with the system list separator,
// keeping only the first occurrence of a repeated directory.
func joinSearchPath(dirs []string) string {
	seen := make(sets.Set[string], len(dirs))
	uniq := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if seen.Has(dir) {
			continue
		}
		seen.Add(dir)
		uniq = append(uniq, dir)
	}
	return strings.Join(uniq, string(filepath.ListSeparator))
}

// lookupEnviron returns the value of the named variable
// in a list of entries in the form returned by [os.Environ].
// The last entry wins, matching process environment behavior.
func lookupEnviron(environ []string, name string) (string, bool) {
	for i := len(environ) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(environ[i], "="); ok && k == name {
			return v, true
		}
	}
	return "", false
}

// environValue returns the value of the named variable in environ,
// or the empty string if it is not present.
func environValue(environ []string, name string) string {
	v, _ := lookupEnviron(environ, name)
	return v
}
