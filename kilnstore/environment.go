// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

//go:generate go tool stringer -type=Role -linecomment -output=role_string.go

package kilnstore

import (
	"fmt"
	"maps"
	"slices"
)

// A Role describes how an environment path entry
// is folded into the composed environment.
type Role int8

// Defined roles.
const (
	// RoleBinary adds the entry's bin directory
	// (or the store path itself if it has no bin directory)
	// to the executable search path.
	RoleBinary Role = 1 + iota // binary
	// RoleLibrary adds the entry's lib directory
	// (or the store path itself if it has no lib directory)
	// to the library search path.
	RoleLibrary // library
	// RoleOpaque exposes the entry's store path
	// as a variable named after the entry.
	RoleOpaque // opaque
)

// ParseRole parses a role name
// as formatted by [Role.String].
func ParseRole(s string) (Role, error) {
	for _, role := range []Role{RoleBinary, RoleLibrary, RoleOpaque} {
		if s == role.String() {
			return role, nil
		}
	}
	return 0, fmt.Errorf("parse role: unknown role %q", s)
}

// IsValid reports whether role is one of the defined roles.
func (role Role) IsValid() bool {
	return role == RoleBinary || role == RoleLibrary || role == RoleOpaque
}

// MarshalText formats the role in the same way as [Role.String].
func (role Role) MarshalText() ([]byte, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("marshal role: unknown role %d", int8(role))
	}
	return []byte(role.String()), nil
}

// UnmarshalText parses a role in the same way as [ParseRole]
// and stores it into *role.
func (role *Role) UnmarshalText(data []byte) error {
	var err error
	*role, err = ParseRole(string(data))
	return err
}

// An EnvironmentEntry names a store object an environment is built from.
// Exactly one of Fetch or Output must be set.
type EnvironmentEntry struct {
	// Name identifies the entry within its environment.
	// Variables reference the entry's realized store path as "${name}".
	Name string
	// Fetch describes content obtained from a URL.
	Fetch *FetchSpec
	// Output references a derivation's output.
	Output *OutputReference
	// Role determines how the entry's store path
	// is folded into the composed environment.
	Role Role
}

// Validate checks that the entry has a usable name,
// a known role, and exactly one reference.
func (ent *EnvironmentEntry) Validate() error {
	if !IsValidInputName(ent.Name) {
		return fmt.Errorf("validate environment entry: invalid name %q", ent.Name)
	}
	if !ent.Role.IsValid() {
		return fmt.Errorf("validate environment entry %s: unknown role %d", ent.Name, int8(ent.Role))
	}
	switch {
	case ent.Fetch == nil && ent.Output == nil:
		return fmt.Errorf("validate environment entry %s: no reference", ent.Name)
	case ent.Fetch != nil && ent.Output != nil:
		return fmt.Errorf("validate environment entry %s: both fetch and derivation output set", ent.Name)
	case ent.Fetch != nil:
		if err := ent.Fetch.Validate(); err != nil {
			return fmt.Errorf("validate environment entry %s: %v", ent.Name, err)
		}
	default:
		if ent.Output.DrvID.IsZero() {
			return fmt.Errorf("validate environment entry %s: zero derivation id", ent.Name)
		}
		if !IsValidOutputName(ent.Output.OutputName) {
			return fmt.Errorf("validate environment entry %s: invalid output name %q", ent.Name, ent.Output.OutputName)
		}
	}
	return nil
}

// Clone returns a deep copy of the entry.
func (ent *EnvironmentEntry) Clone() EnvironmentEntry {
	ent2 := *ent
	if ent.Fetch != nil {
		f := *ent.Fetch
		f.Mirrors = slices.Clone(ent.Fetch.Mirrors)
		ent2.Fetch = &f
	}
	if ent.Output != nil {
		ref := *ent.Output
		ent2.Output = &ref
	}
	return ent2
}

// An EnvironmentSpec declares a composed environment:
// a set of store objects with roles
// and the variables derived from them.
type EnvironmentSpec struct {
	// Name is the environment's name in its manifest.
	Name string
	// Paths is the ordered list of store objects the environment uses.
	// For search-path roles, earlier entries take precedence.
	Paths []EnvironmentEntry
	// Variables maps variable names to templated values.
	// Values may reference entries as "${name}".
	Variables map[string]string
}

// Validate checks the environment's entries
// and that no two entries share a name.
func (spec *EnvironmentSpec) Validate() error {
	if spec.Name == "" {
		return fmt.Errorf("validate environment: missing name")
	}
	names := make(map[string]struct{}, len(spec.Paths))
	for i := range spec.Paths {
		ent := &spec.Paths[i]
		if err := ent.Validate(); err != nil {
			return fmt.Errorf("validate %s environment: %v", spec.Name, err)
		}
		if _, exists := names[ent.Name]; exists {
			return fmt.Errorf("validate %s environment: multiple entries named %q", spec.Name, ent.Name)
		}
		names[ent.Name] = struct{}{}
	}
	return nil
}

// Entry returns the named entry, or nil if the environment has no such entry.
func (spec *EnvironmentSpec) Entry(name string) *EnvironmentEntry {
	for i := range spec.Paths {
		if spec.Paths[i].Name == name {
			return &spec.Paths[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the environment.
func (spec *EnvironmentSpec) Clone() *EnvironmentSpec {
	spec2 := &EnvironmentSpec{
		Name:      spec.Name,
		Variables: maps.Clone(spec.Variables),
	}
	if spec.Paths != nil {
		spec2.Paths = make([]EnvironmentEntry, len(spec.Paths))
		for i := range spec.Paths {
			spec2.Paths[i] = spec.Paths[i].Clone()
		}
	}
	return spec2
}
