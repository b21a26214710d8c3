// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package manifest

import (
	"fmt"
	"maps"
	"slices"

	"github.com/kiln-build/kiln/internal/system"
	"github.com/kiln-build/kiln/internal/xmaps"
	"github.com/kiln-build/kiln/kilnstore"
)

// A Resolved manifest holds the derivation graph
// and the identities of the manifest's declarations.
type Resolved struct {
	// Graph holds every derivation the manifest declares.
	Graph *kilnstore.Graph
	// IDs maps manifest derivation names to derivation IDs.
	IDs map[string]kilnstore.ID
	// Environments maps environment names to resolved specifications.
	Environments map[string]*kilnstore.EnvironmentSpec
	// DefaultEnvironment names the environment commands use
	// when none is selected, or is empty.
	DefaultEnvironment string
}

// Environment returns the named environment,
// or the manifest's default environment if name is empty.
func (res *Resolved) Environment(name string) (*kilnstore.EnvironmentSpec, error) {
	if name == "" {
		name = res.DefaultEnvironment
		if name == "" {
			return nil, fmt.Errorf("no environment selected and manifest declares no default")
		}
	}
	spec := res.Environments[name]
	if spec == nil {
		return nil, fmt.Errorf("environment %q is not declared", name)
	}
	return spec, nil
}

// Want returns the derivation IDs an environment needs realized:
// the IDs of every derivation-output path entry, in entry order.
// Fetch entries are not included;
// they are realized directly by their content address.
func (res *Resolved) Want(spec *kilnstore.EnvironmentSpec) []kilnstore.ID {
	var want []kilnstore.ID
	for i := range spec.Paths {
		ent := &spec.Paths[i]
		if ent.Output != nil && !slices.Contains(want, ent.Output.DrvID) {
			want = append(want, ent.Output.DrvID)
		}
	}
	return want
}

// Resolve builds the derivation graph for the manifest's declarations
// against the given store directory.
// Derivations that do not declare a system resolve to host's system.
// A derivation reference cycle is reported as a
// [*kilnstore.CycleDetected] error.
func (m *Manifest) Resolve(dir kilnstore.Directory) (*Resolved, error) {
	host := system.Current().String()
	res := &Resolved{
		Graph:              kilnstore.NewGraph(),
		IDs:                make(map[string]kilnstore.ID, len(m.Derivations)),
		Environments:       make(map[string]*kilnstore.EnvironmentSpec, len(m.Environments)),
		DefaultEnvironment: m.DefaultEnvironment,
	}

	// Depth-first over name references.
	// Dependencies insert before their dependents,
	// which is the order Graph.Add requires.
	const (
		visiting = 1
		visited  = 2
	)
	state := make(map[string]int, len(m.Derivations))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return &kilnstore.CycleDetected{DrvName: name}
		}
		state[name] = visiting
		decl := m.Derivations[name]
		if decl == nil {
			return fmt.Errorf("derivation %s: null declaration", name)
		}
		for _, inputName := range xmaps.SortedKeys(decl.Inputs) {
			in := decl.Inputs[inputName]
			if in == nil || in.Derivation == "" {
				continue
			}
			if _, ok := m.Derivations[in.Derivation]; !ok {
				return fmt.Errorf("derivation %s: input %s references unknown derivation %q", name, inputName, in.Derivation)
			}
			if err := visit(in.Derivation); err != nil {
				return err
			}
		}
		drv, err := decl.compile(dir, name, host, res.IDs)
		if err != nil {
			return err
		}
		id, err := res.Graph.Add(drv)
		if err != nil {
			return fmt.Errorf("derivation %s: %w", name, err)
		}
		res.IDs[name] = id
		state[name] = visited
		return nil
	}
	for _, name := range xmaps.SortedKeys(m.Derivations) {
		if err := visit(name); err != nil {
			return nil, fmt.Errorf("resolve manifest: %w", err)
		}
	}

	for _, name := range xmaps.SortedKeys(m.Environments) {
		spec, err := m.Environments[name].compile(name, m, res.IDs)
		if err != nil {
			return nil, fmt.Errorf("resolve manifest: %w", err)
		}
		res.Environments[name] = spec
	}
	if res.DefaultEnvironment != "" && res.Environments[res.DefaultEnvironment] == nil {
		return nil, fmt.Errorf("resolve manifest: default environment %q is not declared", res.DefaultEnvironment)
	}
	return res, nil
}

// compile converts the derivation declaration to its store form,
// resolving sibling references through ids.
func (decl *Derivation) compile(dir kilnstore.Directory, name, host string, ids map[string]kilnstore.ID) (*kilnstore.Derivation, error) {
	drv := &kilnstore.Derivation{
		Dir:     dir,
		Name:    name,
		System:  decl.System,
		Outputs: slices.Clone(decl.Outputs),
		Env:     maps.Clone(decl.Env),
	}
	if drv.System == "" {
		drv.System = host
	}
	for _, inputName := range xmaps.SortedKeys(decl.Inputs) {
		in := decl.Inputs[inputName]
		compiled, err := in.compile(inputName, ids)
		if err != nil {
			return nil, fmt.Errorf("derivation %s: %v", name, err)
		}
		drv.Inputs = append(drv.Inputs, compiled)
	}
	for i := range decl.Phases {
		ph := &decl.Phases[i]
		spec := kilnstore.PhaseSpec{
			Name:     ph.Name,
			Optional: ph.Optional,
			Script:   ph.Script,
		}
		for _, r := range ph.Rules {
			spec.Rules = append(spec.Rules, kilnstore.PatchRule{
				Kind:   r.Kind,
				Inputs: slices.Clone(r.Inputs),
				Strict: r.Strict,
			})
		}
		drv.Phases = append(drv.Phases, spec)
	}
	return drv, nil
}

// compile converts the input declaration to its store form.
func (in *Input) compile(name string, ids map[string]kilnstore.ID) (kilnstore.Input, error) {
	compiled := kilnstore.Input{Name: name}
	switch {
	case in == nil:
		return kilnstore.Input{}, fmt.Errorf("input %s: null declaration", name)
	case in.Fetch != nil && in.Derivation != "":
		return kilnstore.Input{}, fmt.Errorf("input %s: both fetch and derivation set", name)
	case in.Fetch != nil:
		spec, err := in.Fetch.compile()
		if err != nil {
			return kilnstore.Input{}, fmt.Errorf("input %s: %v", name, err)
		}
		compiled.Fetch = spec
	case in.Derivation != "":
		id, ok := ids[in.Derivation]
		if !ok {
			return kilnstore.Input{}, fmt.Errorf("input %s: references unknown derivation %q", name, in.Derivation)
		}
		compiled.Output = &kilnstore.OutputReference{
			DrvID:      id,
			OutputName: outputOrDefault(in.Output),
		}
	default:
		return kilnstore.Input{}, fmt.Errorf("input %s: no reference", name)
	}
	return compiled, nil
}

// compile converts the environment declaration to its store form,
// resolving derivation references through ids.
func (decl *Environment) compile(name string, m *Manifest, ids map[string]kilnstore.ID) (*kilnstore.EnvironmentSpec, error) {
	if decl == nil {
		return nil, fmt.Errorf("environment %s: null declaration", name)
	}
	spec := &kilnstore.EnvironmentSpec{
		Name:      name,
		Variables: maps.Clone(decl.Variables),
	}
	for i := range decl.Paths {
		ent := &decl.Paths[i]
		compiled := kilnstore.EnvironmentEntry{
			Name: ent.Name,
			Role: ent.Role,
		}
		switch {
		case ent.Fetch != nil && ent.Derivation != "":
			return nil, fmt.Errorf("environment %s: entry %s: both fetch and derivation set", name, ent.Name)
		case ent.Fetch != nil:
			f, err := ent.Fetch.compile()
			if err != nil {
				return nil, fmt.Errorf("environment %s: entry %s: %v", name, ent.Name, err)
			}
			compiled.Fetch = f
		case ent.Derivation != "":
			id, ok := ids[ent.Derivation]
			if !ok {
				return nil, fmt.Errorf("environment %s: entry %s: references unknown derivation %q", name, ent.Name, ent.Derivation)
			}
			outName := outputOrDefault(ent.Output)
			if decl := m.Derivations[ent.Derivation]; !declaresOutput(decl, outName) {
				return nil, fmt.Errorf("environment %s: entry %s: derivation %q has no output %q", name, ent.Name, ent.Derivation, outName)
			}
			compiled.Output = &kilnstore.OutputReference{
				DrvID:      id,
				OutputName: outName,
			}
		default:
			return nil, fmt.Errorf("environment %s: entry %s: no reference", name, ent.Name)
		}
		spec.Paths = append(spec.Paths, compiled)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func outputOrDefault(name string) string {
	if name == "" {
		return kilnstore.DefaultOutputName
	}
	return name
}

// declaresOutput reports whether the derivation declaration
// has an output with the given name.
func declaresOutput(decl *Derivation, outName string) bool {
	if decl == nil {
		return false
	}
	if len(decl.Outputs) == 0 {
		return outName == kilnstore.DefaultOutputName
	}
	return slices.Contains(decl.Outputs, outName)
}
