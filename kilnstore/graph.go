// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"fmt"
	"iter"
)

// A Graph is a set of derivations closed under input references:
// every derivation output an input names
// resolves to a derivation already in the graph.
// The zero value is an empty graph ready for use.
//
// Graphs are not safe for concurrent mutation.
type Graph struct {
	dir   Directory
	nodes map[ID]*Derivation
	order []ID
}

// NewGraph returns a new empty graph.
func NewGraph() *Graph {
	return new(Graph)
}

// Add validates drv, checks that each of its derivation-output inputs
// references a derivation already in the graph,
// and inserts a copy of drv, returning its ID.
// Adding a derivation that is already present is a no-op.
func (g *Graph) Add(drv *Derivation) (ID, error) {
	if err := drv.Validate(); err != nil {
		return ID{}, fmt.Errorf("add to graph: %w", err)
	}
	if g.dir == "" {
		g.dir = drv.Dir
	} else if drv.Dir != g.dir {
		return ID{}, fmt.Errorf("add %s to graph: store directory %s does not match graph directory %s", drv.Name, drv.Dir, g.dir)
	}

	id, err := drv.ID()
	if err != nil {
		return ID{}, fmt.Errorf("add %s to graph: %v", drv.Name, err)
	}
	for i := range drv.Inputs {
		in := &drv.Inputs[i]
		if in.Output == nil {
			continue
		}
		if in.Output.DrvID == id {
			// Unreachable in practice: a derivation's ID covers its inputs,
			// so no input can name it. Guarded regardless.
			return ID{}, &CycleDetected{DrvName: drv.Name}
		}
		dep, ok := g.nodes[in.Output.DrvID]
		if !ok {
			return ID{}, &UnknownInputError{
				DrvName:   drv.Name,
				InputName: in.Name,
				Ref:       *in.Output,
			}
		}
		if !dep.HasOutput(in.Output.OutputName) {
			return ID{}, &UnknownInputError{
				DrvName:   drv.Name,
				InputName: in.Name,
				Ref:       *in.Output,
			}
		}
	}

	if _, exists := g.nodes[id]; !exists {
		if g.nodes == nil {
			g.nodes = make(map[ID]*Derivation)
		}
		g.nodes[id] = drv.Clone()
		g.order = append(g.order, id)
	}
	return id, nil
}

// Derivation returns the derivation with the given ID,
// or nil if the graph does not contain it.
// The caller must not modify the returned derivation.
func (g *Graph) Derivation(id ID) *Derivation {
	return g.nodes[id]
}

// Len returns the number of derivations in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

// Dir returns the store directory the graph's derivations share,
// or the empty string if the graph is empty.
func (g *Graph) Dir() Directory {
	return g.dir
}

// TopologicalOrder returns the graph's derivations
// with every derivation preceded by the derivations it references.
// Insertion order is the tiebreak, so the result is stable across runs.
func (g *Graph) TopologicalOrder() []*Derivation {
	// Add only admits derivations whose references are already present,
	// so insertion order is a topological order.
	drvs := make([]*Derivation, len(g.order))
	for i, id := range g.order {
		drvs[i] = g.nodes[id]
	}
	return drvs
}

// All returns an iterator over the graph's derivations
// in insertion order.
func (g *Graph) All() iter.Seq2[ID, *Derivation] {
	return func(yield func(ID, *Derivation) bool) {
		for _, id := range g.order {
			if !yield(id, g.nodes[id]) {
				return
			}
		}
	}
}

// OutputPath resolves a derivation output reference
// to its store path.
func (g *Graph) OutputPath(ref OutputReference) (Path, error) {
	drv := g.nodes[ref.DrvID]
	if drv == nil {
		return "", fmt.Errorf("resolve %v: derivation not in graph", ref)
	}
	return drv.OutputPath(ref.OutputName)
}

// An UnknownInputError is returned by [Graph.Add]
// when a derivation input references an output
// that no derivation in the graph provides.
type UnknownInputError struct {
	// DrvName is the name of the derivation being added.
	DrvName string
	// InputName is the name of the input with the dangling reference.
	InputName string
	// Ref is the reference that did not resolve.
	Ref OutputReference
}

func (e *UnknownInputError) Error() string {
	return fmt.Sprintf("add %s to graph: input %s references unknown output %v", e.DrvName, e.InputName, e.Ref)
}

// A CycleDetected error reports a derivation
// whose inputs form a reference cycle.
type CycleDetected struct {
	// DrvName is the name of the derivation on the cycle.
	DrvName string
}

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("derivation %s: reference cycle", e.DrvName)
}
