// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"fmt"
	"slices"
)

// PhaseName designates one of the fixed build phases
// a derivation may declare.
type PhaseName string

// Build phases.
const (
	// PhaseUnpack stages the derivation's inputs
	// into the build working directory.
	PhaseUnpack PhaseName = "unpack"
	// PhasePatch applies declarative patch rules to the staged tree.
	PhasePatch PhaseName = "patch"
	// PhaseConfigure runs a script before building.
	PhaseConfigure PhaseName = "configure"
	// PhaseBuild runs the main build script.
	PhaseBuild PhaseName = "build"
	// PhaseInstall copies build products into the output.
	PhaseInstall PhaseName = "install"
)

// ParsePhaseName parses the string representation of a [PhaseName].
func ParsePhaseName(s string) (PhaseName, error) {
	switch n := PhaseName(s); n {
	case PhaseUnpack, PhasePatch, PhaseConfigure, PhaseBuild, PhaseInstall:
		return n, nil
	default:
		return "", fmt.Errorf("parse phase name %q: unknown phase", s)
	}
}

func (n PhaseName) String() string {
	return string(n)
}

// A PhaseSpec describes a single step in a derivation's build.
// The payload depends on the phase:
// unpack takes none, patch takes Rules,
// and the script phases take Script.
type PhaseSpec struct {
	Name PhaseName
	// Optional marks a phase whose failure is logged and skipped
	// instead of failing the derivation.
	Optional bool
	// Script is the shell text run by configure, build, and install phases.
	// It may embed input placeholders.
	Script string
	// Rules holds the patch rules applied by a patch phase.
	Rules []PatchRule
}

// Validate checks that the phase's payload agrees with its name.
func (p *PhaseSpec) Validate() error {
	if _, err := ParsePhaseName(string(p.Name)); err != nil {
		return err
	}
	switch p.Name {
	case PhaseUnpack:
		if p.Script != "" || len(p.Rules) > 0 {
			return fmt.Errorf("validate %v phase: takes no script or rules", p.Name)
		}
	case PhasePatch:
		if p.Script != "" {
			return fmt.Errorf("validate %v phase: takes rules, not a script", p.Name)
		}
		if len(p.Rules) == 0 {
			return fmt.Errorf("validate %v phase: no rules", p.Name)
		}
		for i := range p.Rules {
			if err := p.Rules[i].Validate(); err != nil {
				return fmt.Errorf("validate %v phase: rule %d: %v", p.Name, i+1, err)
			}
		}
	default:
		if len(p.Rules) > 0 {
			return fmt.Errorf("validate %v phase: takes a script, not rules", p.Name)
		}
		if p.Script == "" {
			return fmt.Errorf("validate %v phase: empty script", p.Name)
		}
	}
	return nil
}

// Clone returns a deep copy of the phase.
func (p *PhaseSpec) Clone() PhaseSpec {
	p2 := *p
	if p.Rules != nil {
		p2.Rules = make([]PatchRule, len(p.Rules))
		for i := range p.Rules {
			p2.Rules[i] = p.Rules[i].Clone()
		}
	}
	return p2
}

// RuleKind is an enumeration of patch rule types.
// The set is closed:
// validation rejects kinds other than the declared constants.
type RuleKind string

// Patch rule kinds.
const (
	// RuleInterpreters rewrites script interpreter lines
	// to interpreters found under the rule's inputs.
	RuleInterpreters RuleKind = "interpreters"
	// RuleBinaryLoadPaths rewrites the run path of dynamic binaries
	// to search library directories under the rule's inputs.
	RuleBinaryLoadPaths RuleKind = "binary-load-paths"
)

// ParseRuleKind parses the string representation of a [RuleKind].
func ParseRuleKind(s string) (RuleKind, error) {
	switch k := RuleKind(s); k {
	case RuleInterpreters, RuleBinaryLoadPaths:
		return k, nil
	default:
		return "", fmt.Errorf("parse patch rule kind %q: unknown kind", s)
	}
}

func (k RuleKind) String() string {
	return string(k)
}

// A PatchRule is one declarative post-processing step
// applied to the staged tree by a patch phase.
type PatchRule struct {
	Kind RuleKind
	// Inputs names the derivation inputs whose realized trees
	// supply replacement interpreters or libraries.
	Inputs []string
	// Strict makes a rule that finds nothing to patch report an error
	// instead of being a no-op.
	Strict bool
}

// Validate checks that the rule names a known kind and at least one input.
func (r *PatchRule) Validate() error {
	if _, err := ParseRuleKind(string(r.Kind)); err != nil {
		return err
	}
	if len(r.Inputs) == 0 {
		return fmt.Errorf("validate %v rule: no inputs", r.Kind)
	}
	for _, name := range r.Inputs {
		if name == "" {
			return fmt.Errorf("validate %v rule: empty input name", r.Kind)
		}
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r *PatchRule) Clone() PatchRule {
	r2 := *r
	r2.Inputs = slices.Clone(r.Inputs)
	return r2
}
