// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package manifest reads kiln project manifests:
// JWCC documents declaring derivations and the environments
// composed from their outputs.
package manifest

import (
	"errors"
	"fmt"
	"os"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/tailscale/hujson"
	"zombiezen.com/go/nix"
)

// DefaultFileName is the manifest file name used
// when a command is not given an explicit path.
const DefaultFileName = "kiln.jsonc"

// A Manifest declares a project's derivations and environments.
// Derivations and environment entries reference each other
// by manifest name;
// [Manifest.Resolve] turns the names into derivation IDs.
type Manifest struct {
	// Derivations maps derivation names to declarations.
	Derivations map[string]*Derivation `json:"derivations"`
	// Environments maps environment names to declarations.
	Environments map[string]*Environment `json:"environments"`
	// DefaultEnvironment names the environment commands use
	// when none is selected.
	DefaultEnvironment string `json:"defaultEnvironment"`
}

// A Derivation declares one build step.
type Derivation struct {
	// System is the system the derivation builds on, like "x86_64-linux".
	// An empty system resolves to the current host's.
	System string `json:"system"`
	// Outputs lists the derivation's output names.
	// An empty list declares the single output "out".
	Outputs []string `json:"outputs"`
	// Inputs maps input names to references.
	Inputs map[string]*Input `json:"inputs"`
	// Env is the extra environment passed to phase scripts.
	// Values may reference inputs as "${name}".
	Env map[string]string `json:"env"`
	// Phases is the ordered list of build phases.
	Phases []Phase `json:"phases"`
}

// An Input references either fetched content
// or a sibling derivation's output.
// Exactly one of Fetch or Derivation must be set.
type Input struct {
	// Fetch describes content obtained from a URL.
	Fetch *Fetch `json:"fetch"`
	// Derivation names a sibling derivation in the manifest.
	Derivation string `json:"derivation"`
	// Output selects an output of the named derivation.
	// It defaults to "out".
	Output string `json:"output"`
}

// A Fetch declares content obtained from a URL.
type Fetch struct {
	// URL is the primary location of the content.
	URL string `json:"url"`
	// Hash is the expected content hash in SRI form, like "sha256-…".
	Hash nix.Hash `json:"hash"`
	// Archive declares how the fetched bytes unpack:
	// "none" (or omitted), "tarball", or "zip".
	Archive string `json:"archive"`
	// Mirrors holds URI templates tried in order
	// when fetching from URL fails.
	Mirrors []string `json:"mirrors"`
}

// A Phase declares one build phase.
type Phase struct {
	// Name is one of unpack, patch, configure, build, or install.
	Name kilnstore.PhaseName `json:"name"`
	// Optional marks a phase whose failure is logged and skipped.
	Optional bool `json:"optional"`
	// Script is the shell text run by configure, build, and install.
	Script string `json:"script"`
	// Rules lists the patch rules applied by a patch phase.
	Rules []PatchRule `json:"rules"`
}

// A PatchRule declares one patch-phase rule.
type PatchRule struct {
	// Kind is "interpreters" or "binary-load-paths".
	Kind kilnstore.RuleKind `json:"kind"`
	// Inputs names the derivation inputs supplying
	// replacement interpreters or libraries.
	Inputs []string `json:"inputs"`
	// Strict reports a rule that finds nothing to patch as an error.
	Strict bool `json:"strict"`
}

// An Environment declares a composed environment.
type Environment struct {
	// Paths is the ordered list of store objects the environment uses.
	// For search-path roles, earlier entries take precedence.
	Paths []PathEntry `json:"paths"`
	// Variables maps variable names to templated values.
	// Values may reference entries as "${name}".
	Variables map[string]string `json:"variables"`
}

// A PathEntry is one environment path declaration.
// Exactly one of Fetch or Derivation must be set.
type PathEntry struct {
	// Name identifies the entry within its environment.
	Name string `json:"name"`
	// Fetch describes content obtained from a URL.
	Fetch *Fetch `json:"fetch"`
	// Derivation names a derivation in the manifest.
	Derivation string `json:"derivation"`
	// Output selects an output of the named derivation.
	// It defaults to "out".
	Output string `json:"output"`
	// Role is "binary", "library", or "opaque".
	Role kilnstore.Role `json:"role"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %v", path, err)
	}
	return m, nil
}

// Parse parses a JWCC manifest document.
// Unknown object members are rejected,
// so misspelled fields fail instead of silently dropping declarations.
func Parse(data []byte) (*Manifest, error) {
	jsonData, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %v", err)
	}
	m := new(Manifest)
	if err := jsonv2.Unmarshal(jsonData, m, jsonv2.RejectUnknownMembers(true)); err != nil {
		return nil, fmt.Errorf("parse manifest: %v", err)
	}
	return m, nil
}

// compile converts the fetch declaration to its store form.
func (f *Fetch) compile() (*kilnstore.FetchSpec, error) {
	if f == nil {
		return nil, errors.New("null fetch")
	}
	kind, err := kilnstore.ParseArchiveKind(f.Archive)
	if err != nil {
		return nil, err
	}
	spec := &kilnstore.FetchSpec{
		URL:     f.URL,
		Hash:    f.Hash,
		Archive: kind,
		Mirrors: f.Mirrors,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
