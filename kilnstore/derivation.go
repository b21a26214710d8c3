// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/kiln-build/kiln/internal/aterm"
	"github.com/kiln-build/kiln/internal/xmaps"
	"zombiezen.com/go/nix"
)

// DefaultOutputName is the name of the primary output of a derivation.
// It is omitted in a number of contexts.
const DefaultOutputName = "out"

// IsValidOutputName reports whether the given string is valid as a derivation output name.
func IsValidOutputName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return false
		}
	}
	return true
}

// A Derivation is an immutable description of a single build step:
// its inputs, the phases that realize it, and the outputs it produces.
// Identical declarations hash to identical IDs,
// so a derivation's output paths are known before it is built.
type Derivation struct {
	// Dir is the store directory this derivation is a part of.
	Dir Directory

	// Name is the human-readable name of the derivation,
	// i.e. the part after the digest in the store object name.
	Name string
	// System is the architecture/operating-system pair
	// this derivation is intended to build on, like "x86_64-linux".
	System string
	// Outputs is the list of output names the derivation produces.
	// An empty list is equivalent to [DefaultOutputName] alone.
	Outputs []string
	// Inputs is the list of the derivation's named dependencies.
	// Input order does not affect the derivation's ID.
	Inputs []Input
	// Phases is the ordered list of build phases.
	Phases []PhaseSpec
	// Env is the extra environment passed to phase scripts.
	// Values may embed input placeholders (see [InputPlaceholder]).
	Env map[string]string
}

// An Input is a named dependency of a derivation.
// Exactly one of Fetch or Output must be set.
type Input struct {
	// Name is the identifier phase scripts, patch rules,
	// and environment values use to reference the input.
	Name string
	// Fetch describes content obtained from a URL.
	Fetch *FetchSpec
	// Output references another derivation's output.
	Output *OutputReference
}

// Validate checks that the input has a usable name
// and exactly one reference.
func (in *Input) Validate() error {
	if !IsValidInputName(in.Name) {
		return fmt.Errorf("validate input: invalid name %q", in.Name)
	}
	switch {
	case in.Fetch == nil && in.Output == nil:
		return fmt.Errorf("validate input %s: no reference", in.Name)
	case in.Fetch != nil && in.Output != nil:
		return fmt.Errorf("validate input %s: both fetch and derivation output set", in.Name)
	case in.Fetch != nil:
		if err := in.Fetch.Validate(); err != nil {
			return fmt.Errorf("validate input %s: %v", in.Name, err)
		}
	default:
		if in.Output.DrvID.IsZero() {
			return fmt.Errorf("validate input %s: zero derivation id", in.Name)
		}
		if !IsValidOutputName(in.Output.OutputName) {
			return fmt.Errorf("validate input %s: invalid output name %q", in.Name, in.Output.OutputName)
		}
	}
	return nil
}

// Clone returns a deep copy of the input.
func (in *Input) Clone() Input {
	in2 := *in
	if in.Fetch != nil {
		f := *in.Fetch
		f.Mirrors = slices.Clone(in.Fetch.Mirrors)
		in2.Fetch = &f
	}
	if in.Output != nil {
		ref := *in.Output
		in2.Output = &ref
	}
	return in2
}

// IsValidInputName reports whether the given string is valid as an input name.
// The name "out" is reserved for the output placeholder.
func IsValidInputName(name string) bool {
	if name == "" || name == DefaultOutputName {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return false
		}
	}
	return true
}

// An OutputReference is a reference to an output of a derivation.
type OutputReference struct {
	DrvID      ID
	OutputName string
}

// ParseOutputReference parses a string
// in the format returned by [OutputReference.String].
func ParseOutputReference(s string) (OutputReference, error) {
	idString, outputName, hasSep := strings.Cut(s, "!")
	if !hasSep {
		return OutputReference{}, fmt.Errorf("parse output reference %q: missing '!' separator", s)
	}
	id, err := ParseID(idString)
	if err != nil {
		return OutputReference{}, fmt.Errorf("parse output reference %q: %v", s, err)
	}
	if !IsValidOutputName(outputName) {
		return OutputReference{}, fmt.Errorf("parse output reference %q: invalid output name", s)
	}
	return OutputReference{DrvID: id, OutputName: outputName}, nil
}

// String formats the reference as "<id>!<output name>".
func (ref OutputReference) String() string {
	return ref.DrvID.String() + "!" + ref.OutputName
}

// IsZero reports whether the reference is the zero value.
func (ref OutputReference) IsZero() bool {
	return ref == OutputReference{}
}

// MarshalText formats the reference in the same way as [OutputReference.String].
func (ref OutputReference) MarshalText() ([]byte, error) {
	if ref.DrvID.IsZero() {
		return nil, fmt.Errorf("marshal output reference: zero derivation id")
	}
	return []byte(ref.String()), nil
}

// UnmarshalText parses a reference in the same way as [ParseOutputReference]
// and stores it into *ref.
func (ref *OutputReference) UnmarshalText(data []byte) error {
	var err error
	*ref, err = ParseOutputReference(string(data))
	return err
}

// Clone returns a deep copy of the derivation.
func (drv *Derivation) Clone() *Derivation {
	drv2 := &Derivation{
		Dir:     drv.Dir,
		Name:    drv.Name,
		System:  drv.System,
		Outputs: slices.Clone(drv.Outputs),
		Env:     maps.Clone(drv.Env),
	}
	if drv.Inputs != nil {
		drv2.Inputs = make([]Input, len(drv.Inputs))
		for i := range drv.Inputs {
			drv2.Inputs[i] = drv.Inputs[i].Clone()
		}
	}
	if drv.Phases != nil {
		drv2.Phases = make([]PhaseSpec, len(drv.Phases))
		for i := range drv.Phases {
			drv2.Phases[i] = drv.Phases[i].Clone()
		}
	}
	return drv2
}

// OutputNames returns the derivation's output names
// in the canonical (sorted) order,
// substituting [DefaultOutputName] if none are declared.
func (drv *Derivation) OutputNames() []string {
	if len(drv.Outputs) == 0 {
		return []string{DefaultOutputName}
	}
	names := slices.Clone(drv.Outputs)
	slices.Sort(names)
	return slices.Compact(names)
}

// HasOutput reports whether the derivation produces the named output.
func (drv *Derivation) HasOutput(name string) bool {
	return slices.Contains(drv.OutputNames(), name)
}

// Input returns the named input, or nil if the derivation has no such input.
func (drv *Derivation) Input(name string) *Input {
	for i := range drv.Inputs {
		if drv.Inputs[i].Name == name {
			return &drv.Inputs[i]
		}
	}
	return nil
}

// Validate checks the derivation for structural problems:
// missing or malformed fields, duplicate input or phase names,
// and phase payloads that disagree with their phase.
func (drv *Derivation) Validate() error {
	if drv.Name == "" {
		return fmt.Errorf("validate derivation: missing name")
	}
	for i := 0; i < len(drv.Name); i++ {
		if !isNameChar(drv.Name[i]) {
			return fmt.Errorf("validate %s derivation: name contains illegal character %q", drv.Name, drv.Name[i])
		}
	}
	if drv.Dir == "" {
		return fmt.Errorf("validate %s derivation: missing store directory", drv.Name)
	}
	if drv.System == "" {
		return fmt.Errorf("validate %s derivation: missing system", drv.Name)
	}
	outputNames := make(map[string]struct{}, len(drv.Outputs))
	for _, outName := range drv.Outputs {
		if !IsValidOutputName(outName) {
			return fmt.Errorf("validate %s derivation: invalid output name %q", drv.Name, outName)
		}
		if _, exists := outputNames[outName]; exists {
			return fmt.Errorf("validate %s derivation: multiple outputs named %q", drv.Name, outName)
		}
		outputNames[outName] = struct{}{}
	}
	inputNames := make(map[string]struct{}, len(drv.Inputs))
	for i := range drv.Inputs {
		in := &drv.Inputs[i]
		if err := in.Validate(); err != nil {
			return fmt.Errorf("validate %s derivation: %v", drv.Name, err)
		}
		if _, exists := inputNames[in.Name]; exists {
			return fmt.Errorf("validate %s derivation: multiple inputs named %q", drv.Name, in.Name)
		}
		inputNames[in.Name] = struct{}{}
	}
	phaseNames := make(map[PhaseName]struct{}, len(drv.Phases))
	for i := range drv.Phases {
		p := &drv.Phases[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("validate %s derivation: %v", drv.Name, err)
		}
		if _, exists := phaseNames[p.Name]; exists {
			return fmt.Errorf("validate %s derivation: multiple %v phases", drv.Name, p.Name)
		}
		phaseNames[p.Name] = struct{}{}
		for _, r := range p.Rules {
			for _, inputName := range r.Inputs {
				if _, exists := inputNames[inputName]; !exists {
					return fmt.Errorf("validate %s derivation: %v rule references unknown input %q", drv.Name, r.Kind, inputName)
				}
			}
		}
	}
	return nil
}

// ID computes the derivation's identity:
// the digest of its canonical encoding.
func (drv *Derivation) ID() (ID, error) {
	data, err := drv.MarshalText()
	if err != nil {
		return ID{}, err
	}
	return SumID(data), nil
}

// OutputPath computes the store path of the named output.
// The path depends only on the derivation's ID, name, and directory,
// so it is known before the derivation is built.
func (drv *Derivation) OutputPath(outName string) (Path, error) {
	if !drv.HasOutput(outName) {
		return "", fmt.Errorf("compute output path for %s: no output named %q", drv.Name, outName)
	}
	id, err := drv.ID()
	if err != nil {
		return "", fmt.Errorf("compute output path for %s: %v", drv.Name, err)
	}
	return outputPath(drv.Dir, id, drv.Name, outName)
}

// outputPath computes the input-addressed store path
// for the named output of the derivation with the given ID.
func outputPath(dir Directory, id ID, drvName, outName string) (Path, error) {
	name := drvName
	if outName != DefaultOutputName {
		name += "-" + outName
	}
	return makeStorePath(dir, "output:"+outName, id.Hash(), name, References{})
}

// OutputPathFor computes the store path for an output of a derivation
// known only by ID and name.
func OutputPathFor(dir Directory, id ID, drvName, outName string) (Path, error) {
	return outputPath(dir, id, drvName, outName)
}

// InputPlaceholder returns the placeholder string
// that phase scripts and environment values use
// to reference the named input's realized store path.
func InputPlaceholder(name string) string {
	return "${" + name + "}"
}

// OutputPlaceholder returns the placeholder string
// that phase scripts and environment values use
// to reference the named output's store path during a build.
func OutputPlaceholder(outName string) string {
	if outName == DefaultOutputName {
		return "${out}"
	}
	return "${out:" + outName + "}"
}

// ExpandPlaceholders returns a copy of drv
// with r.Replace applied to its environment values and phase scripts.
func (drv *Derivation) ExpandPlaceholders(r Replacer) *Derivation {
	drv2 := drv.Clone()
	for i := range drv2.Phases {
		drv2.Phases[i].Script = r.Replace(drv2.Phases[i].Script)
	}
	for k, v := range drv2.Env {
		drv2.Env[k] = r.Replace(v)
	}
	return drv2
}

// MarshalText converts the derivation to its canonical encoding.
// Inputs are encoded sorted by name and environment entries by key,
// so declaration order never changes the derivation's ID.
func (drv *Derivation) MarshalText() ([]byte, error) {
	if err := drv.Validate(); err != nil {
		return nil, fmt.Errorf("marshal derivation: %w", err)
	}

	var buf []byte
	buf = append(buf, "Derive("...)
	buf = aterm.AppendString(buf, drv.Name)
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, drv.System)

	buf = append(buf, ",["...)
	for i, outName := range drv.OutputNames() {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, outName)
	}

	buf = append(buf, "],["...)
	inputs := slices.Clone(drv.Inputs)
	slices.SortFunc(inputs, func(a, b Input) int {
		return strings.Compare(a.Name, b.Name)
	})
	for i := range inputs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = marshalInput(buf, &inputs[i])
	}

	buf = append(buf, "],["...)
	for i := range drv.Phases {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = marshalPhase(buf, &drv.Phases[i])
	}

	buf = append(buf, "],["...)
	for i, k := range xmaps.SortedKeys(drv.Env) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}

	buf = append(buf, "])"...)
	return buf, nil
}

func marshalInput(buf []byte, in *Input) []byte {
	buf = append(buf, '(')
	buf = aterm.AppendString(buf, in.Name)
	buf = append(buf, ',')
	switch {
	case in.Fetch != nil:
		buf = aterm.AppendString(buf, "fetch")
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, in.Fetch.URL)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, in.Fetch.Hash.SRI())
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, in.Fetch.Archive.String())
		buf = append(buf, ",["...)
		for i, m := range in.Fetch.Mirrors {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, m)
		}
		buf = append(buf, ']')
	default:
		buf = aterm.AppendString(buf, "drv")
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, in.Output.DrvID.String())
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, in.Output.OutputName)
	}
	buf = append(buf, ')')
	return buf
}

func marshalPhase(buf []byte, p *PhaseSpec) []byte {
	buf = append(buf, '(')
	buf = aterm.AppendString(buf, string(p.Name))
	buf = append(buf, ',')
	if p.Optional {
		buf = aterm.AppendString(buf, "optional")
	} else {
		buf = aterm.AppendString(buf, "")
	}
	switch p.Name {
	case PhaseUnpack:
		// No payload.
	case PhasePatch:
		buf = append(buf, ",["...)
		for i := range p.Rules {
			if i > 0 {
				buf = append(buf, ',')
			}
			r := &p.Rules[i]
			buf = append(buf, '(')
			buf = aterm.AppendString(buf, string(r.Kind))
			buf = append(buf, ",["...)
			for j, inputName := range r.Inputs {
				if j > 0 {
					buf = append(buf, ',')
				}
				buf = aterm.AppendString(buf, inputName)
			}
			buf = append(buf, "],"...)
			if r.Strict {
				buf = aterm.AppendString(buf, "strict")
			} else {
				buf = aterm.AppendString(buf, "")
			}
			buf = append(buf, ')')
		}
		buf = append(buf, ']')
	default:
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, p.Script)
	}
	buf = append(buf, ')')
	return buf
}

// ParseDerivation parses a derivation from its canonical encoding.
// The returned derivation's Dir is set to dir;
// the encoding itself does not record the store directory.
func ParseDerivation(dir Directory, data []byte) (*Derivation, error) {
	drv := &Derivation{Dir: dir}
	rest, ok := bytes.CutPrefix(data, []byte("Derive"))
	if !ok {
		return nil, fmt.Errorf("parse derivation: 'Derive' constructor not found")
	}
	r := bytes.NewReader(rest)
	if err := drv.parseTuple(aterm.NewScanner(r)); err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("parse %s derivation: trailing data", drv.Name)
	}
	if err := drv.Validate(); err != nil {
		return nil, fmt.Errorf("parse derivation: %w", err)
	}
	return drv, nil
}

func (drv *Derivation) parseTuple(s *aterm.Scanner) error {
	if _, err := expectToken(s, aterm.LParen); err != nil {
		return fmt.Errorf("parse derivation: %v", err)
	}

	var err error
	drv.Name, err = s.ReadString()
	if err != nil {
		return fmt.Errorf("parse derivation: name: %v", err)
	}
	drv.System, err = s.ReadString()
	if err != nil {
		return fmt.Errorf("parse %s derivation: system: %v", drv.Name, err)
	}

	// Parse outputs.
	drv.Outputs = drv.Outputs[:0]
	err = parseStringList(s, func(val string) error {
		drv.Outputs = append(drv.Outputs, val)
		return nil
	})
	if err != nil {
		return fmt.Errorf("parse %s derivation: outputs: %v", drv.Name, err)
	}

	// Parse inputs.
	if _, err := expectToken(s, aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: inputs: %v", drv.Name, err)
	}
	drv.Inputs = drv.Inputs[:0]
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: inputs: %v", drv.Name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		s.UnreadToken()

		in, err := parseInput(s)
		if err != nil {
			return fmt.Errorf("parse %s derivation: %v", drv.Name, err)
		}
		drv.Inputs = append(drv.Inputs, in)
	}

	// Parse phases.
	if _, err := expectToken(s, aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: phases: %v", drv.Name, err)
	}
	drv.Phases = drv.Phases[:0]
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: phases: %v", drv.Name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		s.UnreadToken()

		p, err := parsePhase(s)
		if err != nil {
			return fmt.Errorf("parse %s derivation: %v", drv.Name, err)
		}
		drv.Phases = append(drv.Phases, p)
	}

	// Parse environment.
	if err := drv.parseEnv(s); err != nil {
		return err
	}

	if _, err := expectToken(s, aterm.RParen); err != nil {
		return fmt.Errorf("parse %s derivation: %v", drv.Name, err)
	}
	return nil
}

func parseInput(s *aterm.Scanner) (Input, error) {
	if _, err := expectToken(s, aterm.LParen); err != nil {
		return Input{}, fmt.Errorf("parse input: %v", err)
	}
	name, err := s.ReadString()
	if err != nil {
		return Input{}, fmt.Errorf("parse input: name: %v", err)
	}
	kind, err := s.ReadString()
	if err != nil {
		return Input{}, fmt.Errorf("parse input %s: %v", name, err)
	}

	in := Input{Name: name}
	switch kind {
	case "fetch":
		f := new(FetchSpec)
		if f.URL, err = s.ReadString(); err != nil {
			return Input{}, fmt.Errorf("parse input %s: url: %v", name, err)
		}
		hashString, err := s.ReadString()
		if err != nil {
			return Input{}, fmt.Errorf("parse input %s: hash: %v", name, err)
		}
		if f.Hash, err = nix.ParseHash(hashString); err != nil {
			return Input{}, fmt.Errorf("parse input %s: hash: %v", name, err)
		}
		archiveString, err := s.ReadString()
		if err != nil {
			return Input{}, fmt.Errorf("parse input %s: archive: %v", name, err)
		}
		if f.Archive, err = ParseArchiveKind(archiveString); err != nil {
			return Input{}, fmt.Errorf("parse input %s: %v", name, err)
		}
		err = parseStringList(s, func(val string) error {
			f.Mirrors = append(f.Mirrors, val)
			return nil
		})
		if err != nil {
			return Input{}, fmt.Errorf("parse input %s: mirrors: %v", name, err)
		}
		in.Fetch = f
	case "drv":
		idString, err := s.ReadString()
		if err != nil {
			return Input{}, fmt.Errorf("parse input %s: derivation id: %v", name, err)
		}
		id, err := ParseID(idString)
		if err != nil {
			return Input{}, fmt.Errorf("parse input %s: %v", name, err)
		}
		outName, err := s.ReadString()
		if err != nil {
			return Input{}, fmt.Errorf("parse input %s: output name: %v", name, err)
		}
		in.Output = &OutputReference{DrvID: id, OutputName: outName}
	default:
		return Input{}, fmt.Errorf("parse input %s: unknown kind %q", name, kind)
	}

	if _, err := expectToken(s, aterm.RParen); err != nil {
		return Input{}, fmt.Errorf("parse input %s: %v", name, err)
	}
	return in, nil
}

func parsePhase(s *aterm.Scanner) (PhaseSpec, error) {
	if _, err := expectToken(s, aterm.LParen); err != nil {
		return PhaseSpec{}, fmt.Errorf("parse phase: %v", err)
	}
	nameString, err := s.ReadString()
	if err != nil {
		return PhaseSpec{}, fmt.Errorf("parse phase: name: %v", err)
	}
	name, err := ParsePhaseName(nameString)
	if err != nil {
		return PhaseSpec{}, fmt.Errorf("parse phase: %v", err)
	}
	flags, err := s.ReadString()
	if err != nil {
		return PhaseSpec{}, fmt.Errorf("parse %v phase: %v", name, err)
	}
	p := PhaseSpec{Name: name}
	switch flags {
	case "":
	case "optional":
		p.Optional = true
	default:
		return PhaseSpec{}, fmt.Errorf("parse %v phase: unknown flags %q", name, flags)
	}

	tok, err := s.ReadToken()
	if err != nil {
		return PhaseSpec{}, fmt.Errorf("parse %v phase: %v", name, err)
	}
	switch tok.Kind {
	case aterm.RParen:
		return p, nil
	case aterm.String:
		p.Script = tok.Value
	case aterm.LBracket:
		s.UnreadToken()
		err := parseTupleList(s, func(rs *aterm.Scanner) error {
			r, err := parseRule(rs)
			if err != nil {
				return err
			}
			p.Rules = append(p.Rules, r)
			return nil
		})
		if err != nil {
			return PhaseSpec{}, fmt.Errorf("parse %v phase: %v", name, err)
		}
	default:
		return PhaseSpec{}, fmt.Errorf("parse %v phase: unexpected %v", name, tok)
	}

	if _, err := expectToken(s, aterm.RParen); err != nil {
		return PhaseSpec{}, fmt.Errorf("parse %v phase: %v", name, err)
	}
	return p, nil
}

func parseRule(s *aterm.Scanner) (PatchRule, error) {
	kindString, err := s.ReadString()
	if err != nil {
		return PatchRule{}, fmt.Errorf("parse rule: %v", err)
	}
	kind, err := ParseRuleKind(kindString)
	if err != nil {
		return PatchRule{}, fmt.Errorf("parse rule: %v", err)
	}
	r := PatchRule{Kind: kind}
	err = parseStringList(s, func(val string) error {
		r.Inputs = append(r.Inputs, val)
		return nil
	})
	if err != nil {
		return PatchRule{}, fmt.Errorf("parse %v rule: inputs: %v", kind, err)
	}
	flags, err := s.ReadString()
	if err != nil {
		return PatchRule{}, fmt.Errorf("parse %v rule: %v", kind, err)
	}
	switch flags {
	case "":
	case "strict":
		r.Strict = true
	default:
		return PatchRule{}, fmt.Errorf("parse %v rule: unknown flags %q", kind, flags)
	}
	return r, nil
}

func (drv *Derivation) parseEnv(s *aterm.Scanner) error {
	if _, err := expectToken(s, aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: env: %v", drv.Name, err)
	}
	drv.Env = nil
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %v", drv.Name, err)
		}
		switch tok.Kind {
		case aterm.RBracket:
			return nil
		case aterm.LParen:
			// Carry on.
		default:
			return fmt.Errorf("parse %s derivation: env: expected ']' or '(', found %v", drv.Name, tok)
		}

		k, err := s.ReadString()
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %v", drv.Name, err)
		}
		if _, exists := drv.Env[k]; exists {
			return fmt.Errorf("parse %s derivation: env: multiple entries for %s", drv.Name, k)
		}
		v, err := s.ReadString()
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %s: %v", drv.Name, k, err)
		}
		if _, err := expectToken(s, aterm.RParen); err != nil {
			return fmt.Errorf("parse %s derivation: env: %s: %v", drv.Name, k, err)
		}

		if drv.Env == nil {
			drv.Env = make(map[string]string)
		}
		drv.Env[k] = v
	}
}

// parseStringList reads a '['-delimited list of strings,
// calling f for each element.
func parseStringList(s *aterm.Scanner, f func(string) error) error {
	if _, err := expectToken(s, aterm.LBracket); err != nil {
		return err
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		if tok.Kind == aterm.RBracket {
			return nil
		}
		if tok.Kind != aterm.String {
			return fmt.Errorf("expected ']' or string, found %v", tok)
		}
		if err := f(tok.Value); err != nil {
			return err
		}
	}
}

// parseTupleList reads a '['-delimited list of '('-delimited tuples,
// calling f inside each tuple.
func parseTupleList(s *aterm.Scanner, f func(*aterm.Scanner) error) error {
	if _, err := expectToken(s, aterm.LBracket); err != nil {
		return err
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		if tok.Kind == aterm.RBracket {
			return nil
		}
		if tok.Kind != aterm.LParen {
			return fmt.Errorf("expected ']' or '(', found %v", tok)
		}
		if err := f(s); err != nil {
			return err
		}
		if _, err := expectToken(s, aterm.RParen); err != nil {
			return err
		}
	}
}

func expectToken(s *aterm.Scanner, kind aterm.TokenKind) (aterm.Token, error) {
	tok, err := s.ReadToken()
	if err != nil {
		return aterm.Token{}, err
	}
	if tok.Kind != kind {
		var want string
		if kind == aterm.String {
			want = "string"
		} else {
			want = `'` + string(kind) + `'`
		}
		return tok, fmt.Errorf("expected %s, found %v", want, tok)
	}
	return tok, nil
}
