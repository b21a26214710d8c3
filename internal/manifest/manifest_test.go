// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kiln-build/kiln/internal/system"
	"github.com/kiln-build/kiln/kilnstore"
	"zombiezen.com/go/log/testlog"
	"zombiezen.com/go/nix"
)

func TestParse(t *testing.T) {
	srcHash := hashOf("libgreet-1.0.tar.gz")
	notesHash := hashOf("notes.txt")
	doc := fmt.Sprintf(`{
	// The library everything else links against.
	"derivations": {
		"libgreet": {
			"system": "x86_64-linux",
			"outputs": ["out", "lib"],
			"inputs": {
				"src": {
					"fetch": {
						"url": "https://example.com/libgreet-1.0.tar.gz",
						"hash": %q,
						"archive": "tarball",
						"mirrors": ["https://mirror.example.com/{hash}"],
					},
				},
			},
			"env": {"CFLAGS": "-O2"},
			"phases": [
				{"name": "unpack"},
				{"name": "build", "script": "make"},
				{"name": "install", "script": "make install"},
			],
		},
		"app": {
			"inputs": {
				"greet": {"derivation": "libgreet", "output": "lib"},
			},
			"phases": [
				{"name": "unpack"},
				{
					"name": "patch",
					"optional": true,
					"rules": [
						{"kind": "interpreters", "inputs": ["greet"], "strict": true},
					],
				},
				{"name": "install", "script": "cp app \"${out}\""},
			],
		},
	},
	"environments": {
		"verify": {
			"paths": [
				{"name": "app", "derivation": "app", "role": "binary"},
				{"name": "greet", "derivation": "libgreet", "output": "lib", "role": "library"},
				{"name": "notes", "fetch": {"url": "https://example.com/notes.txt", "hash": %q}, "role": "opaque"},
			],
			"variables": {"GREET_HOME": "${greet}"},
		},
	},
	"defaultEnvironment": "verify",
}`, srcHash.SRI(), notesHash.SRI())

	got, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal("Parse:", err)
	}
	want := &Manifest{
		Derivations: map[string]*Derivation{
			"libgreet": {
				System:  "x86_64-linux",
				Outputs: []string{"out", "lib"},
				Inputs: map[string]*Input{
					"src": {
						Fetch: &Fetch{
							URL:     "https://example.com/libgreet-1.0.tar.gz",
							Hash:    srcHash,
							Archive: "tarball",
							Mirrors: []string{"https://mirror.example.com/{hash}"},
						},
					},
				},
				Env: map[string]string{"CFLAGS": "-O2"},
				Phases: []Phase{
					{Name: kilnstore.PhaseUnpack},
					{Name: kilnstore.PhaseBuild, Script: "make"},
					{Name: kilnstore.PhaseInstall, Script: "make install"},
				},
			},
			"app": {
				Inputs: map[string]*Input{
					"greet": {Derivation: "libgreet", Output: "lib"},
				},
				Phases: []Phase{
					{Name: kilnstore.PhaseUnpack},
					{
						Name:     kilnstore.PhasePatch,
						Optional: true,
						Rules: []PatchRule{
							{Kind: kilnstore.RuleInterpreters, Inputs: []string{"greet"}, Strict: true},
						},
					},
					{Name: kilnstore.PhaseInstall, Script: `cp app "${out}"`},
				},
			},
		},
		Environments: map[string]*Environment{
			"verify": {
				Paths: []PathEntry{
					{Name: "app", Derivation: "app", Role: kilnstore.RoleBinary},
					{Name: "greet", Derivation: "libgreet", Output: "lib", Role: kilnstore.RoleLibrary},
					{Name: "notes", Fetch: &Fetch{URL: "https://example.com/notes.txt", Hash: notesHash}, Role: kilnstore.RoleOpaque},
				},
				Variables: map[string]string{"GREET_HOME": "${greet}"},
			},
		},
		DefaultEnvironment: "verify",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "Malformed", doc: `{"derivations": `},
		{name: "UnknownMember", doc: `{"derivatons": {}}`},
		{name: "UnknownRole", doc: `{"environments": {"e": {"paths": [{"name": "x", "role": "executable"}]}}}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Parse([]byte(test.doc)); err == nil {
				t.Errorf("Parse(%q) did not return an error", test.doc)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	dir := kilnstore.Directory("/kiln/store")
	m := testManifest()

	got, err := m.Resolve(dir)
	if err != nil {
		t.Fatal("Resolve:", err)
	}

	if got.Graph.Len() != 2 {
		t.Errorf("graph has %d derivations; want 2", got.Graph.Len())
	}
	var orderNames []string
	for _, drv := range got.Graph.TopologicalOrder() {
		orderNames = append(orderNames, drv.Name)
	}
	if want := []string{"libgreet", "app"}; !cmp.Equal(want, orderNames) {
		t.Errorf("topological order = %q; want %q", orderNames, want)
	}

	libgreet := got.Graph.Derivation(got.IDs["libgreet"])
	if libgreet == nil {
		t.Fatal("libgreet is not in the graph")
	}
	if want := system.Current().String(); libgreet.System != want {
		t.Errorf("libgreet.System = %q; want host system %q", libgreet.System, want)
	}
	app := got.Graph.Derivation(got.IDs["app"])
	if app == nil {
		t.Fatal("app is not in the graph")
	}
	wantRef := &kilnstore.OutputReference{DrvID: got.IDs["libgreet"], OutputName: "lib"}
	if len(app.Inputs) != 1 || !cmp.Equal(wantRef, app.Inputs[0].Output) {
		t.Errorf("app inputs = %+v; want single reference to %v", app.Inputs, wantRef)
	}

	env := got.Environments["verify"]
	if env == nil {
		t.Fatal("verify environment was not resolved")
	}
	if want := (&kilnstore.OutputReference{DrvID: got.IDs["app"], OutputName: "out"}); !cmp.Equal(want, env.Paths[0].Output) {
		t.Errorf("environment entry reference = %v; want %v", env.Paths[0].Output, want)
	}
	if env.Paths[1].Fetch == nil || env.Paths[1].Fetch.Archive != kilnstore.ArchiveNone {
		t.Errorf("fetch entry = %+v; want archive kind normalized to none", env.Paths[1].Fetch)
	}
	if got.DefaultEnvironment != "verify" {
		t.Errorf("DefaultEnvironment = %q; want %q", got.DefaultEnvironment, "verify")
	}

	// Resolution is a pure function of the declarations.
	again, err := m.Resolve(dir)
	if err != nil {
		t.Fatal("Resolve (second):", err)
	}
	if diff := cmp.Diff(got.IDs, again.IDs); diff != "" {
		t.Errorf("second resolve changed IDs (-first +second):\n%s", diff)
	}
}

func TestResolveCycle(t *testing.T) {
	m := &Manifest{
		Derivations: map[string]*Derivation{
			"a": {
				Inputs: map[string]*Input{"dep": {Derivation: "b"}},
				Phases: []Phase{{Name: kilnstore.PhaseInstall, Script: "true"}},
			},
			"b": {
				Inputs: map[string]*Input{"dep": {Derivation: "a"}},
				Phases: []Phase{{Name: kilnstore.PhaseInstall, Script: "true"}},
			},
		},
	}
	_, err := m.Resolve("/kiln/store")
	var cycle *kilnstore.CycleDetected
	if !errors.As(err, &cycle) {
		t.Fatalf("Resolve = %v; want a reference cycle error", err)
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		m    *Manifest
		want string
	}{
		{
			name: "UnknownInputDerivation",
			m: &Manifest{
				Derivations: map[string]*Derivation{
					"app": {
						Inputs: map[string]*Input{"dep": {Derivation: "nosuch"}},
						Phases: []Phase{{Name: kilnstore.PhaseInstall, Script: "true"}},
					},
				},
			},
			want: `unknown derivation "nosuch"`,
		},
		{
			name: "InputBothReferences",
			m: &Manifest{
				Derivations: map[string]*Derivation{
					"lib": {Phases: []Phase{{Name: kilnstore.PhaseInstall, Script: "true"}}},
					"app": {
						Inputs: map[string]*Input{
							"dep": {
								Derivation: "lib",
								Fetch:      &Fetch{URL: "https://example.com/x", Hash: hashOf("x")},
							},
						},
						Phases: []Phase{{Name: kilnstore.PhaseInstall, Script: "true"}},
					},
				},
			},
			want: "both fetch and derivation set",
		},
		{
			name: "UnknownEnvironmentDerivation",
			m: &Manifest{
				Environments: map[string]*Environment{
					"e": {Paths: []PathEntry{{Name: "x", Derivation: "nosuch", Role: kilnstore.RoleBinary}}},
				},
			},
			want: `unknown derivation "nosuch"`,
		},
		{
			name: "UnknownEnvironmentOutput",
			m: &Manifest{
				Derivations: map[string]*Derivation{
					"lib": {Phases: []Phase{{Name: kilnstore.PhaseInstall, Script: "true"}}},
				},
				Environments: map[string]*Environment{
					"e": {Paths: []PathEntry{{Name: "x", Derivation: "lib", Output: "doc", Role: kilnstore.RoleOpaque}}},
				},
			},
			want: `has no output "doc"`,
		},
		{
			name: "UnknownDefaultEnvironment",
			m: &Manifest{
				DefaultEnvironment: "missing",
			},
			want: `default environment "missing" is not declared`,
		},
		{
			name: "BadPhase",
			m: &Manifest{
				Derivations: map[string]*Derivation{
					"app": {Phases: []Phase{{Name: kilnstore.PhaseInstall}}},
				},
			},
			want: "empty script",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := test.m.Resolve("/kiln/store")
			if err == nil {
				t.Fatal("Resolve did not return an error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("Resolve error = %v; want to contain %q", err, test.want)
			}
		})
	}
}

func TestResolvedEnvironment(t *testing.T) {
	res, err := testManifest().Resolve("/kiln/store")
	if err != nil {
		t.Fatal("Resolve:", err)
	}

	if env, err := res.Environment(""); err != nil {
		t.Error("Environment(\"\"):", err)
	} else if env.Name != "verify" {
		t.Errorf("default environment = %q; want %q", env.Name, "verify")
	}
	if env, err := res.Environment("verify"); err != nil {
		t.Error("Environment(verify):", err)
	} else if env.Name != "verify" {
		t.Errorf("environment = %q; want %q", env.Name, "verify")
	}
	if _, err := res.Environment("nosuch"); err == nil {
		t.Error("Environment(nosuch) did not return an error")
	}

	env, err := res.Environment("verify")
	if err != nil {
		t.Fatal(err)
	}
	want := []kilnstore.ID{res.IDs["app"]}
	if got := res.Want(env); !cmp.Equal(want, got) {
		t.Errorf("Want = %v; want %v", got, want)
	}
}

// testManifest returns a resolvable two-derivation manifest
// with one environment.
func testManifest() *Manifest {
	return &Manifest{
		Derivations: map[string]*Derivation{
			"libgreet": {
				Outputs: []string{"out", "lib"},
				Phases: []Phase{
					{Name: kilnstore.PhaseInstall, Script: `printf hi > "${out}"; printf lib > "${out:lib}"`},
				},
			},
			"app": {
				Inputs: map[string]*Input{
					"greet": {Derivation: "libgreet", Output: "lib"},
				},
				Phases: []Phase{
					{Name: kilnstore.PhaseInstall, Script: `cat "${greet}" > "${out}"`},
				},
			},
		},
		Environments: map[string]*Environment{
			"verify": {
				Paths: []PathEntry{
					{Name: "app", Derivation: "app", Role: kilnstore.RoleBinary},
					{Name: "notes", Fetch: &Fetch{URL: "https://example.com/notes.txt", Hash: hashOf("notes"), Archive: "none"}, Role: kilnstore.RoleOpaque},
				},
				Variables: map[string]string{"APP_HOME": "${app}"},
			},
		},
		DefaultEnvironment: "verify",
	}
}

// hashOf returns a deterministic hash derived from s.
func hashOf(s string) nix.Hash {
	h := nix.NewHasher(nix.SHA256)
	h.Write([]byte(s))
	return h.SumHash()
}

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}
