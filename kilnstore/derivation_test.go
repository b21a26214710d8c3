// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"zombiezen.com/go/nix"
)

type derivationMarshalTest struct {
	name string
	drv  *Derivation
	want []byte
}

func derivationMarshalTests(tb testing.TB) []derivationMarshalTest {
	srcHash := hashString(nix.SHA256, "source archive")
	libHash := hashString(nix.SHA256, "library archive")
	dep := SumID([]byte("dependency"))

	return []derivationMarshalTest{
		{
			name: "FetchOnly",
			drv: &Derivation{
				Dir:     "/kiln/store",
				Name:    "hello-2.12.1",
				System:  "x86_64-linux",
				Outputs: []string{"out"},
				Inputs: []Input{
					{
						Name: "src",
						Fetch: &FetchSpec{
							URL:     "https://example.com/hello-2.12.1.tar.gz",
							Hash:    srcHash,
							Archive: ArchiveTarball,
							Mirrors: []string{"https://mirror.example.com/{name}"},
						},
					},
				},
				Phases: []PhaseSpec{
					{Name: PhaseUnpack},
					{Name: PhaseBuild, Script: "make -C src"},
					{Name: PhaseInstall, Script: "make -C src install prefix=${out}"},
				},
				Env: map[string]string{
					"CFLAGS": "-O2",
				},
			},
			want: []byte(`Derive("hello-2.12.1","x86_64-linux",["out"],` +
				`[("src","fetch","https://example.com/hello-2.12.1.tar.gz","` + srcHash.SRI() + `","tarball",["https://mirror.example.com/{name}"])],` +
				`[("unpack",""),("build","","make -C src"),("install","","make -C src install prefix=${out}")],` +
				`[("CFLAGS","-O2")])`),
		},
		{
			name: "DerivationInputs",
			drv: &Derivation{
				Dir:     "/kiln/store",
				Name:    "app",
				System:  "aarch64-macos",
				Outputs: []string{"dev", "out"},
				Inputs: []Input{
					{
						Name: "src",
						Fetch: &FetchSpec{
							URL:  "https://example.com/app.zip",
							Hash: libHash,
						},
					},
					{
						Name:   "zlib",
						Output: &OutputReference{DrvID: dep, OutputName: "out"},
					},
				},
				Phases: []PhaseSpec{
					{Name: PhaseUnpack},
					{
						Name: PhasePatch,
						Rules: []PatchRule{
							{Kind: RuleInterpreters, Inputs: []string{"zlib"}},
							{Kind: RuleBinaryLoadPaths, Inputs: []string{"zlib"}, Strict: true},
						},
					},
					{Name: PhaseConfigure, Optional: true, Script: "./configure"},
					{Name: PhaseBuild, Script: "make"},
				},
			},
			want: []byte(`Derive("app","aarch64-macos",["dev","out"],` +
				`[("src","fetch","https://example.com/app.zip","` + libHash.SRI() + `","none",[]),` +
				`("zlib","drv","` + dep.String() + `","out")],` +
				`[("unpack",""),` +
				`("patch","",[("interpreters",["zlib"],""),("binary-load-paths",["zlib"],"strict")]),` +
				`("configure","optional","./configure"),` +
				`("build","","make")],` +
				`[])`),
		},
	}
}

func TestDerivationMarshalText(t *testing.T) {
	for _, test := range derivationMarshalTests(t) {
		t.Run(test.name, func(t *testing.T) {
			got, err := test.drv.MarshalText()
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(string(test.want), string(got)); diff != "" {
				t.Errorf("drv.MarshalText() (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("DefaultOutput", func(t *testing.T) {
		// An empty output list and an explicit ["out"] encode identically.
		drv := derivationMarshalTests(t)[0].drv.Clone()
		drv.Outputs = nil
		got, err := drv.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		if want := derivationMarshalTests(t)[0].want; string(got) != string(want) {
			t.Errorf("drv.MarshalText() = %q; want %q", got, want)
		}
	})
}

func TestParseDerivation(t *testing.T) {
	derivationCompareOptions := cmp.Options{
		cmpopts.EquateEmpty(),
	}

	for _, test := range derivationMarshalTests(t) {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseDerivation(test.drv.Dir, test.want)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.drv, got, derivationCompareOptions); diff != "" {
				t.Errorf("derivation (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("TrailingData", func(t *testing.T) {
		data := append(derivationMarshalTests(t)[0].want, "x"...)
		if got, err := ParseDerivation("/kiln/store", data); err == nil {
			t.Errorf("ParseDerivation(%q) = %+v; want error", data, got)
		}
	})

	t.Run("WrongConstructor", func(t *testing.T) {
		if got, err := ParseDerivation("/kiln/store", []byte(`Frobnicate("x")`)); err == nil {
			t.Errorf("ParseDerivation = %+v; want error", got)
		}
	})
}

func TestDerivationID(t *testing.T) {
	newDerivation := func() *Derivation {
		return derivationMarshalTests(t)[1].drv.Clone()
	}

	t.Run("Deterministic", func(t *testing.T) {
		id1, err := newDerivation().ID()
		if err != nil {
			t.Fatal(err)
		}
		id2, err := newDerivation().ID()
		if err != nil {
			t.Fatal(err)
		}
		if id1 != id2 {
			t.Errorf("identical declarations produced IDs %v and %v", id1, id2)
		}
	})

	t.Run("InputOrderInsensitive", func(t *testing.T) {
		drv := newDerivation()
		want, err := drv.ID()
		if err != nil {
			t.Fatal(err)
		}
		reversed := newDerivation()
		for i, j := 0, len(reversed.Inputs)-1; i < j; i, j = i+1, j-1 {
			reversed.Inputs[i], reversed.Inputs[j] = reversed.Inputs[j], reversed.Inputs[i]
		}
		got, err := reversed.ID()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("reordering inputs changed ID from %v to %v", want, got)
		}
	})

	t.Run("DistinctDeclarations", func(t *testing.T) {
		base, err := newDerivation().ID()
		if err != nil {
			t.Fatal(err)
		}

		renamed := newDerivation()
		renamed.Name = "app2"
		if id, err := renamed.ID(); err != nil {
			t.Fatal(err)
		} else if id == base {
			t.Error("renaming the derivation did not change its ID")
		}

		newEnv := newDerivation()
		newEnv.Env = map[string]string{"CFLAGS": "-O2"}
		if id, err := newEnv.ID(); err != nil {
			t.Fatal(err)
		} else if id == base {
			t.Error("changing the environment did not change its ID")
		}

		reordered := newDerivation()
		reordered.Phases[2], reordered.Phases[3] = reordered.Phases[3], reordered.Phases[2]
		if id, err := reordered.ID(); err != nil {
			t.Fatal(err)
		} else if id == base {
			t.Error("reordering phases did not change the ID")
		}
	})
}

func TestDerivationOutputPath(t *testing.T) {
	drv := derivationMarshalTests(t)[1].drv.Clone()

	outPath, err := drv.OutputPath("out")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := outPath.Dir(), drv.Dir; got != want {
		t.Errorf("drv.OutputPath(\"out\").Dir() = %q; want %q", got, want)
	}
	if got, want := outPath.Name(), "app"; got != want {
		t.Errorf("drv.OutputPath(\"out\").Name() = %q; want %q", got, want)
	}

	devPath, err := drv.OutputPath("dev")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := devPath.Name(), "app-dev"; got != want {
		t.Errorf("drv.OutputPath(\"dev\").Name() = %q; want %q", got, want)
	}
	if devPath == outPath {
		t.Errorf("output paths for out and dev are both %q", outPath)
	}

	// Paths are a pure function of the declaration.
	outPath2, err := drv.Clone().OutputPath("out")
	if err != nil {
		t.Fatal(err)
	}
	if outPath2 != outPath {
		t.Errorf("recomputing output path gave %q; previously %q", outPath2, outPath)
	}

	if got, err := drv.OutputPath("doc"); err == nil {
		t.Errorf("drv.OutputPath(\"doc\") = %q; want error", got)
	}
}

func TestParseOutputReference(t *testing.T) {
	id := SumID([]byte("dependency"))
	tests := []struct {
		s       string
		want    OutputReference
		wantErr bool
	}{
		{s: id.String() + "!out", want: OutputReference{DrvID: id, OutputName: "out"}},
		{s: id.String() + "!dev", want: OutputReference{DrvID: id, OutputName: "dev"}},
		{s: "", wantErr: true},
		{s: id.String(), wantErr: true},
		{s: id.String() + "!", wantErr: true},
		{s: "xyzzy!out", wantErr: true},
	}
	for _, test := range tests {
		got, err := ParseOutputReference(test.s)
		if got != test.want || (err != nil) != test.wantErr {
			errString := "<nil>"
			if test.wantErr {
				errString = "<error>"
			}
			t.Errorf("ParseOutputReference(%q) = %v, %v; want %v, %s", test.s, got, err, test.want, errString)
		}
		if err == nil {
			if got2, err := ParseOutputReference(got.String()); err != nil || got2 != got {
				t.Errorf("ParseOutputReference(%q) = %v, %v; want %v, <nil>", got.String(), got2, err, got)
			}
		}
	}
}

func TestExpandPlaceholders(t *testing.T) {
	drv := &Derivation{
		Dir:    "/kiln/store",
		Name:   "app",
		System: "x86_64-linux",
		Inputs: []Input{
			{
				Name: "src",
				Fetch: &FetchSpec{
					URL:  "https://example.com/app.tar.gz",
					Hash: hashString(nix.SHA256, "app"),
				},
			},
		},
		Phases: []PhaseSpec{
			{Name: PhaseBuild, Script: "make -C ${src} PREFIX=${out}"},
		},
		Env: map[string]string{
			"SRC_DIR": "${src}/sub",
		},
	}
	const srcPath = Path("/kiln/store/vgzc1mb6rbp1ghvlrick3g3azmq34qvq-app.tar.gz")

	got := drv.ExpandPlaceholders(NewInputReplacer(map[string]Path{"src": srcPath}))

	if want := "make -C " + string(srcPath) + " PREFIX=${out}"; got.Phases[0].Script != want {
		t.Errorf("expanded build script = %q; want %q", got.Phases[0].Script, want)
	}
	if want := string(srcPath) + "/sub"; got.Env["SRC_DIR"] != want {
		t.Errorf("expanded SRC_DIR = %q; want %q", got.Env["SRC_DIR"], want)
	}
	if drv.Phases[0].Script != "make -C ${src} PREFIX=${out}" {
		t.Error("ExpandPlaceholders modified its receiver")
	}
}

func TestInputValidate(t *testing.T) {
	id := SumID([]byte("dependency"))
	fetch := &FetchSpec{
		URL:  "https://example.com/app.tar.gz",
		Hash: hashString(nix.SHA256, "app"),
	}
	tests := []struct {
		name    string
		input   Input
		wantErr bool
	}{
		{
			name:  "Fetch",
			input: Input{Name: "src", Fetch: fetch},
		},
		{
			name:  "Output",
			input: Input{Name: "zlib", Output: &OutputReference{DrvID: id, OutputName: "out"}},
		},
		{
			name:    "NoReference",
			input:   Input{Name: "src"},
			wantErr: true,
		},
		{
			name: "BothReferences",
			input: Input{
				Name:   "src",
				Fetch:  fetch,
				Output: &OutputReference{DrvID: id, OutputName: "out"},
			},
			wantErr: true,
		},
		{
			name:    "EmptyName",
			input:   Input{Fetch: fetch},
			wantErr: true,
		},
		{
			name:    "ReservedName",
			input:   Input{Name: "out", Fetch: fetch},
			wantErr: true,
		},
		{
			name:    "IllegalNameCharacter",
			input:   Input{Name: "a/b", Fetch: fetch},
			wantErr: true,
		},
		{
			name:    "ZeroID",
			input:   Input{Name: "zlib", Output: &OutputReference{OutputName: "out"}},
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.input.Validate()
			if (err != nil) != test.wantErr {
				t.Errorf("input.Validate() = %v; want error: %t", err, test.wantErr)
			}
		})
	}
}

func hashString(typ nix.HashType, s string) nix.Hash {
	h := nix.NewHasher(typ)
	h.WriteString(s)
	return h.SumHash()
}
