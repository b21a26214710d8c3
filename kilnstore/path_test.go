// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"testing"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string
		want Path
	}{
		{
			path: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
			want: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
		},
		{
			// Trailing slashes are cleaned.
			path: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2/",
			want: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
		},
		{
			path: "/opt/elsewhere/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
			want: "/opt/elsewhere/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
		},
		{path: ""},
		{path: "foo-1.0"},
		{path: "/kiln/store"},
		{path: "/kiln/store/abc-tooshort"},
		{
			// Digest not separated from the name.
			path: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vswz3-4.12.2x",
		},
		{
			// Empty name after the digest.
			path: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-",
		},
		{
			// 'e' is not a nixbase32 digit.
			path: "/kiln/store/e66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
		},
		{
			// '!' is not allowed in object names.
			path: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3!4.12.2",
		},
	}
	for _, test := range tests {
		got, err := ParsePath(test.path)
		wantOK := test.want != ""
		if got != test.want || (err == nil) != wantOK {
			t.Errorf("ParsePath(%q) = %q, %v; want %q, error: %t", test.path, got, err, test.want, !wantOK)
		}
	}
}

func TestPathAccessors(t *testing.T) {
	const path = Path("/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2")
	if got, want := path.Dir(), Directory("/kiln/store"); got != want {
		t.Errorf("path.Dir() = %q; want %q", got, want)
	}
	if got, want := path.Base(), "s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2"; got != want {
		t.Errorf("path.Base() = %q; want %q", got, want)
	}
	if got, want := path.Digest(), "s66mzxpvicwk07gjbjfw9izjfa797vsw"; got != want {
		t.Errorf("path.Digest() = %q; want %q", got, want)
	}
	if got, want := path.Name(), "z3-4.12.2"; got != want {
		t.Errorf("path.Name() = %q; want %q", got, want)
	}
	if got, want := path.Join("bin", "z3"), string(path)+"/bin/z3"; got != want {
		t.Errorf("path.Join(\"bin\", \"z3\") = %q; want %q", got, want)
	}
}

func TestDirectoryObject(t *testing.T) {
	tests := []struct {
		dir  Directory
		name string
		want Path
	}{
		{
			dir:  "/kiln/store",
			name: "s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
			want: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
		},
		{dir: "/kiln/store", name: ""},
		{dir: "/kiln/store", name: "."},
		{dir: "/kiln/store", name: ".."},
		{dir: "/kiln/store", name: "foo/bar"},
		{dir: "/kiln/store", name: `foo\bar`},
	}
	for _, test := range tests {
		got, err := test.dir.Object(test.name)
		wantOK := test.want != ""
		if got != test.want || (err == nil) != wantOK {
			t.Errorf("Directory(%q).Object(%q) = %q, %v; want %q, error: %t",
				test.dir, test.name, got, err, test.want, !wantOK)
		}
	}
}

func TestDirectoryParsePath(t *testing.T) {
	tests := []struct {
		dir     Directory
		path    string
		want    Path
		wantSub string
		wantErr bool
	}{
		{
			dir:  "/kiln/store",
			path: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
			want: "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
		},
		{
			dir:     "/kiln/store",
			path:    "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2/bin/z3",
			want:    "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
			wantSub: "bin/z3",
		},
		{
			dir:     "/kiln/store",
			path:    "/elsewhere/s66mzxpvicwk07gjbjfw9izjfa797vsw-z3-4.12.2",
			wantErr: true,
		},
		{
			dir:     "/kiln/store",
			path:    "relative/path",
			wantErr: true,
		},
		{
			dir:     "/kiln/store",
			path:    "/kiln/store/not-a-store-object/bin",
			wantErr: true,
		},
	}
	for _, test := range tests {
		got, gotSub, err := test.dir.ParsePath(test.path)
		if got != test.want || gotSub != test.wantSub || (err != nil) != test.wantErr {
			t.Errorf("Directory(%q).ParsePath(%q) = %q, %q, %v; want %q, %q, error: %t",
				test.dir, test.path, got, gotSub, err, test.want, test.wantSub, test.wantErr)
		}
	}
}

func TestDirectoryFromEnvironment(t *testing.T) {
	t.Run("Unset", func(t *testing.T) {
		t.Setenv("KILN_STORE_DIR", "")
		got, err := DirectoryFromEnvironment()
		if got != DefaultDirectory || err != nil {
			t.Errorf("DirectoryFromEnvironment() = %q, %v; want %q, <nil>", got, err, DefaultDirectory)
		}
	})

	t.Run("Absolute", func(t *testing.T) {
		t.Setenv("KILN_STORE_DIR", "/opt/kiln/store/")
		got, err := DirectoryFromEnvironment()
		if want := Directory("/opt/kiln/store"); got != want || err != nil {
			t.Errorf("DirectoryFromEnvironment() = %q, %v; want %q, <nil>", got, err, want)
		}
	})

	t.Run("Relative", func(t *testing.T) {
		t.Setenv("KILN_STORE_DIR", "store")
		if got, err := DirectoryFromEnvironment(); err == nil {
			t.Errorf("DirectoryFromEnvironment() = %q, <nil>; want error", got)
		}
	})
}
