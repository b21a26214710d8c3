// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"testing"

	"zombiezen.com/go/nix"
)

func TestFetchSpecName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{url: "https://example.com/hello-2.12.1.tar.gz", want: "hello-2.12.1.tar.gz"},
		{url: "https://example.com/archive/v1.0.0.zip", want: "v1.0.0.zip"},
		{url: "https://example.com/download?file=x", want: "download"},
		{url: "https://example.com/", want: "fetched"},
		{url: "https://example.com", want: "fetched"},
		// Characters outside the store object alphabet become dashes.
		{url: "https://example.com/a%20b.tar.gz", want: "a-b.tar.gz"},
		// Leading dots and dashes are trimmed.
		{url: "https://example.com/.hidden", want: "hidden"},
	}
	for _, test := range tests {
		f := &FetchSpec{URL: test.url}
		if got := f.Name(); got != test.want {
			t.Errorf("FetchSpec{URL: %q}.Name() = %q; want %q", test.url, got, test.want)
		}
	}
}

func TestFetchSpecID(t *testing.T) {
	h1 := hashString(nix.SHA256, "content A")
	h2 := hashString(nix.SHA256, "content B")

	a := &FetchSpec{URL: "https://example.com/a.tar.gz", Hash: h1, Archive: ArchiveTarball}
	b := &FetchSpec{URL: "https://mirror.example.org/a-again.tar.gz", Hash: h1, Archive: ArchiveTarball}
	c := &FetchSpec{URL: "https://example.com/a.tar.gz", Hash: h2, Archive: ArchiveTarball}

	// Fetches are content-addressed: the URL does not matter.
	if a.ID() != b.ID() {
		t.Errorf("fetches with identical hashes have IDs %v and %v", a.ID(), b.ID())
	}
	if a.ID() == c.ID() {
		t.Errorf("fetches with different hashes share ID %v", a.ID())
	}
}

func TestFetchSpecStorePath(t *testing.T) {
	f := &FetchSpec{
		URL:     "https://example.com/hello-2.12.1.tar.gz",
		Hash:    hashString(nix.SHA256, "unpacked tree"),
		Archive: ArchiveTarball,
	}
	got, err := f.StorePath("/kiln/store")
	if err != nil {
		t.Fatal(err)
	}
	if gotDir := got.Dir(); gotDir != "/kiln/store" {
		t.Errorf("f.StorePath(\"/kiln/store\").Dir() = %q; want \"/kiln/store\"", gotDir)
	}
	if gotName := got.Name(); gotName != "hello-2.12.1.tar.gz" {
		t.Errorf("f.StorePath(\"/kiln/store\").Name() = %q; want \"hello-2.12.1.tar.gz\"", gotName)
	}

	got2, err := f.StorePath("/kiln/store")
	if err != nil {
		t.Fatal(err)
	}
	if got2 != got {
		t.Errorf("recomputing store path gave %q; previously %q", got2, got)
	}
}

func TestFetchSpecValidate(t *testing.T) {
	h := hashString(nix.SHA256, "content")
	tests := []struct {
		name    string
		spec    FetchSpec
		wantErr bool
	}{
		{
			name: "OK",
			spec: FetchSpec{URL: "https://example.com/a.tar.gz", Hash: h, Archive: ArchiveTarball},
		},
		{
			name: "OKWithMirrors",
			spec: FetchSpec{
				URL:     "https://example.com/a.tar.gz",
				Hash:    h,
				Mirrors: []string{"https://mirror.example.org/{name}"},
			},
		},
		{
			name:    "RelativeURL",
			spec:    FetchSpec{URL: "a.tar.gz", Hash: h},
			wantErr: true,
		},
		{
			name:    "MissingHash",
			spec:    FetchSpec{URL: "https://example.com/a.tar.gz"},
			wantErr: true,
		},
		{
			name:    "UnknownArchiveKind",
			spec:    FetchSpec{URL: "https://example.com/a.rar", Hash: h, Archive: ArchiveKind("rar")},
			wantErr: true,
		},
		{
			name:    "EmptyMirror",
			spec:    FetchSpec{URL: "https://example.com/a.tar.gz", Hash: h, Mirrors: []string{""}},
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.spec.Validate()
			if (err != nil) != test.wantErr {
				t.Errorf("spec.Validate() = %v; want error: %t", err, test.wantErr)
			}
		})
	}
}

func TestParseArchiveKind(t *testing.T) {
	tests := []struct {
		s       string
		want    ArchiveKind
		wantErr bool
	}{
		{s: "", want: ArchiveNone},
		{s: "none", want: ArchiveNone},
		{s: "tarball", want: ArchiveTarball},
		{s: "zip", want: ArchiveZip},
		{s: "rar", wantErr: true},
	}
	for _, test := range tests {
		got, err := ParseArchiveKind(test.s)
		if got != test.want || (err != nil) != test.wantErr {
			t.Errorf("ParseArchiveKind(%q) = %q, %v; want %q, error: %t", test.s, got, err, test.want, test.wantErr)
		}
	}

	if got, want := ArchiveNone.String(), "none"; got != want {
		t.Errorf("ArchiveNone.String() = %q; want %q", got, want)
	}
}
