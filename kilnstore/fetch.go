// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"fmt"
	"net/url"
	posixpath "path"
	"strings"

	"zombiezen.com/go/nix"
)

// ArchiveKind is an enumeration of archive formats
// that a fetch unpacks before storing.
type ArchiveKind string

// Archive kinds.
const (
	// ArchiveNone stores the fetched bytes as a single file.
	ArchiveNone ArchiveKind = ""
	// ArchiveTarball unpacks a (possibly compressed) tar archive.
	ArchiveTarball ArchiveKind = "tarball"
	// ArchiveZip unpacks a zip archive.
	ArchiveZip ArchiveKind = "zip"
)

// ParseArchiveKind parses the string representation of an [ArchiveKind].
func ParseArchiveKind(s string) (ArchiveKind, error) {
	switch s {
	case "", "none":
		return ArchiveNone, nil
	case "tarball":
		return ArchiveTarball, nil
	case "zip":
		return ArchiveZip, nil
	default:
		return "", fmt.Errorf("parse archive kind %q: unknown kind", s)
	}
}

// String returns the representation accepted by [ParseArchiveKind].
func (k ArchiveKind) String() string {
	if k == ArchiveNone {
		return "none"
	}
	return string(k)
}

// A FetchSpec describes content obtained from a URL,
// verified against an expected hash.
// FetchSpecs are content-addressed:
// two specs with the same hash realize the same store object.
type FetchSpec struct {
	// URL is the primary location of the content.
	URL string
	// Hash is the expected hash of the fetched content,
	// computed over the NAR serialization of the stored tree
	// (the unpacked tree if Archive is set, the flat file otherwise).
	Hash nix.Hash
	// Archive declares how the fetched bytes are unpacked
	// before hashing and storage.
	Archive ArchiveKind
	// Mirrors holds RFC 6570 URI templates tried in order
	// if fetching from URL fails.
	// The templates may reference the variables "name", "hash",
	// and "url".
	Mirrors []string
}

// Validate checks that the spec is complete enough to fetch.
func (f *FetchSpec) Validate() error {
	u, err := url.Parse(f.URL)
	if err != nil {
		return fmt.Errorf("validate fetch: %v", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("validate fetch %s: URL is not absolute", f.URL)
	}
	if f.Hash.IsZero() {
		return fmt.Errorf("validate fetch %s: missing expected hash", f.URL)
	}
	if _, err := ParseArchiveKind(string(f.Archive)); err != nil {
		return fmt.Errorf("validate fetch %s: %v", f.URL, err)
	}
	for _, m := range f.Mirrors {
		if m == "" {
			return fmt.Errorf("validate fetch %s: empty mirror template", f.URL)
		}
	}
	return nil
}

// ID returns the identity of the fetch's store entry.
// It is a pure function of the expected hash:
// re-fetching content with the same declared hash is a cache hit.
func (f *FetchSpec) ID() ID {
	fingerprint := "fetch:r:" + f.Hash.Base16()
	return SumID([]byte(fingerprint))
}

// ContentAddress returns the content-addressibility assertion
// the realized fetch must satisfy.
func (f *FetchSpec) ContentAddress() ContentAddress {
	return nix.RecursiveFileContentAddress(f.Hash)
}

// StorePath computes the store path the fetch realizes to in dir.
func (f *FetchSpec) StorePath(dir Directory) (Path, error) {
	return FixedCAOutputPath(dir, f.Name(), f.ContentAddress(), References{})
}

// Name returns the store object name for the fetch,
// derived from the final element of the URL.
func (f *FetchSpec) Name() string {
	u, err := url.Parse(f.URL)
	s := f.URL
	if err == nil {
		s = u.Path
	}
	s = posixpath.Base(s)
	if s == "/" || s == "." {
		s = "fetched"
	}
	sb := new(strings.Builder)
	for i := 0; i < len(s); i++ {
		if isNameChar(s[i]) {
			sb.WriteByte(s[i])
		} else {
			sb.WriteByte('-')
		}
	}
	name := strings.Trim(sb.String(), "-.")
	if name == "" {
		name = "fetched"
	}
	if len(name) > maxObjectNameLength-objectNameDigestLength-len("-") {
		name = name[:maxObjectNameLength-objectNameDigestLength-len("-")]
	}
	return name
}
