// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kiln-build/kiln/sets"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"
)

// A ContentAddress is a content-addressibility assertion.
type ContentAddress = nix.ContentAddress

// References represents a set of references to other store paths
// that a store object contains.
// The zero value is an empty set.
type References struct {
	// Self is true if the store object contains one or more references to itself.
	Self bool
	// Others holds paths of other store objects that the store object references.
	Others sets.Sorted[Path]
}

// IsEmpty reports whether refs represents the empty set.
func (refs References) IsEmpty() bool {
	return !refs.Self && refs.Others.Len() == 0
}

// makeStorePath computes a store path
// from a type fingerprint, a digest, an object name, and a reference set.
// Every store path kiln creates funnels through here,
// so identical inputs always land on identical paths.
func makeStorePath(dir Directory, typ string, hash nix.Hash, name string, refs References) (Path, error) {
	h := sha256.New()
	io.WriteString(h, typ)
	for ref := range refs.Others.Values() {
		io.WriteString(h, ":")
		io.WriteString(h, string(ref))
	}
	if refs.Self {
		io.WriteString(h, ":self")
	}
	io.WriteString(h, ":")
	io.WriteString(h, hash.Base16())
	io.WriteString(h, ":")
	io.WriteString(h, string(dir))
	io.WriteString(h, ":")
	io.WriteString(h, name)
	fingerprintHash := h.Sum(nil)
	compressed := make([]byte, 20)
	nix.CompressHash(compressed, fingerprintHash)
	digest := nixbase32.EncodeToString(compressed)
	return dir.Object(digest + "-" + name)
}

// FixedCAOutputPath computes the path of a store object
// with the given directory, name, content address, and reference set.
func FixedCAOutputPath(dir Directory, name string, ca ContentAddress, refs References) (Path, error) {
	h := ca.Hash()
	switch {
	case ca.IsZero():
		return "", fmt.Errorf("compute fixed output path for %s: null content address", name)
	case ca.IsText():
		return "", fmt.Errorf("compute fixed output path for %s: text objects not supported", name)
	case h.Type() == nix.SHA256 && ca.IsRecursiveFile():
		return makeStorePath(dir, "source", h, name, refs)
	default:
		if !refs.IsEmpty() {
			return "", fmt.Errorf("compute fixed output path for %s: references not allowed", name)
		}
		h2 := nix.NewHasher(nix.SHA256)
		h2.WriteString("fixed:out:")
		if ca.IsRecursiveFile() {
			h2.WriteString("r:")
		}
		h2.WriteString(h.Base16())
		h2.WriteString(":")
		return makeStorePath(dir, "output:out", h2.SumHash(), name, References{})
	}
}

// HashMismatch is an error returned when realized content
// hashes differently than its declaration promised.
// It is fatal: the engine never retries a mismatched fetch or build.
type HashMismatch struct {
	Expected nix.Hash
	Actual   nix.Hash
}

func (e *HashMismatch) Error() string {
	return fmt.Sprintf("hash mismatch: declared %v, content is %v", e.Expected.SRI(), e.Actual.SRI())
}
