// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package kilnstore provides the value types for the kiln store:
// store directories and paths, derivations, fetches, build phases,
// the derivation graph, and environment specifications.
package kilnstore

import (
	"crypto/sha256"
	"fmt"

	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"
)

// An ID is the identity of a store entry:
// the SHA-256 digest of the inputs that produce it.
// For a derivation, this is the digest of its canonical encoding;
// for a fetch, a digest derived from its expected content hash.
type ID [sha256.Size]byte

// SumID returns the ID for the given canonical encoding.
func SumID(data []byte) ID {
	return ID(sha256.Sum256(data))
}

// ParseID parses the nixbase32 representation of an ID
// as returned by [ID.String].
func ParseID(s string) (ID, error) {
	if len(s) != nixbase32.EncodedLen(sha256.Size) {
		return ID{}, fmt.Errorf("parse id %q: wrong length", s)
	}
	bits, err := nixbase32.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse id %q: %v", s, err)
	}
	return ID(bits), nil
}

// String returns the nixbase32 encoding of the ID.
func (id ID) String() string {
	return nixbase32.EncodeToString(id[:])
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Hash returns the ID's digest as a [nix.Hash].
func (id ID) Hash() nix.Hash {
	return nix.NewHash(nix.SHA256, id[:])
}

// MarshalText returns the nixbase32 encoding of the ID
// or an error if the ID is zero.
func (id ID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("marshal id: zero")
	}
	return []byte(id.String()), nil
}

// UnmarshalText parses the nixbase32 representation of an ID
// and stores it into *id.
func (id *ID) UnmarshalText(data []byte) error {
	var err error
	*id, err = ParseID(string(data))
	return err
}
