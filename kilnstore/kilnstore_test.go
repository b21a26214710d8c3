// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"strings"
	"testing"

	"zombiezen.com/go/nix"
)

func TestID(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		id := SumID([]byte("Hello, World!\n"))
		s := id.String()
		if len(s) != 52 {
			t.Errorf("id.String() = %q (length %d); want length 52", s, len(s))
		}
		got, err := ParseID(s)
		if err != nil {
			t.Fatal(err)
		}
		if got != id {
			t.Errorf("ParseID(%q) = %v; want %v", s, got, id)
		}
	})

	t.Run("ParseErrors", func(t *testing.T) {
		badInputs := []string{
			"",
			"abc",
			strings.Repeat("a", 51),
			strings.Repeat("a", 53),
			// 'e' is not a nixbase32 digit.
			"e" + strings.Repeat("a", 51),
		}
		for _, s := range badInputs {
			if got, err := ParseID(s); err == nil {
				t.Errorf("ParseID(%q) = %v, <nil>; want error", s, got)
			}
		}
	})

	t.Run("Hash", func(t *testing.T) {
		id := SumID([]byte("Hello, World!\n"))
		h := id.Hash()
		if got, want := h.Type(), nix.SHA256; got != want {
			t.Errorf("id.Hash().Type() = %v; want %v", got, want)
		}
		if want := hashString(nix.SHA256, "Hello, World!\n"); !h.Equal(want) {
			t.Errorf("id.Hash() = %v; want %v", h, want)
		}
	})

	t.Run("MarshalText", func(t *testing.T) {
		if got, err := (ID{}).MarshalText(); err == nil {
			t.Errorf("zero ID marshaled to %q; want error", got)
		}
		id := SumID([]byte("Hello, World!\n"))
		data, err := id.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got ID
		if err := got.UnmarshalText(data); err != nil {
			t.Fatal(err)
		}
		if got != id {
			t.Errorf("round trip through text = %v; want %v", got, id)
		}
	})
}
