// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package detect

import (
	stdcmp "cmp"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kiln-build/kiln/sets"
)

var refFinderGoldens = []struct {
	s      string
	search []string
	want   *sets.Sorted[string]
}{
	{"", nil, sets.NewSorted[string]()},
	{"", []string{""}, sets.NewSorted("")},
	{"foo", []string{""}, sets.NewSorted("")},
	{"foo", []string{"f"}, sets.NewSorted("f")},
	{"foo", []string{"o"}, sets.NewSorted("o")},

	{"foo", []string{"foo"}, sets.NewSorted("foo")},
	{"xfoo", []string{"foo"}, sets.NewSorted("foo")},
	{"fooy", []string{"foo"}, sets.NewSorted("foo")},
	{"xfooy", []string{"foo"}, sets.NewSorted("foo")},
	{"bar", []string{"foo"}, sets.NewSorted[string]()},

	{"foo", []string{"f", "foo"}, sets.NewSorted("f", "foo")},
	{"foo", []string{"o", "foo"}, sets.NewSorted("o", "foo")},

	{"foo", []string{"foo", "bar"}, sets.NewSorted("foo")},
	{"bar", []string{"foo", "bar"}, sets.NewSorted("bar")},
	{"foobar", []string{"foo", "bar"}, sets.NewSorted("foo", "bar")},

	// Overlapping matches share stream bytes.
	{"aaab", []string{"aa", "aab"}, sets.NewSorted("aa", "aab")},
}

func TestRefFinder(t *testing.T) {
	for _, test := range refFinderGoldens {
		rf := NewRefFinder(slices.Values(test.search))
		if n, err := rf.Write([]byte(test.s)); n != len(test.s) || err != nil {
			t.Errorf("NewRefFinder(%q).Write(%q) = %d, %v; want %d, <nil>",
				test.search, test.s, n, err, len(test.s))
		}
		got := rf.Found()
		if diff := cmp.Diff(test.want, got, transformSorted[string]()); diff != "" {
			t.Errorf("rf := NewRefFinder(%q); rf.Write(%q); rf.Found() (-want +got):\n%s",
				test.search, test.s, diff)
		}
	}
}

func TestRefFinderSplitWrites(t *testing.T) {
	// Matches must be detected even when split across Write calls.
	rf := NewRefFinder(slices.Values([]string{"s66mzxpv"}))
	for _, chunk := range []string{"/kiln/store/s66", "mzx", "pv-hello"} {
		if _, err := rf.WriteString(chunk); err != nil {
			t.Fatal(err)
		}
	}
	want := sets.NewSorted("s66mzxpv")
	if diff := cmp.Diff(want, rf.Found(), transformSorted[string]()); diff != "" {
		t.Errorf("Found() (-want +got):\n%s", diff)
	}
}

func FuzzRefFinder(f *testing.F) {
	const sep = "\x1f"
	for _, test := range refFinderGoldens {
		f.Add(test.s, strings.Join(test.search, sep))
	}

	f.Fuzz(func(t *testing.T, s string, searchJoined string) {
		search := strings.Split(searchJoined, sep)
		want := refFinderOracle(s, search)

		rf := NewRefFinder(slices.Values(search))
		if n, err := rf.Write([]byte(s)); n != len(s) || err != nil {
			t.Errorf("NewRefFinder(%q).Write(%q) = %d, %v; want %d, <nil>",
				search, s, n, err, len(s))
		}
		got := rf.Found()
		if diff := cmp.Diff(want, got, transformSorted[string]()); diff != "" {
			t.Errorf("rf := NewRefFinder(%q); rf.Write(%q); rf.Found() (-want +got):\n%s",
				search, s, diff)
		}
	})
}

func refFinderOracle(s string, search []string) *sets.Sorted[string] {
	result := new(sets.Sorted[string])
	for _, substr := range search {
		if strings.Contains(s, substr) {
			result.Add(substr)
		}
	}
	return result
}

func transformSorted[E stdcmp.Ordered]() cmp.Option {
	return cmp.Transformer("transformSorted", func(s sets.Sorted[E]) []E {
		list := make([]E, s.Len())
		for i := range list {
			list[i] = s.At(i)
		}
		return list
	})
}
