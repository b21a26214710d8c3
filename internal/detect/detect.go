// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package detect scans byte streams for occurrences of known strings.
// The store uses it to discover which input paths a realized output
// embeds, by searching the output's serialization for path digests.
package detect

import (
	"cmp"
	"iter"
	"slices"

	"github.com/kiln-build/kiln/sets"
)

// A RefFinder records which elements in a set of search strings
// occur in a byte stream.
type RefFinder struct {
	root    *node
	threads []*node
	found   sets.Sorted[string]
}

// NewRefFinder returns a new [RefFinder] that searches for strings from the given sequence.
func NewRefFinder(search iter.Seq[string]) *RefFinder {
	rf := new(RefFinder)
	rf.root = new(node)
	for s := range search {
		if s == "" {
			// The empty string occurs in any stream.
			rf.found.Add("")
			continue
		}
		rf.root.add(s)
	}
	return rf
}

// Found returns the set of references found in the written content so far.
func (rf *RefFinder) Found() *sets.Sorted[string] {
	return rf.found.Clone()
}

// Write implements [io.Writer]
// by recording any occurrences of the strings the [RefFinder] is searching for
// that are found in p.
// The bytes written to the [RefFinder] are considered a contiguous stream:
// occurrences may span multiple calls to Write or [RefFinder.WriteString].
func (rf *RefFinder) Write(p []byte) (int, error) {
	for _, b := range p {
		rf.write(b)
	}
	return len(p), nil
}

// WriteString implements [io.StringWriter]
// by recording any occurrences of the strings the [RefFinder] is searching for
// that are found in s.
// The bytes written to the [RefFinder] are considered a contiguous stream:
// occurrences may span multiple calls to WriteString or [RefFinder.Write].
func (rf *RefFinder) WriteString(s string) (int, error) {
	for _, b := range []byte(s) { // Go compiler elides allocation.
		rf.write(b)
	}
	return len(s), nil
}

// write evaluates the next byte of the stream.
// A RefFinder maintains a set of "threads":
// pointers into the prefix tree built by [NewRefFinder],
// one per partial match in progress.
// write advances each thread
// and spawns a new one if b matches any child of the root.
func (rf *RefFinder) write(b byte) {
	rf.threads = append(rf.threads, rf.root)

	n := 0
	for _, curr := range rf.threads {
		i, ok := curr.find(b)
		if !ok {
			continue
		}
		next := curr.children[i]
		if next.match != "" {
			rf.found.Add(next.match)
		}
		if len(next.children) > 0 {
			rf.threads[n] = next
			n++
		}
	}
	clear(rf.threads[n:])
	rf.threads = rf.threads[:n]
}

type node struct {
	b        byte
	match    string
	children []*node
}

func (n *node) find(b byte) (i int, ok bool) {
	return slices.BinarySearchFunc(n.children, b, func(child *node, b byte) int {
		return cmp.Compare(child.b, b)
	})
}

func (n *node) add(s string) {
	for _, b := range []byte(s) {
		if i, ok := n.find(b); ok {
			n = n.children[i]
		} else {
			child := &node{b: b}
			n.children = slices.Insert(n.children, i, child)
			n = child
		}
	}
	n.match = s
}
