// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"iter"
	"strings"
)

// Replacer is an interface for a string replacer.
// [strings.Replacer] implements the interface.
type Replacer interface {
	Replace(s string) string
}

// newReplacer returns a [strings.Replacer] that replaces
// occurrences of the keys in the sequence with the values.
func newReplacer[K, V ~string](pairs iter.Seq2[K, V]) *strings.Replacer {
	var args []string
	for k, v := range pairs {
		args = append(args, string(k), string(v))
	}
	return strings.NewReplacer(args...)
}

// NewInputReplacer returns a [Replacer] that expands
// input placeholders to the given store paths.
func NewInputReplacer(inputs map[string]Path) Replacer {
	return newReplacer(func(yield func(string, Path) bool) {
		for name, path := range inputs {
			if !yield(InputPlaceholder(name), path) {
				return
			}
		}
	})
}
