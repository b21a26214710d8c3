// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package system implements parsing of the architecture/operating-system pairs
// that derivations declare as their build platform.
package system

import (
	"fmt"
	"runtime"
	"strings"
)

// System is a platform a derivation builds on,
// written as an architecture and an operating system joined by a dash,
// like "x86_64-linux" or "aarch64-macos".
type System struct {
	Arch string
	OS   string
}

// Parse parses a system string into a [System].
func Parse(s string) (System, error) {
	arch, os, ok := strings.Cut(s, "-")
	if !ok {
		return System{}, fmt.Errorf("parse system %q: missing operating system", s)
	}
	if arch == "" {
		return System{}, fmt.Errorf("parse system %q: missing architecture", s)
	}
	if os == "" || strings.Contains(os, "-") {
		return System{}, fmt.Errorf("parse system %q: operating system must be a single component", s)
	}
	return System{Arch: arch, OS: os}, nil
}

// Current returns a [System] value for the current process's execution environment.
func Current() System {
	var sys System
	switch runtime.GOARCH {
	case "386":
		sys.Arch = "i686"
	case "amd64":
		sys.Arch = "x86_64"
	case "arm":
		sys.Arch = "arm"
	case "arm64":
		sys.Arch = "aarch64"
	case "riscv64":
		sys.Arch = "riscv64"
	default:
		sys.Arch = runtime.GOARCH
	}
	switch runtime.GOOS {
	case "darwin":
		sys.OS = "macos"
	default:
		sys.OS = runtime.GOOS
	}
	return sys
}

// String returns sys as a string that can be passed to [Parse].
func (sys System) String() string {
	return sys.Arch + "-" + sys.OS
}

// IsZero reports whether sys is the zero System.
func (sys System) IsZero() bool {
	return sys == System{}
}
