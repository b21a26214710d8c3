// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

//go:build unix

package backend

import (
	"os/exec"

	"github.com/kiln-build/kiln/internal/xmaps"
	"github.com/kiln-build/kiln/kilnstore"
	"golang.org/x/sys/unix"
)

const shellPath = "/bin/sh"

// fillBaseEnv fills in the scrubbed environment phase scripts start from.
// Environment entries already present in m take precedence.
func fillBaseEnv(m map[string]string, storeDir kilnstore.Directory, workDir string) {
	xmaps.SetDefault(m, "PATH", "/path-not-set")
	xmaps.SetDefault(m, "HOME", "/home-not-set")
	xmaps.SetDefault(m, "KILN_STORE", string(storeDir))
	xmaps.SetDefault(m, "KILN_BUILD_TOP", workDir)
	xmaps.SetDefault(m, "TMPDIR", workDir)
	xmaps.SetDefault(m, "TEMPDIR", workDir)
	xmaps.SetDefault(m, "TMP", workDir)
	xmaps.SetDefault(m, "TEMP", workDir)
	xmaps.SetDefault(m, "PWD", workDir)
	xmaps.SetDefault(m, "TERM", "xterm-256color")
}

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}
