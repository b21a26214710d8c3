// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

//go:build unix

package osutil

import "golang.org/x/sys/unix"

// O_NOFOLLOW is a flag to [os.OpenFile] to not follow a symbolic link
// on the final path component.
const O_NOFOLLOW = unix.O_NOFOLLOW
