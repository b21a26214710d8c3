// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"errors"
	"io"
	"os/exec"

	"github.com/kiln-build/kiln/internal/xmaps"
	"github.com/kiln-build/kiln/kilnstore"
)

// A Runner executes one phase script of a realization.
// Implementations must honor context cancellation
// and report script failures by returning an error
// that unwraps to [PhaseFailure].
type Runner func(ctx context.Context, inv *Invocation) error

// An Invocation carries everything a [Runner] needs
// to execute a single phase script.
type Invocation struct {
	// Phase names the build phase being run.
	Phase kilnstore.PhaseName
	// Script is the shell text to run,
	// with placeholders already expanded.
	Script string
	// Dir is the working directory for the script.
	Dir string
	// Env is the complete environment for the script.
	Env map[string]string
	// Log receives the script's combined stdout and stderr.
	Log io.Writer
}

// RunSubprocess runs a phase script under the system shell.
// It satisfies the [Runner] signature and is the default runner.
func RunSubprocess(ctx context.Context, inv *Invocation) error {
	c := exec.CommandContext(ctx, shellPath, "-e", "-u", "-c", inv.Script)
	setCancelFunc(c)
	for k, v := range xmaps.Sorted(inv.Env) {
		c.Env = append(c.Env, k+"="+v)
	}
	c.Dir = inv.Dir
	c.Stdout = inv.Log
	c.Stderr = inv.Log

	if err := c.Run(); err != nil {
		return PhaseFailure{err}
	}

	return nil
}

// PhaseFailure is an error that wraps a failure of the phase script itself,
// as opposed to a failure in the machinery that ran it.
// Optional phases only swallow this kind of error.
type PhaseFailure struct {
	Cause error
}

func (pf PhaseFailure) Error() string {
	return pf.Cause.Error()
}

func (pf PhaseFailure) Unwrap() error {
	return pf.Cause
}

func isPhaseFailure(err error) bool {
	return errors.As(err, new(PhaseFailure))
}
