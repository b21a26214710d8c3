// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/kiln-build/kiln/internal/composer"
	"github.com/kiln-build/kiln/internal/manifest"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type runOptions struct {
	file    string
	envName string
	jobs    int
	command []string
}

func newRunCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "run [options] -- COMMAND [ARG [...]]",
		Short:                 "run a command inside a composed environment",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(runOptions)
	c.Flags().StringVarP(&opts.file, "file", "f", manifest.DefaultFileName, "`path` to manifest file")
	c.Flags().StringVarP(&opts.envName, "env", "e", "", "`name` of the environment to compose (defaults to the manifest's default)")
	c.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "maximum `number` of derivations to build concurrently")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.command = args
		return runRun(cmd.Context(), g, opts)
	}
	return c
}

func runRun(ctx context.Context, g *globalConfig, opts *runOptions) error {
	m, err := manifest.Load(opts.file)
	if err != nil {
		return err
	}
	res, err := m.Resolve(g.Directory)
	if err != nil {
		return err
	}
	envSpec, err := res.Environment(opts.envName)
	if err != nil {
		return err
	}

	if opts.jobs > 0 {
		g.Jobs = opts.jobs
	}
	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	closeStore := sync.OnceValue(store.Close)
	defer func() {
		if err := closeStore(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	entries, err := store.Realize(ctx, res.Graph, res.Want(envSpec))
	if err != nil {
		return err
	}
	for i := range envSpec.Paths {
		ent := &envSpec.Paths[i]
		if ent.Fetch == nil {
			continue
		}
		if _, err := store.Fetch(ctx, ent.Fetch); err != nil {
			return err
		}
	}

	env, err := composer.Compose(g.Directory, envSpec, func(ref kilnstore.OutputReference) (kilnstore.Path, bool) {
		ent := entries[ref.DrvID]
		if ent == nil {
			return "", false
		}
		obj, ok := ent.Outputs[ref.OutputName]
		if !ok {
			return "", false
		}
		return obj.Path, true
	})
	if err != nil {
		return err
	}

	// The composed environment only needs the object directory,
	// so the database can be released before the child starts.
	if err := closeStore(); err != nil {
		log.Errorf(ctx, "%v", err)
	}

	c := env.Command(ctx, opts.command[0], opts.command[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	err = c.Run()
	var exitError *exec.ExitError
	if errors.As(err, &exitError) && exitError.ExitCode() >= 0 {
		return exitCodeError(exitError.ExitCode())
	}
	return err
}
