// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/kiln-build/kiln/internal/manifest"
	"github.com/kiln-build/kiln/internal/xmaps"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type buildOptions struct {
	file    string
	outLink string
	jobs    int
	targets []string
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] [TARGET [...]]",
		Short:                 "build one or more derivations",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	c.Flags().StringVarP(&opts.file, "file", "f", manifest.DefaultFileName, "`path` to manifest file")
	c.Flags().StringVarP(&opts.outLink, "out-link", "o", "result", "change the name of the output path symlink to `path` (empty disables the symlink)")
	c.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "maximum `number` of derivations to build concurrently")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.targets = args
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildOptions) error {
	m, err := manifest.Load(opts.file)
	if err != nil {
		return err
	}
	res, err := m.Resolve(g.Directory)
	if err != nil {
		return err
	}
	want, err := buildTargets(res, opts.file, opts.targets)
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
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	entries, err := store.Realize(ctx, res.Graph, want)
	if err != nil {
		return err
	}

	for _, id := range want {
		ent := entries[id]
		if ent == nil {
			return fmt.Errorf("no store entry for %v", id)
		}
		for _, outName := range xmaps.SortedKeys(ent.Outputs) {
			p := ent.Outputs[outName].Path
			fmt.Println(p)
			if opts.outLink != "" {
				name := outLinkName(opts.outLink, ent.Name, outName, len(want) > 1)
				if err := makeOutLink(name, string(p)); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// buildTargets maps target names to derivation IDs,
// defaulting to the manifest's default environment closure.
func buildTargets(res *manifest.Resolved, file string, targets []string) ([]kilnstore.ID, error) {
	if len(targets) == 0 {
		env, err := res.Environment("")
		if err != nil {
			return nil, fmt.Errorf("no targets given: %v", err)
		}
		want := res.Want(env)
		if len(want) == 0 {
			return nil, fmt.Errorf("environment %s has no derivations to build", env.Name)
		}
		return want, nil
	}
	want := make([]kilnstore.ID, 0, len(targets))
	for _, target := range targets {
		id, ok := res.IDs[target]
		if !ok {
			return nil, fmt.Errorf("no derivation named %q in %s", target, file)
		}
		if !slices.Contains(want, id) {
			want = append(want, id)
		}
	}
	return want, nil
}

// outLinkName names the symlink for one output:
// the base name alone for a lone target's default output,
// with the derivation and output names appended as needed to disambiguate.
func outLinkName(base, drvName, outName string, multipleTargets bool) string {
	name := base
	if multipleTargets {
		name += "-" + drvName
	}
	if outName != kilnstore.DefaultOutputName {
		name += "-" + outName
	}
	return name
}

func makeOutLink(name, target string) error {
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink(target, name)
}
