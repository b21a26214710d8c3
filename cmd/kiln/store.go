// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/kiln-build/kiln/internal/backend"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/log"
)

func newStoreCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "store COMMAND",
		Short:                 "inspect and maintain the store",
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.AddCommand(
		newStorePathCommand(g),
		newStoreDumpCommand(g),
		newStoreCheckCommand(g),
		newStoreGCCommand(g),
	)
	return c
}

type storePathOptions struct {
	paths      []string
	jsonFormat bool
}

func newStorePathCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "path [options] PATH [...]",
		Short:                 "show metadata of one or more store paths",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(storePathOptions)
	c.Flags().BoolVar(&opts.jsonFormat, "json", false, "print path info as JSON")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.paths = args
		return runStorePath(cmd.Context(), g, opts)
	}
	return c
}

// pathInfo is the record printed by "kiln store path".
type pathInfo struct {
	Path       kilnstore.Path   `json:"path"`
	Entry      kilnstore.ID     `json:"entry"`
	Name       string           `json:"name"`
	Output     string           `json:"output"`
	Status     backend.Status   `json:"status"`
	NARHash    string           `json:"narHash,omitzero"`
	NARSize    int64            `json:"narSize,omitzero"`
	References []kilnstore.Path `json:"references,omitzero"`
	Referrers  []kilnstore.Path `json:"referrers,omitzero"`
}

func runStorePath(ctx context.Context, g *globalConfig, opts *storePathOptions) error {
	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	const errNotExist = "does not exist"

	buf := new(bytes.Buffer)
	for i, arg := range opts.paths {
		path, err := kilnstore.ParsePath(arg)
		if err != nil {
			return err
		}
		if path.Dir() != g.Directory {
			return fmt.Errorf("%s: not in store %s", path, g.Directory)
		}

		ent, err := store.EntryByPath(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
		if ent == nil {
			return fmt.Errorf("%s: %v", path, errNotExist)
		}
		info := &pathInfo{
			Path:   path,
			Entry:  ent.ID,
			Name:   ent.Name,
			Status: ent.Status,
		}
		for outName, obj := range ent.Outputs {
			if obj.Path != path {
				continue
			}
			info.Output = outName
			if !obj.NARHash.IsZero() {
				info.NARHash = obj.NARHash.SRI()
			}
			info.NARSize = obj.NARSize
		}
		info.References, err = store.References(ctx, path)
		if err != nil {
			return err
		}
		info.Referrers, err = store.Referrers(ctx, path)
		if err != nil {
			return err
		}

		if opts.jsonFormat {
			jsonBytes, err := jsonv2.Marshal(info, jsonv2.Deterministic(true))
			if err != nil {
				return err
			}
			jsonBytes = append(jsonBytes, '\n')
			if _, err := os.Stdout.Write(jsonBytes); err != nil {
				return err
			}
			continue
		}

		buf.Reset()
		if i > 0 {
			// Blank line between entries.
			buf.WriteByte('\n')
		}
		fmt.Fprintf(buf, "StorePath: %s\n", info.Path)
		fmt.Fprintf(buf, "Entry: %v\n", info.Entry)
		fmt.Fprintf(buf, "Name: %s\n", info.Name)
		if info.Output != "" {
			fmt.Fprintf(buf, "Output: %s\n", info.Output)
		}
		fmt.Fprintf(buf, "Status: %s\n", info.Status)
		if info.NARHash != "" {
			fmt.Fprintf(buf, "NarHash: %s\n", info.NARHash)
			fmt.Fprintf(buf, "NarSize: %d\n", info.NARSize)
		}
		if len(info.References) > 0 {
			buf.WriteString("References:")
			for _, ref := range info.References {
				buf.WriteByte(' ')
				buf.WriteString(ref.Base())
			}
			buf.WriteByte('\n')
		}
		if len(info.Referrers) > 0 {
			buf.WriteString("Referrers:")
			for _, ref := range info.Referrers {
				buf.WriteByte(' ')
				buf.WriteString(ref.Base())
			}
			buf.WriteByte('\n')
		}
		if _, err := os.Stdout.Write(buf.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

type storeDumpOptions struct {
	path   string
	output io.WriteCloser
}

func newStoreDumpCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "dump [options] PATH",
		Short:                 "serialize a store object as a NAR archive",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	outputPath := c.Flags().StringP("output", "o", "", "output `file`")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts := new(storeDumpOptions)
		switch {
		case *outputPath == "" && term.IsTerminal(int(os.Stdout.Fd())):
			return errors.New("refusing to send binary dump to stdout (a tty). Pass --output=- to override.")
		case *outputPath == "" || *outputPath == "-":
			opts.output = nopWriteCloser{os.Stdout}
		default:
			var err error
			opts.output, err = os.Create(*outputPath)
			if err != nil {
				return err
			}
		}
		opts.path = args[0]
		return runStoreDump(cmd.Context(), g, opts)
	}
	return c
}

func runStoreDump(ctx context.Context, g *globalConfig, opts *storeDumpOptions) error {
	closeOutput := sync.OnceValue(opts.output.Close)
	defer closeOutput()

	path, err := kilnstore.ParsePath(opts.path)
	if err != nil {
		return err
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

	if err := store.Dump(ctx, path, opts.output); err != nil {
		return err
	}
	return closeOutput()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newStoreCheckCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "check",
		Short:                 "verify that the store index matches the disk",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStoreCheck(cmd.Context(), g)
	}
	return c
}

func runStoreCheck(ctx context.Context, g *globalConfig) error {
	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	missing, err := store.Verify(ctx)
	if err != nil {
		return err
	}
	for _, p := range missing {
		fmt.Println(p)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d store paths failed verification", len(missing))
	}
	log.Infof(ctx, "Store OK")
	return nil
}

type storeGCOptions struct {
	dryRun  bool
	minRefs int
}

func newStoreGCCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "gc [options]",
		Short:                 "delete unreferenced store entries",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(storeGCOptions)
	c.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report what would be deleted without deleting anything")
	c.Flags().IntVar(&opts.minRefs, "min-refs", 1, "keep entries whose outputs have at least `count` referrers")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStoreGC(cmd.Context(), g, opts)
	}
	return c
}

func runStoreGC(ctx context.Context, g *globalConfig, opts *storeGCOptions) error {
	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	result, err := store.GC(ctx, &backend.GCOptions{
		DryRun:  opts.dryRun,
		MinRefs: opts.minRefs,
	})
	if err != nil {
		return err
	}
	for _, p := range result.Deleted {
		fmt.Println(p)
	}
	if opts.dryRun {
		log.Infof(ctx, "Would delete %d store paths (%d entries kept)", len(result.Deleted), result.Kept)
	} else {
		log.Infof(ctx, "Deleted %d store paths (%d entries kept)", len(result.Deleted), result.Kept)
	}
	return nil
}
