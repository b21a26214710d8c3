// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "kiln",
		Short:         "content-addressed builds and environments",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeFiles(configFiles()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().Var((*storeDirectoryFlag)(&g.Directory), "store", "path to store `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.DBPath, "db", g.DBPath, "`path` to store database file")
	rootCommand.PersistentFlags().StringVar(&g.BuildDir, "build-root", g.BuildDir, "`dir`ectory to store temporary build artifacts")
	rootCommand.PersistentFlags().BoolVar(&g.KeepFailed, "keep-failed", g.KeepFailed, "keep build directories of failed builds")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug || *showDebug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newBuildCommand(g),
		newRunCommand(g),
		newServeCommand(g),
		newStoreCommand(g),
		newVersionCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		var exitCode exitCodeError
		if errors.As(err, &exitCode) {
			os.Exit(int(exitCode))
		}
		initLogging(g.Debug || *showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

// exitCodeError carries a child process's exit status
// through the command error path so it becomes kiln's own.
type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "kiln: ", log.StdFlags, nil),
		})
	})
}
