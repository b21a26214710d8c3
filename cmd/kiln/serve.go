// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/gorilla/handlers"
	"github.com/kiln-build/kiln/internal/xnet"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

type serveOptions struct {
	listenAddr  string
	allowRemote bool
}

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "serve a read-only view of the store over HTTP",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &serveOptions{
		listenAddr: "localhost:8321",
	}
	c.Flags().StringVar(&opts.listenAddr, "listen", opts.listenAddr, "`address` to listen on")
	c.Flags().BoolVar(&opts.allowRemote, "allow-remote", false, "answer requests from other machines")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g, opts)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig, opts *serveOptions) error {
	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	l, err := listen(ctx, opts.listenAddr)
	if err != nil {
		return err
	}
	var handler http.Handler = store
	if !opts.allowRemote {
		handler = localOnlyMiddleware{handler}
	}
	srv := &http.Server{
		Handler: handlers.CombinedLoggingHandler(os.Stderr, handler),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		err := srv.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	grp.Go(func() error {
		<-grpCtx.Done()
		log.Infof(ctx, "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(xcontext.IgnoreDeadline(grpCtx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	log.Infof(ctx, "Listening on %v", l.Addr())
	return grp.Wait()
}

type localOnlyMiddleware struct {
	handler http.Handler
}

func (m localOnlyMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !xnet.IsLocalhost(r) {
		http.Error(w, "Only localhost connections permitted.", http.StatusForbidden)
		return
	}
	m.handler.ServeHTTP(w, r)
}

// listen returns sockets passed in by the service manager if there are any,
// and otherwise opens a TCP socket on addr.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		if len(listeners) > 1 {
			log.Warnf(ctx, "Service manager passed %d sockets; using the first", len(listeners))
		}
		log.Debugf(ctx, "Using socket from service manager")
		return listeners[0], nil
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
