// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiln-build/kiln/internal/osutil"
	"github.com/kiln-build/kiln/internal/patcher"
	"github.com/kiln-build/kiln/internal/xmaps"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/kiln-build/kiln/sets"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/batchio"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// BuildFailed reports that a derivation's build failed,
// naming the phase that caused it.
type BuildFailed struct {
	Drv   kilnstore.ID
	Phase kilnstore.PhaseName
	Cause error
}

func (e *BuildFailed) Error() string {
	return fmt.Sprintf("build %v: %v phase: %v", e.Drv, e.Phase, e.Cause)
}

func (e *BuildFailed) Unwrap() error {
	return e.Cause
}

// DependencyFailed reports that a derivation was not built
// because one of its transitive inputs failed.
// Cause is the root failure.
type DependencyFailed struct {
	Drv   kilnstore.ID
	Cause error
}

func (e *DependencyFailed) Error() string {
	return fmt.Sprintf("build %v: dependency failed: %v", e.Drv, e.Cause)
}

func (e *DependencyFailed) Unwrap() error {
	return e.Cause
}

// rootCause strips any [DependencyFailed] layers from err.
func rootCause(err error) error {
	for {
		var dep *DependencyFailed
		if !errors.As(err, &dep) {
			return err
		}
		err = dep.Cause
	}
}

// Realize builds the derivations named by want,
// and transitively their inputs,
// reusing valid store entries wherever possible.
// It returns a store entry for every derivation it realized or reused.
// Derivations with no dependency relationship build concurrently,
// bounded by the store's job limit.
//
// If any derivation fails, Realize cancels the rest of the build
// and returns the root failure,
// which unwraps to [*BuildFailed] for phase failures
// and to [*kilnstore.HashMismatch] for fetches
// whose content did not match their declared hash.
func (s *Store) Realize(ctx context.Context, g *kilnstore.Graph, want []kilnstore.ID) (map[kilnstore.ID]*StoreEntry, error) {
	if len(want) == 0 {
		return map[kilnstore.ID]*StoreEntry{}, nil
	}
	if s.realDir != string(s.dir) {
		return nil, fmt.Errorf("realize: store %s is physically located at %s; built objects would reference paths that do not resolve", s.dir, s.realDir)
	}
	needed, err := buildOrder(g, want)
	if err != nil {
		return nil, err
	}

	buildID := newBuildID(want)
	ctx, finish, err := s.startBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	log.Infof(ctx, "Starting build %v (%d derivations)", buildID, len(needed))

	results := make(map[kilnstore.ID]*nodeResult, len(needed))
	for _, node := range needed {
		results[node.id] = &nodeResult{done: make(chan struct{})}
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, node := range needed {
		grp.Go(func() error {
			res := results[node.id]
			defer close(res.done)
			res.entry, res.err = s.waitAndRealize(grpCtx, node, buildID, results)
			return res.err
		})
	}
	if waitErr := grp.Wait(); waitErr != nil {
		finish(BuildStatusFailed)
		// Report a root failure in preference to the errors it induced.
		for _, node := range needed {
			err := results[node.id].err
			if err == nil {
				continue
			}
			if errors.As(err, new(*DependencyFailed)) || errors.Is(err, context.Canceled) {
				continue
			}
			return nil, err
		}
		return nil, waitErr
	}
	finish(BuildStatusSucceeded)
	log.Infof(ctx, "Build %v succeeded", buildID)

	entries := make(map[kilnstore.ID]*StoreEntry, len(results))
	for id, res := range results {
		entries[id] = res.entry
	}
	return entries, nil
}

type buildNode struct {
	id  kilnstore.ID
	drv *kilnstore.Derivation
}

type nodeResult struct {
	done  chan struct{}
	entry *StoreEntry
	err   error
}

// buildOrder returns the transitive closure of want in dependency order.
func buildOrder(g *kilnstore.Graph, want []kilnstore.ID) ([]buildNode, error) {
	needed := make(sets.Set[kilnstore.ID])
	var visit func(id kilnstore.ID) error
	visit = func(id kilnstore.ID) error {
		if needed.Has(id) {
			return nil
		}
		drv := g.Derivation(id)
		if drv == nil {
			return fmt.Errorf("realize %v: derivation not in graph", id)
		}
		needed.Add(id)
		for i := range drv.Inputs {
			if ref := drv.Inputs[i].Output; ref != nil {
				if err := visit(ref.DrvID); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, id := range want {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	order := make([]buildNode, 0, len(needed))
	for id, drv := range g.All() {
		if needed.Has(id) {
			order = append(order, buildNode{id: id, drv: drv})
		}
	}
	return order, nil
}

// waitAndRealize blocks until all of node's dependencies have resolved,
// then realizes node under the store's job limit.
func (s *Store) waitAndRealize(ctx context.Context, node buildNode, buildID uuid.UUID, results map[kilnstore.ID]*nodeResult) (*StoreEntry, error) {
	deps := make(map[kilnstore.ID]*StoreEntry)
	for i := range node.drv.Inputs {
		ref := node.drv.Inputs[i].Output
		if ref == nil {
			continue
		}
		dep := results[ref.DrvID]
		if dep == nil {
			return nil, fmt.Errorf("build %v: internal error: dependency %v was not scheduled", node.id, ref.DrvID)
		}
		select {
		case <-dep.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if dep.err != nil {
			return nil, &DependencyFailed{Drv: node.id, Cause: rootCause(dep.err)}
		}
		deps[ref.DrvID] = dep.entry
	}

	if err := s.buildSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.buildSem.Release(1)
	return s.realizeNode(ctx, node, buildID, deps)
}

// realizeNode produces the store entry for a single derivation,
// reusing an existing entry if one is usable.
// deps must contain entries for every derivation node's inputs reference.
func (s *Store) realizeNode(ctx context.Context, node buildNode, buildID uuid.UUID, deps map[kilnstore.ID]*StoreEntry) (*StoreEntry, error) {
	id, drv := node.id, node.drv

	log.Debugf(ctx, "Waiting for realize lock on %v...", id)
	unlock, err := s.realizing.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if ent, err := s.lookupUsable(ctx, id); err != nil {
		return nil, err
	} else if ent != nil {
		log.Debugf(ctx, "Reusing store entry for %v", id)
		return ent, nil
	}

	if !s.systems.Has(drv.System) {
		return nil, fmt.Errorf("build %v: this store realizes for %s, not %s",
			id, strings.Join(slices.Sorted(s.systems.All()), ", "), drv.System)
	}

	inputPaths := make(map[string]kilnstore.Path, len(drv.Inputs))
	for i := range drv.Inputs {
		in := &drv.Inputs[i]
		switch {
		case in.Fetch != nil:
			ent, err := s.realizeFetch(ctx, in.Fetch)
			if err != nil {
				return nil, fmt.Errorf("build %v: input %s: %w", id, in.Name, err)
			}
			inputPaths[in.Name] = ent.Outputs[kilnstore.DefaultOutputName].Path
		case in.Output != nil:
			dep := deps[in.Output.DrvID]
			if dep == nil {
				return nil, fmt.Errorf("build %v: input %s: missing entry for %v", id, in.Name, in.Output.DrvID)
			}
			obj, ok := dep.Outputs[in.Output.OutputName]
			if !ok {
				return nil, fmt.Errorf("build %v: input %s: dependency did not produce output %q", id, in.Name, in.Output.OutputName)
			}
			inputPaths[in.Name] = obj.Path
		}
	}

	outPaths := make(map[string]kilnstore.Path)
	for _, outName := range drv.OutputNames() {
		p, err := drv.OutputPath(outName)
		if err != nil {
			return nil, fmt.Errorf("build %v: %v", id, err)
		}
		outPaths[outName] = p
	}

	handle, err := s.BeginBuild(ctx, id, drv.Name, outPaths)
	if err != nil {
		return nil, err
	}
	handle.buildID = buildID.String()
	handle.refCandidates, err = s.inputClosure(ctx, inputPaths)
	if err != nil {
		abortBuild(ctx, handle)
		return nil, fmt.Errorf("build %v: %v", id, err)
	}

	ent, err := s.runBuild(ctx, handle, node, buildID, inputPaths, outPaths)
	if err != nil {
		abortBuild(ctx, handle)
		return nil, err
	}
	return ent, nil
}

// abortBuild resolves handle as failed,
// detaching from ctx's cancellation so cleanup still runs
// when the build was interrupted.
func abortBuild(ctx context.Context, handle *BuildHandle) {
	if err := handle.Abort(context.WithoutCancel(ctx)); err != nil {
		log.Warnf(ctx, "%v", err)
	}
}

// inputClosure expands the realized input paths
// to the full set of store paths reachable from them,
// using the references recorded in the index.
func (s *Store) inputClosure(ctx context.Context, inputPaths map[string]kilnstore.Path) ([]kilnstore.Path, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	closure := new(sets.Sorted[kilnstore.Path])
	for _, root := range inputPaths {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "closure.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":path": string(root)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				path, err := kilnstore.ParsePath(stmt.GetText("path"))
				if err != nil {
					return err
				}
				closure.Add(path)
				return nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("input closure: %v", err)
		}
	}
	return slices.Collect(closure.Values()), nil
}

// runBuild stages node's working directory, runs its phases in order,
// and commits the outputs.
func (s *Store) runBuild(ctx context.Context, handle *BuildHandle, node buildNode, buildID uuid.UUID, inputPaths, outPaths map[string]kilnstore.Path) (_ *StoreEntry, err error) {
	id, drv := node.id, node.drv

	workDir, err := os.MkdirTemp(s.buildDir, "kiln-build-"+drv.Name+"*")
	if err != nil {
		return nil, fmt.Errorf("build %v: %v", id, err)
	}
	defer func() {
		if err != nil && s.keepFailed {
			log.Infof(ctx, "Build failed: keeping working directory %s", workDir)
			return
		}
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warnf(ctx, "Failed to clean up %s: %v", workDir, rmErr)
		}
	}()

	logPath := filepath.Join(s.logDir, buildID.String(), id.String()+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("build %v: %v", id, err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("build %v: %v", id, err)
	}
	defer logFile.Close()
	logw := batchio.NewWriter(logFile, 8192, 250*time.Millisecond)
	defer logw.Flush()

	expanded := drv.ExpandPlaceholders(newPathReplacer(inputPaths, outPaths))
	env := maps.Clone(expanded.Env)
	if env == nil {
		env = make(map[string]string)
	}
	fillBaseEnv(env, s.dir, workDir)
	for outName, p := range outPaths {
		env[outName] = string(p)
	}

	log.Debugf(ctx, "Realizing %s (%v) in %s...", drv.Name, id, workDir)
	inputStrings := make(map[string]string, len(inputPaths))
	for name, p := range inputPaths {
		inputStrings[name] = s.realPath(p)
	}
	for i := range expanded.Phases {
		phase := &expanded.Phases[i]
		fmt.Fprintf(logw, "--- %v\n", phase.Name)

		var phaseErr error
		switch phase.Name {
		case kilnstore.PhaseUnpack:
			phaseErr = unpackInputs(workDir, drv, inputStrings)
		case kilnstore.PhasePatch:
			phaseErr = applyPatchRules(ctx, workDir, phase.Rules, inputStrings, logw)
		default:
			phaseErr = s.runner(ctx, &Invocation{
				Phase:  phase.Name,
				Script: phase.Script,
				Dir:    workDir,
				Env:    env,
				Log:    logw,
			})
		}
		logw.Flush()
		if phaseErr != nil {
			if ctx.Err() != nil {
				log.Debugf(ctx, "Build of %v interrupted during %v phase", id, phase.Name)
				return nil, ctx.Err()
			}
			if phase.Optional && isPhaseFailure(phaseErr) {
				log.Infof(ctx, "Optional %v phase of %s failed: %v", phase.Name, drv.Name, phaseErr)
				fmt.Fprintf(logw, "--- optional %v phase failed: %v\n", phase.Name, phaseErr)
				continue
			}
			return nil, &BuildFailed{Drv: id, Phase: phase.Name, Cause: phaseErr}
		}
	}

	built := make(map[string]string, len(outPaths))
	for outName, p := range outPaths {
		realPath := s.realPath(p)
		if _, err := os.Lstat(realPath); err != nil {
			return nil, &BuildFailed{
				Drv:   id,
				Phase: lastPhaseName(drv),
				Cause: fmt.Errorf("output %q was not produced at %s", outName, p),
			}
		}
		built[outName] = realPath
	}

	ent, err := handle.Commit(ctx, built)
	if err != nil {
		return nil, err
	}
	log.Infof(ctx, "Built %s", drv.Name)
	return ent, nil
}

// Fetch ensures the content spec declares is in the store,
// downloading and verifying it if no valid entry exists.
// Fetching a spec whose content is already stored is a cache hit
// and performs no network I/O.
func (s *Store) Fetch(ctx context.Context, spec *kilnstore.FetchSpec) (*StoreEntry, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return s.realizeFetch(ctx, spec)
}

// realizeFetch ensures the content for a fetch input is in the store,
// downloading and verifying it if no valid entry exists.
func (s *Store) realizeFetch(ctx context.Context, spec *kilnstore.FetchSpec) (*StoreEntry, error) {
	id := spec.ID()

	unlock, err := s.realizing.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if ent, err := s.lookupUsable(ctx, id); err != nil {
		return nil, err
	} else if ent != nil {
		log.Debugf(ctx, "Reusing fetched content for %s", spec.URL)
		return ent, nil
	}

	path, err := spec.StorePath(s.dir)
	if err != nil {
		return nil, err
	}
	handle, err := s.BeginBuild(ctx, id, spec.Name(), map[string]kilnstore.Path{
		kilnstore.DefaultOutputName: path,
	})
	if err != nil {
		return nil, err
	}

	log.Infof(ctx, "Fetching %s...", spec.URL)
	dst := s.stagePath(path)
	if _, err := s.fetcher.Fetch(ctx, spec, dst); err != nil {
		if rmErr := osutil.ForceRemoveAll(dst); rmErr != nil {
			log.Warnf(ctx, "Clean up failed fetch: %v", rmErr)
		}
		abortBuild(ctx, handle)
		return nil, err
	}
	ent, err := handle.Commit(ctx, map[string]string{kilnstore.DefaultOutputName: dst})
	if err != nil {
		abortBuild(ctx, handle)
		return nil, err
	}
	return ent, nil
}

// newPathReplacer returns a replacer that expands
// input and output placeholders to store paths.
func newPathReplacer(inputPaths, outPaths map[string]kilnstore.Path) *strings.Replacer {
	args := make([]string, 0, 2*(len(inputPaths)+len(outPaths)))
	for name, p := range xmaps.Sorted(inputPaths) {
		args = append(args, kilnstore.InputPlaceholder(name), string(p))
	}
	for outName, p := range xmaps.Sorted(outPaths) {
		args = append(args, kilnstore.OutputPlaceholder(outName), string(p))
	}
	return strings.NewReplacer(args...)
}

func lastPhaseName(drv *kilnstore.Derivation) kilnstore.PhaseName {
	if len(drv.Phases) == 0 {
		return kilnstore.PhaseInstall
	}
	return drv.Phases[len(drv.Phases)-1].Name
}

// unpackInputs stages the derivation's inputs in the working directory:
// fetched content is copied so later phases can modify it,
// and built dependencies are symlinked.
func unpackInputs(workDir string, drv *kilnstore.Derivation, inputStrings map[string]string) error {
	for i := range drv.Inputs {
		in := &drv.Inputs[i]
		src := inputStrings[in.Name]
		dst := filepath.Join(workDir, in.Name)
		if in.Fetch != nil {
			if err := stageWritableCopy(dst, src); err != nil {
				return fmt.Errorf("unpack input %s: %v", in.Name, err)
			}
		} else {
			if err := os.Symlink(src, dst); err != nil {
				return fmt.Errorf("unpack input %s: %v", in.Name, err)
			}
		}
	}
	return nil
}

// applyPatchRules runs each patch rule against the working directory.
func applyPatchRules(ctx context.Context, workDir string, rules []kilnstore.PatchRule, inputStrings map[string]string, logw io.Writer) error {
	for i := range rules {
		rule := rules[i]
		n, err := patcher.Apply(ctx, workDir, rule, inputStrings)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return PhaseFailure{fmt.Errorf("%v rule: %w", rule.Kind, err)}
		}
		fmt.Fprintf(logw, "%v: rewrote %d file(s)\n", rule.Kind, n)
	}
	return nil
}

// stageWritableCopy copies the tree rooted at src to dst,
// adding owner write permission so later phases can modify the copy.
func stageWritableCopy(dst, src string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.IsDir():
		if err := os.Mkdir(dst, 0o755); err != nil {
			return err
		}
		listing, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, ent := range listing {
			err := stageWritableCopy(filepath.Join(dst, ent.Name()), filepath.Join(src, ent.Name()))
			if err != nil {
				return err
			}
		}
		return nil
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.Mode().IsRegular():
		perm := info.Mode().Perm() | 0o200
		srcFile, err := os.Open(src)
		if err != nil {
			return err
		}
		defer srcFile.Close()
		dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err != nil {
			return err
		}
		_, err = io.Copy(dstFile, srcFile)
		if closeErr := dstFile.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		// Run an extra chmod to bypass umask.
		return os.Chmod(dst, perm)
	default:
		return fmt.Errorf("copy %s: unsupported file type %v", src, info.Mode().Type())
	}
}
