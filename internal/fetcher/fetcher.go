// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package fetcher downloads fetch specifications
// and stages their content for the store.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kiln-build/kiln/kilnstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/uritemplate"
)

// A Transport obtains the bytes behind a URL.
// Implementations must honor context cancellation.
type Transport interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// A Fetcher realizes fetch specifications:
// it downloads content, unpacks declared archives,
// and verifies the staged tree against the declared hash.
type Fetcher struct {
	// Transport performs the transfers.
	// If nil, a default [HTTPTransport] is used.
	Transport Transport
}

func (f *Fetcher) transport() Transport {
	if f == nil || f.Transport == nil {
		return new(HTTPTransport)
	}
	return f.Transport
}

// Fetch downloads spec and stages the resulting tree at dst,
// which must not exist yet.
// The staged tree is verified against the spec's declared hash
// before Fetch returns;
// on mismatch, Fetch returns [*kilnstore.HashMismatch]
// and the caller is expected to discard dst.
func (f *Fetcher) Fetch(ctx context.Context, spec *kilnstore.FetchSpec, dst string) (nix.Hash, error) {
	if err := spec.Validate(); err != nil {
		return nix.Hash{}, err
	}

	body, src, err := f.open(ctx, spec)
	if err != nil {
		return nix.Hash{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "fetch-*")
	if err != nil {
		body.Close()
		return nix.Hash{}, err
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		if err := os.Remove(tmpName); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Debugf(ctx, "Cleaning up %s: %v", tmpName, err)
		}
	}()
	_, copyErr := io.Copy(tmp, body)
	closeErr := body.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return nix.Hash{}, &FetchFailed{URL: src, Cause: copyErr}
	}

	if spec.Archive == kilnstore.ArchiveNone {
		if err := tmp.Chmod(0o644); err != nil {
			return nix.Hash{}, err
		}
		if err := tmp.Close(); err != nil {
			return nix.Hash{}, err
		}
		if err := os.Rename(tmpName, dst); err != nil {
			return nix.Hash{}, err
		}
	} else {
		if err := extractArchive(dst, tmp); err != nil {
			return nix.Hash{}, fmt.Errorf("extract %s: %v", src, err)
		}
		if err := hoistSingleRoot(dst); err != nil {
			return nix.Hash{}, fmt.Errorf("extract %s: %v", src, err)
		}
	}

	h := nix.NewHasher(spec.Hash.Type())
	if err := nar.DumpPath(h, dst); err != nil {
		return nix.Hash{}, err
	}
	got := h.SumHash()
	if !got.Equal(spec.Hash) {
		return nix.Hash{}, &kilnstore.HashMismatch{Expected: spec.Hash, Actual: got}
	}
	return got, nil
}

// open starts a transfer for spec,
// trying the primary URL and then each mirror in order.
// It returns the response body and the URL that served it.
func (f *Fetcher) open(ctx context.Context, spec *kilnstore.FetchSpec) (io.ReadCloser, string, error) {
	t := f.transport()
	body, primaryErr := t.Fetch(ctx, spec.URL)
	if primaryErr == nil {
		return body, spec.URL, nil
	}
	log.Debugf(ctx, "Fetch %s: %v", spec.URL, primaryErr)

	templateData := map[string]string{
		"name": spec.Name(),
		"hash": spec.Hash.SRI(),
		"url":  spec.URL,
	}
	for _, m := range spec.Mirrors {
		if ctx.Err() != nil {
			break
		}
		u, err := uritemplate.Expand(m, templateData)
		if err != nil {
			log.Warnf(ctx, "Mirror template %q: %v", m, err)
			continue
		}
		body, err := t.Fetch(ctx, u)
		if err == nil {
			log.Debugf(ctx, "Fetched %s from mirror %s", spec.URL, u)
			return body, u, nil
		}
		log.Debugf(ctx, "Fetch mirror %s: %v", u, err)
	}

	return nil, "", &FetchFailed{URL: spec.URL, Cause: primaryErr}
}

// A FetchFailed error reports that a transfer could not be completed.
// If mirrors were declared, they were all tried;
// Cause is the primary URL's error.
type FetchFailed struct {
	URL   string
	Cause error
}

func (e *FetchFailed) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Cause)
}

func (e *FetchFailed) Unwrap() error {
	return e.Cause
}
