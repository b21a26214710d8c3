// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/kiln-build/kiln/internal/backend"
	"github.com/kiln-build/kiln/kilnstore"
	"github.com/tailscale/hujson"
	"go4.org/xdgdir"
)

type globalConfig struct {
	Debug      bool                `json:"debug"`
	Directory  kilnstore.Directory `json:"storeDirectory"`
	DBPath     string              `json:"storeDatabase"`
	BuildDir   string              `json:"buildDirectory"`
	LogDir     string              `json:"logDirectory"`
	Jobs       int                 `json:"jobs"`
	KeepFailed bool                `json:"keepFailed"`
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		Directory: kilnstore.DefaultDirectory,
		DBPath:    filepath.Join(defaultVarDir(), "db.sqlite"),
		BuildDir:  os.TempDir(),
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("KILN_STORE_DIR"); dir != "" {
		kilnDir, err := kilnstore.CleanDirectory(dir)
		if err != nil {
			return err
		}
		g.Directory = kilnDir
	}

	if dir := os.Getenv("KILN_BUILD_DIR"); dir != "" {
		g.BuildDir = dir
	}

	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}

	return nil
}

// configFiles returns the configuration file paths to merge,
// lowest precedence first.
func configFiles() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yield(filepath.Join("/etc", "kiln", "config.jwcc")) {
			return
		}
		if configDir := xdgdir.Config.Path(); configDir != "" {
			if !yield(filepath.Join(configDir, "kiln", "config.jwcc")) {
				return
			}
		}
	}
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &g.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "storeDirectory":
			if err := jsonv2.UnmarshalDecode(in, &g.Directory); err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %w", err)
			}
		case "storeDatabase":
			if err := jsonv2.UnmarshalDecode(in, &g.DBPath); err != nil {
				return fmt.Errorf("unmarshal config.storeDatabase: %w", err)
			}
		case "buildDirectory":
			if err := jsonv2.UnmarshalDecode(in, &g.BuildDir); err != nil {
				return fmt.Errorf("unmarshal config.buildDirectory: %w", err)
			}
		case "logDirectory":
			if err := jsonv2.UnmarshalDecode(in, &g.LogDir); err != nil {
				return fmt.Errorf("unmarshal config.logDirectory: %w", err)
			}
		case "jobs":
			if err := jsonv2.UnmarshalDecode(in, &g.Jobs); err != nil {
				return fmt.Errorf("unmarshal config.jobs: %w", err)
			}
		case "keepFailed":
			if err := jsonv2.UnmarshalDecode(in, &g.KeepFailed); err != nil {
				return fmt.Errorf("unmarshal config.keepFailed: %w", err)
			}
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
			// Consume the value so the next read sees a key.
			if err := in.SkipValue(); err != nil {
				return err
			}
		}
	}
}

func (g *globalConfig) validate() error {
	if !filepath.IsAbs(string(g.Directory)) {
		// The directory must be in the format of the local OS.
		return fmt.Errorf("store directory %q is not absolute", g.Directory)
	}
	if g.DBPath == "" {
		return fmt.Errorf("store database path not set")
	}
	if g.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative")
	}

	return nil
}

// openStore opens the store named by the configuration,
// creating the store directory and the database's parent directory as needed.
func (g *globalConfig) openStore(ctx context.Context) (*backend.Store, error) {
	if err := os.MkdirAll(filepath.Dir(g.DBPath), 0o755); err != nil {
		return nil, err
	}
	return backend.Open(ctx, g.Directory, g.DBPath, &backend.Options{
		BuildDir:   g.BuildDir,
		LogDir:     g.LogDir,
		Jobs:       g.Jobs,
		KeepFailed: g.KeepFailed,
	})
}

// defaultVarDir returns "/kiln/var/kiln" on Unix-like systems.
func defaultVarDir() string {
	return filepath.Join(filepath.Dir(string(kilnstore.DefaultDirectory)), "var", "kiln")
}
