// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/gorilla/handlers"
	"github.com/kiln-build/kiln/internal/xmaps"
	"github.com/kiln-build/kiln/kilnstore"
	"zombiezen.com/go/log"
)

// ServeHTTP serves a read-only view of the store:
// entry metadata and reference edges as JSON,
// store object file trees,
// and build records with their logs.
// All endpoints answer GET and HEAD only.
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.Handle("/{$}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.serveSummary),
		http.MethodHead: http.HandlerFunc(s.serveSummary),
	})
	mux.Handle("/entry/{$}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.serveEntryList),
		http.MethodHead: http.HandlerFunc(s.serveEntryList),
	})
	mux.Handle("/entry/{id}/{$}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.serveEntry),
		http.MethodHead: http.HandlerFunc(s.serveEntry),
	})
	mux.Handle("/path/{name}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.serveEntryByPath),
		http.MethodHead: http.HandlerFunc(s.serveEntryByPath),
	})
	mux.Handle("/file/{name}/{rest...}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.serveFileTree),
		http.MethodHead: http.HandlerFunc(s.serveFileTree),
	})
	mux.Handle("/build/{$}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.serveBuildList),
		http.MethodHead: http.HandlerFunc(s.serveBuildList),
	})
	mux.Handle("/build/{id}/{$}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.serveBuild),
		http.MethodHead: http.HandlerFunc(s.serveBuild),
	})
	mux.Handle("/build/{id}/log/{drv}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.serveBuildLog),
		http.MethodHead: http.HandlerFunc(s.serveBuildLog),
	})
	mux.ServeHTTP(w, r)
}

type summaryResource struct {
	Store   string `json:"store"`
	Entries int    `json:"entries"`
}

type entryResource struct {
	ID        kilnstore.ID               `json:"id"`
	Name      string                     `json:"name"`
	Status    Status                     `json:"status"`
	CreatedAt time.Time                  `json:"createdAt"`
	BuildID   string                     `json:"buildID,omitzero"`
	Outputs   map[string]*objectResource `json:"outputs"`
}

type objectResource struct {
	Path    kilnstore.Path `json:"path"`
	NARHash string         `json:"narHash,omitzero"`
	NARSize int64          `json:"narSize,omitzero"`

	// References and Referrers are only present on single-entry responses.
	References []kilnstore.Path `json:"references,omitzero"`
	Referrers  []kilnstore.Path `json:"referrers,omitzero"`
}

type buildResource struct {
	ID        string         `json:"id"`
	Status    BuildStatus    `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt,omitzero"`
	Entries   []kilnstore.ID `json:"entries,omitzero"`
	Logs      []string       `json:"logs,omitzero"`
}

func (s *Store) serveSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.Entries(ctx)
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, r, &summaryResource{
		Store:   string(s.dir),
		Entries: len(entries),
	})
}

func (s *Store) serveEntryList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.Entries(ctx)
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	resources := make([]*entryResource, 0, len(entries))
	for _, ent := range entries {
		resources = append(resources, newEntryResource(ent))
	}
	writeJSON(ctx, w, r, resources)
}

func (s *Store) serveEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := kilnstore.ParseID(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ent, err := s.Entry(ctx, id)
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	s.writeEntryDetail(w, r, ent)
}

func (s *Store) serveEntryByPath(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.dir.Object(r.PathValue("name"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ent, err := s.EntryByPath(ctx, p)
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	s.writeEntryDetail(w, r, ent)
}

// writeEntryDetail writes the JSON document for a single entry,
// including the reference edges of each output.
func (s *Store) writeEntryDetail(w http.ResponseWriter, r *http.Request, ent *StoreEntry) {
	ctx := r.Context()
	if ent == nil {
		http.NotFound(w, r)
		return
	}
	resource := newEntryResource(ent)
	for _, outName := range xmaps.SortedKeys(resource.Outputs) {
		obj := resource.Outputs[outName]
		var err error
		obj.References, err = s.References(ctx, obj.Path)
		if err != nil {
			serverError(ctx, w, err)
			return
		}
		obj.Referrers, err = s.Referrers(ctx, obj.Path)
		if err != nil {
			serverError(ctx, w, err)
			return
		}
	}
	writeJSON(ctx, w, r, resource)
}

func newEntryResource(ent *StoreEntry) *entryResource {
	resource := &entryResource{
		ID:        ent.ID,
		Name:      ent.Name,
		Status:    ent.Status,
		CreatedAt: ent.CreatedAt,
		BuildID:   ent.BuildID,
		Outputs:   make(map[string]*objectResource, len(ent.Outputs)),
	}
	for outName, obj := range ent.Outputs {
		or := &objectResource{
			Path:    obj.Path,
			NARSize: obj.NARSize,
		}
		if !obj.NARHash.IsZero() {
			or.NARHash = obj.NARHash.SRI()
		}
		resource.Outputs[outName] = or
	}
	return resource
}

func (s *Store) serveFileTree(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.dir.Object(r.PathValue("name"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ent, err := s.EntryByPath(ctx, p)
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	if ent == nil || ent.Status != StatusValid {
		http.NotFound(w, r)
		return
	}
	http.ServeFileFS(w, r, os.DirFS(s.realDir), path.Join(p.Base(), r.PathValue("rest")))
}

func (s *Store) serveBuildList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 0
	if v := r.FormValue("n"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	builds, err := s.RecentBuilds(ctx, limit)
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	resources := make([]*buildResource, 0, len(builds))
	for _, b := range builds {
		resources = append(resources, &buildResource{
			ID:        b.ID,
			Status:    b.Status,
			StartedAt: b.StartedAt,
			EndedAt:   b.EndedAt,
		})
	}
	writeJSON(ctx, w, r, resources)
}

func (s *Store) serveBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := s.GetBuild(ctx, r.PathValue("id"))
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	if b == nil {
		http.NotFound(w, r)
		return
	}
	resource := &buildResource{
		ID:        b.ID,
		Status:    b.Status,
		StartedAt: b.StartedAt,
		EndedAt:   b.EndedAt,
	}
	resource.Entries, err = s.BuildEntries(ctx, b.ID)
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	resource.Logs, err = s.buildLogNames(b.ID)
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, r, resource)
}

// buildLogNames lists the derivation IDs the build wrote logs for.
func (s *Store) buildLogNames(buildID string) ([]string, error) {
	dirEntries, err := os.ReadDir(filepath.Join(s.logDir, buildID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, dent := range dirEntries {
		name, isLog := strings.CutSuffix(dent.Name(), ".log")
		if isLog && !dent.IsDir() {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *Store) serveBuildLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	drvID, err := kilnstore.ParseID(r.PathValue("drv"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	b, err := s.GetBuild(ctx, r.PathValue("id"))
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	if b == nil {
		http.NotFound(w, r)
		return
	}
	// Not providing a charset because we don't necessarily know the character encoding.
	w.Header().Set("Content-Type", "text/plain")
	http.ServeFile(w, r, filepath.Join(s.logDir, b.ID, drvID.String()+".log"))
}

func writeJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, v any) {
	data, err := jsonv2.Marshal(v, jsonv2.Deterministic(true))
	if err != nil {
		serverError(ctx, w, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(data)))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		log.Debugf(ctx, "%v", err)
	}
}

func serverError(ctx context.Context, w http.ResponseWriter, err error) {
	log.Errorf(ctx, "%v", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
