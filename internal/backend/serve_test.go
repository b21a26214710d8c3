// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package backend_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kiln-build/kiln/internal/backendtest"
	"github.com/kiln-build/kiln/internal/system"
	"github.com/kiln-build/kiln/internal/testcontext"
	"github.com/kiln-build/kiln/kilnstore"
)

type objectDetail struct {
	Path       string   `json:"path"`
	NARHash    string   `json:"narHash"`
	NARSize    int64    `json:"narSize"`
	References []string `json:"references"`
	Referrers  []string `json:"referrers"`
}

type entryDetail struct {
	ID      string                  `json:"id"`
	Name    string                  `json:"name"`
	Status  string                  `json:"status"`
	BuildID string                  `json:"buildID"`
	Outputs map[string]objectDetail `json:"outputs"`
}

func TestServeHTTP(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	dir := backendtest.NewStoreDirectory(t)
	store, err := backendtest.Open(ctx, t, dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	g := kilnstore.NewGraph()
	base := &kilnstore.Derivation{
		Dir:    dir,
		Name:   "lib.txt",
		System: system.Current().String(),
		Phases: []kilnstore.PhaseSpec{{
			Name:   kilnstore.PhaseInstall,
			Script: `printf 'library\n' > "${out}"`,
		}},
	}
	baseID := addDerivation(t, g, base)
	app := &kilnstore.Derivation{
		Dir:    dir,
		Name:   "app.txt",
		System: system.Current().String(),
		Inputs: []kilnstore.Input{{
			Name:   "dep",
			Output: &kilnstore.OutputReference{DrvID: baseID, OutputName: kilnstore.DefaultOutputName},
		}},
		Phases: []kilnstore.PhaseSpec{{
			Name:   kilnstore.PhaseInstall,
			Script: `printf 'uses %s\n' "${dep}" > "${out}"`,
		}},
	}
	appID := addDerivation(t, g, app)
	built, err := store.Realize(ctx, g, []kilnstore.ID{appID})
	if err != nil {
		t.Fatal(err)
	}
	basePath := built[baseID].Outputs[kilnstore.DefaultOutputName].Path
	appPath := built[appID].Outputs[kilnstore.DefaultOutputName].Path
	buildID := built[appID].BuildID

	get := func(tb testing.TB, target string) *httptest.ResponseRecorder {
		tb.Helper()
		rec := httptest.NewRecorder()
		store.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}
	decode := func(tb testing.TB, rec *httptest.ResponseRecorder, v any) {
		tb.Helper()
		if rec.Code != http.StatusOK {
			tb.Fatalf("HTTP status = %d; want 200 (body %q)", rec.Code, rec.Body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			tb.Errorf("Content-Type = %q; want application/json", ct)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			tb.Fatalf("decode response %q: %v", rec.Body, err)
		}
	}

	t.Run("Summary", func(t *testing.T) {
		var got struct {
			Store   string `json:"store"`
			Entries int    `json:"entries"`
		}
		decode(t, get(t, "/"), &got)
		if got.Store != string(dir) {
			t.Errorf("store = %q; want %q", got.Store, dir)
		}
		if got.Entries != 2 {
			t.Errorf("entries = %d; want 2", got.Entries)
		}
	})

	t.Run("EntryList", func(t *testing.T) {
		var got []entryDetail
		decode(t, get(t, "/entry/"), &got)
		if len(got) != 2 {
			t.Fatalf("listed %d entries; want 2", len(got))
		}
		names := []string{got[0].Name, got[1].Name}
		slices.Sort(names)
		if diff := cmp.Diff([]string{"app.txt", "lib.txt"}, names); diff != "" {
			t.Errorf("entry names (-want +got):\n%s", diff)
		}
		for _, e := range got {
			if e.Status != "valid" {
				t.Errorf("entry %s status = %q; want valid", e.Name, e.Status)
			}
		}
	})

	t.Run("EntryDetail", func(t *testing.T) {
		var got entryDetail
		decode(t, get(t, "/entry/"+appID.String()+"/"), &got)
		if got.ID != appID.String() {
			t.Errorf("id = %q; want %q", got.ID, appID)
		}
		if got.BuildID != buildID {
			t.Errorf("buildID = %q; want %q", got.BuildID, buildID)
		}
		out, ok := got.Outputs[kilnstore.DefaultOutputName]
		if !ok {
			t.Fatalf("outputs = %v; missing %q", got.Outputs, kilnstore.DefaultOutputName)
		}
		if out.Path != string(appPath) {
			t.Errorf("output path = %q; want %q", out.Path, appPath)
		}
		if !strings.HasPrefix(out.NARHash, "sha256-") {
			t.Errorf("narHash = %q; want an SRI sha256 hash", out.NARHash)
		}
		if out.NARSize <= 0 {
			t.Errorf("narSize = %d; want positive", out.NARSize)
		}
		if diff := cmp.Diff([]string{string(basePath)}, out.References); diff != "" {
			t.Errorf("references (-want +got):\n%s", diff)
		}

		var baseGot entryDetail
		decode(t, get(t, "/entry/"+baseID.String()+"/"), &baseGot)
		baseOut := baseGot.Outputs[kilnstore.DefaultOutputName]
		if diff := cmp.Diff([]string{string(appPath)}, baseOut.Referrers); diff != "" {
			t.Errorf("referrers (-want +got):\n%s", diff)
		}
	})

	t.Run("EntryNotFound", func(t *testing.T) {
		unbuiltID, _ := newEntryIdentity(t, dir, "unbuilt.txt")
		if rec := get(t, "/entry/"+unbuiltID.String()+"/"); rec.Code != http.StatusNotFound {
			t.Errorf("status for unbuilt entry = %d; want 404", rec.Code)
		}
		if rec := get(t, "/entry/not-a-valid-id/"); rec.Code != http.StatusNotFound {
			t.Errorf("status for malformed ID = %d; want 404", rec.Code)
		}
	})

	t.Run("EntryByPath", func(t *testing.T) {
		var got entryDetail
		decode(t, get(t, "/path/"+appPath.Base()), &got)
		if got.ID != appID.String() {
			t.Errorf("id = %q; want %q", got.ID, appID)
		}

		_, unbuiltOuts := newEntryIdentity(t, dir, "unbuilt2.txt")
		unbuiltBase := unbuiltOuts[kilnstore.DefaultOutputName].Base()
		if rec := get(t, "/path/"+unbuiltBase); rec.Code != http.StatusNotFound {
			t.Errorf("status for unknown name = %d; want 404", rec.Code)
		}
		if rec := get(t, "/path/garbage"); rec.Code != http.StatusNotFound {
			t.Errorf("status for malformed name = %d; want 404", rec.Code)
		}
	})

	t.Run("FileTree", func(t *testing.T) {
		rec := get(t, "/file/"+appPath.Base()+"/")
		if rec.Code != http.StatusOK {
			t.Fatalf("HTTP status = %d; want 200 (body %q)", rec.Code, rec.Body)
		}
		want := "uses " + string(basePath) + "\n"
		if rec.Body.String() != want {
			t.Errorf("body = %q; want %q", rec.Body, want)
		}

		_, unbuiltOuts := newEntryIdentity(t, dir, "unbuilt3.txt")
		unbuiltBase := unbuiltOuts[kilnstore.DefaultOutputName].Base()
		if rec := get(t, "/file/"+unbuiltBase+"/"); rec.Code != http.StatusNotFound {
			t.Errorf("status for unknown object = %d; want 404", rec.Code)
		}
	})

	t.Run("BuildList", func(t *testing.T) {
		var got []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		decode(t, get(t, "/build/"), &got)
		if len(got) != 1 {
			t.Fatalf("listed %d builds; want 1", len(got))
		}
		if got[0].ID != buildID {
			t.Errorf("build id = %q; want %q", got[0].ID, buildID)
		}
		if got[0].Status != "succeeded" {
			t.Errorf("build status = %q; want succeeded", got[0].Status)
		}
	})

	t.Run("BuildDetail", func(t *testing.T) {
		var got struct {
			ID      string   `json:"id"`
			Status  string   `json:"status"`
			Entries []string `json:"entries"`
			Logs    []string `json:"logs"`
		}
		decode(t, get(t, "/build/"+buildID+"/"), &got)
		if got.ID != buildID {
			t.Errorf("id = %q; want %q", got.ID, buildID)
		}
		if got.Status != "succeeded" {
			t.Errorf("status = %q; want succeeded", got.Status)
		}
		wantIDs := []string{baseID.String(), appID.String()}
		slices.Sort(wantIDs)
		if diff := cmp.Diff(wantIDs, got.Entries); diff != "" {
			t.Errorf("entries (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(wantIDs, got.Logs); diff != "" {
			t.Errorf("logs (-want +got):\n%s", diff)
		}
	})

	t.Run("BuildNotFound", func(t *testing.T) {
		if rec := get(t, "/build/00000000-0000-0000-0000-000000000000/"); rec.Code != http.StatusNotFound {
			t.Errorf("status for unknown build = %d; want 404", rec.Code)
		}
		if rec := get(t, "/build/garbage/"); rec.Code != http.StatusNotFound {
			t.Errorf("status for malformed build ID = %d; want 404", rec.Code)
		}
	})

	t.Run("BuildLog", func(t *testing.T) {
		rec := get(t, "/build/"+buildID+"/log/"+appID.String())
		if rec.Code != http.StatusOK {
			t.Fatalf("HTTP status = %d; want 200 (body %q)", rec.Code, rec.Body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
			t.Errorf("Content-Type = %q; want text/plain", ct)
		}
		if !strings.Contains(rec.Body.String(), "--- install") {
			t.Errorf("log body %q does not mention the install phase", rec.Body)
		}

		req := httptest.NewRequest(http.MethodGet, "/build/"+buildID+"/log/"+appID.String(), nil)
		req.Header.Set("Range", "bytes=0-3")
		rec = httptest.NewRecorder()
		store.ServeHTTP(rec, req)
		if rec.Code != http.StatusPartialContent {
			t.Errorf("ranged status = %d; want 206", rec.Code)
		}
		if got := rec.Body.String(); got != "--- " {
			t.Errorf("ranged body = %q; want %q", got, "--- ")
		}

		unloggedID, _ := newEntryIdentity(t, dir, "nolog.txt")
		if rec := get(t, "/build/"+buildID+"/log/"+unloggedID.String()); rec.Code != http.StatusNotFound {
			t.Errorf("status for missing log = %d; want 404", rec.Code)
		}
		if rec := get(t, "/build/"+buildID+"/log/junk"); rec.Code != http.StatusNotFound {
			t.Errorf("status for malformed derivation ID = %d; want 404", rec.Code)
		}
	})

	t.Run("Head", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodHead, "/", nil)
		rec := httptest.NewRecorder()
		store.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("HTTP status = %d; want 200", rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("HEAD body = %q; want empty", rec.Body)
		}
		if cl := rec.Header().Get("Content-Length"); cl == "" || cl == "0" {
			t.Errorf("Content-Length = %q; want the body length", cl)
		}
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		store.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST status = %d; want 405", rec.Code)
		}
		if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodGet) {
			t.Errorf("Allow = %q; want GET listed", allow)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if rec := get(t, "/nonsense"); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d; want 404", rec.Code)
		}
	})
}
