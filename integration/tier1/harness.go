//go:build integration

package tier1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/sitesyncd/internal/api"
	"github.com/schaermu/sitesyncd/internal/auth"
	"github.com/schaermu/sitesyncd/internal/client"
	"github.com/schaermu/sitesyncd/internal/ingest"
	"github.com/schaermu/sitesyncd/internal/manifest"
	"github.com/schaermu/sitesyncd/internal/store"
	syncer "github.com/schaermu/sitesyncd/internal/sync"
	"github.com/schaermu/sitesyncd/internal/testutil"
)

const (
	testSiteID     = "docs"
	testOwnerID    = "user-1"
	callbackToken  = "pipeline-secret"
	defaultTimeout = time.Minute
)

// Harness runs the whole server in process: a bbolt database, the HTTP API,
// an object store reachable over HTTP and a fake processing pipeline that
// receives announcements and reports back through the callback route.
type Harness struct {
	t       *testing.T
	Store   *store.Store
	Objects *testutil.ObjectStore
	Client  *client.Client
	Dir     string

	api      *httptest.Server
	storage  *httptest.Server
	pipeline *httptest.Server

	mu      sync.Mutex
	events  []ingest.Event
	uploads map[string][]byte
}

// NewHarness starts all servers and creates the test site with an API token
// for its owner.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&testWriter{t: t, prefix: "[server] "}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := &Harness{
		t:       t,
		Store:   testutil.OpenStore(t),
		Objects: testutil.NewObjectStore(),
		Dir:     t.TempDir(),
		uploads: make(map[string][]byte),
	}

	h.storage = httptest.NewServer(http.HandlerFunc(h.handlePut))
	h.Objects.BaseURL = h.storage.URL
	h.pipeline = httptest.NewServer(http.HandlerFunc(h.handleEvent))

	publisher := ingest.NewHTTPPublisher(h.pipeline.URL, h.pipeline.Client())
	engine := syncer.NewEngine(nil, h.Store, h.Objects, publisher, logger)
	server := api.NewServer(api.Options{CallbackToken: callbackToken}, h.Store, engine, auth.NewResolver(h.Store), logger)
	h.api = httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		h.api.Close()
		h.pipeline.Close()
		h.storage.Close()
	})

	testutil.CreateSite(t, h.Store, testSiteID, testOwnerID)
	raw, _, err := h.Store.CreateToken(store.TokenCLI, testOwnerID, "integration", 0)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	h.Client = client.New(h.api.URL, raw, h.api.Client(), logger)
	return h
}

// handlePut stands in for the storage service behind presigned URLs.
func (h *Harness) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut || r.URL.Query().Get("signature") == "" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")

	h.mu.Lock()
	h.uploads[key] = body
	h.mu.Unlock()
	h.Objects.Put(key)
	w.WriteHeader(http.StatusOK)
}

func (h *Harness) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev ingest.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

// Events returns the announcements received so far.
func (h *Harness) Events() []ingest.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ingest.Event(nil), h.events...)
}

// Uploaded returns the stored content of key.
func (h *Harness) Uploaded(key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.uploads[key]
	return string(b), ok
}

// WriteFile creates or replaces a file below the harness directory.
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write %s: %v", rel, err)
	}
}

// RemoveFile deletes a file below the harness directory.
func (h *Harness) RemoveFile(rel string) {
	h.t.Helper()
	if err := os.Remove(filepath.Join(h.Dir, filepath.FromSlash(rel))); err != nil {
		h.t.Fatalf("remove %s: %v", rel, err)
	}
}

// Sync runs the client side of a sync: discover, submit and upload.
func (h *Harness) Sync(ctx context.Context, dryRun bool) (*syncer.Result, error) {
	h.t.Helper()
	files, err := manifest.Discover(h.Dir, nil)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	result, err := h.Client.Sync(ctx, testSiteID, manifest.Entries(files), dryRun)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	if dryRun {
		return result, nil
	}

	byPath := make(map[string]manifest.File, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}
	for _, target := range append(append([]syncer.UploadTarget{}, result.ToUpload...), result.ToUpdate...) {
		f := byPath[target.Path]
		data, err := os.ReadFile(f.AbsPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Path, err)
		}
		if err := client.Upload(ctx, h.storage.Client(), target, bytes.NewReader(data), f.Size); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Process plays the processing pipeline for every uploading blob: each is
// moved to PROCESSING and then to SUCCESS, or to ERROR when fail reports so.
func (h *Harness) Process(ctx context.Context, fail func(path string) bool) {
	h.t.Helper()
	blobs, err := h.Store.ListBlobs(testSiteID)
	if err != nil {
		h.t.Fatalf("list blobs: %v", err)
	}
	for _, b := range blobs {
		if b.SyncStatus != store.StatusUploading {
			continue
		}
		h.callback(ctx, b.ID, map[string]any{"status": store.StatusProcessing})
		if fail != nil && fail(b.Path) {
			h.callback(ctx, b.ID, map[string]any{"status": store.StatusError, "error": "could not parse " + b.Path})
			continue
		}
		h.callback(ctx, b.ID, map[string]any{"status": store.StatusSuccess})
	}
}

func (h *Harness) callback(ctx context.Context, blobID string, body map[string]any) {
	h.t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		h.t.Fatalf("marshal callback: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.api.URL+"/internal/blobs/"+blobID+"/status", bytes.NewReader(data))
	if err != nil {
		h.t.Fatalf("create callback request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+callbackToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.api.Client().Do(req)
	if err != nil {
		h.t.Fatalf("callback %s: %v", blobID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		h.t.Fatalf("callback %s: status %d: %s", blobID, resp.StatusCode, msg)
	}
}

// testWriter forwards log output to the test log.
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(strings.TrimRight(string(p), "\n"), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Logf("%s%s", w.prefix, line)
		}
	}
	return len(p), nil
}
