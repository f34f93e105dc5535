// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/schaermu/sitesyncd/internal/storage"
	"github.com/schaermu/sitesyncd/internal/store"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OpenStore opens a store in a per-test directory and closes it on cleanup.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sitesyncd.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// CreateSite stores a site owned by ownerID.
func CreateSite(t *testing.T, s *store.Store, id, ownerID string) store.Site {
	t.Helper()
	site, err := s.CreateSite(store.Site{ID: id, OwnerID: ownerID})
	if err != nil {
		t.Fatalf("failed to create site: %v", err)
	}
	return site
}

// ObjectStore is an in-memory storage.ObjectStore. Keys listed in FailPresign
// or FailDelete return errors. Upload URLs point below BaseURL.
type ObjectStore struct {
	BaseURL string

	mu          sync.Mutex
	Objects     map[string]bool
	Presigned   map[string]storage.PutOptions
	FailPresign map[string]bool
	FailDelete  map[string]bool
}

// NewObjectStore creates an empty ObjectStore.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		BaseURL:     "https://objects.test",
		Objects:     make(map[string]bool),
		Presigned:   make(map[string]storage.PutOptions),
		FailPresign: make(map[string]bool),
		FailDelete:  make(map[string]bool),
	}
}

func (o *ObjectStore) PresignPut(_ context.Context, key string, opts storage.PutOptions) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailPresign[key] {
		return "", fmt.Errorf("presign failed for %s", key)
	}
	o.Presigned[key] = opts
	return o.BaseURL + "/" + key + "?signature=fake", nil
}

func (o *ObjectStore) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailDelete[key] {
		return fmt.Errorf("delete failed for %s", key)
	}
	delete(o.Objects, key)
	return nil
}

// Put marks key as stored.
func (o *ObjectStore) Put(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Objects[key] = true
}

// Keys returns the stored keys in sorted order.
func (o *ObjectStore) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.Objects))
	for k := range o.Objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PresignCount returns how many distinct keys were presigned.
func (o *ObjectStore) PresignCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Presigned)
}

// HasPrefix reports whether any stored key starts with prefix.
func (o *ObjectStore) HasPrefix(prefix string) bool {
	for _, k := range o.Keys() {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
