package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/sitesyncd/internal/apperr"
	"github.com/schaermu/sitesyncd/internal/config"
	"github.com/schaermu/sitesyncd/internal/ingest"
	"github.com/schaermu/sitesyncd/internal/storage"
	"github.com/schaermu/sitesyncd/internal/store"
	"github.com/schaermu/sitesyncd/internal/testutil"
)

const testSite = "site-1"

type recordingPublisher struct {
	events []ingest.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev ingest.Event) error {
	p.events = append(p.events, ev)
	return p.err
}

// failingDeletes wraps a store and fails batch record deletion.
type failingDeletes struct {
	*store.Store
}

func (f failingDeletes) DeleteBlobs(string, []string) error {
	return errors.New("disk full")
}

type fixture struct {
	store     *store.Store
	objects   *testutil.ObjectStore
	publisher *recordingPublisher
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := testutil.OpenStore(t)
	testutil.CreateSite(t, s, testSite, "user-1")

	cfg := &config.Config{}
	cfg.Sync.MaxFiles = 100
	cfg.Sync.MaxFileSize = 1 << 20
	cfg.Sync.MaxTotalSize = 10 << 20
	cfg.Sync.Concurrency = 4
	cfg.Storage.PresignTTL = 0

	f := &fixture{
		store:     s,
		objects:   testutil.NewObjectStore(),
		publisher: &recordingPublisher{},
	}
	f.engine = NewEngine(cfg, s, f.objects, f.publisher, testutil.Logger())
	return f
}

func (f *fixture) sync(t *testing.T, files ...ManifestEntry) *Result {
	t.Helper()
	result, err := f.engine.Sync(context.Background(), Request{SiteID: testSite, Files: files})
	require.NoError(t, err)
	return result
}

// uploaded simulates the client PUTting every issued target.
func (f *fixture) uploaded(result *Result) {
	for _, target := range append(result.ToUpload, result.ToUpdate...) {
		f.objects.Put(testSite + "/" + target.Path)
	}
}

// storedBlob returns the stored blob at path.
func (f *fixture) storedBlob(t *testing.T, path string) store.Blob {
	t.Helper()
	blobs, err := f.store.ListBlobs(testSite)
	require.NoError(t, err)
	for _, b := range blobs {
		if b.Path == path {
			return b
		}
	}
	t.Fatalf("no blob at %s", path)
	return store.Blob{}
}

func (f *fixture) appPath(t *testing.T, path string) string {
	t.Helper()
	b := f.storedBlob(t, path)
	require.NotNil(t, b.AppPath, "app path of %s", path)
	return *b.AppPath
}

// processed moves the blob at path through the pipeline to SUCCESS.
func (f *fixture) processed(t *testing.T, path string) {
	t.Helper()
	id := f.storedBlob(t, path).ID
	_, err := f.store.SetStatus(id, store.StatusProcessing, nil)
	require.NoError(t, err)
	_, err = f.store.SetStatus(id, store.StatusSuccess, nil)
	require.NoError(t, err)
}

func targetPaths(targets []UploadTarget) []string {
	paths := make([]string, 0, len(targets))
	for _, tgt := range targets {
		paths = append(paths, tgt.Path)
	}
	return paths
}

func TestSyncInitialUpload(t *testing.T) {
	f := newFixture(t)

	result := f.sync(t, entry("README.md", "a"), entry("img/logo.png", "b"))

	assert.Equal(t, []string{"README.md", "img/logo.png"}, targetPaths(result.ToUpload))
	assert.Empty(t, result.ToUpdate)
	assert.Empty(t, result.Deleted)
	assert.Empty(t, result.Failed)
	assert.Equal(t, Summary{ToUpload: 2}, result.Summary)
	assert.False(t, result.DryRun)

	readme := result.ToUpload[0]
	assert.NotEmpty(t, readme.UploadURL)
	assert.NotEmpty(t, readme.BlobID)
	assert.Equal(t, "text/markdown", readme.ContentType)
	assert.Equal(t, "max-age=0", f.objects.Presigned[testSite+"/README.md"].CacheControl)
	assert.Equal(t, "image/png", result.ToUpload[1].ContentType)

	blobs, err := f.store.ListBlobs(testSite)
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	for _, b := range blobs {
		assert.Equal(t, store.StatusUploading, b.SyncStatus)
		if b.Path == "README.md" {
			require.NotNil(t, b.AppPath)
			assert.Equal(t, "/", *b.AppPath)
			assert.Equal(t, "md", b.Extension)
		} else {
			assert.Nil(t, b.AppPath)
		}
	}

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, ingest.FilesChanged, f.publisher.events[0].Type)
	assert.Equal(t, []string{"README.md", "img/logo.png"}, f.publisher.events[0].Paths)
}

func TestSyncRelinksPagesWhenIndexChanges(t *testing.T) {
	f := newFixture(t)
	readme := entry("blog/README.md", "r")
	index := entry("blog/index.md", "i")
	home := entry("README.md", "h")

	f.uploaded(f.sync(t, home, readme))
	f.processed(t, "blog/README.md")
	assert.Equal(t, "/blog", f.appPath(t, "blog/README.md"))

	// An index page next to an unchanged README takes over the directory.
	result := f.sync(t, home, readme, index)
	assert.Equal(t, []string{"blog/index.md"}, targetPaths(result.ToUpload))
	assert.Equal(t, []string{"README.md", "blog/README.md"}, result.Unchanged)
	assert.Equal(t, "/blog", f.appPath(t, "blog/index.md"))
	assert.Equal(t, "/blog/README", f.appPath(t, "blog/README.md"))
	assert.Equal(t, "/", f.appPath(t, "README.md"))
	assert.Equal(t, store.StatusSuccess, f.storedBlob(t, "blog/README.md").SyncStatus, "relink keeps the status")
	f.uploaded(result)

	// Once the index is gone the README owns the directory again.
	result = f.sync(t, home, readme)
	assert.Equal(t, []string{"blog/index.md"}, result.Deleted)
	assert.Equal(t, "/blog", f.appPath(t, "blog/README.md"))
	assert.Equal(t, store.StatusSuccess, f.storedBlob(t, "blog/README.md").SyncStatus)

	// A stable manifest leaves page paths alone.
	result = f.sync(t, home, readme)
	assert.Equal(t, []string{"README.md", "blog/README.md"}, result.Unchanged)
	assert.Equal(t, "/blog", f.appPath(t, "blog/README.md"))
}

func TestNewEngineZeroConfigUsesDefaults(t *testing.T) {
	s := testutil.OpenStore(t)
	testutil.CreateSite(t, s, testSite, "user-1")
	objects := testutil.NewObjectStore()

	cfg := &config.Config{}
	engine := NewEngine(cfg, s, objects, nil, testutil.Logger())
	assert.Equal(t, DefaultLimits(), engine.limits)
	assert.Equal(t, storage.DefaultPresignTTL, engine.presignTTL)

	result, err := engine.Sync(context.Background(), Request{SiteID: testSite, Files: []ManifestEntry{entry("a.md", "1")}})
	require.NoError(t, err)
	assert.Len(t, result.ToUpload, 1)
	assert.Equal(t, storage.DefaultPresignTTL, objects.Presigned[testSite+"/a.md"].Expires)
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	files := []ManifestEntry{entry("a.md", "1"), entry("b.md", "2")}

	first := f.sync(t, files...)
	f.uploaded(first)
	presigned := f.objects.PresignCount()

	second := f.sync(t, files...)
	assert.Empty(t, second.ToUpload)
	assert.Empty(t, second.ToUpdate)
	assert.Empty(t, second.Deleted)
	assert.Equal(t, []string{"a.md", "b.md"}, second.Unchanged)
	assert.Equal(t, presigned, f.objects.PresignCount())
}

func TestSyncUpdateKeepsBlobID(t *testing.T) {
	f := newFixture(t)

	first := f.sync(t, entry("a.md", "1"))
	second := f.sync(t, entry("a.md", "2"))

	require.Len(t, second.ToUpdate, 1)
	assert.Equal(t, first.ToUpload[0].BlobID, second.ToUpdate[0].BlobID)

	blobs, err := f.store.ListBlobs(testSite)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, "2", blobs[0].SHA)
}

func TestSyncDeletesVanishedFiles(t *testing.T) {
	f := newFixture(t)
	f.uploaded(f.sync(t, entry("a.md", "1"), entry("b.md", "2")))

	result := f.sync(t, entry("a.md", "1"))

	assert.Equal(t, []string{"b.md"}, result.Deleted)
	assert.Equal(t, []string{"a.md"}, result.Unchanged)
	assert.Equal(t, []string{testSite + "/a.md"}, f.objects.Keys())

	blobs, err := f.store.ListBlobs(testSite)
	require.NoError(t, err)
	assert.Len(t, blobs, 1)

	last := f.publisher.events[len(f.publisher.events)-1]
	assert.Equal(t, ingest.FilesDeleted, last.Type)
	assert.Equal(t, []string{"b.md"}, last.Paths)
}

func TestSyncPartialDeleteFailure(t *testing.T) {
	f := newFixture(t)
	f.uploaded(f.sync(t, entry("a.md", "1"), entry("b.md", "2"), entry("c.md", "3")))
	f.objects.FailDelete[testSite+"/b.md"] = true

	result := f.sync(t)

	assert.Equal(t, []string{"a.md", "c.md"}, result.Deleted)
	assert.Equal(t, 2, result.Summary.Deleted)

	blobs, err := f.store.ListBlobs(testSite)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, "b.md", blobs[0].Path)

	// The retained record is retried on the next sync.
	delete(f.objects.FailDelete, testSite+"/b.md")
	assert.Equal(t, []string{"b.md"}, f.sync(t).Deleted)
}

func TestSyncRecordDeleteFailure(t *testing.T) {
	f := newFixture(t)
	f.uploaded(f.sync(t, entry("a.md", "1")))

	engine := NewEngine(nil, failingDeletes{f.store}, f.objects, nil, testutil.Logger())
	result, err := engine.Sync(context.Background(), Request{SiteID: testSite})
	require.NoError(t, err)

	assert.Empty(t, result.Deleted)
	blobs, err := f.store.ListBlobs(testSite)
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestSyncPresignFailure(t *testing.T) {
	f := newFixture(t)
	f.objects.FailPresign[testSite+"/broken.md"] = true

	result := f.sync(t, entry("ok.md", "1"), entry("broken.md", "2"))

	assert.Equal(t, []string{"ok.md"}, targetPaths(result.ToUpload))
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "broken.md", result.Failed[0].Path)
	assert.NotEmpty(t, result.Failed[0].Error)
	assert.Equal(t, 1, result.Summary.Failed)
}

func TestSyncDryRun(t *testing.T) {
	f := newFixture(t)
	f.uploaded(f.sync(t, entry("keep.md", "1"), entry("old.md", "2")))
	presigned := f.objects.PresignCount()
	events := len(f.publisher.events)

	result, err := f.engine.Sync(context.Background(), Request{
		SiteID: testSite,
		Files:  []ManifestEntry{entry("keep.md", "changed"), entry("new.css", "3")},
		DryRun: true,
	})
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	require.Len(t, result.ToUpload, 1)
	assert.Equal(t, UploadTarget{Path: "new.css", ContentType: "text/css"}, result.ToUpload[0])
	assert.Equal(t, []string{"keep.md"}, targetPaths(result.ToUpdate))
	assert.Empty(t, result.ToUpdate[0].UploadURL)
	assert.Equal(t, []string{"old.md"}, result.Deleted)
	assert.Equal(t, Summary{ToUpload: 1, ToUpdate: 1, Deleted: 1}, result.Summary)

	// Nothing was touched.
	assert.Equal(t, presigned, f.objects.PresignCount())
	assert.Len(t, f.objects.Keys(), 2)
	assert.Len(t, f.publisher.events, events)
	blobs, err := f.store.ListBlobs(testSite)
	require.NoError(t, err)
	assert.Len(t, blobs, 2)
	for _, b := range blobs {
		if b.Path == "keep.md" {
			assert.Equal(t, "1", b.SHA)
		}
	}
}

func TestSyncRejectsInvalidManifest(t *testing.T) {
	f := newFixture(t)
	f.uploaded(f.sync(t, entry("a.md", "1")))

	_, err := f.engine.Sync(context.Background(), Request{
		SiteID: testSite,
		Files:  []ManifestEntry{entry("../escape.md", "1")},
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidInput))

	blobs, err := f.store.ListBlobs(testSite)
	require.NoError(t, err)
	assert.Len(t, blobs, 1, "a rejected manifest must not delete anything")
}

func TestSyncPublisherErrorIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("pipeline down")

	result := f.sync(t, entry("a.md", "1"))
	assert.Len(t, result.ToUpload, 1)
}

func TestPurgeObjects(t *testing.T) {
	f := newFixture(t)
	f.objects.Put(testSite + "/a.md")
	f.objects.Put(testSite + "/b.md")
	f.objects.FailDelete[testSite+"/b.md"] = true

	confirmed := f.engine.PurgeObjects(context.Background(), testSite, []store.Blob{{Path: "a.md"}, {Path: "b.md"}})
	assert.Equal(t, []string{"a.md"}, confirmed)
	assert.Equal(t, []string{testSite + "/b.md"}, f.objects.Keys())
}
