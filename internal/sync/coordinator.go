package sync

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/sitesyncd/internal/storage"
	"github.com/schaermu/sitesyncd/internal/store"
)

type issueResult struct {
	uploads  []UploadTarget
	updates  []UploadTarget
	failures []Failure
}

// issueTargets records a blob and presigns an upload URL for every new or
// changed file. Files are handled concurrently and independently; a failure
// only removes that file from the result.
func (e *Engine) issueTargets(ctx context.Context, logger *slog.Logger, siteID string, diff Diff, appPaths map[string]string) issueResult {
	entries := make([]ManifestEntry, 0, len(diff.ToUpload)+len(diff.ToUpdate))
	entries = append(entries, diff.ToUpload...)
	entries = append(entries, diff.ToUpdate...)

	targets := make([]UploadTarget, len(entries))
	failures := make([]*Failure, len(entries))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			target, failure := e.issueTarget(ctx, logger, siteID, entry, appPaths)
			targets[i] = target
			failures[i] = failure
			return nil
		})
	}
	_ = g.Wait()

	res := issueResult{
		uploads:  make([]UploadTarget, 0, len(diff.ToUpload)),
		updates:  make([]UploadTarget, 0, len(diff.ToUpdate)),
		failures: make([]Failure, 0),
	}
	for i := range entries {
		switch {
		case failures[i] != nil:
			res.failures = append(res.failures, *failures[i])
		case i < len(diff.ToUpload):
			res.uploads = append(res.uploads, targets[i])
		default:
			res.updates = append(res.updates, targets[i])
		}
	}
	return res
}

func (e *Engine) issueTarget(ctx context.Context, logger *slog.Logger, siteID string, entry ManifestEntry, appPaths map[string]string) (UploadTarget, *Failure) {
	ext := storage.Extension(entry.Path)
	in := store.BlobInput{
		Path:      entry.Path,
		Size:      entry.Size,
		SHA:       entry.SHA,
		Extension: ext,
	}
	if appPath, ok := appPaths[entry.Path]; ok {
		in.AppPath = &appPath
	}

	blob, err := e.blobs.UpsertUploading(siteID, in)
	if err != nil {
		logger.Error("failed to record blob", "path", entry.Path, "error", err)
		e.metrics.IncFailure("upsert")
		return UploadTarget{}, &Failure{Path: entry.Path, Error: "failed to record file"}
	}

	contentType := storage.ContentType(ext)
	url, err := e.objects.PresignPut(ctx, storage.Key(siteID, entry.Path), storage.PutOptions{
		ContentType:  contentType,
		CacheControl: storage.CacheControl(ext),
		Expires:      e.presignTTL,
	})
	if err != nil {
		logger.Error("failed to issue upload url", "path", entry.Path, "error", err)
		e.metrics.IncFailure("presign")
		return UploadTarget{}, &Failure{Path: entry.Path, Error: "failed to issue upload url"}
	}

	return UploadTarget{
		Path:        entry.Path,
		UploadURL:   url,
		BlobID:      blob.ID,
		ContentType: contentType,
	}, nil
}

// relinkUnchanged rewrites the stored page path of unchanged files whose path
// moved, e.g. a README that lost or regained its directory to an index page.
// Failures are logged; the next sync retries them.
func (e *Engine) relinkUnchanged(logger *slog.Logger, siteID string, unchanged []string, blobs []store.Blob, appPaths map[string]string) {
	stored := make(map[string]*string, len(blobs))
	for _, b := range blobs {
		stored[b.Path] = b.AppPath
	}

	for _, p := range unchanged {
		var want *string
		if v, ok := appPaths[p]; ok {
			want = &v
		}
		if samePath(stored[p], want) {
			continue
		}
		if err := e.blobs.SetAppPath(siteID, p, want); err != nil {
			logger.Error("failed to update page path", "path", p, "error", err)
			e.metrics.IncFailure("relink")
			continue
		}
		logger.Debug("page path moved", "path", p, "app_path", derefPath(want))
	}
}

func samePath(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func derefPath(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
