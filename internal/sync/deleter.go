package sync

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/sitesyncd/internal/storage"
	"github.com/schaermu/sitesyncd/internal/store"
)

// deleteBlobs removes the storage objects of blobs and then, in one batch,
// the records of those whose object deletion succeeded. It returns the paths
// confirmed deleted.
func (e *Engine) deleteBlobs(ctx context.Context, logger *slog.Logger, siteID string, blobs []store.Blob) []string {
	if len(blobs) == 0 {
		return make([]string, 0)
	}

	confirmed := e.PurgeObjects(ctx, siteID, blobs)
	if len(confirmed) == 0 {
		return confirmed
	}

	if err := e.blobs.DeleteBlobs(siteID, confirmed); err != nil {
		// Objects are gone but records remain; the next sync retries both.
		logger.Error("failed to delete blob records", "count", len(confirmed), "error", err)
		e.metrics.IncFailure("delete")
		return make([]string, 0)
	}
	return confirmed
}

// PurgeObjects deletes the storage objects of blobs concurrently and returns
// the paths whose deletion succeeded, in input order. Failures are logged
// and do not stop the remaining deletions.
func (e *Engine) PurgeObjects(ctx context.Context, siteID string, blobs []store.Blob) []string {
	ok := make([]bool, len(blobs))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, blob := range blobs {
		i, blob := i, blob
		g.Go(func() error {
			if err := e.objects.Delete(ctx, storage.Key(siteID, blob.Path)); err != nil {
				e.logger.Warn("failed to delete object", "site_id", siteID, "path", blob.Path, "error", err)
				e.metrics.IncFailure("delete")
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	confirmed := make([]string, 0, len(blobs))
	for i, blob := range blobs {
		if ok[i] {
			confirmed = append(confirmed, blob.Path)
		}
	}
	return confirmed
}
