package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/sitesyncd/internal/config"
	"github.com/schaermu/sitesyncd/internal/ingest"
	"github.com/schaermu/sitesyncd/internal/metrics"
	"github.com/schaermu/sitesyncd/internal/resolve"
	"github.com/schaermu/sitesyncd/internal/storage"
	"github.com/schaermu/sitesyncd/internal/store"
)

// BlobStore is the blob table as seen by the engine.
type BlobStore interface {
	ListBlobs(siteID string) ([]store.Blob, error)
	UpsertUploading(siteID string, in store.BlobInput) (store.Blob, error)
	DeleteBlobs(siteID string, paths []string) error
	SetAppPath(siteID, path string, appPath *string) error
}

// Engine reconciles a site's blobs and stored objects with a manifest.
type Engine struct {
	blobs       BlobStore
	objects     storage.ObjectStore
	publisher   ingest.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	limits      Limits
	presignTTL  time.Duration
	concurrency int
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, blobs BlobStore, objects storage.ObjectStore, publisher ingest.Publisher, logger *slog.Logger) *Engine {
	e := &Engine{
		blobs:       blobs,
		objects:     objects,
		publisher:   publisher,
		logger:      logger,
		limits:      DefaultLimits(),
		presignTTL:  storage.DefaultPresignTTL,
		concurrency: 16,
	}
	if cfg != nil {
		if cfg.Sync.MaxFiles > 0 {
			e.limits.MaxFiles = cfg.Sync.MaxFiles
		}
		if cfg.Sync.MaxFileSize > 0 {
			e.limits.MaxFileSize = cfg.Sync.MaxFileSize
		}
		if cfg.Sync.MaxTotalSize > 0 {
			e.limits.MaxTotalSize = cfg.Sync.MaxTotalSize
		}
		if cfg.Storage.PresignTTL > 0 {
			e.presignTTL = cfg.Storage.PresignTTL
		}
		if cfg.Sync.Concurrency > 0 {
			e.concurrency = cfg.Sync.Concurrency
		}
	}
	return e
}

// WithMetrics makes the engine record into m.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// Sync validates the manifest, diffs it against a single snapshot of the
// site's blobs and, unless DryRun is set, issues upload URLs and deletes
// vanished files. Once validation passes, per-file failures are reported in
// the result instead of failing the call.
func (e *Engine) Sync(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	mode := "direct"
	if req.DryRun {
		mode = "dry_run"
	}
	logger := e.logger.With("site_id", req.SiteID)
	logger.Info("starting sync", "files", len(req.Files), "dry_run", req.DryRun)

	if err := ValidateManifest(req.Files, e.limits); err != nil {
		e.metrics.ObserveSync(mode, "rejected", time.Since(start))
		logger.Warn("rejecting manifest", "error", err)
		return nil, err
	}

	blobs, err := e.blobs.ListBlobs(req.SiteID)
	if err != nil {
		e.metrics.ObserveSync(mode, "error", time.Since(start))
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}

	diff := ComputeDiff(req.Files, blobs)
	logger.Info("sync plan",
		"upload", len(diff.ToUpload),
		"update", len(diff.ToUpdate),
		"delete", len(diff.ToDelete),
		"unchanged", len(diff.Unchanged))

	if req.DryRun {
		e.logPlanDetails(logger, diff)
		result := dryRunResult(diff)
		e.metrics.ObserveSync(mode, "ok", time.Since(start))
		logger.Info("dry-run complete, no changes applied")
		return result, nil
	}

	appPaths := resolve.AppPaths(manifestPaths(req.Files))

	// Deletions, uploads and relinks touch disjoint paths.
	var (
		issued  issueResult
		deleted []string
		g       errgroup.Group
	)
	g.Go(func() error {
		deleted = e.deleteBlobs(ctx, logger, req.SiteID, diff.ToDelete)
		return nil
	})
	g.Go(func() error {
		issued = e.issueTargets(ctx, logger, req.SiteID, diff, appPaths)
		return nil
	})
	g.Go(func() error {
		e.relinkUnchanged(logger, req.SiteID, diff.Unchanged, blobs, appPaths)
		return nil
	})
	_ = g.Wait()

	result := &Result{
		ToUpload:  issued.uploads,
		ToUpdate:  issued.updates,
		Deleted:   deleted,
		Unchanged: diff.Unchanged,
		Failed:    issued.failures,
	}
	result.summarize()

	e.announce(ctx, logger, req.SiteID, result)

	e.metrics.AddFiles("upload", result.Summary.ToUpload)
	e.metrics.AddFiles("update", result.Summary.ToUpdate)
	e.metrics.AddFiles("delete", result.Summary.Deleted)
	e.metrics.AddFiles("unchanged", result.Summary.Unchanged)
	outcome := "ok"
	if result.Summary.Failed > 0 || len(deleted) < len(diff.ToDelete) {
		outcome = "partial"
	}
	e.metrics.ObserveSync(mode, outcome, time.Since(start))

	logger.Info("sync completed",
		"uploads", result.Summary.ToUpload,
		"updates", result.Summary.ToUpdate,
		"deleted", result.Summary.Deleted,
		"failed", result.Summary.Failed)
	return result, nil
}

// announce tells the processing pipeline which files changed. Delivery
// failures are logged only; the pipeline also sees objects land in storage.
func (e *Engine) announce(ctx context.Context, logger *slog.Logger, siteID string, result *Result) {
	if e.publisher == nil {
		return
	}

	changed := make([]string, 0, len(result.ToUpload)+len(result.ToUpdate))
	for _, t := range result.ToUpload {
		changed = append(changed, t.Path)
	}
	for _, t := range result.ToUpdate {
		changed = append(changed, t.Path)
	}

	if len(changed) > 0 {
		if err := e.publisher.Publish(ctx, ingest.NewEvent(ingest.FilesChanged, siteID, changed)); err != nil {
			logger.Warn("failed to publish change event", "error", err)
		}
	}
	if len(result.Deleted) > 0 {
		if err := e.publisher.Publish(ctx, ingest.NewEvent(ingest.FilesDeleted, siteID, result.Deleted)); err != nil {
			logger.Warn("failed to publish delete event", "error", err)
		}
	}
}

// dryRunResult formats the would-be outcome of diff without touching
// storage. Targets carry the real content type but no URL or blob ID.
func dryRunResult(diff Diff) *Result {
	placeholders := func(entries []ManifestEntry) []UploadTarget {
		targets := make([]UploadTarget, 0, len(entries))
		for _, entry := range entries {
			targets = append(targets, UploadTarget{
				Path:        entry.Path,
				ContentType: storage.ContentType(storage.Extension(entry.Path)),
			})
		}
		return targets
	}

	deleted := make([]string, 0, len(diff.ToDelete))
	for _, b := range diff.ToDelete {
		deleted = append(deleted, b.Path)
	}

	result := &Result{
		ToUpload:  placeholders(diff.ToUpload),
		ToUpdate:  placeholders(diff.ToUpdate),
		Deleted:   deleted,
		Unchanged: diff.Unchanged,
		Failed:    make([]Failure, 0),
		DryRun:    true,
	}
	result.summarize()
	return result
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(logger *slog.Logger, diff Diff) {
	for _, entry := range diff.ToUpload {
		logger.Info("[dry-run] would upload", "path", entry.Path, "size", entry.Size)
	}
	for _, entry := range diff.ToUpdate {
		logger.Info("[dry-run] would update", "path", entry.Path, "size", entry.Size)
	}
	for _, b := range diff.ToDelete {
		logger.Info("[dry-run] would delete", "path", b.Path)
	}
}

func manifestPaths(files []ManifestEntry) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}
