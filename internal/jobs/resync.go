package jobs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/sitesyncd/internal/apperr"
	"github.com/schaermu/sitesyncd/internal/client"
	"github.com/schaermu/sitesyncd/internal/git"
	"github.com/schaermu/sitesyncd/internal/metrics"
	"github.com/schaermu/sitesyncd/internal/storage"
	"github.com/schaermu/sitesyncd/internal/store"
	"github.com/schaermu/sitesyncd/internal/sync"
)

// SiteStore is the part of the store a re-sync reads and writes.
type SiteStore interface {
	GetSite(id string) (store.Site, error)
	SetStatus(blobID string, to store.Status, syncError *string) (store.Blob, error)
}

// Syncer reconciles a site with a manifest.
type Syncer interface {
	Sync(ctx context.Context, req sync.Request) (*sync.Result, error)
}

// Resyncer rebuilds a site's manifest from its repository, runs a sync and
// uploads the changed files itself.
type Resyncer struct {
	sites       SiteStore
	git         git.Client
	engine      Syncer
	http        *http.Client
	concurrency int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewResyncer creates a resyncer.
func NewResyncer(sites SiteStore, gitClient git.Client, engine Syncer, httpClient *http.Client, concurrency int, logger *slog.Logger) *Resyncer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Resyncer{
		sites:       sites,
		git:         gitClient,
		engine:      engine,
		http:        httpClient,
		concurrency: concurrency,
		logger:      logger,
	}
}

// WithMetrics makes the resyncer record into m.
func (r *Resyncer) WithMetrics(m *metrics.Metrics) *Resyncer {
	r.metrics = m
	return r
}

// Run re-syncs msg.SiteID. Sites deleted, switched off or pointed at another
// branch since the message was queued are skipped.
func (r *Resyncer) Run(ctx context.Context, msg Message) error {
	logger := r.logger.With("site_id", msg.SiteID, "repository", msg.Repository, "branch", msg.Branch)

	site, err := r.sites.GetSite(msg.SiteID)
	if apperr.Is(err, apperr.CodeNotFound) {
		logger.Info("skipping re-sync of deleted site")
		r.metrics.IncResync("skipped")
		return nil
	}
	if err != nil {
		r.metrics.IncResync("error")
		return fmt.Errorf("failed to load site: %w", err)
	}
	if !site.AutoSync || site.InstallationID == 0 ||
		!strings.EqualFold(site.Repository, msg.Repository) || site.Branch != msg.Branch {
		logger.Info("skipping re-sync, site no longer tracks this push")
		r.metrics.IncResync("skipped")
		return nil
	}

	files, shas, err := r.buildManifest(ctx, site)
	if err != nil {
		r.metrics.IncResync("error")
		return err
	}

	result, err := r.engine.Sync(ctx, sync.Request{SiteID: site.ID, Files: files})
	if err != nil {
		r.metrics.IncResync("error")
		return fmt.Errorf("failed to sync site: %w", err)
	}

	failed := r.uploadTargets(ctx, logger, site, result, shas)

	outcome := "ok"
	if failed > 0 || result.Summary.Failed > 0 {
		outcome = "partial"
	}
	r.metrics.IncResync(outcome)
	logger.Info("re-sync completed",
		"uploads", result.Summary.ToUpload,
		"updates", result.Summary.ToUpdate,
		"deleted", result.Summary.Deleted,
		"failed", result.Summary.Failed+failed)
	return nil
}

// buildManifest lists the repository and keeps supported, visible files
// under the site's root directory. Paths in the manifest are relative to the
// root directory. shas maps manifest paths to git blob shas.
func (r *Resyncer) buildManifest(ctx context.Context, site store.Site) ([]sync.ManifestEntry, map[string]string, error) {
	cfg, err := r.git.SiteConfig(ctx, site.Repository, site.Branch, site.InstallationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load site config: %w", err)
	}

	tree, err := r.git.ListTree(ctx, site.Repository, site.Branch, site.InstallationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list repository: %w", err)
	}

	prefix := ""
	if site.RootDir != "" {
		prefix = site.RootDir + "/"
	}

	files := make([]sync.ManifestEntry, 0, len(tree))
	shas := make(map[string]string, len(tree))
	for _, entry := range tree {
		if !strings.HasPrefix(entry.Path, prefix) {
			continue
		}
		rel := strings.TrimPrefix(entry.Path, prefix)
		if !storage.SupportedExtension(storage.Extension(rel)) || !cfg.Visible(entry.Path) {
			continue
		}
		files = append(files, sync.ManifestEntry{Path: rel, Size: entry.Size, SHA: entry.SHA})
		shas[rel] = entry.SHA
	}
	return files, shas, nil
}

// uploadTargets copies every issued file from the repository to storage.
// Files that cannot be copied are marked ERROR. It returns how many failed.
func (r *Resyncer) uploadTargets(ctx context.Context, logger *slog.Logger, site store.Site, result *sync.Result, shas map[string]string) int {
	targets := make([]sync.UploadTarget, 0, len(result.ToUpload)+len(result.ToUpdate))
	targets = append(targets, result.ToUpload...)
	targets = append(targets, result.ToUpdate...)

	failed := make([]bool, len(targets))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if err := r.copyFile(ctx, site, target, shas[target.Path]); err != nil {
				logger.Error("failed to copy file", "path", target.Path, "error", err)
				failed[i] = true
				msg := err.Error()
				if _, serr := r.sites.SetStatus(target.BlobID, store.StatusError, &msg); serr != nil {
					logger.Error("failed to mark blob as failed", "path", target.Path, "error", serr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return n
}

func (r *Resyncer) copyFile(ctx context.Context, site store.Site, target sync.UploadTarget, sha string) error {
	data, err := r.git.FetchBlob(ctx, site.Repository, sha, site.InstallationID)
	if err != nil {
		return err
	}
	return client.Upload(ctx, r.http, target, bytes.NewReader(data), int64(len(data)))
}
