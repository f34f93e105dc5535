package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/sitesyncd/internal/client"
	"github.com/schaermu/sitesyncd/internal/manifest"
	"github.com/schaermu/sitesyncd/internal/status"
	"github.com/schaermu/sitesyncd/internal/sync"
)

const (
	tokenEnv     = "SITESYNCD_TOKEN"
	pollInterval = 2 * time.Second
	pollAttempts = 30
)

var (
	serverURL   string
	apiToken    string
	syncSiteID  string
	syncDryRun  bool
	syncNoWait  bool
	syncExclude []string
	syncWorkers int
)

var syncCmd = &cobra.Command{
	Use:   "sync <dir>",
	Short: "Sync a local directory to a site",
	Long: `Sync builds a manifest of the supported files below dir, submits it to the
server and uploads every new or changed file to its presigned URL. Files
missing locally are deleted from the site.

Hidden files and anything matched by the directory's .gitignore are skipped.
Unless --no-wait is given, sync waits for the uploaded files to be processed.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the processing status of a site",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, statusCmd} {
		c.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "sitesyncd server URL")
		c.Flags().StringVar(&apiToken, "token", "", "API token (default is $"+tokenEnv+")")
		c.Flags().StringVar(&syncSiteID, "site", "", "site ID")
		_ = c.MarkFlagRequired("site")
	}

	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "show what would change without uploading or deleting")
	syncCmd.Flags().BoolVar(&syncNoWait, "no-wait", false, "do not wait for processing to finish")
	syncCmd.Flags().StringSliceVar(&syncExclude, "exclude", nil, "glob patterns to exclude (relative to dir)")
	syncCmd.Flags().IntVar(&syncWorkers, "concurrency", 8, "number of parallel uploads")
}

func newAPIClient(logger *slog.Logger) (*client.Client, error) {
	token := apiToken
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	if token == "" {
		return nil, fmt.Errorf("no API token: pass --token or set %s", tokenEnv)
	}
	return client.New(serverURL, token, &http.Client{Timeout: 30 * time.Second}, logger), nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	out := cmd.OutOrStdout()

	api, err := newAPIClient(logger)
	if err != nil {
		return err
	}

	files, err := manifest.Discover(args[0], syncExclude)
	if err != nil {
		return err
	}
	logger.Info("discovered files", "dir", args[0], "count", len(files))

	result, err := api.Sync(ctx, syncSiteID, manifest.Entries(files), syncDryRun)
	if err != nil {
		return fmt.Errorf("failed to sync site %s: %w", syncSiteID, err)
	}
	printResult(out, result)

	if syncDryRun {
		return nil
	}

	targets := append(append([]sync.UploadTarget{}, result.ToUpload...), result.ToUpdate...)
	if err := uploadFiles(ctx, files, targets, syncWorkers, logger); err != nil {
		return err
	}

	var failed error
	if len(result.Failed) > 0 {
		failed = fmt.Errorf("%d file(s) could not be scheduled for upload", len(result.Failed))
	}
	if syncNoWait || len(targets) == 0 {
		return failed
	}

	report, err := api.WaitForCompletion(ctx, syncSiteID, pollInterval, pollAttempts)
	if errors.Is(err, client.ErrTimeout) {
		_, _ = fmt.Fprintf(out, "still processing: %d of %d files pending\n", report.Files.Pending, report.Files.Total)
		return failed
	}
	if err != nil {
		return fmt.Errorf("failed to wait for processing: %w", err)
	}
	printReport(out, report)
	if report.Status == status.StateError {
		return fmt.Errorf("%d file(s) failed processing", report.Files.Failed)
	}
	return failed
}

// uploadFiles PUTs the local content of every target in parallel.
func uploadFiles(ctx context.Context, files []manifest.File, targets []sync.UploadTarget, workers int, logger *slog.Logger) error {
	if len(targets) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}

	byPath := make(map[string]manifest.File, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}
	for _, target := range targets {
		if _, ok := byPath[target.Path]; !ok {
			return fmt.Errorf("server returned unknown path %s", target.Path)
		}
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, target := range targets {
		target := target
		f := byPath[target.Path]
		g.Go(func() error {
			fh, err := os.Open(f.AbsPath)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", f.Path, err)
			}
			defer func() {
				_ = fh.Close()
			}()

			if err := client.Upload(ctx, httpClient, target, fh, f.Size); err != nil {
				return fmt.Errorf("failed to upload %s: %w", f.Path, err)
			}
			logger.Debug("uploaded file", "path", f.Path, "size", f.Size)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("uploads complete", "count", len(targets))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	api, err := newAPIClient(setupLogger())
	if err != nil {
		return err
	}

	report, err := api.Status(ctx, syncSiteID)
	if err != nil {
		return fmt.Errorf("failed to get status of site %s: %w", syncSiteID, err)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func printResult(w io.Writer, r *sync.Result) {
	prefix := ""
	if r.DryRun {
		prefix = "[dry-run] "
	}
	_, _ = fmt.Fprintf(w, "%supload: %d, update: %d, delete: %d, unchanged: %d, failed: %d\n",
		prefix, r.Summary.ToUpload, r.Summary.ToUpdate, r.Summary.Deleted, r.Summary.Unchanged, r.Summary.Failed)
	for _, t := range r.ToUpload {
		_, _ = fmt.Fprintf(w, "  + %s\n", t.Path)
	}
	for _, t := range r.ToUpdate {
		_, _ = fmt.Fprintf(w, "  ~ %s\n", t.Path)
	}
	for _, p := range r.Deleted {
		_, _ = fmt.Fprintf(w, "  - %s\n", p)
	}
	for _, f := range r.Failed {
		_, _ = fmt.Fprintf(w, "  ! %s: %s\n", f.Path, f.Error)
	}
}

func printReport(w io.Writer, r *status.Report) {
	_, _ = fmt.Fprintf(w, "site %s: %s (%d total, %d pending, %d success, %d failed)\n",
		r.SiteID, r.Status, r.Files.Total, r.Files.Pending, r.Files.Success, r.Files.Failed)
	for _, e := range r.Errors {
		_, _ = fmt.Fprintf(w, "  ! %s: %s\n", e.Path, e.Error)
	}
}
