package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/schaermu/sitesyncd/internal/api"
	"github.com/schaermu/sitesyncd/internal/auth"
	"github.com/schaermu/sitesyncd/internal/config"
	"github.com/schaermu/sitesyncd/internal/git"
	"github.com/schaermu/sitesyncd/internal/ingest"
	"github.com/schaermu/sitesyncd/internal/jobs"
	"github.com/schaermu/sitesyncd/internal/metrics"
	"github.com/schaermu/sitesyncd/internal/storage"
	"github.com/schaermu/sitesyncd/internal/store"
	"github.com/schaermu/sitesyncd/internal/sync"
	"github.com/schaermu/sitesyncd/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync API server",
	Long: `Serve starts the HTTP API: manifest sync and status routes, the ingestion
callback route, health and metrics endpoints and, when a GitHub App is
configured, the webhook route that re-syncs sites on push.

The listener is taken from systemd socket activation when present.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	engine := sync.NewEngine(cfg, st, objects, newPublisher(cfg, logger), logger).WithMetrics(m)

	callbackToken, err := config.ReadSecretFile(cfg.Ingest.CallbackTokenFile)
	if err != nil {
		return fmt.Errorf("failed to read callback token: %w", err)
	}
	if callbackToken == "" {
		logger.Warn("no ingest callback token configured, blob status route disabled")
	}

	opts := api.Options{
		ListenAddr:    cfg.Server.ListenAddr,
		CallbackToken: callbackToken,
		Gatherer:      reg,
		Metrics:       m,
	}

	var dispatcher *jobs.Dispatcher
	if cfg.GitHub.Enabled {
		var wh *webhook.Server
		dispatcher, wh, err = setupGitHub(ctx, cfg, st, engine, m, logger)
		if err != nil {
			return err
		}
		opts.Webhook = wh
	}

	server := api.NewServer(opts, st, engine, auth.NewResolver(st), logger)
	err = server.Start(ctx)

	if dispatcher != nil {
		logger.Info("waiting for running re-sync jobs")
		dispatcher.Stop()
		dispatcher.Wait()
	}
	return err
}

// setupGitHub wires the GitHub App: installation tokens, the API client,
// the re-sync job dispatcher and the webhook handler feeding it.
func setupGitHub(ctx context.Context, cfg *config.Config, st *store.Store, engine *sync.Engine, m *metrics.Metrics, logger *slog.Logger) (*jobs.Dispatcher, *webhook.Server, error) {
	key, err := os.ReadFile(cfg.GitHub.PrivateKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read GitHub App private key: %w", err)
	}

	tokens, err := git.NewInstallationTokens(cfg.GitHub.AppID, key, cfg.GitHub.APIURL, logger)
	if err != nil {
		return nil, nil, err
	}

	gh, err := git.NewGitHubClient(tokens, cfg.GitHub.APIURL, cfg.GitHub.RequestsPerSecond, logger)
	if err != nil {
		return nil, nil, err
	}

	uploads := &http.Client{Timeout: 5 * time.Minute}
	resyncer := jobs.NewResyncer(st, gh, engine, uploads, cfg.Sync.Concurrency, logger).WithMetrics(m)
	dispatcher := jobs.NewDispatcher(ctx, resyncer, cfg.GitHub.Debounce, logger)

	wh, err := webhook.NewServer(cfg, st, dispatcher, tokens, logger)
	if err != nil {
		return nil, nil, err
	}
	return dispatcher, wh, nil
}

// newObjectStore builds the configured storage backend.
func newObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	accessKey, err := config.ReadSecretFile(cfg.Storage.AccessKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage access key: %w", err)
	}
	secretKey, err := config.ReadSecretFile(cfg.Storage.SecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage secret key: %w", err)
	}

	switch cfg.Storage.Backend {
	case config.StorageMinio:
		return storage.NewMinioStore(storage.MinioOptions{
			Endpoint:  cfg.Storage.Endpoint,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			AccessKey: accessKey,
			SecretKey: secretKey,
			Insecure:  cfg.Storage.Insecure,
		})
	default:
		return storage.NewS3Store(ctx, storage.S3Options{
			Bucket:       cfg.Storage.Bucket,
			Region:       cfg.Storage.Region,
			Endpoint:     cfg.Storage.Endpoint,
			UsePathStyle: cfg.Storage.UsePathStyle,
			AccessKey:    accessKey,
			SecretKey:    secretKey,
		})
	}
}

func newPublisher(cfg *config.Config, logger *slog.Logger) ingest.Publisher {
	if cfg.Ingest.NotifyURL == "" {
		return ingest.NewLogPublisher(logger)
	}
	return ingest.NewHTTPPublisher(cfg.Ingest.NotifyURL, &http.Client{Timeout: 10 * time.Second})
}
