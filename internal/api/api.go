// Package api serves the sitesyncd HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/sitesyncd/internal/activation"
	"github.com/schaermu/sitesyncd/internal/apperr"
	"github.com/schaermu/sitesyncd/internal/auth"
	"github.com/schaermu/sitesyncd/internal/metrics"
	"github.com/schaermu/sitesyncd/internal/store"
	"github.com/schaermu/sitesyncd/internal/sync"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// SiteStore is the part of the store the API reads and writes.
type SiteStore interface {
	GetSite(id string) (store.Site, error)
	ListBlobs(siteID string) ([]store.Blob, error)
	SetStatus(blobID string, to store.Status, syncError *string) (store.Blob, error)
	SetDimensions(blobID string, width, height int) error
}

// Syncer reconciles a site with a manifest.
type Syncer interface {
	Sync(ctx context.Context, req sync.Request) (*sync.Result, error)
}

// Authenticator resolves Authorization headers.
type Authenticator interface {
	Resolve(header string) (auth.Principal, error)
}

// Options configures a Server.
type Options struct {
	ListenAddr string
	// CallbackToken authenticates the processing pipeline on the blob
	// status route. An empty token disables the route.
	CallbackToken string
	// Webhook handles GitHub deliveries; nil disables the route.
	Webhook http.Handler
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
}

// Server implements the HTTP API
type Server struct {
	opts   Options
	sites  SiteStore
	engine Syncer
	auth   Authenticator
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(opts Options, sites SiteStore, engine Syncer, authn Authenticator, logger *slog.Logger) *Server {
	return &Server{
		opts:   opts,
		sites:  sites,
		engine: engine,
		auth:   authn,
		logger: logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/sites/{siteId}/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/api/sites/{siteId}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/internal/blobs/{blobId}/status", s.handleBlobStatus).Methods(http.MethodPost)
	if s.opts.Webhook != nil {
		r.Handle("/api/webhooks/github", s.opts.Webhook).Methods(http.MethodPost)
	}
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apperr.New(apperr.CodeNotFound, "route not found"))
	})
	return r
}

// Start serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, activated, err := activation.Listen(s.opts.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server starting", "addr", listener.Addr().String(), "socket_activated", activated)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument counts responses per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.opts.Metrics.IncHTTP(route, rec.code)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as an error payload. Errors without a code become
// a bare internal error.
func writeError(w http.ResponseWriter, err error) {
	payload := apperr.ToPayload(err)
	writeJSON(w, apperr.HTTPStatus(payload.Error), payload)
}
