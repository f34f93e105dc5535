package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/google/go-github/v60/github"

	"github.com/schaermu/sitesyncd/internal/config"
	"github.com/schaermu/sitesyncd/internal/jobs"
	"github.com/schaermu/sitesyncd/internal/store"
)

const branchRefPrefix = "refs/heads/"

// SiteIndex finds the sites a webhook event concerns.
type SiteIndex interface {
	SitesForPush(repository, branch string) ([]store.Site, error)
	SetInstallationSuspended(id int64, suspended bool) error
}

// Enqueuer accepts re-sync jobs.
type Enqueuer interface {
	Enqueue(msg jobs.Message)
}

// TokenInvalidator drops cached installation credentials.
type TokenInvalidator interface {
	Invalidate(installationID int64)
}

// Server handles GitHub App webhook deliveries
type Server struct {
	cfg    config.GitHubConfig
	sites  SiteIndex
	jobs   Enqueuer
	tokens TokenInvalidator
	logger *slog.Logger
	secret []byte
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, sites SiteIndex, queue Enqueuer, tokens TokenInvalidator, logger *slog.Logger) (*Server, error) {
	secret, err := config.ReadSecretFile(cfg.GitHub.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is empty")
	}

	return &Server{
		cfg:    cfg.GitHub,
		sites:  sites,
		jobs:   queue,
		tokens: tokens,
		logger: logger,
		secret: []byte(secret),
	}, nil
}

// ServeHTTP handles incoming GitHub webhook requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", r.Header.Get("Content-Type"))
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := github.WebHookType(r)
	s.logger.Info("received webhook", "event", eventType, "delivery", github.DeliveryID(r))

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		respond(w, "Event type not configured for sync")
		return
	}

	switch eventType {
	case "ping":
		respond(w, "pong")
	case "push":
		s.handlePush(w, body)
	case "installation":
		s.handleInstallation(w, body)
	default:
		respond(w, "Event ignored")
	}
}

func (s *Server) handlePush(w http.ResponseWriter, body []byte) {
	var event github.PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	ref := event.GetRef()
	if !strings.HasPrefix(ref, branchRefPrefix) {
		s.logger.Info("ignoring non-branch ref", "ref", ref)
		respond(w, "Ref is not a branch")
		return
	}
	if !s.isRefAllowed(ref) {
		s.logger.Info("ignoring disallowed ref", "ref", ref)
		respond(w, "Ref not configured for sync")
		return
	}

	repo := event.GetRepo().GetFullName()
	branch := strings.TrimPrefix(ref, branchRefPrefix)

	sites, err := s.sites.SitesForPush(repo, branch)
	if err != nil {
		s.logger.Error("failed to look up sites", "repository", repo, "error", err)
		http.Error(w, "Failed to look up sites", http.StatusInternalServerError)
		return
	}

	for _, site := range sites {
		s.jobs.Enqueue(jobs.Message{
			SiteID:         site.ID,
			Repository:     site.Repository,
			Branch:         site.Branch,
			RootDir:        site.RootDir,
			InstallationID: site.InstallationID,
		})
	}

	s.logger.Info("webhook accepted",
		"ref", ref,
		"commit", event.GetAfter(),
		"repository", repo,
		"sites", len(sites))
	respond(w, fmt.Sprintf("Re-sync triggered for %d site(s)", len(sites)))
}

func (s *Server) handleInstallation(w http.ResponseWriter, body []byte) {
	var event github.InstallationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	id := event.GetInstallation().GetID()
	action := event.GetAction()

	var suspended bool
	switch action {
	case "deleted", "suspend":
		suspended = true
		s.tokens.Invalidate(id)
	case "created", "unsuspend":
		suspended = false
	default:
		respond(w, "Installation action ignored")
		return
	}

	if err := s.sites.SetInstallationSuspended(id, suspended); err != nil {
		s.logger.Error("failed to update installation", "installation_id", id, "error", err)
		http.Error(w, "Failed to update installation", http.StatusInternalServerError)
		return
	}

	s.logger.Info("installation updated", "installation_id", id, "action", action, "suspended", suspended)
	respond(w, "Installation updated")
}

func respond(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, msg)
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.AllowedRefs) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}
