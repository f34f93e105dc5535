package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/schaermu/sitesyncd/internal/config"
	"github.com/schaermu/sitesyncd/internal/jobs"
	"github.com/schaermu/sitesyncd/internal/store"
)

// mockSites is a mock implementation of SiteIndex
type mockSites struct {
	sites      []store.Site
	lookupErr  error
	gotRepo    string
	gotBranch  string
	suspended  map[int64]bool
	suspendErr error
}

func (m *mockSites) SitesForPush(repository, branch string) ([]store.Site, error) {
	m.gotRepo = repository
	m.gotBranch = branch
	return m.sites, m.lookupErr
}

func (m *mockSites) SetInstallationSuspended(id int64, suspended bool) error {
	if m.suspendErr != nil {
		return m.suspendErr
	}
	if m.suspended == nil {
		m.suspended = make(map[int64]bool)
	}
	m.suspended[id] = suspended
	return nil
}

// mockQueue records enqueued jobs
type mockQueue struct {
	mu   sync.Mutex
	msgs []jobs.Message
}

func (m *mockQueue) Enqueue(msg jobs.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

// mockTokens records invalidated installations
type mockTokens struct {
	invalidated []int64
}

func (m *mockTokens) Invalidate(id int64) {
	m.invalidated = append(m.invalidated, id)
}

type testServer struct {
	*Server
	sites  *mockSites
	queue  *mockQueue
	tokens *mockTokens
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	secretPath := filepath.Join(t.TempDir(), "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		GitHub: config.GitHubConfig{
			Enabled:           true,
			AppID:             1,
			WebhookSecretFile: secretPath,
			AllowedEventTypes: []string{"push", "installation", "ping"},
		},
	}
	return cfg, secret
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ts := &testServer{
		sites:  &mockSites{},
		queue:  &mockQueue{},
		tokens: &mockTokens{},
	}
	server, err := NewServer(cfg, ts.sites, ts.queue, ts.tokens, logger)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	ts.Server = server
	return ts
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(s *testServer, event string, body []byte, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	s := newTestServer(t, cfg)

	if string(s.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret, got %q", s.secret)
	}
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.GitHub.WebhookSecretFile = filepath.Join(t.TempDir(), "missing")

	_, err := NewServer(cfg, &mockSites{}, &mockQueue{}, &mockTokens{}, slog.Default())
	if err == nil {
		t.Fatal("expected error for missing secret file")
	}
}

func TestVerifySignature(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	server := newTestServer(t, cfg)

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{
			name:      "valid signature",
			body:      []byte(`{"ref":"refs/heads/main"}`),
			signature: computeSignature([]byte(`{"ref":"refs/heads/main"}`), secret),
			want:      true,
		},
		{
			name:      "invalid signature",
			body:      []byte(`{"ref":"refs/heads/main"}`),
			signature: "sha256=invalid",
			want:      false,
		},
		{
			name:      "missing sha256 prefix",
			body:      []byte(`{"ref":"refs/heads/main"}`),
			signature: "notsha256",
			want:      false,
		},
		{
			name:      "empty signature",
			body:      []byte(`{"ref":"refs/heads/main"}`),
			signature: "",
			want:      false,
		},
		{
			name:      "wrong body",
			body:      []byte(`{"ref":"refs/heads/other"}`),
			signature: computeSignature([]byte(`{"ref":"refs/heads/main"}`), secret),
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := server.verifySignature(tt.body, tt.signature)
			if got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRefAllowed(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.GitHub.AllowedRefs = []string{"refs/heads/main"}
	server := newTestServer(t, cfg)

	if !server.isRefAllowed("refs/heads/main") {
		t.Error("expected main to be allowed")
	}
	if server.isRefAllowed("refs/heads/dev") {
		t.Error("expected dev to be rejected")
	}

	cfg.GitHub.AllowedRefs = nil
	open := newTestServer(t, cfg)
	if !open.isRefAllowed("refs/heads/anything") {
		t.Error("expected every ref to be allowed without a filter")
	}
}

func TestPush_EnqueuesMatchingSites(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	s := newTestServer(t, cfg)
	s.sites.sites = []store.Site{
		{ID: "site-1", Repository: "acme/docs", Branch: "main", RootDir: "content", InstallationID: 7},
		{ID: "site-2", Repository: "acme/docs", Branch: "main", InstallationID: 7},
	}

	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {"full_name": "acme/docs"}
	}`)
	rec := deliver(s, "push", body, secret)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if s.sites.gotRepo != "acme/docs" || s.sites.gotBranch != "main" {
		t.Errorf("looked up %s@%s, want acme/docs@main", s.sites.gotRepo, s.sites.gotBranch)
	}
	if len(s.queue.msgs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(s.queue.msgs))
	}
	want := jobs.Message{SiteID: "site-1", Repository: "acme/docs", Branch: "main", RootDir: "content", InstallationID: 7}
	if s.queue.msgs[0] != want {
		t.Errorf("unexpected job %+v", s.queue.msgs[0])
	}
}

func TestPush_IgnoresTags(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	s := newTestServer(t, cfg)
	s.sites.sites = []store.Site{{ID: "site-1"}}

	body := []byte(`{"ref": "refs/tags/v1.0.0", "repository": {"full_name": "acme/docs"}}`)
	rec := deliver(s, "push", body, secret)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if len(s.queue.msgs) != 0 {
		t.Errorf("expected no jobs for a tag push, got %d", len(s.queue.msgs))
	}
}

func TestPush_DisallowedRef(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	cfg.GitHub.AllowedRefs = []string{"refs/heads/main"}
	s := newTestServer(t, cfg)
	s.sites.sites = []store.Site{{ID: "site-1"}}

	body := []byte(`{"ref": "refs/heads/feature", "repository": {"full_name": "acme/docs"}}`)
	rec := deliver(s, "push", body, secret)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if len(s.queue.msgs) != 0 {
		t.Errorf("expected no jobs, got %d", len(s.queue.msgs))
	}
}

func TestPush_LookupFailure(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	s := newTestServer(t, cfg)
	s.sites.lookupErr = errors.New("database closed")

	body := []byte(`{"ref": "refs/heads/main", "repository": {"full_name": "acme/docs"}}`)
	rec := deliver(s, "push", body, secret)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}

func TestPush_InvalidPayload(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	s := newTestServer(t, cfg)

	rec := deliver(s, "push", []byte(`{"ref": 42}`), secret)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestInstallationEvents(t *testing.T) {
	tests := []struct {
		action          string
		wantSuspended   bool
		wantInvalidated bool
		wantUpdate      bool
	}{
		{action: "deleted", wantSuspended: true, wantInvalidated: true, wantUpdate: true},
		{action: "suspend", wantSuspended: true, wantInvalidated: true, wantUpdate: true},
		{action: "unsuspend", wantSuspended: false, wantUpdate: true},
		{action: "created", wantSuspended: false, wantUpdate: true},
		{action: "new_permissions_accepted"},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			cfg, secret := setupTestConfig(t)
			s := newTestServer(t, cfg)

			body := []byte(`{"action": "` + tt.action + `", "installation": {"id": 77}}`)
			rec := deliver(s, "installation", body, secret)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rec.Code)
			}
			suspended, updated := s.sites.suspended[77]
			if updated != tt.wantUpdate {
				t.Fatalf("installation updated = %v, want %v", updated, tt.wantUpdate)
			}
			if suspended != tt.wantSuspended {
				t.Errorf("suspended = %v, want %v", suspended, tt.wantSuspended)
			}
			if got := len(s.tokens.invalidated) == 1; got != tt.wantInvalidated {
				t.Errorf("token invalidated = %v, want %v", got, tt.wantInvalidated)
			}
		})
	}
}

func TestPing(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	s := newTestServer(t, cfg)

	rec := deliver(s, "ping", []byte(`{"zen": "Keep it logically awesome."}`), secret)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestHandleWebhook_InvalidMethod(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	s := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhooks/github", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rec.Code)
	}
}

func TestHandleWebhook_InvalidContentType(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	s := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader([]byte("payload=x")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	s := newTestServer(t, cfg)
	s.sites.sites = []store.Site{{ID: "site-1"}}

	body := []byte(`{"ref": "refs/heads/main", "repository": {"full_name": "acme/docs"}}`)
	rec := deliver(s, "push", body, "wrong-secret")

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rec.Code)
	}
	if len(s.queue.msgs) != 0 {
		t.Error("expected no jobs for an unsigned delivery")
	}
}

func TestHandleWebhook_DisallowedEventType(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	cfg.GitHub.AllowedEventTypes = []string{"installation"}
	s := newTestServer(t, cfg)
	s.sites.sites = []store.Site{{ID: "site-1"}}

	body := []byte(`{"ref": "refs/heads/main", "repository": {"full_name": "acme/docs"}}`)
	rec := deliver(s, "push", body, secret)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if len(s.queue.msgs) != 0 {
		t.Error("expected no jobs for a disallowed event")
	}
}
