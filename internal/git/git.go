// Package git reads repository content from GitHub on behalf of a GitHub
// App installation.
package git

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// SiteConfigFile is the repository file carrying a site's content filters.
const SiteConfigFile = "config.json"

// TreeEntry is a file in a repository tree.
type TreeEntry struct {
	Path string
	SHA  string
	Size int64
}

// SiteConfig holds the content filters a repository declares.
type SiteConfig struct {
	ContentInclude []string `json:"contentInclude"`
	ContentExclude []string `json:"contentExclude"`
}

// Client provides the repository operations needed for a re-sync
type Client interface {
	// ListTree returns every file (not directory) on branch.
	ListTree(ctx context.Context, repo, branch string, installationID int64) ([]TreeEntry, error)
	// FetchBlob returns the raw content of the blob with the given sha.
	FetchBlob(ctx context.Context, repo, sha string, installationID int64) ([]byte, error)
	// SiteConfig returns the repository's content filters. A repository
	// without a config file yields an empty SiteConfig.
	SiteConfig(ctx context.Context, repo, branch string, installationID int64) (SiteConfig, error)
}

// TokenSourcer hands out credentials for an installation.
type TokenSourcer interface {
	TokenSource(installationID int64) oauth2.TokenSource
}

// GitHubClient implements Client using the GitHub REST API
type GitHubClient struct {
	tokens  TokenSourcer
	baseURL *url.URL
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGitHubClient creates a client authenticating through tokens. apiURL
// overrides the API endpoint for GitHub Enterprise; an empty value uses
// api.github.com. requestsPerSecond paces all outbound calls.
func NewGitHubClient(tokens TokenSourcer, apiURL string, requestsPerSecond float64, logger *slog.Logger) (*GitHubClient, error) {
	base, err := parseBaseURL(apiURL)
	if err != nil {
		return nil, err
	}
	return &GitHubClient{
		tokens:  tokens,
		baseURL: base,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  logger,
	}, nil
}

func parseBaseURL(apiURL string) (*url.URL, error) {
	if apiURL == "" {
		return nil, nil
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GitHub API URL: %w", err)
	}
	return u, nil
}

// newGitHub returns an API client authenticated as the installation.
func newGitHub(ctx context.Context, base *url.URL, ts oauth2.TokenSource) *github.Client {
	var httpClient *http.Client
	if ts != nil {
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)
	if base != nil {
		client.BaseURL = base
	}
	return client
}

func (c *GitHubClient) client(ctx context.Context, installationID int64) (*github.Client, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}
	return newGitHub(ctx, c.baseURL, c.tokens.TokenSource(installationID)), nil
}

// ListTree fetches the recursive tree of branch. GitHub truncates very large
// trees; a truncated listing is an error rather than a partial manifest,
// since a partial manifest would delete the missing files.
func (c *GitHubClient) ListTree(ctx context.Context, repo, branch string, installationID int64) ([]TreeEntry, error) {
	owner, name, err := SplitRepository(repo)
	if err != nil {
		return nil, err
	}
	gh, err := c.client(ctx, installationID)
	if err != nil {
		return nil, err
	}

	tree, _, err := gh.Git.GetTree(ctx, owner, name, branch, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree for %s@%s: %w", repo, branch, err)
	}
	if tree.GetTruncated() {
		return nil, fmt.Errorf("tree for %s@%s is truncated", repo, branch)
	}

	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() != "blob" {
			continue
		}
		entries = append(entries, TreeEntry{
			Path: e.GetPath(),
			SHA:  e.GetSHA(),
			Size: int64(e.GetSize()),
		})
	}

	c.logger.Debug("listed repository tree", "repository", repo, "branch", branch, "files", len(entries))
	return entries, nil
}

// FetchBlob downloads the raw content of a blob.
func (c *GitHubClient) FetchBlob(ctx context.Context, repo, sha string, installationID int64) ([]byte, error) {
	owner, name, err := SplitRepository(repo)
	if err != nil {
		return nil, err
	}
	gh, err := c.client(ctx, installationID)
	if err != nil {
		return nil, err
	}

	data, _, err := gh.Git.GetBlobRaw(ctx, owner, name, sha)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", sha, err)
	}
	return data, nil
}

// SiteConfig reads config.json from the repository root on branch.
func (c *GitHubClient) SiteConfig(ctx context.Context, repo, branch string, installationID int64) (SiteConfig, error) {
	owner, name, err := SplitRepository(repo)
	if err != nil {
		return SiteConfig{}, err
	}
	gh, err := c.client(ctx, installationID)
	if err != nil {
		return SiteConfig{}, err
	}

	file, _, resp, err := gh.Repositories.GetContents(ctx, owner, name, SiteConfigFile,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		if isNotFound(resp, err) {
			return SiteConfig{}, nil
		}
		return SiteConfig{}, fmt.Errorf("failed to get %s: %w", SiteConfigFile, err)
	}
	if file == nil {
		return SiteConfig{}, fmt.Errorf("%s is a directory", SiteConfigFile)
	}

	content, err := file.GetContent()
	if err != nil {
		return SiteConfig{}, fmt.Errorf("failed to decode %s: %w", SiteConfigFile, err)
	}

	var cfg SiteConfig
	if err := json.Unmarshal([]byte(content), &cfg); err != nil {
		return SiteConfig{}, fmt.Errorf("failed to parse %s: %w", SiteConfigFile, err)
	}
	return cfg, nil
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var errResp *github.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil &&
		errResp.Response.StatusCode == http.StatusNotFound
}

// SplitRepository splits "owner/name".
func SplitRepository(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository name: %q", repo)
	}
	return owner, name, nil
}
