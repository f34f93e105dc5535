// Package client talks to a sitesyncd server and uploads files to the URLs
// it issues.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/schaermu/sitesyncd/internal/apperr"
	"github.com/schaermu/sitesyncd/internal/status"
	"github.com/schaermu/sitesyncd/internal/storage"
	"github.com/schaermu/sitesyncd/internal/sync"
)

// ErrTimeout is returned by WaitForCompletion when the site is still
// pending after the last attempt.
var ErrTimeout = errors.New("timed out waiting for processing")

// Client calls the sitesyncd HTTP API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the server at baseURL authenticating with token.
func New(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  logger,
	}
}

type syncBody struct {
	Files  []sync.ManifestEntry `json:"files"`
	DryRun bool                 `json:"dryRun,omitempty"`
}

// Sync submits a manifest for siteID.
func (c *Client) Sync(ctx context.Context, siteID string, files []sync.ManifestEntry, dryRun bool) (*sync.Result, error) {
	if files == nil {
		files = []sync.ManifestEntry{}
	}
	body, err := json.Marshal(syncBody{Files: files, DryRun: dryRun})
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	var result sync.Result
	path := "/api/sites/" + url.PathEscape(siteID) + "/sync"
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status fetches the processing report of siteID.
func (c *Client) Status(ctx context.Context, siteID string) (*status.Report, error) {
	var report status.Report
	path := "/api/sites/" + url.PathEscape(siteID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// WaitForCompletion polls the status of siteID every interval until it is
// no longer pending, for at most attempts polls. A site still pending after
// the last poll yields the last report and ErrTimeout.
func (c *Client) WaitForCompletion(ctx context.Context, siteID string, interval time.Duration, attempts int) (*status.Report, error) {
	var report *status.Report
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(interval):
			}
		}

		var err error
		report, err = c.Status(ctx, siteID)
		if err != nil {
			return nil, err
		}
		if report.Status != status.StatePending {
			return report, nil
		}
		c.logger.Debug("site still processing", "site_id", siteID, "pending", report.Files.Pending, "attempt", i+1)
	}
	return report, ErrTimeout
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError turns an error response into an *apperr.Error when the body
// carries the server's error payload.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload apperr.Payload
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return apperr.New(payload.Error, payload.Message)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// Upload PUTs body to an issued upload URL with the headers the URL was
// signed for.
func Upload(ctx context.Context, httpClient *http.Client, target sync.UploadTarget, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", target.ContentType)
	req.Header.Set("Cache-Control", storage.CacheControl(storage.Extension(target.Path)))

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", target.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("failed to upload %s: storage returned %d", target.Path, resp.StatusCode)
	}
	return nil
}
