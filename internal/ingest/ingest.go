// Package ingest is the boundary to the external content-processing
// pipeline. The sync engine announces changed and deleted files here; the
// pipeline reports progress back through blob status updates.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened to the files of an event.
type EventType string

const (
	// FilesChanged is emitted once upload URLs were issued for paths.
	FilesChanged EventType = "files.changed"
	// FilesDeleted is emitted once blobs were removed for paths.
	FilesDeleted EventType = "files.deleted"
)

// Event is one notification to the processing pipeline.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	SiteID     string    `json:"siteId"`
	Paths      []string  `json:"paths"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewEvent creates an event with a fresh ID.
func NewEvent(typ EventType, siteID string, paths []string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		SiteID:     siteID,
		Paths:      paths,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events to the processing pipeline.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// HTTPPublisher posts events as JSON to a fixed URL.
type HTTPPublisher struct {
	url    string
	client *http.Client
}

// NewHTTPPublisher creates a publisher for url. A nil client uses a client
// with a 10 second timeout.
func NewHTTPPublisher(url string, client *http.Client) *HTTPPublisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPublisher{url: url, client: client}
}

// Publish implements Publisher.
func (p *HTTPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver event: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("event rejected with status %d", resp.StatusCode)
	}
	return nil
}

// LogPublisher only logs events. It is used when no pipeline URL is set.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info("ingest event", "type", ev.Type, "site_id", ev.SiteID, "files", len(ev.Paths))
	return nil
}
