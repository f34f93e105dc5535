// Package status summarises the processing state of a site's blobs.
package status

import "github.com/schaermu/sitesyncd/internal/store"

// State is the overall processing state of a site.
type State string

const (
	StateComplete State = "complete"
	StatePending  State = "pending"
	StateError    State = "error"
)

// Counts tallies blobs by processing outcome.
type Counts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// FileError reports one failed blob.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// BlobStatus is the per-blob detail shown to a site's owner.
type BlobStatus struct {
	ID         string       `json:"id"`
	Path       string       `json:"path"`
	SyncStatus store.Status `json:"syncStatus"`
	SyncError  *string      `json:"syncError"`
	Extension  string       `json:"extension"`
}

// Report is the status of a site.
type Report struct {
	SiteID string       `json:"siteId"`
	Status State        `json:"status"`
	Files  Counts       `json:"files"`
	Errors []FileError  `json:"errors"`
	Blobs  []BlobStatus `json:"blobs,omitempty"`
}

// Aggregate builds a report from a snapshot of a site's blobs. Any failed
// blob makes the site "error"; otherwise any unfinished blob makes it
// "pending". A site without blobs is "complete".
func Aggregate(siteID string, blobs []store.Blob, detailed bool) Report {
	report := Report{
		SiteID: siteID,
		Errors: make([]FileError, 0),
	}
	if detailed {
		report.Blobs = make([]BlobStatus, 0, len(blobs))
	}

	for _, b := range blobs {
		report.Files.Total++
		switch b.SyncStatus {
		case store.StatusSuccess:
			report.Files.Success++
		case store.StatusError:
			report.Files.Failed++
			msg := ""
			if b.SyncError != nil {
				msg = *b.SyncError
			}
			report.Errors = append(report.Errors, FileError{Path: b.Path, Error: msg})
		default:
			report.Files.Pending++
		}

		if detailed {
			report.Blobs = append(report.Blobs, BlobStatus{
				ID:         b.ID,
				Path:       b.Path,
				SyncStatus: b.SyncStatus,
				SyncError:  b.SyncError,
				Extension:  b.Extension,
			})
		}
	}

	switch {
	case report.Files.Failed > 0:
		report.Status = StateError
	case report.Files.Pending > 0:
		report.Status = StatePending
	default:
		report.Status = StateComplete
	}
	return report
}
