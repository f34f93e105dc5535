package sync

import "github.com/schaermu/sitesyncd/internal/store"

// ManifestEntry is the caller's view of one file: where it lives, how big it
// is and its content hash.
type ManifestEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	SHA  string `json:"sha"`
}

// Diff is the categorised comparison of a manifest against the stored blobs
// of a site. Each manifest path appears in exactly one of ToUpload, ToUpdate
// and Unchanged; each blob in exactly one of ToUpdate, Unchanged and ToDelete.
type Diff struct {
	ToUpload  []ManifestEntry
	ToUpdate  []ManifestEntry
	Unchanged []string
	ToDelete  []store.Blob
}

// UploadTarget tells the caller where to PUT one file.
type UploadTarget struct {
	Path        string `json:"path"`
	UploadURL   string `json:"uploadUrl"`
	BlobID      string `json:"blobId"`
	ContentType string `json:"contentType"`
}

// Failure identifies a file whose upload URL could not be issued.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Summary counts the entries of a Result.
type Summary struct {
	ToUpload  int `json:"toUpload"`
	ToUpdate  int `json:"toUpdate"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Request is one sync call for a site.
type Request struct {
	SiteID string
	Files  []ManifestEntry
	DryRun bool
}

// Result is the outcome of a sync call. Files that failed are absent from
// ToUpload, ToUpdate and Deleted.
type Result struct {
	ToUpload  []UploadTarget `json:"toUpload"`
	ToUpdate  []UploadTarget `json:"toUpdate"`
	Deleted   []string       `json:"deleted"`
	Unchanged []string       `json:"unchanged"`
	Failed    []Failure      `json:"failed"`
	Summary   Summary        `json:"summary"`
	DryRun    bool           `json:"dryRun,omitempty"`
}

func (r *Result) summarize() {
	r.Summary = Summary{
		ToUpload:  len(r.ToUpload),
		ToUpdate:  len(r.ToUpdate),
		Deleted:   len(r.Deleted),
		Unchanged: len(r.Unchanged),
		Failed:    len(r.Failed),
	}
}
