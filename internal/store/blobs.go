package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/schaermu/sitesyncd/internal/apperr"
)

// Status is the processing state of a blob.
type Status string

const (
	StatusUploading  Status = "UPLOADING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusSuccess, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether a blob may move from one status to another.
// Writing the current status again is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusUploading:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusSuccess || to == StatusError
	}
	return false
}

// Blob is the durable record of one tracked file of a site.
type Blob struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id"`
	Path       string    `json:"path"`
	AppPath    *string   `json:"app_path,omitempty"`
	Size       int64     `json:"size"`
	SHA        string    `json:"sha"`
	Extension  string    `json:"extension"`
	SyncStatus Status    `json:"sync_status"`
	SyncError  *string   `json:"sync_error,omitempty"`
	Width      *int      `json:"width,omitempty"`
	Height     *int      `json:"height,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BlobInput carries the fields written when a file is selected for upload.
type BlobInput struct {
	Path      string
	Size      int64
	SHA       string
	Extension string
	AppPath   *string
}

// UpsertUploading creates or refreshes the blob for (siteID, in.Path) and
// resets it to UPLOADING. An existing blob keeps its ID. Concurrent callers
// are coalesced into shared write transactions.
func (s *Store) UpsertUploading(siteID string, in BlobInput) (Blob, error) {
	var blob Blob
	// Batch may run the function more than once.
	err := s.db.Batch(func(tx *bbolt.Tx) error {
		blob = Blob{}
		if tx.Bucket(bucketSites).Get([]byte(siteID)) == nil {
			return apperr.New(apperr.CodeNotFound, "site not found")
		}
		sb, err := tx.Bucket(bucketBlobs).CreateBucketIfNotExists([]byte(siteID))
		if err != nil {
			return fmt.Errorf("failed to create blob bucket: %w", err)
		}

		found, err := getJSON(sb, []byte(in.Path), &blob)
		if err != nil {
			return err
		}
		if !found {
			blob = Blob{ID: uuid.NewString(), SiteID: siteID, Path: in.Path}
		}

		blob.Size = in.Size
		blob.SHA = in.SHA
		blob.Extension = in.Extension
		blob.AppPath = in.AppPath
		blob.SyncStatus = StatusUploading
		blob.SyncError = nil
		blob.Width = nil
		blob.Height = nil
		blob.UpdatedAt = s.now().UTC()

		if err := putJSON(sb, []byte(in.Path), blob); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobIDs).Put([]byte(blob.ID), blobRef(siteID, in.Path))
	})
	if err != nil {
		return Blob{}, err
	}
	return blob, nil
}

// ListBlobs returns a snapshot of all blobs of a site.
func (s *Store) ListBlobs(siteID string) ([]Blob, error) {
	blobs := make([]Blob, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(bucketBlobs).Bucket([]byte(siteID))
		if sb == nil {
			return nil
		}
		return sb.ForEach(func(k, v []byte) error {
			var blob Blob
			if err := decodeJSON(k, v, &blob); err != nil {
				return err
			}
			blobs = append(blobs, blob)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return blobs, nil
}

// GetBlob returns a blob by ID.
func (s *Store) GetBlob(blobID string) (Blob, error) {
	var blob Blob
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		blob, _, err = lookupBlob(tx, blobID)
		return err
	})
	return blob, err
}

// DeleteBlobs removes the blob records for paths in a single transaction.
// Paths without a record are ignored.
func (s *Store) DeleteBlobs(siteID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(bucketBlobs).Bucket([]byte(siteID))
		if sb == nil {
			return nil
		}
		ids := tx.Bucket(bucketBlobIDs)
		for _, p := range paths {
			var blob Blob
			found, err := getJSON(sb, []byte(p), &blob)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if err := ids.Delete([]byte(blob.ID)); err != nil {
				return err
			}
			if err := sb.Delete([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetStatus moves a blob to a new status. syncError is stored for ERROR and
// cleared otherwise.
func (s *Store) SetStatus(blobID string, to Status, syncError *string) (Blob, error) {
	if !to.Valid() {
		return Blob{}, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("unknown status %q", to))
	}

	var blob Blob
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var sb *bbolt.Bucket
		var err error
		blob, sb, err = lookupBlob(tx, blobID)
		if err != nil {
			return err
		}
		if !CanTransition(blob.SyncStatus, to) {
			return apperr.New(apperr.CodeConflict,
				fmt.Sprintf("cannot move blob from %s to %s", blob.SyncStatus, to))
		}
		blob.SyncStatus = to
		if to == StatusError {
			blob.SyncError = syncError
		} else {
			blob.SyncError = nil
		}
		blob.UpdatedAt = s.now().UTC()
		return putJSON(sb, []byte(blob.Path), blob)
	})
	if err != nil {
		return Blob{}, err
	}
	return blob, nil
}

// SetAppPath rewrites the URL path of the blob at (siteID, path) without
// touching its processing status.
func (s *Store) SetAppPath(siteID, path string, appPath *string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(bucketBlobs).Bucket([]byte(siteID))
		if sb == nil {
			return apperr.New(apperr.CodeNotFound, "blob not found")
		}
		var blob Blob
		found, err := getJSON(sb, []byte(path), &blob)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.CodeNotFound, "blob not found")
		}
		blob.AppPath = appPath
		blob.UpdatedAt = s.now().UTC()
		return putJSON(sb, []byte(path), blob)
	})
}

// SetDimensions records the image dimensions reported for a blob.
func (s *Store) SetDimensions(blobID string, width, height int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		blob, sb, err := lookupBlob(tx, blobID)
		if err != nil {
			return err
		}
		blob.Width = &width
		blob.Height = &height
		return putJSON(sb, []byte(blob.Path), blob)
	})
}

func lookupBlob(tx *bbolt.Tx, blobID string) (Blob, *bbolt.Bucket, error) {
	ref := tx.Bucket(bucketBlobIDs).Get([]byte(blobID))
	if ref == nil {
		return Blob{}, nil, apperr.New(apperr.CodeNotFound, "blob not found")
	}
	siteID, path, ok := strings.Cut(string(ref), "\x00")
	if !ok {
		return Blob{}, nil, fmt.Errorf("corrupt blob index entry for %s", blobID)
	}
	sb := tx.Bucket(bucketBlobs).Bucket([]byte(siteID))
	if sb == nil {
		return Blob{}, nil, apperr.New(apperr.CodeNotFound, "blob not found")
	}
	var blob Blob
	found, err := getJSON(sb, []byte(path), &blob)
	if err != nil {
		return Blob{}, nil, err
	}
	if !found {
		return Blob{}, nil, apperr.New(apperr.CodeNotFound, "blob not found")
	}
	return blob, sb, nil
}

func blobRef(siteID, path string) []byte {
	return []byte(siteID + "\x00" + path)
}
