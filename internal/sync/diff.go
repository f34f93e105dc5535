package sync

import (
	"fmt"
	"path"
	"strings"

	"github.com/schaermu/sitesyncd/internal/apperr"
	"github.com/schaermu/sitesyncd/internal/store"
)

// Limits bound the size of a manifest.
type Limits struct {
	MaxFiles     int
	MaxFileSize  int64
	MaxTotalSize int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:     1000,
		MaxFileSize:  100 << 20,
		MaxTotalSize: 500 << 20,
	}
}

// ValidateManifest rejects manifests that are malformed or exceed limits.
// The file count is checked before anything else.
func ValidateManifest(files []ManifestEntry, limits Limits) error {
	if len(files) > limits.MaxFiles {
		return apperr.New(apperr.CodePayloadTooLarge,
			fmt.Sprintf("too many files: %d (max %d)", len(files), limits.MaxFiles))
	}

	seen := make(map[string]struct{}, len(files))
	var total int64
	for _, f := range files {
		if err := validatePath(f.Path); err != nil {
			return err
		}
		if _, dup := seen[f.Path]; dup {
			return apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("duplicate path %q", f.Path))
		}
		seen[f.Path] = struct{}{}

		if f.SHA == "" {
			return apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("missing sha for %q", f.Path))
		}
		if f.Size < 0 {
			return apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("negative size for %q", f.Path))
		}
		if f.Size > limits.MaxFileSize {
			return apperr.New(apperr.CodeFileTooLarge,
				fmt.Sprintf("file %q is %d bytes (max %d)", f.Path, f.Size, limits.MaxFileSize))
		}
		total += f.Size
	}

	if total > limits.MaxTotalSize {
		return apperr.New(apperr.CodePayloadTooLarge,
			fmt.Sprintf("total size %d bytes exceeds %d", total, limits.MaxTotalSize))
	}
	return nil
}

func validatePath(p string) error {
	switch {
	case p == "" || p == ".":
		return apperr.New(apperr.CodeInvalidInput, "empty path")
	case strings.HasPrefix(p, "/"):
		return apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("path %q must be relative", p))
	case strings.Contains(p, `\`):
		return apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("path %q must use forward slashes", p))
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("path %q escapes the site root", p))
		}
	}
	if path.Clean(p) != p {
		return apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("path %q is not canonical", p))
	}
	return nil
}

// ComputeDiff compares a manifest with the full blob snapshot of a site in a
// single pass over each side.
func ComputeDiff(files []ManifestEntry, blobs []store.Blob) Diff {
	diff := Diff{
		ToUpload:  make([]ManifestEntry, 0),
		ToUpdate:  make([]ManifestEntry, 0),
		Unchanged: make([]string, 0),
		ToDelete:  make([]store.Blob, 0),
	}

	existing := make(map[string]store.Blob, len(blobs))
	for _, b := range blobs {
		existing[b.Path] = b
	}
	desired := make(map[string]struct{}, len(files))

	for _, f := range files {
		desired[f.Path] = struct{}{}
		prev, ok := existing[f.Path]
		switch {
		case !ok:
			diff.ToUpload = append(diff.ToUpload, f)
		case prev.SHA != f.SHA:
			diff.ToUpdate = append(diff.ToUpdate, f)
		default:
			diff.Unchanged = append(diff.Unchanged, f.Path)
		}
	}

	for _, b := range blobs {
		if _, ok := desired[b.Path]; !ok {
			diff.ToDelete = append(diff.ToDelete, b)
		}
	}

	return diff
}
