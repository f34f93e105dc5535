// Package storage issues presigned upload URLs for and deletes site content
// objects in an S3-compatible bucket.
package storage

import (
	"context"
	"path"
	"strings"
	"time"
)

// DefaultPresignTTL is how long an upload URL stays valid.
const DefaultPresignTTL = time.Hour

// PutOptions are signed into a presigned upload URL. The uploader must send
// matching Content-Type and Cache-Control headers.
type PutOptions struct {
	ContentType  string
	CacheControl string
	Expires      time.Duration
}

// ObjectStore is the object-storage surface the sync engine needs.
type ObjectStore interface {
	// PresignPut returns a time-limited URL permitting a single PUT to key.
	PresignPut(ctx context.Context, key string, opts PutOptions) (string, error)
	// Delete removes the object at key. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) error
}

// Key returns the object key of a site file.
func Key(siteID, filePath string) string {
	return siteID + "/" + strings.TrimPrefix(filePath, "/")
}

// Extension returns the lower-cased text after the last dot of p's base
// name, or "" when there is none.
func Extension(p string) string {
	base := path.Base(p)
	i := strings.LastIndex(base, ".")
	if i < 0 || i == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[i+1:])
}

const fallbackContentType = "application/json"

var contentTypes = map[string]string{
	"md":      "text/markdown",
	"mdx":     "text/markdown",
	"html":    "text/html",
	"csv":     "text/csv",
	"geojson": "application/geo+json",
	"json":    "application/json",
	"yaml":    "application/yaml",
	"yml":     "application/yaml",
	"base":    "application/yaml",
	"css":     "text/css",
	"js":      "text/javascript",
	"jpeg":    "image/jpeg",
	"jpg":     "image/jpeg",
	"png":     "image/png",
	"gif":     "image/gif",
	"svg":     "image/svg+xml",
	"ico":     "image/x-icon",
	"webp":    "image/webp",
	"avif":    "image/avif",
	"pdf":     "application/pdf",
	"mp4":     "video/mp4",
	"webm":    "video/webm",
	"aac":     "audio/aac",
	"mp3":     "audio/mpeg",
	"opus":    "audio/opus",
}

// ContentType returns the MIME type served for files with extension ext.
func ContentType(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return fallbackContentType
}

// SupportedExtension reports whether ext has a known content type.
func SupportedExtension(ext string) bool {
	_, ok := contentTypes[strings.ToLower(ext)]
	return ok
}

// CacheControl returns the Cache-Control value for files with extension ext.
// Pages are revalidated on every request, assets are cached briefly.
func CacheControl(ext string) string {
	switch strings.ToLower(ext) {
	case "html", "md", "mdx":
		return "max-age=0"
	}
	return "max-age=300"
}
