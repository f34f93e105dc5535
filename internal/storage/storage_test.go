package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "site-1/blog/a.md", Key("site-1", "blog/a.md"))
	assert.Equal(t, "site-1/a.md", Key("site-1", "/a.md"))
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "md", Extension("blog/Post.MD"))
	assert.Equal(t, "gz", Extension("archive.tar.gz"))
	assert.Equal(t, "", Extension("Makefile"))
	assert.Equal(t, "", Extension("trailing."))
	assert.Equal(t, "", Extension("dir.v2/README"))
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"md":      "text/markdown",
		"MDX":     "text/markdown",
		"geojson": "application/geo+json",
		"base":    "application/yaml",
		"jpg":     "image/jpeg",
		"mp3":     "audio/mpeg",
		"svg":     "image/svg+xml",
		"unknown": "application/json",
		"":        "application/json",
	}
	for ext, want := range tests {
		assert.Equal(t, want, ContentType(ext), ext)
	}

	assert.True(t, SupportedExtension("PNG"))
	assert.False(t, SupportedExtension("exe"))
}

func TestCacheControl(t *testing.T) {
	assert.Equal(t, "max-age=0", CacheControl("md"))
	assert.Equal(t, "max-age=0", CacheControl("html"))
	assert.Equal(t, "max-age=300", CacheControl("png"))
	assert.Equal(t, "max-age=300", CacheControl(""))
}
