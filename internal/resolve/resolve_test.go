package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"README.md", "/"},
		{"index.mdx", "/"},
		{"blog/README.md", "/blog"},
		{"blog/index.md", "/blog"},
		{"notes/a.md", "/notes/a"},
		{"notes/a.MDX", "/notes/a"},
		{"/notes/deep/b.md", "/notes/deep/b"},
		{"./notes/c.md", "/notes/c"},
		{"assets/logo.png", "/assets/logo.png"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FilePath(tt.in))
		})
	}
}

func TestLink(t *testing.T) {
	tests := []struct {
		name   string
		target string
		origin string
		prefix string
		want   string
	}{
		{"heading with prefix", "post-1#My Section", "blog/post-1.md", "/@u/p", "/@u/p/blog/post-1#my-section"},
		{"relative dot", "./post-2.md", "blog/post-1.md", "", "/blog/post-2"},
		{"parent", "../about.md", "blog/post-1.md", "", "/about"},
		{"relative to readme dir", "post-1", "blog/README.md", "", "/blog/post-1"},
		{"absolute", "/docs/intro.md", "blog/post-1.md", "/@u/p", "/@u/p/docs/intro"},
		{"absolute index", "/docs/index.md", "blog/post-1.md", "", "/docs"},
		{"root with prefix", "/", "blog/post-1.md", "/@u/p/", "/@u/p"},
		{"root without prefix", "/README.md", "a.md", "", "/"},
		{"bare heading", "#Getting Started", "blog/post-1.md", "/@u/p", "#getting-started"},
		{"external", "https://example.com/a b#X", "blog/post-1.md", "/@u/p", "https://example.com/a b#X"},
		{"mailto", "mailto:me@example.com", "a.md", "", "mailto:me@example.com"},
		{"protocol relative", "//cdn.example.com/x.js", "a.md", "", "//cdn.example.com/x.js"},
		{"asset", "img/logo.png", "blog/post-1.md", "", "/blog/img/logo.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Link(tt.target, tt.origin, tt.prefix))
		})
	}
}

func TestAppPaths(t *testing.T) {
	t.Run("index wins over readme", func(t *testing.T) {
		got := AppPaths([]string{"blog/README.md", "blog/index.md", "blog/post.md", "img/a.png"})
		assert.Equal(t, map[string]string{
			"blog/index.md":  "/blog",
			"blog/README.md": "/blog/README",
			"blog/post.md":   "/blog/post",
		}, got)
	})

	t.Run("order independent", func(t *testing.T) {
		got := AppPaths([]string{"blog/index.md", "blog/README.md"})
		assert.Equal(t, "/blog", got["blog/index.md"])
		assert.Equal(t, "/blog/README", got["blog/README.md"])
	})

	t.Run("readme alone owns directory", func(t *testing.T) {
		got := AppPaths([]string{"README.md", "notes/a.md"})
		assert.Equal(t, "/", got["README.md"])
		assert.Equal(t, "/notes/a", got["notes/a.md"])
	})
}

func TestIsMarkdown(t *testing.T) {
	assert.True(t, IsMarkdown("a.md"))
	assert.True(t, IsMarkdown("dir/a.MDX"))
	assert.False(t, IsMarkdown("a.markdown"))
	assert.False(t, IsMarkdown("README"))
}
