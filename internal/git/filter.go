package git

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Visible reports whether a repository path passes a site's content filters.
// With include patterns, a path must match one of them; it must never match
// an exclude pattern. A pattern naming a directory also covers everything
// below it.
func (c SiteConfig) Visible(p string) bool {
	if len(c.ContentInclude) > 0 && !matchAny(c.ContentInclude, p) {
		return false
	}
	return !matchAny(c.ContentExclude, p)
}

func matchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		pattern = strings.Trim(strings.TrimPrefix(pattern, "./"), "/")
		if pattern == "" {
			continue
		}
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return true
		}
		if strings.HasPrefix(p, pattern+"/") {
			return true
		}
	}
	return false
}
