// Package resolve maps repository file paths and in-page links to site URL paths.
package resolve

import (
	"path"
	"regexp"
	"strings"
)

var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)

// IsMarkdown reports whether p has a markdown-class extension.
func IsMarkdown(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".mdx":
		return true
	}
	return false
}

// FilePath returns the site URL path for a repository-relative file path.
// README and index pages resolve to their directory, other markdown files
// lose their extension and everything else is returned as-is under "/".
func FilePath(p string) string {
	p = clean(p)
	if p == "" {
		return "/"
	}
	if !IsMarkdown(p) {
		return "/" + p
	}

	stripped := strings.TrimSuffix(p, path.Ext(p))
	dir, base := path.Split(stripped)
	if isDirectoryPage(base) {
		dir = strings.TrimSuffix(dir, "/")
		if dir == "" {
			return "/"
		}
		return "/" + dir
	}
	return "/" + stripped
}

// Link resolves a link target found in the page at origin. External URLs
// are returned unchanged; internal results are prefixed with prefix.
func Link(target, origin, prefix string) string {
	if schemeRe.MatchString(target) || strings.HasPrefix(target, "//") {
		return target
	}

	ref, heading, hasHeading := strings.Cut(target, "#")
	fragment := ""
	if hasHeading {
		fragment = "#" + Slug(heading)
	}
	if ref == "" {
		return fragment
	}

	var joined string
	if strings.HasPrefix(ref, "/") {
		joined = ref
	} else {
		joined = path.Join(path.Dir(clean(origin)), ref)
	}

	resolved := FilePath(joined)
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" {
		if resolved == "/" {
			resolved = prefix
		} else {
			resolved = prefix + resolved
		}
	}
	return resolved + fragment
}

// Slug lower-cases a heading and replaces spaces with hyphens.
func Slug(heading string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(heading)), " ", "-")
}

// AppPaths computes the URL path of every markdown file in paths. When an
// index page and a README share a directory, the index page owns the
// directory path and the README keeps its own extension-less path.
func AppPaths(paths []string) map[string]string {
	result := make(map[string]string)
	owner := make(map[string]string) // url path -> file path that claimed it

	for _, p := range paths {
		if !IsMarkdown(p) {
			continue
		}
		u := FilePath(p)
		if prev, ok := owner[u]; ok && isIndex(prev) && isReadme(p) {
			result[p] = fallbackPath(p)
			continue
		} else if ok && isReadme(prev) && isIndex(p) {
			result[prev] = fallbackPath(prev)
		}
		owner[u] = p
		result[p] = u
	}
	return result
}

func fallbackPath(p string) string {
	p = clean(p)
	return "/" + strings.TrimSuffix(p, path.Ext(p))
}

func isDirectoryPage(base string) bool {
	return base == "README" || base == "index"
}

func isReadme(p string) bool {
	b := path.Base(p)
	return strings.TrimSuffix(b, path.Ext(b)) == "README"
}

func isIndex(p string) bool {
	b := path.Base(p)
	return strings.TrimSuffix(b, path.Ext(b)) == "index"
}

func clean(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return ""
	}
	return path.Clean(p)
}
