// Package manifest builds a sync manifest from a local directory.
package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/schaermu/sitesyncd/internal/storage"
	"github.com/schaermu/sitesyncd/internal/sync"
)

// DefaultIgnore lists patterns applied before any .gitignore file. Later
// .gitignore rules, including negations, override them.
var DefaultIgnore = []string{
	".git/",
	".gitignore",
	"node_modules/",
	".DS_Store",
	"Thumbs.db",
	".env",
	".env.*",
	"!.env.example",
	"*.log",
	".cache/",
	"dist/",
	"build/",
	".next/",
	".vercel/",
	".turbo/",
	"coverage/",
	".nyc_output/",
}

// File is a manifest entry together with where it lives on disk.
type File struct {
	sync.ManifestEntry
	AbsPath string
}

// Discover walks dir and returns every supported file in lexical order.
// Hidden files and directories are skipped, as is anything ignored by
// DefaultIgnore, by the .gitignore files below dir or by exclude
// (doublestar patterns relative to dir).
func Discover(dir string, exclude []string) ([]File, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	ignore, err := newMatcher(root)
	if err != nil {
		return nil, err
	}

	var files []File
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		// Skip hidden files and directories (e.g. .git, .gitignore)
		if strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if ignore.Match(strings.Split(rel, "/"), info.IsDir()) || excluded(exclude, rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		if !storage.SupportedExtension(storage.Extension(rel)) {
			return nil
		}

		sha, err := hashFile(path, info.Size())
		if err != nil {
			return err
		}
		files = append(files, File{
			ManifestEntry: sync.ManifestEntry{Path: rel, Size: info.Size(), SHA: sha},
			AbsPath:       path,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return files, nil
}

// newMatcher combines DefaultIgnore with every .gitignore below root.
// Nested files only apply to their own directory.
func newMatcher(root string) (gitignore.Matcher, error) {
	patterns := make([]gitignore.Pattern, 0, len(DefaultIgnore))
	for _, p := range DefaultIgnore {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}

	found, err := gitignore.ReadPatterns(osfs.New(root), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read .gitignore: %w", err)
	}
	return gitignore.NewMatcher(append(patterns, found...)), nil
}

// Entries strips disk locations from files.
func Entries(files []File) []sync.ManifestEntry {
	entries := make([]sync.ManifestEntry, len(files))
	for i, f := range files {
		entries[i] = f.ManifestEntry
	}
	return entries
}

// GitBlobSHA hashes content the way git hashes a blob, so a local manifest
// and one built from a repository tree agree on unchanged files.
func GitBlobSHA(r io.Reader, size int64) (string, error) {
	h := plumbing.NewHasher(plumbing.BlobObject, size)
	n, err := io.Copy(h, r)
	if err != nil {
		return "", err
	}
	if n != size {
		return "", fmt.Errorf("read %d bytes, expected %d", n, size)
	}
	return h.Sum().String(), nil
}

func hashFile(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	sha, err := GitBlobSHA(f, size)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return sha, nil
}

func excluded(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}
