// Package resolve expands watch and ignore patterns against a root directory
// into the concrete set of files that belong in the snapshot mirror.
//
// Watch patterns use path/filepath glob syntax. Go's glob metacharacters match
// a leading dot, so `*` selects hidden entries like `.bashrc` without any
// extra flag. A matched directory contributes every file and symlink beneath
// it.
//
// Ignore patterns are literal path prefixes tested against the root-relative
// slash-separated path. A pattern containing glob metacharacters is expanded
// first and each match becomes a prefix; a pattern whose last segment is `*`
// or `**` also covers everything under its parent directory. The prefix test
// does not respect directory boundaries: ignoring `b/cache` also drops
// `b/cache2/x`. A trailing `/` stays in the prefix, so ignoring `b/` drops
// `b/x` but keeps `bin/tool`.
package resolve

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// metadataDir is never mirrored; a nested repository would become an opaque
// gitlink and a top-level one would clobber the snapshot history.
const metadataDir = ".git"

// Entry is a single file or symlink selected for the mirror.
type Entry struct {
	// RelPath is slash-separated and relative to the resolve root.
	RelPath string
	Mode    os.FileMode
	// Pattern is the watch pattern that first selected the entry.
	Pattern string
}

// Result is the outcome of one resolution.
type Result struct {
	Entries []Entry
	// Skipped lists items that matched but could not be read.
	Skipped []*PermissionError
	// Unmatched lists watch patterns that selected nothing.
	Unmatched []string
}

// RootError reports an unusable resolve root. It aborts the whole cycle.
type RootError struct {
	Root string
	Err  error
}

func (e *RootError) Error() string {
	return fmt.Sprintf("watch root %s is not readable: %v", e.Root, e.Err)
}

func (e *RootError) Unwrap() error { return e.Err }

// PermissionError reports a single unreadable item. Only that item is dropped.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("skipping unreadable %s: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Resolver expands patterns against a filesystem.
type Resolver struct {
	fs      afero.Fs
	logger  *slog.Logger
	exclude []string
}

// New creates a Resolver. Paths in exclude are absolute and, together with
// everything beneath them, are never selected.
func New(fs afero.Fs, logger *slog.Logger, exclude ...string) *Resolver {
	cleaned := make([]string, 0, len(exclude))
	for _, p := range exclude {
		if p != "" {
			cleaned = append(cleaned, filepath.Clean(p))
		}
	}
	return &Resolver{fs: fs, logger: logger, exclude: cleaned}
}

// Resolve returns the deduplicated, lexically ordered watch set under root.
func (r *Resolver) Resolve(root string, watch, ignore []string) (*Result, error) {
	root = filepath.Clean(root)

	info, err := r.fs.Stat(root)
	if err != nil {
		return nil, &RootError{Root: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &RootError{Root: root, Err: errors.New("not a directory")}
	}
	if _, err := afero.ReadDir(r.fs, root); err != nil {
		return nil, &RootError{Root: root, Err: err}
	}

	w := &walker{
		Resolver: r,
		root:     root,
		prefixes: r.ignorePrefixes(root, ignore),
		seen:     make(map[string]Entry),
		result:   &Result{},
	}

	for _, pattern := range watch {
		w.expand(pattern)
	}

	w.result.Entries = make([]Entry, 0, len(w.seen))
	for _, e := range w.seen {
		w.result.Entries = append(w.result.Entries, e)
	}
	sort.Slice(w.result.Entries, func(i, j int) bool {
		return w.result.Entries[i].RelPath < w.result.Entries[j].RelPath
	})

	return w.result, nil
}

// ignorePrefixes turns ignore patterns into literal relative prefixes.
func (r *Resolver) ignorePrefixes(root string, ignore []string) []string {
	seen := make(map[string]bool)
	var prefixes []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			prefixes = append(prefixes, p)
		}
	}

	for _, pattern := range ignore {
		p := normalize(pattern)
		if p == "" {
			continue
		}
		// A trailing slash is part of the prefix, so `b/` keeps `bin/tool`.
		suffix := ""
		if strings.HasSuffix(strings.TrimSpace(pattern), "/") {
			suffix = "/"
		}
		if !hasMeta(p) {
			add(p + suffix)
			continue
		}

		if dir, last := path.Split(p); (last == "*" || last == "**") && dir != "" && !hasMeta(dir) {
			add(dir)
		}

		matches, err := afero.Glob(r.fs, filepath.Join(root, filepath.FromSlash(p)))
		if err != nil {
			r.logger.Warn("ignoring malformed ignore pattern", "pattern", pattern, "error", err)
			continue
		}
		for _, m := range matches {
			if rel, ok := relative(root, m); ok {
				add(rel + suffix)
			}
		}
	}
	return prefixes
}

type walker struct {
	*Resolver
	root     string
	prefixes []string
	seen     map[string]Entry
	result   *Result
}

func (w *walker) expand(pattern string) {
	p := normalize(pattern)
	if p == "" || p == "." {
		w.logger.Warn("skipping watch pattern that selects the whole root", "pattern", pattern)
		return
	}

	matches, err := afero.Glob(w.fs, filepath.Join(w.root, filepath.FromSlash(p)))
	if err != nil {
		w.logger.Warn("skipping malformed watch pattern", "pattern", pattern, "error", err)
		return
	}
	if len(matches) == 0 {
		w.logger.Debug("watch pattern matched nothing", "pattern", pattern)
		w.result.Unmatched = append(w.result.Unmatched, pattern)
		return
	}

	sort.Strings(matches)
	for _, match := range matches {
		rel, ok := relative(w.root, match)
		if !ok {
			w.logger.Warn("skipping match outside the watch root", "pattern", pattern, "path", match)
			continue
		}
		w.collect(match, rel, pattern)
	}
}

// collect adds match and, for directories, everything beneath it.
func (w *walker) collect(match, rel, pattern string) {
	if w.skipped(match, rel) {
		return
	}

	err := afero.Walk(w.fs, match, func(p string, info os.FileInfo, err error) error {
		rel, ok := relative(w.root, p)
		if !ok {
			return nil
		}
		if err != nil {
			w.permissionDenied(rel, err)
			return nil
		}
		if w.skipped(p, rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		if info.Mode().IsRegular() {
			if err := w.readable(p); err != nil {
				w.permissionDenied(rel, err)
				return nil
			}
		} else if info.Mode()&os.ModeSymlink == 0 {
			w.logger.Debug("skipping special file", "path", rel, "mode", info.Mode().String())
			return nil
		}

		if _, dup := w.seen[rel]; !dup {
			w.seen[rel] = Entry{RelPath: rel, Mode: info.Mode(), Pattern: pattern}
		}
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipDir) {
		w.permissionDenied(rel, err)
	}
}

func (w *walker) skipped(abs, rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg == metadataDir {
			return true
		}
	}
	for _, ex := range w.exclude {
		if abs == ex || strings.HasPrefix(abs, ex+string(filepath.Separator)) {
			return true
		}
	}
	for _, prefix := range w.prefixes {
		if strings.HasPrefix(rel, prefix) {
			return true
		}
	}
	return false
}

func (w *walker) readable(p string) error {
	f, err := w.fs.Open(p)
	if err != nil {
		return err
	}
	return f.Close()
}

func (w *walker) permissionDenied(rel string, err error) {
	perr := &PermissionError{Path: rel, Err: err}
	w.logger.Warn("skipping unreadable item", "path", rel, "error", err)
	w.result.Skipped = append(w.result.Skipped, perr)
}

func normalize(pattern string) string {
	p := filepath.ToSlash(strings.TrimSpace(pattern))
	p = strings.TrimPrefix(p, "./")
	return strings.TrimSuffix(p, "/")
}

func relative(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, `*?[\`)
}
