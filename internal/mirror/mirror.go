// Package mirror rebuilds the snapshot directory from a resolved watch set and
// overlays a snapshot back onto a home directory.
//
// Rebuild is destructive: everything in the mirror except the .git directory
// is removed and recopied, so files that left the watch set disappear from
// the mirror too. Overlay is the opposite: it only ever adds or overwrites.
package mirror

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/Pxys-io/ephemeral-sync/internal/resolve"
)

// GitDir is the version control metadata directory kept across rebuilds.
const GitDir = ".git"

const tmpPattern = ".ephemeral-sync-tmp-*"

// Stats summarises one Rebuild or Overlay.
type Stats struct {
	Removed int
	Copied  int
	Skipped int
}

// Mirror copies files between a source tree and a snapshot directory.
type Mirror struct {
	fs     afero.Fs
	logger *slog.Logger
}

// New creates a Mirror on fs.
func New(fs afero.Fs, logger *slog.Logger) *Mirror {
	return &Mirror{fs: fs, logger: logger}
}

// Rebuild makes dir contain exactly entries, copied from root.
func (m *Mirror) Rebuild(root, dir string, entries []resolve.Entry) (Stats, error) {
	var stats Stats

	removed, err := m.Clear(dir)
	if err != nil {
		return stats, err
	}
	stats.Removed = removed

	for _, e := range entries {
		rel := filepath.FromSlash(e.RelPath)
		if err := m.ensureParents(root, dir, rel); err != nil {
			return stats, fmt.Errorf("failed to create parent directories for %s: %w", e.RelPath, err)
		}

		err := m.copyEntry(filepath.Join(root, rel), filepath.Join(dir, rel))
		if err != nil {
			if skippable(err) {
				m.logger.Warn("skipping entry that changed during copy", "path", e.RelPath, "error", err)
				stats.Skipped++
				continue
			}
			return stats, fmt.Errorf("failed to copy %s: %w", e.RelPath, err)
		}
		stats.Copied++
	}

	m.logger.Debug("mirror rebuilt",
		"dir", dir,
		"removed", stats.Removed,
		"copied", stats.Copied,
		"skipped", stats.Skipped)

	return stats, nil
}

// Clear removes every top-level entry in dir except GitDir, creating dir if
// it does not exist. It returns the number of entries removed.
func (m *Mirror) Clear(dir string) (int, error) {
	if err := m.fs.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("failed to create mirror directory: %w", err)
	}

	infos, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list mirror directory: %w", err)
	}

	removed := 0
	for _, info := range infos {
		if info.Name() == GitDir {
			continue
		}
		if err := m.fs.RemoveAll(filepath.Join(dir, info.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove %s from mirror: %w", info.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Overlay copies src onto dst without deleting anything in dst. Files with
// the same relative path are overwritten; the top-level GitDir of src is not
// copied.
func (m *Mirror) Overlay(src, dst string) (Stats, error) {
	var stats Stats

	if err := m.fs.MkdirAll(dst, 0o755); err != nil {
		return stats, fmt.Errorf("failed to create overlay target: %w", err)
	}

	err := afero.Walk(m.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == GitDir {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		if info.IsDir() {
			if _, err := m.fs.Stat(target); os.IsNotExist(err) {
				return m.fs.MkdirAll(target, info.Mode().Perm())
			}
			return nil
		}

		if existing, err := lstat(m.fs, target); err == nil && existing.IsDir() {
			m.logger.Warn("not overwriting directory with file", "path", rel)
			stats.Skipped++
			return nil
		}

		if err := m.copyEntry(p, target); err != nil {
			if skippable(err) {
				m.logger.Warn("skipping unreadable snapshot file", "path", rel, "error", err)
				stats.Skipped++
				return nil
			}
			return fmt.Errorf("failed to overlay %s: %w", rel, err)
		}
		stats.Copied++
		return nil
	})
	if err != nil {
		return stats, err
	}

	m.logger.Debug("overlay complete", "src", src, "dst", dst, "copied", stats.Copied, "skipped", stats.Skipped)
	return stats, nil
}

// ensureParents creates the directories leading to rel inside dir, copying
// each directory's permissions from root so private directories stay private.
func (m *Mirror) ensureParents(root, dir, rel string) error {
	parent := filepath.Dir(rel)
	if parent == "." {
		return nil
	}

	current := ""
	for _, seg := range strings.Split(parent, string(filepath.Separator)) {
		current = filepath.Join(current, seg)
		target := filepath.Join(dir, current)
		if _, err := m.fs.Stat(target); err == nil {
			continue
		}

		perm := os.FileMode(0o755)
		if info, err := m.fs.Stat(filepath.Join(root, current)); err == nil {
			perm = info.Mode().Perm()
		}
		if err := m.fs.Mkdir(target, perm); err != nil && !os.IsExist(err) {
			return err
		}
		if err := m.fs.Chmod(target, perm|0o700); err != nil {
			return err
		}
	}
	return nil
}

// copyEntry copies a regular file or symlink from src to dst.
func (m *Mirror) copyEntry(src, dst string) error {
	info, err := lstat(m.fs, src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		if err := m.copySymlink(src, dst); err == nil || !errors.Is(err, errNoSymlinks) {
			return err
		}
		// Filesystems without symlink support get the target's content.
		return m.copyFile(src, dst)
	case info.Mode().IsRegular():
		return m.copyFile(src, dst)
	default:
		return fmt.Errorf("%w: %s", errSpecialFile, info.Mode().Type())
	}
}

var (
	errNoSymlinks  = errors.New("filesystem does not support symlinks")
	errSpecialFile = errors.New("unsupported file type")
)

func (m *Mirror) copySymlink(src, dst string) error {
	reader, ok := m.fs.(afero.LinkReader)
	if !ok {
		return errNoSymlinks
	}
	linker, ok := m.fs.(afero.Linker)
	if !ok {
		return errNoSymlinks
	}

	target, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		return err
	}
	if err := m.fs.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return linker.SymlinkIfPossible(target, dst)
}

// copyFile copies a file from src to dst with atomic write
func (m *Mirror) copyFile(src, dst string) error {
	if err := m.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	srcFile, err := m.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	// Create temp file in destination directory
	tmpFile, err := afero.TempFile(m.fs, filepath.Dir(dst), tmpPattern)
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = m.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := m.fs.Chmod(tmpPath, srcInfo.Mode().Perm()); err != nil {
		return err
	}

	if err := m.fs.Rename(tmpPath, dst); err != nil {
		return err
	}

	return m.fs.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime())
}

func lstat(fsys afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return fsys.Stat(name)
}

// skippable reports errors that drop one item instead of failing the copy.
func skippable(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, errSpecialFile)
}
