package bootstrap

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/spf13/afero"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// ExtractZip unpacks the zip at archivePath into dest and returns the number
// of files written. When every entry shares a single top-level directory, as
// in repository download archives, that directory is stripped. Entries under
// a top-level .git are ignored. The archive is validated before anything is
// written.
func ExtractZip(fs afero.Fs, archivePath, dest string) (int, error) {
	f, err := fs.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}

	zr, err := zip.NewReader(f, info.Size())
	if errors.Is(err, zip.ErrInsecurePath) {
		return 0, fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read archive: %w", err)
	}

	prefix := commonRoot(zr.File)
	type item struct {
		file *zip.File
		rel  string
	}
	var items []item
	for _, zf := range zr.File {
		rel, err := entryPath(zf.Name, prefix)
		if err != nil {
			return 0, err
		}
		if rel == "" || rel == ".git" || strings.HasPrefix(rel, ".git/") {
			continue
		}
		if zf.Mode()&os.ModeSymlink != 0 {
			if err := checkLinkTarget(zf, rel); err != nil {
				return 0, err
			}
		}
		items = append(items, item{file: zf, rel: rel})
	}

	if err := fs.MkdirAll(dest, 0o700); err != nil {
		return 0, fmt.Errorf("failed to create destination: %w", err)
	}

	vfs := aferoVFS{fs}
	written := 0
	for _, it := range items {
		target, err := confinedPath(dest, it.rel, vfs)
		if err != nil {
			return written, fmt.Errorf("failed to place %s: %w", it.rel, err)
		}
		mode := it.file.Mode()

		switch {
		case mode.IsDir():
			if err := fs.MkdirAll(target, mode.Perm()|0o700); err != nil {
				return written, fmt.Errorf("failed to create %s: %w", it.rel, err)
			}
		case mode&os.ModeSymlink != 0:
			if err := extractSymlink(fs, it.file, target); err != nil {
				return written, fmt.Errorf("failed to extract %s: %w", it.rel, err)
			}
			written++
		default:
			if err := extractFile(fs, it.file, target); err != nil {
				return written, fmt.Errorf("failed to extract %s: %w", it.rel, err)
			}
			written++
		}
	}
	return written, nil
}

// commonRoot returns "dir/" if every entry lives under the same top-level
// directory, or "" otherwise.
func commonRoot(files []*zip.File) string {
	root := ""
	for _, zf := range files {
		name := strings.TrimPrefix(zf.Name, "./")
		first, _, nested := strings.Cut(name, "/")
		if !nested {
			// A file at the top level means there is nothing to strip.
			return ""
		}
		if root == "" {
			root = first
		} else if first != root {
			return ""
		}
	}
	if root == "" {
		return ""
	}
	return root + "/"
}

func entryPath(name, prefix string) (string, error) {
	name = strings.TrimPrefix(strings.ReplaceAll(name, `\`, "/"), "./")
	name = strings.TrimPrefix(name, prefix)
	if name == "" {
		return "", nil
	}
	if path.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// checkLinkTarget rejects symlinks that point outside the extracted tree,
// which would let later entries write through them.
func checkLinkTarget(zf *zip.File, rel string) error {
	target, err := readAll(zf)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", rel, err)
	}
	t := string(target)
	if path.IsAbs(t) {
		return fmt.Errorf("%w: %s -> %s", ErrUnsafePath, rel, t)
	}
	resolved := path.Clean(path.Join(path.Dir(rel), t))
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return fmt.Errorf("%w: %s -> %s", ErrUnsafePath, rel, t)
	}
	return nil
}

// confinedPath joins rel onto dest, resolving symlinks already extracted into
// dest so the parent directory stays inside it. The last element is not
// followed; it is replaced by the entry itself.
func confinedPath(dest, rel string, vfs securejoin.VFS) (string, error) {
	dir, base := path.Split(rel)
	parent, err := securejoin.SecureJoinVFS(dest, dir, vfs)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, base), nil
}

// aferoVFS lets securejoin walk an afero filesystem
type aferoVFS struct {
	fs afero.Fs
}

func (v aferoVFS) Lstat(name string) (os.FileInfo, error) {
	if l, ok := v.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return v.fs.Stat(name)
}

func (v aferoVFS) Readlink(name string) (string, error) {
	if r, ok := v.fs.(afero.LinkReader); ok {
		return r.ReadlinkIfPossible(name)
	}
	return "", &os.PathError{Op: "readlink", Path: name, Err: afero.ErrNoReadlink}
}

func extractFile(fs afero.Fs, zf *zip.File, target string) error {
	if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	perm := zf.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}

	src, err := zf.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	if err := fs.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	out, err := fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(target, perm); err != nil {
		return err
	}
	if zf.Modified.IsZero() {
		return nil
	}
	return fs.Chtimes(target, zf.Modified, zf.Modified)
}

func extractSymlink(fs afero.Fs, zf *zip.File, target string) error {
	linker, ok := fs.(afero.Linker)
	if !ok {
		return extractFile(fs, zf, target)
	}

	link, err := readAll(zf)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := fs.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return linker.SymlinkIfPossible(string(link), target)
}

func readAll(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	return io.ReadAll(rc)
}
