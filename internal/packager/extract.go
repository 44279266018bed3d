package packager

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsafePath indicates an archive entry would land outside the
	// destination directory.
	ErrUnsafePath = errors.New("unsafe archive path")

	// ErrTooLarge indicates the unpacked content exceeds the extractor limit.
	ErrTooLarge = errors.New("archive content too large")
)

// Extractor unpacks tar.gz archives.
type Extractor struct {
	// MaxUnpackedSize caps the total size of regular files. Zero disables it.
	MaxUnpackedSize int64
}

// NewExtractor creates a new extractor with no size cap.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract unpacks the archive read from r into dest, creating dest if needed.
// Entries with absolute paths, ".." components, or symlinks pointing outside
// dest are rejected with ErrUnsafePath. Every write goes through an os.Root
// opened on dest, and no entry is created beneath a symlink, so links placed
// by earlier entries cannot redirect later ones. File modes come from the
// archive; directory modes are applied once all entries are written.
func (e *Extractor) Extract(ctx context.Context, r io.Reader, dest string) error {
	gzipReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	dest = filepath.Clean(dest)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("open dest dir: %w", err)
	}
	defer root.Close()

	type dirMode struct {
		name string
		mode fs.FileMode
	}
	var dirs []dirMode
	var links []string
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, header.Name)
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		name, err := entryName(header.Name)
		if err != nil {
			return err
		}
		mode := fs.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if name == "." {
				continue
			}
			if err := noSymlinkAlong(root, name, true); err != nil {
				return err
			}
			if err := root.MkdirAll(name, 0o700); err != nil {
				return fmt.Errorf("create directory %s: %w", name, err)
			}
			dirs = append(dirs, dirMode{name, mode})

		case tar.TypeReg:
			if e.MaxUnpackedSize > 0 && written+header.Size > e.MaxUnpackedSize {
				return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, e.MaxUnpackedSize)
			}
			if err := mkdirParent(root, name); err != nil {
				return err
			}
			// O_EXCL: an entry never writes through an earlier symlink.
			outFile, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
			if err != nil {
				return fmt.Errorf("create file %s: %w", name, err)
			}
			n, err := io.Copy(outFile, tarReader)
			if err != nil {
				outFile.Close()
				return fmt.Errorf("write file %s: %w", name, err)
			}
			if err := outFile.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", name, err)
			}
			if err := root.Chmod(name, mode); err != nil {
				return fmt.Errorf("set mode on %s: %w", name, err)
			}
			written += n

		case tar.TypeSymlink:
			if err := checkLink(name, header.Linkname); err != nil {
				return err
			}
			if err := mkdirParent(root, name); err != nil {
				return err
			}
			if err := root.Symlink(header.Linkname, name); err != nil {
				return fmt.Errorf("create symlink %s: %w", name, err)
			}
			links = append(links, name)

		default:
			// Skip other types (hard links, devices, fifos)
			continue
		}
	}

	// Links are checked again against the finished tree: a target that is
	// lexically inside dest may still leave it through another link.
	for _, name := range links {
		if _, err := root.Stat(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: symlink %s resolves outside the destination: %v", ErrUnsafePath, name, err)
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := root.Chmod(dirs[i].name, dirs[i].mode); err != nil {
			return fmt.Errorf("set mode on %s: %w", dirs[i].name, err)
		}
	}
	return nil
}

// Extract unpacks with the default extractor.
func Extract(ctx context.Context, r io.Reader, dest string) error {
	return NewExtractor().Extract(ctx, r, dest)
}

// entryName converts an archive name to a local path relative to the
// destination. The destination itself is ".".
func entryName(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSuffix(name, "/")))
	if clean == "" || clean == "." {
		return ".", nil
	}
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return clean, nil
}

// noSymlinkAlong rejects name when one of its parent directories, or name
// itself when self is set, is a symlink on disk. Missing components are fine;
// they are created as plain directories.
func noSymlinkAlong(root *os.Root, name string, self bool) error {
	parts := strings.Split(name, string(filepath.Separator))
	if !self {
		parts = parts[:len(parts)-1]
	}
	for i := range parts {
		prefix := filepath.Join(parts[:i+1]...)
		info, err := root.Lstat(prefix)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsafePath, name, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s passes through symlink %s", ErrUnsafePath, name, prefix)
		}
	}
	return nil
}

func mkdirParent(root *os.Root, name string) error {
	if err := noSymlinkAlong(root, name, false); err != nil {
		return err
	}
	parent := filepath.Dir(name)
	if parent == "." {
		return nil
	}
	if err := root.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", name, err)
	}
	return nil
}

func checkLink(name, linkname string) error {
	if linkname == "" || filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, name, linkname)
	}
	resolved := filepath.Join(filepath.Dir(name), filepath.FromSlash(linkname))
	if resolved != "." && !filepath.IsLocal(resolved) {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, name, linkname)
	}
	return nil
}
