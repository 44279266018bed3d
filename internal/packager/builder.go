// Package packager turns a package's source paths into a deterministic
// gzip-compressed tar archive and unpacks such archives on the server.
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
	"path"
	"path/filepath"
	"sort"

	"github.com/adeploy/adeploy/internal/envelope"
)

var (
	// ErrSourceNotFound indicates a configured source path does not exist.
	ErrSourceNotFound = errors.New("source not found")

	// ErrDuplicateEntry indicates two sources produce the same archive path.
	ErrDuplicateEntry = errors.New("duplicate archive entry")

	// ErrNoSources indicates Build was called with nothing to package.
	ErrNoSources = errors.New("no sources to package")
)

// Summary describes a built archive.
type Summary struct {
	Digest envelope.Digest
	Size   int64 // compressed archive bytes
	Files  int
	Dirs   int
}

type entry struct {
	name   string // slash-separated archive path
	source string // filesystem path
	mode   fs.FileMode
	link   string
	from   string // source argument that produced it
}

// Build writes a tar.gz of sources to w and digests the same bytes.
//
// A file source is stored under its base name. A directory source
// contributes its contents, rooted at the archive root. Entries are sorted by
// archive path and carry no timestamps or ownership, so identical trees give
// identical archives.
func Build(ctx context.Context, sources []string, w io.Writer) (*Summary, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	entries, err := collect(ctx, sources)
	if err != nil {
		return nil, err
	}

	digester := envelope.NewDigester()
	gz := gzip.NewWriter(io.MultiWriter(w, digester))
	tw := tar.NewWriter(gz)

	sum := &Summary{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := writeEntry(tw, e); err != nil {
			return nil, err
		}
		if e.mode.IsDir() {
			sum.Dirs++
		} else {
			sum.Files++
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}

	sum.Digest = digester.Sum()
	sum.Size = digester.Size()
	return sum, nil
}

// BuildFile builds the archive into a temporary file under dir (os.TempDir
// when empty). The caller removes the returned path.
func BuildFile(ctx context.Context, sources []string, dir string) (string, *Summary, error) {
	f, err := os.CreateTemp(dir, "adeploy-*.tar.gz")
	if err != nil {
		return "", nil, fmt.Errorf("create archive file: %w", err)
	}

	sum, err := Build(ctx, sources, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close archive file: %w", closeErr)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), sum, nil
}

func collect(ctx context.Context, sources []string) ([]entry, error) {
	byName := make(map[string]entry)

	add := func(e entry) error {
		prev, ok := byName[e.name]
		if !ok {
			byName[e.name] = e
			return nil
		}
		// Two directory sources may share subdirectories.
		if prev.mode.IsDir() && e.mode.IsDir() {
			return nil
		}
		return fmt.Errorf("%w: %s (from %s and %s)", ErrDuplicateEntry, e.name, prev.from, e.from)
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src = filepath.Clean(src)
		info, err := os.Lstat(src)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, src)
			}
			return nil, fmt.Errorf("stat source %s: %w", src, err)
		}

		if !info.IsDir() {
			e, err := newEntry(filepath.Base(src), src, info, src)
			if err != nil {
				return nil, err
			}
			if err := add(e); err != nil {
				return nil, err
			}
			continue
		}

		err = filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p == src {
				return nil
			}
			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			e, err := newEntry(filepath.ToSlash(rel), p, info, src)
			if err != nil {
				return err
			}
			if e.mode.Type()&^(fs.ModeDir|fs.ModeSymlink) != 0 {
				// Sockets, devices and pipes are not packaged.
				return nil
			}
			return add(e)
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", src, err)
		}
	}

	entries := make([]entry, 0, len(byName))
	for _, e := range byName {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

func newEntry(name, source string, info fs.FileInfo, from string) (entry, error) {
	e := entry{name: path.Clean(name), source: source, mode: info.Mode(), from: from}
	if info.Mode()&fs.ModeSymlink != 0 {
		link, err := os.Readlink(source)
		if err != nil {
			return entry{}, fmt.Errorf("read symlink %s: %w", source, err)
		}
		e.link = filepath.ToSlash(link)
	}
	return e, nil
}

func writeEntry(tw *tar.Writer, e entry) error {
	hdr := &tar.Header{
		Name: e.name,
		Mode: int64(e.mode.Perm()),
	}

	switch {
	case e.mode.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case e.mode&fs.ModeSymlink != 0:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.link
	default:
		hdr.Typeflag = tar.TypeReg
	}

	if hdr.Typeflag != tar.TypeReg {
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", e.name, err)
		}
		return nil
	}

	f, err := os.Open(e.source)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.source, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", e.source, err)
	}
	hdr.Size = info.Size()

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", e.name, err)
	}
	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return fmt.Errorf("write %s: %w", e.name, err)
	}
	return nil
}
