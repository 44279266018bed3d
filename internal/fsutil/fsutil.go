// Package fsutil holds the filesystem primitives shared by installs and
// backups: tree copies, atomic directory replacement, and atomic file writes.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// ErrSwapIncomplete reports that a directory swap failed after the old target
// was moved aside and could not be put back. The target path is then absent.
var ErrSwapIncomplete = errors.New("directory swap left target missing")

var errExchangeUnsupported = errors.New("atomic exchange not supported")

// Exists reports whether path exists (without following a final symlink).
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Swapper replaces directories by exchange or rename. The zero value uses the
// platform exchange where available and os.Rename otherwise.
type Swapper struct {
	// Rename overrides os.Rename and disables the exchange, mainly so tests
	// can interrupt a swap.
	Rename func(oldpath, newpath string) error
}

func (s Swapper) rename(oldpath, newpath string) error {
	if s.Rename != nil {
		return s.Rename(oldpath, newpath)
	}
	return os.Rename(oldpath, newpath)
}

// ReplaceDir makes staging visible at target. Where the platform supports it
// an existing target is exchanged with staging in one step, so target never
// disappears, and the previous tree is removed from the staging path.
// Otherwise the target is renamed to aside first and removed once staging is
// in place; if moving staging in fails, the old target is renamed back. When
// that also fails the returned error wraps ErrSwapIncomplete and the previous
// tree remains at aside.
//
// staging, target and aside must live on the same filesystem.
func (s Swapper) ReplaceDir(staging, target, aside string) error {
	hadTarget, err := Exists(target)
	if err != nil {
		return fmt.Errorf("stat target: %w", err)
	}

	if hadTarget && s.Rename == nil {
		err := exchange(staging, target)
		if err == nil {
			_ = os.RemoveAll(staging)
			_ = SyncDir(filepath.Dir(target))
			return nil
		}
		if !errors.Is(err, errExchangeUnsupported) {
			return fmt.Errorf("exchange staging with target: %w", err)
		}
	}

	if hadTarget {
		if err := s.rename(target, aside); err != nil {
			return fmt.Errorf("move current target aside: %w", err)
		}
	}

	if err := s.rename(staging, target); err != nil {
		if !hadTarget {
			return fmt.Errorf("move staging into place: %w", err)
		}
		if restoreErr := s.rename(aside, target); restoreErr != nil {
			return fmt.Errorf("%w: move staging into place: %v; put previous target back: %v",
				ErrSwapIncomplete, err, restoreErr)
		}
		return fmt.Errorf("move staging into place: %w", err)
	}

	if hadTarget {
		// The new content is live; a leftover aside directory is only clutter.
		_ = os.RemoveAll(aside)
	}
	// Best effort: the swap itself has already succeeded.
	_ = SyncDir(filepath.Dir(target))
	return nil
}

// ReplaceDir swaps using the default Swapper.
func ReplaceDir(staging, target, aside string) error {
	return Swapper{}.ReplaceDir(staging, target, aside)
}

// CopyTree copies the directory src to dst, which must not exist. Regular
// files keep their permission bits, symlinks are recreated as symlinks, and
// directory modes are applied after their contents are written.
func CopyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("copy tree: %s is not a directory", src)
	}

	type dirMode struct {
		path string
		mode fs.FileMode
	}
	var dirs []dirMode

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			// Writable while we fill it; the real mode is applied at the end.
			if err := os.Mkdir(target, 0o700); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			dirs = append(dirs, dirMode{target, info.Mode().Perm()})
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", path, err)
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", target, err)
			}
		case info.Mode().IsRegular():
			if err := CopyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			// Devices, sockets and pipes are not deploy content.
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode); err != nil {
			return fmt.Errorf("set mode on %s: %w", dirs[i].path, err)
		}
	}
	return nil
}

// CopyFile copies a regular file to dst with the given permissions and
// flushes it to disk.
func CopyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	// O_CREATE honours the umask; set the bits explicitly.
	return os.Chmod(dst, perm)
}

// TreeSize returns the total size of regular files under path. A missing
// path has size zero.
func TreeSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

// WriteFileAtomic writes data to path using write-then-rename, then syncs
// the parent directory for durability.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temporary file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Clean up temp file on error
		return fmt.Errorf("rename %s: %w", path, err)
	}

	return SyncDir(dir)
}

// SyncDir fsyncs a directory so renames inside it survive a crash. Windows
// cannot sync directory handles, so it is a no-op there.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	df, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory %s: %w", dir, err)
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return fmt.Errorf("sync directory %s: %w", dir, err)
	}
	return nil
}
