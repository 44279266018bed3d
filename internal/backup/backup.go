// Package backup takes point-in-time copies of deploy targets and restores
// them.
//
// Each backup lives in its own directory under the package's backup root:
//
//	<root>/backup_20240131_154502/
//	    content/        copy of the deploy target
//	    manifest.json   written last; a backup without one is incomplete
//
// Backups are never modified or pruned by the agent.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/adeploy/adeploy/internal/config"
	"github.com/adeploy/adeploy/internal/fsutil"
)

const (
	// DirName is the default backup directory under the agent directory.
	DirName = config.BackupDirName

	timestampLayout = "20060102_150405"
	maxNameAttempts = 1000
)

var (
	// ErrInsufficientSpace indicates the backup volume cannot hold the copy.
	ErrInsufficientSpace = errors.New("insufficient disk space for backup")

	// ErrIncomplete indicates a backup directory has no manifest.
	ErrIncomplete = errors.New("backup is incomplete")
)

// Target names what to back up.
type Target struct {
	Package string
	// Path is the deploy target directory.
	Path string
	// Root overrides the backup root. Empty means <agent dir>/backups/<package>.
	Root string
}

// Handle identifies a completed backup.
type Handle struct {
	// Dir is the backup directory (backup_<timestamp>).
	Dir      string
	Manifest Manifest
}

// Empty reports whether the target was absent when the backup was taken.
func (h *Handle) Empty() bool { return h.Manifest.Empty }

// ContentDir returns the directory holding the copied tree.
func (h *Handle) ContentDir() string { return filepath.Join(h.Dir, contentDir) }

// Options configures a Manager.
type Options struct {
	// AgentDir anchors default backup roots. Required unless every Target
	// carries a Root.
	AgentDir string
	Clock    Clock
	Logger   config.Logger
	// FreeSpace reports free bytes on the volume holding path. Nil uses
	// gopsutil disk usage.
	FreeSpace func(ctx context.Context, path string) (uint64, error)
	// Hostname is recorded in manifests.
	Hostname string
}

// Manager creates and restores backups.
type Manager struct {
	agentDir  string
	clock     Clock
	logger    config.Logger
	freeSpace func(ctx context.Context, path string) (uint64, error)
	hostname  string
}

// NewManager returns a Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		agentDir:  opts.AgentDir,
		clock:     opts.Clock,
		logger:    config.OrNop(opts.Logger),
		freeSpace: opts.FreeSpace,
		hostname:  opts.Hostname,
	}
	if m.clock == nil {
		m.clock = RealClock{}
	}
	if m.freeSpace == nil {
		m.freeSpace = diskFree
	}
	return m
}

// RootFor returns the backup root used for t.
func (m *Manager) RootFor(t Target) (string, error) {
	if t.Root != "" {
		return filepath.Clean(t.Root), nil
	}
	if m.agentDir == "" {
		return "", fmt.Errorf("no backup_path for package %s and no agent directory", t.Package)
	}
	return filepath.Join(m.agentDir, DirName, t.Package), nil
}

// Backup copies t.Path into a new backup directory. A missing target yields
// an empty handle, so a later restore removes whatever the deploy created.
func (m *Manager) Backup(ctx context.Context, t Target) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := m.RootFor(t)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}

	exists, err := fsutil.Exists(t.Path)
	if err != nil {
		return nil, fmt.Errorf("stat deploy target: %w", err)
	}

	var size int64
	if exists {
		size, err = fsutil.TreeSize(t.Path)
		if err != nil {
			return nil, fmt.Errorf("measure deploy target: %w", err)
		}
		if err := m.checkSpace(ctx, root, size); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now().UTC()
	dir, err := m.createDir(root, now.Format(timestampLayout))
	if err != nil {
		return nil, err
	}

	manifest := Manifest{
		Version:   manifestVersion,
		Package:   t.Package,
		Source:    t.Path,
		CreatedAt: now,
		Empty:     !exists,
		Host:      m.hostname,
	}

	if exists {
		if err := fsutil.CopyTree(t.Path, filepath.Join(dir, contentDir)); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("copy deploy target: %w", err)
		}
		manifest.Files, err = countFiles(filepath.Join(dir, contentDir))
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("count backup files: %w", err)
		}
		manifest.Bytes = size
	}

	if err := manifest.save(dir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	m.logger.Info("backup created", "package", t.Package, "dir", dir, "files", manifest.Files, "bytes", manifest.Bytes, "empty", manifest.Empty)
	return &Handle{Dir: dir, Manifest: manifest}, nil
}

// Open loads a completed backup from its directory.
func Open(dir string) (*Handle, error) {
	if ok, _ := fsutil.Exists(filepath.Join(dir, manifestName)); !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncomplete, dir)
	}
	m, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	return &Handle{Dir: dir, Manifest: *m}, nil
}

// Restore makes target byte-identical to the backup. The copy is staged
// beside target and swapped in; an empty backup removes target.
func (m *Manager) Restore(ctx context.Context, h *Handle, target string) error {
	if h == nil {
		return fmt.Errorf("restore: no backup handle")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if h.Empty() {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("remove deploy target: %w", err)
		}
		m.logger.Info("backup restored", "dir", h.Dir, "target", target, "empty", true)
		return nil
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create target parent: %w", err)
	}

	suffix := uuid.NewString()[:8]
	base := filepath.Base(target)
	staging := filepath.Join(parent, "."+base+".restore-"+suffix)
	aside := filepath.Join(parent, "."+base+".old-"+suffix)

	if err := fsutil.CopyTree(h.ContentDir(), staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("stage backup copy: %w", err)
	}
	if err := fsutil.ReplaceDir(staging, target, aside); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("swap backup into place: %w", err)
	}

	m.logger.Info("backup restored", "dir", h.Dir, "target", target, "files", h.Manifest.Files)
	return nil
}

// createDir makes a fresh backup directory with an exclusive mkdir, adding
// _1, _2, ... when several backups land in the same second.
func (m *Manager) createDir(root, stamp string) (string, error) {
	for n := 0; n < maxNameAttempts; n++ {
		name := "backup_" + stamp
		if n > 0 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		dir := filepath.Join(root, name)
		err := os.Mkdir(dir, 0o700)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create backup directory: %w", err)
		}
	}
	return "", fmt.Errorf("create backup directory: too many backups for %s", stamp)
}

func (m *Manager) checkSpace(ctx context.Context, root string, need int64) error {
	free, err := m.freeSpace(ctx, root)
	if err != nil {
		// Unknown free space is not fatal.
		m.logger.Warn("cannot determine free space", "path", root, "error", err)
		return nil
	}
	if uint64(need) > free {
		return fmt.Errorf("%w: need %d bytes, %d available at %s", ErrInsufficientSpace, need, free, root)
	}
	return nil
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("disk usage: %w", err)
	}
	return usage.Free, nil
}

func countFiles(root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}

// List returns the completed backups under root, newest first. Directories
// without a manifest are skipped.
func List(root string) ([]*Handle, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}

	var handles []*Handle
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "backup_") {
			continue
		}
		h, err := Open(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}
		handles = append(handles, h)
	}
	sort.SliceStable(handles, func(i, j int) bool {
		return handles[i].Manifest.CreatedAt.After(handles[j].Manifest.CreatedAt)
	})
	return handles, nil
}
