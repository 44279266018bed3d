package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adeploy/adeploy/internal/fsutil"
	"github.com/adeploy/adeploy/internal/packager"
)

// installer unpacks an archive beside the deploy target and swaps it in.
type installer struct {
	extractor *packager.Extractor
	swapper   fsutil.Swapper
}

// stagingPaths returns the staging and aside directories used for one
// deploy of target.
func stagingPaths(target, id string) (staging, aside string) {
	parent := filepath.Dir(target)
	base := filepath.Base(target)
	return filepath.Join(parent, "."+base+".staging-"+id), filepath.Join(parent, "."+base+".old-"+id)
}

// install extracts archivePath into a staging directory and replaces target
// with it. The staging directory is removed on every path.
func (in *installer) install(ctx context.Context, archivePath, target, id string) (files int, err error) {
	staging, aside := stagingPaths(target, id)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create deploy parent: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := os.Mkdir(staging, 0o755); err != nil {
		return 0, fmt.Errorf("create staging directory: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if err := in.extractor.Extract(ctx, f, staging); err != nil {
		return 0, fmt.Errorf("extract archive: %w", err)
	}
	files, err = countEntries(staging)
	if err != nil {
		return 0, err
	}

	if err := in.swapper.ReplaceDir(staging, target, aside); err != nil {
		return 0, fmt.Errorf("swap into %s: %w", target, err)
	}
	return files, nil
}

func countEntries(root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count staged files: %w", err)
	}
	return n, nil
}
