// Package testutil provides utilities for testing adeploy in isolation.
package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

// AgentEnv is an isolated agent layout rooted in a test temp directory.
type AgentEnv struct {
	Root       string // temp root
	AgentDir   string // stands in for the executable's directory
	DeployRoot string // parent of deploy targets
	KeyDir     string
	SourceDir  string // client-side build outputs
}

// DeployPath returns the deploy target for a package.
func (e *AgentEnv) DeployPath(pkg string) string {
	return filepath.Join(e.DeployRoot, pkg)
}

// SetupAgentEnv creates isolated agent directories for each test.
// This ensures tests never touch a real agent installation, its keys,
// or its backups.
//
// The cleanup function is automatically handled by t.TempDir(),
// so callers don't need to manually clean up.
func SetupAgentEnv(t *testing.T) *AgentEnv {
	t.Helper()

	// Create temp directory (auto-cleaned by testing framework)
	tmpDir := t.TempDir()

	env := &AgentEnv{
		Root:       tmpDir,
		AgentDir:   filepath.Join(tmpDir, "agent"),
		DeployRoot: filepath.Join(tmpDir, "srv"),
		KeyDir:     filepath.Join(tmpDir, "agent", ".key"),
		SourceDir:  filepath.Join(tmpDir, "dist"),
	}

	// Mark as test mode
	t.Setenv("ADEPLOY_TEST_MODE", "1")

	for _, dir := range []string{env.AgentDir, env.DeployRoot, env.SourceDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("failed to create test directory %s: %v", dir, err)
		}
	}
	return env
}

// WriteTree writes files (slash-separated relative path to content) under root.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
}

// Entry is the observable state of one path in a snapshot.
type Entry struct {
	Mode    fs.FileMode
	Content string // regular files
	Link    string // symlinks
}

// Snapshot records every path under root. Two snapshots compare equal with
// cmp.Diff exactly when the trees are byte-identical, including modes. A
// missing root yields nil.
func Snapshot(t *testing.T, root string) map[string]Entry {
	t.Helper()
	if _, err := os.Lstat(root); os.IsNotExist(err) {
		return nil
	}

	snap := make(map[string]Entry)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		e := Entry{Mode: info.Mode()}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			e.Link, err = os.Readlink(p)
		case info.Mode().IsRegular():
			var data []byte
			data, err = os.ReadFile(p)
			e.Content = string(data)
		}
		if err != nil {
			return err
		}
		snap[filepath.ToSlash(rel)] = e
		return nil
	})
	if err != nil {
		t.Fatalf("failed to snapshot %s: %v", root, err)
	}
	return snap
}
