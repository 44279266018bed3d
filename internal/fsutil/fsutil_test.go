package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestCopyTree(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(src, "app.bin"), "binary", 0o755)
	writeFile(t, filepath.Join(src, "conf", "app.toml"), "port = 1", 0o640)
	if runtime.GOOS != "windows" {
		if err := os.Symlink("conf/app.toml", filepath.Join(src, "current.toml")); err != nil {
			t.Fatalf("symlink: %v", err)
		}
	}

	dst := filepath.Join(t.TempDir(), "dst")
	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree() error = %v", err)
	}

	if got := readFile(t, filepath.Join(dst, "app.bin")); got != "binary" {
		t.Errorf("app.bin = %q, want %q", got, "binary")
	}
	if got := readFile(t, filepath.Join(dst, "conf", "app.toml")); got != "port = 1" {
		t.Errorf("conf/app.toml = %q", got)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dst, "app.bin"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o755 {
			t.Errorf("app.bin mode = %o, want 755", info.Mode().Perm())
		}
		link, err := os.Readlink(filepath.Join(dst, "current.toml"))
		if err != nil {
			t.Fatalf("symlink not copied: %v", err)
		}
		if link != "conf/app.toml" {
			t.Errorf("symlink target = %q", link)
		}
	}
}

func TestCopyTree_RejectsFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "file")
	writeFile(t, src, "x", 0o644)
	if err := CopyTree(src, filepath.Join(t.TempDir(), "dst")); err == nil {
		t.Fatal("expected error copying a regular file as a tree")
	}
}

func TestReplaceDir(t *testing.T) {
	tests := []struct {
		name      string
		hasTarget bool
	}{
		{name: "replace existing target", hasTarget: true},
		{name: "create missing target", hasTarget: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			target := filepath.Join(root, "app")
			staging := filepath.Join(root, ".app.staging")
			aside := filepath.Join(root, ".app.old")

			if tt.hasTarget {
				writeFile(t, filepath.Join(target, "old.txt"), "old", 0o644)
			}
			writeFile(t, filepath.Join(staging, "new.txt"), "new", 0o644)

			if err := ReplaceDir(staging, target, aside); err != nil {
				t.Fatalf("ReplaceDir() error = %v", err)
			}

			if got := readFile(t, filepath.Join(target, "new.txt")); got != "new" {
				t.Errorf("new.txt = %q", got)
			}
			for _, gone := range []string{filepath.Join(target, "old.txt"), staging, aside} {
				if ok, _ := Exists(gone); ok {
					t.Errorf("%s should not exist after swap", gone)
				}
			}
		})
	}
}

func TestReplaceDir_FailedSwapRestoresTarget(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "app")
	staging := filepath.Join(root, ".app.staging")
	aside := filepath.Join(root, ".app.old")
	writeFile(t, filepath.Join(target, "old.txt"), "old", 0o644)
	writeFile(t, filepath.Join(staging, "new.txt"), "new", 0o644)

	calls := 0
	s := Swapper{Rename: func(oldpath, newpath string) error {
		calls++
		if oldpath == staging {
			return errors.New("simulated crash")
		}
		return os.Rename(oldpath, newpath)
	}}

	err := s.ReplaceDir(staging, target, aside)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrSwapIncomplete) {
		t.Fatalf("target was restored, error should not wrap ErrSwapIncomplete: %v", err)
	}
	if calls != 3 {
		t.Errorf("rename called %d times, want 3", calls)
	}
	if got := readFile(t, filepath.Join(target, "old.txt")); got != "old" {
		t.Errorf("old.txt = %q, want restored content", got)
	}
}

func TestReplaceDir_IncompleteSwap(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "app")
	staging := filepath.Join(root, ".app.staging")
	aside := filepath.Join(root, ".app.old")
	writeFile(t, filepath.Join(target, "old.txt"), "old", 0o644)
	writeFile(t, filepath.Join(staging, "new.txt"), "new", 0o644)

	s := Swapper{Rename: func(oldpath, newpath string) error {
		if oldpath == target {
			return os.Rename(oldpath, newpath)
		}
		return errors.New("simulated crash")
	}}

	err := s.ReplaceDir(staging, target, aside)
	if !errors.Is(err, ErrSwapIncomplete) {
		t.Fatalf("error = %v, want ErrSwapIncomplete", err)
	}
	if ok, _ := Exists(target); ok {
		t.Error("target should be missing after an incomplete swap")
	}
}

func TestTreeSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a"), "12345", 0o644)
	writeFile(t, filepath.Join(root, "sub", "b"), "123", 0o644)

	size, err := TreeSize(root)
	if err != nil {
		t.Fatalf("TreeSize() error = %v", err)
	}
	if size != 8 {
		t.Errorf("TreeSize() = %d, want 8", size)
	}

	size, err = TreeSize(filepath.Join(root, "missing"))
	if err != nil || size != 0 {
		t.Errorf("TreeSize(missing) = %d, %v; want 0, nil", size, err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := WriteFileAtomic(path, []byte(`{"v":1}`), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"v":2}`), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}
	if got := readFile(t, path); got != `{"v":2}` {
		t.Errorf("content = %q", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, found %d entries", len(entries))
	}
}
