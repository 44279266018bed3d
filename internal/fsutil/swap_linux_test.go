package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestExchange(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeFile(t, filepath.Join(a, "f"), "from a", 0o644)
	writeFile(t, filepath.Join(b, "f"), "from b", 0o644)

	err := exchange(a, b)
	if errors.Is(err, errExchangeUnsupported) {
		t.Skip("RENAME_EXCHANGE not supported on this filesystem")
	}
	if err != nil {
		t.Fatalf("exchange() error = %v", err)
	}
	if got := readFile(t, filepath.Join(a, "f")); got != "from b" {
		t.Errorf("a/f = %q, want %q", got, "from b")
	}
	if got := readFile(t, filepath.Join(b, "f")); got != "from a" {
		t.Errorf("b/f = %q, want %q", got, "from a")
	}
}

// With an occupied aside path a rename-based swap cannot move the target
// away, so success means the target was exchanged in place.
func TestReplaceDir_ExchangesWithoutAside(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "app")
	staging := filepath.Join(root, ".app.staging")
	aside := filepath.Join(root, ".app.old")
	writeFile(t, filepath.Join(target, "old.txt"), "old", 0o644)
	writeFile(t, filepath.Join(staging, "new.txt"), "new", 0o644)
	writeFile(t, filepath.Join(aside, "keep.txt"), "keep", 0o644)

	for _, dir := range []string{"x", "y"} {
		if err := os.Mkdir(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := exchange(filepath.Join(root, "x"), filepath.Join(root, "y")); errors.Is(err, errExchangeUnsupported) {
		t.Skip("RENAME_EXCHANGE not supported on this filesystem")
	}

	if err := ReplaceDir(staging, target, aside); err != nil {
		t.Fatalf("ReplaceDir() error = %v", err)
	}
	if got := readFile(t, filepath.Join(target, "new.txt")); got != "new" {
		t.Errorf("new.txt = %q", got)
	}
	if ok, _ := Exists(staging); ok {
		t.Error("staging should be removed after the exchange")
	}
	if ok, _ := Exists(filepath.Join(aside, "old.txt")); ok {
		t.Error("previous target should not be moved aside")
	}
}
