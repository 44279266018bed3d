package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adeploy/adeploy/internal/fsutil"
)

const (
	manifestName    = "manifest.json"
	contentDir      = "content"
	manifestVersion = 1
)

// Manifest describes one backup. It is written once, when the backup is
// complete, and never modified.
type Manifest struct {
	Version   int       `json:"version"` // Schema version for future evolution
	Package   string    `json:"package"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	// Empty is set when the source did not exist; restoring removes the target.
	Empty bool   `json:"empty"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
	Host  string `json:"host,omitempty"`
}

func (m *Manifest) save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, manifestName), data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func loadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}
