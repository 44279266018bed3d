// Package identity manages the Ed25519 keypair a client signs deploys with
// and the set of public keys a server trusts.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/adeploy/adeploy/internal/config"
	"github.com/adeploy/adeploy/internal/fsutil"
)

const (
	// PrivateKeyFile is the private key file name inside the key directory.
	PrivateKeyFile = "id_ed25519"
	// PublicKeyFile holds the base64 public key for distribution.
	PublicKeyFile = "id_ed25519.pub"
	// KeyDirName is the key directory created next to the executable.
	KeyDirName = ".key"

	privateKeyBlockType = "ADEPLOY ED25519 PRIVATE KEY"
	keyFilePerm         = 0o600
	keyDirPerm          = 0o700
)

var (
	// ErrKeyNotFound indicates the private key file does not exist.
	ErrKeyNotFound = errors.New("private key not found")

	// ErrCorruptKey indicates the private key file could not be decoded.
	ErrCorruptKey = errors.New("private key file is corrupt")
)

// Keypair is an Ed25519 signing identity.
type Keypair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// PublicKeyString returns the public key as standard base64 of the raw 32
// bytes, the form carried in deploy requests and allowed_keys.
func (k *Keypair) PublicKeyString() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// Fingerprint returns the SHA256 fingerprint of the public key.
func (k *Keypair) Fingerprint() string {
	return Fingerprint(k.Public)
}

// DefaultKeyDir returns <executable dir>/.key.
func DefaultKeyDir() (string, error) {
	dir, err := config.ExecutableDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, KeyDirName), nil
}

// Store persists a keypair in a directory.
type Store struct {
	Dir  string
	Rand io.Reader // nil means crypto/rand
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// PrivatePath returns the private key file path.
func (s *Store) PrivatePath() string { return filepath.Join(s.Dir, PrivateKeyFile) }

// PublicPath returns the public key file path.
func (s *Store) PublicPath() string { return filepath.Join(s.Dir, PublicKeyFile) }

// LoadOrCreate loads the stored keypair, generating and persisting a new one
// when no private key exists yet. created reports whether a key was generated.
func (s *Store) LoadOrCreate() (kp *Keypair, created bool, err error) {
	kp, err = s.Load()
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}
	kp, err = s.Generate(false)
	if err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// Load reads the private key and derives the public half. A missing public
// key file is rewritten.
func (s *Store) Load() (*Keypair, error) {
	data, err := os.ReadFile(s.PrivatePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, s.PrivatePath())
		}
		return nil, fmt.Errorf("read private key: %w", err)
	}

	seed, err := decodePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptKey, s.PrivatePath(), err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	kp := &Keypair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}

	if ok, _ := fsutil.Exists(s.PublicPath()); !ok {
		if err := s.writePublic(kp); err != nil {
			return nil, err
		}
	}
	return kp, nil
}

// Generate creates a new keypair and writes both files. Without overwrite an
// existing private key is left untouched and an error returned.
func (s *Store) Generate(overwrite bool) (*Keypair, error) {
	if !overwrite {
		if ok, _ := fsutil.Exists(s.PrivatePath()); ok {
			return nil, fmt.Errorf("private key already exists: %s", s.PrivatePath())
		}
	}

	rnd := s.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	kp := &Keypair{Private: priv, Public: pub}

	if err := os.MkdirAll(s.Dir, keyDirPerm); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	encoded, err := encodePrivateKey(priv.Seed())
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(s.PrivatePath(), encoded, keyFilePerm); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := s.writePublic(kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func (s *Store) writePublic(kp *Keypair) error {
	if err := fsutil.WriteFileAtomic(s.PublicPath(), []byte(kp.PublicKeyString()+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// encodePrivateKey armors the 32-byte seed. The armor checksum lets Load
// reject a damaged file instead of signing with a wrong key.
func encodePrivateKey(seed []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, privateKeyBlockType, nil)
	if err != nil {
		return nil, fmt.Errorf("armor private key: %w", err)
	}
	if _, err := w.Write(seed); err != nil {
		return nil, fmt.Errorf("armor private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("armor private key: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func decodePrivateKey(data []byte) ([]byte, error) {
	block, err := armor.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode armor: %w", err)
	}
	if block.Type != privateKeyBlockType {
		return nil, fmt.Errorf("unexpected block type %q", block.Type)
	}
	seed, err := io.ReadAll(block.Body)
	if err != nil {
		return nil, fmt.Errorf("read armored body: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return seed, nil
}

// ReadPublicKeyFile reads a public key file in any form ParsePublicKey accepts.
func ReadPublicKeyFile(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKey(strings.TrimSpace(string(data)))
}
