package identity

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidPublicKey indicates a key entry is neither base64 Ed25519 nor an
// ssh-ed25519 authorized_keys line.
var ErrInvalidPublicKey = errors.New("invalid public key")

// ParsePublicKey decodes base64 of the 32 raw key bytes or an OpenSSH
// "ssh-ed25519 AAAA... comment" line.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPublicKey)
	}

	if strings.HasPrefix(s, ssh.KeyAlgoED25519+" ") {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		cpk, ok := pk.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported ssh key", ErrInvalidPublicKey)
		}
		edk, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an ed25519 key", ErrInvalidPublicKey)
		}
		return edk, nil
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidPublicKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of pub, or "" if pub is
// not a valid Ed25519 key.
func Fingerprint(pub ed25519.PublicKey) string {
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(sshKey)
}

// TrustedKeySet is an immutable set of public keys allowed to deploy.
type TrustedKeySet struct {
	keys []ed25519.PublicKey
}

// NewTrustedKeySet parses every entry. Any malformed entry fails the whole
// set so a typo never silently drops a key.
func NewTrustedKeySet(entries []string) (*TrustedKeySet, error) {
	set := &TrustedKeySet{keys: make([]ed25519.PublicKey, 0, len(entries))}
	for i, e := range entries {
		pub, err := ParsePublicKey(e)
		if err != nil {
			return nil, fmt.Errorf("allowed_keys[%d]: %w", i, err)
		}
		set.keys = append(set.keys, pub)
	}
	return set, nil
}

// Contains reports whether pub is trusted. Every entry is compared in
// constant time and the scan never stops early.
func (s *TrustedKeySet) Contains(pub ed25519.PublicKey) bool {
	if s == nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	found := 0
	for _, k := range s.keys {
		found |= subtle.ConstantTimeCompare(k, pub)
	}
	return found == 1
}

// Len returns the number of trusted keys.
func (s *TrustedKeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}
