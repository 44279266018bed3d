// Package envelope computes archive digests and signs or verifies them with
// Ed25519.
//
// A request is accepted only if its signature verifies over the claimed
// digest, its signer is trusted, and the claimed digest equals the digest of
// the bytes actually received. Authenticate applies those checks in that
// order, so an untrusted signer is always reported as such regardless of the
// archive contents.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

var (
	// ErrDigestMismatch means the received bytes do not hash to the claimed digest.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrUntrustedSigner means the signature is valid but the key is not trusted.
	ErrUntrustedSigner = errors.New("untrusted signer")

	// ErrInvalidSignature means the signature, key or digest encoding is
	// malformed or the signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Digest is a SHA-256 digest.
type Digest [sha256.Size]byte

// String returns the lowercase hex form carried on the wire.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Equal compares digests in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

// ParseDigest decodes a 64-character hex digest. Upper-case input is accepted.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return d, fmt.Errorf("%w: digest is not hex: %v", ErrInvalidSignature, err)
	}
	if len(raw) != sha256.Size {
		return d, fmt.Errorf("%w: digest is %d bytes, want %d", ErrInvalidSignature, len(raw), sha256.Size)
	}
	copy(d[:], raw)
	return d, nil
}

// Digester computes a digest incrementally. It is an io.Writer so it can sit
// behind an io.MultiWriter next to the real destination.
type Digester struct {
	h hash.Hash
	n int64
}

// NewDigester returns an empty digester.
func NewDigester() *Digester {
	return &Digester{h: sha256.New()}
}

func (d *Digester) Write(p []byte) (int, error) {
	n, _ := d.h.Write(p)
	d.n += int64(n)
	return n, nil
}

// Size returns the number of bytes written so far.
func (d *Digester) Size() int64 { return d.n }

// Sum returns the digest of everything written so far.
func (d *Digester) Sum() Digest {
	var out Digest
	copy(out[:], d.h.Sum(nil))
	return out
}

// Compute hashes everything read from r.
func Compute(r io.Reader) (Digest, error) {
	d := NewDigester()
	if _, err := io.Copy(d, r); err != nil {
		return Digest{}, fmt.Errorf("hash archive: %w", err)
	}
	return d.Sum(), nil
}

// Sign signs the 32 raw digest bytes.
func Sign(priv ed25519.PrivateKey, d Digest) []byte {
	return ed25519.Sign(priv, d[:])
}

// SignString signs d and returns the base64 signature.
func SignString(priv ed25519.PrivateKey, d Digest) string {
	return base64.StdEncoding.EncodeToString(Sign(priv, d))
}

// Verify checks sig over the raw digest bytes.
func Verify(pub ed25519.PublicKey, d Digest, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes", ErrInvalidSignature, len(pub))
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes", ErrInvalidSignature, len(sig))
	}
	if !ed25519.Verify(pub, d[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}

// KeySet answers whether a public key is trusted.
type KeySet interface {
	Contains(pub ed25519.PublicKey) bool
}

// Claim is the signed part of a deploy request as it arrives on the wire.
type Claim struct {
	Digest    string // lowercase hex
	Signature string // base64
	PublicKey string // base64 of the raw key
}

// Authenticate checks a claim against the digest of the received bytes and
// returns the signer's key. The error wraps ErrInvalidSignature,
// ErrUntrustedSigner or ErrDigestMismatch.
func Authenticate(c Claim, trusted KeySet, actual Digest) (ed25519.PublicKey, error) {
	rawKey, err := base64.StdEncoding.DecodeString(c.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not base64: %v", ErrInvalidSignature, err)
	}
	pub := ed25519.PublicKey(rawKey)

	sig, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64: %v", ErrInvalidSignature, err)
	}

	claimed, err := ParseDigest(c.Digest)
	if err != nil {
		return nil, err
	}

	if err := Verify(pub, claimed, sig); err != nil {
		return nil, err
	}

	if trusted == nil || !trusted.Contains(pub) {
		return nil, ErrUntrustedSigner
	}

	if !claimed.Equal(actual) {
		return nil, fmt.Errorf("%w: claimed %s, received %s", ErrDigestMismatch, claimed, actual)
	}
	return pub, nil
}
