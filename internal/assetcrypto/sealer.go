// ABOUTME: XChaCha20-Poly1305 sealer for uploaded and downloaded assets
// ABOUTME: Output is nonce || ciphertext, verified against a SHA-256 digest

package assetcrypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrDigestMismatch is returned when sealed bytes do not match the
	// announced digest.
	ErrDigestMismatch = errors.New("asset digest mismatch")

	// ErrDecrypt is returned when sealed bytes cannot be opened with the key.
	ErrDecrypt = errors.New("asset decryption failed")
)

// KeySize is the length of an asset key.
const KeySize = chacha20poly1305.KeySize

// Encoded is a sealed asset ready for upload.
type Encoded struct {
	Data   []byte
	Key    []byte
	Digest string
}

// Sealer encrypts and decrypts assets.
type Sealer struct{}

// NewSealer returns a Sealer.
func NewSealer() *Sealer { return &Sealer{} }

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Encode seals raw under a fresh random key.
func (s *Sealer) Encode(ctx context.Context, raw []byte) (*Encoded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating asset key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(nonce)+len(raw)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, raw, nil)
	return &Encoded{Data: out, Key: key, Digest: Digest(out)}, nil
}

// Decode verifies data against digest, when one is given, and opens it
// with key.
func (s *Sealer) Decode(ctx context.Context, data, key []byte, digest string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if digest != "" {
		got := Digest(data)
		if subtle.ConstantTimeCompare([]byte(got), []byte(digest)) != 1 {
			return nil, ErrDigestMismatch
		}
	}
	if len(data) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed asset too short: %w", ErrDecrypt)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", ErrDecrypt)
	}
	nonce, ct := data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
