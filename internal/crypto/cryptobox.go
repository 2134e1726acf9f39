package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Blob layout: version byte, 12-byte nonce, then the GCM-sealed payload
// (ciphertext followed by the 16-byte authentication tag).
const (
	blobVersion = 0x01
	nonceSize   = 12
	keySize     = 32
)

var (
	// ErrDecryptionFailed is returned for any tampered, truncated, or
	// wrong-key blob. The cause is deliberately not distinguished.
	ErrDecryptionFailed = errors.New("decryption failed")

	hkdfSalt = []byte("tenant-key-v1")
)

// Box encrypts tenant credentials with per-tenant keys derived from a
// single 256-bit master key. Rotating the master key requires
// re-encrypting every stored record (an offline operator task).
type Box struct {
	master []byte
}

// NewBox creates a Box from a 256-bit master key.
func NewBox(master []byte) (*Box, error) {
	if len(master) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes (got %d)", keySize, len(master))
	}
	b := &Box{master: make([]byte, keySize)}
	copy(b.master, master)
	return b, nil
}

// tenantKey derives the AES key for one tenant via HKDF-SHA256.
func (b *Box) tenantKey(tenantID string) ([]byte, error) {
	r := hkdf.New(sha256.New, b.master, hkdfSalt, []byte("tenant:"+tenantID))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext for a tenant with AES-256-GCM and a fresh
// random nonce.
func (b *Box) Encrypt(tenantID string, plaintext []byte) ([]byte, error) {
	key, err := b.tenantKey(tenantID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	blob := make([]byte, 0, 1+nonceSize+len(plaintext)+gcm.Overhead())
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, nil)
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt for the same tenant. Any
// modification of the blob yields ErrDecryptionFailed.
func (b *Box) Decrypt(tenantID string, blob []byte) ([]byte, error) {
	if len(blob) < 1+nonceSize+16 {
		return nil, ErrDecryptionFailed
	}
	if blob[0] != blobVersion {
		return nil, ErrDecryptionFailed
	}

	key, err := b.tenantKey(tenantID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce := blob[1 : 1+nonceSize]
	plaintext, err := gcm.Open(nil, nonce, blob[1+nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
