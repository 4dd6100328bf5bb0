// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crypto provides authenticated encryption for conversation content
// at rest.
//
// AES-256-GCM supplies both confidentiality and integrity: tampered
// ciphertext fails at decrypt time instead of being silently accepted. Blobs
// carry the key version used to produce them, so content encrypted under an
// older key remains decryptable after rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// NonceSize is the size of the nonce/IV for AES-GCM (12 bytes / 96 bits).
const NonceSize = 12

// KeySize is the size of the AES-256 key (32 bytes / 256 bits).
const KeySize = 32

// PBKDF2Iterations is the iteration count for PBKDF2-SHA-256 derivation.
// OWASP 2023 recommends 600,000+ for PBKDF2-SHA-256.
const PBKDF2Iterations = 600000

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrDecryptionFailed indicates authentication-tag mismatch: the blob was
	// tampered with or corrupted. Never retried, never swallowed.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
	// ErrUnknownKeyVersion indicates a blob encrypted under a key this cipher
	// does not hold.
	ErrUnknownKeyVersion = errors.New("unknown key version")
	// ErrInvalidBlob indicates a malformed serialized blob.
	ErrInvalidBlob = errors.New("invalid encrypted blob format")
	// ErrInvalidKeySize indicates a key of the wrong length.
	ErrInvalidKeySize = errors.New("invalid key size")
)

// =============================================================================
// ENCRYPTED BLOB
// =============================================================================

// Blob is an opaque encrypted payload plus the key version that produced it.
// Blobs are the only form in which sensitive content may appear in any
// structure that can be serialized; plaintext never travels next to them.
type Blob struct {
	KeyVersion uint32
	Nonce      []byte
	Ciphertext []byte // includes the GCM authentication tag
}

// MarshalBinary encodes the blob as version|nonce|ciphertext.
func (b Blob) MarshalBinary() ([]byte, error) {
	if len(b.Nonce) != NonceSize {
		return nil, ErrInvalidBlob
	}
	out := make([]byte, 4+NonceSize+len(b.Ciphertext))
	binary.BigEndian.PutUint32(out[:4], b.KeyVersion)
	copy(out[4:4+NonceSize], b.Nonce)
	copy(out[4+NonceSize:], b.Ciphertext)
	return out, nil
}

// UnmarshalBinary decodes a blob produced by MarshalBinary.
func (b *Blob) UnmarshalBinary(data []byte) error {
	if len(data) < 4+NonceSize+1 {
		return ErrInvalidBlob
	}
	b.KeyVersion = binary.BigEndian.Uint32(data[:4])
	b.Nonce = append([]byte(nil), data[4:4+NonceSize]...)
	b.Ciphertext = append([]byte(nil), data[4+NonceSize:]...)
	return nil
}

// Zero overwrites the blob's ciphertext and nonce in place.
// Called when a session is destroyed so released entries hold no material.
func (b *Blob) Zero() {
	for i := range b.Nonce {
		b.Nonce[i] = 0
	}
	for i := range b.Ciphertext {
		b.Ciphertext[i] = 0
	}
	b.Nonce = nil
	b.Ciphertext = nil
}

// =============================================================================
// CIPHER
// =============================================================================

// Cipher performs authenticated encryption with versioned keys.
// Encrypt always uses the newest key version; Decrypt selects the AEAD by the
// blob's version, so rotation never orphans existing ciphertext.
//
// Key material lives only in process memory and is zeroed on Close.
type Cipher struct {
	mu      sync.RWMutex
	aeads   map[uint32]cipher.AEAD
	current uint32
}

// New creates a cipher with a single key at version 1.
func New(key []byte) (*Cipher, error) {
	c := &Cipher{aeads: make(map[uint32]cipher.AEAD)}
	if err := c.AddKey(1, key); err != nil {
		return nil, err
	}
	return c, nil
}

// AddKey registers key material under a version. The highest version becomes
// the encryption key. The caller retains ownership of key and should zero it.
func (c *Cipher) AddKey(version uint32, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.aeads[version] = gcm
	if version > c.current {
		c.current = version
	}
	return nil
}

// Encrypt seals plaintext under the newest key with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) (Blob, error) {
	c.mu.RLock()
	version := c.current
	aead, ok := c.aeads[version]
	c.mu.RUnlock()
	if !ok {
		return Blob{}, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Blob{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return Blob{
		KeyVersion: version,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens a blob. Authentication failure returns ErrDecryptionFailed,
// which indicates tampering or corruption, not a transient condition.
func (c *Cipher) Decrypt(blob Blob) ([]byte, error) {
	c.mu.RLock()
	aead, ok := c.aeads[blob.KeyVersion]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, blob.KeyVersion)
	}
	if len(blob.Nonce) != NonceSize {
		return nil, ErrInvalidBlob
	}

	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Close drops all key schedules. The AEAD instances are released to the GC;
// callers that supplied raw key bytes are responsible for zeroing them.
func (c *Cipher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aeads = make(map[uint32]cipher.AEAD)
	c.current = 0
}

// =============================================================================
// KEY DERIVATION
// =============================================================================

// DeriveKey derives an encryption key from a passphrase and salt using
// PBKDF2-SHA-256 (NIST SP 800-132). Used when the secret provider hands out
// a passphrase instead of raw key bytes.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// ZeroBytes securely zeros sensitive byte slices to prevent memory disclosure.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
