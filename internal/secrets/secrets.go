// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secrets loads cryptographic key material from the environment or
// from key files. Keys are loaded once at process start; a missing key is
// fatal. Keys are never auto-generated into place: explicit provisioning is
// a deliberate operational step.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeySize is the required key size in bytes (256 bits).
const KeySize = 32

// Provider resolves named keys to raw key material.
// Implementations must return exactly KeySize bytes.
type Provider interface {
	// Key returns the key material for the given key id.
	Key(keyID string) ([]byte, error)
}

// =============================================================================
// ENVIRONMENT / FILE PROVIDER
// =============================================================================

// EnvProvider loads keys from the environment, in priority order:
//
//  1. VALOR_KEY_<ID> environment variable (hex-encoded 32-byte key)
//  2. VALOR_KEY_<ID>_FILE environment variable pointing to a raw key file
//  3. A key file named .<id>.key inside Dir
//
// Where <ID> is the key id upper-cased with '-' mapped to '_'.
type EnvProvider struct {
	// Dir is the directory searched for default key files.
	Dir string
}

// NewEnvProvider creates a provider that falls back to key files in dir.
func NewEnvProvider(dir string) *EnvProvider {
	return &EnvProvider{Dir: dir}
}

// Key loads the key material for keyID. A wrong-sized or malformed key is an
// error: truncating or padding silently would weaken the cipher.
func (p *EnvProvider) Key(keyID string) ([]byte, error) {
	envName := "VALOR_KEY_" + strings.ToUpper(strings.ReplaceAll(keyID, "-", "_"))

	if keyHex := os.Getenv(envName); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key in %s: %w", envName, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("key %s must be %d bytes, got %d", keyID, KeySize, len(key))
		}
		return key, nil
	}

	if keyPath := os.Getenv(envName + "_FILE"); keyPath != "" {
		return readKeyFile(keyID, keyPath)
	}

	defaultPath := filepath.Join(p.Dir, "."+keyID+".key")
	key, err := readKeyFile(keyID, defaultPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf(
				"no key configured for %q: set %s (hex-encoded %d-byte key), "+
					"set %s_FILE, or create %s (generate with: openssl rand -out %s %d)",
				keyID, envName, KeySize, envName, defaultPath, defaultPath, KeySize)
		}
		return nil, err
	}
	return key, nil
}

func readKeyFile(keyID, path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key file for %q must be %d bytes, got %d", keyID, KeySize, len(key))
	}
	return key, nil
}

// =============================================================================
// STATIC PROVIDER (tests, embedded deployments)
// =============================================================================

// StaticProvider serves keys from an in-memory map.
type StaticProvider struct {
	keys map[string][]byte
}

// NewStaticProvider creates a provider over the given key map.
func NewStaticProvider(keys map[string][]byte) *StaticProvider {
	return &StaticProvider{keys: keys}
}

// Key returns the mapped key material.
func (p *StaticProvider) Key(keyID string) ([]byte, error) {
	key, ok := p.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("no key configured for %q", keyID)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key %q must be %d bytes, got %d", keyID, KeySize, len(key))
	}
	return key, nil
}

// =============================================================================
// KEY GENERATION UTILITY
// =============================================================================

// GenerateKeyFile generates a new random key and writes it to path with
// restrictive permissions. Utility for initial provisioning only; the
// providers themselves never generate keys.
func GenerateKeyFile(path string) error {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate random key: %w", err)
	}
	// SECURITY: Zero key material to prevent memory disclosure
	defer ZeroBytes(key)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// ZeroBytes securely zeros sensitive byte slices to prevent memory disclosure.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
