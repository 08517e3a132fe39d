// Package vault encrypts private key material at rest with AES-256-GCM under a master key held only in memory.
//
// A key bundle is the hex encoded initialization vector, authentication tag and ciphertext joined by ":". A bundle
// may be prefixed by a key version and "$" (ie. "v1$<iv>:<tag>:<ciphertext>") so that master key rotation can be
// introduced without changing stored records. Bundles written by this version carry no prefix.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Bundle layout.
const (
	KeySize    = 32 // AES-256
	ivSize     = 16
	tagSize    = 16
	sep        = ":"
	versionSep = "$"
	Version    = "v1"
)

// Errors returned by the vault. None of them carry key material.
var (
	ErrKeyLength  = errors.New("vault: master key must be 32 bytes")
	ErrFormat     = errors.New("vault: malformed key bundle")
	ErrKeyVersion = fmt.Errorf("%w: unknown key version", ErrFormat)
	ErrIntegrity  = errors.New("vault: key bundle failed authentication")
)

// Vault seals and opens key bundles.
type Vault struct {
	aead cipher.AEAD
}

// New returns a Vault for the given 32-byte master key. The key is not retained beyond the cipher state.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, ErrKeyLength
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("vault: cannot create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("vault: cannot create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// NewFromHex decodes a 64 hex character master key and returns its Vault.
func NewFromHex(masterKey string) (*Vault, error) {
	if len(masterKey) != 2*KeySize {
		return nil, ErrKeyLength
	}

	key, err := hex.DecodeString(masterKey)
	if err != nil {
		return nil, ErrKeyLength
	}

	defer wipe(key)

	return New(key)
}

// Encrypt seals plaintext under a fresh random IV and returns its bundle.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: cannot generate iv: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + sep + hex.EncodeToString(tag) + sep + hex.EncodeToString(ct), nil
}

// Decrypt opens a bundle produced by Encrypt. It fails with ErrFormat when the bundle does not parse into exactly
// three hex segments and with ErrIntegrity when the tag does not verify under this master key.
func (v *Vault) Decrypt(bundle string) ([]byte, error) {
	if i := strings.Index(bundle, versionSep); i >= 0 {
		if bundle[:i] != Version {
			return nil, ErrKeyVersion
		}

		bundle = bundle[i+len(versionSep):]
	}

	parts := strings.Split(bundle, sep)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrFormat, len(parts))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: bad iv", ErrFormat)
	}

	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: bad tag", ErrFormat)
	}

	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrFormat)
	}

	plaintext, err := v.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrIntegrity
	}

	return plaintext, nil
}

// wipe zeroes b.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
