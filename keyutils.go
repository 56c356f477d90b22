// keyutils.go: Key utilities for import/export, zeroization, and thumbprints.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
	"github.com/awnumar/memguard"
)

// KeySize is the size in bytes of every master key handled by the engine (AES-256).
const KeySize = 32

// IVSize is the size in bytes of the per-envelope initialization vector.
const IVSize = 16

// KeyToBase64 encodes a key as a standard base64 string.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// KeyFromBase64 decodes a standard base64 string to a key.
//
// Example:
//
//	key, err := krypteia.KeyFromBase64(os.Getenv("APP_STORAGE_KEY"))
//	if err != nil {
//		log.Fatal(err)
//	}
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.Wrap(err, ErrCodeInvalidKey, "failed to decode base64 key"))
	}
	return key, nil
}

// KeyToHex encodes a key as a lowercase hexadecimal string.
func KeyToHex(key []byte) string {
	return hex.EncodeToString(key)
}

// KeyFromHex decodes a hexadecimal string to a key.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.Wrap(err, ErrCodeInvalidKey, "failed to decode hex key"))
	}
	return key, nil
}

// Zeroize securely wipes a byte slice from memory.
//
// This function modifies the original slice in place.
func Zeroize(b []byte) {
	memguard.WipeBytes(b)
}

// Thumbprint returns a stable, non-reversible fingerprint of a key:
// the unpadded URL-safe base64 encoding of SHA-256(key).
//
// Two loaders holding the same key always produce the same thumbprint, so it can be
// logged and compared freely. It never reveals key material.
//
// Example:
//
//	key, _ := krypteia.GenerateKey()
//	log.Info().Str("thumbprint", krypteia.Thumbprint(key)).Msg("key loaded")
func Thumbprint(key []byte) string {
	sum := sha256.Sum256(key)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Thumbprint markers used when a loader's key cannot be read.
const (
	ThumbprintUnavailable = "<unavailable>"
	ThumbprintNoLoader    = "<no-loader>"
)

// LoaderThumbprint thumbprints the key currently held by loader.
// A loader that cannot produce its key yields ThumbprintUnavailable.
func LoaderThumbprint(loader KeyLoader) string {
	if loader == nil {
		return ThumbprintNoLoader
	}
	key, err := loader.Key()
	if err != nil {
		return ThumbprintUnavailable
	}
	defer Zeroize(key)
	return Thumbprint(key)
}

// GenerateKey generates a cryptographically secure random key of KeySize bytes.
func GenerateKey() ([]byte, error) {
	return generateKeyFrom(rand.Reader)
}

func generateKeyFrom(r io.Reader) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.Wrap(err, ErrCodeRandom, "failed to generate key"))
	}
	return key, nil
}

// GenerateIV generates a random initialization vector of IVSize bytes from r.
// A nil reader means crypto/rand.
func GenerateIV(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.Wrap(err, ErrCodeRandom, "failed to generate IV"))
	}
	return iv, nil
}

// ValidateKey checks that a key has the correct size for AES-256.
func ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: %w", ErrKeyInvalid,
			goerrors.New(ErrCodeInvalidKey, fmt.Sprintf("key size must be %d bytes for AES-256, got %d", KeySize, len(key))))
	}
	return nil
}
