// keyloader.go: Key loader abstraction and the raw-imported and passphrase loaders.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"fmt"
	"sync"

	goerrors "github.com/agilira/go-errors"
	"github.com/awnumar/memguard"
)

// Well-known key identifiers. The first character names the key family.
const (
	// KeyIdentifierRaw marks keys supplied by the application (first raw generation).
	KeyIdentifierRaw = "U001"

	// KeyIdentifierWrapped marks keys generated locally and wrapped by a keystore.
	KeyIdentifierWrapped = "A001"
)

// Key family characters.
const (
	KeyFamilyRaw     = 'U'
	KeyFamilyWrapped = 'A'
)

// KeyLoader obtains a usable AES-256 master key plus the identity the engine records in envelopes.
//
// Key returns a fresh copy on every call: callers own it and should Zeroize it when done.
// It never returns a nil key without an error; a key that cannot be produced yields ErrKeyUnavailable.
type KeyLoader interface {
	Alias() string
	KeyTypeIdentifier() string
	Key() ([]byte, error)
}

// KeyGenerator is implemented by loaders able to create their key on first use.
// The engine calls it only on the encrypt path; decryption never creates keys.
type KeyGenerator interface {
	KeyOrGenerate() ([]byte, error)
}

// RawImportedKeyLoader serves a caller-supplied key (the legacy path).
// The key is held in a memguard enclave and copied out per call.
type RawImportedKeyLoader struct {
	mu         sync.RWMutex
	alias      string
	identifier string
	enclave    *memguard.Enclave
}

// NewRawImportedKeyLoader copies key into protected memory. key is left untouched.
//
// Example:
//
//	loader, err := krypteia.NewRawImportedKeyLoader("app-legacy", krypteia.KeyIdentifierRaw, key)
func NewRawImportedKeyLoader(alias, identifier string, key []byte) (*RawImportedKeyLoader, error) {
	if err := ValidateKeyIdentifier(identifier); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	buf := make([]byte, len(key))
	copy(buf, key)
	return &RawImportedKeyLoader{
		alias:      alias,
		identifier: identifier,
		enclave:    memguard.NewEnclave(buf), // wipes buf
	}, nil
}

// Alias implements KeyLoader.
func (l *RawImportedKeyLoader) Alias() string { return l.alias }

// KeyTypeIdentifier implements KeyLoader.
func (l *RawImportedKeyLoader) KeyTypeIdentifier() string { return l.identifier }

// Key implements KeyLoader.
func (l *RawImportedKeyLoader) Key() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return openEnclave(l.enclave, l.alias)
}

// Forget drops the key. Later calls to Key return ErrKeyUnavailable.
func (l *RawImportedKeyLoader) Forget() {
	l.mu.Lock()
	l.enclave = nil
	l.mu.Unlock()
}

func openEnclave(enclave *memguard.Enclave, alias string) ([]byte, error) {
	if enclave == nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, goerrors.New(ErrCodeKeyUnavailable, fmt.Sprintf("no key held for %s", alias)))
	}
	lb, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, goerrors.Wrap(err, ErrCodeKeyUnavailable, fmt.Sprintf("failed to open key enclave for %s", alias)))
	}
	defer lb.Destroy()
	key := make([]byte, lb.Size())
	copy(key, lb.Bytes())
	return key, nil
}

// PassphraseAlgorithm selects how a passphrase becomes a master key.
type PassphraseAlgorithm string

const (
	PassphraseArgon2id PassphraseAlgorithm = "argon2id"
	PassphrasePBKDF2   PassphraseAlgorithm = "pbkdf2"
)

// DefaultPBKDF2Iterations is used when PassphraseOptions.Iterations is zero.
const DefaultPBKDF2Iterations = 600000

// PassphraseOptions configures NewPassphraseKeyLoader.
type PassphraseOptions struct {
	Algorithm  PassphraseAlgorithm
	Salt       []byte
	Params     *KDFParams // argon2id only; nil means defaults
	Iterations int        // pbkdf2 only; zero means DefaultPBKDF2Iterations
}

// NewPassphraseKeyLoader derives a master key from passphrase and serves it as a raw-imported key.
// The derived key never leaves protected memory except as per-call copies.
func NewPassphraseKeyLoader(alias, identifier string, passphrase []byte, opts PassphraseOptions) (*RawImportedKeyLoader, error) {
	var (
		key []byte
		err error
	)
	switch opts.Algorithm {
	case "", PassphraseArgon2id:
		key, err = DeriveKey(passphrase, opts.Salt, KeySize, opts.Params)
	case PassphrasePBKDF2:
		iterations := opts.Iterations
		if iterations == 0 {
			iterations = DefaultPBKDF2Iterations
		}
		key, err = DeriveKeyPBKDF2(passphrase, opts.Salt, iterations, KeySize)
	default:
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine,
			goerrors.New(ErrCodeConfig, fmt.Sprintf("unknown passphrase algorithm %q", opts.Algorithm)))
	}
	if err != nil {
		return nil, err
	}
	defer Zeroize(key)
	return NewRawImportedKeyLoader(alias, identifier, key)
}
