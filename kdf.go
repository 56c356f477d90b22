// kdf.go: Key derivation. SP 800-108 counter mode (HMAC-SHA256) splits a master key into
// purpose-specific subkeys; Argon2id and PBKDF2 turn passphrases into master keys.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	goerrors "github.com/agilira/go-errors"
	"golang.org/x/crypto/argon2"
	pbkdf2 "golang.org/x/crypto/pbkdf2"
)

// Labels used to split a master key into its two subkeys.
const (
	LabelEncryption = "encryption"
	LabelIntegrity  = "integrity"
)

// MaxDerivedKeyBits bounds the output of DeriveKeySP800108.
const MaxDerivedKeyBits = 8192

// DeriveKeySP800108 derives outputBits of key material from master using the
// NIST SP 800-108 KDF in counter mode with HMAC-SHA256 as the PRF:
//
//	K(i) = HMAC-SHA256(master, [i]_32 || label || 0x00 || context || [L]_32)
//
// where i starts at 1, [x]_32 is a big-endian 32-bit integer and L is outputBits.
// The blocks are concatenated and truncated to outputBits/8 bytes.
//
// The same inputs always yield the same output. Different labels or contexts yield
// independent keys.
//
// Example:
//
//	encKey, err := krypteia.DeriveKeySP800108(master, []byte("encryption"), iv, 256)
//	if err != nil {
//		return err
//	}
//	defer krypteia.Zeroize(encKey)
func DeriveKeySP800108(master, label, context []byte, outputBits int) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.New(ErrCodeInvalidKey, "master key cannot be empty"))
	}
	if outputBits <= 0 || outputBits%8 != 0 || outputBits > MaxDerivedKeyBits {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid,
			goerrors.New(ErrCodeInvalidKey, fmt.Sprintf("output length must be a positive multiple of 8 up to %d bits, got %d", MaxDerivedKeyBits, outputBits)))
	}

	outLen := outputBits / 8
	mac := hmac.New(sha256.New, master)
	blocks := (outLen + mac.Size() - 1) / mac.Size()

	// fixed input: label || 0x00 || context || [L]_32
	fixed := getDynamicBuffer()
	defer func() { putDynamicBuffer(fixed) }()
	fixed = append(fixed, label...)
	fixed = append(fixed, 0x00)
	fixed = append(fixed, context...)
	fixed = binary.BigEndian.AppendUint32(fixed, uint32(outputBits)) // #nosec G115 -- bounded above

	out := make([]byte, 0, blocks*mac.Size())
	var counter [4]byte
	for i := 1; i <= blocks; i++ {
		binary.BigEndian.PutUint32(counter[:], uint32(i)) // #nosec G115 -- bounded by MaxDerivedKeyBits
		mac.Reset()
		if _, err := mac.Write(counter[:]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.Wrap(err, ErrCodeCipher, "HMAC failure during key derivation"))
		}
		if _, err := mac.Write(fixed); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.Wrap(err, ErrCodeCipher, "HMAC failure during key derivation"))
		}
		out = mac.Sum(out)
	}

	if len(out) > outLen {
		Zeroize(out[outLen:])
		out = out[:outLen]
	}
	return out, nil
}

// DerivedKeyPair holds the two independent subkeys derived from one master key.
// It lives for a single operation and must be destroyed afterwards.
type DerivedKeyPair struct {
	EncryptionKey []byte
	MACKey        []byte
}

// Destroy zeroizes both subkeys.
func (p *DerivedKeyPair) Destroy() {
	if p == nil {
		return
	}
	Zeroize(p.EncryptionKey)
	Zeroize(p.MACKey)
}

// DeriveKeyPair derives a 256-bit encryption key and a 256-bit MAC key from master,
// scoped by context (the envelope IV).
func DeriveKeyPair(master, context []byte) (*DerivedKeyPair, error) {
	encKey, err := DeriveKeySP800108(master, []byte(LabelEncryption), context, KeySize*8)
	if err != nil {
		return nil, err
	}
	macKey, err := DeriveKeySP800108(master, []byte(LabelIntegrity), context, KeySize*8)
	if err != nil {
		Zeroize(encKey)
		return nil, err
	}
	return &DerivedKeyPair{EncryptionKey: encKey, MACKey: macKey}, nil
}

// Default Argon2id parameters for passphrase-derived keys.
const (
	// DefaultTime is the default number of iterations for Argon2id.
	DefaultTime = 3

	// DefaultMemory is the default memory usage in MB for Argon2id.
	DefaultMemory = 64

	// DefaultThreads is the default number of threads for Argon2id.
	DefaultThreads = 4
)

// KDFParams defines custom parameters for Argon2id key derivation.
//
// If a field is zero, the library's secure default is used.
type KDFParams struct {
	Time    uint32 `yaml:"time,omitempty" json:"time,omitempty"`
	Memory  uint32 `yaml:"memory,omitempty" json:"memory,omitempty"` // MB
	Threads uint8  `yaml:"threads,omitempty" json:"threads,omitempty"`
}

// FastKDFParams returns Argon2id parameters for tests and development.
//
// Parameters: Time=1, Memory=32MB, Threads=2
func FastKDFParams() *KDFParams {
	return &KDFParams{Time: 1, Memory: 32, Threads: 2}
}

// DeriveKey derives a key from a password and salt using Argon2id.
//
// If params is nil, secure defaults are used (Time: 3, Memory: 64MB, Threads: 4).
func DeriveKey(password, salt []byte, keyLen int, params *KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.New(ErrCodeInvalidKey, "password cannot be empty"))
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.New(ErrCodeInvalidKey, "salt cannot be empty"))
	}
	if keyLen <= 0 {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.New(ErrCodeInvalidKey, "key length must be positive"))
	}

	time := uint32(DefaultTime)
	memory := uint32(DefaultMemory * 1024)
	threads := uint8(DefaultThreads)
	if params != nil {
		if params.Time > 0 {
			time = params.Time
		}
		if params.Memory > 0 {
			memory = params.Memory * 1024
		}
		if params.Threads > 0 {
			threads = params.Threads
		}
	}

	// gosec G115 is excluded: keyLen validated above
	return argon2.IDKey(password, salt, time, memory, threads, uint32(keyLen)), nil // #nosec G115
}

// DeriveKeyPBKDF2 derives a key using PBKDF2-SHA256.
//
// Kept for passphrase keys provisioned by older deployments; use DeriveKey for new ones.
func DeriveKeyPBKDF2(password, salt []byte, iterations, keyLen int) ([]byte, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.New(ErrCodeInvalidKey, "password cannot be empty"))
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.New(ErrCodeInvalidKey, "salt cannot be empty"))
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.New(ErrCodeInvalidKey, "iterations must be positive"))
	}
	if keyLen <= 0 {
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, goerrors.New(ErrCodeInvalidKey, "key length must be positive"))
	}
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New), nil
}
