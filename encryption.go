// encryption.go: Cipher primitives behind the envelope formats: AES-256-CBC with PKCS#7
// padding, AES-256-GCM with a 16-byte nonce, and HMAC-SHA256 tags.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	goerrors "github.com/agilira/go-errors"
)

// MACSize is the size in bytes of the HMAC-SHA256 tag appended to every envelope.
const MACSize = sha256.Size

// encryptCBC encrypts plaintext with AES-256-CBC and PKCS#7 padding.
// Ciphers are built per call: key material is never cached.
func encryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.Wrap(err, ErrCodeCipher, "failed to create AES cipher"))
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.New(ErrCodeCipher, "IV length does not match block size"))
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	Zeroize(padded)
	return out, nil
}

// decryptCBC reverses encryptCBC.
func decryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.Wrap(err, ErrCodeCipher, "failed to create AES cipher"))
	}
	bs := block.BlockSize()
	if len(iv) != bs {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.New(ErrCodeCipher, "IV length does not match block size"))
	}
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.New(ErrCodeCipher, "ciphertext is not a whole number of blocks"))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	plain, err := pkcs7Unpad(out, bs)
	if err != nil {
		Zeroize(out)
		return nil, err
	}
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	copy(out[len(data):], bytes.Repeat([]byte{byte(n)}, n))
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.New(ErrCodeCipher, "invalid padding"))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.New(ErrCodeCipher, "invalid padding"))
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.New(ErrCodeCipher, "invalid padding"))
		}
	}
	return data[:len(data)-n], nil
}

// newGCM builds AES-256-GCM with a nonce the size of the envelope IV.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.Wrap(err, ErrCodeCipher, "failed to create AES cipher"))
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.Wrap(err, ErrCodeCipher, "failed to create GCM cipher"))
	}
	return gcm, nil
}

// sealGCM encrypts plaintext and appends the GCM tag.
func sealGCM(key, iv, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, aad), nil
}

// openGCM reverses sealGCM.
func openGCM(key, iv, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, goerrors.Wrap(err, ErrCodeCipher, "GCM authentication failed"))
	}
	return plain, nil
}

// computeMAC returns HMAC-SHA256(key, parts[0] || parts[1] || ...).
func computeMAC(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// verifyMAC compares the expected tag against got in constant time.
func verifyMAC(key, got []byte, parts ...[]byte) bool {
	expected := computeMAC(key, parts...)
	return hmac.Equal(expected, got)
}

// legacyMACKey derives the v1 integrity key: SHA-256 of the raw master key.
// The result lives in a pooled buffer the caller must release with putKeyBuffer.
func legacyMACKey(master []byte) *[]byte {
	buf := getKeyBuffer()
	sum := sha256.Sum256(master)
	copy(*buf, sum[:])
	clearBuffer(sum[:])
	return buf
}
