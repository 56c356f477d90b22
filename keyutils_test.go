// keyutils_test.go: Test cases for key utilities.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/agilira/krypteia"
)

func TestGenerateKey_ValidLength(t *testing.T) {
	key, err := krypteia.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	defer krypteia.Zeroize(key)
	if len(key) != krypteia.KeySize {
		t.Errorf("Expected key length %d, got %d", krypteia.KeySize, len(key))
	}

	other, _ := krypteia.GenerateKey()
	if bytes.Equal(key, other) {
		t.Error("two generated keys should differ")
	}
}

func TestGenerateIV(t *testing.T) {
	iv, err := krypteia.GenerateIV(nil)
	if err != nil {
		t.Fatalf("GenerateIV() error: %v", err)
	}
	if len(iv) != krypteia.IVSize {
		t.Errorf("Expected IV length %d, got %d", krypteia.IVSize, len(iv))
	}

	fixed, err := krypteia.GenerateIV(bytes.NewReader(testIV()))
	if err != nil {
		t.Fatalf("GenerateIV() error: %v", err)
	}
	if !bytes.Equal(fixed, testIV()) {
		t.Errorf("IV should be read from the given source, got %x", fixed)
	}

	_, err = krypteia.GenerateIV(bytes.NewReader([]byte{1, 2, 3}))
	if !errors.Is(err, krypteia.ErrCrypto) {
		t.Errorf("Expected ErrCrypto for a short random source, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	if err := krypteia.ValidateKey(make([]byte, krypteia.KeySize)); err != nil {
		t.Errorf("Expected valid key, got error: %v", err)
	}
	for _, n := range []int{0, 16, 31, 33, 64} {
		if err := krypteia.ValidateKey(make([]byte, n)); !errors.Is(err, krypteia.ErrKeyInvalid) {
			t.Errorf("size %d: expected ErrKeyInvalid, got %v", n, err)
		}
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, _ := krypteia.GenerateKey()
	defer krypteia.Zeroize(key)

	decoded, err := krypteia.KeyFromBase64(krypteia.KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error: %v", err)
	}
	if !bytes.Equal(key, decoded) {
		t.Error("base64 round trip changed the key")
	}

	if _, err := krypteia.KeyFromBase64("not base64!"); !errors.Is(err, krypteia.ErrKeyInvalid) {
		t.Errorf("Expected ErrKeyInvalid, got %v", err)
	}
}

func TestKeyHexRoundTrip(t *testing.T) {
	key := testMasterKey()
	encoded := krypteia.KeyToHex(key)
	if encoded != "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f" {
		t.Errorf("unexpected hex encoding %s", encoded)
	}
	decoded, err := krypteia.KeyFromHex(encoded)
	if err != nil {
		t.Fatalf("KeyFromHex() error: %v", err)
	}
	if !bytes.Equal(key, decoded) {
		t.Error("hex round trip changed the key")
	}
	if _, err := krypteia.KeyFromHex("zz"); !errors.Is(err, krypteia.ErrKeyInvalid) {
		t.Errorf("Expected ErrKeyInvalid, got %v", err)
	}
}

func TestZeroize(t *testing.T) {
	data := []byte("sensitive-data")
	krypteia.Zeroize(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d not zeroed", i)
		}
	}
	krypteia.Zeroize(nil)
}

func TestThumbprint_Golden(t *testing.T) {
	got := krypteia.Thumbprint(testMasterKey())
	if got != "Yw3NKWbEM2aRElRIu7JbT_QSpJxzLbLIq8G4WBvXEN0" {
		t.Errorf("unexpected thumbprint %s", got)
	}
	if strings.ContainsAny(got, "+/=") {
		t.Error("thumbprint must be unpadded URL-safe base64")
	}
	if krypteia.Thumbprint(testMasterKey()) != got {
		t.Error("thumbprint must be stable")
	}
	other := testMasterKey()
	other[31] ^= 1
	if krypteia.Thumbprint(other) == got {
		t.Error("different keys should have different thumbprints")
	}
}

type failingLoader struct{}

func (failingLoader) Alias() string             { return "broken" }
func (failingLoader) KeyTypeIdentifier() string { return krypteia.KeyIdentifierRaw }
func (failingLoader) Key() ([]byte, error)      { return nil, krypteia.ErrKeyUnavailable }

func TestLoaderThumbprint(t *testing.T) {
	loader, err := krypteia.NewRawImportedKeyLoader("app", krypteia.KeyIdentifierRaw, testMasterKey())
	if err != nil {
		t.Fatalf("NewRawImportedKeyLoader() error: %v", err)
	}
	if got := krypteia.LoaderThumbprint(loader); got != "Yw3NKWbEM2aRElRIu7JbT_QSpJxzLbLIq8G4WBvXEN0" {
		t.Errorf("unexpected loader thumbprint %s", got)
	}
	if got := krypteia.LoaderThumbprint(failingLoader{}); got != krypteia.ThumbprintUnavailable {
		t.Errorf("expected %s, got %s", krypteia.ThumbprintUnavailable, got)
	}
	if got := krypteia.LoaderThumbprint(nil); got != krypteia.ThumbprintNoLoader {
		t.Errorf("expected %s, got %s", krypteia.ThumbprintNoLoader, got)
	}
}
