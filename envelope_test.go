// envelope_test.go: Test cases for the envelope wire format.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia_test

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/agilira/krypteia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Envelopes of "SomeValue1234" under key 00..1f, IV a0..af, key identifier U001.
const (
	goldenLegacy = "cE1VTAwMT8cTo06LzcyUE091sj/U8mgoaKjpKWmp6ipqqusra6vb+bu/6HmUighr5tW8mn53jKWlTNH3+KWJEPqJh1fyro="
	goldenCBC    = "cE2VTAwMaChoqOkpaanqKmqq6ytrq9DOEqw6h5gusmdKb5kX1Bycb/cCSoKbxQa+I5HPT1E+f4Pj6G0qbL4snaFNDXSCqQ="
	goldenPlain  = "SomeValue1234"
)

func TestEncodeVersion(t *testing.T) {
	tests := []struct {
		version krypteia.EncodeVersion
		header  string
		name    string
	}{
		{krypteia.EncodeVersionLegacy, "cE1", "legacy"},
		{krypteia.EncodeVersionCBC, "cE2", "cbc"},
		{krypteia.EncodeVersionGCM, "cE3", "gcm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.version.Valid())
			assert.Equal(t, tt.header, tt.version.Header())
			assert.Equal(t, tt.name, tt.version.String())

			parsed, err := krypteia.ParseEncodeVersion(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.version, parsed)
		})
	}

	assert.Equal(t, krypteia.EncodeVersionCBC, krypteia.DefaultEncodeVersion)
	assert.False(t, krypteia.EncodeVersion('4').Valid())

	_, err := krypteia.ParseEncodeVersion("rot13")
	assert.ErrorIs(t, err, krypteia.ErrMisconfiguredEngine)
}

func TestDecodeEnvelope_Golden(t *testing.T) {
	legacy, err := krypteia.DecodeEnvelope(goldenLegacy)
	require.NoError(t, err)
	assert.Equal(t, krypteia.EncodeVersionLegacy, legacy.Version)
	assert.Equal(t, "U001", legacy.KeyIdentifier)
	assert.Equal(t, testIV(), legacy.IV)
	assert.Len(t, legacy.Ciphertext, 16)
	assert.Len(t, legacy.MAC, krypteia.MACSize)

	cbc, err := krypteia.DecodeEnvelope(goldenCBC)
	require.NoError(t, err)
	assert.Equal(t, krypteia.EncodeVersionCBC, cbc.Version)
	assert.Equal(t, "U001", cbc.KeyIdentifier)
	assert.Equal(t, testIV(), cbc.IV)
	assert.Len(t, cbc.Ciphertext, 16)
}

func TestEncodeEnvelope_RoundTrip(t *testing.T) {
	for _, golden := range []string{goldenLegacy, goldenCBC} {
		env, err := krypteia.DecodeEnvelope(golden)
		require.NoError(t, err)
		encoded, err := krypteia.EncodeEnvelope(env)
		require.NoError(t, err)
		assert.Equal(t, golden, encoded)
	}
}

func TestDecodeEnvelope_UnpaddedBase64(t *testing.T) {
	env, err := krypteia.DecodeEnvelope(strings.TrimRight(goldenCBC, "="))
	require.NoError(t, err)
	assert.Equal(t, "U001", env.KeyIdentifier)
}

func TestDecodeEnvelope_NonCanonicalBase64(t *testing.T) {
	// goldenCBC ends in "qQ=": the two spare bits of "Q" are zero
	trimmed := goldenCBC[:len(goldenCBC)-1]
	tests := map[string]string{
		"spare bits set":        goldenCBC[:len(goldenCBC)-2] + "R=",
		"spare bits set, raw":   goldenCBC[:len(goldenCBC)-2] + "R",
		"extra padding":         trimmed + "=====",
		"double padding":        trimmed + "==",
		"line break":            goldenCBC[:20] + "\n" + goldenCBC[20:],
		"carriage return":       goldenCBC[:20] + "\r" + goldenCBC[20:],
		"padding in the middle": goldenCBC[:20] + "=" + goldenCBC[20:],
	}
	e := newTestEngine(t, krypteia.NewStaticResolver(rawLoader(t, "app", testMasterKey())))
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := krypteia.DecodeEnvelope(text)
			assert.ErrorIs(t, err, krypteia.ErrDataMalformed)

			out, err := e.Decrypt(text)
			require.Error(t, err)
			assert.Empty(t, out)
		})
	}

	plain, err := e.Decrypt(goldenCBC)
	require.NoError(t, err)
	assert.Equal(t, goldenPlain, plain)
}

func TestDecodeEnvelope_NotEnvelope(t *testing.T) {
	for _, text := range []string{"", "c", "cE", "plain-token", "cE4AAAA", "ce2AAAA", "xE2VTAwMa"} {
		_, err := krypteia.DecodeEnvelope(text)
		assert.ErrorIs(t, err, krypteia.ErrNotEnvelope, "input %q", text)
		assert.False(t, krypteia.HasEnvelopeHeader(text), "input %q", text)
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	body := func(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
	valid := func(ctLen int) []byte {
		b := append([]byte("U001"), make([]byte, 16+ctLen+32)...)
		return b
	}
	nonPrintable := valid(16)
	nonPrintable[0] = 0x01

	tests := []struct {
		name string
		text string
	}{
		{"header only", "cE2"},
		{"invalid base64", "cE2!!!!"},
		{"truncated body", "cE2" + body(make([]byte, 20))},
		{"cbc ciphertext not block aligned", "cE2" + body(valid(15))},
		{"cbc empty ciphertext", "cE2" + body(valid(0))},
		{"legacy ciphertext not block aligned", "cE1" + body(valid(17))},
		{"gcm ciphertext shorter than tag", "cE3" + body(valid(8))},
		{"non printable key identifier", "cE2" + body(nonPrintable)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := krypteia.DecodeEnvelope(tt.text)
			assert.ErrorIs(t, err, krypteia.ErrDataMalformed)
			assert.False(t, errors.Is(err, krypteia.ErrNotEnvelope))
		})
	}
}

func TestEncodeEnvelope_Invalid(t *testing.T) {
	env, err := krypteia.DecodeEnvelope(goldenCBC)
	require.NoError(t, err)

	bad := *env
	bad.KeyIdentifier = "U01"
	_, err = krypteia.EncodeEnvelope(&bad)
	assert.ErrorIs(t, err, krypteia.ErrMisconfiguredEngine)

	bad = *env
	bad.Version = '9'
	_, err = krypteia.EncodeEnvelope(&bad)
	assert.ErrorIs(t, err, krypteia.ErrMisconfiguredEngine)

	bad = *env
	bad.MAC = bad.MAC[:10]
	_, err = krypteia.EncodeEnvelope(&bad)
	assert.Error(t, err)

	_, err = krypteia.EncodeEnvelope(nil)
	assert.ErrorIs(t, err, krypteia.ErrMisconfiguredEngine)
}

func TestValidateKeyIdentifier(t *testing.T) {
	for _, id := range []string{"U001", "A001", "K999", "~!#$"} {
		assert.NoError(t, krypteia.ValidateKeyIdentifier(id), id)
	}
	for _, id := range []string{"", "U01", "U0001", "U 01", "U\x0001", "Ü01"} {
		assert.ErrorIs(t, krypteia.ValidateKeyIdentifier(id), krypteia.ErrMisconfiguredEngine, "%q", id)
	}
}

func TestIsEncryptedByThisKeyIdentifier(t *testing.T) {
	assert.True(t, krypteia.IsEncryptedByThisKeyIdentifier(goldenLegacy, "U001"))
	assert.True(t, krypteia.IsEncryptedByThisKeyIdentifier(goldenCBC, "U001"))
	assert.False(t, krypteia.IsEncryptedByThisKeyIdentifier(goldenCBC, "A001"))
	assert.False(t, krypteia.IsEncryptedByThisKeyIdentifier(goldenCBC, "U0"))
	assert.False(t, krypteia.IsEncryptedByThisKeyIdentifier("plain-token", "U001"))
	assert.False(t, krypteia.IsEncryptedByThisKeyIdentifier("cE2VTA", "U001"))

	assert.Equal(t, "U001", krypteia.KeyIdentifierOf(goldenCBC))
	assert.Equal(t, "", krypteia.KeyIdentifierOf("plain-token"))
}
