// envelope.go: Versioned text envelope carrying key identifier, IV, ciphertext and MAC.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	goerrors "github.com/agilira/go-errors"
)

// EncodeVersion selects the envelope body layout and the cipher suite.
type EncodeVersion byte

const (
	// EncodeVersionLegacy is the first envelope format: AES-256-CBC under the raw master key,
	// HMAC-SHA256 keyed with SHA-256(master) over keyId || ciphertext || iv.
	// Body layout: keyId || ciphertext || iv || mac.
	EncodeVersionLegacy EncodeVersion = '1'

	// EncodeVersionCBC splits the master key with DeriveKeyPair (context = IV),
	// encrypts with AES-256-CBC and MACs header || keyId || iv || ciphertext.
	// Body layout: keyId || iv || ciphertext || mac.
	EncodeVersionCBC EncodeVersion = '2'

	// EncodeVersionGCM is EncodeVersionCBC with AES-256-GCM (16-byte nonce, AAD = header || keyId)
	// in place of CBC. The outer HMAC is kept so every version verifies the same way.
	EncodeVersionGCM EncodeVersion = '3'
)

// DefaultEncodeVersion is used for new envelopes when no option overrides it.
const DefaultEncodeVersion = EncodeVersionCBC

// Header bytes shared by every version.
const (
	envelopeMarker = 'c'
	envelopeType   = 'E'

	// HeaderSize is the length of the unencoded header prefix.
	HeaderSize = 3

	// KeyIdentifierSize is the fixed width of a key identifier.
	KeyIdentifierSize = 4

	minBodySize = KeyIdentifierSize + IVSize + MACSize
)

// Valid reports whether v is a version this package can read and write.
func (v EncodeVersion) Valid() bool {
	switch v {
	case EncodeVersionLegacy, EncodeVersionCBC, EncodeVersionGCM:
		return true
	}
	return false
}

// Header returns the 3-character header for v.
func (v EncodeVersion) Header() string {
	return string([]byte{envelopeMarker, envelopeType, byte(v)})
}

func (v EncodeVersion) String() string {
	switch v {
	case EncodeVersionLegacy:
		return "legacy"
	case EncodeVersionCBC:
		return "cbc"
	case EncodeVersionGCM:
		return "gcm"
	}
	return fmt.Sprintf("unknown(%q)", byte(v))
}

// ParseEncodeVersion maps a configuration name ("legacy", "cbc", "gcm" or the digit) to a version.
func ParseEncodeVersion(s string) (EncodeVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cbc", "2", "v2":
		return EncodeVersionCBC, nil
	case "legacy", "1", "v1":
		return EncodeVersionLegacy, nil
	case "gcm", "3", "v3":
		return EncodeVersionGCM, nil
	}
	return 0, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeConfig, fmt.Sprintf("unknown encode version %q", s)))
}

// Envelope is the parsed form of an encrypted value.
type Envelope struct {
	Version       EncodeVersion
	KeyIdentifier string
	IV            []byte
	Ciphertext    []byte
	MAC           []byte
}

// macInput returns the byte ranges the MAC covers, in order.
func (e *Envelope) macInput() [][]byte {
	keyID := []byte(e.KeyIdentifier)
	if e.Version == EncodeVersionLegacy {
		return [][]byte{keyID, e.Ciphertext, e.IV}
	}
	return [][]byte{[]byte(e.Version.Header()), keyID, e.IV, e.Ciphertext}
}

// gcmAAD is the additional data bound into the GCM tag.
func (e *Envelope) gcmAAD() []byte {
	return []byte(e.Version.Header() + e.KeyIdentifier)
}

// HasEnvelopeHeader reports whether text starts with a header this package understands.
func HasEnvelopeHeader(text string) bool {
	if len(text) < HeaderSize {
		return false
	}
	return text[0] == envelopeMarker && text[1] == envelopeType && EncodeVersion(text[2]).Valid()
}

// ValidateKeyIdentifier checks the fixed-width printable ASCII form of a key identifier.
func ValidateKeyIdentifier(id string) error {
	if len(id) != KeyIdentifierSize {
		return fmt.Errorf("%w: %w", ErrMisconfiguredEngine,
			goerrors.New(ErrCodeConfig, fmt.Sprintf("key identifier must be %d ASCII characters, got %d bytes", KeyIdentifierSize, len(id))))
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeConfig, "key identifier must be printable ASCII"))
		}
	}
	return nil
}

// EncodeEnvelope serializes env to header + base64(body).
func EncodeEnvelope(env *Envelope) (string, error) {
	if env == nil || !env.Version.Valid() {
		return "", fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeConfig, "unsupported encode version"))
	}
	if err := ValidateKeyIdentifier(env.KeyIdentifier); err != nil {
		return "", err
	}
	if len(env.IV) != IVSize || len(env.MAC) != MACSize {
		return "", fmt.Errorf("%w: %w", ErrCrypto, goerrors.New(ErrCodeCipher, "envelope IV or MAC has the wrong length"))
	}

	body := getDynamicBuffer()
	defer func() { putDynamicBuffer(body) }()

	body = append(body, env.KeyIdentifier...)
	if env.Version == EncodeVersionLegacy {
		body = append(body, env.Ciphertext...)
		body = append(body, env.IV...)
	} else {
		body = append(body, env.IV...)
		body = append(body, env.Ciphertext...)
	}
	body = append(body, env.MAC...)

	return env.Version.Header() + base64.StdEncoding.EncodeToString(body), nil
}

// DecodeEnvelope parses text produced by EncodeEnvelope.
//
// Text without a known header yields ErrNotEnvelope. A known header with an
// undecodable or too short body yields ErrDataMalformed. Padded and unpadded
// base64 are both accepted, but only in canonical form: wrong padding, non-zero
// trailing bits and embedded line breaks are rejected.
func DecodeEnvelope(text string) (*Envelope, error) {
	if !HasEnvelopeHeader(text) {
		return nil, ErrNotEnvelope
	}
	version := EncodeVersion(text[2])

	body, err := decodeBody(text[HeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataMalformed, goerrors.Wrap(err, ErrCodeDataMalformed, "envelope body is not valid base64"))
	}
	if len(body) < minBodySize {
		return nil, fmt.Errorf("%w: %w", ErrDataMalformed,
			goerrors.New(ErrCodeDataMalformed, fmt.Sprintf("envelope body too short: %d bytes", len(body))))
	}

	env := &Envelope{Version: version, KeyIdentifier: string(body[:KeyIdentifierSize])}
	rest := body[KeyIdentifierSize : len(body)-MACSize]
	env.MAC = body[len(body)-MACSize:]
	if version == EncodeVersionLegacy {
		env.Ciphertext = rest[:len(rest)-IVSize]
		env.IV = rest[len(rest)-IVSize:]
	} else {
		env.IV = rest[:IVSize]
		env.Ciphertext = rest[IVSize:]
	}

	if err := checkCiphertextShape(version, env.Ciphertext); err != nil {
		return nil, err
	}
	for i := 0; i < KeyIdentifierSize; i++ {
		if c := env.KeyIdentifier[i]; c < 0x21 || c > 0x7e {
			return nil, fmt.Errorf("%w: %w", ErrDataMalformed, goerrors.New(ErrCodeDataMalformed, "key identifier is not printable ASCII"))
		}
	}
	return env, nil
}

// decodeBody decodes canonical std base64, padded or not. The decoder skips CR and LF
// even in strict mode, so they are rejected up front.
func decodeBody(encoded string) ([]byte, error) {
	if strings.ContainsAny(encoded, "\r\n") {
		return nil, errors.New("line breaks in envelope body")
	}
	enc := base64.RawStdEncoding.Strict()
	if strings.HasSuffix(encoded, "=") {
		enc = base64.StdEncoding.Strict()
	}
	return enc.DecodeString(encoded)
}

// checkCiphertextShape rejects ciphertexts no cipher of the version could have produced.
func checkCiphertextShape(version EncodeVersion, ct []byte) error {
	switch version {
	case EncodeVersionLegacy, EncodeVersionCBC:
		if len(ct) == 0 || len(ct)%IVSize != 0 {
			return fmt.Errorf("%w: %w", ErrDataMalformed,
				goerrors.New(ErrCodeDataMalformed, fmt.Sprintf("CBC ciphertext length %d is not a positive multiple of the block size", len(ct))))
		}
	case EncodeVersionGCM:
		if len(ct) < IVSize {
			return fmt.Errorf("%w: %w", ErrDataMalformed, goerrors.New(ErrCodeDataMalformed, "GCM ciphertext shorter than its tag"))
		}
	}
	return nil
}

// IsEncryptedByThisKeyIdentifier reports whether text is an envelope written under identifier.
// Only the header and the first body bytes are decoded.
func IsEncryptedByThisKeyIdentifier(text, identifier string) bool {
	if !HasEnvelopeHeader(text) || len(identifier) != KeyIdentifierSize {
		return false
	}
	// 8 base64 chars decode to 6 bytes, enough to cover the 4-byte identifier
	const prefixChars = 8
	encoded := text[HeaderSize:]
	if len(encoded) < prefixChars {
		return false
	}
	prefix, err := base64.RawStdEncoding.DecodeString(encoded[:prefixChars])
	if err != nil {
		return false
	}
	return string(prefix[:KeyIdentifierSize]) == identifier
}

// KeyIdentifierOf returns the key identifier of an envelope, or "" when text is not one.
func KeyIdentifierOf(text string) string {
	env, err := DecodeEnvelope(text)
	if err != nil {
		return ""
	}
	return env.KeyIdentifier
}
