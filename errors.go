// errors.go: Error taxonomy for the storage encryption engine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"errors"
	"fmt"
	"strings"
)

// Public standard errors.
// These errors can be used with errors.Is() for error checking.
var (
	// ErrKeyUnavailable is returned when a key loader cannot produce its key
	// (deleted, not yet generated, keystore unreachable, corrupted blob).
	ErrKeyUnavailable = errors.New("krypteia: key unavailable")

	// ErrDataMalformed is returned when an envelope carries a known header
	// but the body cannot be parsed (bad base64, truncated).
	ErrDataMalformed = errors.New("krypteia: data malformed")

	// ErrIntegrityCheckFailed is returned when the MAC does not verify under a candidate key.
	ErrIntegrityCheckFailed = errors.New("krypteia: integrity check failed")

	// ErrDecryptionFailed is returned when no candidate key could decrypt an envelope.
	ErrDecryptionFailed = errors.New("krypteia: decryption failed")

	// ErrMisconfiguredEngine is returned when the engine has no key loader to work with.
	ErrMisconfiguredEngine = errors.New("krypteia: engine misconfigured")

	// ErrKeyInvalid is returned for keys or derivation inputs of the wrong shape.
	ErrKeyInvalid = errors.New("krypteia: invalid key")

	// ErrCrypto is returned when an underlying cipher primitive fails.
	ErrCrypto = errors.New("krypteia: cryptographic operation failed")

	// ErrNotEnvelope marks input that does not carry one of our headers.
	// The engine never returns it: such input is passed through unchanged.
	ErrNotEnvelope = errors.New("krypteia: not an envelope")

	// ErrNoMatchingKeyLoader is recorded when loaders exist but none claims the
	// envelope's key identifier.
	ErrNoMatchingKeyLoader = errors.New("krypteia: no key loader for identifier")
)

// Error codes for rich error handling
const (
	ErrCodeKeyUnavailable   = "KRYPTEIA_KEY_UNAVAILABLE"
	ErrCodeDataMalformed    = "KRYPTEIA_DATA_MALFORMED"
	ErrCodeIntegrity        = "KRYPTEIA_INTEGRITY"
	ErrCodeDecryptionFailed = "KRYPTEIA_DECRYPTION_FAILED"
	ErrCodeMisconfigured    = "KRYPTEIA_MISCONFIGURED"
	ErrCodeInvalidKey       = "KRYPTEIA_INVALID_KEY"
	ErrCodeCipher           = "KRYPTEIA_CIPHER"
	ErrCodeRandom           = "KRYPTEIA_RANDOM"
	ErrCodeKeystore         = "KRYPTEIA_KEYSTORE"
	ErrCodeBlobStore        = "KRYPTEIA_BLOB_STORE"
	ErrCodeConfig           = "KRYPTEIA_CONFIG"
	ErrCodeReencrypt        = "KRYPTEIA_REENCRYPT"
)

// CandidateFailure records why one candidate key loader could not decrypt an envelope.
// Only the alias and the key thumbprint are kept; never key bytes.
type CandidateFailure struct {
	Alias      string
	Thumbprint string
	Err        error
}

// Error implements error.
func (f CandidateFailure) Error() string {
	return fmt.Sprintf("%s (%s): %v", f.Alias, f.Thumbprint, f.Err)
}

// Unwrap returns the underlying cause.
func (f CandidateFailure) Unwrap() error { return f.Err }

// DecryptionError is returned by Decrypt when every candidate failed.
// It matches ErrDecryptionFailed and, through Unwrap, each candidate's cause.
type DecryptionError struct {
	KeyIdentifier string
	Failures      []CandidateFailure
}

func (e *DecryptionError) Error() string {
	var b strings.Builder
	b.WriteString(ErrDecryptionFailed.Error())
	if e.KeyIdentifier != "" {
		b.WriteString(" for key identifier ")
		b.WriteString(e.KeyIdentifier)
	}
	if len(e.Failures) > 0 {
		b.WriteString(": ")
		for i, f := range e.Failures {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(f.Error())
		}
	}
	return b.String()
}

// Is reports whether target is ErrDecryptionFailed.
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryptionFailed
}

// Unwrap exposes every candidate failure to errors.Is and errors.As.
func (e *DecryptionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
