// engine.go: Storage encryption engine with multi-key decrypt fallback.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"errors"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
	"github.com/rs/zerolog"
)

// StringEncrypter encrypts values before they are written to storage.
type StringEncrypter interface {
	Encrypt(plaintext string) (string, error)
}

// StringDecrypter decrypts values read from storage. Values that are not envelopes
// are returned unchanged.
type StringDecrypter interface {
	Decrypt(text string) (string, error)
}

// Engine encrypts and decrypts storage values. It holds no key material and is safe
// for concurrent use; keys are loaded per operation and wiped afterwards.
type Engine struct {
	resolver KeyResolver
	version  EncodeVersion
	random   io.Reader
	logger   zerolog.Logger
	metrics  *Metrics
	failures *failureReporter
}

// Option configures an Engine.
type Option func(*Engine)

// WithEncodeVersion selects the envelope version written by Encrypt.
// Decrypt always accepts every supported version.
func WithEncodeVersion(v EncodeVersion) Option {
	return func(e *Engine) { e.version = v }
}

// WithRandom replaces the IV source. Tests use it to pin golden vectors.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.random = r }
}

// WithLogger sets the structured logger. Only aliases, identifiers and thumbprints are logged.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEventSink reports decryption failures to sink, once per alias and key identifier
// until that alias decrypts successfully again.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.failures = newFailureReporter(sink) }
}

// NewEngine creates an engine over resolver.
//
// Example:
//
//	loader, _ := krypteia.NewRawImportedKeyLoader("app", krypteia.KeyIdentifierRaw, key)
//	engine, err := krypteia.NewEngine(krypteia.NewStaticResolver(loader))
//	if err != nil {
//		log.Fatal(err)
//	}
//	stored, _ := engine.Encrypt("refresh-token")
//	plain, _ := engine.Decrypt(stored)
func NewEngine(resolver KeyResolver, opts ...Option) (*Engine, error) {
	if resolver == nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeMisconfigured, "key resolver cannot be nil"))
	}
	e := &Engine{
		resolver: resolver,
		version:  DefaultEncodeVersion,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.version.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeMisconfigured, fmt.Sprintf("unsupported encode version %s", e.version)))
	}
	return e, nil
}

// EncodeVersion returns the version new envelopes are written with.
func (e *Engine) EncodeVersion() EncodeVersion { return e.version }

// Encrypt encrypts plaintext into an envelope string.
func (e *Engine) Encrypt(plaintext string) (string, error) {
	return e.EncryptBytes([]byte(plaintext))
}

// EncryptBytes encrypts plaintext into an envelope string.
func (e *Engine) EncryptBytes(plaintext []byte) (string, error) {
	out, err := e.encrypt(plaintext)
	if err != nil {
		e.metrics.recordOperation("encrypt", e.version, resultError)
		return "", err
	}
	e.metrics.recordOperation("encrypt", e.version, resultOK)
	return out, nil
}

func (e *Engine) encrypt(plaintext []byte) (string, error) {
	loader, err := e.resolver.EncryptionLoader()
	if err != nil {
		return "", err
	}
	identifier := loader.KeyTypeIdentifier()
	if err := ValidateKeyIdentifier(identifier); err != nil {
		return "", err
	}

	var key []byte
	if gen, ok := loader.(KeyGenerator); ok {
		key, err = gen.KeyOrGenerate()
	} else {
		key, err = loader.Key()
	}
	if err != nil {
		e.logger.Error().Err(err).Str("alias", loader.Alias()).Str("key_identifier", identifier).Msg("encryption key unavailable")
		return "", fmt.Errorf("encrypt with %s: %w", loader.Alias(), err)
	}
	defer Zeroize(key)
	if err := ValidateKey(key); err != nil {
		return "", fmt.Errorf("encrypt with %s: %w: %w", loader.Alias(), ErrKeyUnavailable, err)
	}

	iv, err := GenerateIV(e.random)
	if err != nil {
		return "", err
	}
	env, err := seal(e.version, key, identifier, iv, plaintext)
	if err != nil {
		return "", err
	}
	return EncodeEnvelope(env)
}

// seal builds a complete envelope for plaintext under master.
func seal(version EncodeVersion, master []byte, identifier string, iv, plaintext []byte) (*Envelope, error) {
	env := &Envelope{Version: version, KeyIdentifier: identifier, IV: iv}

	if version == EncodeVersionLegacy {
		ct, err := encryptCBC(master, iv, plaintext)
		if err != nil {
			return nil, err
		}
		env.Ciphertext = ct
		macKey := legacyMACKey(master)
		defer putKeyBuffer(macKey)
		env.MAC = computeMAC(*macKey, env.macInput()...)
		return env, nil
	}

	pair, err := DeriveKeyPair(master, iv)
	if err != nil {
		return nil, err
	}
	defer pair.Destroy()

	var ct []byte
	switch version {
	case EncodeVersionCBC:
		ct, err = encryptCBC(pair.EncryptionKey, iv, plaintext)
	case EncodeVersionGCM:
		ct, err = sealGCM(pair.EncryptionKey, iv, plaintext, env.gcmAAD())
	default:
		err = fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeMisconfigured, "unsupported encode version"))
	}
	if err != nil {
		return nil, err
	}
	env.Ciphertext = ct
	env.MAC = computeMAC(pair.MACKey, env.macInput()...)
	return env, nil
}

// open verifies and decrypts env under master. The MAC is checked, in constant time,
// before any decryption.
func open(env *Envelope, master []byte) ([]byte, error) {
	if env.Version == EncodeVersionLegacy {
		macKey := legacyMACKey(master)
		ok := verifyMAC(*macKey, env.MAC, env.macInput()...)
		putKeyBuffer(macKey)
		if !ok {
			return nil, ErrIntegrityCheckFailed
		}
		return decryptCBC(master, env.IV, env.Ciphertext)
	}

	pair, err := DeriveKeyPair(master, env.IV)
	if err != nil {
		return nil, err
	}
	defer pair.Destroy()

	if !verifyMAC(pair.MACKey, env.MAC, env.macInput()...) {
		return nil, ErrIntegrityCheckFailed
	}
	switch env.Version {
	case EncodeVersionCBC:
		return decryptCBC(pair.EncryptionKey, env.IV, env.Ciphertext)
	case EncodeVersionGCM:
		return openGCM(pair.EncryptionKey, env.IV, env.Ciphertext, env.gcmAAD())
	}
	return nil, fmt.Errorf("%w: %w", ErrDataMalformed, goerrors.New(ErrCodeDataMalformed, "unsupported encode version"))
}

// Decrypt returns the plaintext of an envelope. Input without a known header is returned
// unchanged so values written before encryption was enabled stay readable.
func (e *Engine) Decrypt(text string) (string, error) {
	plain, passthrough, err := e.decrypt(text)
	if err != nil {
		return "", err
	}
	if passthrough {
		return text, nil
	}
	defer Zeroize(plain)
	return string(plain), nil
}

// DecryptBytes is Decrypt returning bytes the caller owns.
func (e *Engine) DecryptBytes(text string) ([]byte, error) {
	plain, passthrough, err := e.decrypt(text)
	if err != nil {
		return nil, err
	}
	if passthrough {
		return []byte(text), nil
	}
	return plain, nil
}

// attempt is the outcome of trying one candidate loader.
type attempt struct {
	plaintext []byte
	failure   *CandidateFailure
}

func (e *Engine) decrypt(text string) ([]byte, bool, error) {
	env, err := DecodeEnvelope(text)
	if errors.Is(err, ErrNotEnvelope) {
		e.metrics.recordPassthrough()
		e.logger.Debug().Int("length", len(text)).Msg("value is not an envelope, returning unchanged")
		return nil, true, nil
	}
	if err != nil {
		e.metrics.recordOperation("decrypt", EncodeVersion(text[2]), resultMalformed)
		e.logger.Warn().Err(err).Msg("malformed envelope")
		return nil, false, err
	}

	plain, err := e.decryptEnvelope(env)
	if err != nil {
		e.metrics.recordOperation("decrypt", env.Version, resultError)
		return nil, false, err
	}
	e.metrics.recordOperation("decrypt", env.Version, resultOK)
	return plain, false, nil
}

func (e *Engine) decryptEnvelope(env *Envelope) ([]byte, error) {
	candidates, err := e.resolver.DecryptionLoaders(env.KeyIdentifier)
	if err != nil {
		return nil, err
	}

	derr := &DecryptionError{KeyIdentifier: env.KeyIdentifier}
	if len(candidates) == 0 {
		f := CandidateFailure{Thumbprint: ThumbprintNoLoader, Err: ErrNoMatchingKeyLoader}
		derr.Failures = append(derr.Failures, f)
		e.metrics.recordCandidateFailure(f.Err)
		e.reportFailure(env, f)
		e.logger.Warn().Str("key_identifier", env.KeyIdentifier).Msg("no key loader matches envelope key identifier")
		return nil, derr
	}

	for _, loader := range candidates {
		res := e.try(loader, env)
		if res.failure == nil {
			e.failures.resolved(loader.Alias(), env.KeyIdentifier)
			if len(derr.Failures) > 0 {
				e.metrics.recordFallback()
				e.logger.Info().
					Str("alias", loader.Alias()).
					Str("key_identifier", env.KeyIdentifier).
					Int("rejected_candidates", len(derr.Failures)).
					Msg("decrypted with fallback key")
			}
			return res.plaintext, nil
		}
		derr.Failures = append(derr.Failures, *res.failure)
		e.metrics.recordCandidateFailure(res.failure.Err)
		e.logger.Debug().
			Err(res.failure.Err).
			Str("alias", res.failure.Alias).
			Str("thumbprint", res.failure.Thumbprint).
			Str("key_identifier", env.KeyIdentifier).
			Msg("decrypt candidate rejected")
	}

	for _, f := range derr.Failures {
		e.reportFailure(env, f)
	}
	e.logger.Warn().
		Str("key_identifier", env.KeyIdentifier).
		Str("encode_version", env.Version.String()).
		Int("candidates", len(candidates)).
		Msg("no candidate key could decrypt envelope")
	return nil, derr
}

func (e *Engine) try(loader KeyLoader, env *Envelope) attempt {
	key, err := loader.Key()
	if err != nil {
		if !errors.Is(err, ErrKeyUnavailable) {
			err = fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
		}
		return attempt{failure: &CandidateFailure{Alias: loader.Alias(), Thumbprint: ThumbprintUnavailable, Err: err}}
	}
	defer Zeroize(key)

	thumb := Thumbprint(key)
	if err := ValidateKey(key); err != nil {
		return attempt{failure: &CandidateFailure{Alias: loader.Alias(), Thumbprint: thumb, Err: fmt.Errorf("%w: %w", ErrKeyUnavailable, err)}}
	}
	plain, err := open(env, key)
	if err != nil {
		return attempt{failure: &CandidateFailure{Alias: loader.Alias(), Thumbprint: thumb, Err: err}}
	}
	return attempt{plaintext: plain}
}

func (e *Engine) reportFailure(env *Envelope, f CandidateFailure) {
	e.failures.report(Event{
		Kind:          EventDecryptionFailed,
		Alias:         f.Alias,
		KeyIdentifier: env.KeyIdentifier,
		Thumbprint:    f.Thumbprint,
		Err:           f.Err,
	})
}
