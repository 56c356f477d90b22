// wrappedkey.go: Hardware-wrapped key loader.
//
// The master key is generated locally, wrapped by a KeystoreProvider under a fixed alias,
// and only the wrapped blob is persisted. Every Key call re-reads the blob and unwraps it,
// so deletion or rotation of either piece is observed immediately.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultWrappedKeyAlias is the keystore alias used when none is configured.
const DefaultWrappedKeyAlias = "krypteia-storage-key"

// aliasLocks serializes key access per alias across every loader in the process, so two
// loaders sharing a keystore and blob store cannot both generate.
var aliasLocks sync.Map // alias -> *sync.Mutex

func lockAlias(alias string) func() {
	v, _ := aliasLocks.LoadOrStore(alias, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// HardwareWrappedKeyLoader loads a keystore-wrapped master key.
type HardwareWrappedKeyLoader struct {
	alias      string
	identifier string
	provider   KeystoreProvider
	blobs      KeyBlobStore
	timeout    time.Duration
	random     io.Reader
	logger     zerolog.Logger
	events     EventSink
}

// WrappedKeyOption configures a HardwareWrappedKeyLoader.
type WrappedKeyOption func(*HardwareWrappedKeyLoader)

// WithWrappedKeyIdentifier overrides KeyIdentifierWrapped.
func WithWrappedKeyIdentifier(id string) WrappedKeyOption {
	return func(l *HardwareWrappedKeyLoader) { l.identifier = id }
}

// WithKeystoreTimeout bounds each keystore call.
func WithKeystoreTimeout(d time.Duration) WrappedKeyOption {
	return func(l *HardwareWrappedKeyLoader) { l.timeout = d }
}

// WithWrappedKeyLogger sets the logger used for generation and wipe events.
func WithWrappedKeyLogger(logger zerolog.Logger) WrappedKeyOption {
	return func(l *HardwareWrappedKeyLoader) { l.logger = logger }
}

// WithWrappedKeyEvents sets the sink notified of key creation and wipes.
func WithWrappedKeyEvents(sink EventSink) WrappedKeyOption {
	return func(l *HardwareWrappedKeyLoader) { l.events = sink }
}

// withWrappedKeyRandom replaces the key generation source (tests).
func withWrappedKeyRandom(r io.Reader) WrappedKeyOption {
	return func(l *HardwareWrappedKeyLoader) { l.random = r }
}

// NewHardwareWrappedKeyLoader creates a loader for alias backed by provider and blobs.
//
// Example:
//
//	ks := krypteia.NewSoftwareKeystore()
//	_ = ks.Initialize(ctx, nil)
//	loader, err := krypteia.NewHardwareWrappedKeyLoader("app-storage", ks, krypteia.NewMemoryBlobStore())
func NewHardwareWrappedKeyLoader(alias string, provider KeystoreProvider, blobs KeyBlobStore, opts ...WrappedKeyOption) (*HardwareWrappedKeyLoader, error) {
	if alias == "" {
		alias = DefaultWrappedKeyAlias
	}
	if provider == nil || blobs == nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeConfig, "hardware-wrapped loader needs a keystore provider and a blob store"))
	}
	l := &HardwareWrappedKeyLoader{
		alias:      alias,
		identifier: KeyIdentifierWrapped,
		provider:   provider,
		blobs:      blobs,
		timeout:    DefaultKeystoreOperationTimeout,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := ValidateKeyIdentifier(l.identifier); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *HardwareWrappedKeyLoader) Alias() string { return l.alias }

func (l *HardwareWrappedKeyLoader) KeyTypeIdentifier() string { return l.identifier }

// Key returns the unwrapped master key. It never creates one: a missing blob or a missing
// wrapping key yields ErrKeyUnavailable. A blob the keystore rejects is wiped together with
// the wrapping key, and ErrKeyUnavailable is returned.
func (l *HardwareWrappedKeyLoader) Key() ([]byte, error) {
	defer lockAlias(l.alias)()
	return l.loadLocked()
}

// KeyOrGenerate returns the master key, generating and persisting one on first use.
// Concurrent first calls converge on a single key, also across loaders of the same alias.
func (l *HardwareWrappedKeyLoader) KeyOrGenerate() ([]byte, error) {
	defer lockAlias(l.alias)()

	key, err := l.loadLocked()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, errKeyAbsent) {
		return nil, err
	}
	return l.generateLocked()
}

// errKeyAbsent distinguishes "nothing stored yet" from corruption or keystore failure.
var errKeyAbsent = errors.New("krypteia: key not generated")

func (l *HardwareWrappedKeyLoader) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), l.timeout)
}

func (l *HardwareWrappedKeyLoader) loadLocked() ([]byte, error) {
	blob, err := l.blobs.Load(l.alias)
	switch {
	case errors.Is(err, ErrBlobNotFound):
		return nil, l.unavailable(errKeyAbsent, "no wrapped key stored")
	case errors.Is(err, ErrBlobCorrupted):
		l.wipeLocked(err)
		return nil, l.unavailable(fmt.Errorf("%w: %w", ErrKeyInvalid, err), "wrapped key blob corrupted")
	case err != nil:
		return nil, l.unavailable(err, "failed to read wrapped key blob")
	}

	ctx, cancel := l.ctx()
	defer cancel()

	has, err := l.provider.HasKey(ctx, l.alias)
	if err != nil {
		return nil, l.unavailable(err, "keystore unreachable")
	}
	if !has {
		return nil, l.unavailable(errKeyAbsent, "wrapping key missing from keystore")
	}

	key, err := l.provider.UnwrapKey(ctx, l.alias, blob.Wrapped)
	if err != nil && !errors.Is(err, ErrKeystoreUnwrapFailed) {
		// transient: keep both pieces
		return nil, l.unavailable(err, "keystore failed to unwrap key")
	}
	if err == nil && len(key) != KeySize {
		Zeroize(key)
		err = fmt.Errorf("%w: unwrapped key has the wrong size", ErrKeystoreUnwrapFailed)
	}
	if err != nil {
		l.wipeLocked(err)
		return nil, l.unavailable(fmt.Errorf("%w: %w", ErrKeyInvalid, err), "wrapped key rejected by keystore")
	}
	return key, nil
}

func (l *HardwareWrappedKeyLoader) generateLocked() ([]byte, error) {
	ctx, cancel := l.ctx()
	defer cancel()

	// a fresh wrapping key per generated master key: stale blobs can never unwrap again
	if err := l.provider.GenerateWrappingKey(ctx, l.alias); err != nil {
		return nil, l.unavailable(err, "failed to generate wrapping key")
	}

	r := l.random
	if r == nil {
		r = rand.Reader
	}
	key, err := generateKeyFrom(r)
	if err != nil {
		return nil, err
	}
	return l.persistLocked(ctx, key)
}

func (l *HardwareWrappedKeyLoader) persistLocked(ctx context.Context, key []byte) ([]byte, error) {
	wrapped, err := l.provider.WrapKey(ctx, l.alias, key)
	if err != nil {
		Zeroize(key)
		return nil, l.unavailable(err, "failed to wrap key")
	}
	blob := &WrappedKeyBlob{
		Version:       WrappedKeyBlobVersion,
		Alias:         l.alias,
		KeyID:         uuid.NewString(),
		KeyIdentifier: l.identifier,
		Wrapped:       wrapped,
		CreatedAt:     timecache.CachedTime().UTC(),
	}
	if err := l.blobs.Save(blob); err != nil {
		Zeroize(key)
		return nil, l.unavailable(err, "failed to persist wrapped key")
	}

	thumb := Thumbprint(key)
	l.logger.Info().
		Str("alias", l.alias).
		Str("key_identifier", l.identifier).
		Str("key_id", blob.KeyID).
		Str("thumbprint", thumb).
		Msg("generated new wrapped storage key")
	emit(l.events, Event{Kind: EventKeyCreated, Alias: l.alias, KeyIdentifier: l.identifier, Thumbprint: thumb})
	return key, nil
}

// wipeLocked removes both the blob and the wrapping key so the next KeyOrGenerate starts clean.
func (l *HardwareWrappedKeyLoader) wipeLocked(cause error) {
	ctx, cancel := l.ctx()
	defer cancel()

	blobErr := l.blobs.Delete(l.alias)
	keyErr := l.provider.DeleteKey(ctx, l.alias)

	l.logger.Warn().
		Err(cause).
		Str("alias", l.alias).
		Str("key_identifier", l.identifier).
		AnErr("blob_delete_error", blobErr).
		AnErr("keystore_delete_error", keyErr).
		Msg("wiped unusable wrapped storage key")
	emit(l.events, Event{Kind: EventKeyWiped, Alias: l.alias, KeyIdentifier: l.identifier, Err: cause})
}

func (l *HardwareWrappedKeyLoader) unavailable(cause error, msg string) error {
	return fmt.Errorf("%w: %w: %w", ErrKeyUnavailable, goerrors.New(ErrCodeKeyUnavailable, fmt.Sprintf("%s: %s", l.alias, msg)), cause)
}
