// wrappedkey_test.go: Test cases for the hardware-wrapped key loader.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

type wrappedFixture struct {
	provider *mockKeystoreProvider
	blobs    *MemoryBlobStore
	events   *eventRecorder
	loader   *HardwareWrappedKeyLoader
}

func newWrappedFixture(t *testing.T, opts ...WrappedKeyOption) *wrappedFixture {
	t.Helper()
	f := &wrappedFixture{
		provider: newMockKeystoreProvider("mock"),
		blobs:    NewMemoryBlobStore(),
		events:   &eventRecorder{},
	}
	require.NoError(t, f.provider.Initialize(context.Background(), nil))
	opts = append([]WrappedKeyOption{WithWrappedKeyEvents(f.events.sink)}, opts...)
	loader, err := NewHardwareWrappedKeyLoader("storage", f.provider, f.blobs, opts...)
	require.NoError(t, err)
	f.loader = loader
	return f
}

func TestNewHardwareWrappedKeyLoader(t *testing.T) {
	provider := newMockKeystoreProvider("mock")
	blobs := NewMemoryBlobStore()

	loader, err := NewHardwareWrappedKeyLoader("", provider, blobs)
	require.NoError(t, err)
	assert.Equal(t, DefaultWrappedKeyAlias, loader.Alias())
	assert.Equal(t, KeyIdentifierWrapped, loader.KeyTypeIdentifier())

	loader, err = NewHardwareWrappedKeyLoader("storage", provider, blobs, WithWrappedKeyIdentifier("A002"))
	require.NoError(t, err)
	assert.Equal(t, "A002", loader.KeyTypeIdentifier())

	_, err = NewHardwareWrappedKeyLoader("storage", provider, blobs, WithWrappedKeyIdentifier("A2"))
	assert.ErrorIs(t, err, ErrMisconfiguredEngine)

	_, err = NewHardwareWrappedKeyLoader("storage", nil, blobs)
	assert.ErrorIs(t, err, ErrMisconfiguredEngine)

	_, err = NewHardwareWrappedKeyLoader("storage", provider, nil)
	assert.ErrorIs(t, err, ErrMisconfiguredEngine)
}

func TestHardwareWrappedKeyLoader_KeyNeverGenerates(t *testing.T) {
	f := newWrappedFixture(t)

	_, err := f.loader.Key()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.Zero(t, f.provider.count(KeystoreOpGenerate))
	assert.Empty(t, f.events.kinds())

	_, err = f.blobs.Load("storage")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestHardwareWrappedKeyLoader_FirstUse(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, KeySize)
	f := newWrappedFixture(t, withWrappedKeyRandom(bytes.NewReader(master)))

	key, err := f.loader.KeyOrGenerate()
	require.NoError(t, err)
	assert.Equal(t, master, key)
	assert.Equal(t, 1, f.provider.count(KeystoreOpGenerate))
	assert.Equal(t, []EventKind{EventKeyCreated}, f.events.kinds())
	assert.Equal(t, Thumbprint(master), f.events.events[0].Thumbprint)

	blob, err := f.blobs.Load("storage")
	require.NoError(t, err)
	assert.Equal(t, WrappedKeyBlobVersion, blob.Version)
	assert.Equal(t, KeyIdentifierWrapped, blob.KeyIdentifier)
	assert.NotEmpty(t, blob.KeyID)
	assert.False(t, blob.CreatedAt.IsZero())
	assert.False(t, bytes.Contains(blob.Wrapped, master), "blob must not carry the key in the clear")

	// later calls unwrap the stored key
	again, err := f.loader.Key()
	require.NoError(t, err)
	assert.Equal(t, master, again)

	again, err = f.loader.KeyOrGenerate()
	require.NoError(t, err)
	assert.Equal(t, master, again)
	assert.Equal(t, 1, f.provider.count(KeystoreOpGenerate))
	assert.Equal(t, 2, f.provider.count(KeystoreOpUnwrap))
}

func TestHardwareWrappedKeyLoader_ConcurrentFirstUse(t *testing.T) {
	f := newWrappedFixture(t)

	const workers = 16
	keys := make([][]byte, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = f.loader.KeyOrGenerate()
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0], keys[i], "all callers must converge on one key")
	}
	assert.Equal(t, 1, f.provider.count(KeystoreOpGenerate))
	assert.Equal(t, []EventKind{EventKeyCreated}, f.events.kinds())
}

func TestHardwareWrappedKeyLoader_ConcurrentFirstUseAcrossLoaders(t *testing.T) {
	f := newWrappedFixture(t)

	const workers = 8
	loaders := make([]*HardwareWrappedKeyLoader, workers)
	for i := range loaders {
		l, err := NewHardwareWrappedKeyLoader("storage", f.provider, f.blobs)
		require.NoError(t, err)
		loaders[i] = l
	}

	keys := make([][]byte, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = loaders[i].KeyOrGenerate()
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0], keys[i], "loaders sharing an alias must converge on one key")
	}
	assert.Equal(t, 1, f.provider.count(KeystoreOpGenerate))

	key, err := f.loader.Key()
	require.NoError(t, err)
	assert.Equal(t, keys[0], key)
}

func TestHardwareWrappedKeyLoader_WrappingKeyDeleted(t *testing.T) {
	f := newWrappedFixture(t)
	first, err := f.loader.KeyOrGenerate()
	require.NoError(t, err)

	require.NoError(t, f.provider.DeleteKey(context.Background(), "storage"))

	_, err = f.loader.Key()
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	// encrypt path starts over with a new key
	second, err := f.loader.KeyOrGenerate()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestHardwareWrappedKeyLoader_CorruptedBlob(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "{{{"},
		{"unknown version", "version: 7\nwrapped: AAAA\n"},
		{"empty wrapped", "version: 1\nalias: storage\n"},
		{"invalid base64", "version: 1\nwrapped: '!!!'\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWrappedFixture(t)
			_, err := f.loader.KeyOrGenerate()
			require.NoError(t, err)

			f.blobs.Put("storage", []byte(tt.data))

			_, err = f.loader.Key()
			assert.ErrorIs(t, err, ErrKeyUnavailable)
			assert.ErrorIs(t, err, ErrBlobCorrupted)

			// both pieces are gone
			_, err = f.blobs.Load("storage")
			assert.ErrorIs(t, err, ErrBlobNotFound)
			has, err := f.provider.HasKey(context.Background(), "storage")
			require.NoError(t, err)
			assert.False(t, has)
			assert.Equal(t, []EventKind{EventKeyCreated, EventKeyWiped}, f.events.kinds())

			// and the next encrypt regenerates
			_, err = f.loader.KeyOrGenerate()
			require.NoError(t, err)
			assert.Equal(t, 2, f.provider.count(KeystoreOpGenerate))
		})
	}
}

func TestHardwareWrappedKeyLoader_UnwrapRejected(t *testing.T) {
	f := newWrappedFixture(t)
	_, err := f.loader.KeyOrGenerate()
	require.NoError(t, err)

	blob, err := f.blobs.Load("storage")
	require.NoError(t, err)
	blob.Wrapped[len(blob.Wrapped)-1] ^= 0x01
	require.NoError(t, f.blobs.Save(blob))

	_, err = f.loader.Key()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.ErrorIs(t, err, ErrKeystoreUnwrapFailed)

	_, err = f.blobs.Load("storage")
	assert.ErrorIs(t, err, ErrBlobNotFound)
	assert.Equal(t, 1, f.provider.count(KeystoreOpDelete))
	assert.Equal(t, []EventKind{EventKeyCreated, EventKeyWiped}, f.events.kinds())
}

func TestHardwareWrappedKeyLoader_WrongKeySize(t *testing.T) {
	f := newWrappedFixture(t)
	_, err := f.loader.KeyOrGenerate()
	require.NoError(t, err)

	f.provider.unwrapHook = func(string, []byte) ([]byte, error) { return make([]byte, 16), nil }

	_, err = f.loader.Key()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.ErrorIs(t, err, ErrKeystoreUnwrapFailed)
	_, err = f.blobs.Load("storage")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestHardwareWrappedKeyLoader_TransientFailuresKeepKey(t *testing.T) {
	f := newWrappedFixture(t)
	key, err := f.loader.KeyOrGenerate()
	require.NoError(t, err)

	busy := errors.New("device busy")
	f.provider.unwrapHook = func(string, []byte) ([]byte, error) { return nil, busy }

	_, err = f.loader.Key()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.ErrorIs(t, err, busy)

	// KeyOrGenerate must not replace a key it merely failed to reach
	_, err = f.loader.KeyOrGenerate()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.Equal(t, 1, f.provider.count(KeystoreOpGenerate))

	f.provider.unwrapHook = nil
	f.provider.hasKeyHook = func(string) (bool, error) { return false, busy }
	_, err = f.loader.Key()
	assert.ErrorIs(t, err, busy)

	f.provider.hasKeyHook = nil
	again, err := f.loader.Key()
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Zero(t, f.provider.count(KeystoreOpDelete))
	assert.Equal(t, []EventKind{EventKeyCreated}, f.events.kinds())
}

func TestHardwareWrappedKeyLoader_ErrorsCarryNoKeyMaterial(t *testing.T) {
	master := bytes.Repeat([]byte{0x7e}, KeySize)
	f := newWrappedFixture(t, withWrappedKeyRandom(bytes.NewReader(master)))
	_, err := f.loader.KeyOrGenerate()
	require.NoError(t, err)

	f.blobs.Put("storage", []byte("{{{"))
	_, err = f.loader.Key()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage")
	assert.NotContains(t, err.Error(), KeyToBase64(master))
	assert.NotContains(t, err.Error(), KeyToHex(master))
}

func TestHardwareWrappedKeyLoader_WithSoftwareKeystore(t *testing.T) {
	ctx := context.Background()
	ksDir, blobDir := t.TempDir(), t.TempDir()

	ks := NewSoftwareKeystore()
	require.NoError(t, ks.Initialize(ctx, map[string]interface{}{"dir": ksDir}))
	blobs, err := NewFileBlobStore(blobDir)
	require.NoError(t, err)

	loader, err := NewHardwareWrappedKeyLoader("app-storage", ks, blobs)
	require.NoError(t, err)
	engine, err := NewEngine(NewStaticResolver(loader))
	require.NoError(t, err)

	stored, err := engine.Encrypt("refresh-token")
	require.NoError(t, err)
	assert.True(t, IsEncryptedByThisKeyIdentifier(stored, KeyIdentifierWrapped))

	// a new process sees the same key through the persisted pieces
	ks2 := NewSoftwareKeystore()
	require.NoError(t, ks2.Initialize(ctx, map[string]interface{}{"dir": ksDir}))
	loader2, err := NewHardwareWrappedKeyLoader("app-storage", ks2, blobs)
	require.NoError(t, err)
	engine2, err := NewEngine(NewStaticResolver(loader2))
	require.NoError(t, err)

	plain, err := engine2.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token", plain)

	// losing the wrapping key makes the value undecryptable, not malformed
	require.NoError(t, ks2.DeleteKey(ctx, "app-storage"))
	_, err = engine2.Decrypt(stored)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
