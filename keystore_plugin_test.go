// keystore_plugin_test.go: Test cases for plugin-backed keystore providers.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	goplugins "github.com/agilira/go-plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPluginFixture serves an in-memory software keystore as the plugin "vault".
func newPluginFixture(t *testing.T) (*SoftwareKeystore, *KeystorePluginManager) {
	t.Helper()
	sw := NewSoftwareKeystore()
	require.NoError(t, sw.Initialize(context.Background(), nil))

	plugins := goplugins.NewManager[KeystoreRequest, KeystoreResponse](slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, plugins.Register(NewKeystorePlugin("vault", sw)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = plugins.Shutdown(ctx)
	})
	return sw, plugins
}

func TestPluginKeystoreProvider_Initialize(t *testing.T) {
	_, plugins := newPluginFixture(t)
	ctx := context.Background()

	p := NewPluginKeystoreProvider("hsm", plugins)
	assert.Equal(t, "hsm", p.Name())
	assert.False(t, p.IsHealthy())
	_, err := p.HasKey(ctx, "storage")
	assert.ErrorIs(t, err, ErrKeystoreNotInitialized)

	err = p.Initialize(ctx, nil)
	assert.ErrorIs(t, err, ErrKeystoreProviderNotFound, "no plugin called hsm")

	require.NoError(t, p.Initialize(ctx, map[string]interface{}{"plugin": "vault"}))
	assert.True(t, p.IsHealthy())

	require.NoError(t, p.Close())
	assert.False(t, p.IsHealthy())

	err = NewPluginKeystoreProvider("vault", nil).Initialize(ctx, nil)
	assert.ErrorIs(t, err, ErrKeystoreNotInitialized)
}

func TestPluginKeystoreProvider_Operations(t *testing.T) {
	sw, plugins := newPluginFixture(t)
	ctx := context.Background()
	p := NewPluginKeystoreProvider("vault", plugins)
	require.NoError(t, p.Initialize(ctx, nil))

	has, err := p.HasKey(ctx, "storage")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, p.GenerateWrappingKey(ctx, "storage"))
	has, err = p.HasKey(ctx, "storage")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = sw.HasKey(ctx, "storage")
	require.NoError(t, err)
	assert.True(t, has, "the wrapping key lives behind the plugin")

	master := bytes.Repeat([]byte{0x42}, KeySize)
	wrapped, err := p.WrapKey(ctx, "storage", master)
	require.NoError(t, err)
	assert.NotEqual(t, master, wrapped)

	key, err := p.UnwrapKey(ctx, "storage", wrapped)
	require.NoError(t, err)
	assert.Equal(t, master, key)

	direct, err := sw.UnwrapKey(ctx, "storage", wrapped)
	require.NoError(t, err)
	assert.Equal(t, master, direct)

	require.NoError(t, p.DeleteKey(ctx, "storage"))
	has, err = p.HasKey(ctx, "storage")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPluginKeystoreProvider_ErrorsKeepTheirCode(t *testing.T) {
	_, plugins := newPluginFixture(t)
	ctx := context.Background()
	p := NewPluginKeystoreProvider("vault", plugins)
	require.NoError(t, p.Initialize(ctx, nil))

	_, err := p.WrapKey(ctx, "missing", make([]byte, KeySize))
	assert.ErrorIs(t, err, ErrKeystoreKeyNotFound)

	require.NoError(t, p.GenerateWrappingKey(ctx, "storage"))
	_, err = p.UnwrapKey(ctx, "storage", make([]byte, 48))
	assert.ErrorIs(t, err, ErrKeystoreUnwrapFailed)

	err = p.GenerateWrappingKey(ctx, "bad alias!")
	assert.ErrorIs(t, err, ErrKeystoreOperationFailed)
	assert.Contains(t, err.Error(), "vault")
}

func TestPluginKeystoreProvider_ManagerShutDown(t *testing.T) {
	_, plugins := newPluginFixture(t)
	ctx := context.Background()
	p := NewPluginKeystoreProvider("vault", plugins)
	require.NoError(t, p.Initialize(ctx, nil))

	require.NoError(t, plugins.Shutdown(ctx))
	_, err := p.HasKey(ctx, "storage")
	assert.ErrorIs(t, err, ErrKeystoreOperationFailed)
}

func TestKeystorePlugin(t *testing.T) {
	sw := NewSoftwareKeystore()
	plugin := NewKeystorePlugin("vault", sw)
	ctx := context.Background()

	info := plugin.Info()
	assert.Equal(t, "vault", info.Name)
	assert.Contains(t, info.Capabilities, KeystoreOpUnwrap)
	assert.Equal(t, goplugins.StatusUnhealthy, plugin.Health(ctx).Status)

	resp, err := plugin.Execute(ctx, goplugins.ExecutionContext{}, KeystoreRequest{Operation: KeystoreOpHasKey, Alias: "storage"})
	require.NoError(t, err, "keystore failures travel in the response")
	assert.False(t, resp.Success)
	assert.Equal(t, string(ErrKeystoreNotInitialized.Code), resp.Code)

	require.NoError(t, sw.Initialize(ctx, nil))
	assert.Equal(t, goplugins.StatusHealthy, plugin.Health(ctx).Status)

	resp, err = plugin.Execute(ctx, goplugins.ExecutionContext{}, KeystoreRequest{Operation: "rotate", Alias: "storage"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, string(ErrKeystoreOperationFailed.Code), resp.Code)
	assert.Contains(t, resp.Error, "rotate")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = plugin.Execute(canceled, goplugins.ExecutionContext{}, KeystoreRequest{Operation: KeystoreOpGenerate, Alias: "storage"})
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, plugin.Close())
	assert.True(t, sw.IsHealthy(), "closing the plugin leaves the provider open")
}

func TestHardwareWrappedKeyLoader_ThroughPlugin(t *testing.T) {
	sw, plugins := newPluginFixture(t)
	ctx := context.Background()
	provider := NewPluginKeystoreProvider("vault", plugins)
	require.NoError(t, provider.Initialize(ctx, nil))

	blobs := NewMemoryBlobStore()
	events := &eventRecorder{}
	loader, err := NewHardwareWrappedKeyLoader("plugin-storage", provider, blobs, WithWrappedKeyEvents(events.sink))
	require.NoError(t, err)

	key, err := loader.KeyOrGenerate()
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	again, err := loader.Key()
	require.NoError(t, err)
	assert.Equal(t, key, again)

	has, err := sw.HasKey(ctx, "plugin-storage")
	require.NoError(t, err)
	assert.True(t, has)

	// a blob the keystore rejects is wiped on both sides, as with a local provider
	blob, err := blobs.Load("plugin-storage")
	require.NoError(t, err)
	tampered := *blob
	tampered.Wrapped = append([]byte(nil), blob.Wrapped...)
	tampered.Wrapped[len(tampered.Wrapped)-1] ^= 0x01
	require.NoError(t, blobs.Save(&tampered))

	_, err = loader.Key()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.ErrorIs(t, err, ErrKeystoreUnwrapFailed)

	has, err = sw.HasKey(ctx, "plugin-storage")
	require.NoError(t, err)
	assert.False(t, has)
	_, err = blobs.Load("plugin-storage")
	assert.ErrorIs(t, err, ErrBlobNotFound)
	assert.Equal(t, []EventKind{EventKeyCreated, EventKeyWiped}, events.kinds())
}
