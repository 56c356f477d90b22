// keystore_close_test.go: Test cases for KeystoreManager.Close
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKeystoreManager_CloseOperation validates keystore manager close functionality
func TestKeystoreManager_CloseOperation(t *testing.T) {
	t.Run("Close_SucceedsWithMultipleProviders", func(t *testing.T) {
		manager := NewKeystoreManager(nil, nil)

		provider1 := newMockKeystoreProvider("provider1")
		provider2 := newMockKeystoreProvider("provider2")
		provider3 := newMockKeystoreProvider("provider3")

		require.NoError(t, manager.RegisterProvider("provider1", provider1))
		require.NoError(t, manager.RegisterProvider("provider2", provider2))
		require.NoError(t, manager.RegisterProvider("provider3", provider3))

		err := manager.Close()
		assert.NoError(t, err, "Close must succeed when all providers close successfully")

		for _, p := range []*mockKeystoreProvider{provider1, provider2, provider3} {
			assert.True(t, p.closeCalled, "%s Close() must be called", p.name)
			assert.False(t, p.initialized, "%s must be uninitialized after close", p.name)
		}
		assert.Empty(t, manager.Providers())

		_, err = manager.GetProvider("")
		assert.ErrorIs(t, err, ErrKeystoreProviderNotFound, "no default provider may survive Close")
	})

	t.Run("Close_HandlesProviderFailures", func(t *testing.T) {
		manager := NewKeystoreManager(nil, nil)

		providerSuccess := newMockKeystoreProvider("success")
		providerFail1 := newMockKeystoreProvider("fail1")
		providerFail2 := newMockKeystoreProvider("fail2")

		require.NoError(t, manager.RegisterProvider("success", providerSuccess))
		require.NoError(t, manager.RegisterProvider("fail1", providerFail1))
		require.NoError(t, manager.RegisterProvider("fail2", providerFail2))

		// fail on close only: registration already happened
		providerFail1.shouldFail = true
		providerFail2.shouldFail = true

		err := manager.Close()
		require.Error(t, err, "Close must return error when some providers fail to close")

		assert.True(t, providerSuccess.closeCalled)
		assert.True(t, providerFail1.closeCalled, "a failing provider must not stop the others from closing")
		assert.True(t, providerFail2.closeCalled)

		assert.Contains(t, err.Error(), "fail1")
		assert.Contains(t, err.Error(), "fail2")
		assert.NotContains(t, err.Error(), "keystore provider success")
	})

	t.Run("Close_EmptyManager", func(t *testing.T) {
		manager := NewKeystoreManager(nil, nil)
		assert.NoError(t, manager.Close(), "Close must succeed on an empty keystore manager")
	})

	t.Run("Close_AllowsReregistration", func(t *testing.T) {
		manager := NewKeystoreManager(nil, nil)
		require.NoError(t, manager.RegisterProvider("software", NewSoftwareKeystore()))
		require.NoError(t, manager.Close())

		assert.NoError(t, manager.RegisterProvider("software", NewSoftwareKeystore()))
		provider, err := manager.GetProvider("")
		require.NoError(t, err)
		assert.True(t, provider.IsHealthy())
	})
}
