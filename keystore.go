// keystore.go: Keystore provider interface for hardware-backed key wrapping
//
// A keystore custodies wrapping keys that never leave it: the engine hands it a locally
// generated master key to wrap, persists only the wrapped blob, and asks the keystore to
// unwrap it on every use. Providers (OS keychains, TPM/secure enclave bridges, cloud KMS)
// are go-plugins plugins reached through PluginKeystoreProvider; SoftwareKeystore is the
// in-process fallback.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	goplugins "github.com/agilira/go-plugins"
)

// KeystoreProvider defines the interface that all keystore plugins must implement.
//
// Implementations must be safe for concurrent use. Wrapping keys are addressed by alias.
type KeystoreProvider interface {
	// Provider information
	Name() string

	// Lifecycle management
	Initialize(ctx context.Context, config map[string]interface{}) error
	Close() error
	IsHealthy() bool

	// Wrapping key management
	HasKey(ctx context.Context, alias string) (bool, error)
	GenerateWrappingKey(ctx context.Context, alias string) error
	DeleteKey(ctx context.Context, alias string) error

	// Key wrapping
	WrapKey(ctx context.Context, alias string, key []byte) ([]byte, error)
	UnwrapKey(ctx context.Context, alias string, wrapped []byte) ([]byte, error)
}

// KeystoreRequest represents a request to an out-of-process keystore plugin
type KeystoreRequest struct {
	Operation string `json:"operation"` // has_key, generate, wrap, unwrap, delete
	Alias     string `json:"alias"`
	Data      []byte `json:"data"`
}

// KeystoreResponse represents a response from an out-of-process keystore plugin
type KeystoreResponse struct {
	Success bool   `json:"success"`
	Data    []byte `json:"data"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"` // keystore error code when Success is false
}

// Keystore operations carried in KeystoreRequest.Operation
const (
	KeystoreOpHasKey   = "has_key"
	KeystoreOpGenerate = "generate"
	KeystoreOpWrap     = "wrap"
	KeystoreOpUnwrap   = "unwrap"
	KeystoreOpDelete   = "delete"
)

// Common keystore errors with error codes for auditing
var (
	ErrKeystoreNotInitialized    = goerrors.New("KEYSTORE_001", "keystore provider not initialized")
	ErrKeystoreKeyNotFound       = goerrors.New("KEYSTORE_002", "wrapping key not found in keystore")
	ErrKeystoreOperationFailed   = goerrors.New("KEYSTORE_003", "keystore operation failed")
	ErrKeystoreProviderNotFound  = goerrors.New("KEYSTORE_004", "keystore provider not found")
	ErrKeystoreHealthCheckFailed = goerrors.New("KEYSTORE_005", "keystore health check failed")
	ErrKeystoreUnwrapFailed      = goerrors.New("KEYSTORE_006", "wrapped key rejected by keystore")
)

// KeystoreManagerConfig provides configuration for the keystore manager
type KeystoreManagerConfig struct {
	DefaultProvider  string                            `yaml:"default_provider"`
	ProviderConfigs  map[string]map[string]interface{} `yaml:"provider_configs"`
	OperationTimeout time.Duration                     `yaml:"operation_timeout"`
}

// KeystoreManager manages the keystore providers available to hardware-wrapped loaders
type KeystoreManager struct {
	mu              sync.RWMutex
	pluginManager   *goplugins.Manager[KeystoreRequest, KeystoreResponse] // out-of-process providers, may be nil
	activeProviders map[string]KeystoreProvider
	defaultProvider string
	config          *KeystoreManagerConfig
}

// DefaultKeystoreOperationTimeout bounds each keystore call made by a key loader.
const DefaultKeystoreOperationTimeout = 10 * time.Second

// NewKeystoreManager creates a keystore manager. pluginManager may be nil when only
// in-process providers are registered.
func NewKeystoreManager(config *KeystoreManagerConfig, pluginManager *goplugins.Manager[KeystoreRequest, KeystoreResponse]) *KeystoreManager {
	if config == nil {
		config = &KeystoreManagerConfig{}
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultKeystoreOperationTimeout
	}
	return &KeystoreManager{
		pluginManager:   pluginManager,
		activeProviders: make(map[string]KeystoreProvider),
		config:          config,
	}
}

// PluginManager returns the plugin manager used for out-of-process providers, or nil.
func (m *KeystoreManager) PluginManager() *goplugins.Manager[KeystoreRequest, KeystoreResponse] {
	return m.pluginManager
}

// OperationTimeout returns the per-call timeout applied to keystore operations.
func (m *KeystoreManager) OperationTimeout() time.Duration {
	return m.config.OperationTimeout
}

// RegisterProvider initializes provider and makes it available under name
func (m *KeystoreManager) RegisterProvider(name string, provider KeystoreProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if provider == nil {
		return fmt.Errorf("%w: provider %s cannot be nil", ErrKeystoreOperationFailed, name)
	}
	if _, exists := m.activeProviders[name]; exists {
		return fmt.Errorf("%w: provider %s already registered", ErrKeystoreOperationFailed, name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.OperationTimeout)
	defer cancel()

	if err := provider.Initialize(ctx, m.config.ProviderConfigs[name]); err != nil {
		return fmt.Errorf("failed to initialize keystore provider %s: %w", name, err)
	}

	m.activeProviders[name] = provider
	if m.defaultProvider == "" || m.config.DefaultProvider == name {
		m.defaultProvider = name
	}
	return nil
}

// GetProvider returns a healthy provider by name; an empty name selects the default
func (m *KeystoreManager) GetProvider(name string) (KeystoreProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name == "" {
		name = m.defaultProvider
	}
	provider, exists := m.activeProviders[name]
	if !exists {
		return nil, fmt.Errorf("%w: provider %s", ErrKeystoreProviderNotFound, name)
	}
	if !provider.IsHealthy() {
		return nil, fmt.Errorf("%w: provider %s", ErrKeystoreHealthCheckFailed, name)
	}
	return provider, nil
}

// Providers lists registered provider names in sorted order
func (m *KeystoreManager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.activeProviders))
	for name := range m.activeProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down all keystore providers
func (m *KeystoreManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, provider := range m.activeProviders {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close keystore provider %s: %w", name, err))
		}
	}
	m.activeProviders = make(map[string]KeystoreProvider)
	m.defaultProvider = ""

	if len(errs) > 0 {
		return fmt.Errorf("failed to close some keystore providers: %w", errors.Join(errs...))
	}
	return nil
}
