// keystore_plugin.go: Keystore providers reached through a go-plugins manager
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	goplugins "github.com/agilira/go-plugins"
	"github.com/google/uuid"
)

// KeystorePluginManager routes keystore requests to named plugins.
type KeystorePluginManager = goplugins.Manager[KeystoreRequest, KeystoreResponse]

// KeystoreProviderTypePlugin selects PluginKeystoreProvider in keystore.provider_configs.
const KeystoreProviderTypePlugin = "plugin"

// PluginKeystoreProvider implements KeystoreProvider by sending KeystoreRequests to a plugin.
// The plugin manager is owned by the caller: Close does not shut it down.
//
// Keystore failures travel in KeystoreResponse.Code and are restored as keystore errors, so
// errors.Is(err, ErrKeystoreUnwrapFailed) holds on both sides of the plugin boundary.
type PluginKeystoreProvider struct {
	mu          sync.RWMutex
	name        string
	plugin      string
	manager     *KeystorePluginManager
	initialized bool
}

// NewPluginKeystoreProvider creates a provider named name backed by manager.
// Initialize accepts a "plugin" entry naming the plugin; it defaults to name.
func NewPluginKeystoreProvider(name string, manager *KeystorePluginManager) *PluginKeystoreProvider {
	return &PluginKeystoreProvider{name: name, plugin: name, manager: manager}
}

func (p *PluginKeystoreProvider) Name() string { return p.name }

// Initialize resolves the plugin and checks that the manager knows it.
func (p *PluginKeystoreProvider) Initialize(ctx context.Context, config map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager == nil {
		return fmt.Errorf("%w: provider %s has no plugin manager", ErrKeystoreNotInitialized, p.name)
	}
	if name, ok := config["plugin"].(string); ok && name != "" {
		p.plugin = name
	}
	if _, err := p.manager.GetPlugin(p.plugin); err != nil {
		return fmt.Errorf("%w: %w", ErrKeystoreProviderNotFound, err)
	}
	p.initialized = true
	return nil
}

func (p *PluginKeystoreProvider) Close() error {
	p.mu.Lock()
	p.initialized = false
	p.mu.Unlock()
	return nil
}

// IsHealthy reports the plugin's last health status as seen by the manager.
func (p *PluginKeystoreProvider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return false
	}
	status, ok := p.manager.Health()[p.plugin]
	return ok && status.Status == goplugins.StatusHealthy
}

func (p *PluginKeystoreProvider) HasKey(ctx context.Context, alias string) (bool, error) {
	resp, err := p.execute(ctx, KeystoreRequest{Operation: KeystoreOpHasKey, Alias: alias})
	if err != nil {
		return false, err
	}
	return len(resp.Data) == 1 && resp.Data[0] == 1, nil
}

func (p *PluginKeystoreProvider) GenerateWrappingKey(ctx context.Context, alias string) error {
	_, err := p.execute(ctx, KeystoreRequest{Operation: KeystoreOpGenerate, Alias: alias})
	return err
}

func (p *PluginKeystoreProvider) DeleteKey(ctx context.Context, alias string) error {
	_, err := p.execute(ctx, KeystoreRequest{Operation: KeystoreOpDelete, Alias: alias})
	return err
}

func (p *PluginKeystoreProvider) WrapKey(ctx context.Context, alias string, key []byte) ([]byte, error) {
	resp, err := p.execute(ctx, KeystoreRequest{Operation: KeystoreOpWrap, Alias: alias, Data: key})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (p *PluginKeystoreProvider) UnwrapKey(ctx context.Context, alias string, wrapped []byte) ([]byte, error) {
	resp, err := p.execute(ctx, KeystoreRequest{Operation: KeystoreOpUnwrap, Alias: alias, Data: wrapped})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (p *PluginKeystoreProvider) execute(ctx context.Context, req KeystoreRequest) (KeystoreResponse, error) {
	p.mu.RLock()
	initialized := p.initialized
	p.mu.RUnlock()
	if !initialized {
		return KeystoreResponse{}, fmt.Errorf("%w: provider %s", ErrKeystoreNotInitialized, p.name)
	}

	timeout := DefaultKeystoreOperationTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	// no retries: a repeated generate or delete is not idempotent for the caller
	execCtx := goplugins.ExecutionContext{
		RequestID:  uuid.NewString(),
		Timeout:    timeout,
		MaxRetries: 0,
	}
	resp, err := p.manager.ExecuteWithOptions(ctx, p.plugin, execCtx, req)
	if err != nil {
		return KeystoreResponse{}, fmt.Errorf("%w: %s %s: %w", ErrKeystoreOperationFailed, req.Operation, p.plugin, err)
	}
	if !resp.Success {
		code := goerrors.ErrorCode(resp.Code)
		if code == "" {
			code = ErrKeystoreOperationFailed.Code
		}
		return KeystoreResponse{}, goerrors.New(code, fmt.Sprintf("keystore plugin %s: %s", p.plugin, resp.Error))
	}
	return resp, nil
}

// KeystorePlugin serves a KeystoreProvider as a go-plugins plugin. Keystore errors are
// reported in the response so the manager's circuit breaker only counts transport failures.
type KeystorePlugin struct {
	name     string
	provider KeystoreProvider
}

// NewKeystorePlugin exposes provider as a plugin called name. provider must already be initialized.
//
// Example:
//
//	ks := krypteia.NewSoftwareKeystore()
//	_ = ks.Initialize(ctx, map[string]interface{}{"dir": "/var/lib/app/keystore"})
//	plugins := goplugins.NewManager[krypteia.KeystoreRequest, krypteia.KeystoreResponse](nil)
//	_ = plugins.Register(krypteia.NewKeystorePlugin("vault", ks))
func NewKeystorePlugin(name string, provider KeystoreProvider) *KeystorePlugin {
	return &KeystorePlugin{name: name, provider: provider}
}

func (k *KeystorePlugin) Info() goplugins.PluginInfo {
	return goplugins.PluginInfo{
		Name:        k.name,
		Version:     "1",
		Description: "keystore provider " + k.provider.Name(),
		Capabilities: []string{
			KeystoreOpHasKey, KeystoreOpGenerate, KeystoreOpWrap, KeystoreOpUnwrap, KeystoreOpDelete,
		},
	}
}

func (k *KeystorePlugin) Execute(ctx context.Context, _ goplugins.ExecutionContext, req KeystoreRequest) (KeystoreResponse, error) {
	var (
		data []byte
		err  error
	)
	switch req.Operation {
	case KeystoreOpHasKey:
		var has bool
		if has, err = k.provider.HasKey(ctx, req.Alias); has {
			data = []byte{1}
		}
	case KeystoreOpGenerate:
		err = k.provider.GenerateWrappingKey(ctx, req.Alias)
	case KeystoreOpWrap:
		data, err = k.provider.WrapKey(ctx, req.Alias, req.Data)
	case KeystoreOpUnwrap:
		data, err = k.provider.UnwrapKey(ctx, req.Alias, req.Data)
	case KeystoreOpDelete:
		err = k.provider.DeleteKey(ctx, req.Alias)
	default:
		err = fmt.Errorf("%w: unknown operation %q", ErrKeystoreOperationFailed, req.Operation)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return KeystoreResponse{}, ctxErr
		}
		return keystoreErrorResponse(err), nil
	}
	return KeystoreResponse{Success: true, Data: data}, nil
}

func keystoreErrorResponse(err error) KeystoreResponse {
	resp := KeystoreResponse{Error: err.Error(), Code: string(ErrKeystoreOperationFailed.Code)}
	var kerr *goerrors.Error
	if errors.As(err, &kerr) {
		resp.Code = string(kerr.Code)
	}
	return resp
}

func (k *KeystorePlugin) Health(context.Context) goplugins.HealthStatus {
	if k.provider.IsHealthy() {
		return goplugins.HealthStatus{Status: goplugins.StatusHealthy, LastCheck: time.Now()}
	}
	return goplugins.HealthStatus{Status: goplugins.StatusUnhealthy, Message: "keystore provider not initialized", LastCheck: time.Now()}
}

// Close leaves the provider open: it may be registered elsewhere.
func (k *KeystorePlugin) Close() error { return nil }
