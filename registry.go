// registry.go: Loader variants and the registry that builds loaders from configuration.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	goerrors "github.com/agilira/go-errors"
	"github.com/rs/zerolog"
)

// KeyVariant tags how a loader obtains its key.
type KeyVariant string

const (
	VariantHardwareWrapped KeyVariant = "hardware-wrapped"
	VariantRawImported     KeyVariant = "raw-imported"
	VariantPassphrase      KeyVariant = "passphrase"
)

// LoaderSpec describes one key loader in configuration.
type LoaderSpec struct {
	Alias         string     `yaml:"alias"`
	Variant       KeyVariant `yaml:"variant"`
	KeyIdentifier string     `yaml:"key_identifier,omitempty"`

	// raw-imported: exactly one of Key (base64), KeyEnv, KeyFile
	Key     string `yaml:"key,omitempty"`
	KeyEnv  string `yaml:"key_env,omitempty"`
	KeyFile string `yaml:"key_file,omitempty"`

	// passphrase
	PassphraseEnv string              `yaml:"passphrase_env,omitempty"`
	Salt          string              `yaml:"salt,omitempty"` // base64
	Algorithm     PassphraseAlgorithm `yaml:"algorithm,omitempty"`
	KDF           *KDFParams          `yaml:"kdf,omitempty"`
	Iterations    int                 `yaml:"iterations,omitempty"`

	// hardware-wrapped
	Keystore string `yaml:"keystore,omitempty"` // provider name, empty for the default
}

// DomainConfig lists the loaders of one application key domain.
// EncryptWith names the loader for new data; DecryptOrder lists candidate aliases in
// the order they are tried (own domain first, then siblings). An empty DecryptOrder
// means every loader in declaration order.
type DomainConfig struct {
	EncryptWith  string       `yaml:"encrypt_with"`
	DecryptOrder []string     `yaml:"decrypt_order,omitempty"`
	Loaders      []LoaderSpec `yaml:"loaders"`
}

// LoaderDeps carries the shared services loader factories may need.
type LoaderDeps struct {
	Keystores *KeystoreManager
	Blobs     KeyBlobStore
	Logger    zerolog.Logger
	Events    EventSink
	LookupEnv func(string) (string, bool)
}

func (d LoaderDeps) lookupEnv(name string) (string, bool) {
	if d.LookupEnv != nil {
		return d.LookupEnv(name)
	}
	return os.LookupEnv(name)
}

// LoaderFactory builds a loader from its spec.
type LoaderFactory func(spec LoaderSpec, deps LoaderDeps) (KeyLoader, error)

// Registry maps variants to factories. It replaces per-application loader subclasses:
// an application picks variants in configuration and the registry builds them once.
type Registry struct {
	mu        sync.RWMutex
	factories map[KeyVariant]LoaderFactory
}

// NewRegistry returns a registry with the built-in variants.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[KeyVariant]LoaderFactory)}
	r.Register(VariantRawImported, rawImportedFactory)
	r.Register(VariantPassphrase, passphraseFactory)
	r.Register(VariantHardwareWrapped, hardwareWrappedFactory)
	return r
}

// Register adds or replaces the factory for variant.
func (r *Registry) Register(variant KeyVariant, factory LoaderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[variant] = factory
}

// Build creates the loader described by spec.
func (r *Registry) Build(spec LoaderSpec, deps LoaderDeps) (KeyLoader, error) {
	if spec.Alias == "" {
		return nil, configError("loader alias cannot be empty")
	}
	r.mu.RLock()
	factory, ok := r.factories[spec.Variant]
	r.mu.RUnlock()
	if !ok {
		return nil, configError(fmt.Sprintf("loader %s: unknown variant %q", spec.Alias, spec.Variant))
	}
	loader, err := factory(spec, deps)
	if err != nil {
		return nil, fmt.Errorf("loader %s: %w", spec.Alias, err)
	}
	return loader, nil
}

// BuildResolver resolves a domain configuration into a resolver, once, at startup.
func (r *Registry) BuildResolver(domain DomainConfig, deps LoaderDeps) (*StaticResolver, error) {
	if len(domain.Loaders) == 0 {
		return nil, configError("domain has no loaders")
	}

	byAlias := make(map[string]KeyLoader, len(domain.Loaders))
	ordered := make([]KeyLoader, 0, len(domain.Loaders))
	for _, spec := range domain.Loaders {
		if _, dup := byAlias[spec.Alias]; dup {
			return nil, configError(fmt.Sprintf("duplicate loader alias %q", spec.Alias))
		}
		loader, err := r.Build(spec, deps)
		if err != nil {
			return nil, err
		}
		byAlias[spec.Alias] = loader
		ordered = append(ordered, loader)
	}

	encryptAlias := domain.EncryptWith
	if encryptAlias == "" {
		encryptAlias = domain.Loaders[0].Alias
	}
	encrypt, ok := byAlias[encryptAlias]
	if !ok {
		return nil, configError(fmt.Sprintf("encrypt_with names unknown loader %q", encryptAlias))
	}

	decrypt := ordered
	if len(domain.DecryptOrder) > 0 {
		decrypt = make([]KeyLoader, 0, len(domain.DecryptOrder))
		for _, alias := range domain.DecryptOrder {
			l, ok := byAlias[alias]
			if !ok {
				return nil, configError(fmt.Sprintf("decrypt_order names unknown loader %q", alias))
			}
			decrypt = append(decrypt, l)
		}
	}
	return NewStaticResolver(encrypt, decrypt...), nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeConfig, msg))
}

func identifierOr(spec LoaderSpec, def string) string {
	if spec.KeyIdentifier != "" {
		return spec.KeyIdentifier
	}
	return def
}

func rawImportedFactory(spec LoaderSpec, deps LoaderDeps) (KeyLoader, error) {
	var encoded string
	switch {
	case spec.Key != "":
		encoded = spec.Key
	case spec.KeyEnv != "":
		v, ok := deps.lookupEnv(spec.KeyEnv)
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, goerrors.New(ErrCodeKeyUnavailable, fmt.Sprintf("environment variable %s is not set", spec.KeyEnv)))
		}
		encoded = v
	case spec.KeyFile != "":
		data, err := os.ReadFile(spec.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, goerrors.Wrap(err, ErrCodeKeyUnavailable, "failed to read key file"))
		}
		encoded = strings.TrimSpace(string(data))
		Zeroize(data)
	default:
		return nil, configError("raw-imported loader needs key, key_env or key_file")
	}

	key, err := KeyFromBase64(encoded)
	if err != nil {
		return nil, err
	}
	defer Zeroize(key)
	return NewRawImportedKeyLoader(spec.Alias, identifierOr(spec, KeyIdentifierRaw), key)
}

func passphraseFactory(spec LoaderSpec, deps LoaderDeps) (KeyLoader, error) {
	if spec.PassphraseEnv == "" {
		return nil, configError("passphrase loader needs passphrase_env")
	}
	passphrase, ok := deps.lookupEnv(spec.PassphraseEnv)
	if !ok || passphrase == "" {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, goerrors.New(ErrCodeKeyUnavailable, fmt.Sprintf("environment variable %s is not set", spec.PassphraseEnv)))
	}
	salt, err := base64.StdEncoding.DecodeString(spec.Salt)
	if err != nil || len(salt) == 0 {
		return nil, configError("passphrase loader needs a base64 salt")
	}
	pw := []byte(passphrase)
	defer Zeroize(pw)
	return NewPassphraseKeyLoader(spec.Alias, identifierOr(spec, KeyIdentifierRaw), pw, PassphraseOptions{
		Algorithm:  spec.Algorithm,
		Salt:       salt,
		Params:     spec.KDF,
		Iterations: spec.Iterations,
	})
}

func hardwareWrappedFactory(spec LoaderSpec, deps LoaderDeps) (KeyLoader, error) {
	if deps.Keystores == nil || deps.Blobs == nil {
		return nil, configError("hardware-wrapped loader needs a keystore manager and a blob store")
	}
	provider, err := deps.Keystores.GetProvider(spec.Keystore)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	return NewHardwareWrappedKeyLoader(spec.Alias, provider, deps.Blobs,
		WithWrappedKeyIdentifier(identifierOr(spec, KeyIdentifierWrapped)),
		WithKeystoreTimeout(deps.Keystores.OperationTimeout()),
		WithWrappedKeyLogger(deps.Logger),
		WithWrappedKeyEvents(deps.Events),
	)
}
