// config.go: File and environment configuration for an engine and its key loaders.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	goerrors "github.com/agilira/go-errors"
	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override of Settings.
const EnvPrefix = "KRYPTEIA_"

// Settings are the scalar options that may be overridden from the environment.
type Settings struct {
	EncodeVersion string `yaml:"encode_version" env:"ENCODE_VERSION"`
	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat     string `yaml:"log_format" env:"LOG_FORMAT"` // console or json
	BlobDir       string `yaml:"blob_dir" env:"BLOB_DIR"`
	KeystoreDir   string `yaml:"keystore_dir" env:"KEYSTORE_DIR"`
}

// Config is the full engine configuration.
//
//	encode_version: "2"
//	blob_dir: /var/lib/app/keys
//	domain:
//	  encrypt_with: storage
//	  decrypt_order: [storage, imported]
//	  loaders:
//	    - alias: storage
//	      variant: hardware-wrapped
//	    - alias: imported
//	      variant: raw-imported
//	      key_env: APP_STORAGE_KEY
type Config struct {
	Settings `yaml:",inline"`
	Domain   DomainConfig          `yaml:"domain"`
	Keystore KeystoreManagerConfig `yaml:"keystore"`
}

// DefaultConfig returns settings suitable for a single-host installation.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			EncodeVersion: string(DefaultEncodeVersion),
			LogLevel:      "info",
			LogFormat:     "console",
		},
		Keystore: KeystoreManagerConfig{DefaultProvider: SoftwareKeystoreName},
	}
}

// LoadConfig reads path (when not empty) over the defaults, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.Wrap(err, ErrCodeConfig, "failed to read config file"))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.Wrap(err, ErrCodeConfig, "failed to parse config file"))
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides Settings from environ, or from the process environment when environ is nil.
func (c *Config) ApplyEnv(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&c.Settings, opts); err != nil {
		return fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.Wrap(err, ErrCodeConfig, "invalid environment override"))
	}
	return nil
}

// Validate checks the settings that can be checked without building loaders.
func (c *Config) Validate() error {
	if c.EncodeVersion != "" {
		if _, err := ParseEncodeVersion(c.EncodeVersion); err != nil {
			return err
		}
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return configError(fmt.Sprintf("unknown log level %q", c.LogLevel))
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return configError(fmt.Sprintf("unknown log format %q", c.LogFormat))
	}
	return nil
}

// BuildOptions supplies the process-wide services a Config is built with.
type BuildOptions struct {
	Logger     zerolog.Logger
	Registerer prometheus.Registerer // nil disables metrics
	Events     EventSink
	Registry   *Registry // nil means NewRegistry()
	LookupEnv  func(string) (string, bool)
	Plugins    *KeystorePluginManager // serves keystore providers of type "plugin"
}

// Runtime is a built configuration. Close releases the keystore providers.
type Runtime struct {
	Engine    *Engine
	Resolver  *StaticResolver
	Keystores *KeystoreManager
	Metrics   *Metrics
}

// Close shuts down the keystore providers.
func (r *Runtime) Close() error {
	if r == nil || r.Keystores == nil {
		return nil
	}
	return r.Keystores.Close()
}

// Build resolves every loader once and returns a ready engine.
func (c *Config) Build(opts BuildOptions) (*Runtime, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	version := DefaultEncodeVersion
	if c.EncodeVersion != "" {
		version, _ = ParseEncodeVersion(c.EncodeVersion)
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	deps := LoaderDeps{Logger: opts.Logger, Events: opts.Events, LookupEnv: opts.LookupEnv}
	var keystores *KeystoreManager
	if c.needsKeystore() {
		var err error
		keystores, err = c.buildKeystores(opts.Plugins)
		if err != nil {
			return nil, err
		}
		blobs, err := c.buildBlobStore(opts.Logger)
		if err != nil {
			_ = keystores.Close()
			return nil, err
		}
		deps.Keystores = keystores
		deps.Blobs = blobs
	}

	fail := func(err error) (*Runtime, error) {
		if keystores != nil {
			_ = keystores.Close()
		}
		return nil, err
	}

	resolver, err := registry.BuildResolver(c.Domain, deps)
	if err != nil {
		return fail(err)
	}

	var metrics *Metrics
	if opts.Registerer != nil {
		metrics = NewMetrics(opts.Registerer)
	}
	engine, err := NewEngine(resolver,
		WithEncodeVersion(version),
		WithLogger(opts.Logger),
		WithMetrics(metrics),
		WithEventSink(opts.Events),
	)
	if err != nil {
		return fail(err)
	}
	return &Runtime{Engine: engine, Resolver: resolver, Keystores: keystores, Metrics: metrics}, nil
}

func (c *Config) needsKeystore() bool {
	for _, spec := range c.Domain.Loaders {
		if spec.Variant == VariantHardwareWrapped {
			return true
		}
	}
	return false
}

// buildKeystores registers the software keystore under its name, then one
// PluginKeystoreProvider per provider_configs entry whose "type" is "plugin".
func (c *Config) buildKeystores(plugins *KeystorePluginManager) (*KeystoreManager, error) {
	ksCfg := c.Keystore
	ksCfg.ProviderConfigs = make(map[string]map[string]interface{}, len(c.Keystore.ProviderConfigs)+1)
	for name, pc := range c.Keystore.ProviderConfigs {
		ksCfg.ProviderConfigs[name] = pc
	}
	if c.KeystoreDir != "" {
		sw := make(map[string]interface{}, len(ksCfg.ProviderConfigs[SoftwareKeystoreName])+1)
		for k, v := range ksCfg.ProviderConfigs[SoftwareKeystoreName] {
			sw[k] = v
		}
		if _, ok := sw["dir"]; !ok {
			sw["dir"] = c.KeystoreDir
		}
		ksCfg.ProviderConfigs[SoftwareKeystoreName] = sw
	}

	manager := NewKeystoreManager(&ksCfg, plugins)
	if err := manager.RegisterProvider(SoftwareKeystoreName, NewSoftwareKeystore()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}

	names := make([]string, 0, len(ksCfg.ProviderConfigs))
	for name, pc := range ksCfg.ProviderConfigs {
		if kind, _ := pc["type"].(string); kind == KeystoreProviderTypePlugin {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if plugins == nil {
			_ = manager.Close()
			return nil, configError(fmt.Sprintf("keystore provider %q needs a plugin manager", name))
		}
		if err := manager.RegisterProvider(name, NewPluginKeystoreProvider(name, plugins)); err != nil {
			_ = manager.Close()
			return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
		}
	}
	return manager, nil
}

func (c *Config) buildBlobStore(logger zerolog.Logger) (KeyBlobStore, error) {
	if c.BlobDir == "" {
		logger.Warn().Msg("blob_dir is not set, wrapped keys will not survive a restart")
		return NewMemoryBlobStore(), nil
	}
	store, err := NewFileBlobStore(c.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, err)
	}
	return store, nil
}

// NewLogger builds a zerolog logger writing to w. format is "console" or "json".
func NewLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), configError(fmt.Sprintf("unknown log level %q", level))
		}
	}
	switch strings.ToLower(format) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, NoColor: !isTerminal(w)}
	case "json":
	default:
		return zerolog.Nop(), configError(fmt.Sprintf("unknown log format %q", format))
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "krypteia").Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// IsConfigError reports whether err came from configuration rather than key material or data.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrMisconfiguredEngine)
}
