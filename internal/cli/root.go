// root.go: Root command, global flags and configuration loading.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agilira/krypteia"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	keyB64  string
	keyEnv  string
	logger  = zerolog.Nop()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "krypteia",
	Short: "Encrypt and decrypt stored credentials",
	Long: `krypteia encrypts credential values before they are written to storage and decrypts
them on read. Keys come from a hardware-backed keystore, an imported raw key or a passphrase,
as declared in the configuration file.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeLogger,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(exitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.krypteia.yaml)")
	rootCmd.PersistentFlags().StringVar(&keyB64, "key", "", "base64 raw key, replaces the configured loaders")
	rootCmd.PersistentFlags().StringVar(&keyEnv, "key-env", "", "environment variable holding a base64 raw key")
	rootCmd.PersistentFlags().String("encode-version", "", "envelope version for new values (legacy, cbc, gcm)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().String("blob-dir", "", "directory holding wrapped key blobs")
	rootCmd.PersistentFlags().String("keystore-dir", "", "directory of the software keystore")

	bindFlagOrPanic("encode_version", "encode-version")
	bindFlagOrPanic("log_level", "log-level")
	bindFlagOrPanic("log_format", "log-format")
	bindFlagOrPanic("blob_dir", "blob-dir")
	bindFlagOrPanic("keystore_dir", "keystore-dir")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".krypteia")
	}

	viper.SetEnvPrefix("KRYPTEIA")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func initializeLogger(cmd *cobra.Command, args []string) error {
	var err error
	logger, err = krypteia.NewLogger(cmd.ErrOrStderr(), viper.GetString("log_level"), viper.GetString("log_format"))
	return err
}

// loadConfig reads the config file viper found, then layers flags and environment over it.
func loadConfig() (*krypteia.Config, error) {
	cfg, err := krypteia.LoadConfig(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"encode_version": &cfg.EncodeVersion,
		"log_level":      &cfg.LogLevel,
		"log_format":     &cfg.LogFormat,
		"blob_dir":       &cfg.BlobDir,
		"keystore_dir":   &cfg.KeystoreDir,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}

	if keyB64 != "" || keyEnv != "" {
		spec := krypteia.LoaderSpec{Alias: "cli", Variant: krypteia.VariantRawImported, Key: keyB64, KeyEnv: keyEnv}
		cfg.Domain = krypteia.DomainConfig{EncryptWith: spec.Alias, Loaders: []krypteia.LoaderSpec{spec}}
	}
	return cfg, cfg.Validate()
}

// buildRuntime loads the configuration and builds the engine once.
func buildRuntime() (*krypteia.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if len(cfg.Domain.Loaders) == 0 {
		return nil, fmt.Errorf("%w: no key loaders configured, use --config, --key or --key-env", krypteia.ErrMisconfiguredEngine)
	}
	return cfg.Build(krypteia.BuildOptions{Logger: logger})
}

// timed logs the outcome of a command at debug level.
func timed(cmd *cobra.Command, started time.Time, err error) error {
	ev := logger.Debug()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Str("command", cmd.CommandPath()).Dur("duration", time.Since(started)).Msg("command complete")
	return err
}
