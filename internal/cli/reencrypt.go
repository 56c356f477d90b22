// reencrypt.go: reencrypt command, migrates a value store to a new key configuration.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/agilira/krypteia"
	"github.com/spf13/cobra"
)

var reencryptCmd = &cobra.Command{
	Use:   "reencrypt",
	Short: "Re-encrypt a value store under a new key configuration",
	Long: `Decrypt every value of a YAML name/value store with the current configuration and
encrypt it again with the target configuration. Values are written back only after every
entry has been processed, unless an abort policy stops the run first.`,
	Args: cobra.NoArgs,
	RunE: runReencrypt,
}

var (
	reencryptStore    string
	reencryptToConfig string
	reencryptToKeyEnv string
	reencryptParams   krypteia.ReencryptParams
	reencryptJSON     bool
)

func init() {
	rootCmd.AddCommand(reencryptCmd)

	reencryptCmd.Flags().StringVar(&reencryptStore, "store", "", "YAML name/value store to migrate")
	reencryptCmd.Flags().StringVar(&reencryptToConfig, "to-config", "", "config file describing the target keys")
	reencryptCmd.Flags().StringVar(&reencryptToKeyEnv, "to-key-env", "", "environment variable holding the target base64 raw key")
	reencryptCmd.Flags().BoolVar(&reencryptParams.EraseEntryOnError, "erase-entry-on-error", false, "Remove entries that fail to migrate")
	reencryptCmd.Flags().BoolVar(&reencryptParams.EraseAllOnError, "erase-all-on-error", false, "Remove every entry when one fails to migrate")
	reencryptCmd.Flags().BoolVar(&reencryptParams.AbortOnError, "abort-on-error", false, "Stop without writing when an entry fails to migrate")
	reencryptCmd.Flags().BoolVar(&reencryptJSON, "json", false, "Output in JSON format")
	_ = reencryptCmd.MarkFlagRequired("store")
}

func targetRuntime() (*krypteia.Runtime, error) {
	if reencryptToConfig == "" && reencryptToKeyEnv == "" {
		return nil, fmt.Errorf("%w: --to-config or --to-key-env is required", krypteia.ErrMisconfiguredEngine)
	}
	cfg := krypteia.DefaultConfig()
	if reencryptToConfig != "" {
		var err error
		if cfg, err = krypteia.LoadConfig(reencryptToConfig); err != nil {
			return nil, err
		}
	}
	if reencryptToKeyEnv != "" {
		spec := krypteia.LoaderSpec{Alias: "target", Variant: krypteia.VariantRawImported, KeyEnv: reencryptToKeyEnv}
		cfg.Domain = krypteia.DomainConfig{EncryptWith: spec.Alias, Loaders: []krypteia.LoaderSpec{spec}}
	}
	return cfg.Build(krypteia.BuildOptions{Logger: logger.With().Str("side", "target").Logger()})
}

type reencryptReport struct {
	RunID       string            `json:"run_id"`
	Total       int               `json:"total"`
	Reencrypted int               `json:"reencrypted"`
	Erased      int               `json:"erased"`
	Aborted     bool              `json:"aborted"`
	Failures    map[string]string `json:"failures,omitempty"`
}

func runReencrypt(cmd *cobra.Command, args []string) error {
	from, err := buildRuntime()
	if err != nil {
		return err
	}
	defer from.Close()

	to, err := targetRuntime()
	if err != nil {
		return err
	}
	defer to.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store := krypteia.NewFileStore(reencryptStore)
	result, err := krypteia.NewReencrypter(logger).Run(ctx, store, from.Engine, to.Engine, reencryptParams)
	if err != nil {
		return err
	}

	report := reencryptReport{
		RunID:       result.RunID,
		Total:       result.Total,
		Reencrypted: result.Reencrypted,
		Erased:      result.Erased,
		Aborted:     result.Aborted,
	}
	for _, f := range result.Failures {
		if report.Failures == nil {
			report.Failures = make(map[string]string)
		}
		report.Failures[f.Name] = f.Phase + ": " + f.Err.Error()
	}

	if reencryptJSON {
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d of %d entries re-encrypted, %d erased, %d failed\n",
			report.RunID, report.Reencrypted, report.Total, report.Erased, len(result.Failures))
		for name, msg := range report.Failures {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", name, msg)
		}
	}
	if result.Aborted {
		return fmt.Errorf("reencryption aborted after %d failures", len(result.Failures))
	}
	return nil
}
