// inspect.go: inspect command, shows envelope metadata without decrypting.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/agilira/krypteia"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [value]",
	Short: "Show envelope metadata",
	Long: `Parse an envelope and show its version, key identifier and sizes. No key is loaded and nothing is decrypted.

With --match the command fails unless the value was written under the given key identifier.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

var (
	inspectJSON  bool
	inspectMatch string
)

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output in JSON format")
	inspectCmd.Flags().StringVar(&inspectMatch, "match", "", "Fail unless the value is encrypted under this key identifier")
}

type envelopeInfo struct {
	Envelope         bool   `json:"envelope"`
	Version          string `json:"version,omitempty"`
	KeyIdentifier    string `json:"key_identifier,omitempty"`
	IV               string `json:"iv,omitempty"`
	CiphertextLength int    `json:"ciphertext_length,omitempty"`
	Match            *bool  `json:"match,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	if inspectMatch != "" {
		if err := krypteia.ValidateKeyIdentifier(inspectMatch); err != nil {
			return err
		}
	}
	value, err := readValue(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	info := envelopeInfo{}
	env, err := krypteia.DecodeEnvelope(value)
	switch {
	case err == nil:
		info = envelopeInfo{
			Envelope:         true,
			Version:          env.Version.String(),
			KeyIdentifier:    env.KeyIdentifier,
			IV:               hex.EncodeToString(env.IV),
			CiphertextLength: len(env.Ciphertext),
		}
	case errors.Is(err, krypteia.ErrNotEnvelope):
	default:
		return err
	}

	if inspectMatch != "" {
		match := krypteia.IsEncryptedByThisKeyIdentifier(value, inspectMatch)
		info.Match = &match
	}

	if err := printInspect(cmd, info); err != nil {
		return err
	}
	if info.Match != nil && !*info.Match {
		return fmt.Errorf("krypteia: value is not encrypted under key identifier %s", inspectMatch)
	}
	return nil
}

func printInspect(cmd *cobra.Command, info envelopeInfo) error {
	if inspectJSON {
		return writeJSON(cmd.OutOrStdout(), info)
	}
	if !info.Envelope {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "not an envelope (passthrough)")
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "VERSION\t%s\n", info.Version)
	fmt.Fprintf(w, "KEY IDENTIFIER\t%s\n", info.KeyIdentifier)
	fmt.Fprintf(w, "IV\t%s\n", info.IV)
	fmt.Fprintf(w, "CIPHERTEXT\t%d bytes\n", info.CiphertextLength)
	if info.Match != nil {
		fmt.Fprintf(w, "MATCH\t%t\n", *info.Match)
	}
	return w.Flush()
}
