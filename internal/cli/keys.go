// keys.go: keygen and thumbprint commands.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/agilira/krypteia"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a raw key",
	Long:  `Generate a random 256-bit key suitable for a raw-imported loader. The key is printed on standard output and its thumbprint on standard error.`,
	Args:  cobra.NoArgs,
	RunE:  runKeygen,
}

var thumbprintCmd = &cobra.Command{
	Use:   "thumbprint",
	Short: "Show key thumbprints",
	Long:  `Show the thumbprint of every configured loader, or of the key given with --key or --key-env. Thumbprints identify keys in logs without revealing them.`,
	Args:  cobra.NoArgs,
	RunE:  runThumbprint,
}

var (
	keygenFormat   string
	thumbprintJSON bool
)

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(thumbprintCmd)

	keygenCmd.Flags().StringVar(&keygenFormat, "format", "base64", "Key encoding (base64, hex)")
	thumbprintCmd.Flags().BoolVar(&thumbprintJSON, "json", false, "Output in JSON format")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, err := krypteia.GenerateKey()
	if err != nil {
		return err
	}
	defer krypteia.Zeroize(key)

	var encoded string
	switch keygenFormat {
	case "base64":
		encoded = krypteia.KeyToBase64(key)
	case "hex":
		encoded = krypteia.KeyToHex(key)
	default:
		return fmt.Errorf("%w: unknown key format %q", krypteia.ErrMisconfiguredEngine, keygenFormat)
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), encoded); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.ErrOrStderr(), "thumbprint: %s\n", krypteia.Thumbprint(key))
	return err
}

type loaderInfo struct {
	Alias         string `json:"alias"`
	KeyIdentifier string `json:"key_identifier"`
	Thumbprint    string `json:"thumbprint"`
	Encrypts      bool   `json:"encrypts"`
}

func runThumbprint(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	encrypt, err := rt.Resolver.EncryptionLoader()
	if err != nil {
		return err
	}
	var infos []loaderInfo
	seen := make(map[string]bool)
	for _, l := range append([]krypteia.KeyLoader{encrypt}, rt.Resolver.Loaders()...) {
		if seen[l.Alias()] {
			continue
		}
		seen[l.Alias()] = true
		infos = append(infos, loaderInfo{
			Alias:         l.Alias(),
			KeyIdentifier: l.KeyTypeIdentifier(),
			Thumbprint:    krypteia.LoaderThumbprint(l),
			Encrypts:      l == encrypt,
		})
	}

	if thumbprintJSON {
		return writeJSON(cmd.OutOrStdout(), infos)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tKEY IDENTIFIER\tTHUMBPRINT\tENCRYPTS")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", info.Alias, info.KeyIdentifier, info.Thumbprint, info.Encrypts)
	}
	return w.Flush()
}
