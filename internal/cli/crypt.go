// crypt.go: encrypt and decrypt commands.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt [value]",
	Short: "Encrypt a value",
	Long:  `Encrypt a value with the configured encryption key and print the envelope. Without an argument the first line of standard input is read.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt [value]",
	Short: "Decrypt an envelope",
	Long:  `Decrypt an envelope, trying every configured key that matches its key identifier. Values that are not envelopes are printed unchanged.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDecrypt,
}

func init() {
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
}

func runEncrypt(cmd *cobra.Command, args []string) (err error) {
	started := time.Now()
	defer func() { err = timed(cmd, started, err) }()

	value, err := readValue(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := rt.Engine.Encrypt(value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}

func runDecrypt(cmd *cobra.Command, args []string) (err error) {
	started := time.Now()
	defer func() { err = timed(cmd, started, err) }()

	value, err := readValue(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := rt.Engine.Decrypt(value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}
