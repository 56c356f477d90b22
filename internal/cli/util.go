// util.go: Shared helpers for the krypteia commands.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/agilira/krypteia"
)

// Exit codes follow the engine error taxonomy.
const (
	exitFailure        = 1
	exitMisconfigured  = 2
	exitKeyUnavailable = 3
	exitMalformed      = 4
	exitDecryption     = 5
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, krypteia.ErrMisconfiguredEngine), errors.Is(err, krypteia.ErrKeyInvalid):
		return exitMisconfigured
	case errors.Is(err, krypteia.ErrDataMalformed):
		return exitMalformed
	case errors.Is(err, krypteia.ErrDecryptionFailed):
		return exitDecryption
	case errors.Is(err, krypteia.ErrKeyUnavailable):
		return exitKeyUnavailable
	}
	return exitFailure
}

func formatError(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()
	if len(message) > 0 {
		message = strings.ToUpper(message[:1]) + message[1:]
	}
	return fmt.Sprintf("Error: %s", message)
}

// readValue returns args[0], or the first line of in when no argument was given.
func readValue(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return "", nil
	}
	return sc.Text(), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
