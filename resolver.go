// resolver.go: Selection of the encryption key loader and of decrypt candidates.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"fmt"

	goerrors "github.com/agilira/go-errors"
)

// KeyResolver tells the engine which loader encrypts new data and which loaders may
// decrypt an envelope written under a given key identifier, in the order to try them.
type KeyResolver interface {
	EncryptionLoader() (KeyLoader, error)
	DecryptionLoaders(keyIdentifier string) ([]KeyLoader, error)
}

// StaticResolver is a fixed set of loaders, e.g. the app's own key followed by a sibling
// application's key for the same identifier.
type StaticResolver struct {
	encrypt KeyLoader
	decrypt []KeyLoader
}

// NewStaticResolver returns a resolver encrypting with encrypt and decrypting with decrypt
// in order. With no decrypt loaders, encrypt is the only candidate.
func NewStaticResolver(encrypt KeyLoader, decrypt ...KeyLoader) *StaticResolver {
	r := &StaticResolver{encrypt: encrypt}
	for _, l := range decrypt {
		if l != nil {
			r.decrypt = append(r.decrypt, l)
		}
	}
	if len(r.decrypt) == 0 && encrypt != nil {
		r.decrypt = []KeyLoader{encrypt}
	}
	return r
}

func (r *StaticResolver) EncryptionLoader() (KeyLoader, error) {
	if r.encrypt == nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeMisconfigured, "no encryption key loader configured"))
	}
	return r.encrypt, nil
}

// DecryptionLoaders returns the loaders whose identifier matches, preserving order.
// It returns an empty slice, not an error, when loaders exist but none matches.
func (r *StaticResolver) DecryptionLoaders(keyIdentifier string) ([]KeyLoader, error) {
	if len(r.decrypt) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeMisconfigured, "no decryption key loaders configured"))
	}
	return filterLoaders(r.decrypt, keyIdentifier), nil
}

// Loaders returns every decrypt loader in order.
func (r *StaticResolver) Loaders() []KeyLoader {
	out := make([]KeyLoader, len(r.decrypt))
	copy(out, r.decrypt)
	return out
}

func filterLoaders(loaders []KeyLoader, keyIdentifier string) []KeyLoader {
	out := make([]KeyLoader, 0, len(loaders))
	for _, l := range loaders {
		if l.KeyTypeIdentifier() == keyIdentifier {
			out = append(out, l)
		}
	}
	return out
}
