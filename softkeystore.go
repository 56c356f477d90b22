// softkeystore.go: Software keystore provider.
//
// SoftwareKeystore implements KeystoreProvider without hardware: wrapping keys are held in
// memguard enclaves and optionally persisted to a directory. It is meant for development,
// tests, and hosts without a keystore; it offers no protection against an attacker who can
// read the directory.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	goerrors "github.com/agilira/go-errors"
	"github.com/awnumar/memguard"
)

// SoftwareKeystoreName is the default provider name of SoftwareKeystore.
const SoftwareKeystoreName = "software"

const wrappingKeySuffix = ".wrapkey"

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// SoftwareKeystore wraps keys with AES-256-GCM under per-alias wrapping keys.
type SoftwareKeystore struct {
	mu          sync.RWMutex
	name        string
	dir         string
	initialized bool
	keys        map[string]*memguard.Enclave
}

// NewSoftwareKeystore returns an uninitialized software keystore.
// Initialize accepts an optional "dir" entry to persist wrapping keys.
func NewSoftwareKeystore() *SoftwareKeystore {
	return &SoftwareKeystore{
		name: SoftwareKeystoreName,
		keys: make(map[string]*memguard.Enclave),
	}
}

func (s *SoftwareKeystore) Name() string { return s.name }

// Initialize loads persisted wrapping keys when config carries a "dir".
func (s *SoftwareKeystore) Initialize(ctx context.Context, config map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir, ok := config["dir"].(string); ok && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("%w: %w", ErrKeystoreOperationFailed, goerrors.Wrap(err, ErrCodeKeystore, "failed to create keystore directory"))
		}
		s.dir = dir
		if err := s.loadLocked(ctx); err != nil {
			return err
		}
	}
	s.initialized = true
	return nil
}

func (s *SoftwareKeystore) loadLocked(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeystoreOperationFailed, goerrors.Wrap(err, ErrCodeKeystore, "failed to read keystore directory"))
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, wrappingKeySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name)) // #nosec G304 -- entries of our own directory
		if err != nil {
			return fmt.Errorf("%w: %w", ErrKeystoreOperationFailed, goerrors.Wrap(err, ErrCodeKeystore, "failed to read wrapping key"))
		}
		if len(data) != KeySize {
			// unusable file; HasKey reports the alias as absent
			memguard.WipeBytes(data)
			continue
		}
		s.keys[strings.TrimSuffix(name, wrappingKeySuffix)] = memguard.NewEnclave(data)
	}
	return nil
}

func (s *SoftwareKeystore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]*memguard.Enclave)
	s.initialized = false
	return nil
}

func (s *SoftwareKeystore) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *SoftwareKeystore) HasKey(ctx context.Context, alias string) (bool, error) {
	if err := s.check(ctx, alias); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[alias]
	return ok, nil
}

// GenerateWrappingKey creates (or replaces) the wrapping key for alias.
func (s *SoftwareKeystore) GenerateWrappingKey(ctx context.Context, alias string) error {
	if err := s.check(ctx, alias); err != nil {
		return err
	}
	key, err := GenerateKey()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		if err := writeSecureFile(s.path(alias), key, 0600); err != nil {
			memguard.WipeBytes(key)
			return fmt.Errorf("%w: %w", ErrKeystoreOperationFailed, goerrors.Wrap(err, ErrCodeKeystore, "failed to persist wrapping key"))
		}
	}
	s.keys[alias] = memguard.NewEnclave(key)
	return nil
}

func (s *SoftwareKeystore) DeleteKey(ctx context.Context, alias string) error {
	if err := s.check(ctx, alias); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, alias)
	if s.dir != "" {
		if err := os.Remove(s.path(alias)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %w", ErrKeystoreOperationFailed, goerrors.Wrap(err, ErrCodeKeystore, "failed to delete wrapping key"))
		}
	}
	return nil
}

// WrapKey seals key under the alias wrapping key. Output: nonce || ciphertext || tag.
func (s *SoftwareKeystore) WrapKey(ctx context.Context, alias string, key []byte) ([]byte, error) {
	wk, err := s.wrappingKey(ctx, alias)
	if err != nil {
		return nil, err
	}
	defer Zeroize(wk)

	nonce, err := GenerateIV(nil)
	if err != nil {
		return nil, err
	}
	sealed, err := sealGCM(wk, nonce, key, []byte(alias))
	if err != nil {
		return nil, err
	}
	return append(nonce, sealed...), nil
}

// UnwrapKey opens a blob produced by WrapKey for the same alias.
func (s *SoftwareKeystore) UnwrapKey(ctx context.Context, alias string, wrapped []byte) ([]byte, error) {
	wk, err := s.wrappingKey(ctx, alias)
	if err != nil {
		return nil, err
	}
	defer Zeroize(wk)

	if len(wrapped) < IVSize {
		return nil, fmt.Errorf("%w: wrapped key too short", ErrKeystoreUnwrapFailed)
	}
	key, err := openGCM(wk, wrapped[:IVSize], wrapped[IVSize:], []byte(alias))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeystoreUnwrapFailed, err)
	}
	return key, nil
}

func (s *SoftwareKeystore) check(ctx context.Context, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.IsHealthy() {
		return ErrKeystoreNotInitialized
	}
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("%w: invalid alias %q", ErrKeystoreOperationFailed, alias)
	}
	return nil
}

func (s *SoftwareKeystore) wrappingKey(ctx context.Context, alias string) ([]byte, error) {
	if err := s.check(ctx, alias); err != nil {
		return nil, err
	}
	s.mu.RLock()
	enclave, ok := s.keys[alias]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: alias %s", ErrKeystoreKeyNotFound, alias)
	}
	return openEnclave(enclave, alias)
}

func (s *SoftwareKeystore) path(alias string) string {
	return filepath.Join(s.dir, alias+wrappingKeySuffix)
}
