// blobstore.go: Persistence of wrapped key blobs.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	"gopkg.in/yaml.v3"
)

// WrappedKeyBlobVersion is the current on-disk blob document version.
const WrappedKeyBlobVersion = 1

// ErrBlobNotFound is returned by a KeyBlobStore when no blob exists for an alias.
var ErrBlobNotFound = errors.New("krypteia: wrapped key blob not found")

// ErrBlobCorrupted is returned when a stored blob cannot be parsed.
var ErrBlobCorrupted = errors.New("krypteia: wrapped key blob corrupted")

// WrappedKeyBlob is the persisted form of a hardware-wrapped key. It carries no key material
// in the clear: Wrapped is only usable by the keystore holding the alias wrapping key.
type WrappedKeyBlob struct {
	Version       int       `yaml:"version"`
	Alias         string    `yaml:"alias"`
	KeyID         string    `yaml:"key_id"`
	KeyIdentifier string    `yaml:"key_identifier"`
	Wrapped       []byte    `yaml:"-"`
	CreatedAt     time.Time `yaml:"created_at"`
}

type wrappedKeyBlobDoc struct {
	WrappedKeyBlob `yaml:",inline"`
	WrappedB64     string `yaml:"wrapped"`
}

// KeyBlobStore persists wrapped key blobs by alias.
type KeyBlobStore interface {
	Load(alias string) (*WrappedKeyBlob, error)
	Save(blob *WrappedKeyBlob) error
	Delete(alias string) error
}

// FileBlobStore stores one YAML document per alias in a directory (0600 files, atomic replace).
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates dir if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, goerrors.Wrap(err, ErrCodeBlobStore, "failed to create blob directory"))
	}
	return &FileBlobStore{dir: dir}, nil
}

func (s *FileBlobStore) path(alias string) (string, error) {
	if !aliasPattern.MatchString(alias) {
		return "", fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeBlobStore, fmt.Sprintf("invalid alias %q", alias)))
	}
	return filepath.Join(s.dir, alias+".key.yaml"), nil
}

func (s *FileBlobStore) Load(alias string) (*WrappedKeyBlob, error) {
	path, err := s.path(alias)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- alias validated
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, goerrors.Wrap(err, ErrCodeBlobStore, "failed to read wrapped key blob")
	}
	return decodeBlob(data)
}

func (s *FileBlobStore) Save(blob *WrappedKeyBlob) error {
	path, err := s.path(blob.Alias)
	if err != nil {
		return err
	}
	data, err := encodeBlob(blob)
	if err != nil {
		return err
	}
	if err := writeSecureFile(path, data, 0600); err != nil {
		return goerrors.Wrap(err, ErrCodeBlobStore, "failed to write wrapped key blob")
	}
	return nil
}

func (s *FileBlobStore) Delete(alias string) error {
	path, err := s.path(alias)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return goerrors.Wrap(err, ErrCodeBlobStore, "failed to delete wrapped key blob")
	}
	return nil
}

func encodeBlob(blob *WrappedKeyBlob) ([]byte, error) {
	doc := wrappedKeyBlobDoc{WrappedKeyBlob: *blob, WrappedB64: base64.StdEncoding.EncodeToString(blob.Wrapped)}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, goerrors.Wrap(err, ErrCodeBlobStore, "failed to marshal wrapped key blob")
	}
	return data, nil
}

func decodeBlob(data []byte) (*WrappedKeyBlob, error) {
	var doc wrappedKeyBlobDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlobCorrupted, goerrors.Wrap(err, ErrCodeBlobStore, "invalid blob document"))
	}
	if doc.Version != WrappedKeyBlobVersion || doc.WrappedB64 == "" {
		return nil, fmt.Errorf("%w: %w", ErrBlobCorrupted, goerrors.New(ErrCodeBlobStore, "unsupported or empty blob document"))
	}
	wrapped, err := base64.StdEncoding.DecodeString(doc.WrappedB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlobCorrupted, goerrors.Wrap(err, ErrCodeBlobStore, "wrapped key is not valid base64"))
	}
	blob := doc.WrappedKeyBlob
	blob.Wrapped = wrapped
	return &blob, nil
}

// MemoryBlobStore keeps blobs in memory, encoded exactly as FileBlobStore writes them.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Load(alias string) (*WrappedKeyBlob, error) {
	s.mu.RLock()
	data, ok := s.blobs[alias]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return decodeBlob(data)
}

func (s *MemoryBlobStore) Save(blob *WrappedKeyBlob) error {
	data, err := encodeBlob(blob)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[blob.Alias] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryBlobStore) Delete(alias string) error {
	s.mu.Lock()
	delete(s.blobs, alias)
	s.mu.Unlock()
	return nil
}

// Put stores raw document bytes for alias. Tests use it to plant corrupted blobs.
func (s *MemoryBlobStore) Put(alias string, data []byte) {
	s.mu.Lock()
	s.blobs[alias] = append([]byte(nil), data...)
	s.mu.Unlock()
}

// writeSecureFile writes data to path through a synced temporary file and an atomic rename.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
