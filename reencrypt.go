// reencrypt.go: Migration of stored values from one key configuration to another.
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
	"sort"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// NameValueStore is the storage the token cache keeps encrypted values in.
type NameValueStore interface {
	All() (map[string]string, error)
	Put(name, value string) error
	Remove(name string) error
}

// ReencryptParams decides what happens to entries that fail to migrate.
//
// EraseEntryOnError removes the failing entry. EraseAllOnError removes every entry and stops.
// AbortOnError stops before anything is written. With none set, failing entries are left as they were.
type ReencryptParams struct {
	EraseEntryOnError bool `yaml:"erase_entry_on_error"`
	EraseAllOnError   bool `yaml:"erase_all_on_error"`
	AbortOnError      bool `yaml:"abort_on_error"`
}

// ReencryptFailure records one entry that could not be migrated.
type ReencryptFailure struct {
	Name  string
	Phase string // "decrypt" or "encrypt"
	Err   error
}

// ReencryptResult summarizes a migration run.
type ReencryptResult struct {
	RunID       string
	Total       int
	Reencrypted int
	Erased      int
	Aborted     bool
	Failures    []ReencryptFailure
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Reencrypter moves every value of a NameValueStore from a decrypter to an encrypter.
type Reencrypter struct {
	logger zerolog.Logger
}

// NewReencrypter returns a reencrypter logging to logger.
func NewReencrypter(logger zerolog.Logger) *Reencrypter {
	return &Reencrypter{logger: logger}
}

// Run decrypts every entry, re-encrypts the decrypted values, then writes them back.
// Values are written only after both passes complete without an abort; removals
// requested by params are applied at the end of the pass that requested them.
func (r *Reencrypter) Run(ctx context.Context, store NameValueStore, from StringDecrypter, to StringEncrypter, params ReencryptParams) (*ReencryptResult, error) {
	result := &ReencryptResult{RunID: uuid.NewString(), StartedAt: timecache.CachedTime().UTC()}
	log := r.logger.With().Str("run_id", result.RunID).Logger()

	entries, err := store.All()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, goerrors.Wrap(err, ErrCodeReencrypt, "failed to read store"))
	}
	result.Total = len(entries)
	log.Info().Int("entries", result.Total).Msg("starting reencryption")

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &mutation{entries: entries, names: names, params: params, result: result, skip: map[string]bool{}, remove: map[string]bool{}, log: log}

	if err := m.apply(ctx, "decrypt", from.Decrypt); err != nil {
		return result, err
	}
	if err := m.flushRemovals(store); err != nil {
		return result, err
	}
	if m.abort {
		return r.finish(log, result, true), nil
	}

	if err := m.apply(ctx, "encrypt", to.Encrypt); err != nil {
		return result, err
	}
	if err := m.flushRemovals(store); err != nil {
		return result, err
	}
	if m.abort {
		return r.finish(log, result, true), nil
	}

	for _, name := range m.names {
		value, ok := m.entries[name]
		// failed entries stay as stored; their in-memory value may be plaintext
		if !ok || m.skip[name] {
			continue
		}
		if err := store.Put(name, value); err != nil {
			return result, goerrors.Wrap(err, ErrCodeReencrypt, "failed to write reencrypted entry")
		}
		result.Reencrypted++
	}
	return r.finish(log, result, false), nil
}

// RunAsync runs Run in a goroutine and delivers its outcome on the returned channel.
func (r *Reencrypter) RunAsync(ctx context.Context, store NameValueStore, from StringDecrypter, to StringEncrypter, params ReencryptParams) <-chan ReencryptOutcome {
	ch := make(chan ReencryptOutcome, 1)
	go func() {
		defer close(ch)
		res, err := r.Run(ctx, store, from, to, params)
		ch <- ReencryptOutcome{Result: res, Err: err}
	}()
	return ch
}

// ReencryptOutcome is delivered by RunAsync.
type ReencryptOutcome struct {
	Result *ReencryptResult
	Err    error
}

func (r *Reencrypter) finish(log zerolog.Logger, result *ReencryptResult, aborted bool) *ReencryptResult {
	result.Aborted = aborted
	result.FinishedAt = timecache.CachedTime().UTC()
	ev := log.Info()
	if aborted || len(result.Failures) > 0 {
		ev = log.Warn()
	}
	ev.Int("total", result.Total).
		Int("reencrypted", result.Reencrypted).
		Int("failures", len(result.Failures)).
		Int("erased", result.Erased).
		Bool("aborted", aborted).
		Msg("reencryption finished")
	return result
}

type mutation struct {
	entries map[string]string
	names   []string
	params  ReencryptParams
	result  *ReencryptResult
	skip    map[string]bool
	remove  map[string]bool
	abort   bool
	log     zerolog.Logger
}

func (m *mutation) apply(ctx context.Context, phase string, fn func(string) (string, error)) error {
	for _, name := range m.names {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, ok := m.entries[name]
		if !ok || m.skip[name] {
			continue
		}
		out, err := fn(value)
		if err == nil {
			m.entries[name] = out
			continue
		}

		m.log.Error().Err(err).Str("phase", phase).Msg("entry failed to migrate")
		m.result.Failures = append(m.result.Failures, ReencryptFailure{Name: name, Phase: phase, Err: err})
		m.skip[name] = true

		if m.params.EraseEntryOnError {
			m.remove[name] = true
		}
		if m.params.EraseAllOnError {
			for _, n := range m.names {
				m.remove[n] = true
			}
			m.abort = true
			return nil
		}
		if m.params.AbortOnError {
			m.abort = true
			return nil
		}
	}
	return nil
}

func (m *mutation) flushRemovals(store NameValueStore) error {
	if len(m.remove) == 0 {
		return nil
	}
	m.log.Warn().Int("entries", len(m.remove)).Msg("removing entries marked for removal")
	for name := range m.remove {
		if _, ok := m.entries[name]; !ok {
			continue
		}
		delete(m.entries, name)
		if err := store.Remove(name); err != nil {
			return goerrors.Wrap(err, ErrCodeReencrypt, "failed to remove entry")
		}
		m.result.Erased++
	}
	m.remove = map[string]bool{}
	return nil
}

// MemoryStore is an in-memory NameValueStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) All() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

func (s *MemoryStore) Put(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}

func (s *MemoryStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
	return nil
}

// FileStore is a NameValueStore persisted as a flat YAML mapping. Every write rewrites
// the file atomically.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) All() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *FileStore) Get(name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := values[name]
	return v, ok, nil
}

func (s *FileStore) Put(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readLocked()
	if err != nil {
		return err
	}
	values[name] = value
	return s.writeLocked(values)
}

func (s *FileStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := values[name]; !ok {
		return nil
	}
	delete(values, name)
	return s.writeLocked(values)
}

func (s *FileStore) readLocked() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, goerrors.Wrap(err, ErrCodeReencrypt, "failed to read store file")
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, goerrors.Wrap(err, ErrCodeReencrypt, "store file is not a YAML mapping")
	}
	if values == nil {
		values = make(map[string]string)
	}
	return values, nil
}

func (s *FileStore) writeLocked(values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return goerrors.Wrap(err, ErrCodeReencrypt, "failed to marshal store")
	}
	return writeSecureFile(s.path, data, 0600)
}
