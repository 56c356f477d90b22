// keyrotation.go: Key generations and zero-downtime rotation for raw-imported keys
//
// A KeyRing holds successive generations of an application key under identifiers U001, U002...
// The active generation encrypts new data; older generations stay available for decryption
// until revoked.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Error codes for key rotation
const (
	ErrCodeKeyNotFound      = "KRYPTEIA_KEY_NOT_FOUND"
	ErrCodeKeyInactive      = "KRYPTEIA_KEY_INACTIVE"
	ErrCodeKeyGeneration    = "KRYPTEIA_KEY_GENERATION"
	ErrCodeKeyRotation      = "KRYPTEIA_KEY_ROTATION"
	ErrCodeKeyValidation    = "KRYPTEIA_KEY_VALIDATION"
	ErrCodeKeySerialization = "KRYPTEIA_KEY_SERIALIZATION"
)

// Generation status constants
const (
	StatusActive     = "active"     // encrypts new data
	StatusPending    = "pending"    // prepared, not yet validated
	StatusValidating = "validating" // validated, awaiting commit
	StatusDeprecated = "deprecated" // decrypt only
	StatusRevoked    = "revoked"    // unusable
)

// MaxGenerationVersion is the last version expressible in a 4-character identifier.
const MaxGenerationVersion = 999

// DefaultMaxGenerations bounds how many generations a ring keeps.
const DefaultMaxGenerations = 10

// KeyGeneration is one generation of a ring key. It implements KeyLoader.
type KeyGeneration struct {
	ring       *KeyRing
	id         string
	identifier string
	version    int
	createdAt  time.Time
	status     string
	enclave    *memguard.Enclave
}

// GenerationInfo is a key-free snapshot of a generation.
type GenerationInfo struct {
	ID            string    `yaml:"id"`
	KeyIdentifier string    `yaml:"key_identifier"`
	Version       int       `yaml:"version"`
	CreatedAt     time.Time `yaml:"created_at"`
	Status        string    `yaml:"status"`
}

func (g *KeyGeneration) Alias() string { return g.ring.alias + "/" + g.identifier }

func (g *KeyGeneration) KeyTypeIdentifier() string { return g.identifier }

// Key returns a copy of the generation key. Revoked generations yield ErrKeyUnavailable.
func (g *KeyGeneration) Key() ([]byte, error) {
	g.ring.mu.RLock()
	status, enclave := g.status, g.enclave
	g.ring.mu.RUnlock()
	if status == StatusRevoked || enclave == nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, goerrors.New(ErrCodeKeyInactive, fmt.Sprintf("generation %s is revoked", g.identifier)))
	}
	return openEnclave(enclave, g.Alias())
}

// Info returns a snapshot of the generation.
func (g *KeyGeneration) Info() GenerationInfo {
	g.ring.mu.RLock()
	defer g.ring.mu.RUnlock()
	return g.infoLocked()
}

func (g *KeyGeneration) infoLocked() GenerationInfo {
	return GenerationInfo{ID: g.id, KeyIdentifier: g.identifier, Version: g.version, CreatedAt: g.createdAt, Status: g.status}
}

// KeyRing manages key generations for one alias
type KeyRing struct {
	mu          sync.RWMutex
	alias       string
	family      byte
	active      *KeyGeneration
	pending     *KeyGeneration
	previous    *KeyGeneration
	generations map[string]*KeyGeneration // by key identifier
	lastVersion int                       // never reused, even after cleanup
	maxVersions int
	random      io.Reader
	events      EventSink
}

// NewKeyRing creates an empty ring for raw-imported keys.
func NewKeyRing(alias string) *KeyRing {
	return &KeyRing{
		alias:       alias,
		family:      KeyFamilyRaw,
		generations: make(map[string]*KeyGeneration),
		maxVersions: DefaultMaxGenerations,
		random:      rand.Reader,
	}
}

// NewKeyRingWithOptions creates a ring keeping at most maxVersions generations.
func NewKeyRingWithOptions(alias string, maxVersions int, events EventSink) *KeyRing {
	r := NewKeyRing(alias)
	if maxVersions > 0 {
		r.maxVersions = maxVersions
	}
	r.events = events
	return r
}

// Import adds key as the next generation. With activate it becomes the encryption key;
// otherwise it is kept as a deprecated, decrypt-only generation.
func (r *KeyRing) Import(key []byte, activate bool) (*KeyGeneration, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	buf := make([]byte, KeySize)
	copy(buf, key)

	r.mu.Lock()
	defer r.mu.Unlock()

	g, err := r.addLocked(buf)
	if err != nil {
		return nil, err
	}
	if activate {
		r.activateLocked(g)
	} else {
		g.status = StatusDeprecated
	}
	return g, nil
}

// Generate adds a fresh random generation in pending state.
func (r *KeyRing) Generate() (*KeyGeneration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generateLocked()
}

func (r *KeyRing) generateLocked() (*KeyGeneration, error) {
	key, err := generateKeyFrom(r.random)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return r.addLocked(key)
}

// addLocked takes ownership of key (it is wiped into an enclave).
func (r *KeyRing) addLocked(key []byte) (*KeyGeneration, error) {
	version := r.nextVersionLocked()
	if version > MaxGenerationVersion {
		Zeroize(key)
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeKeyGeneration, "key ring exhausted its identifier space"))
	}
	g := &KeyGeneration{
		ring:       r,
		id:         uuid.NewString(),
		identifier: fmt.Sprintf("%c%03d", r.family, version),
		version:    version,
		createdAt:  timecache.CachedTime().UTC(),
		status:     StatusPending,
		enclave:    memguard.NewEnclave(key),
	}
	r.generations[g.identifier] = g
	r.lastVersion = version
	return g, nil
}

// Activate makes the generation with identifier the encryption key.
func (r *KeyRing) Activate(identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.generations[identifier]
	if !ok {
		return fmt.Errorf("key not found: %w", goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("generation %s not found", identifier)))
	}
	if g.status == StatusRevoked {
		return fmt.Errorf("key revoked: %w", goerrors.New(ErrCodeKeyInactive, fmt.Sprintf("cannot activate revoked generation %s", identifier)))
	}
	r.activateLocked(g)
	return nil
}

func (r *KeyRing) activateLocked(g *KeyGeneration) {
	if r.active != nil && r.active != g {
		r.previous = r.active
		r.active.status = StatusDeprecated
	}
	g.status = StatusActive
	r.active = g
	if r.pending == g {
		r.pending = nil
	}
	emit(r.events, Event{Kind: EventKeyRotated, Alias: r.alias, KeyIdentifier: g.identifier})
}

// Rotate generates and activates a new generation in one step.
func (r *KeyRing) Rotate() (*KeyGeneration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, err := r.generateLocked()
	if err != nil {
		return nil, err
	}
	r.activateLocked(g)
	r.cleanupOldVersionsLocked()
	return g, nil
}

// PrepareRotation generates the next generation in pending state without touching the active one.
func (r *KeyRing) PrepareRotation() (*KeyGeneration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		return nil, fmt.Errorf("rotation in progress: %w", goerrors.New(ErrCodeKeyRotation, "rotation already in progress"))
	}
	g, err := r.generateLocked()
	if err != nil {
		return nil, err
	}
	r.pending = g
	return g, nil
}

// ValidateRotation round-trips a sample value through the pending generation.
func (r *KeyRing) ValidateRotation() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return fmt.Errorf("no pending generation: %w", goerrors.New(ErrCodeKeyRotation, "no pending generation to validate"))
	}
	if err := r.roundTripLocked(r.pending); err != nil {
		r.pending.status = StatusRevoked
		return fmt.Errorf("generation validation failed: %w", goerrors.Wrap(err, ErrCodeKeyValidation, "sample round trip failed"))
	}
	r.pending.status = StatusValidating
	return nil
}

func (r *KeyRing) roundTripLocked(g *KeyGeneration) error {
	key, err := openEnclave(g.enclave, g.identifier)
	if err != nil {
		return err
	}
	defer Zeroize(key)

	sample := []byte("krypteia-rotation-sample")
	iv, err := GenerateIV(r.random)
	if err != nil {
		return err
	}
	env, err := seal(DefaultEncodeVersion, key, g.identifier, iv, sample)
	if err != nil {
		return err
	}
	plain, err := open(env, key)
	if err != nil {
		return err
	}
	defer Zeroize(plain)
	if !bytes.Equal(plain, sample) {
		return goerrors.New(ErrCodeKeyValidation, "sample mismatch")
	}
	return nil
}

// CommitRotation activates the validated pending generation. The former active
// generation stays available for decryption.
func (r *KeyRing) CommitRotation() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil || r.pending.status != StatusValidating {
		return fmt.Errorf("no validated generation to commit: %w", goerrors.New(ErrCodeKeyRotation, "no validated pending generation"))
	}
	r.activateLocked(r.pending)
	r.cleanupOldVersionsLocked()
	return nil
}

// RollbackRotation revokes the pending generation.
func (r *KeyRing) RollbackRotation() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return fmt.Errorf("no rotation to rollback: %w", goerrors.New(ErrCodeKeyRotation, "no rotation in progress"))
	}
	r.revokeLocked(r.pending)
	r.pending = nil
	return nil
}

// RotateZeroDowntime runs prepare, validate and commit, rolling back on any failure.
func (r *KeyRing) RotateZeroDowntime() (*KeyGeneration, error) {
	g, err := r.PrepareRotation()
	if err != nil {
		return nil, fmt.Errorf("preparation failed: %w", err)
	}
	if err := r.ValidateRotation(); err != nil {
		_ = r.RollbackRotation()
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if err := r.CommitRotation(); err != nil {
		_ = r.RollbackRotation()
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return g, nil
}

// Current returns the active generation.
func (r *KeyRing) Current() (*KeyGeneration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("key ring %s has no active generation", r.alias)))
	}
	return r.active, nil
}

// Generation returns the generation with identifier, if it is not revoked.
func (r *KeyRing) Generation(identifier string) (*KeyGeneration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.generations[identifier]
	if !ok {
		return nil, fmt.Errorf("key not found: %w", goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("generation %s not found", identifier)))
	}
	if g.status == StatusRevoked {
		return nil, fmt.Errorf("key revoked: %w", goerrors.New(ErrCodeKeyInactive, fmt.Sprintf("generation %s is revoked", identifier)))
	}
	return g, nil
}

// List returns snapshots of every generation ordered by version.
func (r *KeyRing) List() []GenerationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]GenerationInfo, 0, len(r.generations))
	for _, g := range r.generations {
		out = append(out, g.infoLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Revoke makes a generation unusable. The active generation cannot be revoked.
func (r *KeyRing) Revoke(identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.generations[identifier]
	if !ok {
		return fmt.Errorf("key not found: %w", goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("generation %s not found", identifier)))
	}
	if r.active == g {
		return fmt.Errorf("cannot revoke active generation: %w", goerrors.New(ErrCodeKeyRotation, "rotate before revoking the active generation"))
	}
	r.revokeLocked(g)
	if r.pending == g {
		r.pending = nil
	}
	return nil
}

func (r *KeyRing) revokeLocked(g *KeyGeneration) {
	g.status = StatusRevoked
	g.enclave = nil
}

// Export serializes generation metadata (never keys) as YAML.
func (r *KeyRing) Export() ([]byte, error) {
	r.mu.RLock()
	doc := struct {
		Alias       string           `yaml:"alias"`
		Active      string           `yaml:"active,omitempty"`
		Previous    string           `yaml:"previous,omitempty"`
		MaxVersions int              `yaml:"max_versions"`
		Generations []GenerationInfo `yaml:"generations"`
	}{Alias: r.alias, MaxVersions: r.maxVersions}
	if r.active != nil {
		doc.Active = r.active.identifier
	}
	if r.previous != nil {
		doc.Previous = r.previous.identifier
	}
	r.mu.RUnlock()
	doc.Generations = r.List()

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", goerrors.Wrap(err, ErrCodeKeySerialization, "failed to marshal key ring"))
	}
	return data, nil
}

// EncryptionLoader implements KeyResolver.
func (r *KeyRing) EncryptionLoader() (KeyLoader, error) {
	return r.Current()
}

// DecryptionLoaders implements KeyResolver: the single non-revoked generation with keyIdentifier.
func (r *KeyRing) DecryptionLoaders(keyIdentifier string) ([]KeyLoader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.generations) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredEngine, goerrors.New(ErrCodeMisconfigured, fmt.Sprintf("key ring %s is empty", r.alias)))
	}
	g, ok := r.generations[keyIdentifier]
	if !ok || g.status == StatusRevoked {
		return []KeyLoader{}, nil
	}
	return []KeyLoader{g}, nil
}

func (r *KeyRing) nextVersionLocked() int {
	return r.lastVersion + 1
}

// cleanupOldVersionsLocked drops revoked generations once the ring exceeds its limit.
func (r *KeyRing) cleanupOldVersionsLocked() {
	if len(r.generations) <= r.maxVersions {
		return
	}
	for id, g := range r.generations {
		if g.status != StatusRevoked || g == r.active || g == r.previous {
			continue
		}
		delete(r.generations, id)
	}
}
