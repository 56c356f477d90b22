// Package krypteia encrypts credentials before they are written to storage and decrypts
// them on read.
//
// Values are stored as envelopes: a three-character header ("cE" followed by the encode
// version digit) and the base64 encoding of the key identifier, IV, ciphertext and an
// HMAC-SHA256 tag. The engine provides:
//   - AES-256-CBC with PKCS#7 padding (versions 1 and 2) or AES-256-GCM (version 3)
//   - per-message encryption and MAC keys derived with the SP800-108 counter-mode KDF
//   - constant-time MAC verification before any decryption
//   - decrypt fallback across several keys sharing a key identifier
//   - passthrough of values that were stored before encryption was enabled
//   - hardware-wrapped keys, imported raw keys and passphrase-derived keys
//   - key rings with zero-downtime rotation
//   - migration of a whole value store from one key configuration to another
//
// # Quick Start
//
// Encrypting with an imported raw key:
//
//	key, err := krypteia.GenerateKey()
//	if err != nil {
//		log.Fatal(err)
//	}
//	loader, err := krypteia.NewRawImportedKeyLoader("app", krypteia.KeyIdentifierRaw, key)
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine, err := krypteia.NewEngine(krypteia.NewStaticResolver(loader))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	stored, err := engine.Encrypt("refresh-token")
//	plain, err := engine.Decrypt(stored) // "refresh-token"
//
// Decrypt returns values without an envelope header unchanged:
//
//	plain, _ := engine.Decrypt("written-before-encryption") // "written-before-encryption"
//
// # Hardware-Wrapped Keys
//
// A HardwareWrappedKeyLoader generates a master key on first use, has a KeystoreProvider
// wrap it, and persists only the wrapped blob. Every use unwraps it again:
//
//	ks := krypteia.NewSoftwareKeystore()
//	if err := ks.Initialize(ctx, map[string]interface{}{"dir": "/var/lib/app/keystore"}); err != nil {
//		log.Fatal(err)
//	}
//	blobs, err := krypteia.NewFileBlobStore("/var/lib/app/keys")
//	loader, err := krypteia.NewHardwareWrappedKeyLoader("app-storage", ks, blobs)
//
// A blob the keystore no longer accepts is wiped and reported as ErrKeyUnavailable; the
// next Encrypt generates a fresh key.
//
// # Multiple Keys
//
// A KeyResolver decides which loader encrypts and which loaders may decrypt a given key
// identifier. Candidates are tried in order; the first whose MAC verifies wins. When every
// candidate fails, the returned *DecryptionError lists each one's alias, thumbprint and error:
//
//	resolver := krypteia.NewStaticResolver(own, own, sibling)
//	_, err := engine.Decrypt(stored)
//	var derr *krypteia.DecryptionError
//	if errors.As(err, &derr) {
//		for _, f := range derr.Failures {
//			log.Printf("%s (%s): %v", f.Alias, f.Thumbprint, f.Err)
//		}
//	}
//
// # Configuration
//
// Applications usually declare their loaders in YAML and build the engine once at startup:
//
//	cfg, err := krypteia.LoadConfig("krypteia.yaml")
//	rt, err := cfg.Build(krypteia.BuildOptions{Logger: logger, Registerer: prometheus.DefaultRegisterer})
//	defer rt.Close()
//
// Scalar settings may be overridden with KRYPTEIA_* environment variables.
//
// # Errors
//
// Every failure matches one of ErrKeyUnavailable, ErrDataMalformed, ErrIntegrityCheckFailed,
// ErrDecryptionFailed or ErrMisconfiguredEngine with errors.Is. Error messages and logs carry
// aliases, key identifiers and thumbprints, never key bytes.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package krypteia
