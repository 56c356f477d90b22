// telemetry.go: Key lifecycle and decryption failure events.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// EventKind names a telemetry event.
type EventKind string

const (
	EventKeyCreated       EventKind = "key_created"
	EventKeyWiped         EventKind = "key_wiped"
	EventKeyRotated       EventKind = "key_rotated"
	EventDecryptionFailed EventKind = "decryption_failed"
)

// Event describes something an operator may want to alert on. It never carries key bytes.
type Event struct {
	Kind          EventKind
	Alias         string
	KeyIdentifier string
	Thumbprint    string
	Err           error
	Time          time.Time
}

// EventSink receives events synchronously. It must not block. A panicking sink is
// recovered and the event dropped.
type EventSink func(Event)

func emit(sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = timecache.CachedTime().UTC()
	}
	defer func() { _ = recover() }()
	sink(ev)
}

// failureReporter forwards decryption failures to a sink at most once per
// (kind, alias, key identifier) until that alias decrypts an envelope of the identifier
// again, so a hot read path over undecryptable data does not flood the sink.
type failureReporter struct {
	sink     EventSink
	mu       sync.Mutex
	reported map[string]struct{}
}

func newFailureReporter(sink EventSink) *failureReporter {
	return &failureReporter{sink: sink, reported: make(map[string]struct{})}
}

func failureKey(kind EventKind, alias, keyIdentifier string) string {
	return string(kind) + "\x00" + alias + "\x00" + keyIdentifier
}

func (r *failureReporter) report(ev Event) {
	if r == nil || r.sink == nil {
		return
	}
	k := failureKey(ev.Kind, ev.Alias, ev.KeyIdentifier)
	r.mu.Lock()
	_, seen := r.reported[k]
	if !seen {
		r.reported[k] = struct{}{}
	}
	r.mu.Unlock()
	if !seen {
		emit(r.sink, ev)
	}
}

// resolved re-arms reporting for alias after it decrypted an envelope of keyIdentifier.
func (r *failureReporter) resolved(alias, keyIdentifier string) {
	if r == nil {
		return
	}
	k := failureKey(EventDecryptionFailed, alias, keyIdentifier)
	r.mu.Lock()
	delete(r.reported, k)
	r.mu.Unlock()
}
