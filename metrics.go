// metrics.go: Prometheus instrumentation for the encryption engine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine operations. A nil *Metrics records nothing.
type Metrics struct {
	operations        *prometheus.CounterVec
	candidateFailures *prometheus.CounterVec
	fallbacks         prometheus.Counter
	passthrough       prometheus.Counter
}

// Operation results used as label values.
const (
	resultOK        = "ok"
	resultError     = "error"
	resultMalformed = "malformed"
)

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg leaves them unregistered. Registering twice with the same reg panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "krypteia",
			Name:      "operations_total",
			Help:      "Encrypt and decrypt operations by encode version and result",
		}, []string{"operation", "version", "result"}),
		candidateFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "krypteia",
			Name:      "candidate_failures_total",
			Help:      "Decrypt candidates rejected, by reason",
		}, []string{"reason"}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "krypteia",
			Name:      "decrypt_fallbacks_total",
			Help:      "Decrypts that succeeded only after an earlier candidate failed",
		}),
		passthrough: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "krypteia",
			Name:      "decrypt_passthrough_total",
			Help:      "Decrypt inputs returned unchanged because they were not envelopes",
		}),
	}
}

func (m *Metrics) recordOperation(op string, version EncodeVersion, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, version.String(), result).Inc()
}

func (m *Metrics) recordCandidateFailure(err error) {
	if m == nil {
		return
	}
	m.candidateFailures.WithLabelValues(failureReason(err)).Inc()
}

func (m *Metrics) recordFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) recordPassthrough() {
	if m == nil {
		return
	}
	m.passthrough.Inc()
}

// failureReason maps a candidate error to a low-cardinality label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoMatchingKeyLoader):
		return "no_loader"
	case errors.Is(err, ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, ErrIntegrityCheckFailed):
		return "integrity"
	case errors.Is(err, ErrCrypto):
		return "crypto"
	}
	return "other"
}
