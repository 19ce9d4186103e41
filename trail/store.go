// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package trail delivers CADF audit events to a RabbitMQ broker.
//
// Events enter through a channel (fed by package middleware) and are
// published one by one. While the broker is unreachable, events are parked
// in a BackingStore and drained once the connection comes back, so that a
// broker outage does not lose audit data.
package trail

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-api-declarations/cadf"
)

// BackingStore buffers audit events while the broker is unavailable.
//
// Implementations must serialize Write and ReadBatch against each other;
// callers must finish the commit callback of one ReadBatch before issuing
// the next one.
type BackingStore interface {
	// Write parks one event in the store.
	Write(event cadf.Event) error

	// ReadBatch returns the oldest batch of parked events together with a
	// commit callback that removes the batch from the store. The commit must
	// only be called after all returned events were delivered.
	// An empty store returns (nil, nil, nil).
	ReadBatch() (events []cadf.Event, commit func() error, err error)

	// UpdateMetrics refreshes the store's size metrics. Called periodically.
	UpdateMetrics() error

	// Close releases any resources held by the store.
	Close() error
}

// ErrStoreFull is returned by BackingStore.Write when the store has reached
// its configured capacity. The trail reacts by pausing event intake, which
// eventually blocks up to the middleware's sink channel (where events are
// then dropped and counted rather than stalling API requests).
var ErrStoreFull = errors.New("trail: backing store full")

func registerOrDefault(registry prometheus.Registerer, collectors ...prometheus.Collector) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	registry.MustRegister(collectors...)
}
