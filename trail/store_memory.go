// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package trail

import (
	"fmt"
	"sync"

	"github.com/majewsky/gg/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-api-declarations/cadf"
)

// MemoryStore is a BackingStore that parks events in process memory.
// It is the right choice for deployments without a persistent volume:
// buffering covers transient broker outages, but parked events are lost
// when the process restarts.
type MemoryStore struct {
	// MaxEvents limits how many events can be parked (default: 1000).
	MaxEvents option.Option[int]

	mu     sync.Mutex
	events []cadf.Event

	writeCounter prometheus.Counter
	readCounter  prometheus.Counter
	sizeGauge    prometheus.Gauge
}

// NewMemoryStore initializes a MemoryStore and registers its metrics.
// registry defaults to prometheus.DefaultRegisterer when nil.
func NewMemoryStore(maxEvents option.Option[int], registry prometheus.Registerer) *MemoryStore {
	store := &MemoryStore{
		MaxEvents: maxEvents,
		writeCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_backing_store_writes_total",
			Help: "Number of audit events parked in the backing store.",
		}),
		readCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_backing_store_reads_total",
			Help: "Number of audit events read back from the backing store.",
		}),
		sizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_backing_store_events",
			Help: "Number of events currently parked in the backing store.",
		}),
	}
	registerOrDefault(registry, store.writeCounter, store.readCounter, store.sizeGauge)
	return store
}

// Write implements the BackingStore interface.
func (s *MemoryStore) Write(event cadf.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxEvents := s.MaxEvents.UnwrapOr(1000)
	if len(s.events) >= maxEvents {
		return fmt.Errorf("%w: %d events parked", ErrStoreFull, len(s.events))
	}

	s.events = append(s.events, event)
	s.writeCounter.Inc()
	return nil
}

// ReadBatch implements the BackingStore interface.
func (s *MemoryStore) ReadBatch() ([]cadf.Event, func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 {
		return nil, nil, nil
	}

	// hand out a copy to keep the internal slice safe from the caller
	events := make([]cadf.Event, len(s.events))
	copy(events, s.events)

	commit := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = nil
		return nil
	}

	s.readCounter.Add(float64(len(events)))
	return events, commit, nil
}

// UpdateMetrics implements the BackingStore interface.
func (s *MemoryStore) UpdateMetrics() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sizeGauge.Set(float64(len(s.events)))
	return nil
}

// Close implements the BackingStore interface.
func (s *MemoryStore) Close() error {
	return nil
}
