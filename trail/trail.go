// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package trail

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/logg"
)

// Trail is the publishing end of the audit event pipeline.
type Trail struct {
	// EventSink is where events arrive, usually filled by the middleware.
	EventSink <-chan cadf.Event
	// OnSuccessfulPublish and OnFailedPublish are invoked once per publish
	// attempt; both are optional (useful for bumping counters).
	OnSuccessfulPublish func()
	OnFailedPublish     func()
	// BackingStore buffers events while the broker is down (required).
	BackingStore BackingStore
}

// Commit runs the publishing loop until ctx expires. It is meant to be
// started with the "go" keyword.
//
// Events are published directly when the broker is reachable, and parked in
// the backing store otherwise. The store is drained periodically. When the
// store itself fills up, intake from EventSink is paused until a drain
// succeeds, so that audit data already accepted is not lost.
func (t Trail) Commit(ctx context.Context, rabbitmqURI url.URL, queueName string) {
	rc, err := newRabbitConnection(rabbitmqURI, queueName)
	if err != nil {
		logg.Error(err.Error())
	}

	sendEvent := func(event *cadf.Event) bool {
		rc = refreshConnection(rc, rabbitmqURI, queueName)
		err := rc.publishEvent(ctx, event)
		if err != nil {
			if t.OnFailedPublish != nil {
				t.OnFailedPublish()
			}
			logg.Error("trail: failed to publish event %s: %s", event.ID, err.Error())
			return false
		}
		if t.OnSuccessfulPublish != nil {
			t.OnSuccessfulPublish()
		}
		return true
	}

	drainTicker := time.NewTicker(1 * time.Minute)
	defer drainTicker.Stop()
	metricsTicker := time.NewTicker(1 * time.Minute)
	defer metricsTicker.Stop()

	storeFull := false

	for {
		// pause intake while the backing store is full
		intake := t.EventSink
		if storeFull {
			intake = nil
		}

		select {
		case <-ctx.Done():
			if !rc.isNilOrClosed() {
				rc.disconnect()
			}
			err := t.BackingStore.Close()
			if err != nil {
				logg.Error("trail: error while closing backing store: %s", err.Error())
			}
			return
		case event := <-intake:
			if !sendEvent(&event) {
				err := t.BackingStore.Write(event)
				if err != nil {
					logg.Error("trail: cannot park event %s: %s", event.ID, err.Error())
					storeFull = true
				}
			}
		case <-metricsTicker.C:
			err := t.BackingStore.UpdateMetrics()
			if err != nil {
				logg.Error("trail: cannot update backing store metrics: %s", err.Error())
			}
		case <-drainTicker.C:
			if t.drainBackingStore(sendEvent) {
				storeFull = false
			}
		}
	}
}

// drainBackingStore publishes parked events batch by batch until the store
// is empty or publishing fails. Returns whether at least one batch went out.
func (t Trail) drainBackingStore(sendEvent func(*cadf.Event) bool) bool {
	anyBatchDrained := false

	for {
		events, commit, err := t.BackingStore.ReadBatch()
		if err != nil {
			logg.Error("trail: cannot read from backing store: %s", err.Error())
			return anyBatchDrained
		}
		if len(events) == 0 {
			if commit != nil {
				if err := commit(); err != nil {
					logg.Error("trail: cannot commit empty batch: %s", err.Error())
				}
			}
			return anyBatchDrained
		}

		for _, event := range events {
			if !sendEvent(&event) {
				// broker went away again; the whole batch stays parked
				return anyBatchDrained
			}
		}
		if err := commit(); err != nil {
			logg.Error("trail: cannot commit drained batch: %s", err.Error())
			return anyBatchDrained
		}
		anyBatchDrained = true
	}
}

func refreshConnection(rc *rabbitConnection, uri url.URL, queueName string) *rabbitConnection {
	if !rc.isNilOrClosed() {
		if !rc.isOlderThan(maxConnectionAge) {
			return rc
		}
		rc.disconnect()
	}

	connection, err := newRabbitConnection(uri, queueName)
	if err != nil {
		logg.Error(err.Error())
		return nil
	}
	return connection
}

// LogEvents consumes events from sink and writes them to the log instead of
// a broker. This is the fallback delivery mode for deployments without a
// RabbitMQ connection. It blocks until ctx expires; start it with "go".
func LogEvents(ctx context.Context, sink <-chan cadf.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sink:
			buf, err := json.Marshal(event)
			if err != nil {
				logg.Error("trail: cannot serialize event %s: %s", event.ID, err.Error())
				continue
			}
			logg.Other("AUDIT", "%s", string(buf))
		}
	}
}
