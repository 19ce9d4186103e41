// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package middleware plugs the audit mapper into a net/http handler chain.
//
// The middleware observes every request/response pair that passes through
// it, asks the Mapper for a matching CADF event and pushes that event into a
// sink channel (usually consumed by package trail). Auditing is strictly
// best-effort: whatever happens during event creation or delivery, the
// wrapped handler's response is never altered and never delayed.
package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/openstack-audit-middleware/audit"
)

// bodies larger than this are not inspected for audit purposes (the request
// itself is unaffected, the body is streamed through)
const maxInspectedBodySize = 1 << 20 // 1 MiB

// Opts contains dependencies and options for Wrap.
type Opts struct {
	// Mapper is the compiled audit map (required).
	Mapper *audit.Mapper
	// EventSink receives the generated events (required). The send is
	// non-blocking; events are dropped (and counted) when the sink is full.
	EventSink chan<- cadf.Event
	// IgnoreMethods lists HTTP methods that are never audited, e.g. "GET".
	IgnoreMethods []string
	// Registry is where the middleware registers its metrics.
	// Defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Wrap returns a handler that audits all requests served by next.
func Wrap(next http.Handler, opts Opts) http.Handler {
	ignored := make(map[string]bool, len(opts.IgnoreMethods))
	for _, method := range opts.IgnoreMethods {
		ignored[strings.ToUpper(method)] = true
	}

	m := &middleware{
		next:    next,
		mapper:  opts.Mapper,
		sink:    opts.EventSink,
		ignored: ignored,
		eventsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Number of generated audit events.",
		}, []string{"action", "outcome", "target_type_uri"}),
		unmappedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_requests_unmapped_total",
			Help: "Number of requests that did not map to an audit event.",
		}),
		droppedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Number of audit events dropped because the event sink was full.",
		}),
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	registry.MustRegister(m.eventsCounter, m.unmappedCounter, m.droppedCounter)

	return m
}

type middleware struct {
	next    http.Handler
	mapper  *audit.Mapper
	sink    chan<- cadf.Event
	ignored map[string]bool

	eventsCounter   *prometheus.CounterVec
	unmappedCounter prometheus.Counter
	droppedCounter  prometheus.Counter
}

// ServeHTTP implements the http.Handler interface.
func (m *middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.ignored[r.Method] {
		m.next.ServeHTTP(w, r)
		return
	}

	reqInfo := audit.NewRequestInfo(r, grabRequestBody(r))
	recorder := &responseRecorder{inner: w}

	// When the wrapped handler panics, we still file an event (with outcome
	// "unknown" since no response was produced) before the panic travels on
	// to the server's recovery handler.
	completed := false
	defer func() {
		if !completed {
			m.record(reqInfo, nil)
		}
	}()

	m.next.ServeHTTP(recorder, r)
	completed = true

	m.record(reqInfo, &audit.ResponseInfo{
		StatusCode: recorder.statusCode(),
		Body:       recorder.body.Bytes(),
	})
}

func (m *middleware) record(reqInfo *audit.RequestInfo, resInfo *audit.ResponseInfo) {
	event := m.mapper.CreateEvent(reqInfo, resInfo)
	if event == nil {
		m.unmappedCounter.Inc()
		return
	}

	m.eventsCounter.With(prometheus.Labels{
		"action":          string(event.Action),
		"outcome":         string(event.Outcome),
		"target_type_uri": event.Target.TypeURI,
	}).Inc()

	select {
	case m.sink <- *event:
	default:
		m.droppedCounter.Inc()
		logg.Error("audit: event sink full, dropping event %s (%s %s)",
			event.ID, event.Action, event.RequestPath)
	}
}

// grabRequestBody reads the request body for audit inspection and puts an
// equivalent body back into the request for the actual handler to consume.
// Oversized or unreadable bodies yield nil (i.e. "no body" for auditing).
func grabRequestBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxInspectedBodySize+1))
	r.Body = replayBody{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || len(buf) > maxInspectedBodySize {
		return nil
	}
	return buf
}

// replayBody glues the already-read part of a request body back in front of
// the unread rest, while keeping the original Close behavior.
type replayBody struct {
	io.Reader
	io.Closer
}

// responseRecorder passes everything through to the wrapped ResponseWriter,
// and keeps the status code plus a bounded copy of the response body for
// audit inspection.
type responseRecorder struct {
	inner  http.ResponseWriter
	status int
	body   bytes.Buffer
}

// Header implements the http.ResponseWriter interface.
func (r *responseRecorder) Header() http.Header {
	return r.inner.Header()
}

// WriteHeader implements the http.ResponseWriter interface.
func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.inner.WriteHeader(status)
}

// Write implements the http.ResponseWriter interface.
func (r *responseRecorder) Write(buf []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if r.body.Len() < maxInspectedBodySize {
		r.body.Write(buf[:min(len(buf), maxInspectedBodySize-r.body.Len())])
	}
	return r.inner.Write(buf)
}

func (r *responseRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
