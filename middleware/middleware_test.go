// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/assert"

	"github.com/sapcc/openstack-audit-middleware/audit"
)

const testAuditMap = `
service_type: compute
service_name: nova
prefix: /v2/{project_id}
resources:
  servers:
`

const testProjectID = "a5b1eb42c7d24a38a0f747a1f1ab54b4"

func newTestHandler(t *testing.T, next http.Handler, ignoreMethods ...string) (http.Handler, chan cadf.Event) {
	t.Helper()
	cfg, err := audit.ParseConfig([]byte(testAuditMap))
	if err != nil {
		t.Fatal(err.Error())
	}
	mapper, err := audit.NewMapper(cfg)
	if err != nil {
		t.Fatal(err.Error())
	}

	sink := make(chan cadf.Event, 10)
	handler := Wrap(next, Opts{
		Mapper:        mapper,
		EventSink:     sink,
		IgnoreMethods: ignoreMethods,
		Registry:      prometheus.NewRegistry(),
	})
	return handler, sink
}

func serveRequest(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, "http://nova.example.com"+path, strings.NewReader(body))
	request.Header.Set("X-Project-Id", testProjectID)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func expectEvent(t *testing.T, sink chan cadf.Event) cadf.Event {
	t.Helper()
	select {
	case event := <-sink:
		return event
	default:
		t.Fatal("expected an event in the sink, got none")
		return cadf.Event{}
	}
}

func expectNoEvent(t *testing.T, sink chan cadf.Event) {
	t.Helper()
	select {
	case event := <-sink:
		t.Fatalf("expected no event in the sink, got action %q", event.Action)
	default:
	}
}

func TestEventForHandledRequest(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"servers": []}`)) //nolint:errcheck
	})
	handler, sink := newTestHandler(t, next)

	recorder := serveRequest(handler, "GET", "/v2/"+testProjectID+"/servers", "")
	assert.Equal(t, recorder.Code, http.StatusOK)

	event := expectEvent(t, sink)
	assert.Equal(t, event.Action, cadf.Action("list"))
	assert.Equal(t, event.Outcome, cadf.Outcome("success"))
	assert.Equal(t, event.Reason.ReasonCode, "200")
}

func TestResponseIsPassedThroughUnchanged(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Marker", "from-backend")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hello")) //nolint:errcheck
	})
	handler, _ := newTestHandler(t, next)

	recorder := serveRequest(handler, "GET", "/v2/"+testProjectID+"/servers", "")
	assert.Equal(t, recorder.Code, http.StatusTeapot)
	assert.Equal(t, recorder.Body.String(), "hello")
	assert.Equal(t, recorder.Header().Get("X-Marker"), "from-backend")
}

func TestFailureOutcome(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	handler, sink := newTestHandler(t, next)

	serveRequest(handler, "GET", "/v2/"+testProjectID+"/servers", "")

	event := expectEvent(t, sink)
	assert.Equal(t, event.Outcome, cadf.Outcome("failure"))
	assert.Equal(t, event.Reason.ReasonCode, "403")
}

func TestRequestBodyIsReplayedToHandler(t *testing.T) {
	var seenBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("handler cannot read request body: %v", err)
		}
		seenBody = string(buf)
		w.WriteHeader(http.StatusAccepted)
	})
	handler, sink := newTestHandler(t, next)

	body := `{"reboot": {"type": "SOFT"}}`
	serveRequest(handler, "POST", "/v2/"+testProjectID+"/servers/abc123/action", body)

	// the handler sees the full body even though the middleware read it first
	assert.Equal(t, seenBody, body)

	event := expectEvent(t, sink)
	assert.Equal(t, event.Action, cadf.Action("update/reboot"))
}

func TestCreateIdentityFromResponseBody(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "x1", "name": "foo"}`)) //nolint:errcheck
	})
	handler, sink := newTestHandler(t, next)

	serveRequest(handler, "POST", "/v2/"+testProjectID+"/servers", "")

	event := expectEvent(t, sink)
	assert.Equal(t, event.Action, cadf.Action("create"))
	assert.Equal(t, event.Target.ID, "x1")
	assert.Equal(t, event.Target.Name, "foo")
}

func TestUnmappedRequestYieldsNoEvent(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler, sink := newTestHandler(t, next)

	recorder := serveRequest(handler, "GET", "/v2/"+testProjectID+"/unicorns", "")

	// the request itself is unaffected by the mapping failure
	assert.Equal(t, recorder.Code, http.StatusOK)
	expectNoEvent(t, sink)
}

func TestIgnoredMethods(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler, sink := newTestHandler(t, next, "get", "PUT")

	serveRequest(handler, "GET", "/v2/"+testProjectID+"/servers", "")
	expectNoEvent(t, sink)
	serveRequest(handler, "PUT", "/v2/"+testProjectID+"/servers/abc123", "")
	expectNoEvent(t, sink)

	serveRequest(handler, "DELETE", "/v2/"+testProjectID+"/servers/abc123", "")
	event := expectEvent(t, sink)
	assert.Equal(t, event.Action, cadf.Action("delete"))
}

func TestPanickingHandlerYieldsUnknownOutcome(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler, sink := newTestHandler(t, next)

	func() {
		defer func() {
			if recovered := recover(); recovered == nil {
				t.Error("expected the panic to propagate through the middleware")
			}
		}()
		serveRequest(handler, "GET", "/v2/"+testProjectID+"/servers", "")
	}()

	event := expectEvent(t, sink)
	assert.Equal(t, event.Outcome, cadf.Outcome("unknown"))
	assert.DeepEqual(t, "reason", event.Reason, cadf.Reason{})
}

func TestFullSinkDropsEventsWithoutBlocking(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cfg, err := audit.ParseConfig([]byte(testAuditMap))
	if err != nil {
		t.Fatal(err.Error())
	}
	mapper, err := audit.NewMapper(cfg)
	if err != nil {
		t.Fatal(err.Error())
	}
	sink := make(chan cadf.Event, 1)
	handler := Wrap(next, Opts{
		Mapper:    mapper,
		EventSink: sink,
		Registry:  prometheus.NewRegistry(),
	})

	// the second event does not fit into the sink; the request must still
	// complete normally
	for range 2 {
		recorder := serveRequest(handler, "GET", "/v2/"+testProjectID+"/servers", "")
		assert.Equal(t, recorder.Code, http.StatusOK)
	}
	assert.Equal(t, len(sink), 1)
}
