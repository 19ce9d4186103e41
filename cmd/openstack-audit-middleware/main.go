// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Command openstack-audit-middleware runs a reverse proxy in front of an
// OpenStack API service and emits a CADF audit event for every API request
// that passes through it.
package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/majewsky/gg/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"

	"github.com/sapcc/openstack-audit-middleware/audit"
	"github.com/sapcc/openstack-audit-middleware/middleware"
	"github.com/sapcc/openstack-audit-middleware/trail"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("AUDIT_DEBUG")

	cfg := must.Return(audit.LoadConfig(must.Return(osext.NeedGetenv("AUDIT_MAP_FILE"))))
	mapper := must.Return(audit.NewMapper(cfg))

	upstreamURL := must.Return(url.Parse(must.Return(osext.NeedGetenv("AUDIT_UPSTREAM_URL"))))
	proxy := httputil.NewSingleHostReverseProxy(upstreamURL)

	eventSink := make(chan cadf.Event, 1024)
	handler := middleware.Wrap(proxy, middleware.Opts{
		Mapper:        mapper,
		EventSink:     eventSink,
		IgnoreMethods: splitIgnoreMethods(osext.GetenvOrDefault("AUDIT_IGNORE_METHODS", "")),
	})

	ctx := httpext.ContextWithSIGINT(context.Background(), 0)
	go runPublisher(ctx, eventSink)

	router := mux.NewRouter()
	router.Methods("GET").Path("/metrics").Handler(promhttp.Handler())
	router.PathPrefix("/").Handler(handler)

	listenAddress := osext.GetenvOrDefault("AUDIT_LISTEN_ADDRESS", ":8080")
	err := httpext.ListenAndServeContext(ctx, listenAddress, router)
	if err != nil && err != http.ErrServerClosed {
		logg.Fatal(err.Error())
	}
}

// runPublisher forwards audit events to RabbitMQ, or to the log when no
// broker is configured.
func runPublisher(ctx context.Context, eventSink <-chan cadf.Event) {
	rabbitmqURIStr := osext.GetenvOrDefault("AUDIT_RABBITMQ_URI", "")
	if rabbitmqURIStr == "" {
		logg.Other("INFO", "AUDIT_RABBITMQ_URI is not set, audit events go to the log only")
		trail.LogEvents(ctx, eventSink)
		return
	}
	rabbitmqURI := must.Return(url.Parse(rabbitmqURIStr))
	queueName := must.Return(osext.NeedGetenv("AUDIT_QUEUE_NAME"))

	successCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_publish_success_total",
		Help: "Number of audit events published to the broker.",
	})
	failureCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_publish_failures_total",
		Help: "Number of failed attempts to publish an audit event.",
	})
	prometheus.MustRegister(successCounter, failureCounter)

	t := trail.Trail{
		EventSink:           eventSink,
		OnSuccessfulPublish: successCounter.Inc,
		OnFailedPublish:     failureCounter.Inc,
		BackingStore:        buildBackingStore(),
	}
	t.Commit(ctx, *rabbitmqURI, queueName)
}

func buildBackingStore() trail.BackingStore {
	spoolDir := osext.GetenvOrDefault("AUDIT_SPOOL_DIR", "")
	if spoolDir == "" {
		return trail.NewMemoryStore(option.None[int](), nil)
	}
	return must.Return(trail.NewFileStore(spoolDir, nil))
}

func splitIgnoreMethods(input string) []string {
	var methods []string
	for _, method := range strings.Split(input, ",") {
		method = strings.TrimSpace(method)
		if method != "" {
			methods = append(methods, method)
		}
	}
	return methods
}
