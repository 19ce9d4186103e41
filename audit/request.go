// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"net"
	"net/http"
)

// Unknown is the sentinel value for identity fields that were not supplied
// by the authentication layer.
const Unknown = "unknown"

// RequestInfo is the normalized, framework-independent view of an incoming
// API request that the Mapper consumes. All identity fields default to the
// Unknown sentinel when the respective header is missing, except for
// AuthToken which defaults to an empty string.
type RequestInfo struct {
	Method     string
	Path       string // URL path only
	PathQuery  string // URL path including query string
	ClientAddr string
	UserAgent  string

	UserID         string
	UserName       string
	ProjectID      string
	DomainID       string
	AuthToken      string
	IdentityStatus string

	body       []byte
	bodyJSON   map[string]any
	bodyParsed bool
}

// NewRequestInfo captures everything the Mapper needs from an http.Request.
// The request body must be supplied separately because the caller usually
// needs to replay it to the actual request handler.
func NewRequestInfo(r *http.Request, body []byte) *RequestInfo {
	return &RequestInfo{
		Method:         r.Method,
		Path:           r.URL.Path,
		PathQuery:      r.URL.RequestURI(),
		ClientAddr:     clientAddr(r.RemoteAddr),
		UserAgent:      r.UserAgent(),
		UserID:         headerOrUnknown(r, "X-User-Id"),
		UserName:       headerOrUnknown(r, "X-User-Name"),
		ProjectID:      headerOrUnknown(r, "X-Project-Id"),
		DomainID:       headerOrUnknown(r, "X-Domain-Id"),
		AuthToken:      r.Header.Get("X-Auth-Token"),
		IdentityStatus: headerOrUnknown(r, "X-Identity-Status"),
		body:           body,
	}
}

func headerOrUnknown(r *http.Request, key string) string {
	val := r.Header.Get(key)
	if val == "" {
		return Unknown
	}
	return val
}

func clientAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// JSONBody returns the request body parsed as a JSON object. A missing body
// or one that is not a JSON object yields nil; parse errors never propagate.
// The parse result is memoized, so repeated calls are cheap.
func (r *RequestInfo) JSONBody() map[string]any {
	if !r.bodyParsed {
		r.bodyParsed = true
		r.bodyJSON = parseJSONObject(r.body)
	}
	return r.bodyJSON
}

// scopeID returns the project or domain scope of the request, preferring the
// project. This value fills the {project_id} placeholder of the URL prefix
// and the scope fields of the event initiator.
func (r *RequestInfo) scopeID() string {
	if r.ProjectID != Unknown {
		return r.ProjectID
	}
	if r.DomainID != Unknown {
		return r.DomainID
	}
	return Unknown
}

// ResponseInfo is the normalized view of the response that the API produced
// for a request. A nil *ResponseInfo means that no response is available
// (e.g. the handler panicked), which yields outcome "unknown".
type ResponseInfo struct {
	StatusCode int
	Body       []byte

	bodyJSON   map[string]any
	bodyParsed bool
}

// JSONBody behaves like RequestInfo.JSONBody, for the response body.
func (r *ResponseInfo) JSONBody() map[string]any {
	if !r.bodyParsed {
		r.bodyParsed = true
		r.bodyJSON = parseJSONObject(r.Body)
	}
	return r.bodyJSON
}

func parseJSONObject(buf []byte) map[string]any {
	if len(buf) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(buf, &payload); err != nil {
		return nil
	}
	return payload
}
