// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"crypto/md5" //nolint:gosec // fed into a name-based UUID, not used cryptographically
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/logg"
)

// The subset of the CADF taxonomy that path/method mapping can produce.
// Custom actions from the audit map may carry arbitrary additional verbs.
const (
	actionCreate cadf.Action = "create"
	actionRead   cadf.Action = "read"
	actionList   cadf.Action = "list"
	actionUpdate cadf.Action = "update"
	actionDelete cadf.Action = "delete"

	outcomeSuccess cadf.Outcome = "success"
	outcomeFailure cadf.Outcome = "failure"
	outcomeUnknown cadf.Outcome = "unknown"
)

const (
	eventTypeURI     = "http://schemas.dmtf.org/cloud/audit/1.0/event"
	initiatorTypeURI = "service/security/account/user"

	// the magic trailing path segment that announces the real action token
	// inside the request body, e.g. POST /servers/{id}/action {"reboot": {}}
	actionSentinel = "action"

	cadfTimeFormat = "2006-01-02T15:04:05.999999+00:00"
)

// Mapper resolves API requests into CADF audit events using a compiled audit
// map. A Mapper is immutable after construction and safe for concurrent use
// by any number of goroutines.
type Mapper struct {
	serviceType    string
	serviceName    string
	prefixTemplate string
	payloads       PayloadsConfig
	resources      nameTable
	observer       cadf.Resource
}

// NewMapper compiles an audit map into a Mapper. This is the only place
// where configuration errors surface; everything after this point is
// per-request best-effort mapping.
func NewMapper(cfg *Config) (*Mapper, error) {
	resources, err := compileResources(cfg.Resources, cfg.ServiceType)
	if err != nil {
		return nil, ConfigError{Err: err}
	}

	return &Mapper{
		serviceType:    cfg.ServiceType,
		serviceName:    cfg.ServiceName,
		prefixTemplate: strings.TrimSuffix(cfg.Prefix, "/"),
		payloads:       cfg.Payloads,
		resources:      resources,
		observer: cadf.Resource{
			TypeURI: "service/" + cfg.ServiceType,
			Name:    cfg.ServiceName,
			ID:      stableServiceID(cfg.ServiceName),
		},
	}, nil
}

// stableServiceID derives a UUID for the service instance that survives
// restarts: a name-based UUID over the local hostname, in a namespace
// derived from the service name.
func stableServiceID(serviceName string) string {
	sum := md5.Sum([]byte(serviceName)) //nolint:gosec
	namespace, err := uuid.FromBytes(sum[:])
	if err != nil {
		// unreachable: md5 sums are always 16 bytes
		return serviceName
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = Unknown
	}
	return uuid.NewV5(namespace, hostname).String()
}

// CreateEvent maps one request/response pair into a CADF event.
//
// A nil result means that the request is not covered by the audit map (or
// that its action is explicitly filtered out) and no event shall be emitted.
// This is a normal per-request outcome, not an error: mapping failures must
// never disturb the handling of the actual request.
//
// res may be nil when no response is available; the event then carries
// outcome "unknown" and no reason.
func (m *Mapper) CreateEvent(req *RequestInfo, res *ResponseInfo) *cadf.Event {
	path, ok := m.stripPrefix(req)
	if !ok {
		logg.Debug("audit: path %s does not match prefix template %s", req.Path, m.prefixTemplate)
		return nil
	}
	if path == "" {
		return nil
	}

	event := m.buildEvent(&grammarNode{table: m.resources}, "", "", req, res, path, 0)
	if event != nil && m.payloads.enabled() {
		m.attachPayload(event, req)
	}
	return event
}

// stripPrefix removes the configured URL prefix (with the {project_id}
// placeholder filled in from the request scope) from the request path. The
// remainder keeps its leading slash and loses any trailing one.
func (m *Mapper) stripPrefix(req *RequestInfo) (string, bool) {
	prefix := strings.ReplaceAll(m.prefixTemplate, "{project_id}", req.scopeID())
	if !strings.HasPrefix(req.Path, prefix) {
		return "", false
	}
	return strings.TrimSuffix(req.Path[len(prefix):], "/"), true
}

// buildEvent walks the path segment-by-segment against the grammar.
//
// cursor points at the slash in front of the next segment, or is -1 once the
// path is exhausted. resID is the instance ID bound at the current resource
// (empty if none was seen yet); parentID is the instance ID of the nearest
// enclosing resource, which actions on ID-less children fall back to.
func (m *Mapper) buildEvent(node *grammarNode, resID, parentID string, req *RequestInfo, res *ResponseInfo, path string, cursor int) *cadf.Event {
	if cursor == -1 {
		// end of path: the current node must be an actual resource
		if node.spec == nil {
			logg.Other("WARNING", "audit: path ends at unresolved resource group: %s", req.Path)
			return nil
		}
		event := m.newEvent(node.spec, coalesce(resID, parentID), req, res, "")
		if event == nil {
			return nil
		}

		// A creating POST returns the server-generated identity in the
		// response body; that one wins over anything found in the path.
		if req.Method == http.MethodPost && res != nil {
			if payload := res.JSONBody(); payload != nil {
				name, ok := payload["name"].(string)
				if !ok {
					name, ok = payload["displayName"].(string)
				}
				if ok {
					id, _ := payload["id"].(string)
					event.Target = cadf.Resource{
						TypeURI: node.spec.TypeURI,
						ID:      coalesce(id, event.Target.ID),
						Name:    name,
					}
				}
			}
		}
		return event
	}

	var token string
	next := strings.Index(path[cursor+1:], "/")
	if next == -1 {
		token = path[cursor+1:]
	} else {
		next += cursor + 1
		token = path[cursor+1 : next]
	}

	switch {
	case node.table != nil:
		// current node selects by resource name
		child := node.table[token]
		if child == nil {
			logg.Other("WARNING", "audit: incomplete mapping after segment %q: %s", token, req.Path)
			return nil
		}
		return m.buildEvent(child, "", "", req, res, path, next)

	case node.spec != nil:
		spec := node.spec
		if resID != "" || spec.Singleton {
			// instance is addressed: the next segment is a child resource
			// or, at the end of the path, an action token
			if child := spec.Children[token]; child != nil {
				return m.buildEvent(child, "", coalesce(resID, parentID), req, res, path, next)
			}
			if next == -1 {
				return m.newEvent(spec, coalesce(resID, parentID), req, res, token)
			}
		} else {
			// collection is addressed: the next segment binds the instance ID
			return m.buildEvent(node, token, parentID, req, res, path, next)
		}
	}

	logg.Other("WARNING", "audit: unexpected path continuation after segment %q: %s", token, req.Path)
	return nil
}

// determineAction derives the CADF action from the HTTP method, the presence
// of a bound instance ID, and an optional action suffix token. ok == false
// means that no event shall be emitted for this request.
func (m *Mapper) determineAction(spec *ResourceSpec, resID string, req *RequestInfo, suffix string) (action cadf.Action, ok bool) {
	switch req.Method {
	case http.MethodPost:
		if suffix == "" {
			return actionCreate, true
		}
		return m.customAction(spec, suffix, req)
	case http.MethodGet:
		if suffix == "" {
			if resID != "" {
				return actionRead, true
			}
			return actionList, true
		}
		return m.customAction(spec, suffix, req)
	case http.MethodPut, http.MethodPatch:
		return actionUpdate, true
	case http.MethodDelete:
		return actionDelete, true
	case http.MethodHead:
		return actionRead, true
	default:
		return "", false
	}
}

// customAction resolves a non-CRUD action token against the resource's
// custom action table:
//
//   - exact match wins; an empty value is an explicit "do not audit this"
//   - otherwise the wildcard entry "*" applies, with "*" in its value
//     replaced by the token (again, an empty value suppresses)
//   - a resource without any custom action table maps the token to the
//     generic "update/<token>"
//   - a resource with a table that does not cover the token is an allow-list
//     miss and suppresses the event
func (m *Mapper) customAction(spec *ResourceSpec, suffix string, req *RequestInfo) (cadf.Action, bool) {
	token := suffix
	if suffix == actionSentinel {
		key, ok := firstJSONKey(req.body)
		if !ok {
			logg.Other("WARNING", "audit: empty or malformed action payload: %s", req.Path)
			return "", false
		}
		token = key
	}

	if action, exists := spec.CustomActions[token]; exists {
		if action == "" {
			logg.Debug("audit: action %q is filtered out", token)
			return "", false
		}
		return cadf.Action(action), true
	}

	if wildcard, exists := spec.CustomActions["*"]; exists && wildcard != "" {
		return cadf.Action(strings.ReplaceAll(wildcard, "*", token)), true
	}

	if len(spec.CustomActions) == 0 {
		return actionUpdate + "/" + cadf.Action(token), true
	}

	logg.Debug("audit: action %q is filtered out", token)
	return "", false
}

// firstJSONKey returns the first key of the top-level JSON object in buf.
// Unlike a map round-trip, this preserves the document order of keys.
func firstJSONKey(buf []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(buf))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return "", false
	}
	tok, err = dec.Token()
	if err != nil {
		return "", false
	}
	key, ok := tok.(string)
	return key, ok && key != ""
}

// newEvent assembles the event after path resolution has terminated.
func (m *Mapper) newEvent(spec *ResourceSpec, resID string, req *RequestInfo, res *ResponseInfo, actionSuffix string) *cadf.Event {
	action, ok := m.determineAction(spec, resID, req, actionSuffix)
	if !ok {
		return nil
	}

	outcome := outcomeUnknown
	var reason cadf.Reason
	if res != nil {
		if res.StatusCode >= 200 && res.StatusCode < 400 {
			outcome = outcomeSuccess
		} else {
			outcome = outcomeFailure
		}
		reason = cadf.Reason{
			ReasonType: "HTTP",
			ReasonCode: strconv.Itoa(res.StatusCode),
		}
	}

	var target cadf.Resource
	switch {
	case resID != "":
		typeURI := spec.ElementTypeURI
		if action == actionList || spec.Singleton {
			typeURI = spec.TypeURI
		}
		target = cadf.Resource{TypeURI: typeURI, ID: resID}
	case action == actionList:
		// listing addresses the collection itself
		target = cadf.Resource{TypeURI: spec.TypeURI, ID: m.serviceName}
	default:
		// no instance was addressed, so the service itself is the target
		target = cadf.Resource{
			TypeURI:   "service/" + spec.TypeURI,
			ID:        m.serviceName,
			Addresses: []struct {
				URL  string `json:"url"`
				Name string `json:"name,omitempty"`
			}{{URL: req.PathQuery}},
		}
	}

	event := cadf.Event{
		TypeURI:     eventTypeURI,
		ID:          generateUUID(),
		EventTime:   time.Now().UTC().Format(cadfTimeFormat),
		EventType:   "activity",
		Action:      action,
		Outcome:     outcome,
		Reason:      reason,
		Initiator:   m.initiator(req),
		Target:      target,
		Observer:    m.observer,
		RequestPath: req.PathQuery,
	}
	m.attachCredential(&event, req)
	return &event
}

func (m *Mapper) initiator(req *RequestInfo) cadf.Resource {
	initiator := cadf.Resource{
		TypeURI: initiatorTypeURI,
		ID:      req.UserID,
		Name:    req.UserName,
		Host: &cadf.Host{
			Address: req.ClientAddr,
			Agent:   req.UserAgent,
		},
	}
	if req.ProjectID != Unknown {
		initiator.ProjectID = req.ProjectID
	} else if req.DomainID != Unknown {
		initiator.DomainID = req.DomainID
	}
	return initiator
}

// attachCredential records the Keystone credential of the initiator. The
// token itself is never stored verbatim, only its SHA-256 digest.
func (m *Mapper) attachCredential(event *cadf.Event, req *RequestInfo) {
	cred := struct {
		Token          string `json:"token,omitempty"`
		IdentityStatus string `json:"identity_status"`
	}{
		Token:          obfuscateToken(req.AuthToken),
		IdentityStatus: req.IdentityStatus,
	}
	buf, err := json.Marshal(cred)
	if err != nil {
		return
	}
	event.Attachments = append(event.Attachments, cadf.Attachment{
		Name:    "credential",
		TypeURI: "mime:application/json",
		Content: string(buf),
	})
}

func obfuscateToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// attachPayload adds the (filtered) JSON request body to the event.
func (m *Mapper) attachPayload(event *cadf.Event, req *RequestInfo) {
	payload := filterPayload(req.JSONBody(), m.payloads)
	if len(payload) == 0 {
		return
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return
	}
	event.Attachments = append(event.Attachments, cadf.Attachment{
		Name:    "payload",
		TypeURI: "mime:application/json",
		Content: string(buf),
	})
}

func filterPayload(payload map[string]any, cfg PayloadsConfig) map[string]any {
	switch {
	case len(payload) == 0:
		return nil
	case len(cfg.Exclude) > 0:
		result := make(map[string]any, len(payload))
		for key, value := range payload {
			result[key] = value
		}
		for _, key := range cfg.Exclude {
			delete(result, key)
		}
		return result
	case len(cfg.Include) > 0:
		result := make(map[string]any, len(cfg.Include))
		for _, key := range cfg.Include {
			if value, exists := payload[key]; exists {
				result[key] = value
			}
		}
		return result
	default:
		return payload
	}
}

func generateUUID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return Unknown
	}
	return id.String()
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
