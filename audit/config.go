// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the parsed form of an audit map file.
type Config struct {
	// ServiceType is the CADF type URI prefix for all resources of this
	// service, e.g. "compute".
	ServiceType string `yaml:"service_type"`
	// ServiceName identifies the service itself, e.g. "nova". It appears as
	// the target of events that do not address a concrete resource instance,
	// and as the observer of all events.
	ServiceName string `yaml:"service_name"`
	// Prefix is the URL path prefix that precedes all resource paths. It may
	// contain the placeholder "{project_id}" which matches the project (or
	// domain) scope of the authenticated request, e.g. "/v2/{project_id}".
	Prefix string `yaml:"prefix"`
	// Payloads controls whether (and which parts of) JSON request bodies are
	// attached to generated events.
	Payloads PayloadsConfig `yaml:"payloads"`
	// Resources is the resource hierarchy of the service's REST API.
	Resources map[string]*ResourceConfig `yaml:"resources"`
}

// ResourceConfig describes one resource in the audit map. All fields are
// optional; a resource entry with a null value uses all defaults.
type ResourceConfig struct {
	// Singleton marks resources without a collection/instance URI split.
	Singleton bool `yaml:"singleton"`
	// TypeURI overrides the default type URI (parent type URI + "/" + name).
	TypeURI string `yaml:"type_uri"`
	// CustomActions maps action tokens (trailing path segments, or the first
	// key of an "action" request body) to CADF action verbs. The key "*"
	// matches any token; a "*" in its value is replaced by the token. An
	// empty value suppresses the event entirely.
	CustomActions map[string]string `yaml:"custom_actions"`
	// Children holds nested resources, keyed by path segment name. Keys may
	// be slash-separated to address deeper path levels directly.
	Children map[string]*ResourceConfig `yaml:"children"`
}

// PayloadsConfig controls attachment of JSON request bodies to events.
type PayloadsConfig struct {
	// Enabled defaults to true when not set.
	Enabled *bool `yaml:"enabled"`
	// Include, when non-empty, restricts the attached payload to these
	// top-level keys.
	Include []string `yaml:"include"`
	// Exclude removes these top-level keys from the attached payload.
	// Takes precedence over Include.
	Exclude []string `yaml:"exclude"`
}

func (p PayloadsConfig) enabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ConfigError is returned for fatal problems with an audit map. It only
// occurs at startup; per-request mapping failures are never errors.
type ConfigError struct {
	Path string
	Err  error
}

// Error implements the builtin/error interface.
func (e ConfigError) Error() string {
	if e.Path == "" {
		return "invalid audit map: " + e.Err.Error()
	}
	return fmt.Sprintf("cannot load audit map from %s: %s", e.Path, e.Err.Error())
}

// Unwrap supports errors.Is/As.
func (e ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig reads and parses an audit map file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, ConfigError{Path: path, Err: err}
	}
	cfg, err := ParseConfig(buf)
	if err != nil {
		if cerr, ok := err.(ConfigError); ok {
			cerr.Path = path
			return nil, cerr
		}
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses an audit map document.
func ParseConfig(buf []byte) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, ConfigError{Err: err}
	}

	// Unlike unknown keys (which are tolerated for forward compatibility),
	// a missing required key renders the whole audit map unusable.
	switch {
	case cfg.ServiceType == "":
		err = fmt.Errorf("missing required key %q", "service_type")
	case cfg.ServiceName == "":
		err = fmt.Errorf("missing required key %q", "service_name")
	case cfg.Prefix == "":
		err = fmt.Errorf("missing required key %q", "prefix")
	case len(cfg.Resources) == 0:
		err = fmt.Errorf("missing required key %q", "resources")
	}
	if err != nil {
		return nil, ConfigError{Err: err}
	}
	return &cfg, nil
}
