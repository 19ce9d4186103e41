// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/errext"
)

func TestCompileDefaults(t *testing.T) {
	grammar, err := compileResources(map[string]*ResourceConfig{
		"servers": nil,
	}, "compute")
	if err != nil {
		t.Fatal(err.Error())
	}

	spec := grammar["servers"].spec
	assert.Equal(t, spec.TypeURI, "compute/servers")
	assert.Equal(t, spec.ElementTypeURI, "compute/servers/server")
	assert.Equal(t, spec.Singleton, false)
}

func TestCompileExplicitTypeURI(t *testing.T) {
	grammar, err := compileResources(map[string]*ResourceConfig{
		"os-hosts": {TypeURI: "compute/hosts"},
	}, "compute")
	if err != nil {
		t.Fatal(err.Error())
	}

	spec := grammar["os-hosts"].spec
	assert.Equal(t, spec.TypeURI, "compute/hosts")
	assert.Equal(t, spec.ElementTypeURI, "compute/hosts/os-host")
}

func TestCompileChildTypeURIPrefix(t *testing.T) {
	grammar, err := compileResources(map[string]*ResourceConfig{
		"servers": {Children: map[string]*ResourceConfig{
			"metadata": {Singleton: true},
			"tags":     nil,
		}},
	}, "compute")
	if err != nil {
		t.Fatal(err.Error())
	}

	children := grammar["servers"].spec.Children
	assert.Equal(t, children["tags"].spec.TypeURI, "compute/servers/tags")
	assert.Equal(t, children["tags"].spec.ElementTypeURI, "compute/servers/tags/tag")
	assert.Equal(t, children["metadata"].spec.TypeURI, "compute/servers/metadata")
}

// The compiler invariant: ElementTypeURI is set exactly for non-singletons.
func TestElementTypeURIIffNotSingleton(t *testing.T) {
	grammar, err := compileResources(map[string]*ResourceConfig{
		"servers":  nil,
		"metadata": {Singleton: true},
	}, "compute")
	if err != nil {
		t.Fatal(err.Error())
	}

	var checkInvariant func(table nameTable)
	checkInvariant = func(table nameTable) {
		for name, node := range table {
			if node.spec == nil {
				checkInvariant(node.table)
				continue
			}
			if node.spec.Singleton && node.spec.ElementTypeURI != "" {
				t.Errorf("singleton %q has element type URI %q", name, node.spec.ElementTypeURI)
			}
			if !node.spec.Singleton && node.spec.ElementTypeURI == "" {
				t.Errorf("non-singleton %q has no element type URI", name)
			}
			checkInvariant(node.spec.Children)
		}
	}
	checkInvariant(grammar)
}

// Hierarchical names expand into the same tree shape as manually nested
// name tables.
func TestCompileHierarchicalName(t *testing.T) {
	grammar, err := compileResources(map[string]*ResourceConfig{
		"lbaas/pools": nil,
	}, "network")
	if err != nil {
		t.Fatal(err.Error())
	}

	leaf := grammar["lbaas"].table["pools"]
	if leaf == nil || leaf.spec == nil {
		t.Fatal("hierarchical name was not expanded into nested tables")
	}

	// the resolved spec uses the full raw name for type URI derivation
	assert.Equal(t, leaf.spec.TypeURI, "network/lbaas/pools")
	assert.Equal(t, leaf.spec.ElementTypeURI, "network/lbaas/pools/lbaas/pool")

	manual := make(nameTable)
	err = manual.putHier("lbaas/pools", leaf)
	if err != nil {
		t.Fatal(err.Error())
	}
	diff := cmp.Diff(grammar, manual, cmp.AllowUnexported(grammarNode{}))
	if diff != "" {
		t.Errorf("compiled tree differs from manual nesting (-compiled +manual):\n%s", diff)
	}
}

func TestCompileHierarchicalNameCollision(t *testing.T) {
	_, err := compileResources(map[string]*ResourceConfig{
		"lbaas":       nil,
		"lbaas/pools": nil,
	}, "network")
	if err == nil {
		t.Fatal("expected an error for colliding resource names")
	}
}

func TestParseConfigMissingKeys(t *testing.T) {
	testCases := []struct {
		name     string
		auditMap string
	}{
		{"service_type", "service_name: nova\nprefix: /v2\nresources:\n  servers:\n"},
		{"service_name", "service_type: compute\nprefix: /v2\nresources:\n  servers:\n"},
		{"prefix", "service_type: compute\nservice_name: nova\nresources:\n  servers:\n"},
		{"resources", "service_type: compute\nservice_name: nova\nprefix: /v2\n"},
	}
	for _, tc := range testCases {
		_, err := ParseConfig([]byte(tc.auditMap))
		if err == nil {
			t.Errorf("expected an error for audit map without %s", tc.name)
			continue
		}
		if !errext.IsOfType[ConfigError](err) {
			t.Errorf("expected ConfigError for audit map without %s, got %T", tc.name, err)
		}
	}
}

func TestParseConfigMalformedYAML(t *testing.T) {
	_, err := ParseConfig([]byte("service_type: [ oops"))
	if !errext.IsOfType[ConfigError](err) {
		t.Errorf("expected ConfigError for malformed YAML, got %v", err)
	}
}

func TestParseConfigToleratesUnknownKeys(t *testing.T) {
	// audit maps are shared with other middleware implementations that
	// understand additional keys
	auditMap := `
service_type: compute
service_name: nova
prefix: /v2/{project_id}
resources:
  servers:
    api_name: servers
    custom_id: instance_id
`
	_, err := ParseConfig([]byte(auditMap))
	if err != nil {
		t.Fatal(err.Error())
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.yaml")
	err := os.WriteFile(path, []byte(novaAuditMap), 0o600)
	if err != nil {
		t.Fatal(err.Error())
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.Equal(t, cfg.ServiceType, "compute")
	assert.Equal(t, cfg.ServiceName, "nova")
	assert.Equal(t, cfg.Prefix, "/v2/{project_id}")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	cerr, ok := errext.As[ConfigError](err)
	if !ok {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cerr.Path == "" {
		t.Error("ConfigError does not reference the audit map path")
	}
}
