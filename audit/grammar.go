// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"
	"maps"
	"strings"
)

// ResourceSpec is the compiled description of one resource in the audit map.
// Instances are built once by NewMapper and shared read-only afterwards.
type ResourceSpec struct {
	// TypeURI is the CADF type URI of the resource collection.
	TypeURI string
	// ElementTypeURI is the CADF type URI of a single instance of the
	// collection. It is empty iff Singleton is true.
	ElementTypeURI string
	Singleton      bool
	CustomActions  map[string]string
	Children       nameTable
}

// nameTable maps a path segment name to the grammar node behind it.
type nameTable map[string]*grammarNode

// grammarNode is one node of the compiled lookup tree. It is a tagged
// variant: exactly one of the two fields is set. A table node stands for an
// intermediate path level that only selects by name (the root, and levels
// introduced by slash-separated resource names); a spec node stands for an
// actual resource.
type grammarNode struct {
	table nameTable
	spec  *ResourceSpec
}

// compileResources resolves a raw resource tree from the audit map into a
// name table. parentTypeURI is the type URI prefix for resources whose
// type_uri is not set explicitly; at the root this is the service type.
func compileResources(conf map[string]*ResourceConfig, parentTypeURI string) (nameTable, error) {
	result := make(nameTable, len(conf))

	for name, rc := range conf {
		if name == "" {
			return nil, fmt.Errorf("empty resource name below type URI %q", parentTypeURI)
		}
		if rc == nil {
			// a null entry in the YAML means "all defaults"
			rc = &ResourceConfig{}
		}

		typeURI := rc.TypeURI
		if typeURI == "" {
			typeURI = parentTypeURI + "/" + name
		}

		spec := &ResourceSpec{
			TypeURI:       typeURI,
			Singleton:     rc.Singleton,
			CustomActions: maps.Clone(rc.CustomActions),
		}
		if !rc.Singleton {
			// the configured names are plural; the element type drops the
			// trailing "s" (exactly one character, by convention)
			spec.ElementTypeURI = typeURI + "/" + name[:len(name)-1]
		}

		children, err := compileResources(rc.Children, typeURI)
		if err != nil {
			return nil, err
		}
		spec.Children = children

		err = result.putHier(name, &grammarNode{spec: spec})
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// putHier places a node under a possibly hierarchical name: the slash-
// separated name "a/b/c" ends up at t["a"].table["b"].table["c"], with
// intermediate table nodes created as needed.
func (t nameTable) putHier(name string, n *grammarNode) error {
	segment, rest, ok := strings.Cut(name, "/")
	if !ok {
		if t[name] != nil {
			return fmt.Errorf("resource name %q is already taken", name)
		}
		t[name] = n
		return nil
	}

	sub := t[segment]
	if sub == nil {
		sub = &grammarNode{table: make(nameTable)}
		t[segment] = sub
	}
	if sub.table == nil {
		return fmt.Errorf("resource name %q collides with resource %q", name, segment)
	}
	return sub.table.putHier(rest, n)
}
