// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package audit turns OpenStack API requests into CADF audit events.
//
// The package is configured with an "audit map": a YAML document that
// describes the REST resource hierarchy of one OpenStack service. At startup,
// the audit map is compiled into an immutable lookup tree (see NewMapper).
// Per request, Mapper.CreateEvent walks the request path against that tree
// and derives the addressed resource, the instance ID and the CADF action
// from the path segments and the HTTP method.
//
// CreateEvent never fails: requests that do not match the audit map yield a
// nil event and are skipped. Only loading a broken audit map is a hard error.
package audit
