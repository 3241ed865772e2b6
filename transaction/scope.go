// Copyright (C) 2024-2025  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package transaction
// execution scope: resource bindings + synchronization registry.

import (
	"context"

	"github.com/pkg/errors"
)

// Scope is the execution-context state of transaction management: the
// registry of bound resources plus the synchronization registry of the
// transaction currently running under it.
//
// A scope plays the role a set of thread-local variables plays in other
// transaction runtimes, made explicit: it is created with NewContext and
// travels to the manager inside ctx. A scope belongs to one flow of control -
// it must not be shared between concurrently running goroutines, and at most
// one physical transaction is bound to it at a time. Suspension is the only
// sanctioned way to temporarily clear that binding.
type Scope struct {
	// bound resources; keyed by backend-chosen keys (e.g. a datasource handle).
	resources map[interface{}]interface{}

	// synchronization registry of the current transaction.
	syncActive bool
	syncs      []Synchronization

	// metadata of the current transaction.
	txName    string
	readOnly  bool
	isolation Isolation
	active    bool // a physical transaction is attached
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// NewContext returns a context carrying a fresh empty scope.
//
// All Manager calls of one flow of control go through contexts derived from
// the result. A scope possibly carried by ctx is shadowed - this is how a
// spawned goroutine gets transaction state independent from its parent.
func NewContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, newScope())
}

// ContextScope returns the scope carried by ctx.
func ContextScope(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(ctxKey{}).(*Scope)
	return scope, ok
}

// CurrentScope returns the scope carried by ctx.
//
// It panics if there is no scope associated with provided context.
func CurrentScope(ctx context.Context) *Scope {
	scope, ok := ContextScope(ctx)
	if !ok {
		panic("transaction: no scope in context")
	}
	return scope
}

func newScope() *Scope {
	return &Scope{resources: make(map[interface{}]interface{})}
}

// ---- resource bindings ----

// Bind binds resource to key.
//
// The key is chosen by the backend; a comparable value identifying the
// underlying resource factory is customary. Binding over an already bound key
// is refused - a scope holds at most one resource per key.
func (s *Scope) Bind(key, resource interface{}) error {
	if resource == nil {
		return errors.Errorf("scope: bind %v: nil resource", key)
	}
	if _, ok := s.resources[key]; ok {
		return errors.Errorf("scope: bind %v: already bound", key)
	}
	s.resources[key] = resource
	return nil
}

// Unbind removes and returns the resource bound to key.
func (s *Scope) Unbind(key interface{}) (interface{}, error) {
	resource, ok := s.resources[key]
	if !ok {
		return nil, errors.Errorf("scope: unbind %v: not bound", key)
	}
	delete(s.resources, key)
	return resource, nil
}

// Resource returns the resource bound to key, or nil.
func (s *Scope) Resource(key interface{}) interface{} {
	return s.resources[key]
}

// ---- synchronization registry ----

// SynchronizationActive reports whether the synchronization registry is open.
//
// It is open while a transaction whose status owns synchronization runs under
// this scope.
func (s *Scope) SynchronizationActive() bool {
	return s.syncActive
}

// Register registers sync to be notified of boundary events of the
// transaction currently running under this scope.
//
// Callbacks fire in registration order. Registration fails if no
// synchronization is active - i.e. outside a transaction, or under a manager
// configured with SyncNever.
func (s *Scope) Register(sync Synchronization) error {
	if !s.syncActive {
		return errors.Wrap(ErrIllegalState, "scope: register synchronization: synchronization not active")
	}
	s.syncs = append(s.syncs, sync)
	return nil
}

// synchronizations returns a snapshot of registered callbacks.
func (s *Scope) synchronizations() []Synchronization {
	syncv := make([]Synchronization, len(s.syncs))
	copy(syncv, s.syncs)
	return syncv
}

// initSynchronization opens an empty synchronization registry.
func (s *Scope) initSynchronization() {
	s.syncActive = true
	s.syncs = nil
}

// clearSynchronization closes the synchronization registry.
func (s *Scope) clearSynchronization() {
	s.syncActive = false
	s.syncs = nil
}

// ---- transaction metadata ----

// TransactionName returns the name of the transaction currently running
// under this scope; "" if none or unnamed.
func (s *Scope) TransactionName() string { return s.txName }

// ReadOnly reports whether the current transaction is read-only.
func (s *Scope) ReadOnly() bool { return s.readOnly }

// Isolation returns the isolation level of the current transaction;
// IsolationDefault if none was specified or no transaction is running.
func (s *Scope) Isolation() Isolation { return s.isolation }

// TransactionActive reports whether a physical transaction is attached to
// this scope. It stays false for "empty" transactions, e.g. Supports with
// nothing to join.
func (s *Scope) TransactionActive() bool { return s.active }

// setMetadata installs transaction metadata, e.g. on activation or resume.
func (s *Scope) setMetadata(active bool, isolation Isolation, readOnly bool, name string) {
	s.active = active
	s.isolation = isolation
	s.readOnly = readOnly
	s.txName = name
}

// resetMetadata reverts transaction metadata to the no-transaction state.
func (s *Scope) resetMetadata() {
	s.setMetadata(false, IsolationDefault, false, "")
}

// clear fully resets the synchronization state of the scope.
// Resource bindings are not touched - they belong to the backend.
func (s *Scope) clear() {
	s.clearSynchronization()
	s.resetMetadata()
}
