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
// backend contract.

import (
	"context"
)

// Backend adapts one kind of transactional resource to the manager.
//
// A Backend implements the primitives the manager drives; the manager itself
// implements the propagation and completion workflow. One Backend instance is
// implemented per resource kind (relational connection, distributed
// coordinator, ...) and may serve many scopes concurrently - primitives are
// invoked with the resource object threaded through and must not keep
// per-transaction state on the Backend itself.
//
// The resource object returned by Resource is opaque to the manager: it is
// created fresh for every Manager.Get call, reflects whatever transaction is
// currently bound to the scope, and is passed back into the other primitives.
// Implementations typically keep the scope handle on the resource object in
// order to bind and unbind resources from it.
//
// Optional capabilities are expressed as additional interfaces on the
// Backend (Participating, Suspender, ...) and on the resource object
// (Savepointer, RollbackTracker); the manager discovers them via type
// assertion and falls back to documented defaults.
type Backend interface {
	// Resource returns a resource object reflecting the current
	// transaction state of scope.
	//
	// The result may represent "no transaction running" - whether it does
	// is reported by Participating.IsExisting.
	Resource(ctx context.Context, scope *Scope) (interface{}, error)

	// Begin starts a new physical transaction on resource per def.
	//
	// By the time Begin is called the propagation decision has been made:
	// either no transaction was running, or the running one has been
	// suspended - except for the delegated nested begin of a backend
	// whose SavepointForNested reports false, which must detect the still
	// attached transaction and nest into it by its own means.
	//
	// def.Timeout arrives already resolved against the manager default.
	Begin(ctx context.Context, resource interface{}, def *Definition) error

	// Commit commits the physical transaction of st.
	//
	// Rollback-only markers and the "new transaction" flag have been
	// checked already; a straight commit of st.Resource() is expected.
	Commit(ctx context.Context, st *Status) error

	// Rollback rolls back the physical transaction of st.
	Rollback(ctx context.Context, st *Status) error
}

// Participating is implemented by backends that support joining transactions
// already bound to a scope.
//
// Backends without it are treated as never having an existing transaction,
// which makes every Get decision take the "no existing transaction" path.
type Participating interface {
	// IsExisting reports whether resource represents an already running
	// transaction.
	IsExisting(resource interface{}) bool

	// SetRollbackOnly marks the existing transaction st participates in
	// as rollback-only, so that the transaction owner rolls back when it
	// completes.
	SetRollbackOnly(ctx context.Context, st *Status) error
}

// Suspender is implemented by backends that support detaching the current
// transaction from its scope and reattaching it later.
//
// Backends without it fail RequiresNew and NotSupported propagation against
// an existing transaction with ErrSuspensionNotSupported.
type Suspender interface {
	// Suspend detaches the transaction of resource from its scope and
	// returns a handle for Resume. The handle is kept unexamined.
	Suspend(ctx context.Context, resource interface{}) (interface{}, error)

	// Resume reattaches previously suspended transaction state.
	//
	// resource is the resource object of the just-completed inner
	// transaction; it is nil when the inner scope ran without one.
	Resume(ctx context.Context, resource, suspended interface{}) error
}

// Savepointer is implemented by resource objects whose transaction can hold
// savepoints. It is what makes savepoint-based Nested propagation and the
// Status savepoint API work.
type Savepointer interface {
	CreateSavepoint(ctx context.Context) (interface{}, error)
	RollbackToSavepoint(ctx context.Context, savepoint interface{}) error
	ReleaseSavepoint(ctx context.Context, savepoint interface{}) error
}

// RollbackTracker is implemented by resource objects that carry a global
// rollback-only marker, typically set via Participating.SetRollbackOnly or
// by the underlying infrastructure itself.
type RollbackTracker interface {
	RollbackOnly() bool
}

// NestedPolicy lets a backend choose how Nested propagation nests.
//
// Default (no NestedPolicy): nest via a savepoint on the existing resource.
// SavepointForNested returning false routes Nested propagation through a
// delegated Begin call instead, for coordinators that nest natively.
type NestedPolicy interface {
	SavepointForNested() bool
}

// CommitPolicy lets a backend request a Commit call even when the
// transaction is globally marked rollback-only, so it can resolve the marker
// itself. Default: the manager rolls back instead of committing.
//
// If Commit then returns no error despite the marker, the manager still
// reports ErrUnexpectedRollback to the caller.
type CommitPolicy interface {
	CommitOnGlobalRollbackOnly() bool
}

// CommitPreparer is an extension point invoked at the very start of commit
// processing, before the BeforeCommit synchronizations. An error aborts the
// commit and rolls the transaction back. Default: no preparation.
type CommitPreparer interface {
	PrepareForCommit(ctx context.Context, st *Status) error
}

// CompletionRegistrar is implemented by backends that can invoke
// AfterCompletion callbacks of a participating scope when the surrounding
// transaction - controlled outside this manager - eventually completes.
//
// Default: such pending callbacks are invoked immediately with outcome
// Unknown.
type CompletionRegistrar interface {
	RegisterAfterCompletion(ctx context.Context, resource interface{}, syncs []Synchronization) error
}

// Cleaner is implemented by backends that need to release resource state
// after a transaction started by this manager completed, e.g. unbind the
// connection from the scope and return it to a pool. Default: nothing.
type Cleaner interface {
	CleanupAfterCompletion(ctx context.Context, resource interface{})
}
