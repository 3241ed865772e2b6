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
// transaction status.

import (
	"context"

	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"
)

// Status represents one logical transaction attempt, from Manager.Get to the
// matching Commit or Rollback.
//
// A Status is owned by the manager for its lifetime and is not safe for
// concurrent use. Completion transitions it to "completed" exactly once;
// afterwards both Commit and Rollback refuse it with ErrIllegalState.
type Status struct {
	scope *Scope

	// resource object of the backend; nil for an "empty" transaction
	// (Supports/NotSupported/Never with nothing to join).
	resource interface{}

	// this status started the physical transaction / activated the
	// synchronization registry.
	newTransaction     bool
	newSynchronization bool

	readOnly bool
	debug    bool

	// transaction state suspended for the lifetime of this status;
	// restored in cleanup.
	suspended *suspendedState

	// savepoint held for savepoint-based nested propagation.
	savepoint interface{}

	rollbackOnly bool // local marker, set by SetRollbackOnly
	completed    bool
}

// suspendedState is the snapshot taken by Manager.suspend and consumed
// exactly once by Manager.resume.
type suspendedState struct {
	resource interface{} // handle from Suspender.Suspend; nil if no resource was attached

	// synchronization state; valid iff syncActive.
	syncActive bool
	syncs      []Synchronization
	name       string
	readOnly   bool
	isolation  Isolation
	active     bool
}

// Resource returns the backend resource object of the transaction; nil for
// an empty transaction.
func (st *Status) Resource() interface{} { return st.resource }

// IsNewTransaction reports whether this status started the physical
// transaction it represents.
//
// false means the status participates in an outer transaction, or runs
// without one altogether.
func (st *Status) IsNewTransaction() bool {
	return st.resource != nil && st.newTransaction
}

// HasResource reports whether a physical resource is attached.
func (st *Status) HasResource() bool { return st.resource != nil }

// HasSavepoint reports whether this status holds a savepoint, i.e. is a
// savepoint-based nested transaction.
func (st *Status) HasSavepoint() bool { return st.savepoint != nil }

// IsReadOnly reports whether the transaction was defined read-only.
func (st *Status) IsReadOnly() bool { return st.readOnly }

// IsCompleted reports whether the transaction already completed.
func (st *Status) IsCompleted() bool { return st.completed }

// SetRollbackOnly marks the transaction rollback-only.
//
// The only possible outcome afterwards is a rollback: Commit on the
// outermost status performs a rollback instead, and, if this status merely
// participates in an outer transaction, that outer commit fails with
// ErrUnexpectedRollback.
func (st *Status) SetRollbackOnly() error {
	if st.completed {
		return errors.Wrap(ErrIllegalState, "transaction already completed")
	}
	st.rollbackOnly = true
	return nil
}

// IsLocalRollbackOnly reports whether SetRollbackOnly was called on this
// status.
func (st *Status) IsLocalRollbackOnly() bool { return st.rollbackOnly }

// IsGlobalRollbackOnly reports whether the resource itself carries a
// rollback-only marker, e.g. set by a participating scope.
func (st *Status) IsGlobalRollbackOnly() bool {
	track, ok := st.resource.(RollbackTracker)
	return ok && track.RollbackOnly()
}

// IsRollbackOnly reports whether the transaction is marked rollback-only,
// locally or globally.
func (st *Status) IsRollbackOnly() bool {
	return st.rollbackOnly || st.IsGlobalRollbackOnly()
}

// ---- savepoints ----

// savepointer returns the Savepointer of the attached resource.
func (st *Status) savepointer() (Savepointer, error) {
	sper, ok := st.resource.(Savepointer)
	if !ok {
		return nil, errors.Wrapf(ErrNestedNotSupported,
			"resource %T does not support savepoints", st.resource)
	}
	return sper, nil
}

// CreateSavepoint creates a savepoint in the current transaction for custom
// partial-rollback handling via RollbackToSavepoint / ReleaseSavepoint.
//
// It requires the attached resource to support savepoints and fails with
// ErrNestedNotSupported otherwise.
func (st *Status) CreateSavepoint(ctx context.Context) (_ interface{}, err error) {
	sper, err := st.savepointer()
	if err != nil {
		return nil, err
	}
	sp, err := sper.CreateSavepoint(ctx)
	xerr.Context(&err, "create savepoint")
	return sp, err
}

// RollbackToSavepoint rolls the current transaction back to savepoint sp.
func (st *Status) RollbackToSavepoint(ctx context.Context, sp interface{}) (err error) {
	sper, err := st.savepointer()
	if err != nil {
		return err
	}
	err = sper.RollbackToSavepoint(ctx, sp)
	xerr.Context(&err, "rollback to savepoint")
	return err
}

// ReleaseSavepoint releases savepoint sp.
func (st *Status) ReleaseSavepoint(ctx context.Context, sp interface{}) (err error) {
	sper, err := st.savepointer()
	if err != nil {
		return err
	}
	err = sper.ReleaseSavepoint(ctx, sp)
	xerr.Context(&err, "release savepoint")
	return err
}

// createAndHoldSavepoint opens the savepoint demarcating a nested scope.
func (st *Status) createAndHoldSavepoint(ctx context.Context) error {
	sp, err := st.CreateSavepoint(ctx)
	if err != nil {
		return err
	}
	st.savepoint = sp
	return nil
}

// rollbackToHeldSavepoint rolls back to and then drops the held savepoint.
func (st *Status) rollbackToHeldSavepoint(ctx context.Context) error {
	if err := st.RollbackToSavepoint(ctx, st.savepoint); err != nil {
		return err
	}
	if err := st.ReleaseSavepoint(ctx, st.savepoint); err != nil {
		return err
	}
	st.savepoint = nil
	return nil
}

// releaseHeldSavepoint drops the held savepoint on successful nested commit.
func (st *Status) releaseHeldSavepoint(ctx context.Context) error {
	if err := st.ReleaseSavepoint(ctx, st.savepoint); err != nil {
		return err
	}
	st.savepoint = nil
	return nil
}
