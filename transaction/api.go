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

// Package transaction provides generic transaction propagation and completion
// management on top of pluggable resource backends.
//
// It is modelled after the transaction workflow of the Spring framework's
// platform transaction manager:
//
//	https://docs.spring.io/spring-framework/reference/data-access/transaction.html
//
// but is not exactly equal to it.
//
//
// Overview
//
// A Manager decides, for every unit of work, whether to join an already
// running transaction, suspend it, start a new one, nest into it via a
// savepoint, or reject the request - according to the Propagation mode of the
// caller-supplied Definition. The actual transactional resource (a database
// connection, a distributed coordinator handle, ...) is operated through the
// Backend interface; the manager itself never touches resource internals.
//
// Transactional state is carried in an execution Scope bound to a context:
//
//	ctx = transaction.NewContext(ctx)
//	txn, err := mgr.Get(ctx, &transaction.Definition{Name: "transfer"})
//	...
//	err = mgr.Commit(ctx, txn)
//
// Each concurrent flow of control must use its own scope - a scope represents
// what a thread-local transaction context represents in other runtimes, and
// at most one physical transaction is bound to it at a time.
//
// Exactly one of Commit or Rollback must be called for every Status obtained
// from Get, exactly once. Both the second completion call and a completion
// call after the other one already completed the transaction fail with
// ErrIllegalState.
//
//
// Synchronization
//
// An object might want to be notified of transaction completion events, for
// example to flush buffered changes just before commit, or to release
// resources after the transaction completes. Scope.Register provides the way
// to be notified of such synchronization points. Please see Synchronization
// interface for details; SyncFuncs helps to implement only the callbacks of
// interest.
package transaction

import (
	"context"
	"fmt"
)

// Propagation tells the manager how a new transactional scope relates to an
// already-active transaction.
type Propagation int

const (
	// Required joins the current transaction; starts a new one if none exists.
	Required Propagation = iota

	// Supports joins the current transaction; runs non-transactionally if none exists.
	Supports

	// Mandatory joins the current transaction; fails if none exists.
	Mandatory

	// RequiresNew starts a new transaction, suspending the current one if it exists.
	RequiresNew

	// NotSupported runs non-transactionally, suspending the current transaction if it exists.
	NotSupported

	// Never runs non-transactionally; fails if a transaction exists.
	Never

	// Nested runs inside a nested transaction (usually a savepoint) if a
	// transaction exists; behaves like Required otherwise.
	Nested
)

// String implements fmt.Stringer.
func (p Propagation) String() string {
	switch p {
	case Required:
		return "required"
	case Supports:
		return "supports"
	case Mandatory:
		return "mandatory"
	case RequiresNew:
		return "requires-new"
	case NotSupported:
		return "not-supported"
	case Never:
		return "never"
	case Nested:
		return "nested"
	}
	return fmt.Sprintf("propagation(%d)", int(p))
}

// Isolation is the isolation level requested for a transaction.
//
// The zero value means "unspecified" - the backend's or the session's default
// applies.
type Isolation int

const (
	IsolationDefault Isolation = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
)

// String implements fmt.Stringer.
func (i Isolation) String() string {
	switch i {
	case IsolationDefault:
		return "default"
	case ReadUncommitted:
		return "read-uncommitted"
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case Serializable:
		return "serializable"
	}
	return fmt.Sprintf("isolation(%d)", int(i))
}

// TimeoutDefault is the Definition.Timeout sentinel meaning "use the
// manager's default timeout".
const TimeoutDefault = -1

// Definition describes the transaction a caller wants.
//
// The zero value asks for Required propagation, unspecified isolation,
// read-write mode and the manager's default timeout. A nil *Definition is
// accepted everywhere a *Definition is and means the same.
type Definition struct {
	Propagation Propagation
	Isolation   Isolation

	// Timeout is the transaction timeout in seconds.
	//
	// 0 and TimeoutDefault both mean the manager's default. The resolved
	// value is handed to Backend.Begin; the manager itself does not run
	// any watchdog.
	Timeout int

	ReadOnly bool

	// Name names the transaction for logging and for Scope.TransactionName.
	Name string
}

// String implements fmt.Stringer.
func (d *Definition) String() string {
	s := fmt.Sprintf("%s,%s", d.Propagation, d.Isolation)
	if d.Timeout != TimeoutDefault {
		s += fmt.Sprintf(",timeout=%d", d.Timeout)
	}
	if d.ReadOnly {
		s += ",readonly"
	}
	if d.Name != "" {
		s += "," + d.Name
	}
	return s
}

// Completion tells a Synchronization how its transaction ended.
type Completion int

const (
	Committed  Completion = iota // transaction committed
	RolledBack                   // transaction rolled back
	Unknown                      // outcome unknown (heuristic or mixed completion)
)

// String implements fmt.Stringer.
func (c Completion) String() string {
	switch c {
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("completion(%d)", int(c))
}

// SyncMode tells the manager when to activate the synchronization registry of
// a scope.
type SyncMode int

const (
	// SyncAlways activates synchronization even for "empty" transactions
	// that result from e.g. Supports with no existing transaction.
	SyncAlways SyncMode = iota

	// SyncOnActual activates synchronization only when a physical
	// transaction is attached.
	SyncOnActual

	// SyncNever never activates synchronization.
	SyncNever
)

// Synchronization is the interface to participate in transaction-boundary
// notifications.
//
// Callbacks fire in registration order. Suspend and Resume are invoked when
// the owning transaction is suspended and resumed; registration order is
// preserved across a suspend/resume cycle.
//
// Error handling: a BeforeCommit error aborts the commit and rolls the
// transaction back; an AfterCommit error is returned to the Commit caller
// with the transaction still committed; BeforeCompletion and AfterCompletion
// errors are logged and otherwise ignored.
type Synchronization interface {
	Suspend()
	Resume()

	// BeforeCommit is called before the transaction commit is driven
	// through the backend. Not called if the transaction is rolled back.
	BeforeCommit(ctx context.Context, readOnly bool) error

	// BeforeCompletion is called before completion, on commit and
	// rollback alike.
	BeforeCompletion(ctx context.Context) error

	// AfterCommit is called after a successful backend commit.
	AfterCommit(ctx context.Context) error

	// AfterCompletion is called after the transaction completed with the
	// outcome it completed with.
	AfterCompletion(ctx context.Context, outcome Completion) error
}

// SyncFuncs implements Synchronization with optional callbacks.
//
// nil members mean "not interested in this event".
type SyncFuncs struct {
	OnSuspend          func()
	OnResume           func()
	OnBeforeCommit     func(ctx context.Context, readOnly bool) error
	OnBeforeCompletion func(ctx context.Context) error
	OnAfterCommit      func(ctx context.Context) error
	OnAfterCompletion  func(ctx context.Context, outcome Completion) error
}

func (s *SyncFuncs) Suspend() {
	if s.OnSuspend != nil {
		s.OnSuspend()
	}
}

func (s *SyncFuncs) Resume() {
	if s.OnResume != nil {
		s.OnResume()
	}
}

func (s *SyncFuncs) BeforeCommit(ctx context.Context, readOnly bool) error {
	if s.OnBeforeCommit != nil {
		return s.OnBeforeCommit(ctx, readOnly)
	}
	return nil
}

func (s *SyncFuncs) BeforeCompletion(ctx context.Context) error {
	if s.OnBeforeCompletion != nil {
		return s.OnBeforeCompletion(ctx)
	}
	return nil
}

func (s *SyncFuncs) AfterCommit(ctx context.Context) error {
	if s.OnAfterCommit != nil {
		return s.OnAfterCommit(ctx)
	}
	return nil
}

func (s *SyncFuncs) AfterCompletion(ctx context.Context, outcome Completion) error {
	if s.OnAfterCompletion != nil {
		return s.OnAfterCompletion(ctx, outcome)
	}
	return nil
}

// resolveDefinition applies defaults for absent definition and fields.
func resolveDefinition(def *Definition) *Definition {
	d := Definition{}
	if def != nil {
		d = *def
	}
	if d.Timeout == 0 {
		d.Timeout = TimeoutDefault
	}
	return &d
}
