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
// transaction manager: propagation + completion workflow.

import (
	"context"

	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/mengyunlei/spring-xl/internal/log"
	"github.com/mengyunlei/spring-xl/internal/task"
)

// Options configures a Manager.
//
// The zero value is the standard configuration: synchronization always
// active, backend-default timeout, nesting disabled, no validation of joined
// transactions, participation failures mark the whole transaction
// rollback-only, rollback-only markers surface at the outermost boundary
// only, and no rollback attempt on commit failure.
type Options struct {
	// Synchronization tells when to activate the synchronization
	// registry of a scope.
	Synchronization SyncMode

	// DefaultTimeout, in seconds, applies when a definition carries no
	// timeout of its own. 0 and TimeoutDefault both indicate the
	// backend's own default.
	DefaultTimeout int

	// AllowNested enables Nested propagation against an existing
	// transaction.
	AllowNested bool

	// ValidateExisting rejects joining an existing transaction whose
	// isolation level differs from a non-default requested one, or which
	// is read-only while the joining definition is not.
	ValidateExisting bool

	// NoRollbackOnParticipationFailure stops the manager from marking
	// the whole transaction rollback-only when a participating scope
	// rolls back; the transaction originator then decides the outcome.
	NoRollbackOnParticipationFailure bool

	// FailEarlyOnGlobalRollbackOnly surfaces ErrUnexpectedRollback
	// already at inner boundaries that observe a global rollback-only
	// marker, instead of only at the outermost commit.
	FailEarlyOnGlobalRollbackOnly bool

	// RollbackOnCommitFailure attempts a rollback when the backend
	// commit fails. Usually unnecessary: a failed commit leaves nothing
	// to roll back, and the rollback error can hide the commit error.
	RollbackOnCommitFailure bool
}

// Manager drives transactions over one Backend.
//
// Manager is stateless apart from its configuration and is safe to share
// between goroutines; all per-transaction state lives in scopes and statuses.
type Manager struct {
	backend Backend
	opt     Options
}

// New creates a transaction manager over backend.
//
// nil opt means default Options. New panics if backend is nil or
// opt.DefaultTimeout is invalid - both are programming errors.
func New(backend Backend, opt *Options) *Manager {
	if backend == nil {
		panic("transaction: New: nil backend")
	}
	m := &Manager{backend: backend}
	if opt != nil {
		m.opt = *opt
	}
	if m.opt.DefaultTimeout == 0 {
		m.opt.DefaultTimeout = TimeoutDefault
	}
	if m.opt.DefaultTimeout < TimeoutDefault {
		panic("transaction: New: invalid default timeout")
	}
	return m
}

// ---- propagation engine ----

// Get returns the Status to use for a unit of work described by def,
// applying def.Propagation against the transaction state of the scope
// carried by ctx.
//
// Depending on propagation the returned status represents a newly started
// transaction, participation in the already running one, a nested savepoint
// scope, or no transaction at all. Exactly one of Commit or Rollback must be
// called for it, exactly once.
func (m *Manager) Get(ctx context.Context, def *Definition) (_ *Status, err error) {
	d := resolveDefinition(def)
	defer task.Runningf(&ctx, "txn get (%s)", d.Propagation)(&err)

	scope, ok := ContextScope(ctx)
	if !ok {
		return nil, errors.Wrap(ErrIllegalState, "no transaction scope in context (use NewContext)")
	}

	resource, err := m.backend.Resource(ctx, scope)
	if err != nil {
		xerr.Context(&err, "get transaction")
		return nil, err
	}

	debug := log.DebugEnabled()

	if m.isExisting(resource) {
		// Existing transaction found -> propagation tells how to behave.
		return m.handleExisting(ctx, scope, d, resource, debug)
	}

	if d.Timeout < TimeoutDefault {
		return nil, &InvalidTimeoutError{Timeout: d.Timeout}
	}

	// No existing transaction found -> propagation tells how to proceed.
	switch d.Propagation {
	case Mandatory:
		return nil, errors.Wrap(ErrIllegalState,
			"no existing transaction found for propagation 'mandatory'")

	case Required, RequiresNew, Nested:
		// nothing is bound, but synchronization of a surrounding
		// empty transaction might still be active - suspend it.
		suspended, err := m.suspend(ctx, scope, nil)
		if err != nil {
			return nil, err
		}
		if debug {
			log.Debugf(ctx, "creating new transaction %q: %s", d.Name, d)
		}
		st, err := m.begin(ctx, scope, d, resource, debug, suspended)
		if err != nil {
			return nil, m.resumeAfterBeginError(ctx, scope, nil, suspended, err)
		}
		return st, nil

	default: // Supports | NotSupported | Never
		// "empty" transaction: no resource, but potentially synchronization.
		if d.Isolation != IsolationDefault {
			log.Warningf(ctx, "isolation level specified but no transaction initiated; it is effectively ignored: %s", d)
		}
		newSync := m.opt.Synchronization == SyncAlways
		return m.prepareStatus(scope, d, nil, true, newSync, debug, nil), nil
	}
}

// handleExisting creates a Status against an already running transaction.
func (m *Manager) handleExisting(ctx context.Context, scope *Scope, d *Definition, resource interface{}, debug bool) (*Status, error) {
	switch d.Propagation {
	case Never:
		return nil, errors.Wrap(ErrIllegalState,
			"existing transaction found for propagation 'never'")

	case NotSupported:
		if debug {
			log.Debugf(ctx, "suspending current transaction")
		}
		suspended, err := m.suspend(ctx, scope, resource)
		if err != nil {
			return nil, err
		}
		newSync := m.opt.Synchronization == SyncAlways
		return m.prepareStatus(scope, d, nil, false, newSync, debug, suspended), nil

	case RequiresNew:
		if debug {
			log.Debugf(ctx, "suspending current transaction, creating new transaction %q", d.Name)
		}
		suspended, err := m.suspend(ctx, scope, resource)
		if err != nil {
			return nil, err
		}
		st, err := m.begin(ctx, scope, d, resource, debug, suspended)
		if err != nil {
			// never leave the outer transaction suspended on error
			return nil, m.resumeAfterBeginError(ctx, scope, resource, suspended, err)
		}
		return st, nil

	case Nested:
		if !m.opt.AllowNested {
			return nil, errors.Wrap(ErrNestedNotSupported,
				"nested transactions are disabled for this manager (see Options.AllowNested)")
		}
		if debug {
			log.Debugf(ctx, "creating nested transaction %q", d.Name)
		}
		if m.savepointForNested() {
			// nest via a savepoint within the existing transaction;
			// no new synchronization for the nested scope.
			st := m.prepareStatus(scope, d, resource, false, false, debug, nil)
			if err := st.createAndHoldSavepoint(ctx); err != nil {
				return nil, err
			}
			return st, nil
		}
		// delegated nested begin - the backend nests by its own means.
		return m.begin(ctx, scope, d, resource, debug, nil)
	}

	// Required | Supports: participate in the existing transaction.
	if debug {
		log.Debugf(ctx, "participating in existing transaction")
	}
	if m.opt.ValidateExisting {
		if d.Isolation != IsolationDefault {
			if cur := scope.Isolation(); cur != d.Isolation {
				return nil, errors.Wrapf(ErrIllegalState,
					"participating definition [%s] specifies isolation incompatible with existing transaction (%s)", d, cur)
			}
		}
		if !d.ReadOnly && scope.ReadOnly() {
			return nil, errors.Wrapf(ErrIllegalState,
				"participating definition [%s] is not read-only but existing transaction is", d)
		}
	}
	newSync := m.opt.Synchronization != SyncNever
	return m.prepareStatus(scope, d, resource, false, newSync, debug, nil), nil
}

// begin starts a new physical transaction and returns its status.
func (m *Manager) begin(ctx context.Context, scope *Scope, d *Definition, resource interface{}, debug bool, suspended *suspendedState) (*Status, error) {
	newSync := m.opt.Synchronization != SyncNever
	st := m.newStatus(scope, d, resource, true, newSync, debug, suspended)

	bd := *d
	bd.Timeout = m.resolveTimeout(d)
	err := m.backend.Begin(ctx, resource, &bd)
	if err != nil {
		xerr.Context(&err, "begin")
		return nil, err
	}

	m.prepareSynchronization(st, d)
	return st, nil
}

// prepareStatus creates a Status and initializes synchronization for it.
func (m *Manager) prepareStatus(scope *Scope, d *Definition, resource interface{}, newTransaction, newSync, debug bool, suspended *suspendedState) *Status {
	st := m.newStatus(scope, d, resource, newTransaction, newSync, debug, suspended)
	m.prepareSynchronization(st, d)
	return st
}

func (m *Manager) newStatus(scope *Scope, d *Definition, resource interface{}, newTransaction, newSync, debug bool, suspended *suspendedState) *Status {
	return &Status{
		scope:              scope,
		resource:           resource,
		newTransaction:     newTransaction,
		newSynchronization: newSync && !scope.SynchronizationActive(),
		readOnly:           d.ReadOnly,
		debug:              debug,
		suspended:          suspended,
	}
}

// prepareSynchronization activates the scope registry for st, if st owns it.
func (m *Manager) prepareSynchronization(st *Status, d *Definition) {
	if !st.newSynchronization {
		return
	}
	st.scope.setMetadata(st.resource != nil, d.Isolation, d.ReadOnly, d.Name)
	st.scope.initSynchronization()
}

// resolveTimeout picks definition timeout over the manager default.
func (m *Manager) resolveTimeout(d *Definition) int {
	if d.Timeout != TimeoutDefault {
		return d.Timeout
	}
	return m.opt.DefaultTimeout
}

func (m *Manager) isExisting(resource interface{}) bool {
	if resource == nil {
		return false
	}
	p, ok := m.backend.(Participating)
	return ok && p.IsExisting(resource)
}

// ---- suspend / resume ----

// suspend detaches the current transaction state from scope into a holder.
//
// resource is the resource object to suspend via the backend, or nil to
// suspend active synchronizations only. A nil holder is returned when
// neither a resource was given nor synchronization is active.
func (m *Manager) suspend(ctx context.Context, scope *Scope, resource interface{}) (*suspendedState, error) {
	if scope.SynchronizationActive() {
		syncv := m.suspendSynchronization(scope)
		var suspendedResource interface{}
		if resource != nil {
			var err error
			suspendedResource, err = m.doSuspend(ctx, resource)
			if err != nil {
				// failed to suspend - the transaction is still
				// active, so reattach the synchronizations
				// before reporting.
				m.resumeSynchronization(scope, syncv)
				return nil, err
			}
		}
		h := &suspendedState{
			resource:   suspendedResource,
			syncActive: true,
			syncs:      syncv,
			name:       scope.TransactionName(),
			readOnly:   scope.ReadOnly(),
			isolation:  scope.Isolation(),
			active:     scope.TransactionActive(),
		}
		scope.resetMetadata()
		return h, nil
	}

	if resource != nil {
		// transaction active but no synchronization.
		suspendedResource, err := m.doSuspend(ctx, resource)
		if err != nil {
			return nil, err
		}
		return &suspendedState{resource: suspendedResource}, nil
	}

	// neither transaction nor synchronization active.
	return nil, nil
}

// resume restores previously suspended transaction state into scope.
//
// no-op on nil holder. Each holder is consumed exactly once.
func (m *Manager) resume(ctx context.Context, scope *Scope, resource interface{}, h *suspendedState) error {
	if h == nil {
		return nil
	}
	if h.resource != nil {
		if err := m.doResume(ctx, resource, h.resource); err != nil {
			return err
		}
	}
	if h.syncActive {
		scope.setMetadata(h.active, h.isolation, h.readOnly, h.name)
		m.resumeSynchronization(scope, h.syncs)
	}
	return nil
}

// resumeAfterBeginError restores the suspended transaction after begin
// failed, so that an error return never leaves the outer transaction
// detached. A resume failure takes precedence over the begin error.
func (m *Manager) resumeAfterBeginError(ctx context.Context, scope *Scope, resource interface{}, suspended *suspendedState, beginErr error) error {
	if rerr := m.resume(ctx, scope, resource, suspended); rerr != nil {
		log.Errorf(ctx, "inner transaction begin error overridden by outer transaction resume error: %v (begin error: %v)", rerr, beginErr)
		return rerr
	}
	return beginErr
}

// suspendSynchronization suspends all registered callbacks and closes the
// registry, returning them in registration order.
func (m *Manager) suspendSynchronization(scope *Scope) []Synchronization {
	syncv := scope.synchronizations()
	for _, sync := range syncv {
		sync.Suspend()
	}
	scope.clearSynchronization()
	return syncv
}

// resumeSynchronization reopens the registry and re-registers syncv in the
// original order.
func (m *Manager) resumeSynchronization(scope *Scope, syncv []Synchronization) {
	scope.initSynchronization()
	for _, sync := range syncv {
		sync.Resume()
		scope.syncs = append(scope.syncs, sync)
	}
}

func (m *Manager) doSuspend(ctx context.Context, resource interface{}) (_ interface{}, err error) {
	s, ok := m.backend.(Suspender)
	if !ok {
		return nil, errors.Wrapf(ErrSuspensionNotSupported,
			"backend %T does not implement Suspender", m.backend)
	}
	suspended, err := s.Suspend(ctx, resource)
	xerr.Context(&err, "suspend")
	return suspended, err
}

func (m *Manager) doResume(ctx context.Context, resource, suspended interface{}) (err error) {
	s, ok := m.backend.(Suspender)
	if !ok {
		return errors.Wrapf(ErrSuspensionNotSupported,
			"backend %T does not implement Suspender", m.backend)
	}
	err = s.Resume(ctx, resource, suspended)
	xerr.Context(&err, "resume")
	return err
}

// ---- completion engine ----

// Commit commits the transaction of st.
//
// If the transaction was marked rollback-only - locally via
// Status.SetRollbackOnly, or globally on the resource - a rollback is
// performed instead; in the global case Commit returns
// ErrUnexpectedRollback. Synchronization callbacks fire according to their
// contract, and the scope state the transaction had suspended is restored
// whatever the outcome.
func (m *Manager) Commit(ctx context.Context, st *Status) (err error) {
	defer task.Running(&ctx, "txn commit")(&err)

	if st.completed {
		return errors.Wrap(ErrIllegalState,
			"transaction already completed - do not call commit or rollback more than once")
	}

	if st.rollbackOnly {
		if st.debug {
			log.Debugf(ctx, "transactional code has requested rollback")
		}
		return m.processRollback(ctx, st, false)
	}

	if !m.commitOnGlobalRollbackOnly() && st.IsGlobalRollbackOnly() {
		if st.debug {
			log.Debugf(ctx, "transaction is globally marked rollback-only but commit was requested")
		}
		return m.processRollback(ctx, st, true)
	}

	return m.processCommit(ctx, st)
}

// Rollback rolls back the transaction of st.
//
// For a status participating in an outer transaction no physical rollback
// happens; instead the outer transaction is marked rollback-only (unless
// Options.NoRollbackOnParticipationFailure defers that decision to the
// originator).
func (m *Manager) Rollback(ctx context.Context, st *Status) (err error) {
	defer task.Running(&ctx, "txn rollback")(&err)

	if st.completed {
		return errors.Wrap(ErrIllegalState,
			"transaction already completed - do not call commit or rollback more than once")
	}

	return m.processRollback(ctx, st, false)
}

// processCommit drives an actual commit; rollback-only markers have already
// been checked.
func (m *Manager) processCommit(ctx context.Context, st *Status) (err error) {
	defer func() {
		if cerr := m.cleanupAfterCompletion(ctx, st); cerr != nil {
			if err != nil {
				log.Errorf(ctx, "commit error overridden by cleanup error: %v (commit error: %v)", cerr, err)
			}
			err = cerr
		}
	}()

	beforeCompletionInvoked := false
	unexpectedRollback := false
	backendFailed := false

	commitErr := m.prepareForCommit(ctx, st)
	if commitErr == nil {
		commitErr = m.triggerBeforeCommit(ctx, st)
	}
	if commitErr == nil {
		m.triggerBeforeCompletion(ctx, st)
		beforeCompletionInvoked = true

		switch {
		case st.HasSavepoint():
			if st.debug {
				log.Debugf(ctx, "releasing transaction savepoint")
			}
			// observed before release: the backend may clear the
			// marker together with the savepoint.
			unexpectedRollback = st.IsGlobalRollbackOnly()
			commitErr = st.releaseHeldSavepoint(ctx)
			backendFailed = commitErr != nil

		case st.IsNewTransaction():
			if st.debug {
				log.Debugf(ctx, "initiating transaction commit")
			}
			unexpectedRollback = st.IsGlobalRollbackOnly()
			commitErr = m.doCommit(ctx, st)
			backendFailed = commitErr != nil

		case m.opt.FailEarlyOnGlobalRollbackOnly:
			// participant defers the commit to the transaction
			// owner, but is asked to report the marker early.
			unexpectedRollback = st.IsGlobalRollbackOnly()
		}
	}

	if commitErr != nil {
		switch {
		case errors.Is(commitErr, ErrUnexpectedRollback):
			// the backend reported the rollback itself
			m.triggerAfterCompletion(ctx, st, RolledBack)
			return commitErr

		case backendFailed:
			if m.opt.RollbackOnCommitFailure {
				return m.rollbackOnCommitError(ctx, st, commitErr)
			}
			m.triggerAfterCompletion(ctx, st, Unknown)
			return commitErr

		default:
			// prepare hook or beforeCommit callback failed
			if !beforeCompletionInvoked {
				m.triggerBeforeCompletion(ctx, st)
			}
			return m.rollbackOnCommitError(ctx, st, commitErr)
		}
	}

	if unexpectedRollback {
		// the commit was silently accepted despite the rollback-only
		// marker.
		m.triggerAfterCompletion(ctx, st, RolledBack)
		return errors.Wrap(ErrUnexpectedRollback,
			"transaction silently rolled back because it has been marked as rollback-only")
	}

	// committed. afterCommit errors propagate to the caller, but the
	// transaction stays committed and completion still fires.
	err = m.triggerAfterCommit(ctx, st)
	m.triggerAfterCompletion(ctx, st, Committed)
	return err
}

// processRollback drives an actual rollback; the completed flag has already
// been checked.
//
// unexpected seeds the unexpected-rollback verdict: true when a commit
// request was turned into this rollback by a global rollback-only marker.
func (m *Manager) processRollback(ctx context.Context, st *Status, unexpected bool) (err error) {
	defer func() {
		if cerr := m.cleanupAfterCompletion(ctx, st); cerr != nil {
			if err != nil {
				log.Errorf(ctx, "rollback error overridden by cleanup error: %v (rollback error: %v)", cerr, err)
			}
			err = cerr
		}
	}()

	unexpectedRollback := unexpected

	m.triggerBeforeCompletion(ctx, st)

	rbErr := func() error {
		switch {
		case st.HasSavepoint():
			if st.debug {
				log.Debugf(ctx, "rolling back transaction to savepoint")
			}
			return st.rollbackToHeldSavepoint(ctx)

		case st.IsNewTransaction():
			if st.debug {
				log.Debugf(ctx, "initiating transaction rollback")
			}
			return m.doRollback(ctx, st)
		}

		// participating in a larger transaction
		if st.resource != nil {
			if st.rollbackOnly || m.globalRollbackOnParticipationFailure() {
				if st.debug {
					log.Debugf(ctx, "participating transaction failed - marking existing transaction as rollback-only")
				}
				if err := m.doSetRollbackOnly(ctx, st); err != nil {
					return err
				}
			} else {
				if st.debug {
					log.Debugf(ctx, "participating transaction failed - letting transaction originator decide on rollback")
				}
			}
		} else {
			log.Debugf(ctx, "should roll back transaction but cannot - no transaction available")
		}
		// a participant raises the unexpected-rollback verdict only in
		// fail-early mode; otherwise the owner does.
		if !m.opt.FailEarlyOnGlobalRollbackOnly {
			unexpectedRollback = false
		}
		return nil
	}()

	if rbErr != nil {
		m.triggerAfterCompletion(ctx, st, Unknown)
		return rbErr
	}

	m.triggerAfterCompletion(ctx, st, RolledBack)

	if unexpectedRollback {
		return errors.Wrap(ErrUnexpectedRollback,
			"transaction rolled back because it has been marked as rollback-only")
	}
	return nil
}

// rollbackOnCommitError compensates a failed commit attempt: physical
// rollback for a transaction owner, rollback-only marking for a participant.
//
// Returns commitErr, or the compensation error if the compensation itself
// failed (with commitErr logged as its context).
func (m *Manager) rollbackOnCommitError(ctx context.Context, st *Status, commitErr error) error {
	switch {
	case st.IsNewTransaction():
		if st.debug {
			log.Debugf(ctx, "initiating transaction rollback after commit failure: %v", commitErr)
		}
		if rberr := m.doRollback(ctx, st); rberr != nil {
			log.Errorf(ctx, "commit error overridden by rollback error: %v (commit error: %v)", rberr, commitErr)
			m.triggerAfterCompletion(ctx, st, Unknown)
			return rberr
		}

	case st.resource != nil && m.globalRollbackOnParticipationFailure():
		if st.debug {
			log.Debugf(ctx, "marking existing transaction as rollback-only after commit failure: %v", commitErr)
		}
		if rberr := m.doSetRollbackOnly(ctx, st); rberr != nil {
			log.Errorf(ctx, "commit error overridden by rollback-only marking error: %v (commit error: %v)", rberr, commitErr)
			m.triggerAfterCompletion(ctx, st, Unknown)
			return rberr
		}
	}

	m.triggerAfterCompletion(ctx, st, RolledBack)
	return commitErr
}

// ---- synchronization triggers ----

// triggerBeforeCommit fires BeforeCommit callbacks; an error aborts the
// commit.
func (m *Manager) triggerBeforeCommit(ctx context.Context, st *Status) error {
	if !st.newSynchronization {
		return nil
	}
	if st.debug {
		log.Debugf(ctx, "triggering beforeCommit synchronization")
	}
	for _, sync := range st.scope.synchronizations() {
		if err := sync.BeforeCommit(ctx, st.readOnly); err != nil {
			return err
		}
	}
	return nil
}

// triggerBeforeCompletion fires BeforeCompletion callbacks; errors are
// logged and do not change the completion outcome.
func (m *Manager) triggerBeforeCompletion(ctx context.Context, st *Status) {
	if !st.newSynchronization {
		return
	}
	if st.debug {
		log.Debugf(ctx, "triggering beforeCompletion synchronization")
	}
	for _, sync := range st.scope.synchronizations() {
		if err := sync.BeforeCompletion(ctx); err != nil {
			log.Errorf(ctx, "beforeCompletion synchronization failed: %v", err)
		}
	}
}

// triggerAfterCommit fires AfterCommit callbacks; the first error is
// returned to the Commit caller with the transaction already committed.
func (m *Manager) triggerAfterCommit(ctx context.Context, st *Status) error {
	if !st.newSynchronization {
		return nil
	}
	if st.debug {
		log.Debugf(ctx, "triggering afterCommit synchronization")
	}
	for _, sync := range st.scope.synchronizations() {
		if err := sync.AfterCommit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// triggerAfterCompletion fires or hands over AfterCompletion callbacks and
// closes the registry.
func (m *Manager) triggerAfterCompletion(ctx context.Context, st *Status, outcome Completion) {
	if !st.newSynchronization {
		return
	}
	syncv := st.scope.synchronizations()
	st.scope.clearSynchronization()
	if st.resource == nil || st.IsNewTransaction() {
		if st.debug {
			log.Debugf(ctx, "triggering afterCompletion synchronization")
		}
		// no transaction, or a transaction of our own -> the outcome
		// is known right here.
		m.invokeAfterCompletion(ctx, syncv, outcome)
	} else if len(syncv) != 0 {
		// participating in a transaction controlled outside of this
		// manager -> its completion, not ours, is the real outcome.
		m.registerAfterCompletionWithExisting(ctx, st.resource, syncv)
	}
}

// invokeAfterCompletion invokes AfterCompletion on every callback; errors
// are logged and do not stop the iteration.
func (m *Manager) invokeAfterCompletion(ctx context.Context, syncv []Synchronization, outcome Completion) {
	for _, sync := range syncv {
		if err := sync.AfterCompletion(ctx, outcome); err != nil {
			log.Errorf(ctx, "afterCompletion synchronization failed: %v", err)
		}
	}
}

// registerAfterCompletionWithExisting hands pending callbacks to the backend
// for invocation when the surrounding transaction completes; without backend
// support they fire immediately with outcome Unknown.
func (m *Manager) registerAfterCompletionWithExisting(ctx context.Context, resource interface{}, syncv []Synchronization) {
	if reg, ok := m.backend.(CompletionRegistrar); ok {
		if err := reg.RegisterAfterCompletion(ctx, resource, syncv); err != nil {
			log.Errorf(ctx, "cannot register afterCompletion callbacks with existing transaction: %v - invoking immediately with outcome 'unknown'", err)
			m.invokeAfterCompletion(ctx, syncv, Unknown)
		}
		return
	}
	log.Debugf(ctx, "backend cannot defer afterCompletion callbacks to the existing transaction - invoking immediately with outcome 'unknown'")
	m.invokeAfterCompletion(ctx, syncv, Unknown)
}

// cleanupAfterCompletion closes st and restores whatever st had displaced:
// it marks the status completed, drops owned synchronization, lets the
// backend clean a transaction this status started, and resumes suspended
// state. Runs on every completion path.
func (m *Manager) cleanupAfterCompletion(ctx context.Context, st *Status) error {
	st.completed = true
	if st.newSynchronization {
		st.scope.clear()
	}
	if st.IsNewTransaction() {
		m.doCleanup(ctx, st.resource)
	}
	if st.suspended != nil {
		if st.debug {
			log.Debugf(ctx, "resuming suspended transaction after completion of inner transaction")
		}
		h := st.suspended
		st.suspended = nil
		return m.resume(ctx, st.scope, st.resource, h)
	}
	return nil
}

// ---- backend dispatch ----

func (m *Manager) doCommit(ctx context.Context, st *Status) error {
	return m.backend.Commit(ctx, st)
}

func (m *Manager) doRollback(ctx context.Context, st *Status) (err error) {
	err = m.backend.Rollback(ctx, st)
	xerr.Context(&err, "rollback")
	return err
}

func (m *Manager) doSetRollbackOnly(ctx context.Context, st *Status) (err error) {
	p, ok := m.backend.(Participating)
	if !ok {
		return errors.Wrapf(ErrIllegalState,
			"backend %T does not support participating in existing transactions", m.backend)
	}
	err = p.SetRollbackOnly(ctx, st)
	xerr.Context(&err, "set rollback-only")
	return err
}

func (m *Manager) doCleanup(ctx context.Context, resource interface{}) {
	if c, ok := m.backend.(Cleaner); ok {
		c.CleanupAfterCompletion(ctx, resource)
	}
}

func (m *Manager) prepareForCommit(ctx context.Context, st *Status) error {
	if p, ok := m.backend.(CommitPreparer); ok {
		return p.PrepareForCommit(ctx, st)
	}
	return nil
}

func (m *Manager) savepointForNested() bool {
	if p, ok := m.backend.(NestedPolicy); ok {
		return p.SavepointForNested()
	}
	return true
}

func (m *Manager) commitOnGlobalRollbackOnly() bool {
	if p, ok := m.backend.(CommitPolicy); ok {
		return p.CommitOnGlobalRollbackOnly()
	}
	return false
}

func (m *Manager) globalRollbackOnParticipationFailure() bool {
	return !m.opt.NoRollbackOnParticipationFailure
}
