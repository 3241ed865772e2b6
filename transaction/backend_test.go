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
// test backend: in-memory Backend that records every call into a journal.

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

// resKey keys the transaction state a recorder binds into a scope.
type resKey struct{}

// txState is one physical transaction of a recorder. It stays the same
// object across Resource calls while bound, so a rollback-only marker set
// through one status is observed by every other status of the transaction.
type txState struct {
	id           int
	depth        int // delegated nested begins currently open
	rollbackOnly bool
	spSeq        int
}

// txRes is the resource object handed to the manager.
type txRes struct {
	b     *recorder
	scope *Scope
	state *txState // nil when no transaction is bound to the scope
}

// suspendedTx is the opaque handle returned by Suspend.
type suspendedTx struct {
	scope *Scope
	state *txState
}

// recorder is the Backend used throughout the tests.
//
// Every backend operation appends one line to the journal, so tests can
// assert the exact sequence of physical operations a propagation scenario
// produces. fail* fields inject errors into the corresponding operation.
type recorder struct {
	mu      sync.Mutex
	journal []string
	seq     int

	lastBeginDef *Definition

	spForNested            bool
	commitOnGlobalRollback bool

	failBegin     error
	failCommit    error
	failRollback  error
	failSuspend   error
	failResume    error
	failCreateSp  error
	failReleaseSp error
}

func newRecorder() *recorder {
	return &recorder{spForNested: true}
}

func (b *recorder) log(format string, argv ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal = append(b.journal, fmt.Sprintf(format, argv...))
}

// Journal returns a copy of the journal recorded so far.
func (b *recorder) Journal() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.journal...)
}

func (b *recorder) Resource(ctx context.Context, scope *Scope) (interface{}, error) {
	state, _ := scope.Resource(resKey{}).(*txState)
	return &txRes{b: b, scope: scope, state: state}, nil
}

func (b *recorder) IsExisting(resource interface{}) bool {
	return resource.(*txRes).state != nil
}

func (b *recorder) Begin(ctx context.Context, resource interface{}, def *Definition) error {
	b.mu.Lock()
	b.lastBeginDef = def
	b.mu.Unlock()
	if b.failBegin != nil {
		b.log("begin !%s", b.failBegin)
		return b.failBegin
	}
	r := resource.(*txRes)
	if r.state != nil {
		// delegated nested begin (spForNested=false)
		r.state.depth++
		b.log("begin #%d/nested%d", r.state.id, r.state.depth)
		return nil
	}
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.mu.Unlock()
	state := &txState{id: id}
	if err := r.scope.Bind(resKey{}, state); err != nil {
		return err
	}
	r.state = state
	b.log("begin #%d", id)
	return nil
}

func (b *recorder) Commit(ctx context.Context, st *Status) error {
	r := st.Resource().(*txRes)
	if b.failCommit != nil {
		b.log("commit #%d !%s", r.state.id, b.failCommit)
		return b.failCommit
	}
	if r.state.depth > 0 {
		b.log("commit #%d/nested%d", r.state.id, r.state.depth)
		return nil
	}
	b.log("commit #%d", r.state.id)
	return nil
}

func (b *recorder) Rollback(ctx context.Context, st *Status) error {
	r := st.Resource().(*txRes)
	if b.failRollback != nil {
		b.log("rollback #%d !%s", r.state.id, b.failRollback)
		return b.failRollback
	}
	if r.state.depth > 0 {
		b.log("rollback #%d/nested%d", r.state.id, r.state.depth)
		return nil
	}
	b.log("rollback #%d", r.state.id)
	return nil
}

func (b *recorder) SetRollbackOnly(ctx context.Context, st *Status) error {
	r := st.Resource().(*txRes)
	r.state.rollbackOnly = true
	b.log("rollback-only #%d", r.state.id)
	return nil
}

func (b *recorder) Suspend(ctx context.Context, resource interface{}) (interface{}, error) {
	if b.failSuspend != nil {
		b.log("suspend !%s", b.failSuspend)
		return nil, b.failSuspend
	}
	r := resource.(*txRes)
	state := r.state
	if _, err := r.scope.Unbind(resKey{}); err != nil {
		return nil, err
	}
	r.state = nil
	b.log("suspend #%d", state.id)
	return &suspendedTx{scope: r.scope, state: state}, nil
}

func (b *recorder) Resume(ctx context.Context, resource, suspended interface{}) error {
	s := suspended.(*suspendedTx)
	if b.failResume != nil {
		b.log("resume !%s", b.failResume)
		return b.failResume
	}
	if err := s.scope.Bind(resKey{}, s.state); err != nil {
		return err
	}
	b.log("resume #%d", s.state.id)
	return nil
}

func (b *recorder) SavepointForNested() bool         { return b.spForNested }
func (b *recorder) CommitOnGlobalRollbackOnly() bool { return b.commitOnGlobalRollback }

func (b *recorder) CleanupAfterCompletion(ctx context.Context, resource interface{}) {
	r := resource.(*txRes)
	if r.state == nil {
		return
	}
	if r.state.depth > 0 {
		r.state.depth--
		return
	}
	r.scope.Unbind(resKey{})
	b.log("cleanup #%d", r.state.id)
	r.state = nil
}

// beginExternal binds a transaction into scope as if started by an outside
// coordinator, bypassing the manager.
func (b *recorder) beginExternal(scope *Scope) *txState {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.mu.Unlock()
	state := &txState{id: id}
	if err := scope.Bind(resKey{}, state); err != nil {
		panic(err)
	}
	return state
}

// ---- resource capabilities ----

func (r *txRes) RollbackOnly() bool {
	return r.state != nil && r.state.rollbackOnly
}

func (r *txRes) CreateSavepoint(ctx context.Context) (interface{}, error) {
	if r.b.failCreateSp != nil {
		r.b.log("savepoint create !%s", r.b.failCreateSp)
		return nil, r.b.failCreateSp
	}
	r.state.spSeq++
	sp := fmt.Sprintf("#%d.sp%d", r.state.id, r.state.spSeq)
	r.b.log("savepoint create %s", sp)
	return sp, nil
}

func (r *txRes) RollbackToSavepoint(ctx context.Context, sp interface{}) error {
	r.b.log("savepoint rollback %s", sp)
	// rolling back to a savepoint undoes a rollback-only marking made
	// after it was taken.
	r.state.rollbackOnly = false
	return nil
}

func (r *txRes) ReleaseSavepoint(ctx context.Context, sp interface{}) error {
	if r.b.failReleaseSp != nil {
		r.b.log("savepoint release %s !%s", sp, r.b.failReleaseSp)
		return r.b.failReleaseSp
	}
	r.b.log("savepoint release %s", sp)
	return nil
}

// ---- backend variants with fewer capabilities ----

// minimalBackend exposes only the mandatory Backend methods of a recorder:
// no joining, no suspension, no cleanup.
type minimalBackend struct{ r *recorder }

func (b *minimalBackend) Resource(ctx context.Context, scope *Scope) (interface{}, error) {
	return b.r.Resource(ctx, scope)
}
func (b *minimalBackend) Begin(ctx context.Context, resource interface{}, def *Definition) error {
	return b.r.Begin(ctx, resource, def)
}
func (b *minimalBackend) Commit(ctx context.Context, st *Status) error {
	return b.r.Commit(ctx, st)
}
func (b *minimalBackend) Rollback(ctx context.Context, st *Status) error {
	return b.r.Rollback(ctx, st)
}

// nosuspendBackend joins and cleans up but cannot suspend.
type nosuspendBackend struct{ minimalBackend }

func (b *nosuspendBackend) IsExisting(resource interface{}) bool {
	return b.r.IsExisting(resource)
}
func (b *nosuspendBackend) SetRollbackOnly(ctx context.Context, st *Status) error {
	return b.r.SetRollbackOnly(ctx, st)
}
func (b *nosuspendBackend) CleanupAfterCompletion(ctx context.Context, resource interface{}) {
	b.r.CleanupAfterCompletion(ctx, resource)
}

// preparerBackend adds a PrepareForCommit hook.
type preparerBackend struct {
	*recorder
	prepare func(ctx context.Context, st *Status) error
}

func (b *preparerBackend) PrepareForCommit(ctx context.Context, st *Status) error {
	return b.prepare(ctx, st)
}

// registrarBackend can take over after-completion callbacks of scopes
// participating in an externally controlled transaction.
type registrarBackend struct {
	*recorder
	registerErr error
	pending     []Synchronization
}

func (b *registrarBackend) RegisterAfterCompletion(ctx context.Context, resource interface{}, syncs []Synchronization) error {
	if b.registerErr != nil {
		b.log("register after-completion !%s", b.registerErr)
		return b.registerErr
	}
	b.pending = append(b.pending, syncs...)
	b.log("register after-completion (%d)", len(syncs))
	return nil
}

// ---- synchronization tracing ----

// traceSync is a Synchronization journaling every callback into the shared
// recorder journal, so callback/backend interleaving is visible.
type traceSync struct {
	b    *recorder
	name string

	beforeCommitErr     error
	beforeCompletionErr error
	afterCommitErr      error
	afterCompletionErr  error
}

func (s *traceSync) Suspend() { s.b.log("sync %s: suspend", s.name) }
func (s *traceSync) Resume()  { s.b.log("sync %s: resume", s.name) }

func (s *traceSync) BeforeCommit(ctx context.Context, readOnly bool) error {
	s.b.log("sync %s: before commit (ro=%v)", s.name, readOnly)
	return s.beforeCommitErr
}

func (s *traceSync) BeforeCompletion(ctx context.Context) error {
	s.b.log("sync %s: before completion", s.name)
	return s.beforeCompletionErr
}

func (s *traceSync) AfterCommit(ctx context.Context) error {
	s.b.log("sync %s: after commit", s.name)
	return s.afterCommitErr
}

func (s *traceSync) AfterCompletion(ctx context.Context, outcome Completion) error {
	s.b.log("sync %s: after completion (%s)", s.name, outcome)
	return s.afterCompletionErr
}

// ---- harness ----

// testEnv creates a recorder, a manager over it and a context with a fresh
// scope.
func testEnv(opt *Options) (context.Context, *recorder, *Manager) {
	b := newRecorder()
	return NewContext(context.Background()), b, New(b, opt)
}

// checkJournal verifies the journal recorded so far matches linev exactly.
func checkJournal(t *testing.T, b *recorder, linev ...string) {
	t.Helper()
	if diff := pretty.Compare(linev, b.Journal()); diff != "" {
		t.Errorf("journal mismatch: (-want +got)\n%s", diff)
	}
}
