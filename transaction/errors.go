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
// error taxonomy.
//
// Errors of the taxonomy below are returned wrapped with detail about the
// particular misuse; inspect them with errors.Is / errors.As. Errors coming
// from a Backend (begin/commit/rollback/... failures) are opaque to the
// manager - they are returned with context attached but never reinterpreted.

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrIllegalState is returned on misuse of the transaction workflow:
	// completing a transaction twice, Mandatory propagation with no
	// transaction to join, Never propagation with a transaction running,
	// or a definition that fails validation against the transaction it
	// would join.
	ErrIllegalState = errors.New("illegal transaction state")

	// ErrNestedNotSupported is returned when Nested propagation is
	// requested but nesting is disabled in Options or the resource cannot
	// create savepoints.
	ErrNestedNotSupported = errors.New("nested transaction not supported")

	// ErrSuspensionNotSupported is returned when the propagation mode
	// requires suspending the current transaction but the backend does
	// not implement Suspender.
	ErrSuspensionNotSupported = errors.New("transaction suspension not supported")

	// ErrUnexpectedRollback is returned by Commit when the transaction
	// was rolled back instead, because a rollback-only marker was set.
	ErrUnexpectedRollback = errors.New("transaction unexpectedly rolled back")
)

// InvalidTimeoutError is returned when a definition or manager carries an
// invalid (negative, non-sentinel) timeout.
type InvalidTimeoutError struct {
	Timeout int
}

func (e *InvalidTimeoutError) Error() string {
	return fmt.Sprintf("invalid transaction timeout: %d", e.Timeout)
}
