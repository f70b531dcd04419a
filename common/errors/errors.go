/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*
Package errors provides error wrapping helpers that prefix error messages
with the calling function name and source line. Wrapped errors retain the
original error in their chain, so errors.Is and errors.As continue to work
against sentinels such as io.EOF and net.ErrClosed.
*/
package errors

import (
	std_errors "errors"
	"fmt"

	"github.com/Psiphon-Labs/transport-stream/common/stacktrace"
)

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	return fmt.Errorf("%s: %w", stacktrace.GetCallerFunctionName(1), std_errors.New(message))
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", stacktrace.GetCallerFunctionName(1), fmt.Errorf(format, args...))
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", stacktrace.GetCallerFunctionName(1), err)
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", stacktrace.GetCallerFunctionName(1), message, err)
}

// Is, As and New are re-exported so callers need only one errors import.

func Is(err, target error) bool {
	return std_errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return std_errors.As(err, target)
}

func New(message string) error {
	return std_errors.New(message)
}
