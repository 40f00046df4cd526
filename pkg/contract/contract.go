// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package contract reports programmer errors in callers of the slot, task and
// buffer APIs. Builds tagged hwdebug panic on a violation; other builds clamp
// the offending operation to a no-op and hand the error back.
package contract

import (
	"errors"
	"fmt"
)

// Error is a contract violation. Err is the sentinel describing the class of
// violation, so errors.Is(err, slots.ErrRefUnderflow) and friends work.
type Error struct {
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("contract violation in %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("contract violation in %s: %v (%s)", e.Op, e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Violate builds a contract Error and panics with it if this is a debug build.
func Violate(op string, err error, detail string) error {
	e := &Error{Op: op, Detail: detail, Err: err}
	if panicOnViolation {
		panic(e)
	}

	return e
}

// Is reports whether err is a contract violation of any kind.
func Is(err error) bool {
	var e *Error

	return errors.As(err, &e)
}

// Panics reports whether violations panic in this build.
func Panics() bool {
	return panicOnViolation
}
