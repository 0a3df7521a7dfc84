/*
 * Copyright (c) 2026, xcm contributors
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

// Package xerrors provides error wrapping helpers that add inline, single
// frame stack trace information to error messages, in the style used
// throughout this module's internal packages.
package xerrors

import (
	"fmt"
	"runtime"
	"strings"
)

// TraceNew returns a new error with the given message, annotated with the
// caller's function and line.
func TraceNew(message string) error {
	return Trace(fmt.Errorf("%s", message))
}

// Tracef returns a new formatted error annotated with the caller's function
// and line.
func Tracef(format string, args ...interface{}) error {
	return Trace(fmt.Errorf(format, args...))
}

// Trace wraps err with the caller's function and line. A nil err returns nil.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	pc, _, line, ok := runtime.Caller(1)
	if !ok {
		return err
	}
	return fmt.Errorf("%s#%d: %w", funcName(pc), line, err)
}

// TraceMsg wraps err with the caller's function/line and an extra message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	pc, _, line, ok := runtime.Caller(1)
	if !ok {
		return fmt.Errorf("%s: %w", message, err)
	}
	return fmt.Errorf("%s#%d: %s: %w", funcName(pc), line, message, err)
}

func funcName(pc uintptr) string {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
