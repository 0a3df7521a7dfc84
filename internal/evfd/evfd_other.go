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

//go:build !linux

package evfd

import (
	"os"
	"sync"
)

// EventFD on non-Linux platforms falls back to the classic self-pipe
// trick: the real eventfd(2) syscall has no portable equivalent, but the
// same level-triggered, readable-only, multi-source contract is preserved.
type EventFD struct {
	r, w *os.File

	mu     sync.Mutex
	wanted map[interface{}]bool
	armed  bool
}

// New creates a self-pipe standing in for an eventfd.
func New() (*EventFD, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &EventFD{r: r, w: w, wanted: make(map[interface{}]bool)}, nil
}

// File returns the read end the user registers with their event loop.
func (e *EventFD) File() *os.File {
	return e.r
}

// Fd returns the raw descriptor number of the read end.
func (e *EventFD) Fd() int {
	return int(e.r.Fd())
}

// SetSource records whether the named source currently wants the
// descriptor armed, and reconciles the pipe's armed state against the
// union of all sources.
func (e *EventFD) SetSource(source interface{}, want bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if want {
		e.wanted[source] = true
	} else {
		delete(e.wanted, source)
	}

	shouldArm := len(e.wanted) > 0
	if shouldArm && !e.armed {
		_, _ = e.w.Write([]byte{1})
		e.armed = true
	} else if !shouldArm && e.armed {
		var buf [1]byte
		_, _ = e.r.Read(buf[:])
		e.armed = false
	}
}

// Close releases both ends of the pipe.
func (e *EventFD) Close() error {
	_ = e.w.Close()
	return e.r.Close()
}
