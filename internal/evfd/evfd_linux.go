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

//go:build linux

// Package evfd wraps the single per-socket readiness descriptor the user's
// event loop polls: one fd, stable for the socket's lifetime,
// level-triggered read-ready.
package evfd

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// EventFD is a level-triggered readiness signal backed by a real Linux
// eventfd(2), so it is a legal value to register on the caller's own
// epoll/select loop. Several independent watchers (CTL, the transport's
// own I/O readiness, and — for UTLS — two sub-sockets) may each want the
// descriptor armed at once; EventFD tracks each contributor's desired
// level by key and keeps the fd armed for as long as any contributor
// wants it, so one source clearing its own condition never un-arms a
// descriptor another source still needs signalled.
type EventFD struct {
	file *os.File
	fd   int

	mu     sync.Mutex
	wanted map[interface{}]bool
	armed  bool
}

// New creates a non-blocking eventfd in non-semaphore mode.
func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &EventFD{
		file:   os.NewFile(uintptr(fd), "xcm-eventfd"),
		fd:     fd,
		wanted: make(map[interface{}]bool),
	}, nil
}

// File returns the *os.File the user registers with their event loop.
func (e *EventFD) File() *os.File {
	return e.file
}

// Fd returns the raw descriptor number.
func (e *EventFD) Fd() int {
	return e.fd
}

// SetSource records whether the named source currently wants the
// descriptor armed, and reconciles the underlying fd's armed state against
// the union of all sources.
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
		var one [8]byte
		one[0] = 1
		_, _ = unix.Write(e.fd, one[:])
		e.armed = true
	} else if !shouldArm && e.armed {
		var buf [8]byte
		_, _ = unix.Read(e.fd, buf[:])
		e.armed = false
	}
}

// Close releases the descriptor.
func (e *EventFD) Close() error {
	return e.file.Close()
}
