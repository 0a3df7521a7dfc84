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

// Package netpoll offers non-consuming readiness checks on raw file
// descriptors, used by every transport's background watcher (and by CTL)
// to decide when to signal the shared event fd without actually performing
// the I/O the check is about.
package netpoll

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Readable reports whether rc currently has data (or, for a listener, a
// pending connection) ready to read.
func Readable(rc syscall.RawConn) bool {
	return poll(rc, unix.POLLIN)
}

// Writable reports whether rc currently has buffer space to write into.
func Writable(rc syscall.RawConn) bool {
	return poll(rc, unix.POLLOUT)
}

func poll(rc syscall.RawConn, events int16) bool {
	var ready bool
	err := rc.Control(func(fd uintptr) {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, _ := unix.Poll(pfd, 0)
		ready = n > 0 && pfd[0].Revents&events != 0
	})
	return err == nil && ready
}
