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

package netpoll

import "syscall"

// Readable has no portable non-consuming implementation outside
// unix.Poll; non-Linux builds fall back to always-ready, leaning on the
// caller's own deadline-based I/O to sort out what is actually available.
func Readable(rc syscall.RawConn) bool { return true }

// Writable mirrors Readable's fallback.
func Writable(rc syscall.RawConn) bool { return true }
