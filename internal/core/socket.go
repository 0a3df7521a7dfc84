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

// Package core implements the generic per-socket record and the thin
// dispatch that routes every user operation through the owning
// transport's implementation, ticks the control channel, and re-arms
// readiness.
package core

import (
	"sync"
	"sync/atomic"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/ctl"
	"github.com/abiaog/xcm/internal/evfd"
	"github.com/abiaog/xcm/internal/transport"
)

var nextID atomic.Uint64

// NextID returns a fresh, process-unique, never-reused socket id.
func NextID() uint64 {
	return nextID.Add(1)
}

// Counters holds the eight monotonically non-decreasing byte/message
// counters exposed as the xcm.to_app/from_app/to_lower/from_lower
// attributes.
type Counters struct {
	ToAppMsgs, ToAppBytes         atomic.Uint64
	FromAppMsgs, FromAppBytes     atomic.Uint64
	ToLowerMsgs, ToLowerBytes     atomic.Uint64
	FromLowerMsgs, FromLowerBytes atomic.Uint64
}

// Socket is the per-process record every XCM handle wraps: stable id,
// immutable role, transport binding, shared event fd, blocking flag,
// desired condition, counters, optional control channel, and the
// transport-private implementation.
type Socket struct {
	id            uint64
	role          transport.Role
	transportName string // the registered name this socket was created under
	efd           *evfd.EventFD

	blocking atomic.Bool
	desired  atomic.Uint32

	Counters Counters

	impl transport.Socket // concrete transport socket (ux/tcp/tls/sctp/utls)

	mu        sync.Mutex
	ctl       *ctl.Ctl
	ctlOn     bool
	closed    bool
	stickyErr error
}

// New wraps a freshly created transport socket in a core record.
func New(role transport.Role, transportName string, efd *evfd.EventFD, impl transport.Socket) *Socket {
	return &Socket{
		id:            NextID(),
		role:          role,
		transportName: transportName,
		efd:           efd,
		impl:          impl,
	}
}

// ID returns the socket's stable per-process id.
func (s *Socket) ID() uint64 { return s.id }

// SockID satisfies ctl.Host.
func (s *Socket) SockID() uint64 { return s.id }

// Role returns the socket's immutable type.
func (s *Socket) Role() transport.Role { return s.role }

// EventFD returns the shared readiness descriptor.
func (s *Socket) EventFD() *evfd.EventFD { return s.efd }

// Impl exposes the concrete transport socket (used by UTLS and by the
// public API's fd()/attribute plumbing).
func (s *Socket) Impl() transport.Socket { return s.impl }

// CostlySyscalls satisfies ctl.Host: true for message-oriented kernel
// transports with expensive per-call syscalls (SCTP).
func (s *Socket) CostlySyscalls() bool {
	return s.GetTransport() == "sctp"
}

// SetBlocking sets the blocking-mode flag.
func (s *Socket) SetBlocking(b bool) { s.blocking.Store(b) }

// Blocking reports the current blocking-mode flag.
func (s *Socket) Blocking() bool { return s.blocking.Load() }

// SetDesired records the user's desired-condition hint.
func (s *Socket) SetDesired(c transport.Condition) { s.desired.Store(uint32(c)) }

// Desired returns the cached desired-condition hint.
func (s *Socket) Desired() transport.Condition { return transport.Condition(s.desired.Load()) }

// GetTransport returns the transport identity as observed via get_transport:
// if the implementation overrides it (UTLS does), its value; otherwise the
// registered name.
func (s *Socket) GetTransport() string {
	if namer, ok := s.impl.(transport.TransportNamer); ok {
		return namer.GetTransport()
	}
	return s.transportName
}

// StickyErr returns the sticky error latched by a prior unusable-connection
// failure, if any.
func (s *Socket) StickyErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stickyErr
}

// SetStickyErr latches err (idempotent; first error wins) if err is
// non-nil and not a transient would-block.
func (s *Socket) SetStickyErr(err error) {
	if err == nil || isWouldBlock(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stickyErr == nil {
		s.stickyErr = err
	}
}

// EnableCtl lazily creates the control channel the first time the user
// enables it for this socket. If the transport implementation is
// CtlAware (UTLS), it also attaches CTL to whichever sub-sockets it owns.
func (s *Socket) EnableCtl(pid int) {
	s.mu.Lock()
	if s.ctlOn {
		s.mu.Unlock()
		return
	}
	s.ctlOn = true
	s.ctl = ctl.New(s, pid)
	s.mu.Unlock()

	if aware, ok := s.impl.(transport.CtlAware); ok {
		aware.EnableSubCtl(pid)
	}
}

// CtlProcess services the control channel for one user op.
func (s *Socket) CtlProcess() {
	s.mu.Lock()
	c := s.ctl
	s.mu.Unlock()
	c.Process()
}

// GetAttr satisfies ctl.Host and is used directly by the public Attr API.
func (s *Socket) GetAttr(name string) (attr.Snapshot, error) {
	for _, d := range s.allAttrDescriptors() {
		if d.Name == name {
			return d.Snapshot()
		}
	}
	return attr.Snapshot{}, attr.ErrNotFound
}

// GetAllAttrs satisfies ctl.Host.
func (s *Socket) GetAllAttrs() ([]attr.Snapshot, error) {
	var out []attr.Snapshot
	for _, d := range s.allAttrDescriptors() {
		if !d.Readable() {
			continue
		}
		snap, err := d.Snapshot()
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Socket) allAttrDescriptors() []attr.Descriptor {
	return append(CommonAttrs(s), s.impl.GetAttrs()...)
}

// Close destroys the socket: control channel first, then the transport
// implementation.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.ctl
	s.ctl = nil
	s.mu.Unlock()

	c.Destroy(true)
	err := s.impl.Close()
	_ = s.efd.Close()
	return err
}

// Cleanup releases local, non-owner state (post-fork).
func (s *Socket) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	c := s.ctl
	s.ctl = nil
	s.mu.Unlock()

	c.Destroy(false)
	s.impl.Cleanup()
}
